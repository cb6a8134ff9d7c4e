package scrape

import (
	"errors"
	"fmt"
)

var (
	// ErrStoreNotConfigured is returned when a store is used before it is opened.
	ErrStoreNotConfigured = errors.New("article store is not configured")
	// ErrDuplicateLink is returned when an insert collides with a stored link.
	ErrDuplicateLink = errors.New("duplicate article link")
	// ErrRunInProgress is returned when another process holds the run lock.
	ErrRunInProgress = errors.New("scrape run already in progress")
)

// FetchError reports a transport failure or non-2xx response from the source page.
type FetchError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch %s: status %d: %v", e.URL, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// StoreError reports a failed read or write at the store boundary.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}
