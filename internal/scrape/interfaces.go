package scrape

import (
	"context"
	"time"
)

// Fetcher retrieves the raw markup of one page.
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// Store is the persistence boundary consumed by the pipeline.
type Store interface {
	// ExistingLinks returns every persisted link.
	ExistingLinks(ctx context.Context) (map[string]struct{}, error)
	// InsertBatch persists all records or none of them.
	InsertBatch(ctx context.Context, records []Candidate) ([]Article, error)
	// ListRecent returns articles newest first; limit <= 0 returns all.
	ListRecent(ctx context.Context, limit int) ([]Article, error)
	Close()
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Publisher pushes run notifications to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Locker serializes runs across processes. Acquire returns ErrRunInProgress
// when the lock is held elsewhere.
type Locker interface {
	Acquire(ctx context.Context) (release func(context.Context) error, err error)
}

// Hasher computes content digests.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces article IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
