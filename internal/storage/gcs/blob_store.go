// Package gcs archives listing snapshots in Google Cloud Storage.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
)

const defaultContentType = "text/html; charset=utf-8"

// Config captures the parameters required to connect to GCS.
type Config struct {
	Bucket string
	// SourceURL is recorded on every object as the source_url attribute.
	SourceURL string
}

// BlobStore writes content-addressed snapshots to a configured GCS bucket.
type BlobStore struct {
	client    *storage.Client
	bucket    string
	sourceURL string
}

// New creates a GCS-backed snapshot store.
func New(client *storage.Client, cfg Config) (*BlobStore, error) {
	if client == nil {
		return nil, errors.New("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, errors.New("bucket name is required")
	}
	return &BlobStore{
		client:    client,
		bucket:    cfg.Bucket,
		sourceURL: cfg.SourceURL,
	}, nil
}

// PutObject uploads a snapshot and returns its gs:// URI. Snapshot paths are
// derived from the content hash, so an object that already exists holds the
// same bytes and is left untouched.
func (s *BlobStore) PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", errors.New("path is required")
	}
	uri := fmt.Sprintf("gs://%s/%s", s.bucket, path)

	obj := s.client.Bucket(s.bucket).Object(path).If(storage.Conditions{DoesNotExist: true})
	writer := obj.NewWriter(ctx)
	writer.ContentType = contentType
	if writer.ContentType == "" {
		writer.ContentType = defaultContentType
	}
	writer.Metadata = s.metadata()

	if _, err := writer.Write(data); err != nil {
		_ = writer.Close()
		if alreadyStored(err) {
			return uri, nil
		}
		return "", fmt.Errorf("write snapshot: %w", err)
	}
	if err := writer.Close(); err != nil {
		if alreadyStored(err) {
			return uri, nil
		}
		return "", fmt.Errorf("close snapshot writer: %w", err)
	}
	return uri, nil
}

func (s *BlobStore) metadata() map[string]string {
	meta := map[string]string{"kind": "listing-snapshot"}
	if s.sourceURL != "" {
		meta["source_url"] = s.sourceURL
	}
	return meta
}

func alreadyStored(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusPreconditionFailed
}
