// Package blobarchive is the overflow store for oversized payload and
// exception-stack blobs: anything past the inline column size cap
// (jobengine's maxStoredFieldLen, batchengine's part result field) gets
// written here in full, and the row keeps a truncated preview followed by
// an "[archived: <uri>]" reference. Objects are raw bytes keyed by an
// archive key the caller chooses (e.g. "job/<id>/retry-stack-0").
package blobarchive

import (
	"context"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
)

// Store writes and reads overflow blobs in a single GCS bucket.
type Store struct {
	client *storage.Client
	bucket string
}

// Open creates a new Store. It assumes the client is authenticated
// (e.g. via GOOGLE_APPLICATION_CREDENTIALS).
func Open(ctx context.Context, bucketName string) (*Store, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("blobarchive: create GCS client: %w", err)
	}
	return &Store{client: client, bucket: bucketName}, nil
}

// Close releases the underlying GCS client.
func (s *Store) Close() error {
	return s.client.Close()
}

// Archive uploads data under key and returns a "gs://bucket/key" URI the
// caller stores in place of the inline field.
func (s *Store) Archive(ctx context.Context, key string, data []byte) (string, error) {
	obj := s.client.Bucket(s.bucket).Object(key)
	w := obj.NewWriter(ctx)
	if _, err := w.Write(data); err != nil {
		w.Close()
		return "", fmt.Errorf("blobarchive: write %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("blobarchive: close writer for %s: %w", key, err)
	}
	return fmt.Sprintf("gs://%s/%s", s.bucket, key), nil
}

// Fetch reads back a previously archived blob by key (not the full URI).
func (s *Store) Fetch(ctx context.Context, key string) ([]byte, error) {
	obj := s.client.Bucket(s.bucket).Object(key)
	r, err := obj.NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, fmt.Errorf("blobarchive: %s: %w", key, ErrNotFound)
		}
		return nil, fmt.Errorf("blobarchive: open reader for %s: %w", key, err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("blobarchive: read %s: %w", key, err)
	}
	return data, nil
}

// ErrNotFound is returned by Fetch when the requested key has no object.
var ErrNotFound = errors.New("blobarchive: object not found")
