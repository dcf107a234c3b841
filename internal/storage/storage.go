// Package storage abstracts where raw image bytes live: a local directory or
// an S3-compatible object store. Paths are forward-slash logical keys; the
// same key always resolves to the same object regardless of backend.
package storage

import (
	"context"
	"errors"

	"github.com/shopimg/shopimg/internal/config"
)

var (
	// ErrNotFound means the key does not exist in the backend.
	ErrNotFound = errors.New("storage: object not found")
	// ErrUnavailable means the backend could not be reached; the operation
	// may succeed on retry.
	ErrUnavailable = errors.New("storage: backend unavailable")
)

// Backend is the uniform contract over local and object storage. Side effects
// are strictly scoped to the named path. Implementations are safe for
// concurrent use.
type Backend interface {
	Put(ctx context.Context, path string, data []byte, contentType string) error
	Get(ctx context.Context, path string) ([]byte, error)
	// Delete removes the object. Local storage reports ErrNotFound for a
	// missing path; object storage deletes are idempotent.
	Delete(ctx context.Context, path string) error
	Exists(ctx context.Context, path string) (bool, error)
}

// NewFromConfig picks a backend based on cfg.StorageType.
func NewFromConfig(ctx context.Context, cfg *config.Config) (Backend, error) {
	if cfg.StorageType == "s3" {
		s, err := NewS3(cfg)
		if err != nil {
			return nil, err
		}
		if err := s.EnsureBucket(ctx); err != nil {
			return nil, err
		}
		return s, nil
	}
	return NewLocal(cfg.StoragePath)
}
