// Package storage defines where snapshot backups are written.
package storage

import (
	"context"
	"io"
)

// BlobStore persists an object and returns a URI naming where it landed.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}
