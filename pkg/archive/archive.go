package archive

import (
	"context"
	"errors"
	"io"
)

var (
	// ErrNotFound is returned when no archive exists under a key
	ErrNotFound = errors.New("archive not found")

	// ErrTooLarge is returned when an archive exceeds the size limit
	ErrTooLarge = errors.New("archive exceeds size limit")
)

// Store holds uploaded image archives
type Store interface {
	// Put writes r under key and returns the number of bytes stored. When
	// maxBytes is positive and r is longer, nothing is kept and ErrTooLarge
	// is returned.
	Put(ctx context.Context, key string, r io.Reader, maxBytes int64) (int64, error)

	// Open returns a reader for the archive under key
	Open(ctx context.Context, key string) (io.ReadCloser, error)

	// Exists reports whether an archive is stored under key
	Exists(ctx context.Context, key string) (bool, error)

	// Delete removes the archive under key. Missing keys are not an error.
	Delete(ctx context.Context, key string) error
}

// Key returns the storage key for an upload
func Key(uploadID, filename string) string {
	return uploadID + "_" + filename
}
