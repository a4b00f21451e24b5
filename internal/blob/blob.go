// Package blob stores rotated stream segments outside the hot path:
// once an actor's op log crosses its rotation policy, the segment is
// flushed here and the bbolt-backed hot log is truncated.
package blob

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound is returned by Open/Get when key does not exist.
var ErrNotFound = errors.New("blob: key not found")

// Store is the durable object store backing rotated segments. Keys are
// opaque strings of the form "<projectID>/<streamID>/seg-<readSeq>"
// (see streamactor.blobKey); Store implementations need not understand
// that structure, only treat keys as a flat namespace.
type Store interface {
	// Put writes data under key, replacing any prior content.
	Put(ctx context.Context, key string, data []byte, contentType string) error

	// Open returns a reader for key. Callers must Close it. Returns
	// ErrNotFound if key does not exist.
	Open(ctx context.Context, key string) (io.ReadCloser, error)

	// Delete removes key. It is not an error to delete a missing key.
	Delete(ctx context.Context, key string) error
}

// Get is a convenience wrapper over Open that reads the full object.
func Get(ctx context.Context, s Store, key string) ([]byte, error) {
	r, err := s.Open(ctx, key)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}
