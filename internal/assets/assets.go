// Package assets defines the large-binary asset collaborator. Records
// reference assets by key; the blobs themselves never travel through the
// sync engine. The engine consumes only Deleter, issued when a remote
// deletion removes the record an asset belongs to; the full Store is for
// the application writing and reading the blobs.
package assets

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound is returned by Open when no asset exists under the key.
var ErrNotFound = errors.New("assets: not found")

// Deleter is the slice of the store the sync engine consumes.
type Deleter interface {
	// Delete removes the blob. Deleting a missing key is not an error;
	// remote deletions are re-delivered and the second pass must succeed.
	Delete(ctx context.Context, key string) error
}

// Store holds large binaries keyed by record name.
type Store interface {
	// Put stores the blob under key, replacing any existing value.
	Put(ctx context.Context, key string, r io.Reader) error

	// Open returns a reader over the blob, or ErrNotFound.
	Open(ctx context.Context, key string) (io.ReadCloser, error)

	Deleter
}
