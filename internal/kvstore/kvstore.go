// Package kvstore provides the durable key/value layer used for sync
// bookkeeping: change tokens, zone provisioning flags, resumable
// operation ids. Values are opaque bytes; every write is atomic so a
// crash between writes never leaves a torn value.
package kvstore

import (
	"context"
	"errors"
	"strings"
)

// ErrNotFound is returned when a key has no value.
var ErrNotFound = errors.New("kvstore: key not found")

// Store is a flat byte-oriented key/value store.
type Store interface {
	// Get returns the value for key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores value under key, replacing any previous value. The write
	// is durable once Set returns.
	Set(ctx context.Context, key string, value []byte) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// List returns all key/value pairs whose key starts with prefix.
	List(ctx context.Context, prefix string) (map[string][]byte, error)
}

// Namespaced returns a view of s with every key prefixed by ns + "/".
// List results come back with the namespace stripped.
func Namespaced(s Store, ns string) Store {
	return &namespaced{inner: s, prefix: ns + "/"}
}

type namespaced struct {
	inner  Store
	prefix string
}

func (n *namespaced) Get(ctx context.Context, key string) ([]byte, error) {
	return n.inner.Get(ctx, n.prefix+key)
}

func (n *namespaced) Set(ctx context.Context, key string, value []byte) error {
	return n.inner.Set(ctx, n.prefix+key, value)
}

func (n *namespaced) Delete(ctx context.Context, key string) error {
	return n.inner.Delete(ctx, n.prefix+key)
}

func (n *namespaced) List(ctx context.Context, prefix string) (map[string][]byte, error) {
	raw, err := n.inner.List(ctx, n.prefix+prefix)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]byte, len(raw))
	for k, v := range raw {
		out[strings.TrimPrefix(k, n.prefix)] = v
	}
	return out, nil
}
