// Package dirstore implements the asset store over a plain directory, one
// file per asset. This is the default backend for single-machine use.
package dirstore

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/lockstep-sync/lockstep/internal/assets"
)

// Store keeps each asset as a file under Root.
type Store struct {
	root string
}

// New creates the root directory if needed and returns a store over it.
func New(root string) (*Store, error) {
	if root == "" {
		return nil, fmt.Errorf("asset root is required")
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create asset directory: %w", err)
	}
	return &Store{root: root}, nil
}

// Root returns the backing directory.
func (s *Store) Root() string { return s.root }

// path maps a key to a file path, rejecting keys that would escape the
// root. Record names are ULIDs in practice, but imported data can carry
// anything.
func (s *Store) path(key string) (string, error) {
	if key == "" {
		return "", fmt.Errorf("asset key is required")
	}
	if strings.ContainsAny(key, `/\`) || key == "." || key == ".." {
		return "", fmt.Errorf("invalid asset key %q", key)
	}
	return filepath.Join(s.root, key), nil
}

// Put implements assets.Store. The write goes through a temp file and a
// rename so a crash never leaves a torn asset.
func (s *Store) Put(ctx context.Context, key string, r io.Reader) error {
	path, err := s.path(key)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(s.root, ".asset-*")
	if err != nil {
		return fmt.Errorf("failed to create temp asset: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := io.Copy(tmp, r); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to write asset %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to close asset %s: %w", key, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to place asset %s: %w", key, err)
	}
	return nil
}

// Open implements assets.Store.
func (s *Store) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	path, err := s.path(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, assets.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open asset %s: %w", key, err)
	}
	return f, nil
}

// Delete implements assets.Store. Missing keys are a no-op.
func (s *Store) Delete(ctx context.Context, key string) error {
	path, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete asset %s: %w", key, err)
	}
	return nil
}
