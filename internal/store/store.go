// Package store persists chunk embeddings in per-collection SQLite
// databases. Each collection owns one directory with a vectors.db inside,
// so dropping a collection is a directory removal and nothing shares write
// contention across projects.
package store

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"contextkeeper/internal/fault"
	"contextkeeper/internal/logging"
)

// Store manages the collections under a single root directory.
type Store struct {
	root string
	dim  int

	mu          sync.Mutex
	collections map[string]*Collection
}

// NewStore creates a store rooted at dir. Every collection it opens is
// pinned to the given embedding dimension.
func NewStore(root string, dim int) (*Store, error) {
	if dim <= 0 {
		return nil, fault.New(fault.InvalidInput, "embedding dimension must be positive, got %d", dim)
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fault.Wrap(fault.Internal, err, "failed to create vector store root %s", root)
	}

	logging.Store("Vector store root ready at %s (dimension=%d)", root, dim)
	return &Store{
		root:        root,
		dim:         dim,
		collections: make(map[string]*Collection),
	}, nil
}

// Collection opens or creates the named collection. Handles are cached; the
// same name always returns the same handle until Drop or Close.
func (s *Store) Collection(name string) (*Collection, error) {
	if err := validateCollectionName(name); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.collections[name]; ok {
		return c, nil
	}

	c, err := openCollection(filepath.Join(s.root, name), name, s.dim)
	if err != nil {
		return nil, err
	}
	s.collections[name] = c
	return c, nil
}

// Has reports whether the named collection exists on disk, without
// creating it.
func (s *Store) Has(name string) bool {
	if validateCollectionName(name) != nil {
		return false
	}
	info, err := os.Stat(filepath.Join(s.root, name, "vectors.db"))
	return err == nil && !info.IsDir()
}

// Drop closes and removes the named collection. Dropping a collection that
// does not exist is not an error.
func (s *Store) Drop(name string) error {
	if err := validateCollectionName(name); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.collections[name]; ok {
		if err := c.Close(); err != nil {
			logging.StoreError("Failed to close collection %s before drop: %v", name, err)
		}
		delete(s.collections, name)
	}

	dir := filepath.Join(s.root, name)
	if err := os.RemoveAll(dir); err != nil {
		return fault.Wrap(fault.Internal, err, "failed to remove collection %s", name)
	}
	logging.Store("Dropped collection %s", name)
	return nil
}

// List returns the names of all collections on disk, sorted.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fault.Wrap(fault.Internal, err, "failed to list collections under %s", s.root)
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(s.root, e.Name(), "vectors.db")); err == nil {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// Dimension returns the embedding dimension enforced by this store.
func (s *Store) Dimension() int { return s.dim }

// Close closes every open collection handle.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	for name, c := range s.collections {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(s.collections, name)
	}
	logging.Store("Vector store closed")
	return firstErr
}

// validateCollectionName rejects names that would escape the store root or
// collide with filesystem internals.
func validateCollectionName(name string) error {
	if name == "" {
		return fault.New(fault.InvalidInput, "collection name must not be empty")
	}
	if strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return fault.New(fault.InvalidInput, "invalid collection name %q", name)
	}
	return nil
}
