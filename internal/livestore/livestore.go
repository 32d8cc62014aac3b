// Package livestore keeps a user's client-scope settings in a JSON file of
// dotted keys, the way a client keeps them in local storage.
package livestore

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"playersync/internal/catalog"
	"playersync/internal/host"
	"playersync/internal/tree"
)

// ErrInvalidValue is returned when a write fails catalog validation.
var ErrInvalidValue = errors.New("invalid setting value")

// Store is a file-backed host.LiveStore. Every read goes to disk so edits
// made by other processes are seen.
type Store struct {
	path    string
	catalog catalog.Catalog
	mu      sync.Mutex
}

// Open returns a store over path. The file need not exist yet. When cat is
// non-nil, writes to registered settings are validated against it.
func Open(path string, cat catalog.Catalog) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create live store directory: %w", err)
	}
	return &Store{path: path, catalog: cat}, nil
}

// Path returns the backing file.
func (s *Store) Path() string {
	return s.path
}

func (s *Store) load() (tree.Flat, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return make(tree.Flat), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read live store: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return make(tree.Flat), nil
	}

	var flat tree.Flat
	if err := json.Unmarshal(data, &flat); err != nil {
		return nil, fmt.Errorf("decode live store: %w", err)
	}
	if flat == nil {
		flat = make(tree.Flat)
	}
	return flat, nil
}

func (s *Store) save(flat tree.Flat) error {
	data, err := json.MarshalIndent(flat, "", "  ")
	if err != nil {
		return fmt.Errorf("encode live store: %w", err)
	}
	data = append(data, '\n')

	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".tmp.*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("sync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("replace live store: %w", err)
	}
	return nil
}

// Get implements host.LiveStore.
func (s *Store) Get(key string) (any, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	flat, err := s.load()
	if err != nil {
		return nil, false, err
	}
	v, ok := flat[key]
	return v, ok, nil
}

// Set implements host.LiveStore. Registered settings are validated first;
// unregistered keys are stored as given.
func (s *Store) Set(key string, value any) error {
	if s.catalog != nil {
		if def, ok := s.catalog.Lookup(key); ok {
			if err := def.Validate(value); err != nil {
				return fmt.Errorf("%w: %s: %v", ErrInvalidValue, key, err)
			}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	flat, err := s.load()
	if err != nil {
		return err
	}
	flat[key] = tree.DeepCopy(value)
	return s.save(flat)
}

// Delete removes a key. Removing an absent key is not an error.
func (s *Store) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	flat, err := s.load()
	if err != nil {
		return err
	}
	if _, ok := flat[key]; !ok {
		return nil
	}
	delete(flat, key)
	return s.save(flat)
}

// Snapshot implements host.LiveStore.
func (s *Store) Snapshot() (tree.Flat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

var _ host.LiveStore = (*Store)(nil)
