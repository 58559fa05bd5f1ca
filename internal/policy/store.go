package policy

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Store handles persistence of the policy document on disk.
type Store struct {
	path   string
	mu     sync.RWMutex
	cached Document
	loaded bool
}

// NewStore creates a store whose document lives at path
// (e.g. "/var/lib/pirouter/router_config.json").
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Load reads the document from disk. A missing file yields a fresh empty
// document; a corrupt file also yields a fresh document but reports the
// parse error so the caller can log it.
func (s *Store) Load() (Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

func (s *Store) loadLocked() (Document, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			s.cached = Document{}
			s.loaded = true
			return s.cached, nil
		}
		return Document{}, fmt.Errorf("read policy document: %w", err)
	}

	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		s.cached = Document{}
		s.loaded = true
		return s.cached, fmt.Errorf("parse policy document %s: %w", s.path, err)
	}
	s.cached = doc
	s.loaded = true
	return doc.Clone(), nil
}

// Get returns a copy of the cached document, loading from disk if needed.
func (s *Store) Get() (Document, error) {
	s.mu.RLock()
	if s.loaded {
		doc := s.cached.Clone()
		s.mu.RUnlock()
		return doc, nil
	}
	s.mu.RUnlock()
	return s.Load()
}

// Mutate applies fn to the document and persists the result atomically.
// If fn returns an error nothing is written.
func (s *Store) Mutate(fn func(doc *Document) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.loaded {
		if _, err := s.loadLocked(); err != nil {
			return err
		}
	}

	working := s.cached.Clone()
	if err := fn(&working); err != nil {
		return err
	}
	if err := s.saveLocked(working); err != nil {
		return err
	}
	return nil
}

func (s *Store) saveLocked(doc Document) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write policy document: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace policy document: %w", err)
	}
	s.cached = doc
	s.loaded = true
	return nil
}
