// Package memory provides a process-local persistence.Store used by tests and
// by hosts that accept losing state across restarts.
package memory

import (
	"context"
	"strings"
	"sync"

	"github.com/example/attendance-verifier/internal/persistence"
)

// Store keeps values in a map guarded by a read/write mutex.
type Store struct {
	mu     sync.RWMutex
	values map[string][]byte
	puts   int
}

// New returns an empty Store.
func New() *Store {
	return &Store{values: make(map[string][]byte)}
}

// Get returns a copy of the value stored under key.
func (s *Store) Get(_ context.Context, key string) ([]byte, error) {
	if strings.TrimSpace(key) == "" {
		return nil, persistence.ErrInvalidKey
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	value, ok := s.values[key]
	if !ok {
		return nil, persistence.ErrNotFound
	}
	return cloneBytes(value), nil
}

// Put stores a copy of value under key.
func (s *Store) Put(_ context.Context, key string, value []byte) error {
	if strings.TrimSpace(key) == "" {
		return persistence.ErrInvalidKey
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.values[key] = cloneBytes(value)
	s.puts++
	return nil
}

// Delete removes key.
func (s *Store) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.values[key]; !ok {
		return persistence.ErrNotFound
	}
	delete(s.values, key)
	return nil
}

// Puts reports how many writes the store has accepted.
func (s *Store) Puts() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.puts
}

func cloneBytes(value []byte) []byte {
	if value == nil {
		return nil
	}
	out := make([]byte, len(value))
	copy(out, value)
	return out
}
