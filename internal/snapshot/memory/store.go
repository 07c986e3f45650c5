// Package memory keeps block-page snapshots in memory for dev runs and tests.
package memory

import (
	"context"
	"sync"
)

// Store maps snapshot paths to their stored bytes.
type Store struct {
	mu      sync.RWMutex
	objects map[string]Object
}

// Object is one stored snapshot.
type Object struct {
	ContentType string
	Data        []byte
}

// New returns an empty Store.
func New() *Store {
	return &Store{objects: make(map[string]Object)}
}

// Put stores data under path and returns the path as the location.
func (s *Store) Put(_ context.Context, path, contentType string, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := make([]byte, len(data))
	copy(stored, data)
	s.objects[path] = Object{ContentType: contentType, Data: stored}
	return path, nil
}

// Get returns the stored object, if present.
func (s *Store) Get(path string) (Object, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[path]
	return obj, ok
}

// Len reports the number of stored snapshots.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}
