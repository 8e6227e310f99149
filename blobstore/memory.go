package blobstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/c360/capmesh/errors"
)

// Memory is an in-process Store for tests and single-process setups.
type Memory struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{blobs: map[string][]byte{}}
}

// Put stores payload bytes under a fresh key.
func (s *Memory) Put(_ context.Context, data []byte) (string, error) {
	key := uuid.New().String()
	stored := make([]byte, len(data))
	copy(stored, data)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[key] = stored
	return key, nil
}

// Get resolves a key to its payload bytes.
func (s *Memory) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, exists := s.blobs[key]
	if !exists {
		return nil, errors.WrapInvalid(
			fmt.Errorf("unknown payload key %q", key),
			"Memory", "Get", "payload resolution")
	}
	return data, nil
}

// Len returns the number of stored blobs.
func (s *Memory) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.blobs)
}
