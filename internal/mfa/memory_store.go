package mfa

import (
	"context"
	"sync"
)

// MemoryStore keeps active codes in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]Entry)}
}

func (s *MemoryStore) Put(_ context.Context, recipient string, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[recipient] = e
	return nil
}

func (s *MemoryStore) Get(_ context.Context, recipient string) (Entry, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[recipient]
	return e, ok, nil
}

func (s *MemoryStore) Delete(_ context.Context, recipient string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, recipient)
	return nil
}
