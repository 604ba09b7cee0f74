package features

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory corpus for development and tests. A single
// mutex serializes writers, so readers never observe a half-written row.
type MemoryStore struct {
	mu   sync.RWMutex
	rows []*Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Append(_ context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows = append(s.rows, copyRecord(rec))
	return nil
}

func (s *MemoryStore) All(_ context.Context) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Record, len(s.rows))
	for i, r := range s.rows {
		out[i] = copyRecord(r)
	}
	return out, nil
}

func (s *MemoryStore) Labeled(_ context.Context) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Record, 0, len(s.rows))
	for _, r := range s.rows {
		if r.Labeled() {
			out = append(out, copyRecord(r))
		}
	}
	return out, nil
}

func (s *MemoryStore) Count(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rows), nil
}

// copyRecord deep-copies a record so callers cannot mutate stored state.
func copyRecord(r *Record) *Record {
	cp := *r
	cp.Values = make(map[string]float64, len(r.Values))
	for k, v := range r.Values {
		cp.Values[k] = v
	}
	if r.Raw.IsAttack != nil {
		label := *r.Raw.IsAttack
		cp.Raw.IsAttack = &label
	}
	return &cp
}
