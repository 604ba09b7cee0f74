package identity

import (
	"context"
	"sync"
)

// MemorySubjectStore is an in-memory implementation of SubjectStore.
type MemorySubjectStore struct {
	mu       sync.RWMutex
	subjects map[string]*Subject // by DID
	order    []string            // registration order, for stable listing
}

// NewMemorySubjectStore creates a new in-memory subject store.
func NewMemorySubjectStore() *MemorySubjectStore {
	return &MemorySubjectStore{
		subjects: make(map[string]*Subject),
	}
}

func (s *MemorySubjectStore) Put(ctx context.Context, subject *Subject) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.subjects[subject.DID]; !exists {
		s.order = append(s.order, subject.DID)
	}
	cp := *subject
	cp.Keys = append([]PublicKey(nil), subject.Keys...)
	s.subjects[subject.DID] = &cp
	return nil
}

func (s *MemorySubjectStore) Get(ctx context.Context, did string) (*Subject, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	subject, ok := s.subjects[did]
	if !ok {
		return nil, ErrSubjectNotFound
	}
	cp := *subject
	cp.Keys = append([]PublicKey(nil), subject.Keys...)
	return &cp, nil
}

func (s *MemorySubjectStore) List(ctx context.Context) ([]*Subject, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*Subject, 0, len(s.order))
	for _, did := range s.order {
		subject := s.subjects[did]
		cp := *subject
		cp.Keys = append([]PublicKey(nil), subject.Keys...)
		result = append(result, &cp)
	}
	return result, nil
}

// MemoryChallengeStore is an in-memory implementation of ChallengeStore.
// Challenges are ephemeral login state, so this is also what production
// uses when a database is configured.
type MemoryChallengeStore struct {
	mu         sync.RWMutex
	challenges map[string]*Challenge // by DID
}

// NewMemoryChallengeStore creates a new in-memory challenge store.
func NewMemoryChallengeStore() *MemoryChallengeStore {
	return &MemoryChallengeStore{
		challenges: make(map[string]*Challenge),
	}
}

func (s *MemoryChallengeStore) Put(ctx context.Context, challenge *Challenge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *challenge
	s.challenges[challenge.DID] = &cp
	return nil
}

func (s *MemoryChallengeStore) Get(ctx context.Context, did string) (*Challenge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	challenge, ok := s.challenges[did]
	if !ok {
		return nil, ErrChallengeNotFound
	}
	cp := *challenge
	return &cp, nil
}

func (s *MemoryChallengeStore) Delete(ctx context.Context, did string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.challenges[did]; !ok {
		return ErrChallengeNotFound
	}
	delete(s.challenges, did)
	return nil
}
