package identity

import (
	"context"
	"time"

	"github.com/vmoreau/didgate/internal/idgen"
	"github.com/vmoreau/didgate/internal/syncutil"
)

// Registry manages subjects and the challenge nonce lifecycle.
// Operations on the same DID are serialized with a keyed mutex so a
// reissue cannot race with a concurrent consume and leave a stale nonce
// usable.
type Registry struct {
	subjects   SubjectStore
	challenges ChallengeStore
	locks      syncutil.ShardedMutex
	ttl        time.Duration // 0 = challenges never expire by age
}

// NewRegistry creates a registry over the given stores.
func NewRegistry(subjects SubjectStore, challenges ChallengeStore) *Registry {
	return &Registry{subjects: subjects, challenges: challenges}
}

// WithChallengeTTL sets an age limit on challenges. Get and verification
// report ErrChallengeExpired for challenges older than the limit.
func (r *Registry) WithChallengeTTL(ttl time.Duration) *Registry {
	r.ttl = ttl
	return r
}

// Register stores (or wholly replaces) a subject record.
func (r *Registry) Register(ctx context.Context, subject *Subject) error {
	if err := subject.Validate(); err != nil {
		return err
	}
	if subject.CreatedAt.IsZero() {
		subject.CreatedAt = time.Now()
	}

	unlock := r.locks.Lock(subject.DID)
	defer unlock()
	return r.subjects.Put(ctx, subject)
}

// Subject returns a registered subject.
func (r *Registry) Subject(ctx context.Context, did string) (*Subject, error) {
	return r.subjects.Get(ctx, did)
}

// Subjects lists all registered subjects.
func (r *Registry) Subjects(ctx context.Context) ([]*Subject, error) {
	return r.subjects.List(ctx)
}

// Issue creates a fresh challenge for the subject, overwriting any prior
// challenge (the old nonce becomes unverifiable). Fails with
// ErrSubjectNotFound for unregistered DIDs.
func (r *Registry) Issue(ctx context.Context, did string) (*Challenge, error) {
	if _, err := r.subjects.Get(ctx, did); err != nil {
		return nil, err
	}

	challenge := &Challenge{
		ID:       idgen.WithPrefix("ch_"),
		DID:      did,
		Nonce:    idgen.Nonce(),
		IssuedAt: time.Now(),
		Attempts: 0,
	}

	unlock := r.locks.Lock(did)
	defer unlock()
	if err := r.challenges.Put(ctx, challenge); err != nil {
		return nil, err
	}
	return challenge, nil
}

// Challenge returns the live challenge for a subject, or
// ErrChallengeNotFound / ErrChallengeExpired.
func (r *Registry) Challenge(ctx context.Context, did string) (*Challenge, error) {
	ch, err := r.challenges.Get(ctx, did)
	if err != nil {
		return nil, err
	}
	if r.ttl > 0 && time.Since(ch.IssuedAt) > r.ttl {
		return nil, ErrChallengeExpired
	}
	return ch, nil
}

// RecordAttempt increments the challenge attempt counter. Called on every
// verify call regardless of outcome; the counter feeds the behavioral
// features downstream. Returns the post-increment count.
func (r *Registry) RecordAttempt(ctx context.Context, did string) (int, error) {
	unlock := r.locks.Lock(did)
	defer unlock()

	ch, err := r.challenges.Get(ctx, did)
	if err != nil {
		return 0, err
	}
	ch.Attempts++
	if err := r.challenges.Put(ctx, ch); err != nil {
		return 0, err
	}
	return ch.Attempts, nil
}

// Consume removes the subject's challenge. Must be called exactly once,
// only after a successful quorum verification.
func (r *Registry) Consume(ctx context.Context, did string) error {
	unlock := r.locks.Lock(did)
	defer unlock()
	return r.challenges.Delete(ctx, did)
}
