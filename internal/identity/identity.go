// Package identity implements DID subject registration, the challenge
// nonce lifecycle, and quorum signature verification.
//
// Authentication model:
//   - A subject registers a DID with an ordered set of public keys and a
//     quorum threshold q (1 <= q <= number of keys).
//   - Login starts by requesting a challenge: a single-use random nonce
//     bound to the subject. At most one challenge is live per subject.
//   - The subject proves key possession by signing the nonce with q or
//     more distinct keys (EIP-191 personal-message signatures).
package identity

import (
	"context"
	"errors"
	"time"
)

// Errors
var (
	ErrSubjectNotFound   = errors.New("subject not registered")
	ErrInvalidQuorum     = errors.New("quorum must be between 1 and the number of keys")
	ErrChallengeNotFound = errors.New("no active challenge for subject")
	ErrChallengeExpired  = errors.New("challenge expired")
)

// PublicKey is one registered signing key of a subject.
type PublicKey struct {
	ID  string `json:"id"`
	Key string `json:"key"` // Ethereum-style address derived from the key
}

// Subject is a registered DID with its keys and quorum threshold.
// Re-registration replaces the whole record.
type Subject struct {
	DID       string      `json:"did"`
	Keys      []PublicKey `json:"publicKeys"`
	Quorum    int         `json:"quorum"`
	Contact   string      `json:"contact,omitempty"` // step-up delivery address, optional
	CreatedAt time.Time   `json:"createdAt"`
}

// Validate checks the quorum invariant.
func (s *Subject) Validate() error {
	if len(s.Keys) == 0 {
		return ErrInvalidQuorum
	}
	if s.Quorum < 1 || s.Quorum > len(s.Keys) {
		return ErrInvalidQuorum
	}
	return nil
}

// KeyByID returns the registered key with the given ID, matched
// case-insensitively, or nil.
func (s *Subject) KeyByID(id string) *PublicKey {
	for i := range s.Keys {
		if equalFold(s.Keys[i].ID, id) {
			return &s.Keys[i]
		}
	}
	return nil
}

// Challenge is a single-use login nonce bound to a subject.
type Challenge struct {
	ID       string    `json:"challengeId"`
	DID      string    `json:"subject"`
	Nonce    string    `json:"nonce"`
	IssuedAt time.Time `json:"issuedAt"`
	Attempts int       `json:"attempts"`
}

// SubjectStore persists registered subjects.
type SubjectStore interface {
	Put(ctx context.Context, subject *Subject) error
	Get(ctx context.Context, did string) (*Subject, error)
	List(ctx context.Context) ([]*Subject, error)
}

// ChallengeStore persists live challenges, at most one per subject.
type ChallengeStore interface {
	Put(ctx context.Context, challenge *Challenge) error
	Get(ctx context.Context, did string) (*Challenge, error)
	Delete(ctx context.Context, did string) error
}

// equalFold is a small ASCII-only strings.EqualFold to keep key ID
// comparison allocation-free on the hot path.
func equalFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}
