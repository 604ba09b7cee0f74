// Package mfa issues and verifies one-time step-up codes. A recipient has
// at most one active code; issuing a new one replaces it. The code is only
// committed to the store after the mail dispatch succeeds, so an
// undeliverable code can never become the valid one.
package mfa

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/vmoreau/didgate/internal/logging"
	"github.com/vmoreau/didgate/internal/metrics"
	"github.com/vmoreau/didgate/internal/syncutil"
)

// ErrDispatchFailed wraps a mail transport failure during issuance.
var ErrDispatchFailed = errors.New("mfa: code dispatch failed")

// Codes are 6-digit and drawn uniformly from [100000, 999999].
const (
	codeMin  = 100000
	codeSpan = 900000
)

// Mailer delivers a message to a recipient. Implementations apply their
// own bounded timeout.
type Mailer interface {
	Send(ctx context.Context, to, subject, body string) error
}

// Entry is the active code for one recipient.
type Entry struct {
	Code     string    `json:"code"`
	IssuedAt time.Time `json:"issuedAt"`
}

// Store holds at most one entry per recipient.
type Store interface {
	Put(ctx context.Context, recipient string, e Entry) error
	Get(ctx context.Context, recipient string) (Entry, bool, error)
	Delete(ctx context.Context, recipient string) error
}

// Service coordinates code generation, dispatch, and verification.
// Operations on the same recipient are mutually exclusive, so a reissue
// cannot race a concurrent verify into accepting a stale code.
type Service struct {
	store  Store
	mailer Mailer
	locks  syncutil.ShardedMutex

	// ttl > 0 expires codes; singleUse invalidates a code on successful
	// verification. Both default off, matching the minimal contract.
	ttl       time.Duration
	singleUse bool
}

// Option customizes a Service.
type Option func(*Service)

// WithTTL makes issued codes expire after d.
func WithTTL(d time.Duration) Option {
	return func(s *Service) { s.ttl = d }
}

// WithSingleUse invalidates a code once it verifies successfully.
func WithSingleUse() Option {
	return func(s *Service) { s.singleUse = true }
}

// NewService builds an MFA service over the given store and mailer.
func NewService(store Store, mailer Mailer, opts ...Option) *Service {
	s := &Service{
		store:  store,
		mailer: mailer,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Issue generates a fresh code, dispatches it, and stores it as the sole
// active code for the recipient. Dispatch happens before the store commit
// and outside the recipient lock; on dispatch failure nothing is stored
// and any previously stored code remains valid.
func (s *Service) Issue(ctx context.Context, recipient string) (string, error) {
	code, err := generateCode()
	if err != nil {
		return "", fmt.Errorf("generate code: %w", err)
	}

	subject := "Your verification code"
	body := fmt.Sprintf("Your one-time verification code is %s.", code)
	if err := s.mailer.Send(ctx, recipient, subject, body); err != nil {
		metrics.OTPDispatchTotal.WithLabelValues("error").Inc()
		logging.L(ctx).Warn("otp dispatch failed", "recipient", recipient, "error", err)
		return "", fmt.Errorf("%w: %v", ErrDispatchFailed, err)
	}
	metrics.OTPDispatchTotal.WithLabelValues("success").Inc()

	unlock := s.locks.Lock(recipient)
	defer unlock()
	if err := s.store.Put(ctx, recipient, Entry{Code: code, IssuedAt: time.Now().UTC()}); err != nil {
		return "", fmt.Errorf("store code: %w", err)
	}
	return code, nil
}

// Verify reports whether code matches the recipient's active code. An
// expired code is removed and fails verification; with single use enabled
// a successful verification consumes the code.
func (s *Service) Verify(ctx context.Context, recipient, code string) (bool, error) {
	unlock := s.locks.Lock(recipient)
	defer unlock()

	entry, ok, err := s.store.Get(ctx, recipient)
	if err != nil {
		return false, fmt.Errorf("load code: %w", err)
	}
	if !ok {
		return false, nil
	}
	if s.ttl > 0 && time.Since(entry.IssuedAt) > s.ttl {
		if err := s.store.Delete(ctx, recipient); err != nil {
			return false, fmt.Errorf("expire code: %w", err)
		}
		return false, nil
	}
	if entry.Code != code {
		return false, nil
	}
	if s.singleUse {
		if err := s.store.Delete(ctx, recipient); err != nil {
			return false, fmt.Errorf("consume code: %w", err)
		}
	}
	return true, nil
}

func generateCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(codeSpan))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", codeMin+n.Int64()), nil
}
