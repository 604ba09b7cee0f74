// Package alerts delivers critical-risk notifications to operators.
// Delivery is best effort: failures are logged and counted, never
// propagated to the authentication caller.
package alerts

import (
	"context"
	"errors"
	"time"

	"github.com/vmoreau/didgate/internal/policy"
)

// Alert describes one critical-risk event.
type Alert struct {
	DID               string      `json:"did"`
	Tier              policy.Tier `json:"tier"`
	AttackProbability float64     `json:"attackProbability"`
	SourceIP          string      `json:"sourceIp"`
	Geo               string      `json:"geo"`
	Reason            string      `json:"reason"`
	OccurredAt        time.Time   `json:"occurredAt"`
}

// Notifier delivers an alert through one channel.
type Notifier interface {
	Notify(ctx context.Context, a Alert) error
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(ctx context.Context, a Alert) error

func (f NotifierFunc) Notify(ctx context.Context, a Alert) error { return f(ctx, a) }

// Fanout delivers each alert to every configured channel. One channel
// failing does not stop the others.
type Fanout []Notifier

func (f Fanout) Notify(ctx context.Context, a Alert) error {
	var errs []error
	for _, n := range f {
		if err := n.Notify(ctx, a); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
