// Package policy maps an attack probability to a risk tier and the actions
// the gateway takes in response. Decisions are pure functions of the
// probability and the configured thresholds; no state is carried between
// records.
package policy

import "fmt"

// Tier is the risk band a scored attempt falls into.
type Tier string

const (
	TierNormal   Tier = "NORMAL"
	TierModerate Tier = "MODERATE"
	TierCritical Tier = "CRITICAL"
)

// Actions is the side-effect bundle for a decision. RequireMFA and
// SendAlert drive the step-up and alerting collaborators; Block is exposed
// independently so a CRITICAL deployment can alert without blocking, or
// both.
type Actions struct {
	Allow      bool `json:"allow"`
	RequireMFA bool `json:"requireMfa"`
	SendAlert  bool `json:"sendAlert"`
	Block      bool `json:"block"`
}

// Decision pairs the tier with its actions.
type Decision struct {
	Tier              Tier    `json:"tier"`
	AttackProbability float64 `json:"attackProbability"`
	Actions           Actions `json:"actions"`
}

// Policy holds the tier boundaries and the CRITICAL blocking choice.
type Policy struct {
	moderateAt      float64
	criticalAbove   float64
	blockOnCritical bool
}

// New builds a policy. moderateAt is the inclusive lower bound of the
// MODERATE band, criticalAbove its inclusive upper bound; probabilities
// strictly above criticalAbove are CRITICAL.
func New(moderateAt, criticalAbove float64, blockOnCritical bool) (*Policy, error) {
	if moderateAt < 0 || criticalAbove > 1 || moderateAt >= criticalAbove {
		return nil, fmt.Errorf("invalid thresholds: moderate %v, critical %v", moderateAt, criticalAbove)
	}
	return &Policy{
		moderateAt:      moderateAt,
		criticalAbove:   criticalAbove,
		blockOnCritical: blockOnCritical,
	}, nil
}

// Decide maps a probability to its tier and action bundle.
//
//	p < moderateAt                   NORMAL    allow
//	moderateAt <= p <= criticalAbove MODERATE  step-up MFA, block until verified
//	p > criticalAbove                CRITICAL  alert, optionally block
func (p *Policy) Decide(probability float64) Decision {
	d := Decision{AttackProbability: probability}
	switch {
	case probability < p.moderateAt:
		d.Tier = TierNormal
		d.Actions = Actions{Allow: true}
	case probability <= p.criticalAbove:
		d.Tier = TierModerate
		d.Actions = Actions{RequireMFA: true, Block: true}
	default:
		d.Tier = TierCritical
		d.Actions = Actions{SendAlert: true, Block: p.blockOnCritical}
	}
	return d
}
