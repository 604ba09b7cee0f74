// Package pipeline composes the request-scoped risk flow: enrich a raw
// attempt with geo, append it to the corpus, score it against the current
// model, apply the reaction policy, and run the resulting side effects.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vmoreau/didgate/internal/alerts"
	"github.com/vmoreau/didgate/internal/classifier"
	"github.com/vmoreau/didgate/internal/features"
	"github.com/vmoreau/didgate/internal/geoip"
	"github.com/vmoreau/didgate/internal/idgen"
	"github.com/vmoreau/didgate/internal/logging"
	"github.com/vmoreau/didgate/internal/metrics"
	"github.com/vmoreau/didgate/internal/mfa"
	"github.com/vmoreau/didgate/internal/policy"
	"github.com/vmoreau/didgate/internal/traces"
)

// ErrNoTrainingData means the corpus holds no labeled rows to train on.
var ErrNoTrainingData = errors.New("pipeline: no labeled training data")

// ScoredAttempt is the outcome of processing one attempt: the stored
// corpus row, the model's score, the policy decision, and which side
// effects actually ran.
type ScoredAttempt struct {
	Record            *features.Record `json:"record"`
	AttackProbability float64          `json:"attackProbability"`
	IsAttackPred      bool             `json:"isAttackPred"`
	Decision          policy.Decision  `json:"decision"`
	DegradedTime      bool             `json:"degradedTime,omitempty"`
	OTPIssued         bool             `json:"otpIssued"`
	AlertSent         bool             `json:"alertSent"`
}

// Publisher receives processed events for live observers. Implementations
// must not block.
type Publisher interface {
	PublishAttempt(sa *ScoredAttempt)
	PublishAlert(a alerts.Alert)
}

// RecipientFunc resolves the step-up delivery address for a DID. An empty
// result means no address is known and the OTP issue is skipped.
type RecipientFunc func(ctx context.Context, did string) string

// Orchestrator wires the scoring pipeline together. All state it touches
// is owned by its collaborators; outbound calls run outside any lock and
// their failure never rolls back the corpus append.
type Orchestrator struct {
	corpus    features.Store
	port      *classifier.Port
	policy    *policy.Policy
	mfa       *mfa.Service
	recipient RecipientFunc
	notifier  alerts.Notifier
	geo       *geoip.Resolver
	feed      Publisher
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithMFA enables step-up code issuance on MODERATE decisions.
func WithMFA(svc *mfa.Service, recipient RecipientFunc) Option {
	return func(o *Orchestrator) {
		o.mfa = svc
		o.recipient = recipient
	}
}

// WithNotifier enables alert delivery on CRITICAL decisions.
func WithNotifier(n alerts.Notifier) Option {
	return func(o *Orchestrator) { o.notifier = n }
}

// WithGeo enables source IP geo enrichment.
func WithGeo(r *geoip.Resolver) Option {
	return func(o *Orchestrator) { o.geo = r }
}

// WithFeed publishes processed attempts and alerts to live observers.
func WithFeed(p Publisher) Option {
	return func(o *Orchestrator) { o.feed = p }
}

// New builds an orchestrator over the corpus, classifier, and policy.
func New(corpus features.Store, port *classifier.Port, pol *policy.Policy, opts ...Option) *Orchestrator {
	o := &Orchestrator{corpus: corpus, port: port, policy: pol}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// schema returns the transformation to apply: the trained artifact's
// schema when one exists, the bootstrap schema otherwise.
func (o *Orchestrator) schema() *features.Schema {
	if art := o.port.Artifact(); art != nil && art.Schema != nil {
		return art.Schema
	}
	return features.DefaultSchema()
}

// ProcessAttempt runs the full pipeline for one raw attempt. The corpus
// append commits before scoring; a scoring failure (notably a missing
// model) is returned with the stored record so callers can still answer
// from the quorum outcome alone.
func (o *Orchestrator) ProcessAttempt(ctx context.Context, raw *features.RawAttempt) (*ScoredAttempt, error) {
	ctx, span := traces.StartSpan(ctx, "pipeline.ProcessAttempt",
		traces.DID(raw.DID), traces.ValidSignatures(raw.ValidSignatures))
	defer span.End()

	log := logging.L(ctx)

	if raw.Geo == "" && o.geo != nil {
		raw.Geo = o.geo.Resolve(ctx, raw.SourceIP)
	}

	schema := o.schema()
	extractor := features.NewExtractor(schema)
	values, degraded := extractor.TransformLive(raw)
	if degraded {
		log.Warn("unparsable attempt timestamp, scoring with neutral time features",
			"did", raw.DID, "timestamp", raw.Timestamp)
	}

	rec := &features.Record{
		ID:            idgen.WithPrefix("att_"),
		Raw:           *raw,
		SchemaVersion: schema.Version,
		CreatedAt:     time.Now().UTC(),
		Values:        values,
	}
	if err := o.corpus.Append(ctx, rec); err != nil {
		return nil, fmt.Errorf("append attempt: %w", err)
	}
	if n, err := o.corpus.Count(ctx); err == nil {
		metrics.CorpusRows.Set(float64(n))
	}

	sa := &ScoredAttempt{Record: rec, DegradedTime: degraded}

	preds, err := o.port.Score(ctx, []map[string]float64{values})
	if err != nil {
		return sa, fmt.Errorf("score attempt: %w", err)
	}
	sa.AttackProbability = preds[0].AttackProbability
	sa.IsAttackPred = preds[0].IsAttackPred
	sa.Decision = o.policy.Decide(sa.AttackProbability)
	metrics.RiskDecisionsTotal.WithLabelValues(string(sa.Decision.Tier)).Inc()
	span.SetAttributes(traces.AttemptID(rec.ID),
		traces.Tier(string(sa.Decision.Tier)), traces.Probability(sa.AttackProbability))

	log.Info("attempt scored",
		"did", raw.DID,
		"attempt_id", rec.ID,
		"probability", sa.AttackProbability,
		"tier", sa.Decision.Tier,
	)

	o.runSideEffects(ctx, raw, sa)
	if o.feed != nil {
		o.feed.PublishAttempt(sa)
	}
	return sa, nil
}

// runSideEffects executes the decision's actions. Failures are logged and
// reflected in the result flags; committed state is never rolled back.
func (o *Orchestrator) runSideEffects(ctx context.Context, raw *features.RawAttempt, sa *ScoredAttempt) {
	log := logging.L(ctx)

	if sa.Decision.Actions.RequireMFA && o.mfa != nil {
		recipient := ""
		if o.recipient != nil {
			recipient = o.recipient(ctx, raw.DID)
		}
		if recipient == "" {
			log.Warn("step-up required but no contact address known", "did", raw.DID)
		} else if _, err := o.mfa.Issue(ctx, recipient); err != nil {
			log.Warn("step-up code issue failed", "did", raw.DID, "error", err)
		} else {
			sa.OTPIssued = true
		}
	}

	if sa.Decision.Actions.SendAlert && o.notifier != nil {
		alert := alerts.Alert{
			DID:               raw.DID,
			Tier:              sa.Decision.Tier,
			AttackProbability: sa.AttackProbability,
			SourceIP:          raw.SourceIP,
			Geo:               raw.Geo,
			Reason:            "attack probability above critical threshold",
			OccurredAt:        time.Now().UTC(),
		}
		if err := o.notifier.Notify(ctx, alert); err != nil {
			metrics.AlertDeliveriesTotal.WithLabelValues("error").Inc()
			log.Warn("alert delivery failed", "did", raw.DID, "error", err)
		} else {
			metrics.AlertDeliveriesTotal.WithLabelValues("success").Inc()
			sa.AlertSent = true
		}
		if o.feed != nil {
			o.feed.PublishAlert(alert)
		}
	}
}

// VerifyStepUp checks a step-up code for the DID's contact address.
func (o *Orchestrator) VerifyStepUp(ctx context.Context, did, code string) (bool, error) {
	if o.mfa == nil || o.recipient == nil {
		return false, errors.New("step-up verification not configured")
	}
	recipient := o.recipient(ctx, did)
	if recipient == "" {
		return false, nil
	}
	return o.mfa.Verify(ctx, recipient, code)
}

// Train refits the feature schema from the labeled corpus rows, rebuilds
// their vectors under it, and trains a fresh model. Rows with unparsable
// timestamps are dropped from the fit.
func (o *Orchestrator) Train(ctx context.Context) (classifier.Metrics, error) {
	ctx, span := traces.StartSpan(ctx, "pipeline.Train")
	defer span.End()

	rows, err := o.corpus.Labeled(ctx)
	if err != nil {
		return classifier.Metrics{}, fmt.Errorf("load labeled corpus: %w", err)
	}
	if len(rows) == 0 {
		return classifier.Metrics{}, ErrNoTrainingData
	}

	raws := make([]*features.RawAttempt, len(rows))
	for i, rec := range rows {
		raws[i] = &rec.Raw
	}
	schema, err := features.FitSchema(raws)
	if err != nil {
		if errors.Is(err, features.ErrEmptyCorpus) {
			return classifier.Metrics{}, ErrNoTrainingData
		}
		return classifier.Metrics{}, fmt.Errorf("fit schema: %w", err)
	}

	extractor := features.NewExtractor(schema)
	training := make([]*features.Record, 0, len(rows))
	for _, rec := range rows {
		values, err := extractor.Transform(&rec.Raw)
		if err != nil {
			continue
		}
		cp := *rec
		cp.SchemaVersion = schema.Version
		cp.Values = values
		training = append(training, &cp)
	}

	m, err := o.port.Train(ctx, training, schema)
	if err != nil {
		return classifier.Metrics{}, err
	}
	return m, nil
}
