// Package features turns raw authentication attempts into the fixed-width
// numeric vectors the classifier consumes. The transformation is frozen in
// a versioned Schema at training time and replayed unchanged at scoring
// time, so a row produced during inference is bit-identical to what the
// same row would have looked like in the training corpus.
package features

import (
	"context"
	"errors"
	"regexp"
	"time"
)

var (
	// ErrUnparsableTimestamp marks a row whose timestamp cannot be parsed.
	// Training drops such rows; live scoring substitutes neutral time
	// features and proceeds.
	ErrUnparsableTimestamp = errors.New("features: unparsable timestamp")

	// ErrEmptyCorpus is returned when a schema fit is attempted over a
	// corpus with no usable rows.
	ErrEmptyCorpus = errors.New("features: empty corpus")
)

// Numeric model input columns shared by every schema version. Geo one-hot
// columns are appended per fitted schema.
const (
	ColHour               = "hour"
	ColDayOfWeek          = "dayOfWeek"
	ColIsBot              = "isBot"
	ColSignatureValid     = "signatureValid"
	ColResponseTimeMs     = "responseTimeMs"
	ColAttempts           = "attempts"
	ColValidSignatures    = "validSignatures"
	ColRequiredSignatures = "requiredSignatures"

	geoColumnPrefix = "geo_"
)

// botPattern flags automation and tooling user agents.
var botPattern = regexp.MustCompile(`(?i)bot|curl|python|scanner`)

// RawAttempt is one authentication attempt as observed at the gateway,
// before any feature engineering.
type RawAttempt struct {
	Timestamp          string  `json:"timestamp"`
	SourceIP           string  `json:"sourceIp"`
	UserAgent          string  `json:"userAgent"`
	ResponseTimeMs     float64 `json:"responseTimeMs"`
	Attempts           int     `json:"attempts"`
	SignatureValid     bool    `json:"signatureValid"`
	Geo                string  `json:"geo"`
	DID                string  `json:"did"`
	ValidSignatures    int     `json:"validSignatures"`
	RequiredSignatures int     `json:"requiredSignatures"`

	// IsAttack is the training label. Nil for live traffic; its absence is
	// what distinguishes inference rows from training rows.
	IsAttack *bool `json:"isAttack,omitempty"`
}

// Record is one corpus row: the raw attempt as observed plus the values
// engineered under the schema that was current at append time. The raw
// fields allow a later training run to refit the schema from scratch;
// identifying metadata (user agent, source IP) never becomes a model
// column.
type Record struct {
	ID            string             `json:"id"`
	Raw           RawAttempt         `json:"raw"`
	SchemaVersion int                `json:"schemaVersion"`
	CreatedAt     time.Time          `json:"createdAt"`
	Values        map[string]float64 `json:"values"`
}

// Labeled reports whether the record carries a training label.
func (r *Record) Labeled() bool { return r.Raw.IsAttack != nil }

// Label returns the training label; it is only meaningful when Labeled.
func (r *Record) Label() bool { return r.Raw.IsAttack != nil && *r.Raw.IsAttack }

// Store is the append-only feature corpus. Appends are serialized by the
// implementation; readers observe only fully-written rows.
type Store interface {
	Append(ctx context.Context, rec *Record) error
	// All returns every stored row in insertion order.
	All(ctx context.Context) ([]*Record, error)
	// Labeled returns only rows carrying a training label, in insertion order.
	Labeled(ctx context.Context) ([]*Record, error)
	Count(ctx context.Context) (int, error)
}

// IsBot reports whether the user agent matches the automation keyword set.
func IsBot(userAgent string) bool {
	return botPattern.MatchString(userAgent)
}

// TimeFeatures derives the hour-of-day and day-of-week features from an
// RFC 3339 timestamp. Monday is day 0, matching the corpus convention.
func TimeFeatures(timestamp string) (hour, dayOfWeek float64, err error) {
	t, err := time.Parse(time.RFC3339, timestamp)
	if err != nil {
		return 0, 0, ErrUnparsableTimestamp
	}
	day := (int(t.Weekday()) + 6) % 7
	return float64(t.Hour()), float64(day), nil
}

// Reindex projects values onto exactly the given columns in order. Missing
// columns fill with zero; values outside the column set are dropped.
func Reindex(values map[string]float64, columns []string) []float64 {
	out := make([]float64, len(columns))
	for i, col := range columns {
		out[i] = values[col]
	}
	return out
}
