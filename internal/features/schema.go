package features

import (
	"fmt"
	"math"
	"sort"
	"time"
)

// SchemaVersion tags every fitted schema and stored row so train/serve skew
// is detectable when the transformation changes.
const SchemaVersion = 1

// ScalerParams holds the per-column mean and standard deviation frozen at
// fit time. Live rows are scaled with these values, never refit.
type ScalerParams struct {
	Mean map[string]float64 `json:"mean"`
	Std  map[string]float64 `json:"std"`
}

// Schema is the frozen feature contract learned from a training corpus:
// the exact model input columns in order, the known geo category levels,
// and the scaling parameters.
type Schema struct {
	Version   int          `json:"version"`
	Columns   []string     `json:"columns"`
	GeoLevels []string     `json:"geoLevels"`
	Scaler    ScalerParams `json:"scaler"`
	FittedAt  time.Time    `json:"fittedAt"`
}

// scaledColumns are standard-scaled; every other numeric column passes
// through unscaled.
var scaledColumns = []string{ColResponseTimeMs, ColAttempts}

// baseColumns is the fixed non-geo portion of the model input, in order.
var baseColumns = []string{
	ColResponseTimeMs,
	ColAttempts,
	ColSignatureValid,
	ColValidSignatures,
	ColRequiredSignatures,
	ColHour,
	ColDayOfWeek,
	ColIsBot,
}

// GeoColumn names the one-hot column for a geo level.
func GeoColumn(level string) string { return geoColumnPrefix + level }

// DefaultSchema is the bootstrap transformation used before any model has
// been trained: base columns only, no geo levels, identity scaling. Rows
// appended under it are retransformed from their raw fields once a real
// schema is fitted.
func DefaultSchema() *Schema {
	return &Schema{
		Version: SchemaVersion,
		Columns: append([]string(nil), baseColumns...),
	}
}

// FitSchema learns a frozen schema from raw training rows. Geo levels are
// collected, sorted, and one-hot encoded with the first level dropped;
// scaling parameters come from the rows whose timestamps parse (unparsable
// rows are excluded from the fit, mirroring Transform's drop behavior).
func FitSchema(raws []*RawAttempt) (*Schema, error) {
	levelSet := make(map[string]struct{})
	var usable []*RawAttempt
	for _, raw := range raws {
		if _, _, err := TimeFeatures(raw.Timestamp); err != nil {
			continue
		}
		usable = append(usable, raw)
		if raw.Geo != "" {
			levelSet[raw.Geo] = struct{}{}
		}
	}
	if len(usable) == 0 {
		return nil, ErrEmptyCorpus
	}

	levels := make([]string, 0, len(levelSet))
	for l := range levelSet {
		levels = append(levels, l)
	}
	sort.Strings(levels)

	columns := make([]string, 0, len(baseColumns)+len(levels))
	columns = append(columns, baseColumns...)
	// Drop-first convention: the alphabetically first level is the implicit
	// reference category and gets no column.
	for _, l := range levels[min(1, len(levels)):] {
		columns = append(columns, GeoColumn(l))
	}

	scaler := ScalerParams{
		Mean: make(map[string]float64, len(scaledColumns)),
		Std:  make(map[string]float64, len(scaledColumns)),
	}
	for _, col := range scaledColumns {
		mean, std := momentsFor(col, usable)
		scaler.Mean[col] = mean
		scaler.Std[col] = std
	}

	return &Schema{
		Version:   SchemaVersion,
		Columns:   columns,
		GeoLevels: levels,
		Scaler:    scaler,
		FittedAt:  time.Now().UTC(),
	}, nil
}

// Scale applies the frozen standard scaling to one column value.
func (s *Schema) Scale(col string, v float64) float64 {
	mean, ok := s.Scaler.Mean[col]
	if !ok {
		return v
	}
	std := s.Scaler.Std[col]
	if std == 0 {
		return 0
	}
	return (v - mean) / std
}

// Validate checks the schema is internally usable for scoring.
func (s *Schema) Validate() error {
	if len(s.Columns) == 0 {
		return fmt.Errorf("schema has no columns")
	}
	if s.Version != SchemaVersion {
		return fmt.Errorf("schema version %d does not match supported version %d", s.Version, SchemaVersion)
	}
	return nil
}

func momentsFor(col string, raws []*RawAttempt) (mean, std float64) {
	n := float64(len(raws))
	var sum float64
	for _, raw := range raws {
		sum += rawValue(col, raw)
	}
	mean = sum / n
	var sq float64
	for _, raw := range raws {
		d := rawValue(col, raw) - mean
		sq += d * d
	}
	// Population variance, matching the scaler the corpus was built with.
	std = math.Sqrt(sq / n)
	return mean, std
}

func rawValue(col string, raw *RawAttempt) float64 {
	switch col {
	case ColResponseTimeMs:
		return raw.ResponseTimeMs
	case ColAttempts:
		return float64(raw.Attempts)
	}
	return 0
}
