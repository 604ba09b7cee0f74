package features

// Extractor applies a frozen schema's transformation to raw attempts.
// Every engineered value it produces depends only on the raw row and the
// schema, so training and scoring paths cannot drift apart.
type Extractor struct {
	schema *Schema
}

// NewExtractor returns an extractor bound to a fitted schema.
func NewExtractor(schema *Schema) *Extractor {
	return &Extractor{schema: schema}
}

// Schema returns the frozen schema this extractor applies.
func (e *Extractor) Schema() *Schema { return e.schema }

// Transform engineers the feature columns for one raw attempt. Rows whose
// timestamp does not parse fail with ErrUnparsableTimestamp; training fits
// drop them. The returned map holds exactly the schema's columns.
func (e *Extractor) Transform(raw *RawAttempt) (map[string]float64, error) {
	hour, day, err := TimeFeatures(raw.Timestamp)
	if err != nil {
		return nil, err
	}
	return e.build(raw, hour, day), nil
}

// TransformLive is the scoring-path variant: an unparsable timestamp
// degrades to neutral time features (hour 0, day 0) instead of failing,
// so a malformed client clock never aborts a live request. The boolean
// reports whether the fallback was taken.
func (e *Extractor) TransformLive(raw *RawAttempt) (map[string]float64, bool) {
	hour, day, err := TimeFeatures(raw.Timestamp)
	if err != nil {
		return e.build(raw, 0, 0), true
	}
	return e.build(raw, hour, day), false
}

func (e *Extractor) build(raw *RawAttempt, hour, day float64) map[string]float64 {
	values := make(map[string]float64, len(e.schema.Columns))
	values[ColResponseTimeMs] = e.schema.Scale(ColResponseTimeMs, raw.ResponseTimeMs)
	values[ColAttempts] = e.schema.Scale(ColAttempts, float64(raw.Attempts))
	values[ColSignatureValid] = boolToFloat(raw.SignatureValid)
	values[ColValidSignatures] = float64(raw.ValidSignatures)
	values[ColRequiredSignatures] = float64(raw.RequiredSignatures)
	values[ColHour] = hour
	values[ColDayOfWeek] = day
	values[ColIsBot] = boolToFloat(IsBot(raw.UserAgent))

	// One-hot against the frozen levels, first level dropped. A geo outside
	// the frozen set leaves every geo column at zero; it never grows a new
	// column.
	if len(e.schema.GeoLevels) > 1 {
		for _, level := range e.schema.GeoLevels[1:] {
			values[GeoColumn(level)] = boolToFloat(raw.Geo == level)
		}
	}
	return values
}

// Vector transforms a raw attempt and projects it onto the schema's column
// order in one step.
func (e *Extractor) Vector(raw *RawAttempt) ([]float64, bool) {
	values, degraded := e.TransformLive(raw)
	return Reindex(values, e.schema.Columns), degraded
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
