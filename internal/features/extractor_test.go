package features

import (
	"errors"
	"math"
	"reflect"
	"testing"
)

func rawRow(ts, geo, ua string, respMs float64, attempts int) *RawAttempt {
	return &RawAttempt{
		Timestamp:          ts,
		SourceIP:           "203.0.113.7",
		UserAgent:          ua,
		ResponseTimeMs:     respMs,
		Attempts:           attempts,
		SignatureValid:     true,
		Geo:                geo,
		DID:                "did:example:alice",
		ValidSignatures:    2,
		RequiredSignatures: 2,
	}
}

func fitTestSchema(t *testing.T) *Schema {
	t.Helper()
	schema, err := FitSchema([]*RawAttempt{
		rawRow("2024-01-01T15:04:05Z", "France", "Mozilla/5.0", 100, 1),
		rawRow("2024-01-02T03:00:00Z", "Canada", "Mozilla/5.0", 300, 3),
		rawRow("2024-01-03T09:30:00Z", "Tunisia", "curl/8.0", 200, 2),
	})
	if err != nil {
		t.Fatalf("FitSchema: %v", err)
	}
	return schema
}

func TestTimeFeatures(t *testing.T) {
	hour, day, err := TimeFeatures("2024-01-01T15:04:05Z")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if hour != 15 {
		t.Errorf("hour = %v, want 15", hour)
	}
	// 2024-01-01 was a Monday; Monday maps to day 0.
	if day != 0 {
		t.Errorf("dayOfWeek = %v, want 0", day)
	}

	if _, _, err := TimeFeatures("not-a-timestamp"); !errors.Is(err, ErrUnparsableTimestamp) {
		t.Errorf("expected ErrUnparsableTimestamp, got %v", err)
	}
}

func TestIsBot(t *testing.T) {
	for ua, want := range map[string]bool{
		"Mozilla/5.0 (Macintosh)": false,
		"curl/8.4.0":              true,
		"python-requests/2.31":    true,
		"Googlebot/2.1":           true,
		"Nmap Scripting SCANNER":  true,
		"Mozilla/5.0 AppleWebKit": false,
	} {
		if got := IsBot(ua); got != want {
			t.Errorf("IsBot(%q) = %v, want %v", ua, got, want)
		}
	}
}

func TestFitSchema_GeoLevelsSortedDropFirst(t *testing.T) {
	schema := fitTestSchema(t)

	wantLevels := []string{"Canada", "France", "Tunisia"}
	if !reflect.DeepEqual(schema.GeoLevels, wantLevels) {
		t.Fatalf("GeoLevels = %v, want %v", schema.GeoLevels, wantLevels)
	}
	// The alphabetically first level has no column of its own.
	for _, col := range schema.Columns {
		if col == GeoColumn("Canada") {
			t.Errorf("reference level %q must not get a one-hot column", "Canada")
		}
	}
	has := func(col string) bool {
		for _, c := range schema.Columns {
			if c == col {
				return true
			}
		}
		return false
	}
	if !has(GeoColumn("France")) || !has(GeoColumn("Tunisia")) {
		t.Errorf("expected one-hot columns for non-reference levels, got %v", schema.Columns)
	}
}

func TestFitSchema_FrozenScalerParams(t *testing.T) {
	schema, err := FitSchema([]*RawAttempt{
		rawRow("2024-01-01T00:00:00Z", "France", "x", 100, 1),
		rawRow("2024-01-02T00:00:00Z", "France", "x", 300, 3),
	})
	if err != nil {
		t.Fatalf("FitSchema: %v", err)
	}
	if got := schema.Scaler.Mean[ColResponseTimeMs]; got != 200 {
		t.Errorf("mean = %v, want 200", got)
	}
	if got := schema.Scaler.Std[ColResponseTimeMs]; got != 100 {
		t.Errorf("std = %v, want 100", got)
	}
	if got := schema.Scale(ColResponseTimeMs, 100); got != -1 {
		t.Errorf("Scale(100) = %v, want -1", got)
	}
	if got := schema.Scale(ColAttempts, 3); got != 1 {
		t.Errorf("Scale(attempts 3) = %v, want 1", got)
	}
}

func TestFitSchema_DropsUnparsableRows(t *testing.T) {
	schema, err := FitSchema([]*RawAttempt{
		rawRow("garbage", "Mars", "x", 9999, 99),
		rawRow("2024-01-01T00:00:00Z", "France", "x", 100, 1),
	})
	if err != nil {
		t.Fatalf("FitSchema: %v", err)
	}
	// The unparsable row contributes neither geo levels nor scaler moments.
	if len(schema.GeoLevels) != 1 || schema.GeoLevels[0] != "France" {
		t.Errorf("GeoLevels = %v, want [France]", schema.GeoLevels)
	}
	if got := schema.Scaler.Mean[ColResponseTimeMs]; got != 100 {
		t.Errorf("mean = %v, want 100", got)
	}
}

func TestFitSchema_EmptyCorpus(t *testing.T) {
	if _, err := FitSchema(nil); !errors.Is(err, ErrEmptyCorpus) {
		t.Errorf("expected ErrEmptyCorpus, got %v", err)
	}
	if _, err := FitSchema([]*RawAttempt{rawRow("bad", "X", "x", 1, 1)}); !errors.Is(err, ErrEmptyCorpus) {
		t.Errorf("expected ErrEmptyCorpus for all-unparsable corpus, got %v", err)
	}
}

func TestTransform_Reproducible(t *testing.T) {
	schema := fitTestSchema(t)
	ex := NewExtractor(schema)
	raw := rawRow("2024-01-03T09:30:00Z", "Tunisia", "curl/8.0", 200, 2)

	first, err := ex.Transform(raw)
	if err != nil {
		t.Fatalf("Transform: %v", err)
	}
	second, err := ex.Transform(raw)
	if err != nil {
		t.Fatalf("Transform: %v", err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Errorf("repeated transform differs: %v vs %v", first, second)
	}
	if len(first) != len(schema.Columns) {
		t.Errorf("value count = %d, want %d columns", len(first), len(schema.Columns))
	}
	if first[ColIsBot] != 1 {
		t.Errorf("isBot = %v, want 1 for curl agent", first[ColIsBot])
	}
	if first[GeoColumn("Tunisia")] != 1 || first[GeoColumn("France")] != 0 {
		t.Errorf("geo one-hot wrong: %v", first)
	}
}

func TestTransform_UnknownGeoAllZero(t *testing.T) {
	schema := fitTestSchema(t)
	ex := NewExtractor(schema)

	values, err := ex.Transform(rawRow("2024-01-01T10:00:00Z", "Atlantis", "Mozilla", 150, 1))
	if err != nil {
		t.Fatalf("Transform: %v", err)
	}
	for _, level := range schema.GeoLevels[1:] {
		if values[GeoColumn(level)] != 0 {
			t.Errorf("geo column %s = %v, want 0 for unknown geo", GeoColumn(level), values[GeoColumn(level)])
		}
	}
	if len(values) != len(schema.Columns) {
		t.Errorf("unknown geo must not grow the column set: %d values", len(values))
	}
}

func TestTransformLive_NeutralTimeFallback(t *testing.T) {
	schema := fitTestSchema(t)
	ex := NewExtractor(schema)

	if _, err := ex.Transform(rawRow("nonsense", "France", "x", 100, 1)); !errors.Is(err, ErrUnparsableTimestamp) {
		t.Fatalf("Transform should fail on bad timestamp, got %v", err)
	}

	values, degraded := ex.TransformLive(rawRow("nonsense", "France", "x", 100, 1))
	if !degraded {
		t.Error("expected degraded flag for unparsable timestamp")
	}
	if values[ColHour] != 0 || values[ColDayOfWeek] != 0 {
		t.Errorf("neutral time features expected, got hour=%v day=%v", values[ColHour], values[ColDayOfWeek])
	}
	// Everything else is still engineered normally.
	if values[GeoColumn("France")] != 1 {
		t.Errorf("geo encoding missing on degraded row: %v", values)
	}
}

func TestReindex(t *testing.T) {
	cols := []string{"a", "b", "c"}
	got := Reindex(map[string]float64{"c": 3, "a": 1, "dropped": 9}, cols)
	want := []float64{1, 0, 3}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Reindex = %v, want %v", got, want)
	}
}

func TestVector_MatchesColumnOrder(t *testing.T) {
	schema := fitTestSchema(t)
	ex := NewExtractor(schema)
	raw := rawRow("2024-01-01T15:00:00Z", "France", "Mozilla", 200, 2)

	vec, degraded := ex.Vector(raw)
	if degraded {
		t.Fatal("unexpected degraded flag")
	}
	values, _ := ex.Transform(raw)
	for i, col := range schema.Columns {
		if math.Abs(vec[i]-values[col]) > 1e-12 {
			t.Errorf("vec[%d] (%s) = %v, want %v", i, col, vec[i], values[col])
		}
	}
}
