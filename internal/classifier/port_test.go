package classifier

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/vmoreau/didgate/internal/features"
)

func labeledRecord(f1 float64, attack bool) *features.Record {
	return &features.Record{
		Raw:    features.RawAttempt{IsAttack: &attack},
		Values: map[string]float64{"f1": f1, "f2": 0},
	}
}

func trainingSchema() *features.Schema {
	return &features.Schema{
		Version: features.SchemaVersion,
		Columns: []string{"f1", "f2"},
	}
}

func trainingRows() []*features.Record {
	return []*features.Record{
		labeledRecord(-1.2, false), labeledRecord(-1.0, false),
		labeledRecord(-0.9, false), labeledRecord(-1.1, false),
		labeledRecord(1.1, true), labeledRecord(0.9, true),
		labeledRecord(1.0, true), labeledRecord(1.2, true),
	}
}

func TestPort_TrainAndScore(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "model.json")
	port := NewPort(path)

	m, err := port.Train(ctx, trainingRows(), trainingSchema())
	if err != nil {
		t.Fatalf("Train: %v", err)
	}
	if m.Rows != 8 {
		t.Errorf("metrics rows = %d, want 8", m.Rows)
	}
	if m.Accuracy < 0.9 {
		t.Errorf("accuracy = %v on separable data, want >= 0.9", m.Accuracy)
	}
	if !port.Ready() {
		t.Fatal("port not ready after training")
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("artifact not persisted: %v", err)
	}

	preds, err := port.Score(ctx, []map[string]float64{
		{"f1": 1.0, "f2": 0},
		{"f1": -1.0, "f2": 0},
	})
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	if !preds[0].IsAttackPred || preds[0].AttackProbability <= 0.5 {
		t.Errorf("attack-side prediction = %+v, want positive", preds[0])
	}
	if preds[1].IsAttackPred || preds[1].AttackProbability >= 0.5 {
		t.Errorf("benign-side prediction = %+v, want negative", preds[1])
	}
}

func TestPort_ScoreWithoutModel(t *testing.T) {
	port := NewPort(filepath.Join(t.TempDir(), "model.json"))
	if _, err := port.Score(context.Background(), []map[string]float64{{"f1": 1}}); !errors.Is(err, ErrModelNotFound) {
		t.Fatalf("expected ErrModelNotFound, got %v", err)
	}
	if err := port.Load(context.Background()); !errors.Is(err, ErrModelNotFound) {
		t.Fatalf("Load on missing file: expected ErrModelNotFound, got %v", err)
	}
}

func TestPort_TrainRejectsUnlabeledCorpus(t *testing.T) {
	port := NewPort(filepath.Join(t.TempDir(), "model.json"))
	rows := []*features.Record{
		{Values: map[string]float64{"f1": 1, "f2": 0}},
	}
	if _, err := port.Train(context.Background(), rows, trainingSchema()); !errors.Is(err, ErrNoLabeledRows) {
		t.Fatalf("expected ErrNoLabeledRows, got %v", err)
	}
}

func TestPort_LoadRestoresScoring(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "model.json")

	trained := NewPort(path)
	if _, err := trained.Train(ctx, trainingRows(), trainingSchema()); err != nil {
		t.Fatalf("Train: %v", err)
	}
	want, err := trained.Score(ctx, []map[string]float64{{"f1": 0.7, "f2": 0.1}})
	if err != nil {
		t.Fatal(err)
	}

	restored := NewPort(path)
	if err := restored.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}
	got, err := restored.Score(ctx, []map[string]float64{{"f1": 0.7, "f2": 0.1}})
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(got[0].AttackProbability-want[0].AttackProbability) > 1e-12 {
		t.Fatalf("restored model scores %v, trained model scored %v", got[0], want[0])
	}
	if restored.Artifact().Metrics.Rows != 8 {
		t.Errorf("restored metrics lost: %+v", restored.Artifact().Metrics)
	}
}

func TestPort_ScoreRealignsDivergentColumns(t *testing.T) {
	ctx := context.Background()
	port := NewPort(filepath.Join(t.TempDir(), "model.json"))
	if _, err := port.Train(ctx, trainingRows(), trainingSchema()); err != nil {
		t.Fatal(err)
	}

	// Extra column dropped, missing column zero-filled; request still scores.
	preds, err := port.Score(ctx, []map[string]float64{
		{"f1": 1.0, "unknownColumn": 42},
	})
	if err != nil {
		t.Fatalf("Score with divergent columns: %v", err)
	}
	aligned, err := port.Score(ctx, []map[string]float64{
		{"f1": 1.0, "f2": 0},
	})
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(preds[0].AttackProbability-aligned[0].AttackProbability) > 1e-12 {
		t.Fatalf("divergent row scored %v, aligned row scored %v", preds[0], aligned[0])
	}
}
