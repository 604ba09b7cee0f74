package classifier

import "testing"

func TestLogistic_SeparableData(t *testing.T) {
	X := [][]float64{
		{-1.2, 0}, {-0.9, 0.1}, {-1.0, -0.1}, {-1.1, 0.2},
		{1.1, 0}, {0.9, -0.2}, {1.0, 0.1}, {1.2, 0.15},
	}
	y := []float64{0, 0, 0, 0, 1, 1, 1, 1}

	m := NewLogistic()
	if err := m.Fit(X, y); err != nil {
		t.Fatalf("Fit: %v", err)
	}

	if p := m.PredictProba([]float64{1.0, 0}); p <= 0.5 {
		t.Errorf("positive-side proba = %v, want > 0.5", p)
	}
	if p := m.PredictProba([]float64{-1.0, 0}); p >= 0.5 {
		t.Errorf("negative-side proba = %v, want < 0.5", p)
	}
	if m.PredictProba([]float64{2, 0}) <= m.PredictProba([]float64{0.5, 0}) {
		t.Error("proba must increase along the learned direction")
	}
}

func TestLogistic_FitRejectsMismatch(t *testing.T) {
	m := NewLogistic()
	if err := m.Fit([][]float64{{1}}, []float64{1, 0}); err == nil {
		t.Error("expected error for mismatched lengths")
	}
	if err := m.Fit(nil, nil); err == nil {
		t.Error("expected error for empty data")
	}
}

func TestLogistic_Deterministic(t *testing.T) {
	X := [][]float64{{-1, 1}, {1, -1}, {-0.5, 0.5}, {0.5, -0.5}}
	y := []float64{0, 1, 0, 1}

	a, b := NewLogistic(), NewLogistic()
	if err := a.Fit(X, y); err != nil {
		t.Fatal(err)
	}
	if err := b.Fit(X, y); err != nil {
		t.Fatal(err)
	}
	for i := range a.Weights {
		if a.Weights[i] != b.Weights[i] {
			t.Fatalf("weight %d differs across identical fits: %v vs %v", i, a.Weights[i], b.Weights[i])
		}
	}
	if a.Bias != b.Bias {
		t.Fatalf("bias differs across identical fits")
	}
}
