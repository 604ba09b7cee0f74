package classifier

import (
	"math"
	"testing"
)

func TestSMOTE_BalancesClasses(t *testing.T) {
	X := [][]float64{
		{0, 0}, {0.1, 0}, {0, 0.1}, {0.2, 0.1}, {0.1, 0.2}, {0.05, 0.05},
		{5, 5}, {5.2, 4.9},
	}
	y := []float64{0, 0, 0, 0, 0, 0, 1, 1}

	outX, outY := NewSMOTE(3, 1).Resample(X, y)

	var pos, neg int
	for _, label := range outY {
		if label >= 0.5 {
			pos++
		} else {
			neg++
		}
	}
	if pos != neg {
		t.Fatalf("classes not balanced: %d positive vs %d negative", pos, neg)
	}
	if len(outX) != len(outY) {
		t.Fatalf("row/label count mismatch: %d vs %d", len(outX), len(outY))
	}
	// Originals are preserved at the front.
	for i := range X {
		for j := range X[i] {
			if outX[i][j] != X[i][j] {
				t.Fatalf("original row %d mutated", i)
			}
		}
	}
}

func TestSMOTE_SyntheticRowsInterpolate(t *testing.T) {
	// Minority points all lie in [4.8, 5.4] per coordinate; interpolation
	// cannot leave that box.
	X := [][]float64{
		{0, 0}, {0.1, 0.1}, {0.2, 0}, {0, 0.2},
		{5.0, 5.0}, {5.4, 4.8},
	}
	y := []float64{0, 0, 0, 0, 1, 1}

	outX, outY := NewSMOTE(5, 7).Resample(X, y)
	for i := len(X); i < len(outX); i++ {
		if outY[i] != 1 {
			t.Fatalf("synthetic row %d has label %v, want 1", i, outY[i])
		}
		for j, v := range outX[i] {
			if v < 4.8-1e-9 || v > 5.4+1e-9 {
				t.Fatalf("synthetic value [%d][%d]=%v outside minority hull", i, j, v)
			}
		}
	}
}

func TestSMOTE_PassThrough(t *testing.T) {
	X := [][]float64{{0}, {1}}
	y := []float64{0, 1}
	outX, outY := NewSMOTE(5, 1).Resample(X, y)
	if len(outX) != 2 || len(outY) != 2 {
		t.Fatal("balanced data must pass through unchanged")
	}

	// Single-class data is left alone as well.
	outX, outY = NewSMOTE(5, 1).Resample([][]float64{{0}, {1}}, []float64{0, 0})
	if len(outX) != 2 || len(outY) != 2 {
		t.Fatal("single-class data must pass through unchanged")
	}
}

func TestSMOTE_SingleMinorityRowDuplicates(t *testing.T) {
	X := [][]float64{{0, 0}, {0.1, 0}, {0.2, 0.1}, {7, 7}}
	y := []float64{0, 0, 0, 1}

	outX, outY := NewSMOTE(5, 3).Resample(X, y)
	for i := len(X); i < len(outX); i++ {
		if outY[i] != 1 {
			t.Fatalf("synthetic label = %v, want 1", outY[i])
		}
		if math.Abs(outX[i][0]-7) > 1e-9 || math.Abs(outX[i][1]-7) > 1e-9 {
			t.Fatalf("lone minority row should duplicate itself, got %v", outX[i])
		}
	}
}
