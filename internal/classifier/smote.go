package classifier

import (
	"math"
	"math/rand"
	"sort"
)

// SMOTE oversamples the minority class by interpolating between each
// minority row and one of its k nearest minority neighbors, until both
// classes are the same size. Already-balanced or single-class data passes
// through unchanged.
type SMOTE struct {
	K   int
	rng *rand.Rand
}

// NewSMOTE returns an oversampler with k neighbors. A fixed seed keeps
// training runs reproducible for a given corpus.
func NewSMOTE(k int, seed int64) *SMOTE {
	if k < 1 {
		k = 5
	}
	return &SMOTE{K: k, rng: rand.New(rand.NewSource(seed))}
}

func (s *SMOTE) Resample(X [][]float64, y []float64) ([][]float64, []float64) {
	var minority, majority [][]float64
	for i, x := range X {
		if y[i] >= 0.5 {
			minority = append(minority, x)
		} else {
			majority = append(majority, x)
		}
	}
	minorityLabel := 1.0
	if len(minority) > len(majority) {
		minority, majority = majority, minority
		minorityLabel = 0
	}
	need := len(majority) - len(minority)
	if len(minority) == 0 || need == 0 {
		return X, y
	}

	outX := make([][]float64, 0, len(X)+need)
	outY := make([]float64, 0, len(y)+need)
	outX = append(outX, X...)
	outY = append(outY, y...)

	for i := 0; i < need; i++ {
		base := minority[s.rng.Intn(len(minority))]
		neighbor := s.nearestOf(base, minority)
		gap := s.rng.Float64()
		synth := make([]float64, len(base))
		for j := range base {
			synth[j] = base[j] + gap*(neighbor[j]-base[j])
		}
		outX = append(outX, synth)
		outY = append(outY, minorityLabel)
	}
	return outX, outY
}

// nearestOf picks one of the k nearest minority neighbors of base at
// random. With a single minority row the row is its own neighbor, which
// degenerates to duplication.
func (s *SMOTE) nearestOf(base []float64, minority [][]float64) []float64 {
	type dist struct {
		idx int
		d   float64
	}
	dists := make([]dist, 0, len(minority))
	for i, row := range minority {
		if len(row) > 0 && len(base) > 0 && &row[0] == &base[0] {
			continue
		}
		dists = append(dists, dist{idx: i, d: euclidean(base, row)})
	}
	if len(dists) == 0 {
		return base
	}
	sort.Slice(dists, func(i, j int) bool { return dists[i].d < dists[j].d })
	k := s.K
	if k > len(dists) {
		k = len(dists)
	}
	return minority[dists[s.rng.Intn(k)].idx]
}

func euclidean(a, b []float64) float64 {
	var sum float64
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return math.Sqrt(sum)
}
