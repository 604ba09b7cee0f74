// Package classifier scores authentication attempts for attack likelihood.
// The model behind it is pluggable; the package ships a logistic regression
// fitted by gradient descent and a synthetic minority oversampler for class
// balancing. A fitted model, its exact training columns, and the feature
// schema travel together as one atomic artifact.
package classifier

import (
	"errors"
	"math"
	"sort"
)

var (
	// ErrModelNotFound means no fitted artifact is available for scoring.
	ErrModelNotFound = errors.New("classifier: model not found")

	// ErrNoLabeledRows means training was requested over a corpus with no
	// labeled rows.
	ErrNoLabeledRows = errors.New("classifier: no labeled rows")
)

// DecisionThreshold converts a probability into a boolean prediction.
const DecisionThreshold = 0.5

// Model is a probability-capable binary classifier. Implementations must
// round-trip through encoding/json for artifact persistence.
type Model interface {
	Fit(X [][]float64, y []float64) error
	PredictProba(x []float64) float64
}

// Resampler rebalances a labeled dataset before fitting.
type Resampler interface {
	Resample(X [][]float64, y []float64) ([][]float64, []float64)
}

// Prediction is the scored outcome for one row.
type Prediction struct {
	AttackProbability float64 `json:"attackProbability"`
	IsAttackPred      bool    `json:"isAttackPred"`
}

// Confusion is the binary confusion matrix with attack as the positive
// class.
type Confusion struct {
	TrueNegatives  int `json:"trueNegatives"`
	FalsePositives int `json:"falsePositives"`
	FalseNegatives int `json:"falseNegatives"`
	TruePositives  int `json:"truePositives"`
}

// Metrics summarizes a training run.
type Metrics struct {
	Rows      int       `json:"rows"`
	Accuracy  float64   `json:"accuracy"`
	Precision float64   `json:"precision"`
	Recall    float64   `json:"recall"`
	F1        float64   `json:"f1"`
	AUC       float64   `json:"auc"`
	Confusion Confusion `json:"confusion"`
}

// Evaluate computes classification metrics from probabilities and true
// labels (0 or 1).
func Evaluate(probs, y []float64) Metrics {
	m := Metrics{Rows: len(y)}
	for i, p := range probs {
		pred := p >= DecisionThreshold
		actual := y[i] >= 0.5
		switch {
		case pred && actual:
			m.Confusion.TruePositives++
		case pred && !actual:
			m.Confusion.FalsePositives++
		case !pred && actual:
			m.Confusion.FalseNegatives++
		default:
			m.Confusion.TrueNegatives++
		}
	}
	c := m.Confusion
	total := float64(len(y))
	if total > 0 {
		m.Accuracy = float64(c.TruePositives+c.TrueNegatives) / total
	}
	if c.TruePositives+c.FalsePositives > 0 {
		m.Precision = float64(c.TruePositives) / float64(c.TruePositives+c.FalsePositives)
	}
	if c.TruePositives+c.FalseNegatives > 0 {
		m.Recall = float64(c.TruePositives) / float64(c.TruePositives+c.FalseNegatives)
	}
	if m.Precision+m.Recall > 0 {
		m.F1 = 2 * m.Precision * m.Recall / (m.Precision + m.Recall)
	}
	m.AUC = rocAUC(probs, y)
	return m
}

// rocAUC is the rank-based (Mann-Whitney) area under the ROC curve. Tied
// probabilities share their average rank. Returns 0 when either class is
// absent.
func rocAUC(probs, y []float64) float64 {
	type scored struct {
		p   float64
		pos bool
	}
	rows := make([]scored, len(probs))
	var nPos, nNeg int
	for i, p := range probs {
		pos := y[i] >= 0.5
		rows[i] = scored{p: p, pos: pos}
		if pos {
			nPos++
		} else {
			nNeg++
		}
	}
	if nPos == 0 || nNeg == 0 {
		return 0
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].p < rows[j].p })

	var rankSum float64
	i := 0
	for i < len(rows) {
		j := i
		for j < len(rows) && rows[j].p == rows[i].p {
			j++
		}
		// Ranks are 1-based; ties get the average rank of the run.
		avgRank := float64(i+j+1) / 2
		for k := i; k < j; k++ {
			if rows[k].pos {
				rankSum += avgRank
			}
		}
		i = j
	}
	u := rankSum - float64(nPos)*float64(nPos+1)/2
	auc := u / (float64(nPos) * float64(nNeg))
	if math.IsNaN(auc) {
		return 0
	}
	return auc
}
