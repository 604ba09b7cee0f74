package classifier

import (
	"errors"
	"math"
)

// Logistic is a binary logistic regression fitted by full-batch gradient
// descent. Fields are exported so a fitted model serializes as part of the
// artifact.
type Logistic struct {
	Weights      []float64 `json:"weights"`
	Bias         float64   `json:"bias"`
	LearningRate float64   `json:"learningRate"`
	Epochs       int       `json:"epochs"`
	L2           float64   `json:"l2"`
}

// NewLogistic returns a model with training hyperparameters that converge
// well on standardized feature vectors.
func NewLogistic() *Logistic {
	return &Logistic{LearningRate: 0.1, Epochs: 500, L2: 0.001}
}

func (m *Logistic) Fit(X [][]float64, y []float64) error {
	if len(X) == 0 || len(X) != len(y) {
		return errors.New("logistic: mismatched training data")
	}
	dim := len(X[0])
	m.Weights = make([]float64, dim)
	m.Bias = 0

	n := float64(len(X))
	grad := make([]float64, dim)
	for epoch := 0; epoch < m.Epochs; epoch++ {
		for j := range grad {
			grad[j] = 0
		}
		var gradBias float64
		for i, x := range X {
			err := sigmoid(m.logit(x)) - y[i]
			for j, v := range x {
				grad[j] += err * v
			}
			gradBias += err
		}
		for j := range m.Weights {
			m.Weights[j] -= m.LearningRate * (grad[j]/n + m.L2*m.Weights[j])
		}
		m.Bias -= m.LearningRate * gradBias / n
	}
	return nil
}

func (m *Logistic) PredictProba(x []float64) float64 {
	return sigmoid(m.logit(x))
}

func (m *Logistic) logit(x []float64) float64 {
	sum := m.Bias
	for j, w := range m.Weights {
		if j < len(x) {
			sum += w * x[j]
		}
	}
	return sum
}

func sigmoid(z float64) float64 {
	return 1 / (1 + math.Exp(-z))
}
