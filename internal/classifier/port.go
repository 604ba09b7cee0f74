package classifier

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vmoreau/didgate/internal/features"
	"github.com/vmoreau/didgate/internal/logging"
	"github.com/vmoreau/didgate/internal/metrics"
)

// Artifact bundles everything scoring needs: the fitted model, the exact
// training column list, and the feature schema. It is written and swapped
// as a unit so concurrent scorers never observe a half-updated model.
type Artifact struct {
	Version       int              `json:"version"`
	SchemaVersion int              `json:"schemaVersion"`
	Columns       []string         `json:"columns"`
	Schema        *features.Schema `json:"schema"`
	TrainedAt     time.Time        `json:"trainedAt"`
	Metrics       Metrics          `json:"metrics"`
	ModelData     json.RawMessage  `json:"model"`

	model Model
}

// artifactVersion is the on-disk format version.
const artifactVersion = 1

// Port owns the fitted model lifecycle: training, persistence, and
// scoring. Readers load the current artifact through an atomic pointer;
// a retrain writes the new artifact to disk first and swaps it in last.
type Port struct {
	path      string
	newModel  func() Model
	resampler Resampler

	trainMu sync.Mutex
	current atomic.Pointer[Artifact]
}

// Option customizes a Port.
type Option func(*Port)

// WithModel swaps the default logistic regression for another model.
func WithModel(factory func() Model) Option {
	return func(p *Port) { p.newModel = factory }
}

// WithResampler swaps the default minority oversampler.
func WithResampler(r Resampler) Option {
	return func(p *Port) { p.resampler = r }
}

// NewPort returns a Port persisting artifacts at path.
func NewPort(path string, opts ...Option) *Port {
	p := &Port{
		path:      path,
		newModel:  func() Model { return NewLogistic() },
		resampler: NewSMOTE(5, 42),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Ready reports whether a fitted artifact is loaded.
func (p *Port) Ready() bool { return p.current.Load() != nil }

// Artifact returns the currently loaded artifact, or nil.
func (p *Port) Artifact() *Artifact { return p.current.Load() }

// Train fits a model over the labeled rows, evaluates it, persists the new
// artifact, and swaps it in for scorers. Rows without a label are ignored.
func (p *Port) Train(ctx context.Context, rows []*features.Record, schema *features.Schema) (Metrics, error) {
	p.trainMu.Lock()
	defer p.trainMu.Unlock()

	var (
		X [][]float64
		y []float64
	)
	for _, rec := range rows {
		if !rec.Labeled() {
			continue
		}
		X = append(X, features.Reindex(rec.Values, schema.Columns))
		if rec.Label() {
			y = append(y, 1)
		} else {
			y = append(y, 0)
		}
	}
	if len(X) == 0 {
		return Metrics{}, ErrNoLabeledRows
	}

	balancedX, balancedY := p.resampler.Resample(X, y)
	model := p.newModel()
	if err := model.Fit(balancedX, balancedY); err != nil {
		metrics.ModelTrainingsTotal.WithLabelValues("error").Inc()
		return Metrics{}, fmt.Errorf("fit model: %w", err)
	}

	// Metrics are computed on the original distribution, not the balanced
	// one the model was fitted on.
	probs := make([]float64, len(X))
	for i, x := range X {
		probs[i] = model.PredictProba(x)
	}
	m := Evaluate(probs, y)

	art := &Artifact{
		Version:       artifactVersion,
		SchemaVersion: schema.Version,
		Columns:       append([]string(nil), schema.Columns...),
		Schema:        schema,
		TrainedAt:     time.Now().UTC(),
		Metrics:       m,
		model:         model,
	}
	if err := p.save(art); err != nil {
		metrics.ModelTrainingsTotal.WithLabelValues("error").Inc()
		return Metrics{}, err
	}
	p.current.Store(art)
	metrics.ModelTrainingsTotal.WithLabelValues("success").Inc()
	logging.L(ctx).Info("model trained",
		"rows", m.Rows,
		"balanced_rows", len(balancedX),
		"accuracy", m.Accuracy,
		"f1", m.F1,
		"auc", m.AUC,
	)
	return m, nil
}

// Score scores each row's engineered values against the current artifact.
// Columns are realigned to the training column list; a divergence is
// logged and counted but never fails the request.
func (p *Port) Score(ctx context.Context, rows []map[string]float64) ([]Prediction, error) {
	art := p.current.Load()
	if art == nil {
		return nil, ErrModelNotFound
	}

	cols := make(map[string]struct{}, len(art.Columns))
	for _, c := range art.Columns {
		cols[c] = struct{}{}
	}

	preds := make([]Prediction, len(rows))
	for i, values := range rows {
		if diverged(values, cols, len(art.Columns)) {
			metrics.SchemaRealignmentsTotal.Inc()
			logging.L(ctx).Warn("feature columns diverged from model schema, realigning",
				"row_columns", len(values),
				"model_columns", len(art.Columns),
			)
		}
		proba := art.model.PredictProba(features.Reindex(values, art.Columns))
		preds[i] = Prediction{
			AttackProbability: proba,
			IsAttackPred:      proba >= DecisionThreshold,
		}
	}
	return preds, nil
}

// diverged reports whether the row's column set differs from the model's.
func diverged(values map[string]float64, cols map[string]struct{}, nCols int) bool {
	if len(values) != nCols {
		return true
	}
	for k := range values {
		if _, ok := cols[k]; !ok {
			return true
		}
	}
	return false
}

// Load reads a previously persisted artifact from disk. A missing file is
// reported as ErrModelNotFound.
func (p *Port) Load(ctx context.Context) error {
	data, err := os.ReadFile(p.path)
	if err != nil {
		if os.IsNotExist(err) {
			return ErrModelNotFound
		}
		return fmt.Errorf("read model artifact: %w", err)
	}
	var art Artifact
	if err := json.Unmarshal(data, &art); err != nil {
		return fmt.Errorf("decode model artifact: %w", err)
	}
	model := p.newModel()
	if err := json.Unmarshal(art.ModelData, model); err != nil {
		return fmt.Errorf("decode model weights: %w", err)
	}
	art.model = model
	p.current.Store(&art)
	logging.L(ctx).Info("model artifact loaded", "path", p.path, "trained_at", art.TrainedAt)
	return nil
}

// save writes the artifact to a temp file in the target directory and
// renames it into place, so a crash mid-write never corrupts the artifact.
func (p *Port) save(art *Artifact) error {
	modelData, err := json.Marshal(art.model)
	if err != nil {
		return fmt.Errorf("encode model weights: %w", err)
	}
	art.ModelData = modelData

	data, err := json.MarshalIndent(art, "", "  ")
	if err != nil {
		return fmt.Errorf("encode model artifact: %w", err)
	}
	dir := filepath.Dir(p.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create artifact dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".model-*.json")
	if err != nil {
		return fmt.Errorf("create temp artifact: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write temp artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close temp artifact: %w", err)
	}
	if err := os.Rename(tmp.Name(), p.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("replace model artifact: %w", err)
	}
	return nil
}
