// Package inference serves single-recording predictions from a trained
// artifact. It checks that the extracted features match the artifact's
// recorded schema, assembles the vector in the artifact's feature order and
// reports failures as typed errors (see Kind and Describe).
package inference

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"pd-voice/internal/common"
	"pd-voice/internal/features"
	"pd-voice/internal/ml"

	"github.com/rs/zerolog/log"
)

// FeatureSource computes the named features of one audio file.
type FeatureSource interface {
	Extract(ctx context.Context, audioPath, featureSet string) (features.Record, error)
}

// MetricsInterface defines the metrics the service records.
type MetricsInterface interface {
	InferencePredictionsInc()
	InferenceFailuresInc(kind string)
	InferenceLatencyObserve(seconds float64)
	ModelLoadsInc()
	ModelCacheHitsInc()
}

// Config locates the default artifact used when a request names none.
type Config struct {
	ModelsDir  string
	Model      string
	Task       string
	FeatureSet string
}

// Result is a single prediction.
type Result struct {
	Prediction    string  `json:"prediction"`
	Label         int     `json:"label"`
	Probability   float64 `json:"probability"`
	ProbabilityPD float64 `json:"probability_pd"`
	ProbabilityHC float64 `json:"probability_hc"`
	ModelName     string  `json:"model_name"`
	FeatureSet    string  `json:"feature_set"`
	Task          string  `json:"task"`
	FeatureCount  int     `json:"feature_count"`
}

// Service answers inference requests.
type Service struct {
	cfg     Config
	cache   *Cache
	source  FeatureSource
	metrics MetricsInterface
}

// NewService creates a service. metrics may be nil.
func NewService(cfg Config, cache *Cache, source FeatureSource, metrics MetricsInterface) *Service {
	if cache == nil {
		cache = NewCache(nil)
	}
	return &Service{cfg: cfg, cache: cache, source: source, metrics: metrics}
}

// ModelPath returns the default artifact path for a task. An empty task
// uses the configured one.
func (s *Service) ModelPath(task string) string {
	if task == "" {
		task = s.cfg.Task
	}
	return filepath.Join(s.cfg.ModelsDir, ml.ArtifactFileName(s.cfg.Model, task, s.cfg.FeatureSet))
}

// Predict extracts features from audioPath and classifies them with the
// artifact at modelPath, or the default artifact for task when modelPath is empty.
func (s *Service) Predict(ctx context.Context, audioPath, task, modelPath string) (*Result, error) {
	start := time.Now()
	res, err := s.predict(ctx, audioPath, task, modelPath)
	s.record(start, err)
	if err != nil {
		log.Warn().
			Err(err).
			Str("audio", audioPath).
			Str("kind", Kind(err)).
			Msg("Inference failed")
		return nil, err
	}

	log.Info().
		Str("audio", audioPath).
		Str("prediction", res.Prediction).
		Float64("probability", res.Probability).
		Str("model", res.ModelName).
		Msg("Prediction complete")
	return res, nil
}

func (s *Service) predict(ctx context.Context, audioPath, task, modelPath string) (*Result, error) {
	if modelPath == "" {
		modelPath = s.ModelPath(task)
	}

	a, err := s.load(modelPath, task)
	if err != nil {
		return nil, err
	}

	if s.source == nil {
		return nil, &Error{Op: "extract features", Err: errors.New("no feature extractor configured")}
	}
	rec, err := s.source.Extract(ctx, audioPath, a.Metadata.FeatureSet)
	if err != nil {
		return nil, &Error{Op: "extract features", Err: err}
	}

	return s.PredictRecord(rec, a)
}

func (s *Service) load(path, task string) (*ml.Artifact, error) {
	a, hit, err := s.cache.Get(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			if task == "" {
				task = s.cfg.Task
			}
			return nil, newModelNotFound(path, s.cfg.Model, task, s.cfg.FeatureSet)
		}
		return nil, &Error{Op: "load model", Err: err}
	}

	if s.metrics != nil {
		if hit {
			s.metrics.ModelCacheHitsInc()
		} else {
			s.metrics.ModelLoadsInc()
		}
	}
	return a, nil
}

// PredictRecord validates rec against the artifact, assembles the vector in
// the artifact's feature order and classifies it.
func (s *Service) PredictRecord(rec features.Record, a *ml.Artifact) (*Result, error) {
	vec, err := Assemble(rec, a.Metadata)
	if err != nil {
		return nil, err
	}

	X := [][]float64{vec}
	labels, err := a.Pipeline.Predict(X)
	if err != nil {
		return nil, &Error{Op: "predict", Err: err}
	}
	proba, err := a.Pipeline.PredictProba(X)
	if err != nil {
		return nil, &Error{Op: "predict probabilities", Err: err}
	}

	label := labels[0]
	pd := proba[0]
	res := &Result{
		Prediction:    common.LabelNames[label],
		Label:         label,
		ProbabilityPD: pd,
		ProbabilityHC: 1 - pd,
		ModelName:     a.Metadata.ModelName,
		FeatureSet:    a.Metadata.FeatureSet,
		Task:          a.Metadata.Task,
		FeatureCount:  a.Metadata.FeatureCount,
	}
	if label == common.LabelPD {
		res.Probability = res.ProbabilityPD
	} else {
		res.Probability = res.ProbabilityHC
	}
	return res, nil
}

// ModelInfo returns the metadata of an artifact without predicting.
func (s *Service) ModelInfo(path string) (*ml.Metadata, error) {
	if path == "" {
		path = s.ModelPath("")
	}
	a, err := s.load(path, "")
	if err != nil {
		return nil, err
	}
	md := a.Metadata
	md.FeatureNames = append([]string(nil), md.FeatureNames...)
	return &md, nil
}

// Validate checks an extracted record against artifact metadata: the count
// must equal FeatureCount, and when FeatureNames is recorded the name sets
// must be identical.
func Validate(rec features.Record, md ml.Metadata) error {
	names, err := orderedNames(md)
	if err != nil {
		return err
	}
	schema, err := features.NewSchema(md.FeatureSet, md.Version, names)
	if err != nil {
		return &Error{Op: "read feature schema", Err: err}
	}

	missing, extra := schema.Diff(rec)
	if len(rec) != md.FeatureCount || len(missing) > 0 || len(extra) > 0 {
		return &FeatureMismatchError{
			Expected: md.FeatureCount,
			Actual:   len(rec),
			Missing:  missing,
			Extra:    extra,
		}
	}
	return nil
}

// Assemble validates rec and returns its values in the artifact's feature
// order. Non-finite values are rejected; the models cannot score them.
func Assemble(rec features.Record, md ml.Metadata) (features.Vector, error) {
	if err := Validate(rec, md); err != nil {
		return nil, err
	}
	names, _ := orderedNames(md)
	vec := make(features.Vector, len(names))
	var bad []string
	for i, n := range names {
		v := rec[n]
		if math.IsNaN(v) || math.IsInf(v, 0) {
			bad = append(bad, n)
		}
		vec[i] = v
	}
	if len(bad) > 0 {
		return nil, &Error{Op: "validate features", Err: fmt.Errorf(
			"%d non-finite feature values (%s); the recording may be silent or unvoiced",
			len(bad), strings.Join(bad, ", "))}
	}
	return vec, nil
}

// orderedNames returns the recorded feature order, or the built-in schema of
// the artifact's feature set when no names were recorded.
func orderedNames(md ml.Metadata) ([]string, error) {
	if len(md.FeatureNames) > 0 {
		return md.FeatureNames, nil
	}
	schema, err := features.ForSet(md.FeatureSet)
	if err != nil {
		return nil, &Error{Op: "resolve feature order", Err: err}
	}
	if schema.Len() != md.FeatureCount {
		return nil, &Error{Op: "resolve feature order", Err: fmt.Errorf(
			"artifact records no feature names and %s has %d features, not %d",
			md.FeatureSet, schema.Len(), md.FeatureCount)}
	}
	return schema.Names(), nil
}

func (s *Service) record(start time.Time, err error) {
	if s.metrics == nil {
		return
	}
	s.metrics.InferenceLatencyObserve(time.Since(start).Seconds())
	if err != nil {
		s.metrics.InferenceFailuresInc(Kind(err))
		return
	}
	s.metrics.InferencePredictionsInc()
}
