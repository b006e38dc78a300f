package eval

import (
	"context"
	"fmt"
	"math/rand"

	"pd-voice/internal/ml"

	"github.com/rs/zerolog/log"
)

// Importance methods.
const (
	MethodNative      = "native"
	MethodPermutation = "permutation"
)

// ImportanceRecord is one feature's importance for one (model, fold, method).
type ImportanceRecord struct {
	Model      string
	Fold       int
	Feature    string
	Importance float64
	Method     string
}

// ImportanceConfig extends Config with the permutation settings.
type ImportanceConfig struct {
	Config
	Permutation bool
	Repeats     int
	// Scoring is the metric whose drop measures permutation importance.
	Scoring string
}

// Predictor is the part of a fitted pipeline permutation importance needs.
type Predictor interface {
	Predict(X [][]float64) ([]int, error)
	PredictProba(X [][]float64) ([]float64, error)
}

// PermutationOptions controls PermutationImportance.
type PermutationOptions struct {
	Repeats int
	Seed    int64
	Scoring string
}

// RunImportanceCV fits every model on every fold and records native
// importance for families that declare it, plus permutation importance for
// every family when requested.
func (e *Engine) RunImportanceCV(ctx context.Context, in Input, featureNames []string, cfg ImportanceConfig) ([]ImportanceRecord, error) {
	if len(in.X) > 0 && len(featureNames) != len(in.X[0]) {
		return nil, fmt.Errorf("%w: %d feature names for %d columns", ErrConfiguration, len(featureNames), len(in.X[0]))
	}
	if cfg.Permutation {
		if cfg.Repeats < 1 {
			return nil, fmt.Errorf("%w: permutation repeats must be at least 1, got %d", ErrConfiguration, cfg.Repeats)
		}
		if _, err := NewScorer(cfg.Scoring); err != nil {
			return nil, err
		}
	}

	folds, pipelines, err := e.prepare(in, cfg.Config)
	if err != nil {
		return nil, err
	}

	var records []ImportanceRecord
	err = e.forEachFold(ctx, in, folds, pipelines, func(fitted *ml.Pipeline, k int, _ Fold, Xte [][]float64, yte []int) error {
		native, err := fitted.NativeImportance()
		if err != nil {
			return fmt.Errorf("%s fold %d: native importance: %w", fitted.Name, k+1, err)
		}
		for j, v := range native {
			records = append(records, ImportanceRecord{
				Model: fitted.Name, Fold: k + 1, Feature: featureNames[j], Importance: v, Method: MethodNative,
			})
		}

		if !cfg.Permutation {
			return nil
		}
		perm, err := PermutationImportance(fitted, Xte, yte, PermutationOptions{
			Repeats: cfg.Repeats,
			Seed:    cfg.Seed,
			Scoring: cfg.Scoring,
		})
		if err != nil {
			return fmt.Errorf("%s fold %d: permutation importance: %w", fitted.Name, k+1, err)
		}
		for j, v := range perm {
			records = append(records, ImportanceRecord{
				Model: fitted.Name, Fold: k + 1, Feature: featureNames[j], Importance: v, Method: MethodPermutation,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Info().
		Int("models", len(pipelines)).
		Int("folds", len(folds)).
		Int("features", len(featureNames)).
		Bool("permutation", cfg.Permutation).
		Int("records", len(records)).
		Msg("Importance extraction complete")
	return records, nil
}

// PermutationImportance measures, for every column of X, the mean drop in
// score when that column alone is shuffled. Each column sees the same seeded
// sequence of shuffles.
func PermutationImportance(m Predictor, X [][]float64, y []int, opts PermutationOptions) ([]float64, error) {
	if len(X) == 0 {
		return nil, fmt.Errorf("empty evaluation set")
	}
	if opts.Repeats < 1 {
		return nil, fmt.Errorf("repeats must be at least 1, got %d", opts.Repeats)
	}
	scorer, err := NewScorer(opts.Scoring)
	if err != nil {
		return nil, err
	}
	needProba := opts.Scoring == MetricROCAUC

	score := func(data [][]float64) (float64, error) {
		pred, err := m.Predict(data)
		if err != nil {
			return 0, err
		}
		var proba []float64
		if needProba {
			if proba, err = m.PredictProba(data); err != nil {
				return 0, err
			}
		}
		return scorer(y, pred, proba), nil
	}

	baseline, err := score(X)
	if err != nil {
		return nil, err
	}

	work := make([][]float64, len(X))
	for i, row := range X {
		work[i] = append([]float64(nil), row...)
	}

	d := len(X[0])
	n := len(X)
	importances := make([]float64, d)
	for j := 0; j < d; j++ {
		rng := rand.New(rand.NewSource(opts.Seed))
		var sum float64
		for r := 0; r < opts.Repeats; r++ {
			perm := rng.Perm(n)
			for i := 0; i < n; i++ {
				work[i][j] = X[perm[i]][j]
			}
			s, err := score(work)
			if err != nil {
				return nil, err
			}
			sum += s
		}
		for i := 0; i < n; i++ {
			work[i][j] = X[i][j]
		}
		importances[j] = baseline - sum/float64(opts.Repeats)
	}
	return importances, nil
}
