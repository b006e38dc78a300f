// Package eval runs cross-validated evaluation and feature-importance
// extraction over the registered model families, and aggregates the per-fold
// records into ranked summaries and CSV reports.
package eval

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"pd-voice/internal/ml"

	"github.com/rs/zerolog/log"
)

// ErrConfiguration marks an invalid combination of CV inputs.
var ErrConfiguration = errors.New("configuration error")

// Input is the data a CV run reads. Groups may be nil for ungrouped runs.
type Input struct {
	X      [][]float64
	Y      []int
	Groups []string
}

// Config selects the resampling regime and what to record.
type Config struct {
	NFolds             int
	UseGroups          bool
	Seed               int64
	CollectPredictions bool
	// Models restricts the run to these families; empty means all registered.
	Models []string
}

// ResultRow is one (model, fold, metric) measurement. Fold is 1-based.
type ResultRow struct {
	Model  string
	Fold   int
	Metric string
	Value  float64
}

// FoldResult is what one model produced on one held-out partition.
// Importance is nil for families without native importance.
type FoldResult struct {
	Model         string
	Fold          int
	Test          []int
	Predictions   []int
	Probabilities []float64
	Importance    []float64
}

// OutOfFold accumulates held-out labels across every fold of one model.
type OutOfFold struct {
	Index []int
	YTrue []int
	YPred []int
}

// Confusion returns the confusion matrix over all out-of-fold predictions.
func (o *OutOfFold) Confusion() ConfusionMatrix {
	return NewConfusionMatrix(o.YTrue, o.YPred)
}

// CVResult holds the metric rows of a run and, when requested, the
// out-of-fold predictions per model.
type CVResult struct {
	Rows        []ResultRow
	Folds       []Fold
	FoldResults []FoldResult
	Predictions map[string]*OutOfFold
}

// Observer is notified after every fitted fold.
type Observer interface {
	FoldEvaluated(model string, elapsed time.Duration)
}

// Engine runs cross-validation over the families of a registry.
type Engine struct {
	registry *ml.Registry
	observer Observer
}

// NewEngine creates an engine. observer may be nil.
func NewEngine(registry *ml.Registry, observer Observer) *Engine {
	return &Engine{registry: registry, observer: observer}
}

// RunCV evaluates every model on every fold and records accuracy,
// precision, recall, F1 and ROC-AUC per (model, fold).
func (e *Engine) RunCV(ctx context.Context, in Input, cfg Config) (*CVResult, error) {
	folds, pipelines, err := e.prepare(in, cfg)
	if err != nil {
		return nil, err
	}

	res := &CVResult{Folds: folds}
	if cfg.CollectPredictions {
		res.Predictions = make(map[string]*OutOfFold, len(pipelines))
	}

	err = e.forEachFold(ctx, in, folds, pipelines, func(fitted *ml.Pipeline, k int, fold Fold, Xte [][]float64, yte []int) error {
		pred, err := fitted.Predict(Xte)
		if err != nil {
			return fmt.Errorf("%s fold %d: predict: %w", fitted.Name, k+1, err)
		}
		proba, err := fitted.PredictProba(Xte)
		if err != nil {
			log.Debug().Err(err).Str("model", fitted.Name).Msg("No probability scores, ROC-AUC undefined")
			proba = nil
		}
		imp, err := fitted.NativeImportance()
		if err != nil {
			return fmt.Errorf("%s fold %d: native importance: %w", fitted.Name, k+1, err)
		}

		scores := FoldMetrics(yte, pred, proba)
		for _, m := range Metrics {
			res.Rows = append(res.Rows, ResultRow{Model: fitted.Name, Fold: k + 1, Metric: m, Value: scores[m]})
		}
		res.FoldResults = append(res.FoldResults, FoldResult{
			Model:         fitted.Name,
			Fold:          k + 1,
			Test:          fold.Test,
			Predictions:   pred,
			Probabilities: proba,
			Importance:    imp,
		})

		if cfg.CollectPredictions {
			oof, ok := res.Predictions[fitted.Name]
			if !ok {
				oof = &OutOfFold{}
				res.Predictions[fitted.Name] = oof
			}
			oof.Index = append(oof.Index, fold.Test...)
			oof.YTrue = append(oof.YTrue, yte...)
			oof.YPred = append(oof.YPred, pred...)
		}

		log.Debug().
			Str("model", fitted.Name).
			Int("fold", k+1).
			Float64("accuracy", scores[MetricAccuracy]).
			Float64("roc_auc", scores[MetricROCAUC]).
			Msg("Fold evaluated")
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Info().
		Int("models", len(pipelines)).
		Int("folds", len(folds)).
		Int("rows", len(res.Rows)).
		Bool("grouped", cfg.UseGroups).
		Msg("Cross-validation complete")
	return res, nil
}

// prepare validates the input, builds the folds and the template pipelines.
func (e *Engine) prepare(in Input, cfg Config) ([]Fold, []*ml.Pipeline, error) {
	if err := validateInput(in, cfg); err != nil {
		return nil, nil, err
	}

	splitter := NewSplitter(cfg.NFolds, cfg.UseGroups, cfg.Seed)
	var groups []string
	if cfg.UseGroups {
		groups = in.Groups
	}
	folds, err := splitter.Split(in.Y, groups)
	if err != nil {
		return nil, nil, err
	}

	pipelines, err := e.registry.Pipelines(cfg.Models...)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrConfiguration, err)
	}
	return folds, pipelines, nil
}

type foldFunc func(fitted *ml.Pipeline, k int, fold Fold, Xte [][]float64, yte []int) error

// forEachFold clones each template per fold, fits the clone on the training
// rows only and hands it the held-out rows. The clone is dropped afterwards.
func (e *Engine) forEachFold(ctx context.Context, in Input, folds []Fold, templates []*ml.Pipeline, fn foldFunc) error {
	for _, tmpl := range templates {
		for k, fold := range folds {
			if err := ctx.Err(); err != nil {
				return err
			}

			start := time.Now()
			p := tmpl.Clone()
			if err := p.Fit(selectRows(in.X, fold.Train), selectLabels(in.Y, fold.Train)); err != nil {
				return fmt.Errorf("%s fold %d: fit: %w", tmpl.Name, k+1, err)
			}
			if err := fn(p, k, fold, selectRows(in.X, fold.Test), selectLabels(in.Y, fold.Test)); err != nil {
				return err
			}
			if e.observer != nil {
				e.observer.FoldEvaluated(tmpl.Name, time.Since(start))
			}
		}
	}
	return nil
}

func validateInput(in Input, cfg Config) error {
	if cfg.UseGroups {
		if len(in.Groups) == 0 {
			return fmt.Errorf("%w: grouped cross-validation requested without group data", ErrConfiguration)
		}
		if len(in.Groups) != len(in.Y) {
			return fmt.Errorf("%w: %d group ids for %d labels", ErrConfiguration, len(in.Groups), len(in.Y))
		}
	}
	if cfg.NFolds < 2 {
		return fmt.Errorf("%w: n_folds must be at least 2, got %d", ErrConfiguration, cfg.NFolds)
	}
	if len(in.X) == 0 {
		return fmt.Errorf("%w: empty feature matrix", ErrConfiguration)
	}
	if len(in.X) != len(in.Y) {
		return fmt.Errorf("%w: %d rows but %d labels", ErrConfiguration, len(in.X), len(in.Y))
	}

	d := len(in.X[0])
	for i, row := range in.X {
		if len(row) != d {
			return fmt.Errorf("%w: row %d has %d values, want %d", ErrConfiguration, i, len(row), d)
		}
		for j, v := range row {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return fmt.Errorf("%w: non-finite value at row %d column %d", ErrConfiguration, i, j)
			}
		}
	}
	for i, c := range in.Y {
		if c != 0 && c != 1 {
			return fmt.Errorf("%w: label %d at row %d is not binary", ErrConfiguration, c, i)
		}
	}
	return nil
}

func selectRows(X [][]float64, idx []int) [][]float64 {
	out := make([][]float64, len(idx))
	for i, r := range idx {
		out[i] = X[r]
	}
	return out
}

func selectLabels(y []int, idx []int) []int {
	out := make([]int, len(idx))
	for i, r := range idx {
		out[i] = y[r]
	}
	return out
}
