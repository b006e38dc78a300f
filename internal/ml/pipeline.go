package ml

import (
	"encoding/gob"
	"fmt"
)

func init() {
	gob.Register(&LogisticRegression{})
	gob.Register(&SVM{})
	gob.Register(&RandomForest{})
}

// Pipeline standardizes its input and hands it to a classifier.
type Pipeline struct {
	Name       string
	Capability Capability
	Scaler     *StandardScaler
	Classifier Classifier
}

// Clone returns a fresh unfitted pipeline with the same parameters.
func (p *Pipeline) Clone() *Pipeline {
	return &Pipeline{
		Name:       p.Name,
		Capability: p.Capability,
		Scaler:     &StandardScaler{},
		Classifier: p.Classifier.Clone(),
	}
}

// Fit fits the scaler and then the classifier on the scaled rows.
func (p *Pipeline) Fit(X [][]float64, y []int) error {
	Xs, err := p.Scaler.FitTransform(X)
	if err != nil {
		return fmt.Errorf("%s: %w", p.Name, err)
	}
	if err := p.Classifier.Fit(Xs, y, nil); err != nil {
		return fmt.Errorf("%s: %w", p.Name, err)
	}
	return nil
}

// PredictProba returns the class-1 probability for every row.
func (p *Pipeline) PredictProba(X [][]float64) ([]float64, error) {
	Xs, err := p.Scaler.Transform(X)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", p.Name, err)
	}
	return p.Classifier.PredictProba(Xs)
}

// Predict returns hard labels for every row.
func (p *Pipeline) Predict(X [][]float64) ([]int, error) {
	Xs, err := p.Scaler.Transform(X)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", p.Name, err)
	}
	return p.Classifier.Predict(Xs)
}

// NativeImportance returns the intrinsic feature weights of a fitted
// pipeline, or nil for families registered without native importance.
func (p *Pipeline) NativeImportance() ([]float64, error) {
	if p.Capability != NativeImportance {
		return nil, nil
	}
	imp, ok := p.Classifier.(Importancer)
	if !ok {
		return nil, fmt.Errorf("%s: declared native importance but classifier %T provides none", p.Name, p.Classifier)
	}
	return imp.FeatureImportances()
}
