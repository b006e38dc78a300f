// Package ml provides the fixed set of model pipelines used by the evaluation
// engine, training and inference: a standard scaler followed by one of three
// classifier families, plus the persisted artifact that ties a fitted pipeline
// to the ordered feature names it was trained on.
package ml

// Classifier is a binary classifier over the labels {0, 1}.
// Implementations must be gob-encodable so fitted state can be persisted.
type Classifier interface {
	// Fit trains on X and y. sampleWeight may be nil for unit weights.
	Fit(X [][]float64, y []int, sampleWeight []float64) error

	// PredictProba returns the probability of class 1 for every row.
	PredictProba(X [][]float64) ([]float64, error)

	// Predict returns a hard label for every row.
	Predict(X [][]float64) ([]int, error)

	// Clone returns an unfitted copy carrying the same hyperparameters.
	Clone() Classifier
}

// Importancer is implemented by classifiers that carry an intrinsic
// per-feature weight once fitted.
type Importancer interface {
	FeatureImportances() ([]float64, error)
}

// Capability declares whether a model family reports native importance.
type Capability int

const (
	NoNativeImportance Capability = iota
	NativeImportance
)

func (c Capability) String() string {
	if c == NativeImportance {
		return "native"
	}
	return "none"
}

// Options are the run-wide parameters shared by every registered family.
type Options struct {
	Seed                int64
	ClassWeightBalanced bool
}
