package ml

import (
	"fmt"
	"math"

	"github.com/rs/zerolog/log"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/optimize"
)

// LogisticRegression is an L2-penalised binary logistic regression fitted
// with L-BFGS. The intercept is not penalised.
type LogisticRegression struct {
	C                   float64
	MaxIter             int
	ClassWeightBalanced bool

	Coef      []float64
	Intercept float64
}

// NewLogisticRegression returns an unfitted model with C=1 and 1000 iterations.
func NewLogisticRegression(opts Options) *LogisticRegression {
	return &LogisticRegression{
		C:                   1.0,
		MaxIter:             1000,
		ClassWeightBalanced: opts.ClassWeightBalanced,
	}
}

func (m *LogisticRegression) Clone() Classifier {
	return &LogisticRegression{
		C:                   m.C,
		MaxIter:             m.MaxIter,
		ClassWeightBalanced: m.ClassWeightBalanced,
	}
}

func (m *LogisticRegression) Fit(X [][]float64, y []int, sampleWeight []float64) error {
	if err := checkXY(X, y); err != nil {
		return fmt.Errorf("logistic regression: %w", err)
	}
	if !hasBothClasses(y) {
		return fmt.Errorf("logistic regression: training labels contain a single class")
	}

	w := classSampleWeights(y, m.ClassWeightBalanced)
	if sampleWeight != nil {
		for i := range w {
			w[i] *= sampleWeight[i]
		}
	}
	wsum := floats.Sum(w)
	d := len(X[0])
	alpha := 1 / (m.C * wsum)

	// x = [coef..., intercept]; the objective is averaged over the total weight.
	problem := optimize.Problem{
		Func: func(x []float64) float64 {
			coef, b := x[:d], x[d]
			var loss float64
			for i, row := range X {
				z := floats.Dot(coef, row) + b
				loss += w[i] * (softplus(z) - float64(y[i])*z)
			}
			return loss/wsum + 0.5*alpha*floats.Dot(coef, coef)
		},
		Grad: func(grad, x []float64) {
			coef, b := x[:d], x[d]
			for j := range grad {
				grad[j] = 0
			}
			for i, row := range X {
				r := w[i] * (sigmoid(floats.Dot(coef, row)+b) - float64(y[i])) / wsum
				floats.AddScaled(grad[:d], r, row)
				grad[d] += r
			}
			floats.AddScaled(grad[:d], alpha, coef)
		},
	}

	settings := &optimize.Settings{
		GradientThreshold: 1e-6,
		MajorIterations:   m.MaxIter,
	}

	res, err := optimize.Minimize(problem, make([]float64, d+1), settings, &optimize.LBFGS{})
	if err != nil {
		if res == nil {
			return fmt.Errorf("logistic regression: optimisation failed: %w", err)
		}
		log.Warn().Err(err).Str("status", res.Status.String()).Msg("L-BFGS stopped early, using last iterate")
	}

	m.Coef = append([]float64(nil), res.X[:d]...)
	m.Intercept = res.X[d]
	return nil
}

// DecisionFunction returns the signed distance to the separating hyperplane.
func (m *LogisticRegression) DecisionFunction(X [][]float64) ([]float64, error) {
	if m.Coef == nil {
		return nil, ErrNotFitted
	}
	out := make([]float64, len(X))
	for i, row := range X {
		if len(row) != len(m.Coef) {
			return nil, fmt.Errorf("logistic regression: row %d has %d values, want %d", i, len(row), len(m.Coef))
		}
		out[i] = floats.Dot(m.Coef, row) + m.Intercept
	}
	return out, nil
}

func (m *LogisticRegression) PredictProba(X [][]float64) ([]float64, error) {
	z, err := m.DecisionFunction(X)
	if err != nil {
		return nil, err
	}
	for i := range z {
		z[i] = sigmoid(z[i])
	}
	return z, nil
}

func (m *LogisticRegression) Predict(X [][]float64) ([]int, error) {
	z, err := m.DecisionFunction(X)
	if err != nil {
		return nil, err
	}
	return thresholdLabels(z), nil
}

// FeatureImportances returns the absolute coefficient magnitudes.
func (m *LogisticRegression) FeatureImportances() ([]float64, error) {
	if m.Coef == nil {
		return nil, ErrNotFitted
	}
	out := make([]float64, len(m.Coef))
	for i, c := range m.Coef {
		out[i] = math.Abs(c)
	}
	return out, nil
}

func softplus(z float64) float64 {
	if z > 0 {
		return z + math.Log1p(math.Exp(-z))
	}
	return math.Log1p(math.Exp(z))
}

func sigmoid(z float64) float64 {
	if z >= 0 {
		return 1 / (1 + math.Exp(-z))
	}
	e := math.Exp(z)
	return e / (1 + e)
}

func thresholdLabels(decision []float64) []int {
	out := make([]int, len(decision))
	for i, v := range decision {
		if v > 0 {
			out[i] = 1
		}
	}
	return out
}
