package eval

import (
	"fmt"
	"math"
	"sort"
)

// Metric names in reporting order.
const (
	MetricAccuracy  = "accuracy"
	MetricPrecision = "precision"
	MetricRecall    = "recall"
	MetricF1        = "f1"
	MetricROCAUC    = "roc_auc"

	MetricBalancedAccuracy = "balanced_accuracy"
)

// Metrics lists the per-fold metrics recorded by RunCV.
var Metrics = []string{MetricAccuracy, MetricPrecision, MetricRecall, MetricF1, MetricROCAUC}

// ConfusionMatrix is indexed [true][predicted].
type ConfusionMatrix [2][2]int

// NewConfusionMatrix counts (true, predicted) pairs.
func NewConfusionMatrix(yTrue, yPred []int) ConfusionMatrix {
	var cm ConfusionMatrix
	for i := range yTrue {
		cm[yTrue[i]][yPred[i]]++
	}
	return cm
}

func (cm ConfusionMatrix) TN() int { return cm[0][0] }
func (cm ConfusionMatrix) FP() int { return cm[0][1] }
func (cm ConfusionMatrix) FN() int { return cm[1][0] }
func (cm ConfusionMatrix) TP() int { return cm[1][1] }

// Accuracy is the fraction of correct predictions.
func Accuracy(yTrue, yPred []int) float64 {
	if len(yTrue) == 0 {
		return 0
	}
	cm := NewConfusionMatrix(yTrue, yPred)
	return float64(cm.TP()+cm.TN()) / float64(len(yTrue))
}

// Precision of class 1; 0 when nothing is predicted positive.
func Precision(yTrue, yPred []int) float64 {
	cm := NewConfusionMatrix(yTrue, yPred)
	return safeDiv(float64(cm.TP()), float64(cm.TP()+cm.FP()))
}

// Recall of class 1; 0 when there are no positives.
func Recall(yTrue, yPred []int) float64 {
	cm := NewConfusionMatrix(yTrue, yPred)
	return safeDiv(float64(cm.TP()), float64(cm.TP()+cm.FN()))
}

// F1 of class 1; 0 when precision and recall are both 0.
func F1(yTrue, yPred []int) float64 {
	cm := NewConfusionMatrix(yTrue, yPred)
	return safeDiv(float64(2*cm.TP()), float64(2*cm.TP()+cm.FP()+cm.FN()))
}

// BalancedAccuracy is the mean recall over the classes present in yTrue.
func BalancedAccuracy(yTrue, yPred []int) float64 {
	cm := NewConfusionMatrix(yTrue, yPred)
	var sum float64
	var n int
	for c := 0; c < 2; c++ {
		support := cm[c][0] + cm[c][1]
		if support == 0 {
			continue
		}
		sum += float64(cm[c][c]) / float64(support)
		n++
	}
	return safeDiv(sum, float64(n))
}

// ROCAUC is the area under the ROC curve computed from average ranks.
// It is NaN when scores are missing or yTrue holds a single class.
func ROCAUC(yTrue []int, scores []float64) float64 {
	if len(scores) == 0 || len(scores) != len(yTrue) {
		return math.NaN()
	}

	var nPos, nNeg float64
	for _, c := range yTrue {
		if c == 1 {
			nPos++
		} else {
			nNeg++
		}
	}
	if nPos == 0 || nNeg == 0 {
		return math.NaN()
	}

	ranks := averageRanks(scores)
	var sumPos float64
	for i, c := range yTrue {
		if c == 1 {
			sumPos += ranks[i]
		}
	}
	return (sumPos - nPos*(nPos+1)/2) / (nPos * nNeg)
}

// averageRanks returns 1-based ranks with ties sharing their mean rank.
func averageRanks(values []float64) []float64 {
	idx := make([]int, len(values))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return values[idx[a]] < values[idx[b]] })

	ranks := make([]float64, len(values))
	for i := 0; i < len(idx); {
		j := i
		for j+1 < len(idx) && values[idx[j+1]] == values[idx[i]] {
			j++
		}
		r := float64(i+j)/2 + 1
		for k := i; k <= j; k++ {
			ranks[idx[k]] = r
		}
		i = j + 1
	}
	return ranks
}

// FoldMetrics computes every metric in Metrics for one held-out partition.
func FoldMetrics(yTrue, yPred []int, proba []float64) map[string]float64 {
	return map[string]float64{
		MetricAccuracy:  Accuracy(yTrue, yPred),
		MetricPrecision: Precision(yTrue, yPred),
		MetricRecall:    Recall(yTrue, yPred),
		MetricF1:        F1(yTrue, yPred),
		MetricROCAUC:    ROCAUC(yTrue, proba),
	}
}

// Scorer scores predictions on a held-out partition; higher is better.
type Scorer func(yTrue, yPred []int, proba []float64) float64

// NewScorer returns the scorer for a metric name used by permutation importance.
func NewScorer(name string) (Scorer, error) {
	switch name {
	case "", MetricAccuracy:
		return func(t, p []int, _ []float64) float64 { return Accuracy(t, p) }, nil
	case MetricBalancedAccuracy:
		return func(t, p []int, _ []float64) float64 { return BalancedAccuracy(t, p) }, nil
	case MetricPrecision:
		return func(t, p []int, _ []float64) float64 { return Precision(t, p) }, nil
	case MetricRecall:
		return func(t, p []int, _ []float64) float64 { return Recall(t, p) }, nil
	case MetricF1:
		return func(t, p []int, _ []float64) float64 { return F1(t, p) }, nil
	case MetricROCAUC:
		return func(t, _ []int, s []float64) float64 { return ROCAUC(t, s) }, nil
	default:
		return nil, fmt.Errorf("%w: unknown scoring %q", ErrConfiguration, name)
	}
}

func safeDiv(a, b float64) float64 {
	if b == 0 {
		return 0
	}
	return a / b
}
