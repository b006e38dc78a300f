package ml

import (
	"errors"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"pd-voice/internal/common"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// separable returns n rows where feature 0 carries the label and the rest is noise.
func separable(n, d int, seed int64) ([][]float64, []int) {
	rng := rand.New(rand.NewSource(seed))
	X := make([][]float64, n)
	y := make([]int, n)
	for i := range X {
		y[i] = i % 2
		row := make([]float64, d)
		row[0] = 3*float64(y[i]) + rng.NormFloat64()*0.3
		for j := 1; j < d; j++ {
			row[j] = rng.NormFloat64()
		}
		X[i] = row
	}
	return X, y
}

func accuracy(pred, y []int) float64 {
	var ok int
	for i := range y {
		if pred[i] == y[i] {
			ok++
		}
	}
	return float64(ok) / float64(len(y))
}

func argmax(v []float64) int {
	best := 0
	for i := range v {
		if v[i] > v[best] {
			best = i
		}
	}
	return best
}

func TestStandardScaler(t *testing.T) {
	X := [][]float64{{1, 5}, {3, 5}, {5, 5}}
	s := &StandardScaler{}
	Xs, err := s.FitTransform(X)
	require.NoError(t, err)

	assert.InDelta(t, 3.0, s.Mean[0], 1e-12)
	assert.InDelta(t, math.Sqrt(8.0/3.0), s.Scale[0], 1e-12)
	assert.Equal(t, 1.0, s.Scale[1])
	assert.InDelta(t, 0.0, Xs[1][0], 1e-12)
	assert.InDelta(t, 0.0, Xs[0][1], 1e-12)

	_, err = (&StandardScaler{}).Transform(X)
	assert.ErrorIs(t, err, ErrNotFitted)
}

func TestClassSampleWeights(t *testing.T) {
	w := classSampleWeights([]int{0, 0, 0, 1}, true)
	assert.InDeltaSlice(t, []float64{4.0 / 6, 4.0 / 6, 4.0 / 6, 2}, w, 1e-12)
	assert.Equal(t, []float64{1, 1}, classSampleWeights([]int{0, 1}, false))
}

func TestClassifiersLearnSeparableData(t *testing.T) {
	X, y := separable(80, 4, 7)
	reg := NewRegistry(Options{Seed: 42})

	for _, name := range reg.Names() {
		t.Run(name, func(t *testing.T) {
			p, err := reg.Pipeline(name)
			require.NoError(t, err)
			require.NoError(t, p.Fit(X, y))

			pred, err := p.Predict(X)
			require.NoError(t, err)
			assert.GreaterOrEqual(t, accuracy(pred, y), 0.9)

			proba, err := p.PredictProba(X)
			require.NoError(t, err)
			for _, v := range proba {
				assert.True(t, v >= 0 && v <= 1, "probability %v out of range", v)
			}

			imp, err := p.NativeImportance()
			require.NoError(t, err)
			if p.Capability == NoNativeImportance {
				assert.Nil(t, imp)
				return
			}
			require.Len(t, imp, 4)
			assert.Equal(t, 0, argmax(imp))
		})
	}
}

func TestRandomForestImportancesSumToOne(t *testing.T) {
	X, y := separable(60, 9, 3)
	f := NewRandomForest(Options{Seed: 1})
	require.NoError(t, f.Fit(X, y, nil))

	imp, err := f.FeatureImportances()
	require.NoError(t, err)
	var sum float64
	for _, v := range imp {
		assert.GreaterOrEqual(t, v, 0.0)
		sum += v
	}
	assert.InDelta(t, 1.0, sum, 1e-9)
}

func TestRandomForestIsSeeded(t *testing.T) {
	X, y := separable(40, 5, 11)
	a := NewRandomForest(Options{Seed: 5})
	b := NewRandomForest(Options{Seed: 5})
	require.NoError(t, a.Fit(X, y, nil))
	require.NoError(t, b.Fit(X, y, nil))

	pa, err := a.PredictProba(X)
	require.NoError(t, err)
	pb, err := b.PredictProba(X)
	require.NoError(t, err)
	assert.Equal(t, pa, pb)
}

func TestSVMPredictFollowsDecisionSign(t *testing.T) {
	X, y := separable(50, 3, 21)
	m := NewSVM(Options{Seed: 42})
	require.NoError(t, m.Fit(X, y, nil))

	dec, err := m.DecisionFunction(X)
	require.NoError(t, err)
	pred, err := m.Predict(X)
	require.NoError(t, err)
	for i := range dec {
		assert.Equal(t, dec[i] > 0, pred[i] == 1)
	}
	assert.NotEmpty(t, m.SupportVectors)
	assert.Less(t, m.ProbA, 0.0)
}

func TestSigmoidTrainSeparatesScores(t *testing.T) {
	dec := []float64{-2, -1.5, -1, 1, 1.5, 2}
	y := []int{0, 0, 0, 1, 1, 1}
	a, b := sigmoidTrain(dec, y)
	assert.Less(t, sigmoidPredict(-2, a, b), 0.5)
	assert.Greater(t, sigmoidPredict(2, a, b), 0.5)
}

func TestLogisticRejectsSingleClass(t *testing.T) {
	m := NewLogisticRegression(Options{})
	err := m.Fit([][]float64{{1}, {2}}, []int{1, 1}, nil)
	assert.Error(t, err)
}

func TestCloneIsUnfitted(t *testing.T) {
	X, y := separable(30, 2, 2)
	reg := NewRegistry(Options{Seed: 42, ClassWeightBalanced: true})

	for _, name := range reg.Names() {
		p, err := reg.Pipeline(name)
		require.NoError(t, err)
		require.NoError(t, p.Fit(X, y))

		c := p.Clone()
		assert.Equal(t, p.Name, c.Name)
		assert.Equal(t, p.Capability, c.Capability)
		_, err = c.Predict(X)
		assert.ErrorIs(t, err, ErrNotFitted, name)
	}
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry(Options{Seed: 42})
	assert.Equal(t, []string{
		common.ModelLogisticRegression,
		common.ModelSVMRBF,
		common.ModelRandomForest,
	}, reg.Names())

	c, err := reg.Capability(common.ModelSVMRBF)
	require.NoError(t, err)
	assert.Equal(t, NoNativeImportance, c)
	c, err = reg.Capability(common.ModelRandomForest)
	require.NoError(t, err)
	assert.Equal(t, NativeImportance, c)

	_, err = reg.Pipeline("XGBoost")
	assert.Error(t, err)

	err = reg.Register(Spec{Name: common.ModelSVMRBF, New: func(o Options) Classifier { return NewSVM(o) }})
	assert.Error(t, err)

	empty := NewEmptyRegistry(Options{})
	err = empty.Register(Spec{
		Name:       "svm-claims-native",
		Capability: NativeImportance,
		New:        func(o Options) Classifier { return NewSVM(o) },
	})
	assert.Error(t, err)

	ps, err := reg.Pipelines(common.ModelRandomForest)
	require.NoError(t, err)
	require.Len(t, ps, 1)
	assert.Equal(t, common.ModelRandomForest, ps[0].Name)
}

func TestArtifactRoundTrip(t *testing.T) {
	X, y := separable(40, 3, 9)
	names := []string{"f0_mean", "jitter_local", "mfcc_0_mean"}
	reg := NewRegistry(Options{Seed: 42})

	for _, model := range reg.Names() {
		t.Run(model, func(t *testing.T) {
			a, err := Train(reg, model, common.TaskReadText, common.FeatureSetBaseline, names, X, y)
			require.NoError(t, err)
			assert.Equal(t, 3, a.Metadata.FeatureCount)
			assert.Equal(t, map[string]int{"HC": 20, "PD": 20}, a.Metadata.ClassDistribution)

			mm, err := NewModelManager(t.TempDir())
			require.NoError(t, err)
			path, err := mm.Save(a)
			require.NoError(t, err)
			assert.Equal(t, ArtifactFileName(model, common.TaskReadText, common.FeatureSetBaseline), filepath.Base(path))

			loaded, err := LoadArtifact(path)
			require.NoError(t, err)
			assert.Equal(t, names, loaded.Metadata.FeatureNames)
			assert.Equal(t, a.Pipeline.Capability, loaded.Pipeline.Capability)

			want, err := a.Pipeline.PredictProba(X)
			require.NoError(t, err)
			got, err := loaded.Pipeline.PredictProba(X)
			require.NoError(t, err)
			assert.Equal(t, want, got)

			list, err := mm.List()
			require.NoError(t, err)
			require.Len(t, list, 1)
			assert.Equal(t, model, list[0].ModelName)
		})
	}
}

func TestTrainRejectsNameMismatch(t *testing.T) {
	X, y := separable(20, 3, 1)
	_, err := Train(NewRegistry(Options{}), common.ModelLogisticRegression, "t", "s", []string{"a", "b"}, X, y)
	assert.Error(t, err)
}

func TestLoadArtifactMissing(t *testing.T) {
	_, err := LoadArtifact(filepath.Join(t.TempDir(), "missing.gob"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, os.ErrNotExist))
}
