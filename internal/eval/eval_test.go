package eval

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"pd-voice/internal/common"
	"pd-voice/internal/ml"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/stat"
)

// groupedData builds rows for nSubjects subjects with alternating labels.
// Subjects listed first get one extra recording until nRows is reached.
func groupedData(nRows, nSubjects, nFeatures int, seed int64) Input {
	rng := rand.New(rand.NewSource(seed))
	perSubject := make([]int, nSubjects)
	for i := 0; i < nRows; i++ {
		perSubject[i%nSubjects]++
	}

	var in Input
	for s, count := range perSubject {
		label := s % 2
		for r := 0; r < count; r++ {
			row := make([]float64, nFeatures)
			row[0] = 2*float64(label) + rng.NormFloat64()*0.5
			for j := 1; j < nFeatures; j++ {
				row[j] = rng.NormFloat64()
			}
			in.X = append(in.X, row)
			in.Y = append(in.Y, label)
			in.Groups = append(in.Groups, fmt.Sprintf("ID%02d", s))
		}
	}
	return in
}

type mockObserver struct {
	mu    sync.Mutex
	folds map[string]int
}

func (m *mockObserver) FoldEvaluated(model string, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.folds == nil {
		m.folds = make(map[string]int)
	}
	m.folds[model]++
}

func assertPartition(t *testing.T, folds []Fold, n int) {
	t.Helper()
	seen := make([]int, n)
	for _, f := range folds {
		assert.Equal(t, n, len(f.Train)+len(f.Test))
		for _, i := range f.Test {
			seen[i]++
		}
	}
	for i, c := range seen {
		assert.Equal(t, 1, c, "row %d appears in %d test folds", i, c)
	}
}

func assertGroupIntegrity(t *testing.T, folds []Fold, groups []string) {
	t.Helper()
	for k, f := range folds {
		train := make(map[string]bool)
		for _, i := range f.Train {
			train[groups[i]] = true
		}
		for _, i := range f.Test {
			assert.False(t, train[groups[i]], "fold %d: subject %s on both sides", k+1, groups[i])
		}
	}
}

// fitLog records, for every fitted instance, the scaled tag column it was
// trained on and the one it was asked to score.
type fitLog struct {
	mu        sync.Mutex
	instances []*recordingClassifier
	fitted    [][]float64
	scored    [][]float64
	refits    int
}

// recordingClassifier predicts class 0 and remembers the first column of
// everything it sees.
type recordingClassifier struct {
	log  *fitLog
	slot int
	fit  bool
}

func firstColumn(X [][]float64) []float64 {
	col := make([]float64, len(X))
	for i, row := range X {
		col[i] = row[0]
	}
	return col
}

func (c *recordingClassifier) Fit(X [][]float64, _ []int, _ []float64) error {
	c.log.mu.Lock()
	defer c.log.mu.Unlock()
	if c.fit {
		c.log.refits++
	}
	c.fit = true
	c.slot = len(c.log.fitted)
	c.log.instances = append(c.log.instances, c)
	c.log.fitted = append(c.log.fitted, firstColumn(X))
	c.log.scored = append(c.log.scored, nil)
	return nil
}

func (c *recordingClassifier) PredictProba(X [][]float64) ([]float64, error) {
	if !c.fit {
		return nil, ml.ErrNotFitted
	}
	c.log.mu.Lock()
	c.log.scored[c.slot] = firstColumn(X)
	c.log.mu.Unlock()
	out := make([]float64, len(X))
	for i := range out {
		out[i] = 0.5
	}
	return out, nil
}

func (c *recordingClassifier) Predict(X [][]float64) ([]int, error) {
	if !c.fit {
		return nil, ml.ErrNotFitted
	}
	return make([]int, len(X)), nil
}

func (c *recordingClassifier) Clone() ml.Classifier {
	return &recordingClassifier{log: c.log}
}

// rowIndices undoes the standardization of a tag column whose raw values
// are row indices, using the statistics of the rows the scaler saw.
func rowIndices(scaled []float64, trainRows []int) []int {
	raw := make([]float64, len(trainRows))
	for i, r := range trainRows {
		raw[i] = float64(r)
	}
	mean, std := stat.PopMeanStdDev(raw, nil)
	out := make([]int, len(scaled))
	for i, v := range scaled {
		out[i] = int(math.Round(v*std + mean))
	}
	return out
}

func TestStratifiedKFold(t *testing.T) {
	in := groupedData(37, 37, 2, 1)
	s := &StratifiedKFold{NSplits: 5, Seed: common.DefaultRandomSeed}

	folds, err := s.Split(in.Y, nil)
	require.NoError(t, err)
	require.Len(t, folds, 5)
	assertPartition(t, folds, len(in.Y))

	minSize, maxSize := len(in.Y), 0
	for _, f := range folds {
		minSize = min(minSize, len(f.Test))
		maxSize = max(maxSize, len(f.Test))

		var pos int
		for _, i := range f.Test {
			pos += in.Y[i]
		}
		assert.InDelta(t, float64(len(f.Test))/2, float64(pos), 1.0)
	}
	assert.LessOrEqual(t, maxSize-minSize, 1)

	again, err := s.Split(in.Y, nil)
	require.NoError(t, err)
	assert.Equal(t, folds, again)
}

func TestStratifiedGroupKFold(t *testing.T) {
	in := groupedData(37, 17, 2, 2)
	s := &StratifiedGroupKFold{NSplits: 5, Seed: common.DefaultRandomSeed}

	folds, err := s.Split(in.Y, in.Groups)
	require.NoError(t, err)
	require.Len(t, folds, 5)
	assertPartition(t, folds, len(in.Y))
	assertGroupIntegrity(t, folds, in.Groups)

	for _, f := range folds {
		assert.NotEmpty(t, f.Test)
	}

	again, err := s.Split(in.Y, in.Groups)
	require.NoError(t, err)
	assert.Equal(t, folds, again)
}

func TestStratifiedGroupKFoldTooFewGroups(t *testing.T) {
	in := groupedData(12, 3, 2, 3)
	_, err := (&StratifiedGroupKFold{NSplits: 5}).Split(in.Y, in.Groups)
	assert.ErrorIs(t, err, ErrConfiguration)
}

func TestRunCVConfigurationErrors(t *testing.T) {
	engine := NewEngine(ml.NewRegistry(ml.Options{Seed: 42}), nil)
	in := groupedData(20, 10, 3, 4)

	tests := []struct {
		name string
		in   Input
		cfg  Config
	}{
		{"groups missing", Input{X: in.X, Y: in.Y}, Config{NFolds: 5, UseGroups: true}},
		{"groups length", Input{X: in.X, Y: in.Y, Groups: in.Groups[:5]}, Config{NFolds: 5, UseGroups: true}},
		{"one fold", in, Config{NFolds: 1}},
		{"unknown model", in, Config{NFolds: 5, Models: []string{"XGBoost"}}},
		{"non finite", Input{X: [][]float64{{math.NaN()}, {1}}, Y: []int{0, 1}}, Config{NFolds: 2}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := engine.RunCV(context.Background(), tt.in, tt.cfg)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrConfiguration))
		})
	}
}

func TestRunCVGroupedScenario(t *testing.T) {
	in := groupedData(37, 17, common.BaselineFeatureCount, 5)
	obs := &mockObserver{}
	engine := NewEngine(ml.NewRegistry(ml.Options{Seed: 42}), obs)

	res, err := engine.RunCV(context.Background(), in, Config{
		NFolds:             5,
		UseGroups:          true,
		Seed:               42,
		CollectPredictions: true,
	})
	require.NoError(t, err)

	assert.Len(t, res.Rows, 3*5*5)
	assertGroupIntegrity(t, res.Folds, in.Groups)
	assertPartition(t, res.Folds, len(in.Y))

	for _, model := range []string{common.ModelLogisticRegression, common.ModelSVMRBF, common.ModelRandomForest} {
		assert.Equal(t, 5, obs.folds[model])
		oof := res.Predictions[model]
		require.NotNil(t, oof)
		assert.Len(t, oof.YTrue, len(in.Y))

		cm := oof.Confusion()
		assert.Equal(t, len(in.Y), cm.TN()+cm.FP()+cm.FN()+cm.TP())
	}

	for _, fr := range res.FoldResults {
		if fr.Model == common.ModelSVMRBF {
			assert.Nil(t, fr.Importance)
		} else {
			assert.Len(t, fr.Importance, common.BaselineFeatureCount)
		}
	}
}

func TestRunCVCancelled(t *testing.T) {
	in := groupedData(20, 20, 2, 6)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewEngine(ml.NewRegistry(ml.Options{}), nil).RunCV(ctx, in, Config{NFolds: 2})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRunImportanceCVCounts(t *testing.T) {
	const nFeatures = 6
	in := groupedData(40, 20, nFeatures, 7)
	names := make([]string, nFeatures)
	for i := range names {
		names[i] = fmt.Sprintf("f%d", i)
	}

	engine := NewEngine(ml.NewRegistry(ml.Options{Seed: 42}), nil)
	records, err := engine.RunImportanceCV(context.Background(), in, names, ImportanceConfig{
		Config:      Config{NFolds: 5, UseGroups: true, Seed: 42},
		Permutation: true,
		Repeats:     10,
	})
	require.NoError(t, err)

	counts := map[string]map[string]int{}
	for _, r := range records {
		if counts[r.Method] == nil {
			counts[r.Method] = map[string]int{}
		}
		counts[r.Method][r.Model]++
	}

	// SVM declares no native importance, so it contributes permutation rows only.
	assert.Equal(t, map[string]int{
		common.ModelLogisticRegression: 5 * nFeatures,
		common.ModelRandomForest:       5 * nFeatures,
	}, counts[MethodNative])
	assert.Equal(t, map[string]int{
		common.ModelLogisticRegression: 5 * nFeatures,
		common.ModelSVMRBF:             5 * nFeatures,
		common.ModelRandomForest:       5 * nFeatures,
	}, counts[MethodPermutation])

	summary := SummarizeImportance(records)
	top := TopFeatures(summary, common.ModelRandomForest, MethodNative, 1)
	require.NotEmpty(t, top)
	assert.Equal(t, "f0", top[0].Feature)
}

func TestRunImportanceCVRejectsBadSettings(t *testing.T) {
	in := groupedData(20, 10, 3, 8)
	engine := NewEngine(ml.NewRegistry(ml.Options{}), nil)

	_, err := engine.RunImportanceCV(context.Background(), in, []string{"a", "b"}, ImportanceConfig{Config: Config{NFolds: 2}})
	assert.ErrorIs(t, err, ErrConfiguration)

	_, err = engine.RunImportanceCV(context.Background(), in, []string{"a", "b", "c"}, ImportanceConfig{
		Config: Config{NFolds: 2}, Permutation: true, Repeats: 0,
	})
	assert.ErrorIs(t, err, ErrConfiguration)

	_, err = engine.RunImportanceCV(context.Background(), in, []string{"a", "b", "c"}, ImportanceConfig{
		Config: Config{NFolds: 2}, Permutation: true, Repeats: 3, Scoring: "log_loss",
	})
	assert.ErrorIs(t, err, ErrConfiguration)
}

type thresholdModel struct{}

func (thresholdModel) Predict(X [][]float64) ([]int, error) {
	out := make([]int, len(X))
	for i, row := range X {
		if row[0] > 0 {
			out[i] = 1
		}
	}
	return out, nil
}

func (thresholdModel) PredictProba(X [][]float64) ([]float64, error) {
	out := make([]float64, len(X))
	for i, row := range X {
		out[i] = 1 / (1 + math.Exp(-row[0]))
	}
	return out, nil
}

func TestPermutationImportance(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	var X [][]float64
	var y []int
	for i := 0; i < 30; i++ {
		label := i % 2
		X = append(X, []float64{2*float64(label) - 1, rng.NormFloat64()})
		y = append(y, label)
	}

	opts := PermutationOptions{Repeats: 10, Seed: 42}
	imp, err := PermutationImportance(thresholdModel{}, X, y, opts)
	require.NoError(t, err)
	assert.Greater(t, imp[0], 0.2)
	assert.Equal(t, 0.0, imp[1])

	again, err := PermutationImportance(thresholdModel{}, X, y, opts)
	require.NoError(t, err)
	assert.Equal(t, imp, again)
	assert.Equal(t, -1.0, X[0][0], "input must not be modified")

	opts.Scoring = MetricROCAUC
	auc, err := PermutationImportance(thresholdModel{}, X, y, opts)
	require.NoError(t, err)
	assert.Greater(t, auc[0], 0.0)
}

func TestMetrics(t *testing.T) {
	yTrue := []int{0, 0, 1, 1}
	assert.Equal(t, 0.75, ROCAUC(yTrue, []float64{0.1, 0.4, 0.35, 0.8}))
	assert.Equal(t, 0.5, ROCAUC(yTrue, []float64{0.5, 0.5, 0.5, 0.5}))
	assert.True(t, math.IsNaN(ROCAUC([]int{1, 1}, []float64{0.2, 0.9})))
	assert.True(t, math.IsNaN(ROCAUC(yTrue, nil)))

	pred := []int{0, 0, 0, 0}
	assert.Equal(t, 0.5, Accuracy(yTrue, pred))
	assert.Equal(t, 0.0, Precision(yTrue, pred))
	assert.Equal(t, 0.0, Recall(yTrue, pred))
	assert.Equal(t, 0.0, F1(yTrue, pred))
	assert.Equal(t, 0.5, BalancedAccuracy(yTrue, pred))

	pred = []int{0, 1, 1, 1}
	assert.InDelta(t, 2.0/3.0, Precision(yTrue, pred), 1e-12)
	assert.Equal(t, 1.0, Recall(yTrue, pred))
	assert.InDelta(t, 0.8, F1(yTrue, pred), 1e-12)

	m := FoldMetrics([]int{1, 1}, []int{1, 0}, []float64{0.9, 0.4})
	assert.Equal(t, 0.5, m[MetricAccuracy])
	assert.True(t, math.IsNaN(m[MetricROCAUC]))
}

func TestSummarizeResults(t *testing.T) {
	rows := []ResultRow{
		{Model: "B", Fold: 1, Metric: MetricAccuracy, Value: 0.8},
		{Model: "B", Fold: 2, Metric: MetricAccuracy, Value: 0.6},
		{Model: "A", Fold: 1, Metric: MetricROCAUC, Value: math.NaN()},
		{Model: "A", Fold: 2, Metric: MetricROCAUC, Value: 0.9},
		{Model: "A", Fold: 1, Metric: MetricAccuracy, Value: 0.5},
		{Model: "A", Fold: 2, Metric: MetricAccuracy, Value: 0.5},
	}

	s := SummarizeResults(rows)
	require.Len(t, s, 3)
	assert.Equal(t, "A", s[0].Model)
	assert.Equal(t, MetricAccuracy, s[0].Metric)
	assert.Equal(t, "0.500 ± 0.000", s[0].MeanStd)

	assert.Equal(t, MetricROCAUC, s[1].Metric)
	assert.Equal(t, 0.9, s[1].Mean)
	assert.True(t, math.IsNaN(s[1].Std))

	assert.Equal(t, "B", s[2].Model)
	assert.InDelta(t, 0.7, s[2].Mean, 1e-12)
	assert.InDelta(t, math.Sqrt(0.02), s[2].Std, 1e-12)
	assert.Equal(t, "0.700 ± 0.141", s[2].MeanStd)
}

func TestSummarizeImportanceTieRanks(t *testing.T) {
	var records []ImportanceRecord
	for fold := 1; fold <= 2; fold++ {
		records = append(records,
			ImportanceRecord{Model: "RF", Fold: fold, Feature: "jitter_local", Importance: 0.10, Method: MethodNative},
			ImportanceRecord{Model: "RF", Fold: fold, Feature: "f0_std", Importance: 0.10, Method: MethodNative},
			ImportanceRecord{Model: "RF", Fold: fold, Feature: "hnr_mean", Importance: 0.08, Method: MethodNative},
			ImportanceRecord{Model: "RF", Fold: fold, Feature: "zcr_mean", Importance: 0.01, Method: MethodNative},
		)
	}

	s := SummarizeImportance(records)
	require.Len(t, s, 4)

	ranks := map[string]int{}
	for _, r := range s {
		ranks[r.Feature] = r.Rank
	}
	assert.Equal(t, 1, ranks["jitter_local"])
	assert.Equal(t, 1, ranks["f0_std"])
	assert.Equal(t, 3, ranks["hnr_mean"])
	assert.Equal(t, 4, ranks["zcr_mean"])

	assert.Equal(t, "f0_std", s[0].Feature)
	assert.Equal(t, "jitter_local", s[1].Feature)
	for i := 1; i < len(s); i++ {
		assert.GreaterOrEqual(t, s[i].Rank, s[i-1].Rank)
		assert.LessOrEqual(t, s[i].Mean, s[i-1].Mean)
	}

	// A top-1 request keeps both tied features.
	top := TopFeatures(s, "RF", MethodNative, 1)
	assert.Len(t, top, 2)
	assert.Len(t, TopFeatures(s, "RF", MethodNative, 3), 3)
	assert.Empty(t, TopFeatures(s, "RF", MethodPermutation, 3))
}

func TestMinRankDescendingNaN(t *testing.T) {
	assert.Equal(t, []int{2, 3, 1, 3}, minRankDescending([]float64{0.5, math.NaN(), 0.7, math.NaN()}))
}

func TestCompareRankings(t *testing.T) {
	summary := []ImportanceSummary{
		{Model: "LR", Method: MethodNative, Feature: "a", Mean: 0.9, Rank: 1},
		{Model: "LR", Method: MethodNative, Feature: "b", Mean: 0.1, Rank: 2},
		{Model: "RF", Method: MethodNative, Feature: "a", Mean: 0.2, Rank: 2},
		{Model: "RF", Method: MethodNative, Feature: "b", Mean: 0.8, Rank: 1},
		{Model: "RF", Method: MethodNative, Feature: "c", Mean: 0.0, Rank: 3},
		{Model: "RF", Method: MethodPermutation, Feature: "a", Mean: 0.3, Rank: 1},
	}

	rows := CompareRankings(summary, MethodNative, []string{"LR", "RF"})
	require.Len(t, rows, 3)
	assert.Equal(t, "a", rows[0].Feature)
	assert.Equal(t, "b", rows[1].Feature)
	assert.Equal(t, "c", rows[2].Feature)
	assert.Equal(t, 2, rows[0].Ranks["RF"])
	_, ok := rows[2].Ranks["LR"]
	assert.False(t, ok)
}

func TestReporterWritesTables(t *testing.T) {
	dir := t.TempDir()
	r := NewReporter(dir)

	rows := []ResultRow{{Model: "LR", Fold: 1, Metric: MetricAccuracy, Value: 0.75}}
	path, err := r.WriteResults("readtext_", rows)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "readtext_"+ResultsFile), path)

	records := readCSV(t, path)
	assert.Equal(t, []string{"model", "fold", "metric", "value"}, records[0])
	assert.Equal(t, []string{"LR", "1", "accuracy", "0.75"}, records[1])

	summary := []ImportanceSummary{
		{Model: "RF", Method: MethodNative, Feature: "a", Mean: 0.5, Std: 0.1, Rank: 1},
		{Model: "RF", Method: MethodNative, Feature: "b", Mean: 0.5, Std: 0.1, Rank: 1},
		{Model: "RF", Method: MethodNative, Feature: "c", Mean: 0.1, Std: 0.1, Rank: 3},
	}
	path, err = r.WriteTopFeatures("", summary, 1)
	require.NoError(t, err)
	assert.Len(t, readCSV(t, path), 3)

	oof := map[string]*OutOfFold{"LR": {YTrue: []int{0, 1, 1}, YPred: []int{0, 1, 0}}}
	path, err = r.WriteConfusionMatrices("", []string{"LR", "SVM_RBF"}, oof)
	require.NoError(t, err)
	records = readCSV(t, path)
	require.Len(t, records, 2)
	assert.Equal(t, []string{"LR", "1", "0", "1", "1"}, records[1])

	combined := []LabeledSummary{
		{Dataset: "MDVR-KCL", Task: "ReadText", ResultSummary: ResultSummary{Model: "LR", Metric: MetricF1, Mean: 0.7, Std: 0.1, MeanStd: "0.700 ± 0.100"}},
		{Dataset: "PD_SPEECH_FEATURES", ResultSummary: ResultSummary{Model: "LR", Metric: MetricF1, Mean: 0.8, Std: 0.05, MeanStd: "0.800 ± 0.050"}},
	}
	path, err = r.WriteCombinedSummary(combined)
	require.NoError(t, err)
	records = readCSV(t, path)
	require.Len(t, records, 3)
	assert.Equal(t, "dataset", records[0][0])
	assert.Equal(t, "N/A", records[2][1])
	assert.Equal(t, "0.800 ± 0.050", records[2][6])
}

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	records, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	return records
}

func TestRunCVFitsOnTrainingRowsOnly(t *testing.T) {
	in := groupedData(40, 12, 3, 9)
	for i := range in.X {
		in.X[i][0] = float64(i)
	}

	for _, useGroups := range []bool{false, true} {
		calls := &fitLog{}
		reg := ml.NewEmptyRegistry(ml.Options{Seed: 42})
		for _, name := range []string{"RecorderA", "RecorderB"} {
			require.NoError(t, reg.Register(ml.Spec{
				Name:       name,
				Capability: ml.NoNativeImportance,
				New:        func(ml.Options) ml.Classifier { return &recordingClassifier{log: calls} },
			}))
		}

		res, err := NewEngine(reg, nil).RunCV(context.Background(), in, Config{NFolds: 5, UseGroups: useGroups, Seed: 42})
		require.NoError(t, err)

		nFolds := len(res.Folds)
		require.Len(t, calls.fitted, 2*nFolds)
		assert.Zero(t, calls.refits)

		seen := make(map[*recordingClassifier]bool)
		for _, inst := range calls.instances {
			assert.False(t, seen[inst], "instance reused across folds")
			seen[inst] = true
		}

		// Models run outer, folds inner.
		for m := 0; m < 2; m++ {
			for k, fold := range res.Folds {
				slot := m*nFolds + k
				fitRows := rowIndices(calls.fitted[slot], fold.Train)
				scoredRows := rowIndices(calls.scored[slot], fold.Train)

				assert.ElementsMatch(t, fold.Train, fitRows, "fold %d", k+1)
				assert.ElementsMatch(t, fold.Test, scoredRows, "fold %d", k+1)

				held := make(map[int]bool, len(fold.Test))
				for _, r := range fold.Test {
					held[r] = true
				}
				for _, r := range fitRows {
					assert.False(t, held[r], "fold %d fitted on held-out row %d", k+1, r)
				}
			}
		}
	}
}
