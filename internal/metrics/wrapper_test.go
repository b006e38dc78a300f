package metrics

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"pd-voice/internal/eval"
	"pd-voice/internal/extract"
	"pd-voice/internal/inference"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

var (
	_ eval.Observer              = (*Wrapper)(nil)
	_ extract.Observer           = (*Wrapper)(nil)
	_ inference.MetricsInterface = (*Wrapper)(nil)
)

func TestNewWrapper(t *testing.T) {
	metrics := NewWithRegistry(prometheus.NewRegistry())
	wrapper := NewWrapper(metrics)

	if wrapper == nil {
		t.Fatal("NewWrapper returned nil")
	}
	if wrapper.m != metrics {
		t.Error("Wrapper does not contain correct metrics instance")
	}
}

func TestWrapper_FoldEvaluated(t *testing.T) {
	metrics := NewWithRegistry(prometheus.NewRegistry())
	wrapper := NewWrapper(metrics)

	wrapper.FoldEvaluated("RandomForest", 120*time.Millisecond)
	wrapper.FoldEvaluated("RandomForest", 80*time.Millisecond)
	wrapper.FoldEvaluated("SVM_RBF", 10*time.Millisecond)

	if v := testutil.ToFloat64(metrics.FoldsEvaluated.WithLabelValues("RandomForest")); v != 2 {
		t.Errorf("Expected 2 RandomForest folds, got %f", v)
	}
	if v := testutil.ToFloat64(metrics.FoldsEvaluated.WithLabelValues("SVM_RBF")); v != 1 {
		t.Errorf("Expected 1 SVM_RBF fold, got %f", v)
	}
	if n := testutil.CollectAndCount(metrics.FoldFitDuration); n != 2 {
		t.Errorf("Expected 2 duration series, got %d", n)
	}
}

func TestWrapper_InferenceMethods(t *testing.T) {
	metrics := NewWithRegistry(prometheus.NewRegistry())
	wrapper := NewWrapper(metrics)

	wrapper.InferencePredictionsInc()
	wrapper.InferencePredictionsInc()
	wrapper.InferenceFailuresInc(inference.KindFeatureMismatch)
	wrapper.InferenceLatencyObserve(0.25)
	wrapper.ModelLoadsInc()
	wrapper.ModelCacheHitsInc()
	wrapper.ModelCacheHitsInc()

	if v := testutil.ToFloat64(metrics.InferencePredictions); v != 2 {
		t.Errorf("Expected 2 predictions, got %f", v)
	}
	if v := testutil.ToFloat64(metrics.InferenceFailures.WithLabelValues(inference.KindFeatureMismatch)); v != 1 {
		t.Errorf("Expected 1 feature mismatch, got %f", v)
	}
	if v := testutil.ToFloat64(metrics.InferenceFailures.WithLabelValues(inference.KindModelNotFound)); v != 0 {
		t.Errorf("Expected 0 model-not-found failures, got %f", v)
	}
	if v := testutil.ToFloat64(metrics.ModelLoads); v != 1 {
		t.Errorf("Expected 1 model load, got %f", v)
	}
	if v := testutil.ToFloat64(metrics.ModelCacheHits); v != 2 {
		t.Errorf("Expected 2 cache hits, got %f", v)
	}
}

func TestWrapper_FileExtractedAndFailureRate(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := NewWithRegistry(registry)
	wrapper := NewWrapper(metrics)

	if rate := ExtractionFailureRate(registry); rate != 0 {
		t.Errorf("Expected failure rate 0 before any file, got %f", rate)
	}

	wrapper.FileExtracted(time.Second, nil)
	wrapper.FileExtracted(time.Second, nil)
	wrapper.FileExtracted(time.Second, nil)
	wrapper.FileExtracted(time.Second, errors.New("audio too short"))

	if v := testutil.ToFloat64(metrics.ExtractionFiles); v != 4 {
		t.Errorf("Expected 4 files, got %f", v)
	}
	if v := testutil.ToFloat64(metrics.ExtractionFailures); v != 1 {
		t.Errorf("Expected 1 failure, got %f", v)
	}
	if rate := ExtractionFailureRate(registry); rate != 0.25 {
		t.Errorf("Expected failure rate 0.25, got %f", rate)
	}
}

func TestWriteToTextfile(t *testing.T) {
	registry := prometheus.NewRegistry()
	wrapper := NewWrapper(NewWithRegistry(registry))
	wrapper.FoldEvaluated("LogisticRegression", time.Millisecond)

	path := filepath.Join(t.TempDir(), "pvc.prom")
	if err := prometheus.WriteToTextfile(path, registry); err != nil {
		t.Fatalf("Failed to write textfile: %v", err)
	}
}

func TestNewWithRegistry_DuplicatePanics(t *testing.T) {
	registry := prometheus.NewRegistry()
	NewWithRegistry(registry)

	defer func() {
		if recover() == nil {
			t.Error("Expected panic on duplicate registration")
		}
	}()
	NewWithRegistry(registry)
}
