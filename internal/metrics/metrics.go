// Package metrics provides Prometheus metrics for evaluation runs, feature
// extraction and inference. Commands either expose them over /metrics or
// write a textfile snapshot when a batch finishes.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics of the engine.
type Metrics struct {
	// Cross-validation metrics
	FoldsEvaluated  *prometheus.CounterVec   // Folds fitted and scored, by model
	FoldFitDuration *prometheus.HistogramVec // Fit + predict time per fold, by model

	// Inference metrics
	InferencePredictions prometheus.Counter     // Successful predictions
	InferenceFailures    *prometheus.CounterVec // Failed predictions, by error kind
	InferenceLatency     prometheus.Histogram   // End-to-end prediction latency
	ModelLoads           prometheus.Counter     // Artifacts read from disk
	ModelCacheHits       prometheus.Counter     // Artifacts served from the cache

	// Extraction metrics
	ExtractionFiles    prometheus.Counter   // Files sent to the feature service
	ExtractionFailures prometheus.Counter   // Files whose extraction failed
	ExtractionDuration prometheus.Histogram // Per-file extraction time
}

// New creates and registers all metrics on the default registry.
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates metrics with a custom registry (useful for testing).
func NewWithRegistry(registerer prometheus.Registerer) *Metrics {
	factory := promauto.With(registerer)
	return &Metrics{
		FoldsEvaluated: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pvc_cv_folds_evaluated_total",
			Help: "Total number of cross-validation folds fitted and scored",
		}, []string{"model"}),
		FoldFitDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pvc_cv_fold_duration_seconds",
			Help:    "Time to fit and score one fold in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
		}, []string{"model"}),
		InferencePredictions: factory.NewCounter(prometheus.CounterOpts{
			Name: "pvc_inference_predictions_total",
			Help: "Total number of successful predictions",
		}),
		InferenceFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pvc_inference_failures_total",
			Help: "Total number of failed predictions by error kind",
		}, []string{"kind"}),
		InferenceLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "pvc_inference_latency_seconds",
			Help:    "Prediction latency in seconds (extraction included)",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
		}),
		ModelLoads: factory.NewCounter(prometheus.CounterOpts{
			Name: "pvc_model_loads_total",
			Help: "Total number of artifacts loaded from disk",
		}),
		ModelCacheHits: factory.NewCounter(prometheus.CounterOpts{
			Name: "pvc_model_cache_hits_total",
			Help: "Total number of artifact cache hits",
		}),
		ExtractionFiles: factory.NewCounter(prometheus.CounterOpts{
			Name: "pvc_extraction_files_total",
			Help: "Total number of audio files processed by the feature service",
		}),
		ExtractionFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "pvc_extraction_failures_total",
			Help: "Total number of audio files whose extraction failed",
		}),
		ExtractionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "pvc_extraction_duration_seconds",
			Help:    "Per-file feature extraction time in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
	}
}

// ExtractionFailureRate reads the extraction counters from a gatherer and
// returns failures over files, or 0 before any file was processed.
func ExtractionFailureRate(gatherer prometheus.Gatherer) float64 {
	var files, failures float64

	metricFamilies, err := gatherer.Gather()
	if err != nil {
		return 0
	}

	for _, mf := range metricFamilies {
		switch mf.GetName() {
		case "pvc_extraction_files_total":
			for _, m := range mf.Metric {
				files = m.GetCounter().GetValue()
			}
		case "pvc_extraction_failures_total":
			for _, m := range mf.Metric {
				failures = m.GetCounter().GetValue()
			}
		}
	}

	if files == 0 {
		return 0
	}
	return failures / files
}
