package metrics

import "time"

// Wrapper adapts Metrics to the small observer interfaces the eval,
// inference and extract packages depend on, so those packages never
// import Prometheus.
type Wrapper struct {
	m *Metrics
}

func NewWrapper(m *Metrics) *Wrapper {
	return &Wrapper{m: m}
}

// FoldEvaluated implements eval.Observer.
func (w *Wrapper) FoldEvaluated(model string, elapsed time.Duration) {
	w.m.FoldsEvaluated.WithLabelValues(model).Inc()
	w.m.FoldFitDuration.WithLabelValues(model).Observe(elapsed.Seconds())
}

// FileExtracted implements extract.Observer.
func (w *Wrapper) FileExtracted(elapsed time.Duration, err error) {
	w.m.ExtractionFiles.Inc()
	w.m.ExtractionDuration.Observe(elapsed.Seconds())
	if err != nil {
		w.m.ExtractionFailures.Inc()
	}
}

// The methods below implement inference.MetricsInterface.

func (w *Wrapper) InferencePredictionsInc() {
	w.m.InferencePredictions.Inc()
}

func (w *Wrapper) InferenceFailuresInc(kind string) {
	w.m.InferenceFailures.WithLabelValues(kind).Inc()
}

func (w *Wrapper) InferenceLatencyObserve(seconds float64) {
	w.m.InferenceLatency.Observe(seconds)
}

func (w *Wrapper) ModelLoadsInc() {
	w.m.ModelLoads.Inc()
}

func (w *Wrapper) ModelCacheHitsInc() {
	w.m.ModelCacheHits.Inc()
}
