// Package server exposes the inference service over HTTP: JSON
// predictions, artifact metadata, health and Prometheus metrics.
package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"pd-voice/internal/inference"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

const defaultRequestTimeout = 2 * time.Minute

// ModelServer provides the HTTP API for model predictions
type ModelServer struct {
	svc            *inference.Service
	gatherer       prometheus.Gatherer
	requestTimeout time.Duration
	server         *http.Server
}

// PredictionRequest represents the incoming prediction request
type PredictionRequest struct {
	AudioPath string `json:"audio_path"`
	Task      string `json:"task,omitempty"`
	ModelPath string `json:"model_path,omitempty"`
}

// PredictionResponse wraps a prediction with request bookkeeping.
type PredictionResponse struct {
	*inference.Result
	Latency   float64   `json:"latency_ms"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorResponse is returned for every failed request.
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

// NewModelServer creates a server on port. A nil gatherer serves the
// default Prometheus registry.
func NewModelServer(svc *inference.Service, port int, gatherer prometheus.Gatherer) *ModelServer {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	ms := &ModelServer{
		svc:            svc,
		gatherer:       gatherer,
		requestTimeout: defaultRequestTimeout,
	}

	ms.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      ms.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: ms.requestTimeout + 10*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return ms
}

// Handler returns the routing table; tests serve it with httptest.
func (ms *ModelServer) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/predict", ms.handlePredict).Methods("POST")
	r.HandleFunc("/health", ms.handleHealth).Methods("GET")
	r.HandleFunc("/model/info", ms.handleModelInfo).Methods("GET")
	r.Handle("/metrics", promhttp.HandlerFor(ms.gatherer, promhttp.HandlerOpts{})).Methods("GET")
	return r
}

// Start begins serving HTTP requests
func (ms *ModelServer) Start() error {
	log.Info().Str("addr", ms.server.Addr).Msg("starting model server")
	if err := ms.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server
func (ms *ModelServer) Shutdown(ctx context.Context) error {
	return ms.server.Shutdown(ctx)
}

func (ms *ModelServer) handlePredict(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var req PredictionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: fmt.Sprintf("invalid request: %v", err), Kind: "bad_request"})
		return
	}
	if req.AudioPath == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "audio_path cannot be empty", Kind: "bad_request"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), ms.requestTimeout)
	defer cancel()

	res, err := ms.svc.Predict(ctx, req.AudioPath, req.Task, req.ModelPath)
	if err != nil {
		log.Error().Err(err).Str("audio", req.AudioPath).Msg("prediction failed")
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, PredictionResponse{
		Result:    res,
		Latency:   float64(time.Since(start).Microseconds()) / 1000,
		Timestamp: time.Now(),
	})
}

// handleHealth reports 503 while the default artifact cannot be loaded.
func (ms *ModelServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := map[string]interface{}{
		"status":     "ok",
		"model_path": ms.svc.ModelPath(""),
	}

	status := http.StatusOK
	if _, err := ms.svc.ModelInfo(""); err != nil {
		status = http.StatusServiceUnavailable
		health["status"] = "unavailable"
		health["kind"] = inference.Kind(err)
		health["error"] = inference.Describe(err)
	}

	writeJSON(w, status, health)
}

func (ms *ModelServer) handleModelInfo(w http.ResponseWriter, r *http.Request) {
	md, err := ms.svc.ModelInfo(r.URL.Query().Get("path"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, md)
}

func writeError(w http.ResponseWriter, err error) {
	kind := inference.Kind(err)
	writeJSON(w, statusForKind(kind), ErrorResponse{Error: inference.Describe(err), Kind: kind})
}

func statusForKind(kind string) int {
	switch kind {
	case inference.KindModelNotFound:
		return http.StatusNotFound
	case inference.KindFeatureMismatch:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// writeJSON encodes before writing the header so an encoding failure is
// reported as a 500 instead of a truncated success.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
		buf.Reset()
		status = http.StatusInternalServerError
		fallback := ErrorResponse{Error: fmt.Sprintf("failed to encode response: %v", err), Kind: "encode"}
		if err := json.NewEncoder(&buf).Encode(fallback); err != nil {
			http.Error(w, "failed to encode response", status)
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(buf.Bytes()); err != nil {
		log.Error().Err(err).Msg("failed to write response")
	}
}
