package ml

import (
	"encoding/gob"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"pd-voice/internal/common"

	"github.com/rs/zerolog/log"
)

// Metadata describes how an artifact was trained. FeatureNames is the exact
// column order the pipeline was fitted on.
type Metadata struct {
	ModelName         string         `json:"model_name"`
	Task              string         `json:"task"`
	FeatureSet        string         `json:"feature_set"`
	FeatureCount      int            `json:"feature_count"`
	FeatureNames      []string       `json:"feature_names"`
	TrainingSamples   int            `json:"training_samples"`
	ClassDistribution map[string]int `json:"class_distribution"`
	RandomSeed        int64          `json:"random_seed"`
	TrainedAt         time.Time      `json:"timestamp"`
	Version           string         `json:"version"`
}

// Artifact is a fitted pipeline bundled with its metadata. It is not
// modified after Train or LoadArtifact returns it.
type Artifact struct {
	Pipeline *Pipeline
	Metadata Metadata
}

// ArtifactFileName returns the file name used for a (model, task, feature set) artifact.
func ArtifactFileName(model, task, featureSet string) string {
	return fmt.Sprintf("%s_%s_%s.gob", model, task, featureSet)
}

// MetadataPath returns the JSON sidecar path for an artifact path.
func MetadataPath(artifactPath string) string {
	return strings.TrimSuffix(artifactPath, filepath.Ext(artifactPath)) + "_metadata.json"
}

// Train fits a fresh pipeline of the named family on the full table.
func Train(reg *Registry, model, task, featureSet string, featureNames []string, X [][]float64, y []int) (*Artifact, error) {
	if len(featureNames) == 0 {
		return nil, fmt.Errorf("train %s: no feature names", model)
	}
	for i, row := range X {
		if len(row) != len(featureNames) {
			return nil, fmt.Errorf("train %s: row %d has %d values for %d feature names", model, i, len(row), len(featureNames))
		}
	}

	p, err := reg.Pipeline(model)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	if err := p.Fit(X, y); err != nil {
		return nil, fmt.Errorf("train %s: %w", model, err)
	}

	dist := map[string]int{}
	for _, c := range y {
		dist[common.LabelNames[c]]++
	}

	a := &Artifact{
		Pipeline: p,
		Metadata: Metadata{
			ModelName:         model,
			Task:              task,
			FeatureSet:        featureSet,
			FeatureCount:      len(featureNames),
			FeatureNames:      append([]string(nil), featureNames...),
			TrainingSamples:   len(y),
			ClassDistribution: dist,
			RandomSeed:        reg.Options().Seed,
			TrainedAt:         time.Now().UTC(),
			Version:           common.ArtifactVersion,
		},
	}

	log.Info().
		Str("model", model).
		Str("task", task).
		Str("feature_set", featureSet).
		Int("samples", len(y)).
		Int("features", len(featureNames)).
		Dur("elapsed", time.Since(start)).
		Msg("Model trained")

	return a, nil
}

// Save writes the gob bundle to path and the metadata to its JSON sidecar.
func (a *Artifact) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create model directory: %w", err)
	}

	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer file.Close()

	if err := gob.NewEncoder(file).Encode(a); err != nil {
		return fmt.Errorf("failed to encode artifact: %w", err)
	}

	data, err := json.MarshalIndent(a.Metadata, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	if err := os.WriteFile(MetadataPath(path), data, 0o644); err != nil {
		return fmt.Errorf("failed to write metadata: %w", err)
	}

	return nil
}

// LoadArtifact decodes an artifact written by Save. A missing file yields an
// error wrapping os.ErrNotExist.
func LoadArtifact(path string) (*Artifact, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open artifact: %w", err)
	}
	defer file.Close()

	var a Artifact
	if err := gob.NewDecoder(file).Decode(&a); err != nil {
		return nil, fmt.Errorf("failed to decode artifact %s: %w", path, err)
	}
	if a.Pipeline == nil || a.Pipeline.Classifier == nil || a.Pipeline.Scaler == nil {
		return nil, fmt.Errorf("artifact %s holds no fitted pipeline", path)
	}
	if a.Metadata.FeatureCount != len(a.Pipeline.Scaler.Mean) {
		return nil, fmt.Errorf("artifact %s: metadata declares %d features but pipeline was fitted on %d",
			path, a.Metadata.FeatureCount, len(a.Pipeline.Scaler.Mean))
	}
	if n := len(a.Metadata.FeatureNames); n > 0 && n != a.Metadata.FeatureCount {
		return nil, fmt.Errorf("artifact %s: %d feature names for feature_count %d", path, n, a.Metadata.FeatureCount)
	}

	return &a, nil
}

// LoadMetadata reads only the JSON sidecar of an artifact.
func LoadMetadata(artifactPath string) (*Metadata, error) {
	data, err := os.ReadFile(MetadataPath(artifactPath))
	if err != nil {
		return nil, err
	}
	var md Metadata
	if err := json.Unmarshal(data, &md); err != nil {
		return nil, fmt.Errorf("failed to parse metadata for %s: %w", artifactPath, err)
	}
	return &md, nil
}
