package ml

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"
)

// ModelManager handles the artifacts kept in a models directory.
type ModelManager struct {
	modelsDir string
}

// NewModelManager creates a manager rooted at modelsDir, creating it if needed.
func NewModelManager(modelsDir string) (*ModelManager, error) {
	if err := os.MkdirAll(modelsDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create models directory: %w", err)
	}
	return &ModelManager{modelsDir: modelsDir}, nil
}

// Dir returns the models directory.
func (mm *ModelManager) Dir() string {
	return mm.modelsDir
}

// Path returns where the artifact for (model, task, feature set) lives.
func (mm *ModelManager) Path(model, task, featureSet string) string {
	return filepath.Join(mm.modelsDir, ArtifactFileName(model, task, featureSet))
}

// Save writes an artifact to its canonical path and returns that path.
func (mm *ModelManager) Save(a *Artifact) (string, error) {
	md := a.Metadata
	path := mm.Path(md.ModelName, md.Task, md.FeatureSet)
	if err := a.Save(path); err != nil {
		return "", err
	}

	log.Info().
		Str("path", path).
		Str("model", md.ModelName).
		Int("feature_count", md.FeatureCount).
		Msg("Artifact saved")
	return path, nil
}

// List returns the metadata of every artifact with a readable sidecar,
// newest first.
func (mm *ModelManager) List() ([]Metadata, error) {
	entries, err := os.ReadDir(mm.modelsDir)
	if err != nil {
		return nil, err
	}

	var out []Metadata
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".gob") {
			continue
		}
		md, err := LoadMetadata(filepath.Join(mm.modelsDir, e.Name()))
		if err != nil {
			log.Warn().Err(err).Str("file", e.Name()).Msg("Skipping artifact without metadata")
			continue
		}
		out = append(out, *md)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].TrainedAt.After(out[j].TrainedAt)
	})
	return out, nil
}
