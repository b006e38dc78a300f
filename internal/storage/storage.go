// Package storage keeps a small registry of evaluation runs and trained
// artifacts in BoltDB, so past results can be listed without re-reading
// the CSV reports.
package storage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"
)

const (
	runsBucket      = "runs"      // evaluation runs keyed by dataset and time
	artifactsBucket = "artifacts" // trained artifacts keyed by model, task, feature set and time

	dbFileName = "pd-voice.db"
)

// MetricSummary is one aggregated metric of a run. Mean and Std are nil
// when the aggregate is undefined (NaN).
type MetricSummary struct {
	Model  string   `json:"model"`
	Metric string   `json:"metric"`
	Mean   *float64 `json:"mean"`
	Std    *float64 `json:"std"`
}

// NewMetricSummary builds a MetricSummary, mapping NaN to nil.
func NewMetricSummary(model, metric string, mean, std float64) MetricSummary {
	return MetricSummary{Model: model, Metric: metric, Mean: finite(mean), Std: finite(std)}
}

// RunRecord describes one cross-validation or importance run.
type RunRecord struct {
	ID         string          `json:"id"`
	Dataset    string          `json:"dataset"`
	Kind       string          `json:"kind"`
	FeatureSet string          `json:"feature_set"`
	Weighted   bool            `json:"weighted"`
	UseGroups  bool            `json:"use_groups"`
	Seed       int64           `json:"seed"`
	NFolds     int             `json:"n_folds"`
	Rows       int             `json:"rows"`
	Models     []string        `json:"models"`
	OutputDir  string          `json:"output_dir"`
	Summary    []MetricSummary `json:"summary,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
}

// ArtifactRecord indexes a trained artifact on disk.
type ArtifactRecord struct {
	Path            string    `json:"path"`
	ModelName       string    `json:"model_name"`
	Task            string    `json:"task"`
	FeatureSet      string    `json:"feature_set"`
	FeatureCount    int       `json:"feature_count"`
	TrainingSamples int       `json:"training_samples"`
	Version         string    `json:"version"`
	TrainedAt       time.Time `json:"trained_at"`
}

// Store provides persistent storage for run and artifact records using BoltDB.
type Store struct {
	db *bbolt.DB
}

// New opens (or creates) the database under dataPath and makes sure the
// buckets exist.
func New(dataPath string) (*Store, error) {
	dbPath := filepath.Join(dataPath, dbFileName)

	db, err := bbolt.Open(dbPath, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(runsBucket)); err != nil {
			return fmt.Errorf("create runs bucket: %w", err)
		}
		if _, err := tx.CreateBucketIfNotExists([]byte(artifactsBucket)); err != nil {
			return fmt.Errorf("create artifacts bucket: %w", err)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// Close closes the database. Closing twice is harmless.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// StoreRun saves a run under "dataset_timestamp" and returns its ID. A
// zero Timestamp is set to now and an empty ID gets a fresh UUID.
func (s *Store) StoreRun(run RunRecord) (string, error) {
	if run.Dataset == "" {
		return "", fmt.Errorf("store run: empty dataset name")
	}
	if run.Timestamp.IsZero() {
		run.Timestamp = time.Now().UTC()
	}
	if run.ID == "" {
		run.ID = uuid.New().String()
	}

	return run.ID, s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(runsBucket))

		data, err := json.Marshal(run)
		if err != nil {
			return fmt.Errorf("marshal run: %w", err)
		}
		return b.Put(timeKey(run.Dataset, run.Timestamp), data)
	})
}

// GetRuns returns the runs recorded for a dataset, oldest first.
func (s *Store) GetRuns(dataset string) ([]RunRecord, error) {
	var runs []RunRecord
	err := s.scanPrefix(runsBucket, dataset+"_", func(v []byte) error {
		var r RunRecord
		if err := json.Unmarshal(v, &r); err != nil {
			return nil // skip malformed records
		}
		if r.Dataset == dataset {
			runs = append(runs, r)
		}
		return nil
	})
	return runs, err
}

// StoreArtifact indexes a trained artifact. A zero TrainedAt is set to now.
func (s *Store) StoreArtifact(rec ArtifactRecord) error {
	if rec.ModelName == "" || rec.Task == "" || rec.FeatureSet == "" {
		return fmt.Errorf("store artifact: model, task and feature set are required")
	}
	if rec.TrainedAt.IsZero() {
		rec.TrainedAt = time.Now().UTC()
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(artifactsBucket))

		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshal artifact: %w", err)
		}
		return b.Put(timeKey(artifactPrefix(rec.ModelName, rec.Task, rec.FeatureSet), rec.TrainedAt), data)
	})
}

// ListArtifacts returns every indexed artifact in key order.
func (s *Store) ListArtifacts() ([]ArtifactRecord, error) {
	var out []ArtifactRecord
	err := s.scanPrefix(artifactsBucket, "", func(v []byte) error {
		var r ArtifactRecord
		if err := json.Unmarshal(v, &r); err != nil {
			return nil
		}
		out = append(out, r)
		return nil
	})
	return out, err
}

// LatestArtifact returns the most recently trained artifact for the
// combination, or false when none was recorded.
func (s *Store) LatestArtifact(model, task, featureSet string) (ArtifactRecord, bool, error) {
	var latest ArtifactRecord
	found := false
	prefix := artifactPrefix(model, task, featureSet)

	err := s.scanPrefix(artifactsBucket, prefix+"_", func(v []byte) error {
		var r ArtifactRecord
		if err := json.Unmarshal(v, &r); err != nil {
			return nil
		}
		if r.ModelName != model || r.Task != task || r.FeatureSet != featureSet {
			return nil
		}
		latest, found = r, true
		return nil
	})
	return latest, found, err
}

// scanPrefix walks keys starting with prefix in ascending order.
func (s *Store) scanPrefix(bucketName, prefix string, fn func(v []byte) error) error {
	return s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket([]byte(bucketName)).Cursor()
		p := []byte(prefix)

		for k, v := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, v = c.Next() {
			if err := fn(v); err != nil {
				return err
			}
		}
		return nil
	})
}

func artifactPrefix(model, task, featureSet string) string {
	return model + "_" + task + "_" + featureSet
}

// Zero-padded nanoseconds keep lexical and chronological order equal.
func timeKey(prefix string, ts time.Time) []byte {
	return []byte(fmt.Sprintf("%s_%020d", prefix, ts.UnixNano()))
}

func finite(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}
