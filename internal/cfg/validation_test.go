package cfg

import (
	"strings"
	"testing"
	"time"
)

// createValidSettings creates a valid Settings struct for testing
func createValidSettings() *Settings {
	return &Settings{
		OutputsDir:          "outputs",
		FeaturesDir:         "outputs/features",
		ModelsDir:           "outputs/models",
		DataPath:            "outputs/db",
		FeatureSet:          "baseline",
		Seed:                42,
		NFolds:              5,
		PermutationRepeats:  10,
		PermutationScoring:  "accuracy",
		TopN:                20,
		Jobs:                4,
		ExtractorURL:        "http://127.0.0.1:8090",
		ExtractorTimeout:    time.Minute,
		InferenceModel:      "RandomForest",
		InferenceTask:       "ReadText",
		InferenceFeatureSet: "baseline",
		MetricsPort:         8080,
	}
}

func TestValidateSettings_ValidConfig(t *testing.T) {
	if err := validateSettings(createValidSettings()); err != nil {
		t.Errorf("Expected valid config to pass, got error: %v", err)
	}
}

func TestValidateSettings_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(s *Settings)
		wantMsg string
	}{
		{"empty outputs dir", func(s *Settings) { s.OutputsDir = "" }, "directories cannot be empty"},
		{"unknown feature set", func(s *Settings) { s.FeatureSet = "mfcc" }, "feature set"},
		{"unknown inference feature set", func(s *Settings) { s.InferenceFeatureSet = "" }, "inference"},
		{"one fold", func(s *Settings) { s.NFolds = 1 }, "number of folds"},
		{"too many folds", func(s *Settings) { s.NFolds = 50 }, "number of folds"},
		{"zero repeats", func(s *Settings) { s.PermutationRepeats = 0 }, "permutation repeats"},
		{"unknown scoring", func(s *Settings) { s.PermutationScoring = "log_loss" }, "permutation scoring"},
		{"zero top-N", func(s *Settings) { s.TopN = 0 }, "top-N"},
		{"zero jobs", func(s *Settings) { s.Jobs = 0 }, "jobs"},
		{"too many jobs", func(s *Settings) { s.Jobs = 500 }, "jobs"},
		{"empty extractor URL", func(s *Settings) { s.ExtractorURL = "" }, "extractor URL"},
		{"short timeout", func(s *Settings) { s.ExtractorTimeout = time.Millisecond }, "extractor timeout"},
		{"unknown model", func(s *Settings) { s.InferenceModel = "KNN" }, "inference model"},
		{"unknown task", func(s *Settings) { s.InferenceTask = "Vowels" }, "inference task"},
		{"privileged port", func(s *Settings) { s.MetricsPort = 80 }, "metrics port"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			settings := createValidSettings()
			tt.mutate(settings)

			err := validateSettings(settings)
			if err == nil {
				t.Fatal("Expected validation error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantMsg) {
				t.Errorf("Expected error containing %q, got %v", tt.wantMsg, err)
			}
		})
	}
}

func TestValidateSettings_AllScorers(t *testing.T) {
	for _, scoring := range []string{"accuracy", "balanced_accuracy", "precision", "recall", "f1", "roc_auc"} {
		settings := createValidSettings()
		settings.PermutationScoring = scoring
		if err := validateSettings(settings); err != nil {
			t.Errorf("Expected scoring %s to be accepted, got %v", scoring, err)
		}
	}
}
