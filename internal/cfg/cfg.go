package cfg

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"time"

	"pd-voice/internal/common"
	"pd-voice/internal/eval"
	"pd-voice/internal/ml"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Settings struct {
	OutputsDir  string
	FeaturesDir string
	ModelsDir   string
	DataPath    string
	MDVRDir     string
	PDSpeechCSV string

	FeatureSet          string
	Seed                int64
	NFolds              int
	ClassWeightBalanced bool
	PermutationRepeats  int
	PermutationScoring  string
	TopN                int
	Jobs                int

	ExtractorURL     string
	ExtractorTimeout time.Duration

	InferenceModel      string
	InferenceTask       string
	InferenceFeatureSet string

	MetricsPort int
}

type ConfigFile struct {
	Paths struct {
		Outputs     string `yaml:"outputs"`
		Features    string `yaml:"features"`
		Models      string `yaml:"models"`
		Data        string `yaml:"data"`
		MDVRDir     string `yaml:"mdvrDir"`
		PDSpeechCSV string `yaml:"pdSpeechCSV"`
	} `yaml:"paths"`

	Experiment struct {
		FeatureSet          string `yaml:"featureSet"`
		Seed                int64  `yaml:"seed"`
		NFolds              int    `yaml:"nFolds"`
		ClassWeightBalanced bool   `yaml:"classWeightBalanced"`
		PermutationRepeats  int    `yaml:"permutationRepeats"`
		PermutationScoring  string `yaml:"permutationScoring"`
		TopN                int    `yaml:"topN"`
		Jobs                int    `yaml:"jobs"`
	} `yaml:"experiment"`

	Extractor struct {
		URL     string `yaml:"url"`
		Timeout string `yaml:"timeout"`
	} `yaml:"extractor"`

	Inference struct {
		Model      string `yaml:"model"`
		Task       string `yaml:"task"`
		FeatureSet string `yaml:"featureSet"`
	} `yaml:"inference"`

	System struct {
		MetricsPort int `yaml:"metricsPort"`
	} `yaml:"system"`
}

// Load reads an optional .env file, then the YAML file named by
// CONFIG_FILE if set, and finally applies environment overrides.
func Load() (Settings, error) {
	if err := loadDotEnv(); err != nil {
		return Settings{}, err
	}

	if configPath := os.Getenv(common.EnvConfigFile); configPath != "" {
		return loadFromYAML(configPath)
	}

	return loadFromEnv()
}

// Variables already present in the environment win over .env entries.
func loadDotEnv() error {
	path := getEnvOrDefault("ENV_FILE", ".env")
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

func loadFromYAML(path string) (Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var config ConfigFile
	if err := yaml.Unmarshal(data, &config); err != nil {
		return Settings{}, fmt.Errorf("failed to parse config file: %w", err)
	}

	timeout, err := time.ParseDuration(config.Extractor.Timeout)
	if err != nil {
		timeout = 60 * time.Second
	}

	p, e, x, inf := config.Paths, config.Experiment, config.Extractor, config.Inference
	settings := Settings{
		OutputsDir:  getEnvOrDefault(common.EnvOutputsDir, orDefault(p.Outputs, common.DefaultOutputsDir)),
		FeaturesDir: getEnvOrDefault(common.EnvFeaturesDir, orDefault(p.Features, common.DefaultFeaturesDir)),
		ModelsDir:   getEnvOrDefault(common.EnvModelsDir, orDefault(p.Models, common.DefaultModelsDir)),
		DataPath:    getEnvOrDefault(common.EnvDataPath, orDefault(p.Data, common.DefaultDataPath)),
		MDVRDir:     getEnvOrDefault(common.EnvMDVRDir, orDefault(p.MDVRDir, common.DefaultMDVRDir)),
		PDSpeechCSV: getEnvOrDefault(common.EnvPDSpeechCSV, orDefault(p.PDSpeechCSV, common.DefaultPDSpeechCSV)),

		FeatureSet:          getEnvOrDefault(common.EnvFeatureSet, orDefault(e.FeatureSet, common.FeatureSetBaseline)),
		Seed:                int64(getIntFromEnvOrConfig(common.EnvRandomSeed, int(e.Seed), common.DefaultRandomSeed)),
		NFolds:              getIntFromEnvOrConfig(common.EnvNFolds, e.NFolds, common.DefaultNFolds),
		ClassWeightBalanced: getBoolFromEnvOrConfig(common.EnvClassWeight, e.ClassWeightBalanced),
		PermutationRepeats:  getIntFromEnvOrConfig(common.EnvPermutationRepeats, e.PermutationRepeats, common.DefaultPermutationRepeats),
		PermutationScoring:  getEnvOrDefault(common.EnvPermutationScoring, orDefault(e.PermutationScoring, common.DefaultPermutationScoring)),
		TopN:                getIntFromEnvOrConfig(common.EnvTopN, e.TopN, common.DefaultTopN),
		Jobs:                getIntFromEnvOrConfig(common.EnvJobs, e.Jobs, DefaultJobs()),

		ExtractorURL:     getEnvOrDefault(common.EnvExtractorURL, orDefault(x.URL, common.DefaultExtractorURL)),
		ExtractorTimeout: getDurationOrDefault(common.EnvExtractorTimeout, timeout),

		InferenceModel:      getEnvOrDefault(common.EnvInferenceModel, orDefault(inf.Model, common.ModelRandomForest)),
		InferenceTask:       getEnvOrDefault(common.EnvInferenceTask, orDefault(inf.Task, common.TaskReadText)),
		InferenceFeatureSet: getEnvOrDefault(common.EnvInferenceFeatureSet, orDefault(inf.FeatureSet, common.FeatureSetBaseline)),

		MetricsPort: getIntFromEnvOrConfig(common.EnvMetricsPort, config.System.MetricsPort, common.DefaultMetricsPort),
	}

	if err := validateSettings(&settings); err != nil {
		return Settings{}, fmt.Errorf("configuration validation failed: %w", err)
	}

	return settings, nil
}

func loadFromEnv() (Settings, error) {
	settings := Settings{
		OutputsDir:  getEnvOrDefault(common.EnvOutputsDir, common.DefaultOutputsDir),
		FeaturesDir: getEnvOrDefault(common.EnvFeaturesDir, common.DefaultFeaturesDir),
		ModelsDir:   getEnvOrDefault(common.EnvModelsDir, common.DefaultModelsDir),
		DataPath:    getEnvOrDefault(common.EnvDataPath, common.DefaultDataPath),
		MDVRDir:     getEnvOrDefault(common.EnvMDVRDir, common.DefaultMDVRDir),
		PDSpeechCSV: getEnvOrDefault(common.EnvPDSpeechCSV, common.DefaultPDSpeechCSV),

		FeatureSet:          getEnvOrDefault(common.EnvFeatureSet, common.FeatureSetBaseline),
		Seed:                int64(getIntOrDefault(common.EnvRandomSeed, common.DefaultRandomSeed)),
		NFolds:              getIntOrDefault(common.EnvNFolds, common.DefaultNFolds),
		ClassWeightBalanced: getBoolOrDefault(common.EnvClassWeight, false),
		PermutationRepeats:  getIntOrDefault(common.EnvPermutationRepeats, common.DefaultPermutationRepeats),
		PermutationScoring:  getEnvOrDefault(common.EnvPermutationScoring, common.DefaultPermutationScoring),
		TopN:                getIntOrDefault(common.EnvTopN, common.DefaultTopN),
		Jobs:                getIntOrDefault(common.EnvJobs, DefaultJobs()),

		ExtractorURL:     getEnvOrDefault(common.EnvExtractorURL, common.DefaultExtractorURL),
		ExtractorTimeout: getDurationOrDefault(common.EnvExtractorTimeout, 60*time.Second),

		InferenceModel:      getEnvOrDefault(common.EnvInferenceModel, common.ModelRandomForest),
		InferenceTask:       getEnvOrDefault(common.EnvInferenceTask, common.TaskReadText),
		InferenceFeatureSet: getEnvOrDefault(common.EnvInferenceFeatureSet, common.FeatureSetBaseline),

		MetricsPort: getIntOrDefault(common.EnvMetricsPort, common.DefaultMetricsPort),
	}

	if err := validateSettings(&settings); err != nil {
		return Settings{}, fmt.Errorf("configuration validation failed: %w", err)
	}

	return settings, nil
}

// DefaultJobs is min(15, cpus-1), and at least 1.
func DefaultJobs() int {
	n := runtime.NumCPU() - 1
	if n > 15 {
		n = 15
	}
	if n < 1 {
		n = 1
	}
	return n
}

// FeaturesOutputDir is where extracted tables for the configured feature set live.
func (s Settings) FeaturesOutputDir() string {
	return filepath.Join(s.FeaturesDir, s.FeatureSet)
}

// FeatureTablePath is the extracted table for one task.
func (s Settings) FeatureTablePath(task string) string {
	return filepath.Join(s.FeaturesOutputDir(), task+".csv")
}

// ResultsDir separates unweighted and class-weighted runs.
func (s Settings) ResultsDir() string {
	variant := "baseline"
	if s.ClassWeightBalanced {
		variant = "weighted"
	}
	return filepath.Join(s.OutputsDir, "results", variant)
}

// InferenceModelPath is the default artifact served by pvc-predict and pvc-serve.
func (s Settings) InferenceModelPath() string {
	return filepath.Join(s.ModelsDir, ml.ArtifactFileName(s.InferenceModel, s.InferenceTask, s.InferenceFeatureSet))
}

func getEnvOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func orDefault(v, defaultValue string) string {
	if v != "" {
		return v
	}
	return defaultValue
}

func getDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultValue
}

func getIntOrDefault(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultValue
}

func getBoolOrDefault(key string, defaultValue bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultValue
}

func getIntFromEnvOrConfig(key string, configValue, defaultValue int) int {
	if env := os.Getenv(key); env != "" {
		if val, err := strconv.Atoi(env); err == nil {
			return val
		}
	}
	if configValue != 0 {
		return configValue
	}
	return defaultValue
}

func getBoolFromEnvOrConfig(key string, configValue bool) bool {
	if env := os.Getenv(key); env != "" {
		if val, err := strconv.ParseBool(env); err == nil {
			return val
		}
	}
	return configValue
}

// validateSettings checks every value a run depends on before any work starts.
func validateSettings(settings *Settings) error {
	if settings.OutputsDir == "" || settings.FeaturesDir == "" || settings.ModelsDir == "" {
		return fmt.Errorf("outputs, features and models directories cannot be empty")
	}

	if err := validateFeatureSet(settings.FeatureSet); err != nil {
		return err
	}
	if err := validateFeatureSet(settings.InferenceFeatureSet); err != nil {
		return fmt.Errorf("inference: %w", err)
	}

	if settings.NFolds < common.MinFolds || settings.NFolds > common.MaxFolds {
		return fmt.Errorf("number of folds must be between %d and %d, got %d", common.MinFolds, common.MaxFolds, settings.NFolds)
	}
	if settings.PermutationRepeats < 1 || settings.PermutationRepeats > common.MaxPermutationRep {
		return fmt.Errorf("permutation repeats must be between 1 and %d, got %d", common.MaxPermutationRep, settings.PermutationRepeats)
	}
	if _, err := eval.NewScorer(settings.PermutationScoring); err != nil {
		return fmt.Errorf("permutation scoring: %w", err)
	}
	if settings.TopN < 1 {
		return fmt.Errorf("top-N must be positive, got %d", settings.TopN)
	}
	if settings.Jobs < 1 || settings.Jobs > common.MaxJobs {
		return fmt.Errorf("jobs must be between 1 and %d, got %d", common.MaxJobs, settings.Jobs)
	}

	if settings.ExtractorURL == "" {
		return fmt.Errorf("extractor URL cannot be empty")
	}
	if settings.ExtractorTimeout < time.Second || settings.ExtractorTimeout > 10*time.Minute {
		return fmt.Errorf("extractor timeout must be between 1s and 10m, got %v", settings.ExtractorTimeout)
	}

	if !isKnownModel(settings.InferenceModel) {
		return fmt.Errorf("unknown inference model %q", settings.InferenceModel)
	}
	if settings.InferenceTask != common.TaskReadText && settings.InferenceTask != common.TaskSpontaneousDialogue {
		return fmt.Errorf("unknown inference task %q", settings.InferenceTask)
	}

	if settings.MetricsPort < common.MinMetricsPort || settings.MetricsPort > common.MaxMetricsPort {
		return fmt.Errorf("metrics port must be between %d and %d, got %d", common.MinMetricsPort, common.MaxMetricsPort, settings.MetricsPort)
	}

	return nil
}

func validateFeatureSet(set string) error {
	if set != common.FeatureSetBaseline && set != common.FeatureSetExtended {
		return fmt.Errorf("feature set must be %q or %q, got %q", common.FeatureSetBaseline, common.FeatureSetExtended, set)
	}
	return nil
}

func isKnownModel(name string) bool {
	for _, s := range ml.DefaultSpecs() {
		if s.Name == name {
			return true
		}
	}
	return false
}
