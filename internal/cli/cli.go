// Package cli holds the plumbing shared by the pvc-* commands: logging
// setup, optional persistence and the datasets an evaluation run covers.
package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"pd-voice/internal/cfg"
	"pd-voice/internal/common"
	"pd-voice/internal/dataset"
	"pd-voice/internal/eval"
	"pd-voice/internal/ml"
	"pd-voice/internal/storage"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Dataset names used in reports and the run registry.
const (
	DatasetMDVR     = "MDVR-KCL"
	DatasetPDSpeech = "PD_SPEECH_FEATURES"
)

// SetupLogging configures the global logger for a console.
func SetupLogging(logLevel string) {
	level, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
}

// WriteMetricsFile snapshots the registry in text exposition format. An
// empty path does nothing.
func WriteMetricsFile(path string, gatherer prometheus.Gatherer) {
	if path == "" {
		return
	}
	if err := prometheus.WriteToTextfile(path, gatherer); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("failed to write metrics file")
		return
	}
	log.Info().Str("path", path).Msg("Metrics written")
}

// OpenStore opens the run registry, or returns nil when persistence is
// unavailable. Commands keep working without it.
func OpenStore(c cfg.Settings) *storage.Store {
	if c.DataPath == "" {
		return nil
	}
	if err := os.MkdirAll(c.DataPath, 0o755); err != nil {
		log.Warn().Err(err).Msg("storage directory unavailable, continuing without persistence")
		return nil
	}
	store, err := storage.New(c.DataPath)
	if err != nil {
		log.Warn().Err(err).Msg("storage initialization failed, continuing without persistence")
		return nil
	}
	return store
}

// Dataset is one table an evaluation command runs on.
type Dataset struct {
	Name      string
	Task      string
	Table     *dataset.Table
	UseGroups bool
}

// Key identifies the dataset in file prefixes and the run registry.
func (d Dataset) Key() string {
	if d.Task != "" {
		return d.Task
	}
	return "pd_speech"
}

// Input converts the table to a CV input, attaching groups only for
// subject-grouped runs.
func (d Dataset) Input() eval.Input {
	in := eval.Input{X: d.Table.X, Y: d.Table.Y}
	if d.UseGroups {
		in.Groups = d.Table.Groups
	}
	return in
}

// LoadDatasets loads the MDVR-KCL task tables for the configured feature
// set and the pre-extracted PD speech table. Tables that were never
// extracted are skipped with a warning; rows with missing values are
// dropped. only restricts loading to one task or "pd_speech".
func LoadDatasets(c cfg.Settings, only string) ([]Dataset, error) {
	var out []Dataset

	for _, task := range []string{common.TaskReadText, common.TaskSpontaneousDialogue} {
		if only != "" && only != task {
			continue
		}
		tbl, err := dataset.LoadFeatureTable(c.FeatureTablePath(task))
		if errors.Is(err, os.ErrNotExist) {
			log.Warn().Err(err).Str("task", task).Msg("Skipped")
			continue
		}
		if err != nil {
			return nil, err
		}
		clean := DropIncomplete(tbl, task)
		subjects, labels, err := clean.GroupLabels()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", task, err)
		}
		pdSubjects := 0
		for _, y := range labels {
			pdSubjects += y
		}
		log.Info().
			Str("task", task).
			Int("subjects", len(subjects)).
			Int("pd_subjects", pdSubjects).
			Msg("Loaded feature table")
		out = append(out, Dataset{Name: DatasetMDVR, Task: task, Table: clean, UseGroups: true})
	}

	if only == "" || only == "pd_speech" {
		tbl, err := dataset.LoadPDSpeech(c.PDSpeechCSV)
		if errors.Is(err, os.ErrNotExist) {
			log.Warn().Err(err).Msg("Skipped PD speech dataset")
		} else if err != nil {
			return nil, err
		} else {
			out = append(out, Dataset{Name: DatasetPDSpeech, Table: DropIncomplete(tbl, "pd_speech")})
		}
	}

	if len(out) == 0 {
		return nil, fmt.Errorf("no dataset available; run 'pvc-extract --task <task>' or set %s", common.EnvPDSpeechCSV)
	}
	return out, nil
}

// DropIncomplete removes rows with missing values, logging the dropped
// files and how often each feature was missing.
func DropIncomplete(tbl *dataset.Table, name string) *dataset.Table {
	missing := tbl.MissingByFeature()
	clean, dropped := tbl.DropIncomplete()
	if len(dropped) == 0 {
		return clean
	}

	names := make([]string, 0, len(missing))
	for f := range missing {
		names = append(names, f)
	}
	sort.Strings(names)
	perFeature := zerolog.Dict()
	for _, f := range names {
		perFeature.Int(f, missing[f])
	}

	log.Warn().
		Str("dataset", name).
		Int("dropped", len(dropped)).
		Strs("files", dropped).
		Dict("missing_by_feature", perFeature).
		Msg("Dropped rows with missing features")
	return clean
}

// PrintSummary writes "model / metric: mean ± std" lines to stdout.
func PrintSummary(title string, summary []eval.ResultSummary) {
	fmt.Printf("\n%s\n", title)
	last := ""
	for _, s := range summary {
		if s.Model != last {
			fmt.Printf("\n  %s:\n", s.Model)
			last = s.Model
		}
		fmt.Printf("    %-12s: %s\n", s.Metric, s.MeanStd)
	}
}

// RunSummary converts evaluation summaries for the run registry.
func RunSummary(summary []eval.ResultSummary) []storage.MetricSummary {
	out := make([]storage.MetricSummary, len(summary))
	for i, s := range summary {
		out[i] = storage.NewMetricSummary(s.Model, s.Metric, s.Mean, s.Std)
	}
	return out
}

// ResolveModelPath returns the most recently indexed artifact for the
// combination, or "" when the registry has none or its file is gone.
func ResolveModelPath(store *storage.Store, model, task, featureSet string) string {
	if store == nil {
		return ""
	}
	rec, ok, err := store.LatestArtifact(model, task, featureSet)
	if err != nil {
		log.Warn().Err(err).Msg("artifact registry lookup failed")
		return ""
	}
	if !ok {
		return ""
	}
	if _, err := os.Stat(rec.Path); err != nil {
		log.Warn().Str("path", rec.Path).Msg("Indexed artifact is missing on disk, using default path")
		return ""
	}
	log.Debug().Str("path", rec.Path).Time("trained_at", rec.TrainedAt).Msg("Using latest indexed artifact")
	return rec.Path
}

// PrintArtifacts lists the artifacts in the models directory, newest
// first, followed by the training history kept in the registry.
func PrintArtifacts(w io.Writer, onDisk []ml.Metadata, indexed []storage.ArtifactRecord) {
	fmt.Fprintf(w, "Artifacts on disk: %d\n", len(onDisk))
	for _, md := range onDisk {
		fmt.Fprintf(w, "  %-20s %-20s %-9s %3d features  %4d samples  %s\n",
			md.ModelName, md.Task, md.FeatureSet, md.FeatureCount, md.TrainingSamples,
			md.TrainedAt.Format("2006-01-02 15:04"))
	}
	if indexed == nil {
		return
	}
	fmt.Fprintf(w, "\nTraining history: %d\n", len(indexed))
	for _, r := range indexed {
		fmt.Fprintf(w, "  %s  %-20s %-20s %-9s %s\n",
			r.TrainedAt.Format("2006-01-02 15:04"), r.ModelName, r.Task, r.FeatureSet, r.Path)
	}
}

// PrintRunHistory lists the recorded runs of one dataset with the mean
// accuracy of every model.
func PrintRunHistory(w io.Writer, key string, runs []storage.RunRecord) {
	fmt.Fprintf(w, "%s: %d runs\n", key, len(runs))
	for _, r := range runs {
		weighting := "baseline"
		if r.Weighted {
			weighting = "weighted"
		}
		fmt.Fprintf(w, "  %s  %-10s %-9s %-8s %d-fold  rows=%d  id=%s\n",
			r.Timestamp.Format("2006-01-02 15:04"), r.Kind, r.FeatureSet, weighting, r.NFolds, r.Rows, r.ID)
		for _, m := range r.Summary {
			if m.Metric != "accuracy" || m.Mean == nil {
				continue
			}
			fmt.Fprintf(w, "      %-20s accuracy %.3f\n", m.Model, *m.Mean)
		}
	}
}
