package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"pd-voice/internal/cfg"
	"pd-voice/internal/cli"
	"pd-voice/internal/common"
	"pd-voice/internal/eval"
	"pd-voice/internal/metrics"
	"pd-voice/internal/ml"
	"pd-voice/internal/storage"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
)

func main() {
	var (
		only        = flag.String("dataset", "", "Run one dataset only: ReadText, SpontaneousDialogue or pd_speech")
		weighted    = flag.Bool("class-weight", false, "Use balanced class weights (overrides config)")
		confusion   = flag.Bool("confusion", false, "Also write out-of-fold confusion matrices")
		history     = flag.Bool("history", false, "Print recorded runs and exit")
		logLevel    = flag.String("log-level", "info", "Log level: debug, info, warn, error")
		metricsFile = flag.String("metrics-file", "", "Write a Prometheus textfile snapshot here when done")
	)
	flag.Parse()
	cli.SetupLogging(*logLevel)

	c, err := cfg.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config load failed")
	}
	if *weighted {
		c.ClassWeightBalanced = true
	}

	if *history {
		printHistory(c, *only)
		return
	}

	datasets, err := cli.LoadDatasets(c, *only)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load datasets")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry := prometheus.NewRegistry()
	reg := ml.NewRegistry(ml.Options{Seed: c.Seed, ClassWeightBalanced: c.ClassWeightBalanced})
	engine := eval.NewEngine(reg, metrics.NewWrapper(metrics.NewWithRegistry(registry)))
	reporter := eval.NewReporter(c.ResultsDir())

	store := cli.OpenStore(c)
	if store != nil {
		defer store.Close()
	}

	fmt.Println("=== PARKINSON'S DISEASE VOICE CLASSIFICATION EXPERIMENTS ===")
	var combined []eval.LabeledSummary

	for i, ds := range datasets {
		fmt.Printf("\n[%d/%d] %s %s (%d-fold CV, grouped=%v)\n", i+1, len(datasets), ds.Name, ds.Task, c.NFolds, ds.UseGroups)
		fmt.Printf("  Loaded: %d samples, %d features, %d subjects\n", ds.Table.Rows(), ds.Table.NumFeatures(), ds.Table.Subjects())

		res, err := engine.RunCV(ctx, ds.Input(), eval.Config{
			NFolds:             c.NFolds,
			UseGroups:          ds.UseGroups,
			Seed:               c.Seed,
			CollectPredictions: *confusion,
		})
		if errors.Is(err, eval.ErrConfiguration) {
			log.Error().Err(err).Str("dataset", ds.Key()).Msg("Skipped")
			continue
		}
		if err != nil {
			log.Fatal().Err(err).Str("dataset", ds.Key()).Msg("cross-validation failed")
		}

		summary := eval.SummarizeResults(res.Rows)
		cli.PrintSummary("  Results:", summary)

		prefix := ds.Key() + "_"
		if _, err := reporter.WriteResults(prefix, res.Rows); err != nil {
			log.Fatal().Err(err).Msg("failed to write results")
		}
		if _, err := reporter.WriteResultsSummary(prefix, summary); err != nil {
			log.Fatal().Err(err).Msg("failed to write summary")
		}
		if *confusion {
			if _, err := reporter.WriteConfusionMatrices(prefix, reg.Names(), res.Predictions); err != nil {
				log.Fatal().Err(err).Msg("failed to write confusion matrices")
			}
		}
		for _, s := range summary {
			combined = append(combined, eval.LabeledSummary{Dataset: ds.Name, Task: ds.Task, ResultSummary: s})
		}

		if store != nil {
			run := storage.RunRecord{
				Dataset:    ds.Key(),
				Kind:       "experiments",
				FeatureSet: c.FeatureSet,
				Weighted:   c.ClassWeightBalanced,
				UseGroups:  ds.UseGroups,
				Seed:       c.Seed,
				NFolds:     c.NFolds,
				Rows:       ds.Table.Rows(),
				Models:     reg.Names(),
				OutputDir:  reporter.OutputPath(),
				Summary:    cli.RunSummary(summary),
			}
			if id, err := store.StoreRun(run); err != nil {
				log.Warn().Err(err).Msg("failed to record run")
			} else {
				log.Info().Str("run_id", id).Str("dataset", run.Dataset).Msg("run recorded")
			}
		}
	}

	if len(combined) > 0 {
		path, err := reporter.WriteCombinedSummary(combined)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to write combined summary")
		}
		fmt.Printf("\nSummary saved to: %s\n", path)
	}

	fmt.Println("\nAll experiments complete!")
	cli.WriteMetricsFile(*metricsFile, registry)
}

func printHistory(c cfg.Settings, only string) {
	store := cli.OpenStore(c)
	if store == nil {
		log.Fatal().Str("data_path", c.DataPath).Msg("run registry unavailable")
	}
	defer store.Close()

	keys := []string{common.TaskReadText, common.TaskSpontaneousDialogue, "pd_speech"}
	if only != "" {
		keys = []string{only}
	}
	for _, key := range keys {
		runs, err := store.GetRuns(key)
		if err != nil {
			log.Fatal().Err(err).Str("dataset", key).Msg("failed to read runs")
		}
		cli.PrintRunHistory(os.Stdout, key, runs)
	}
}
