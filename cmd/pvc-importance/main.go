package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"pd-voice/internal/cfg"
	"pd-voice/internal/cli"
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
		permutation = flag.Bool("permutation", false, "Also compute permutation importance (slower)")
		repeats     = flag.Int("repeats", 0, "Permutation repeats per feature (overrides config)")
		scoring     = flag.String("scoring", "", "Permutation scoring metric (overrides config)")
		topN        = flag.Int("top-n", 0, "Number of top features per model and method (overrides config)")
		logLevel    = flag.String("log-level", "info", "Log level: debug, info, warn, error")
		metricsFile = flag.String("metrics-file", "", "Write a Prometheus textfile snapshot here when done")
	)
	flag.Parse()
	cli.SetupLogging(*logLevel)

	c, err := cfg.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config load failed")
	}
	if *repeats > 0 {
		c.PermutationRepeats = *repeats
	}
	if *scoring != "" {
		c.PermutationScoring = *scoring
	}
	if *topN > 0 {
		c.TopN = *topN
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

	methods := []string{eval.MethodNative}
	if *permutation {
		methods = append(methods, eval.MethodPermutation)
	}

	fmt.Println("=== FEATURE IMPORTANCE ANALYSIS ===")
	for i, ds := range datasets {
		fmt.Printf("\n[%d/%d] %s %s\n", i+1, len(datasets), ds.Name, ds.Task)
		fmt.Printf("  Loaded: %d samples, %d features\n", ds.Table.Rows(), ds.Table.NumFeatures())

		records, err := engine.RunImportanceCV(ctx, ds.Input(), ds.Table.FeatureNames, eval.ImportanceConfig{
			Config:      eval.Config{NFolds: c.NFolds, UseGroups: ds.UseGroups, Seed: c.Seed},
			Permutation: *permutation,
			Repeats:     c.PermutationRepeats,
			Scoring:     c.PermutationScoring,
		})
		if err != nil {
			log.Fatal().Err(err).Str("dataset", ds.Key()).Msg("importance analysis failed")
		}

		summary := eval.SummarizeImportance(records)
		if err := writeReports(reporter, ds.Key()+"_", records, summary, methods, reg.Names(), c.TopN); err != nil {
			log.Fatal().Err(err).Msg("failed to write importance reports")
		}
		printTop(summary, reg.Names(), methods, 5)

		if store != nil {
			run := storage.RunRecord{
				Dataset:    ds.Key(),
				Kind:       "importance",
				FeatureSet: c.FeatureSet,
				Weighted:   c.ClassWeightBalanced,
				UseGroups:  ds.UseGroups,
				Seed:       c.Seed,
				NFolds:     c.NFolds,
				Rows:       ds.Table.Rows(),
				Models:     reg.Names(),
				OutputDir:  reporter.OutputPath(),
			}
			if id, err := store.StoreRun(run); err != nil {
				log.Warn().Err(err).Msg("failed to record run")
			} else {
				log.Info().Str("run_id", id).Str("dataset", run.Dataset).Msg("run recorded")
			}
		}
	}

	fmt.Println("\nFeature importance analysis complete!")
	cli.WriteMetricsFile(*metricsFile, registry)
}

func writeReports(r *eval.Reporter, prefix string, records []eval.ImportanceRecord, summary []eval.ImportanceSummary,
	methods, models []string, topN int,
) error {
	if _, err := r.WriteImportance(prefix, records); err != nil {
		return err
	}
	if _, err := r.WriteImportanceSummary(prefix, summary); err != nil {
		return err
	}
	if _, err := r.WriteTopFeatures(prefix, summary, topN); err != nil {
		return err
	}
	for _, method := range methods {
		cmp := eval.CompareRankings(summary, method, models)
		if len(cmp) == 0 {
			continue
		}
		if _, err := r.WriteRankingComparison(prefix+method+"_", cmp, models); err != nil {
			return err
		}
	}
	return nil
}

func printTop(summary []eval.ImportanceSummary, models, methods []string, n int) {
	for _, model := range models {
		for _, method := range methods {
			top := eval.TopFeatures(summary, model, method, n)
			if len(top) == 0 {
				continue
			}
			fmt.Printf("\n  %s (%s):\n", model, method)
			for _, s := range top {
				fmt.Printf("    %2d. %-28s %.4f ± %.4f\n", s.Rank, s.Feature, s.Mean, s.Std)
			}
		}
	}
}
