package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"pd-voice/internal/cfg"
	"pd-voice/internal/cli"
	"pd-voice/internal/common"
	"pd-voice/internal/dataset"
	"pd-voice/internal/extract"
	"pd-voice/internal/features"
	"pd-voice/internal/metrics"

	"github.com/cheggaaa/pb/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
)

func main() {
	var (
		task        = flag.String("task", "all", "Speech task: ReadText, SpontaneousDialogue or all")
		featureSet  = flag.String("feature-set", "", "Feature set: baseline or extended (overrides config)")
		jobs        = flag.Int("jobs", 0, "Concurrent extractions (overrides config)")
		noProgress  = flag.Bool("no-progress", false, "Disable the progress bar")
		logLevel    = flag.String("log-level", "info", "Log level: debug, info, warn, error")
		metricsFile = flag.String("metrics-file", "", "Write a Prometheus textfile snapshot here when done")
	)
	flag.Parse()
	cli.SetupLogging(*logLevel)

	c, err := cfg.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config load failed")
	}
	if *featureSet != "" {
		c.FeatureSet = *featureSet
	}
	if *jobs > 0 {
		c.Jobs = *jobs
	}

	schema, err := features.ForSet(c.FeatureSet)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid feature set")
	}

	tasks := []string{common.TaskReadText, common.TaskSpontaneousDialogue}
	if *task != "all" {
		tasks = []string{*task}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry := prometheus.NewRegistry()
	observer := metrics.NewWrapper(metrics.NewWithRegistry(registry))
	extractor := extract.NewHTTPExtractor(c.ExtractorURL, c.ExtractorTimeout)
	if err := extractor.Health(ctx); err != nil {
		log.Fatal().Err(err).Str("url", c.ExtractorURL).Msg("feature service unavailable")
	}

	fmt.Println("=== Feature Extraction ===")
	fmt.Printf("Dataset:     %s\n", c.MDVRDir)
	fmt.Printf("Feature set: %s (%d features)\n", schema.Name, schema.Len())
	fmt.Printf("Workers:     %d\n", c.Jobs)
	fmt.Println("==========================")

	for _, t := range tasks {
		if err := extractTask(ctx, c, t, schema, extractor, observer, !*noProgress); err != nil {
			log.Fatal().Err(err).Str("task", t).Msg("extraction failed")
		}
	}

	log.Info().Float64("failure_rate", metrics.ExtractionFailureRate(registry)).Msg("Extraction finished")
	cli.WriteMetricsFile(*metricsFile, registry)
}

func extractTask(ctx context.Context, c cfg.Settings, task string, schema *features.Schema,
	ex extract.Extractor, observer extract.Observer, progress bool,
) error {
	recs, err := dataset.DiscoverRecordings(c.MDVRDir, task)
	if err != nil {
		return err
	}
	jobs := extract.JobsFromRecordings(recs)
	fmt.Printf("\n%s: %d recordings\n", task, len(jobs))

	opts := extract.BatchOptions{Workers: c.Jobs, Observer: observer}
	var bar *pb.ProgressBar
	if progress {
		bar = pb.StartNew(len(jobs))
		opts.OnDone = func() { bar.Increment() }
	}

	res, err := extract.RunBatch(ctx, ex, schema, jobs, opts)
	if bar != nil {
		bar.Finish()
	}
	if err != nil {
		return err
	}

	out := c.FeatureTablePath(task)
	if err := extract.WriteCSV(out, schema, res.Rows); err != nil {
		return err
	}
	fmt.Printf("  Saved %d rows to %s\n", len(res.Rows), out)

	if len(res.Failures) > 0 {
		failPath := strings.TrimSuffix(out, filepath.Ext(out)) + "_failures.csv"
		if err := extract.WriteFailures(failPath, res.Failures); err != nil {
			return err
		}
		fmt.Printf("  %d files failed; reasons in %s\n", len(res.Failures), failPath)
	}
	return nil
}
