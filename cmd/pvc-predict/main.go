package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"pd-voice/internal/cfg"
	"pd-voice/internal/cli"
	"pd-voice/internal/extract"
	"pd-voice/internal/inference"

	"github.com/rs/zerolog/log"
)

func main() {
	var (
		audio     = flag.String("audio", "", "Path to the WAV recording to classify")
		task      = flag.String("task", "", "Speech task of the recording (overrides config)")
		modelPath = flag.String("model-path", "", "Artifact to use instead of the configured default")
		info      = flag.Bool("info", false, "Print the artifact metadata instead of predicting")
		asJSON    = flag.Bool("json", false, "Print the result as JSON")
		logLevel  = flag.String("log-level", "warn", "Log level: debug, info, warn, error")
	)
	flag.Parse()
	cli.SetupLogging(*logLevel)

	c, err := cfg.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config load failed")
	}

	svc := inference.NewService(inference.Config{
		ModelsDir:  c.ModelsDir,
		Model:      c.InferenceModel,
		Task:       c.InferenceTask,
		FeatureSet: c.InferenceFeatureSet,
	}, inference.NewCache(nil), extract.NewHTTPExtractor(c.ExtractorURL, c.ExtractorTimeout), nil)

	if *modelPath == "" {
		if store := cli.OpenStore(c); store != nil {
			t := *task
			if t == "" {
				t = c.InferenceTask
			}
			*modelPath = cli.ResolveModelPath(store, c.InferenceModel, t, c.InferenceFeatureSet)
			store.Close()
		}
	}

	if *info {
		md, err := svc.ModelInfo(*modelPath)
		if err != nil {
			fail(err)
		}
		printJSON(md)
		return
	}

	if *audio == "" {
		fmt.Fprintln(os.Stderr, "usage: pvc-predict --audio <file.wav> [--task T] [--model-path P]")
		os.Exit(2)
	}

	res, err := svc.Predict(context.Background(), *audio, *task, *modelPath)
	if err != nil {
		fail(err)
	}

	if *asJSON {
		printJSON(res)
		return
	}
	fmt.Printf("Prediction:  %s (%.1f%%)\n", res.Prediction, 100*res.Probability)
	fmt.Printf("P(PD):       %.3f\n", res.ProbabilityPD)
	fmt.Printf("P(HC):       %.3f\n", res.ProbabilityHC)
	fmt.Printf("Model:       %s (%s, %s, %d features)\n", res.ModelName, res.Task, res.FeatureSet, res.FeatureCount)
}

func fail(err error) {
	fmt.Fprintln(os.Stderr, inference.Describe(err))
	os.Exit(1)
}

func printJSON(v interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		log.Fatal().Err(err).Msg("failed to encode output")
	}
}
