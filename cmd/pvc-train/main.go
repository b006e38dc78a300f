package main

import (
	"flag"
	"fmt"
	"os"

	"pd-voice/internal/cfg"
	"pd-voice/internal/cli"
	"pd-voice/internal/common"
	"pd-voice/internal/dataset"
	"pd-voice/internal/ml"
	"pd-voice/internal/storage"

	"github.com/rs/zerolog/log"
)

func main() {
	var (
		task       = flag.String("task", common.TaskReadText, "Speech task: ReadText or SpontaneousDialogue")
		model      = flag.String("model", common.ModelRandomForest, "Model family, or 'all'")
		featureSet = flag.String("feature-set", "", "Feature set: baseline or extended (overrides config)")
		list       = flag.Bool("list", false, "List trained artifacts and exit")
		logLevel   = flag.String("log-level", "info", "Log level: debug, info, warn, error")
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

	if *list {
		listArtifacts(c)
		return
	}

	tbl, err := dataset.LoadFeatureTable(c.FeatureTablePath(*task))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load feature table")
	}
	clean := cli.DropIncomplete(tbl, *task)

	reg := ml.NewRegistry(ml.Options{Seed: c.Seed, ClassWeightBalanced: c.ClassWeightBalanced})
	models := []string{*model}
	if *model == "all" {
		models = reg.Names()
	}

	mm, err := ml.NewModelManager(c.ModelsDir)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to prepare models directory")
	}
	store := cli.OpenStore(c)
	if store != nil {
		defer store.Close()
	}

	fmt.Println("=== Model Training ===")
	fmt.Printf("Task:        %s\n", *task)
	fmt.Printf("Feature set: %s (%d features)\n", c.FeatureSet, clean.NumFeatures())
	fmt.Printf("Samples:     %d (HC: %d, PD: %d)\n", clean.Rows(), clean.ClassCounts()[common.LabelHC], clean.ClassCounts()[common.LabelPD])
	fmt.Println("======================")

	for _, m := range models {
		a, err := ml.Train(reg, m, *task, c.FeatureSet, clean.FeatureNames, clean.X, clean.Y)
		if err != nil {
			log.Fatal().Err(err).Str("model", m).Msg("training failed")
		}
		path, err := mm.Save(a)
		if err != nil {
			log.Fatal().Err(err).Str("model", m).Msg("failed to save artifact")
		}
		fmt.Printf("  %-20s -> %s\n", m, path)

		if store != nil {
			md := a.Metadata
			rec := storage.ArtifactRecord{
				Path:            path,
				ModelName:       md.ModelName,
				Task:            md.Task,
				FeatureSet:      md.FeatureSet,
				FeatureCount:    md.FeatureCount,
				TrainingSamples: md.TrainingSamples,
				Version:         md.Version,
				TrainedAt:       md.TrainedAt,
			}
			if err := store.StoreArtifact(rec); err != nil {
				log.Warn().Err(err).Msg("failed to index artifact")
			}
		}
	}
}

func listArtifacts(c cfg.Settings) {
	mm, err := ml.NewModelManager(c.ModelsDir)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open models directory")
	}
	onDisk, err := mm.List()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to list artifacts")
	}

	var indexed []storage.ArtifactRecord
	if store := cli.OpenStore(c); store != nil {
		defer store.Close()
		indexed, err = store.ListArtifacts()
		if err != nil {
			log.Warn().Err(err).Msg("failed to read training history")
		}
		if indexed == nil {
			indexed = []storage.ArtifactRecord{}
		}
	}
	cli.PrintArtifacts(os.Stdout, onDisk, indexed)
}
