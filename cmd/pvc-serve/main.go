package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"pd-voice/internal/cfg"
	"pd-voice/internal/cli"
	"pd-voice/internal/extract"
	"pd-voice/internal/inference"
	"pd-voice/internal/metrics"
	"pd-voice/internal/server"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
)

func main() {
	var (
		port     = flag.Int("port", 0, "Listen port (overrides METRICS_PORT)")
		logLevel = flag.String("log-level", "info", "Log level: debug, info, warn, error")
	)
	flag.Parse()
	cli.SetupLogging(*logLevel)

	c, err := cfg.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config load failed")
	}
	if *port > 0 {
		c.MetricsPort = *port
	}

	m := metrics.New()
	svc := inference.NewService(inference.Config{
		ModelsDir:  c.ModelsDir,
		Model:      c.InferenceModel,
		Task:       c.InferenceTask,
		FeatureSet: c.InferenceFeatureSet,
	}, inference.NewCache(nil), extract.NewHTTPExtractor(c.ExtractorURL, c.ExtractorTimeout), metrics.NewWrapper(m))

	// Warm the cache so the first request does not pay for the load.
	if md, err := svc.ModelInfo(""); err != nil {
		log.Warn().Str("kind", inference.Kind(err)).Msg(inference.Describe(err))
	} else {
		log.Info().Str("model", md.ModelName).Str("task", md.Task).Int("features", md.FeatureCount).Msg("Default model loaded")
	}

	ms := server.NewModelServer(svc, c.MetricsPort, prometheus.DefaultGatherer)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		log.Info().Msg("shutting down gracefully...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := ms.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("failed to shutdown server")
		}
	}()

	if err := ms.Start(); err != nil {
		log.Fatal().Err(err).Msg("server failed")
	}
}
