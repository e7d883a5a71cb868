// Package main provides the entrypoint for the cache worker: the cache
// janitor, scheduled prefetch and Pub/Sub job handling.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/constelar/constelar/internal/app"
	"github.com/constelar/constelar/internal/config"
	"github.com/constelar/constelar/internal/telemetry"
	"github.com/constelar/constelar/internal/worker"
)

// Version and BuildTime are set at compile time via ldflags.
var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	const serviceName = "constelar-worker"

	cfg, err := config.Load()
	if err != nil {
		stderrLog := zerolog.New(os.Stderr)
		stderrLog.Fatal().Err(err).Msg("invalid configuration")
	}

	log, err := app.Logger(serviceName, Version, cfg.LogLevel)
	if err != nil {
		stderrLog := zerolog.New(os.Stderr)
		stderrLog.Fatal().Err(err).Msg("invalid configuration")
	}
	log.Info().Str("build_time", BuildTime).Msg("starting constelar worker")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tp, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName:    serviceName,
		ServiceVersion: Version,
		Environment:    cfg.Environment,
		OTLPEndpoint:   cfg.OTelEndpoint,
		Enabled:        cfg.OTelEnabled,
		SampleRatio:    cfg.OTelSampleRatio,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize telemetry")
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if shutdownErr := tp.Shutdown(shutdownCtx); shutdownErr != nil {
			log.Error().Err(shutdownErr).Msg("failed to shutdown telemetry")
		}
	}()

	pipeline, err := app.Build(ctx, cfg, log)
	if err != nil {
		log.Error().Err(err).Msg("failed to build acquisition pipeline")
		os.Exit(1) //nolint:gocritic // intentional exit, telemetry cleanup is best-effort
	}
	defer pipeline.Close()

	targets, err := worker.ParseTargets(cfg.PrefetchTargets)
	if err != nil {
		log.Error().Err(err).Msg("invalid PREFETCH_TARGETS")
		os.Exit(1)
	}

	prefetchCfg := worker.DefaultPrefetchConfig()
	prefetchCfg.Targets = targets
	prefetch := worker.NewPrefetchJob(worker.PrefetchJobConfig{
		Config:     prefetchCfg,
		Logger:     log,
		Prefetcher: pipeline.Search,
		Resolver:   pipeline.Service,
	})

	scheduler := worker.NewScheduler(worker.SchedulerConfig{
		Cache:            pipeline.Cache,
		CleanupInterval:  cfg.Cache.CleanupInterval,
		Prefetch:         prefetch,
		PrefetchInterval: cfg.PrefetchInterval,
		Logger:           log,
	})
	if err := scheduler.Start(ctx); err != nil {
		log.Error().Err(err).Msg("failed to start scheduler")
		os.Exit(1)
	}
	defer scheduler.Stop()

	// Clear leftovers from a previous run before the first tick.
	pipeline.Cache.Cleanup()

	if cfg.PubSubProjectID != "" && cfg.PubSubSubscriptionID != "" {
		handler, err := worker.NewPubSubHandler(ctx, worker.PubSubConfig{
			ProjectID:        cfg.PubSubProjectID,
			SubscriptionName: cfg.PubSubSubscriptionID,
			Dispatcher:       worker.NewDispatcher(prefetch, pipeline.Cache, log),
			Logger:           log,
		})
		if err != nil {
			log.Error().Err(err).Msg("failed to create pubsub handler")
			os.Exit(1)
		}
		defer handler.Close()

		go func() {
			if err := handler.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error().Err(err).Msg("pubsub handler stopped")
			}
		}()
	} else {
		log.Info().Msg("pubsub not configured; running scheduled jobs only")
	}

	// Worker also exposes a health endpoint for Cloud Run.
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		files, bytes := pipeline.Cache.Usage()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":   "healthy",
			"version":  Version,
			"jobs":     scheduler.Jobs(),
			"cache":    map[string]any{"files": files, "bytes": bytes},
			"prefetch": prefetch.MetricsSnapshot(),
		})
	})

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		log.Info().Str("addr", server.Addr).Msg("health server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("health server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down worker")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("health server forced to shutdown")
	}

	log.Info().Msg("worker stopped")
}
