package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"shpotify/internal/api"
	"shpotify/internal/broker"
	"shpotify/internal/config"
	"shpotify/internal/database"
	"shpotify/internal/health"
	"shpotify/internal/logging"
	"shpotify/internal/metrics"
	"shpotify/internal/storage"
	"shpotify/internal/store"
	"shpotify/internal/tracing"
)

// Main entry point for the API service
func main() {
	cfg, err := config.LoadConfig(os.Getenv("SHPOTIFY_CONFIG"))
	if err != nil {
		bootLogger := logging.GetGlobalLogger().Zerolog()
		bootLogger.Fatal().Err(err).Msg("Failed to load config")
	}
	logger := logging.InitGlobalLogger(logging.LogLevel(cfg.Logging.Level), cfg.Logging.Format).Zerolog()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tracer, err := tracing.NewTracer(ctx, cfg.Tracing)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize tracing")
	}

	dbManager, err := database.NewDatabaseManager(&cfg.Database, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer dbManager.Close()

	if err := database.NewMigrationManager(dbManager.GetGormDB(), cfg.Tables, logger).Migrate(); err != nil {
		logger.Fatal().Err(err).Msg("Failed to run migrations")
	}
	st := store.New(dbManager.GetGormDB(), cfg.Tables)

	objects, err := storage.NewMinioStore(cfg.Storage)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create object store client")
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewMetrics(registry)

	mgr := broker.NewManagerFromConfig(cfg.Broker, logger, m)
	if err := mgr.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start broker manager")
	}

	checker := health.NewChecker(st.Ping, mgr, m).
		WithStorage(func(ctx context.Context) error { return objects.Ping(ctx, cfg.Storage.Bucket) })

	server := api.NewServer(cfg, api.Deps{
		Publisher: mgr,
		Sources:   st,
		Objects:   objects,
		Health:    checker,
		Metrics:   m,
		Gatherer:  registry,
		Tracer:    tracer,
	}, logger)

	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		<-ctx.Done()
		logger.Info().Msg("Received shutdown signal")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("API server shutdown failed")
		}
		if err := tracer.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("Tracer shutdown failed")
		}
	}()

	if err := server.Start(); err != nil {
		logger.Error().Err(err).Msg("Server stopped")
	}
	stop()
	<-shutdownDone
	<-mgr.Done()
}
