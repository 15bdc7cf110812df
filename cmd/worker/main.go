package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"shpotify/internal/broker"
	"shpotify/internal/config"
	"shpotify/internal/database"
	"shpotify/internal/health"
	"shpotify/internal/locks"
	"shpotify/internal/logging"
	"shpotify/internal/metrics"
	"shpotify/internal/probe"
	"shpotify/internal/scheduler"
	"shpotify/internal/store"
	"shpotify/internal/tracing"
	"shpotify/internal/workers"
)

// WorkerServer runs the queue consumers
type WorkerServer struct {
	cfg        *config.AppConfig
	logger     zerolog.Logger
	tracer     *tracing.Tracer
	dbManager  *database.DatabaseManager
	broker     *broker.Manager
	redis      redis.UniversalClient
	scheduler  *scheduler.RescanScheduler
	metricsApp *fiber.App
}

// NewWorkerServer creates a new worker server
func NewWorkerServer(ctx context.Context, cfg *config.AppConfig, logger zerolog.Logger) (*WorkerServer, error) {
	tracer, err := tracing.NewTracer(ctx, cfg.Tracing)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}

	dbManager, err := database.NewDatabaseManager(&cfg.Database, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := database.NewMigrationManager(dbManager.GetGormDB(), cfg.Tables, logger).Migrate(); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	st := store.New(dbManager.GetGormDB(), cfg.Tables)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewMetrics(registry)

	mgr := broker.NewManagerFromConfig(cfg.Broker, logger, m)

	w := &WorkerServer{
		cfg:       cfg,
		logger:    logger,
		tracer:    tracer,
		dbManager: dbManager,
		broker:    mgr,
	}

	if cfg.Redis.Enabled {
		w.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
	}

	var locker locks.Locker
	if cfg.Worker.SerializePerSource {
		if w.redis != nil {
			locker = locks.NewRedisLocker(w.redis, "shpotify:lock:", cfg.Redis.LockTTL, cfg.Redis.LockRetry)
		} else {
			locker = locks.NewKeyedMutex()
		}
	}

	var jobs []workers.Job
	if cfg.Worker.HasRole(config.RoleIngest) {
		prober := probe.NewFFProbe(cfg.Probe.FFProbePath, cfg.Probe.Timeout)
		jobs = append(jobs, workers.NewIngestWorker(st, prober, mgr, cfg.Queues))
	}
	if cfg.Worker.HasRole(config.RoleScan) {
		jobs = append(jobs, workers.NewScanWorker(st, cfg.Queues, locker, cfg.Worker.LockWait))
	}
	if cfg.Worker.HasRole(config.RoleRescan) {
		jobs = append(jobs, workers.NewRescanCommander(st, mgr, cfg.Queues, cfg.Rescan, m))
	}
	for _, job := range jobs {
		consumer := workers.NewConsumer(mgr, job, cfg.Worker.MaxAttempts, logger, m)
		if err := mgr.AddObserver(consumer); err != nil {
			return nil, fmt.Errorf("failed to register %s consumer: %w", job.JobType(), err)
		}
		logger.Info().Str("queue", job.Queue()).Str("job_type", job.JobType()).Msg("Consumer registered")
	}

	if cfg.Rescan.Schedule != "" {
		w.scheduler = scheduler.NewRescanScheduler(mgr, cfg.Queues.Misc, logger, m)
		if err := w.scheduler.Schedule(cfg.Rescan.Schedule); err != nil {
			return nil, err
		}
	}

	checker := health.NewChecker(st.Ping, mgr, m)
	if w.redis != nil {
		checker.WithRedis(health.RedisCheck(w.redis))
	}
	if cfg.Worker.MetricsAddress != "" {
		w.metricsApp = fiber.New(fiber.Config{DisableStartupMessage: true})
		checker.RegisterHealthRoutes(w.metricsApp)
		w.metricsApp.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))
	}

	return w, nil
}

// Start connects to the broker and starts the scheduler and metrics server
func (w *WorkerServer) Start(ctx context.Context) error {
	w.logger.Info().Strs("roles", w.cfg.Worker.Roles).Msg("Starting worker server...")

	if err := w.broker.Start(ctx); err != nil {
		return fmt.Errorf("failed to start broker manager: %w", err)
	}
	if w.scheduler != nil {
		w.scheduler.Start()
	}
	if w.metricsApp != nil {
		go func() {
			if err := w.metricsApp.Listen(w.cfg.Worker.MetricsAddress); err != nil {
				w.logger.Error().Err(err).Msg("Metrics server stopped")
			}
		}()
	}
	return nil
}

// Shutdown stops consuming and releases every resource. ctx must already be
// cancelled for the broker loop to exit.
func (w *WorkerServer) Shutdown(timeout time.Duration) {
	w.logger.Info().Msg("Shutting down worker server...")

	if w.scheduler != nil {
		w.scheduler.Stop()
	}

	select {
	case <-w.broker.Done():
	case <-time.After(timeout):
		w.logger.Warn().Dur("timeout", timeout).Msg("Broker manager did not stop in time")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if w.metricsApp != nil {
		if err := w.metricsApp.ShutdownWithContext(shutdownCtx); err != nil {
			w.logger.Warn().Err(err).Msg("Metrics server shutdown failed")
		}
	}
	if err := w.tracer.Shutdown(shutdownCtx); err != nil {
		w.logger.Warn().Err(err).Msg("Tracer shutdown failed")
	}
	if w.redis != nil {
		_ = w.redis.Close()
	}
	if err := w.dbManager.Close(); err != nil {
		w.logger.Warn().Err(err).Msg("Database close failed")
	}
}

// Main entry point for the worker service
func main() {
	cfg, err := config.LoadConfig(os.Getenv("SHPOTIFY_CONFIG"))
	if err != nil {
		bootLogger := logging.GetGlobalLogger().Zerolog()
		bootLogger.Fatal().Err(err).Msg("Failed to load config")
	}
	logger := logging.InitGlobalLogger(logging.LogLevel(cfg.Logging.Level), cfg.Logging.Format).Zerolog()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	worker, err := NewWorkerServer(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create worker server")
	}
	if err := worker.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal().Err(err).Msg("Worker server error")
	}

	<-ctx.Done()
	logger.Info().Msg("Received shutdown signal")
	worker.Shutdown(30 * time.Second)
}
