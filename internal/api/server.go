// Package api is the HTTP front door of the pipeline. It stores uploaded
// files, publishes ingestion and scan jobs, and serves read-only views of
// the metadata store.
package api

import (
	"context"
	"fmt"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"shpotify/internal/config"
	"shpotify/internal/health"
	"shpotify/internal/metrics"
	"shpotify/internal/models"
	"shpotify/internal/storage"
	"shpotify/internal/tracing"
)

// Publisher publishes job bodies to the broker
type Publisher interface {
	Publish(ctx context.Context, queue string, body []byte) error
}

// SourceReader reads source files and their current metadata
type SourceReader interface {
	GetSourceFile(ctx context.Context, id int64) (*models.SourceFile, error)
	CurrentMetadata(ctx context.Context, sourceID int64) (*models.SongMetadata, error)
	CountSourceFiles(ctx context.Context) (int64, error)
	CountMetadata(ctx context.Context) (int64, error)
}

// Deps are the collaborators of the API server
type Deps struct {
	Publisher Publisher
	Sources   SourceReader
	Objects   storage.ObjectStore
	Health    *health.Checker
	Metrics   *metrics.Metrics
	Gatherer  prometheus.Gatherer
	Tracer    *tracing.Tracer
}

// Server represents the API server
type Server struct {
	app    *fiber.App
	cfg    *config.AppConfig
	deps   Deps
	logger zerolog.Logger
}

// NewServer creates the API server and registers its routes
func NewServer(cfg *config.AppConfig, deps Deps, logger zerolog.Logger) *Server {
	s := &Server{
		cfg:    cfg,
		deps:   deps,
		logger: logger.With().Str("module", "api").Logger(),
	}

	s.app = fiber.New(fiber.Config{
		AppName:               "shpotify",
		BodyLimit:             cfg.Server.UploadLimitMB * 1024 * 1024,
		ReadTimeout:           cfg.Server.ReadTimeout,
		WriteTimeout:          cfg.Server.WriteTimeout,
		ErrorHandler:          s.errorHandler,
		DisableStartupMessage: true,
	})
	s.app.Use(recover.New())
	if deps.Tracer != nil {
		s.app.Use(s.requestTracer)
	}
	s.app.Use(s.requestLogger)
	s.app.Use(s.metricsMiddleware)

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	limit := triggerLimiter(s.cfg.Server.TriggerLimit, s.cfg.Server.TriggerWindow)

	s.app.Get("/ping", s.Ping)
	s.app.Post("/upload/song", limit, s.UploadSong)
	s.app.Get("/rescan_all_meta", limit, s.RescanAllMeta)
	s.app.Get("/scan/song/:id", limit, s.ScanSong)
	s.app.Get("/sources/:id", s.GetSource)
	s.app.Get("/stats", s.Stats)

	if s.deps.Health != nil {
		s.deps.Health.RegisterHealthRoutes(s.app)
	}
	if s.deps.Gatherer != nil {
		s.app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{})))
	}
}

// App exposes the fiber application, mainly for tests
func (s *Server) App() *fiber.App {
	return s.app
}

// Start listens on the configured address
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
	s.logger.Info().Str("address", addr).Msg("Starting API server")
	return s.app.Listen(addr)
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}

func (s *Server) requestLogger(c *fiber.Ctx) error {
	err := c.Next()
	s.logger.Debug().
		Str("method", c.Method()).
		Str("path", c.Path()).
		Int("status", c.Response().StatusCode()).
		Msg("Request handled")
	return err
}
