// Package syncd implements app.Runner for the sync daemon process.
package syncd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/syncforge/mirrorsync/pkg/app/httpserver"
	"github.com/syncforge/mirrorsync/pkg/checkpoint"
	"github.com/syncforge/mirrorsync/pkg/config"
	"github.com/syncforge/mirrorsync/pkg/docstore"
	"github.com/syncforge/mirrorsync/pkg/mapper"
	"github.com/syncforge/mirrorsync/pkg/scheduler"
	"github.com/syncforge/mirrorsync/pkg/schema"
	"github.com/syncforge/mirrorsync/pkg/syncer"
)

const (
	defaultGracefulShutdownTimeout = 30 * time.Second
	defaultHTTPMiddlewareTimeout   = 60 * time.Second
	defaultHTTPReadTimeout         = 15 * time.Second
	defaultHTTPWriteTimeout        = 15 * time.Second
	defaultHTTPIdleTimeout         = 60 * time.Second
)

// Server holds configuration for the sync daemon process.
type Server struct {
	cfg *config.Config
}

// NewServer initializes a new sync daemon Server.
func NewServer(cfg *config.Config) *Server {
	return &Server{cfg: cfg}
}

// Run starts the sync engine, scheduler and operational HTTP server.
// It blocks until an OS shutdown signal is received or a fatal server
// error occurs.
func (s *Server) Run() error {
	if s.cfg == nil {
		return fmt.Errorf("nil config")
	}
	cfg := s.cfg

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger, err := config.NewLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("Starting mirrorsync daemon")

	target, err := docstore.NewStore(ctx, &cfg.Target, logger)
	if err != nil {
		return fmt.Errorf("connect target store: %w", err)
	}
	defer func() { _ = target.Close(context.Background()) }()

	checkpoints := checkpoint.NewStore(
		checkpoint.NewMongoBackend(target.Collection(checkpoint.CollectionName)), logger)
	if err := checkpoints.Init(ctx); err != nil {
		return fmt.Errorf("initialize checkpoint store: %w", err)
	}

	source := schema.NewDiscoverer(&cfg.Source, logger)
	if err := source.Connect(ctx); err != nil {
		return fmt.Errorf("connect source database: %w", err)
	}
	defer func() { _ = source.Close() }()

	rowMapper := mapper.New(logger)
	engine := syncer.NewEngine(&cfg.Sync, source, checkpoints, target, rowMapper, logger)

	sched := scheduler.New(func(ctx context.Context) error {
		_, err := engine.SyncAll(ctx)
		return err
	}, cfg.Sync.IntervalMinutes, logger)
	defer sched.Stop()

	if cfg.Sync.Enabled && cfg.Sync.AutoStart {
		sched.Start()
	} else if !cfg.Sync.Enabled {
		logger.Warn("Sync is disabled in configuration, scheduler will not start")
	}

	router := s.newRouter(engine, sched, source, checkpoints, logger)

	serverAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	httpServer := newHTTPServer(serverAddr, router)

	shutdownTimeout := cfg.Shutdown.Timeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = defaultGracefulShutdownTimeout
	}
	return httpserver.ServeAndWait(ctx, logger, httpServer, shutdownTimeout)
}

func (s *Server) newRouter(
	engine SyncEngine,
	sched SyncScheduler,
	source SchemaSource,
	checkpoints CheckpointAdmin,
	logger *zap.Logger,
) http.Handler {
	cfg := s.cfg

	h := &handlers{
		cfg:         cfg,
		engine:      engine,
		scheduler:   sched,
		source:      source,
		checkpoints: checkpoints,
		logger:      logger,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(defaultHTTPMiddlewareTimeout))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	// Readiness requires both data stores to respond.
	r.Get("/ready", func(w http.ResponseWriter, req *http.Request) {
		sourceOK, targetOK := engine.TestConnections(req.Context())
		if !sourceOK || !targetOK {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("NOT_READY"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("READY"))
	})

	if cfg.Monitoring.Enabled {
		r.Handle("/metrics", promhttp.Handler())
		logger.Info("Metrics enabled", zap.String("path", "/metrics"))
	}

	r.Route("/api/v1/sync", func(r chi.Router) {
		r.Get("/status", h.handleStatus)
		r.Post("/trigger", h.handleTrigger)
		r.Post("/pause", h.handlePause)
		r.Get("/tables", h.handleTables)
		r.Get("/tables/{table}/sample", h.handleTableSample)
		r.Get("/history", h.handleHistory)
		r.Get("/health", h.handleHealth)

		r.Post("/scheduler/start", h.handleSchedulerStart)
		r.Post("/scheduler/stop", h.handleSchedulerStop)
		r.Post("/scheduler/pause", h.handleSchedulerPause)
		r.Post("/scheduler/resume", h.handleSchedulerResume)
		r.Put("/scheduler", h.handleSchedulerUpdate)
		r.Get("/scheduler/status", h.handleSchedulerStatus)

		r.Post("/reset/{table}", h.handleResetTable)
		r.Post("/reset-all", h.handleResetAll)
	})

	return r
}

func newHTTPServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  defaultHTTPReadTimeout,
		WriteTimeout: defaultHTTPWriteTimeout,
		IdleTimeout:  defaultHTTPIdleTimeout,
	}
}
