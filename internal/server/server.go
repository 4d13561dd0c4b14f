// Package server provides the HTTP server setup and wiring.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/pendergraft/veriforge/internal/config"
	"github.com/pendergraft/veriforge/internal/indexer"
	"github.com/pendergraft/veriforge/internal/middleware/logging"
	"github.com/pendergraft/veriforge/internal/middleware/ratelimit"
	"github.com/pendergraft/veriforge/internal/observability/metrics"
	"github.com/pendergraft/veriforge/internal/publisher"
	"github.com/pendergraft/veriforge/internal/registry"
	"github.com/pendergraft/veriforge/internal/storage"
	"github.com/pendergraft/veriforge/internal/toolchain"
	verificationDomain "github.com/pendergraft/veriforge/internal/verification/domain"
	verificationTransport "github.com/pendergraft/veriforge/internal/verification/transport"
	"github.com/pendergraft/veriforge/internal/worker"
	"github.com/pendergraft/veriforge/internal/workspace"
)

// Server is the HTTP server
type Server struct {
	cfg      *config.Config
	store    storage.Store
	registry *registry.Snapshot
	logger   *slog.Logger
	router   *chi.Mux
	pool     *worker.Pool

	verificationSvc verificationTransport.Service
}

// New creates a new server
func New(cfg *config.Config, store storage.Store, reg *registry.Snapshot, logger *slog.Logger) *Server {
	s := &Server{
		cfg:      cfg,
		store:    store,
		registry: reg,
		logger:   logger,
		router:   chi.NewRouter(),
	}

	builder := workspace.NewBuilder(cfg.Compiler.WorkDir,
		&workspace.DirResolver{Root: cfg.Compiler.DepsDir}, logger)

	driver := toolchain.NewDriver(
		toolchain.NewDockerExecutor(logger),
		toolchain.Quotas{
			Timeout:     time.Duration(cfg.Compiler.TimeoutSeconds) * time.Second,
			MemoryBytes: cfg.Compiler.MemoryBytes,
			CPUs:        cfg.Compiler.CPUs,
		},
		logger)

	chain := indexer.New(cfg.Indexer.URL, logger,
		indexer.WithRetries(cfg.Indexer.Retries),
		indexer.WithHTTPClient(&http.Client{
			Timeout: time.Duration(cfg.Indexer.TimeoutSeconds) * time.Second,
		}))

	sinks := []publisher.Sink{&publisher.LogSink{Logger: logger}}
	if cfg.Publisher.WebhookURL != "" {
		sinks = append(sinks, publisher.NewWebhookSink(
			cfg.Publisher.WebhookURL,
			time.Duration(cfg.Publisher.TimeoutSeconds)*time.Second))
	}

	s.pool = worker.NewPool(cfg.Compiler.Workers, cfg.Compiler.Workers*4, logger)

	s.verificationSvc = verificationDomain.NewService(verificationDomain.Deps{
		Store:      store,
		Registry:   reg,
		Workspaces: builder,
		Compiler:   driver,
		Chain:      chain,
		Sink:       publisher.New(logger, sinks...),
		Pool:       s.pool,
		WorkerID:   workerID(),
		Logger:     logger,
	})

	s.setupMiddleware()
	s.setupRoutes()

	return s
}

// Handler returns the HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// MetricsHandler returns the metrics HTTP handler for separate metrics server
func (s *Server) MetricsHandler() http.Handler {
	return metrics.Handler()
}

// Shutdown drains the verification worker pool.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.pool.Shutdown(ctx)
}

func (s *Server) setupMiddleware() {
	// Order matters: cheap rejections first, then bookkeeping.

	// 1. Body size limit
	s.router.Use(MaxBodySize(int64(s.cfg.Server.MaxBodyMB) * 1024 * 1024))

	// 2. Rate limiting (bypasses health checks)
	s.router.Use(ratelimit.Middleware(ratelimit.Config{
		Enabled:        s.cfg.RateLimit.Enabled,
		RequestsPerMin: s.cfg.RateLimit.RequestsPerMin,
		BurstSize:      s.cfg.RateLimit.BurstSize,
		CleanupMinutes: s.cfg.RateLimit.CleanupMinutes,
	}))

	// 3. Standard middleware
	s.router.Use(middleware.RequestID)
	s.router.Use(logging.Middleware(s.logger))
	s.router.Use(metrics.Middleware)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Compress(5))

	// 4. CORS
	s.router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, r)
		})
	})
}

func (s *Server) setupRoutes() {
	// Health checks
	s.router.Get("/health", s.handleHealth)
	s.router.Get("/healthz", s.handleHealth)
	s.router.Get("/readyz", s.handleReady)

	// Prometheus scrape endpoint
	s.router.Handle("/metrics", metrics.Handler())

	verificationHandler := verificationTransport.NewHandler(s.verificationSvc, s.registry)

	// API v1 routes
	s.router.Route("/api/v1", func(r chi.Router) {
		verificationHandler.RegisterRoutes(r)
	})
}

// Health check handler
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReady additionally checks that storage answers.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if _, err := s.store.ListStaleJobs(ctx, time.Unix(0, 0)); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "storage unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Helper functions

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func workerID() string {
	hostname, err := os.Hostname()
	if err != nil {
		return "worker"
	}
	return hostname
}
