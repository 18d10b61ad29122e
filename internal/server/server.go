package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-faster/errors"

	"github.com/keygate/keygate/internal/config"
	"github.com/keygate/keygate/internal/handler"
	"github.com/keygate/keygate/internal/openapi"
	"github.com/keygate/keygate/internal/server/middleware"
	"github.com/keygate/keygate/internal/service"
	"github.com/keygate/keygate/internal/telemetry"
)

// Config holds the HTTP server configuration.
type Config struct {
	Host            string
	Port            int
	ShutdownTimeout time.Duration
	CORSOrigins     []string
	// RateLimit is the number of admin requests allowed per minute per
	// client IP. Zero disables limiting.
	RateLimit int
	// SampleInterval controls how often the active key gauge is refreshed.
	SampleInterval time.Duration
}

// DefaultConfig returns a Config with sensible production defaults.
func DefaultConfig() Config {
	return Config{
		Host:            "0.0.0.0",
		Port:            8080,
		ShutdownTimeout: 30 * time.Second,
		CORSOrigins:     []string{"*"},
		RateLimit:       120,
		SampleInterval:  30 * time.Second,
	}
}

// Server is the top-level HTTP server for keygate. It owns the Chi router
// and borrows the key store, authentication service and metrics.
type Server struct {
	cfg        Config
	router     chi.Router
	store      *config.Store
	authSvc    *service.AuthService
	metrics    *telemetry.Metrics
	sampler    *telemetry.Sampler
	httpServer *http.Server
	logger     *slog.Logger
	version    string
}

// New creates a new Server and wires up all routes and middleware. Call
// ListenAndServe to start accepting connections. metrics may be nil.
func New(cfg Config, store *config.Store, authSvc *service.AuthService, metrics *telemetry.Metrics, logger *slog.Logger, version string) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:     cfg,
		store:   store,
		authSvc: authSvc,
		metrics: metrics,
		logger:  logger,
		version: version,
	}
	s.sampler = telemetry.NewSampler(metrics, store.CountActiveAPIKeys, cfg.SampleInterval, logger)
	if err := s.setupRouter(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Server) setupRouter() error {
	spec, err := handler.NewOpenAPIHandler(openapi.Generate("", s.version))
	if err != nil {
		return err
	}

	gate := &middleware.Gate{Auth: s.authSvc, Logger: s.logger, Metrics: s.metrics}
	keys := handler.NewKeyHandler(s.store, s.logger, s.metrics)

	r := chi.NewRouter()

	// --- Global middleware ---
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger(s.logger))
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID", "WWW-Authenticate"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	if s.metrics != nil {
		r.Use(middleware.Metrics(s.metrics))
	}

	// --- Operational endpoints (no auth required) ---
	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	r.Get("/openapi.json", spec.ServeSpec)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}

	// --- Key management (root secret or admin key) ---
	r.Route("/keys", func(r chi.Router) {
		r.Use(middleware.RateLimit(s.cfg.RateLimit))
		r.Use(gate.RequireAdmin)

		r.Post("/", keys.CreateKey)
		r.Get("/", keys.ListKeys)
		r.Get("/{id}", keys.GetKey)
		r.Put("/{id}", keys.UpdateKey)
		r.Delete("/{id}", keys.DeleteKey)
	})

	// --- Key holders ---
	r.With(gate.RequireKey).Get("/me", handler.Me)
	r.With(gate.OptionalKey).Get("/status", handler.Status)

	s.router = r
	return nil
}

// handleHealthz is a liveness probe. Returns 200 if the process is running.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}

// handleReadyz is a readiness probe. Returns 200 with the active key count
// when the store answers, or 503 otherwise.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	w.Header().Set("Content-Type", "application/json")

	n, err := s.readiness(ctx)
	if err != nil {
		s.logger.Warn("readiness check failed", "error", err, "request_id", middleware.GetRequestID(r.Context()))
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]interface{}{"status": "unavailable"})
		return
	}

	s.metrics.SetActiveKeys(n)
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":     "ok",
		"activeKeys": n,
	})
}

func (s *Server) readiness(ctx context.Context) (int, error) {
	if err := s.store.Ping(ctx); err != nil {
		return 0, err
	}
	return s.store.CountActiveAPIKeys(ctx)
}

// ListenAndServe starts the HTTP server and blocks until a SIGINT or SIGTERM
// is received. It then performs a graceful shutdown, draining in-flight
// requests. The caller still owns the store.
func (s *Server) ListenAndServe() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// Listen for shutdown signals
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	s.sampler.Start()
	defer s.sampler.Shutdown()

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server starting",
			"addr", addr,
			"driver", s.store.Driver(),
			"root_secret", s.authSvc.RootConfigured(),
		)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return errors.Wrap(err, "server listen")
	case <-ctx.Done():
		s.logger.Info("shutdown signal received, draining connections...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "server shutdown")
	}

	s.logger.Info("server stopped")
	return nil
}

// Router returns the underlying Chi router, useful for testing.
func (s *Server) Router() chi.Router {
	return s.router
}

// ServeHTTP implements http.Handler, delegating to the router.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
