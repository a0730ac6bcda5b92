// Package server exposes the operational HTTP surface of the rebalancer:
// Prometheus metrics, health probes and a read-only status API.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/rebalancer/internal/domain"
	"github.com/alanyoungcy/rebalancer/internal/server/handler"
	"github.com/alanyoungcy/rebalancer/internal/server/middleware"
)

// Config holds the HTTP server configuration.
type Config struct {
	Addr string
	// APIKey guards /api routes. Empty disables authentication.
	APIKey string
	// RequestsPerMinute limits /api calls per client when Limiter is set.
	RequestsPerMinute int
	Limiter           domain.RateLimiter
}

// Handlers aggregates the HTTP handlers the server registers. Status and
// Metrics may be nil.
type Handlers struct {
	Health  *handler.HealthHandler
	Status  *handler.StatusHandler
	Metrics http.Handler
}

// Server is the headless HTTP server.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer registers every route and wraps them in the middleware chain.
func NewServer(cfg Config, handlers Handlers, logger *slog.Logger) *Server {
	logger = logger.With(slog.String("component", "server"))
	mux := http.NewServeMux()

	// Probes and scrapes skip authentication.
	mux.HandleFunc("GET /healthz", handlers.Health.HealthCheck)
	mux.HandleFunc("GET /readyz", handlers.Health.Ready)
	if handlers.Metrics != nil {
		mux.Handle("GET /metrics", handlers.Metrics)
	}

	if handlers.Status != nil {
		api := http.NewServeMux()
		api.HandleFunc("GET /api/wallets/{wallet}/analysis", handlers.Status.Analysis)
		api.HandleFunc("GET /api/wallets/{wallet}/reservations", handlers.Status.Reservations)
		api.HandleFunc("GET /api/rebalances/{id}", handlers.Status.Rebalance)
		api.HandleFunc("GET /api/groups/{id}", handlers.Status.Group)
		api.HandleFunc("GET /api/queue", handlers.Status.Queue)

		var h http.Handler = api
		h = middleware.Auth(cfg.APIKey)(h)
		if cfg.Limiter != nil && cfg.RequestsPerMinute > 0 {
			h = middleware.RateLimit(cfg.Limiter, cfg.RequestsPerMinute, time.Minute, logger)(h)
		}
		mux.Handle("/api/", h)
	}

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           middleware.Logging(logger, "/healthz", "/readyz", "/metrics")(mux),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return &Server{httpServer: srv, logger: logger}
}

// Handler returns the root handler, for tests.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Run serves until ctx ends, then shuts down within five seconds.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- s.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}

// Shutdown gracefully shuts down the server, waiting for in-flight requests
// to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
