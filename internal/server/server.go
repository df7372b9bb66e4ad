// Package server exposes the rule CRUD API and the dashboard WebSocket
// endpoint. Everything here sits beside the engine: the HTTP layer being
// down never affects rule evaluation.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/sentinelmarkets/sentinel/internal/domain"
	"github.com/sentinelmarkets/sentinel/internal/server/handler"
	"github.com/sentinelmarkets/sentinel/internal/server/middleware"
	"github.com/sentinelmarkets/sentinel/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port            int
	CORSOrigins     []string
	RateLimitPerMin int // 0 disables API rate limiting
}

// Handlers aggregates the HTTP handlers the server registers.
type Handlers struct {
	Health *handler.HealthHandler
	Rules  *handler.RulesHandler
	Status *handler.StatusHandler
}

// Server is the HTTP + WebSocket API server.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer creates a Server with all routes registered and the middleware
// chain applied: CORS, then request logging, then owner auth, then rate
// limiting. The limiter runs innermost so it can key on the authenticated
// owner; a nil limiter disables rate limiting.
func NewServer(cfg Config, handlers Handlers, wsHub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	// Liveness, no auth required.
	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)

	// Rule lifecycle endpoints, owner-scoped.
	mux.HandleFunc("POST /api/rules", handlers.Rules.CreateRule)
	mux.HandleFunc("GET /api/rules", handlers.Rules.ListRules)
	mux.HandleFunc("GET /api/rules/{id}", handlers.Rules.GetRule)
	mux.HandleFunc("PATCH /api/rules/{id}", handlers.Rules.UpdateRule)
	mux.HandleFunc("DELETE /api/rules/{id}", handlers.Rules.CancelRule)
	mux.HandleFunc("GET /api/rules/{id}/events", handlers.Rules.ListRuleEvents)

	// Aggregate system status.
	mux.HandleFunc("GET /api/status", handlers.Status.GetStatus)

	// Dashboard WebSocket endpoint.
	if wsHub != nil {
		mux.HandleFunc("GET /api/ws", wsHub.HandleWS)
	}

	var h http.Handler = mux
	if limiter != nil && cfg.RateLimitPerMin > 0 {
		h = middleware.RateLimit(limiter, cfg.RateLimitPerMin, time.Minute)(h)
	}
	h = middleware.Auth()(h)
	h = middleware.Logging(logger)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      h,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		httpServer: srv,
		logger:     logger,
	}
}

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting",
		slog.String("addr", s.httpServer.Addr),
	)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server, waiting for in-flight
// requests to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
