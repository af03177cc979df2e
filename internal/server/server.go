// Package server is the thin HTTP + WebSocket edge over the orchestration
// core: market views, quote/bet, timeline forking, positions, status, and
// the event stream. Auth, CORS, and per-client rate limiting live in
// middleware; everything else is delegated to the service layer and the
// orchestrator's guarded surfaces.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/echelon-core/echelon/internal/domain"
	"github.com/echelon-core/echelon/internal/server/handler"
	"github.com/echelon-core/echelon/internal/server/middleware"
	"github.com/echelon-core/echelon/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string // if empty, authentication is disabled

	// Limiter enables per-client request limiting when non-nil.
	Limiter          domain.RateLimiter
	ClientRateLimit  int
	ClientRateWindow time.Duration
}

// Handlers aggregates all HTTP handlers that the server needs to register.
type Handlers struct {
	Health    *handler.HealthHandler
	Markets   *handler.MarketHandler
	Timelines *handler.TimelineHandler
	Positions *handler.PositionHandler
	Status    *handler.StatusHandler
}

// Server is the headless HTTP + WebSocket API server for the orchestration
// core.
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
	logger     *slog.Logger
}

// NewServer creates a new Server with all routes registered on the ServeMux.
// It wires up middleware (logging, CORS, auth) and attaches the WebSocket hub.
func NewServer(cfg Config, handlers Handlers, wsHub *ws.Hub, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	// --- Register routes ---

	// Health check (no auth required).
	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)

	// Market endpoints. Static paths are registered before the {id}
	// wildcard so "trending" and "stats" never resolve as market ids.
	mux.HandleFunc("GET /api/markets", handlers.Markets.ListMarkets)
	mux.HandleFunc("GET /api/markets/trending", handlers.Markets.Trending)
	mux.HandleFunc("GET /api/markets/stats", handlers.Markets.Stats)
	mux.HandleFunc("GET /api/markets/{id}", handlers.Markets.GetMarket)
	mux.HandleFunc("POST /api/markets/{id}/quote", handlers.Markets.Quote)
	mux.HandleFunc("POST /api/markets/{id}/bet", handlers.Markets.Bet)

	// Timeline endpoints.
	mux.HandleFunc("POST /api/timelines/fork", handlers.Timelines.Fork)
	mux.HandleFunc("GET /api/timelines/{id}", handlers.Timelines.GetTimeline)
	mux.HandleFunc("GET /api/timelines/{id}/leaderboard", handlers.Timelines.Leaderboard)

	// Position endpoints.
	mux.HandleFunc("GET /api/positions", handlers.Positions.ListPositions)
	mux.HandleFunc("GET /api/positions/history", handlers.Positions.History)

	// Operating mode and feed health.
	mux.HandleFunc("GET /api/status", handlers.Status.GetStatus)

	// WebSocket event stream.
	if wsHub != nil {
		mux.HandleFunc("GET /stream", wsHub.HandleWS)
	}

	// Build the middleware chain.
	var h http.Handler = mux

	// Apply per-client rate limiting when configured.
	if cfg.Limiter != nil && cfg.ClientRateLimit > 0 {
		h = middleware.RateLimit(cfg.Limiter, cfg.ClientRateLimit, cfg.ClientRateWindow)(h)
	}

	// Apply auth middleware (skips if APIKey is empty).
	h = middleware.Auth(cfg.APIKey)(h)

	// Apply request logging middleware.
	h = middleware.Logging(logger)(h)

	// Apply CORS middleware.
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
		mux:        mux,
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

// Shutdown gracefully shuts down the server, waiting for in-flight requests
// to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
