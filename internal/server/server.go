// Package server exposes the keeper over HTTP and WebSocket.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/perpcore/internal/domain"
	"github.com/alanyoungcy/perpcore/internal/server/handler"
	"github.com/alanyoungcy/perpcore/internal/server/middleware"
	"github.com/alanyoungcy/perpcore/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string // if empty, authentication is disabled

	// RateLimit is the number of requests a client may make per
	// RateWindow. Zero disables rate limiting.
	RateLimit  int
	RateWindow time.Duration
}

// Handlers aggregates everything the server registers. Keeper and Health are
// required; the rest are skipped when nil.
type Handlers struct {
	Health  *handler.HealthHandler
	Keeper  *handler.KeeperHandler
	Events  *handler.EventHandler
	Hub     *ws.Hub
	Metrics http.Handler

	Recorder middleware.RequestRecorder
	Limiter  domain.RateLimiter
}

// Server is the headless HTTP + WebSocket API server for the keeper.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// New creates a Server with all routes registered.
func New(cfg Config, h Handlers, logger *slog.Logger) *Server {
	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           Routes(cfg, h, logger),
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		logger: logger.With(slog.String("component", "http")),
	}
}

// Routes builds the mux and wraps it in the middleware chain.
func Routes(cfg Config, h Handlers, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", h.Health.HealthCheck)

	k := h.Keeper
	mux.HandleFunc("POST /api/orders", k.CreateOrder)
	mux.HandleFunc("GET /api/orders/{key}", k.GetOrder)
	mux.HandleFunc("POST /api/orders/{key}/cancel", k.CancelOrder)
	mux.HandleFunc("POST /api/orders/{key}/execute", k.ExecuteOrder)
	mux.HandleFunc("POST /api/adl/update", k.UpdateAdlState)
	mux.HandleFunc("POST /api/adl/execute", k.ExecuteAdl)
	mux.HandleFunc("POST /api/liquidations", k.ExecuteLiquidation)
	mux.HandleFunc("POST /api/liquidations/check", k.CheckLiquidation)
	mux.HandleFunc("GET /api/markets/{market}/token-price", k.TokenPrice)
	mux.HandleFunc("POST /api/markets/{market}/token-price", k.TokenPrice)
	mux.HandleFunc("GET /api/markets/{market}/adl-state", k.AdlState)

	if h.Events != nil {
		mux.HandleFunc("GET /api/events", h.Events.ListEvents)
	}
	if h.Hub != nil {
		mux.HandleFunc("GET /ws", h.Hub.HandleWS)
	}
	if h.Metrics != nil {
		mux.Handle("GET /metrics", h.Metrics)
	}

	var out http.Handler = mux
	if h.Limiter != nil && cfg.RateLimit > 0 {
		out = middleware.RateLimit(h.Limiter, cfg.RateLimit, cfg.RateWindow, logger)(out)
	}
	out = middleware.Auth(cfg.APIKey, "/api/health", "/metrics")(out)
	if h.Recorder != nil {
		out = middleware.Metrics(h.Recorder)(out)
	}
	out = middleware.Logging(logger)(out)
	if len(cfg.CORSOrigins) > 0 {
		out = middleware.CORS(cfg.CORSOrigins)(out)
	}
	return out
}

// Start listens until the server fails or is shut down.
func (s *Server) Start() error {
	s.logger.Info("HTTP server listening", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown waits for in-flight requests within the ctx deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("HTTP server shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
