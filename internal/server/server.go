// Package server is the HTTP API of the settlement engine.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/velobridge/settle/internal/domain"
	"github.com/velobridge/settle/internal/server/handler"
	"github.com/velobridge/settle/internal/server/middleware"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port   int
	APIKey string // if empty, authentication is disabled

	// Per-client rate limit; disabled when RateLimiter is nil or
	// RateLimit <= 0.
	RateLimiter domain.RateLimiter
	RateLimit   int
	RateWindow  time.Duration
}

// Handlers aggregates the HTTP handlers the server registers.
type Handlers struct {
	Health       *handler.HealthHandler
	Requests     *handler.RequestHandler
	Liquidity    *handler.LiquidityHandler
	Receipts     *handler.ReceiptHandler
	Attestations *handler.AttestationHandler
	Events       *handler.EventsHandler
}

// Server is the headless HTTP API server of the settlement engine.
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
	logger     *slog.Logger
}

// NewServer creates a Server with all routes registered on the ServeMux and
// the middleware chain (rate limiting, auth, logging) applied.
func NewServer(cfg Config, handlers Handlers, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	// Health check.
	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)

	// Settlement requests.
	mux.HandleFunc("POST /api/requests", handlers.Requests.Submit)
	mux.HandleFunc("GET /api/requests/{id}", handlers.Requests.Get)

	// Liquidity.
	mux.HandleFunc("POST /api/liquidity/deposits", handlers.Liquidity.Deposit)
	mux.HandleFunc("POST /api/liquidity/withdrawals", handlers.Liquidity.Withdraw)
	mux.HandleFunc("GET /api/liquidity/positions", handlers.Liquidity.ListPositions)

	// Receipts.
	mux.HandleFunc("GET /api/receipts/{id}", handlers.Receipts.Get)
	mux.HandleFunc("POST /api/receipts/{id}/redeem", handlers.Receipts.Redeem)
	mux.HandleFunc("POST /api/receipts/{id}/transfer", handlers.Receipts.Transfer)

	// Oracle attestation webhook.
	mux.HandleFunc("POST /api/attestations", handlers.Attestations.Deliver)

	// Settlement event stream.
	mux.HandleFunc("GET /api/settlements/events", handlers.Events.ListSettlements)

	var h http.Handler = mux
	h = middleware.Auth(cfg.APIKey)(h)
	if cfg.RateLimiter != nil && cfg.RateLimit > 0 {
		h = middleware.RateLimit(cfg.RateLimiter, cfg.RateLimit, cfg.RateWindow)(h)
	}
	h = middleware.Logging(logger)(h)

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
		logger:     logger.With(slog.String("component", "http_server")),
	}
}

// Handler returns the fully wrapped HTTP handler. Used by tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server starting", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server, waiting for in-flight requests
// to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server shutting down")
	return s.httpServer.Shutdown(ctx)
}
