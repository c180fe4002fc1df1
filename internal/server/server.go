package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/celoledger/internal/domain"
	"github.com/alanyoungcy/celoledger/internal/server/handler"
	"github.com/alanyoungcy/celoledger/internal/server/middleware"
	"github.com/alanyoungcy/celoledger/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	// APIKey guards the write routes. When empty they are not registered.
	APIKey string

	// RateLimit caps requests per client address per RateWindow. Zero
	// disables limiting, as does a nil limiter.
	RateLimit  int
	RateWindow time.Duration
}

// Handlers aggregates the HTTP handlers the server registers. Reconcile and
// Quarantine are optional; their routes are omitted when nil. Replay and
// Reconcile are also omitted when Config.APIKey is empty.
type Handlers struct {
	Health       *handler.HealthHandler
	Markets      *handler.MarketHandler
	Participants *handler.ParticipantHandler
	Reconcile    *handler.ReconcileHandler
	Quarantine   *handler.QuarantineHandler
	Metrics      http.Handler
}

// Server is the read API and websocket fan-out of the ledger.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
}

// NewServer registers every route and wraps the mux in the middleware chain.
func NewServer(cfg Config, handlers Handlers, wsHub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)
	mux.HandleFunc("GET /api/sync", handlers.Health.Sync)

	mux.HandleFunc("GET /api/markets", handlers.Markets.ListMarkets)
	mux.HandleFunc("GET /api/markets/{id}", handlers.Markets.GetMarket)
	mux.HandleFunc("GET /api/markets/{id}/stats", handlers.Markets.Stats)

	mux.HandleFunc("GET /api/markets/{id}/participants", handlers.Participants.List)
	mux.HandleFunc("GET /api/markets/{id}/participants/{address}", handlers.Participants.Get)
	mux.HandleFunc("GET /api/frozen", handlers.Participants.Frozen)

	if cfg.APIKey != "" {
		mux.HandleFunc("POST /api/markets/{id}/participants/{address}/replay", handlers.Participants.Replay)
		if handlers.Reconcile != nil {
			mux.HandleFunc("POST /api/reconcile", handlers.Reconcile.Reconcile)
		}
	} else {
		logger.Warn("server: api_key not set, replay and reconcile routes disabled")
	}
	if handlers.Quarantine != nil {
		mux.HandleFunc("GET /api/quarantine", handlers.Quarantine.List)
	}
	if handlers.Metrics != nil {
		mux.Handle("GET /metrics", handlers.Metrics)
	}
	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}

	// Outermost last: CORS answers preflights before auth or limiting run.
	var h http.Handler = mux
	h = middleware.Auth(cfg.APIKey)(h)
	h = middleware.RateLimit(limiter, cfg.RateLimit, cfg.RateWindow, logger)(h)
	h = middleware.Logging(logger)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return &Server{
		httpServer: srv,
		handler:    h,
		logger:     logger.With(slog.String("component", "server")),
	}
}

// Handler returns the fully wrapped handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Run serves until ctx is cancelled, then shuts down within timeout.
func (s *Server) Run(ctx context.Context, timeout time.Duration) error {
	errCh := make(chan error, 1)
	go func() { errCh <- s.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
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
