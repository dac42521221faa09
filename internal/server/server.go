// Package server exposes the wagering engine over HTTP/JSON and WebSocket.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/tokenpool/internal/server/handler"
	"github.com/alanyoungcy/tokenpool/internal/server/middleware"
	"github.com/alanyoungcy/tokenpool/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
}

// Handlers aggregates all HTTP handlers that the server needs to register.
type Handlers struct {
	Health   *handler.HealthHandler
	Status   *handler.StatusHandler
	Events   *handler.EventHandler
	Accounts *handler.AccountHandler
	// Metrics serves /metrics when set.
	Metrics http.Handler
}

// Server is the HTTP + WebSocket API server.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer registers every route and wraps the mux in the CORS, logging and
// actor middleware. wsHub may be nil, in which case /ws is not served.
func NewServer(cfg Config, handlers Handlers, wsHub *ws.Hub, logging func(http.Handler) http.Handler, logger *slog.Logger) *Server {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           NewHandler(cfg, handlers, wsHub, logging),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return &Server{httpServer: srv, logger: logger}
}

// NewHandler builds the routed, wrapped handler. logging may be nil.
func NewHandler(cfg Config, handlers Handlers, wsHub *ws.Hub, logging func(http.Handler) http.Handler) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)
	if handlers.Status != nil {
		mux.HandleFunc("GET /api/status", handlers.Status.GetStatus)
	}
	if handlers.Metrics != nil {
		mux.Handle("GET /metrics", handlers.Metrics)
	}

	a := handlers.Accounts
	mux.HandleFunc("POST /api/accounts", a.Signup)
	mux.HandleFunc("GET /api/accounts/{id}", a.GetAccount)
	mux.HandleFunc("GET /api/accounts/{id}/balance", a.GetBalance)
	mux.HandleFunc("GET /api/accounts/{id}/ledger", a.GetLedger)
	mux.HandleFunc("POST /api/accounts/{id}/deactivate", a.Deactivate)
	mux.HandleFunc("POST /api/admin/accounts/{id}/adjustments", a.Adjust)

	e := handlers.Events
	mux.HandleFunc("POST /api/events", e.CreateEvent)
	mux.HandleFunc("GET /api/events", e.ListEvents)
	mux.HandleFunc("GET /api/events/{id}", e.GetEvent)
	mux.HandleFunc("DELETE /api/events/{id}", e.DeleteEvent)
	mux.HandleFunc("GET /api/events/{id}/probabilities", e.GetProbabilities)
	mux.HandleFunc("GET /api/events/{id}/stakes", e.ListStakes)
	mux.HandleFunc("POST /api/events/{id}/bets", e.PlaceBet)
	mux.HandleFunc("POST /api/events/{id}/close", e.CloseEvent)
	mux.HandleFunc("POST /api/events/{id}/reopen", e.ReopenEvent)
	mux.HandleFunc("POST /api/events/{id}/resolve", e.ResolveEvent)
	mux.HandleFunc("GET /api/events/{id}/settlement", e.GetSettlement)

	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}

	var h http.Handler = middleware.Actor(mux)
	if logging != nil {
		h = logging(h)
	}
	return middleware.CORS(cfg.CORSOrigins)(h)
}

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
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
