// Package api serves the daemon's HTTP surface: the command execute
// endpoint, droplet/system/project shortcuts, the audit trail, daemon
// status, the synchronous chat round-trip and the websocket chat
// terminal. Every command body is routed through the dispatcher, so the
// allow-list and the audit trail cover API-driven commands exactly as
// they cover chat-driven ones.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/opsgate/opsgate/internal/audit"
	"github.com/opsgate/opsgate/internal/channels"
	"github.com/opsgate/opsgate/internal/command"
)

// Handler routes command envelopes; the dispatcher implements it.
type Handler interface {
	Handle(ctx context.Context, channel string, cmd command.Command) command.Result
}

// ProjectDirectory lists registered project names.
type ProjectDirectory interface {
	Names() []string
}

// Config wires the server's collaborators. Trail, Chat and WS may be nil
// when the matching feature is disabled; the affected endpoints then
// answer 501.
type Config struct {
	Host    string
	Port    int
	Version string

	Handler  Handler
	Projects ProjectDirectory
	Trail    audit.Querier
	Chat     *channels.HTTPChannel
	WS       *channels.WSChannel
	Channels []string

	Auth AuthSettings
}

// Server is the HTTP API server.
type Server struct {
	cfg    Config
	auth   AuthSettings
	logger *slog.Logger

	httpServer *http.Server
	started    time.Time
}

// NewServer creates the API server.
func NewServer(cfg Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:     cfg,
		auth:    cfg.Auth,
		logger:  logger.With("component", "api"),
		started: time.Now(),
	}
}

// Start runs the HTTP server until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	if !s.auth.configured() {
		s.logger.Warn("API authentication disabled — configure auth before exposing the port")
	}

	s.httpServer = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:     s.handler(),
		ReadTimeout: 15 * time.Second,
		// Chat round-trips wait on the model, so writes get more room
		// than reads.
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("API server starting", "addr", s.httpServer.Addr)

	// Run server in goroutine
	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Wait for shutdown or error
	select {
	case <-ctx.Done():
		s.logger.Info("shutting down API server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// handler assembles the route table and the middleware chain.
func (s *Server) handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/execute", s.handleExecute)
	mux.HandleFunc("/api/droplets", s.handleDroplets)
	mux.HandleFunc("/api/droplets/", s.handleDropletDetail)
	mux.HandleFunc("/api/system/status", s.handleSystemStatus)
	mux.HandleFunc("/api/system/process/", s.handleSystemProcess)
	mux.HandleFunc("/api/projects", s.handleProjects)
	mux.HandleFunc("/api/projects/", s.handleProjectDetail)
	mux.HandleFunc("/api/audit", s.handleAudit)
	mux.HandleFunc("/api/chat", s.handleChat)
	mux.HandleFunc("/api/chat/ws", s.handleChatWS)

	return s.corsMiddleware(s.loggingMiddleware(s.authMiddleware(mux)))
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

// corsMiddleware adds CORS headers
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// respondJSON writes a JSON response
func (s *Server) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("failed to encode JSON", "error", err)
	}
}

// respondError writes a JSON error body with the given status.
func (s *Server) respondError(w http.ResponseWriter, status int, msg string) {
	s.respondJSON(w, status, map[string]string{"error": msg})
}
