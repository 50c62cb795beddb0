// Package api implements the task agent's HTTP API.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/nugget/taskagent/internal/agent"
	"github.com/nugget/taskagent/internal/buildinfo"
	"github.com/nugget/taskagent/internal/connwatch"
	"github.com/nugget/taskagent/internal/memory"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 64 << 10

// Runner executes one chat request.
type Runner interface {
	Run(ctx context.Context, req agent.Request) (*agent.Response, error)
}

// Directory lists, fetches, and soft-deletes conversations.
type Directory interface {
	List(ctx context.Context, userID, cursor string, limit int) (memory.Page, error)
	Fetch(ctx context.Context, conversationID, userID string, includeDeleted bool) (*memory.Conversation, error)
	SoftDelete(ctx context.Context, conversationID, userID string) error
}

// HealthReporter reports the reachability of backing services.
type HealthReporter interface {
	Ready() bool
	Status() []connwatch.Status
}

type ctxKey int

const userIDKey ctxKey = iota

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response,
// which is not actionable but worth tracking for debugging.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Server is the HTTP API server.
type Server struct {
	address    string
	port       int
	userHeader string
	loop       Runner
	directory  Directory
	health     HealthReporter
	logger     *slog.Logger
	server     *http.Server
}

// NewServer creates a new API server. Requests are attributed to the
// user named in userHeader, which the fronting proxy sets after
// authenticating the caller.
func NewServer(address string, port int, userHeader string, loop Runner, directory Directory, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if userHeader == "" {
		userHeader = "X-User-ID"
	}
	return &Server{
		address:    address,
		port:       port,
		userHeader: userHeader,
		loop:       loop,
		directory:  directory,
		logger:     logger.With("component", "api"),
	}
}

// SetHealth configures the service monitor reported by /health.
func (s *Server) SetHealth(h HealthReporter) {
	s.health = h
}

// Handler returns the routed handler with logging and identity
// middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Health endpoints
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /v1/version", s.handleVersion)

	// Chat
	mux.Handle("POST /v1/chat", s.withIdentity(http.HandlerFunc(s.handleChat)))

	// Conversation directory
	mux.Handle("GET /v1/conversations", s.withIdentity(http.HandlerFunc(s.handleConversationList)))
	mux.Handle("GET /v1/conversations/{id}", s.withIdentity(http.HandlerFunc(s.handleConversationGet)))
	mux.Handle("DELETE /v1/conversations/{id}", s.withIdentity(http.HandlerFunc(s.handleConversationDelete)))

	return s.withLogging(mux)
}

// Start begins serving HTTP requests. It returns when the server stops.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 300 * time.Second, // two model calls per round plus retries
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// statusRecorder captures the response status for the access log.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start),
		)
	})
}

// withIdentity rejects requests without a user identifier and stores the
// identifier in the request context.
func (s *Server) withIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := strings.TrimSpace(r.Header.Get(s.userHeader))
		if userID == "" {
			s.logger.Warn("request without user identity", "path", r.URL.Path, "header", s.userHeader)
			s.errorResponse(w, http.StatusUnauthorized, "authentication_error",
				"I don't know who you are. Please sign in and try again.")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userIDKey, userID)))
	})
}

func userIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(userIDKey).(string)
	return id
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.RuntimeInfo(), s.logger)
}

// handleHealth reports "healthy" or "degraded". It always answers 200:
// with the model provider down the agent still serves fallback replies
// and the conversation directory.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if s.health == nil {
		writeJSON(w, map[string]any{"status": "healthy"}, s.logger)
		return
	}
	status := "healthy"
	if !s.health.Ready() {
		status = "degraded"
	}
	writeJSON(w, map[string]any{
		"status":   status,
		"services": s.health.Status(),
	}, s.logger)
}

// errorResponse writes an error body. message is shown to end users, so
// it is always plain language; details belong in the log.
func (s *Server) errorResponse(w http.ResponseWriter, code int, kind, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"type":    kind,
			"code":    code,
		},
	}, s.logger)
}
