// Package httpapi is the runtime's HTTP surface: session CRUD, the
// streaming message and decision endpoints, approval inspection, health and
// Prometheus metrics. Handlers decode, delegate to the session facade, and
// shape responses; no orchestration logic lives here.
package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"conductor/pkg/approval"
	"conductor/pkg/fsm"
	"conductor/pkg/logx"
	"conductor/pkg/metrics"
	"conductor/pkg/session"
)

// shutdownGrace bounds how long an exiting server waits for in-flight
// requests.
const shutdownGrace = 5 * time.Second

// Deps bundles what the handlers touch. Queries and Gatherer are optional:
// without Queries the per-session metrics endpoint reports itself
// unavailable, and without Gatherer /metrics serves the default registry.
type Deps struct {
	Facade        *session.Facade
	Conversations *session.Service
	Agents        *session.AgentContexts
	Machines      *fsm.Registry
	Approvals     *approval.Manager
	Queries       *metrics.QueryService
	DB            *sql.DB
	Gatherer      prometheus.Gatherer
}

// Server is the HTTP transport over the orchestration runtime.
type Server struct {
	deps   Deps
	logger *logx.Logger
}

// NewServer creates the transport over its collaborators.
func NewServer(deps Deps) *Server {
	return &Server{
		deps:   deps,
		logger: logx.NewLogger("httpapi"),
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /sessions", s.handleCreateSession)
	mux.HandleFunc("GET /sessions", s.handleListSessions)
	mux.HandleFunc("GET /sessions/{id}", s.handleGetSession)
	mux.HandleFunc("POST /sessions/{id}/messages", s.handleMessage)
	mux.HandleFunc("POST /sessions/{id}/tool-results", s.handleToolResult)
	mux.HandleFunc("POST /sessions/{id}/plan-decision", s.handlePlanDecision)
	mux.HandleFunc("POST /sessions/{id}/tool-decision", s.handleToolDecision)
	mux.HandleFunc("GET /sessions/{id}/approvals", s.handleApprovals)
	mux.HandleFunc("GET /sessions/{id}/metrics", s.handleSessionMetrics)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", s.metricsHandler())

	return mux
}

func (s *Server) metricsHandler() http.Handler {
	if s.deps.Gatherer != nil {
		return promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{})
	}
	return promhttp.Handler()
}

// Start serves on addr without blocking and shuts down gracefully when ctx
// is cancelled.
func (s *Server) Start(ctx context.Context, addr string) error {
	server := &http.Server{
		Addr:    addr,
		Handler: s.Handler(),
	}

	errc := make(chan error, 1)
	go func() {
		s.logger.Info("🌐 listening on %s", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	go func() {
		<-ctx.Done()
		s.logger.Info("🌐 shutting down HTTP server")
		// The parent context is already cancelled; shutdown needs its own.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		//nolint:contextcheck // fresh context required after parent cancellation
		if err := server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("HTTP server shutdown failed: %v", err)
		}
	}()

	// Surface an immediate bind failure to the caller.
	select {
	case err := <-errc:
		return err
	case <-time.After(100 * time.Millisecond):
		return nil
	}
}

// writeJSON encodes one response body.
func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error("Failed to encode response: %v", err)
	}
}

// writeError maps an error to its status and a JSON error body.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	s.writeJSON(w, statusFor(err), map[string]string{"error": err.Error()})
}

// statusFor maps the runtime's error taxonomy onto HTTP statuses: unknown
// ids are 404, requests that conflict with the conversation's current state
// are 409, rejected input is 400, the rest is 500.
func statusFor(err error) int {
	var verr *session.MessageValidationError
	switch {
	case errors.Is(err, session.ErrNotFound), errors.Is(err, approval.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, approval.ErrAlreadyDecided), errors.Is(err, fsm.ErrInvalidTransition):
		return http.StatusConflict
	case errors.As(err, &verr):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// decode parses a JSON request body into dst.
func decode(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return errors.New("invalid JSON body")
	}
	return nil
}
