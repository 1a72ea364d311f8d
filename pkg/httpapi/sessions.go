package httpapi

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"conductor/pkg/persistence"
	"conductor/pkg/proto"
	"conductor/pkg/session"
	"conductor/pkg/version"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

type createSessionRequest struct {
	Title       string `json:"title"`
	Description string `json:"description"`
}

type messageRequest struct {
	Content string `json:"content"`
}

type planDecisionRequest struct {
	ApprovalRequestID string `json:"approvalRequestId"`
	Decision          string `json:"decision"`
	Feedback          string `json:"feedback"`
}

type toolDecisionRequest struct {
	ApprovalRequestID string         `json:"approvalRequestId"`
	Decision          string         `json:"decision"`
	ModifiedArguments map[string]any `json:"modifiedArguments"`
}

type sessionSummary struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	Description  string    `json:"description,omitempty"`
	IsActive     bool      `json:"isActive"`
	CreatedAt    time.Time `json:"createdAt"`
	LastActivity time.Time `json:"lastActivity"`
	MessageCount int       `json:"messageCount"`
}

type sessionDetail struct {
	sessionSummary
	State        string          `json:"state"`
	CurrentAgent string          `json:"currentAgent"`
	Messages     []proto.Message `json:"messages"`
}

func summarize(conv *persistence.Conversation) sessionSummary {
	return sessionSummary{
		ID:           conv.ID,
		Title:        conv.Title,
		Description:  conv.Description,
		IsActive:     conv.IsActive,
		CreatedAt:    conv.CreatedAt,
		LastActivity: conv.LastActivity,
		MessageCount: len(conv.Messages),
	}
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decode(r, &req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	conv, err := s.deps.Conversations.Create(req.Title, req.Description)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, summarize(conv))
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", defaultListLimit)
	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	offset := queryInt(r, "offset", 0)
	if offset < 0 {
		offset = 0
	}

	convs, err := s.deps.Conversations.List(limit, offset)
	if err != nil {
		s.writeError(w, err)
		return
	}

	out := make([]sessionSummary, 0, len(convs))
	for _, conv := range convs {
		out = append(out, summarize(conv))
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")

	conv, err := s.deps.Conversations.Get(sessionID)
	if err != nil {
		s.writeError(w, err)
		return
	}

	detail := sessionDetail{
		sessionSummary: summarize(conv),
		Messages:       conv.Messages,
	}
	if detail.Messages == nil {
		detail.Messages = []proto.Message{}
	}
	if machine, merr := s.deps.Machines.Get(sessionID); merr == nil {
		detail.State = string(machine.Current())
	}
	if actx, aerr := s.deps.Agents.Current(sessionID); aerr == nil {
		detail.CurrentAgent = string(actx.CurrentAgent)
	}

	s.writeJSON(w, http.StatusOK, detail)
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")

	var req messageRequest
	if err := decode(r, &req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "content is required"})
		return
	}

	s.stream(w, r, func(ctx context.Context, out chan<- proto.StreamChunk) error {
		return s.deps.Facade.HandleUserMessage(ctx, sessionID, req.Content, out)
	})
}

func (s *Server) handleToolResult(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")

	var req session.ToolResult
	if err := decode(r, &req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if req.CallID == "" && req.ToolCallID == "" {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "callId or toolCallId is required"})
		return
	}

	s.stream(w, r, func(ctx context.Context, out chan<- proto.StreamChunk) error {
		return s.deps.Facade.HandleToolResult(ctx, sessionID, req, out)
	})
}

func (s *Server) handlePlanDecision(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")

	var req planDecisionRequest
	if err := decode(r, &req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if req.ApprovalRequestID == "" {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "approvalRequestId is required"})
		return
	}
	decision, err := proto.ParseDecision(req.Decision)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	s.stream(w, r, func(ctx context.Context, out chan<- proto.StreamChunk) error {
		return s.deps.Facade.HandlePlanDecision(ctx, sessionID, req.ApprovalRequestID, decision, req.Feedback, out)
	})
}

func (s *Server) handleToolDecision(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")

	var req toolDecisionRequest
	if err := decode(r, &req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if req.ApprovalRequestID == "" {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "approvalRequestId is required"})
		return
	}
	decision, err := proto.ParseDecision(req.Decision)
	if err != nil || decision == proto.DecisionModify {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "decision must be approve or reject"})
		return
	}

	s.stream(w, r, func(ctx context.Context, out chan<- proto.StreamChunk) error {
		return s.deps.Facade.HandleToolDecision(ctx, sessionID, req.ApprovalRequestID, decision, req.ModifiedArguments, out)
	})
}

func (s *Server) handleApprovals(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")

	if _, err := s.deps.Conversations.Get(sessionID); err != nil {
		s.writeError(w, err)
		return
	}

	pending, err := s.deps.Approvals.GetAllPending(sessionID, "")
	if err != nil {
		s.writeError(w, err)
		return
	}
	if pending == nil {
		pending = []*persistence.ApprovalRecord{}
	}
	s.writeJSON(w, http.StatusOK, pending)
}

func (s *Server) handleSessionMetrics(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")

	if _, err := s.deps.Conversations.Get(sessionID); err != nil {
		s.writeError(w, err)
		return
	}
	if s.deps.Queries == nil {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "metrics queries are not configured; set PROMETHEUS_URL",
		})
		return
	}

	stats, err := s.deps.Queries.GetSessionMetrics(r.Context(), sessionID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]string{
		"status":  "ok",
		"version": version.Version,
	}

	if s.deps.DB != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.deps.DB.PingContext(ctx); err != nil {
			body["status"] = "degraded"
			body["error"] = err.Error()
			s.writeJSON(w, http.StatusServiceUnavailable, body)
			return
		}
	}

	s.writeJSON(w, http.StatusOK, body)
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}
