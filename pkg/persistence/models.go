package persistence

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"conductor/pkg/proto"
)

// timeLayout is the UTC ISO-8601 format used for every persisted timestamp.
const timeLayout = "2006-01-02T15:04:05.000Z"

// NowUTC returns the current time formatted for storage.
func NowUTC() string {
	return time.Now().UTC().Format(timeLayout)
}

// FormatTime renders t for storage.
func FormatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// ParseTime parses a stored timestamp. SQLite's strftime defaults and
// FormatTime both produce this layout.
func ParseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		// Tolerate second-precision values written by older rows
		t, err = time.Parse("2006-01-02T15:04:05Z", s)
		if err != nil {
			return time.Time{}, fmt.Errorf("failed to parse timestamp %q: %w", s, err)
		}
	}
	return t, nil
}

func parseTimeOrZero(s sql.NullString) time.Time {
	if !s.Valid || s.String == "" {
		return time.Time{}
	}
	t, err := ParseTime(s.String)
	if err != nil {
		return time.Time{}
	}
	return t
}

func parseTimePtr(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t, err := ParseTime(s.String)
	if err != nil {
		return nil
	}
	return &t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return FormatTime(*t)
}

// Conversation is the aggregate root of a message log.
type Conversation struct {
	ID           string          `json:"id"`
	Title        string          `json:"title"`
	Description  string          `json:"description"`
	IsActive     bool            `json:"is_active"`
	MaxMessages  int             `json:"max_messages"`
	LastActivity time.Time       `json:"last_activity"`
	CreatedAt    time.Time       `json:"created_at"`
	Messages     []proto.Message `json:"messages"`
}

// DefaultMaxMessages caps a conversation's message log unless overridden.
const DefaultMaxMessages = 100

// NewConversation creates an active conversation with defaults applied.
func NewConversation(id string) *Conversation {
	now := time.Now().UTC()
	return &Conversation{
		ID:           id,
		IsActive:     true,
		MaxMessages:  DefaultMaxMessages,
		LastActivity: now,
		CreatedAt:    now,
	}
}

// Snapshot is an opaque, timestamped copy of a conversation's message list.
type Snapshot struct {
	SnapshotID     string          `json:"snapshot_id"`
	ConversationID string          `json:"conversation_id"`
	Messages       []proto.Message `json:"messages"`
	CreatedAt      time.Time       `json:"created_at"`
}

// ApprovalRecord is one persisted approval request.
type ApprovalRecord struct {
	RequestID      string                    `json:"request_id"`
	RequestType    proto.ApprovalRequestType `json:"request_type"`
	Subject        string                    `json:"subject"`
	SessionID      string                    `json:"session_id"`
	Details        map[string]any            `json:"details,omitempty"`
	Reason         string                    `json:"reason,omitempty"`
	Status         proto.ApprovalStatus      `json:"status"`
	CreatedAt      time.Time                 `json:"created_at"`
	DecisionAt     *time.Time                `json:"decision_at,omitempty"`
	DecisionReason string                    `json:"decision_reason,omitempty"`
}

// FSMStateRecord is the persisted per-session machine state.
type FSMStateRecord struct {
	SessionID    string         `json:"session_id"`
	CurrentState string         `json:"current_state"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// AgentSwitch is one entry in a context's append-only switch history.
type AgentSwitch struct {
	SessionID  string          `json:"session_id"`
	FromAgent  proto.AgentType `json:"from_agent"`
	ToAgent    proto.AgentType `json:"to_agent"`
	Reason     string          `json:"reason,omitempty"`
	Confidence float64         `json:"confidence"`
	Timestamp  time.Time       `json:"ts"`
}

// AgentContext tracks which agent currently owns a conversation.
type AgentContext struct {
	SessionID     string          `json:"session_id"`
	CurrentAgent  proto.AgentType `json:"current_agent"`
	SwitchCount   int             `json:"switch_count"`
	MaxSwitches   int             `json:"max_switches"`
	UpdatedAt     time.Time       `json:"updated_at"`
	SwitchHistory []AgentSwitch   `json:"switch_history,omitempty"`
}

// DefaultMaxSwitches caps agent switches per conversation.
const DefaultMaxSwitches = 10

// NewAgentContext creates a context owned by the orchestrator.
func NewAgentContext(sessionID string) *AgentContext {
	return &AgentContext{
		SessionID:    sessionID,
		CurrentAgent: proto.AgentOrchestrator,
		MaxSwitches:  DefaultMaxSwitches,
		UpdatedAt:    time.Now().UTC(),
	}
}

// ToolExecution is one audit row describing a tool invocation.
type ToolExecution struct {
	SessionID  string         `json:"session_id"`
	CallID     string         `json:"call_id,omitempty"`
	ToolName   string         `json:"tool_name"`
	Arguments  map[string]any `json:"arguments,omitempty"`
	Status     string         `json:"status,omitempty"`
	DurationMS int64          `json:"duration_ms"`
}

// LLMCall is one audit row describing a provider round trip.
type LLMCall struct {
	SessionID        string `json:"session_id"`
	Agent            string `json:"agent,omitempty"`
	Model            string `json:"model,omitempty"`
	PromptTokens     int64  `json:"prompt_tokens"`
	CompletionTokens int64  `json:"completion_tokens"`
	TotalTokens      int64  `json:"total_tokens"`
	DurationMS       int64  `json:"duration_ms"`
	FinishReason     string `json:"finish_reason,omitempty"`
	Error            string `json:"error,omitempty"`
}

func marshalJSON(v any) (string, error) {
	if v == nil {
		return "", nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to marshal json: %w", err)
	}
	return string(data), nil
}

func unmarshalMap(s sql.NullString) map[string]any {
	if !s.Valid || s.String == "" {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s.String), &m); err != nil {
		return nil
	}
	return m
}
