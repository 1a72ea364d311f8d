// Package proto defines the shared vocabulary of the runtime: the stream
// chunk protocol emitted to callers, the status enums persisted by the
// repositories, and the event names published on the internal bus.
package proto

import (
	"encoding/json"
	"fmt"
)

// ChunkType tags a StreamChunk variant.
type ChunkType string

const (
	// ChunkAssistantMessage carries final assistant text for the turn.
	ChunkAssistantMessage ChunkType = "assistant_message"

	// ChunkToolCall asks the transport to execute a tool (IDE-side or local).
	ChunkToolCall ChunkType = "tool_call"

	// ChunkToolResult reports the outcome of a tool execution.
	ChunkToolResult ChunkType = "tool_result"

	// ChunkStatus carries progress text with no protocol effect.
	ChunkStatus ChunkType = "status"

	// ChunkSwitchAgent announces an agent routing decision.
	ChunkSwitchAgent ChunkType = "switch_agent"

	// ChunkError is the single terminal error emission of a failing path.
	ChunkError ChunkType = "error"

	// ChunkPlanCreated announces a freshly drafted execution plan.
	ChunkPlanCreated ChunkType = "plan_created"

	// ChunkPlanApprovalRequired suspends the flow until a plan decision arrives.
	ChunkPlanApprovalRequired ChunkType = "plan_approval_required"

	// ChunkPlanRejected reports a rejected plan.
	ChunkPlanRejected ChunkType = "plan_rejected"

	// ChunkPlanCompleted reports a fully executed plan.
	ChunkPlanCompleted ChunkType = "plan_completed"

	// ChunkSubtaskCompleted reports one finished subtask during plan execution.
	ChunkSubtaskCompleted ChunkType = "subtask_completed"

	// ChunkExecutionCompleted summarizes a finished plan execution run.
	ChunkExecutionCompleted ChunkType = "execution_completed"
)

// validChunkTypes is the closed set accepted on the wire.
//
//nolint:gochecknoglobals // Immutable lookup table
var validChunkTypes = map[ChunkType]bool{
	ChunkAssistantMessage:     true,
	ChunkToolCall:             true,
	ChunkToolResult:           true,
	ChunkStatus:               true,
	ChunkSwitchAgent:          true,
	ChunkError:                true,
	ChunkPlanCreated:          true,
	ChunkPlanApprovalRequired: true,
	ChunkPlanRejected:         true,
	ChunkPlanCompleted:        true,
	ChunkSubtaskCompleted:     true,
	ChunkExecutionCompleted:   true,
}

// ValidChunkType reports whether t is a known chunk type.
func ValidChunkType(t ChunkType) bool {
	return validChunkTypes[t]
}

// StreamChunk is the single tagged envelope every producer emits. Only the
// fields relevant to the chunk's type are populated; is_final marks the last
// chunk of the current call.
type StreamChunk struct {
	Type              ChunkType      `json:"type"`
	Content           string         `json:"content,omitempty"`
	Token             string         `json:"token,omitempty"`
	ToolName          string         `json:"tool_name,omitempty"`
	Arguments         map[string]any `json:"arguments,omitempty"`
	CallID            string         `json:"call_id,omitempty"`
	ToolCallID        string         `json:"tool_call_id,omitempty"`
	ApprovalRequestID string         `json:"approval_request_id,omitempty"`
	PlanID            string         `json:"plan_id,omitempty"`
	PlanSummary       map[string]any `json:"plan_summary,omitempty"`
	Error             string         `json:"error,omitempty"`
	RequiresApproval  bool           `json:"requires_approval"`
	Metadata          map[string]any `json:"metadata,omitempty"`
	IsFinal           bool           `json:"is_final"`
}

// NewAssistantMessageChunk builds a final assistant text chunk.
func NewAssistantMessageChunk(content string) StreamChunk {
	return StreamChunk{Type: ChunkAssistantMessage, Content: content}
}

// NewToolCallChunk builds a tool invocation request chunk.
func NewToolCallChunk(callID, toolName string, arguments map[string]any, requiresApproval bool) StreamChunk {
	return StreamChunk{
		Type:             ChunkToolCall,
		CallID:           callID,
		ToolName:         toolName,
		Arguments:        arguments,
		RequiresApproval: requiresApproval,
	}
}

// NewToolResultChunk builds a tool outcome chunk paired to its call.
func NewToolResultChunk(toolCallID, content string) StreamChunk {
	return StreamChunk{Type: ChunkToolResult, ToolCallID: toolCallID, Content: content}
}

// NewStatusChunk builds a progress chunk.
func NewStatusChunk(content string) StreamChunk {
	return StreamChunk{Type: ChunkStatus, Content: content}
}

// NewSwitchAgentChunk builds a routing announcement.
func NewSwitchAgentChunk(from, to AgentType, reason string, confidence float64) StreamChunk {
	return StreamChunk{
		Type:    ChunkSwitchAgent,
		Content: fmt.Sprintf("Switching agent: %s -> %s", from, to),
		Metadata: map[string]any{
			"from_agent": string(from),
			"to_agent":   string(to),
			"reason":     reason,
			"confidence": confidence,
		},
	}
}

// NewErrorChunk builds the terminal error chunk of a failing path.
func NewErrorChunk(message string, metadata map[string]any) StreamChunk {
	return StreamChunk{Type: ChunkError, Error: message, Metadata: metadata, IsFinal: true}
}

// NewPlanCreatedChunk announces a drafted plan with its summary.
func NewPlanCreatedChunk(planID string, summary map[string]any) StreamChunk {
	return StreamChunk{Type: ChunkPlanCreated, PlanID: planID, PlanSummary: summary}
}

// NewPlanApprovalRequiredChunk suspends the caller on a plan decision.
func NewPlanApprovalRequiredChunk(approvalRequestID, planID string, summary map[string]any) StreamChunk {
	return StreamChunk{
		Type:              ChunkPlanApprovalRequired,
		ApprovalRequestID: approvalRequestID,
		PlanID:            planID,
		PlanSummary:       summary,
		IsFinal:           true,
	}
}

// NewPlanRejectedChunk reports a rejected plan.
func NewPlanRejectedChunk(planID, reason string) StreamChunk {
	return StreamChunk{
		Type:     ChunkPlanRejected,
		PlanID:   planID,
		Content:  reason,
		Metadata: map[string]any{"reason": reason},
	}
}

// NewPlanCompletedChunk reports a fully executed plan.
func NewPlanCompletedChunk(planID string) StreamChunk {
	return StreamChunk{Type: ChunkPlanCompleted, PlanID: planID}
}

// NewSubtaskCompletedChunk reports one finished subtask.
func NewSubtaskCompletedChunk(planID, subtaskID, status, result string) StreamChunk {
	return StreamChunk{
		Type:    ChunkSubtaskCompleted,
		PlanID:  planID,
		Content: result,
		Metadata: map[string]any{
			"subtask_id": subtaskID,
			"status":     status,
		},
	}
}

// NewExecutionCompletedChunk summarizes a plan run with done/total counts.
func NewExecutionCompletedChunk(planID string, completed, total int) StreamChunk {
	return StreamChunk{
		Type:    ChunkExecutionCompleted,
		PlanID:  planID,
		Content: fmt.Sprintf("Execution completed: %d/%d subtasks", completed, total),
		Metadata: map[string]any{
			"completed_count": completed,
			"total_count":     total,
		},
		IsFinal: true,
	}
}

// WithFinal returns a copy of the chunk marked final.
func (c StreamChunk) WithFinal() StreamChunk {
	c.IsFinal = true
	return c
}

// WithMetadata returns a copy with the given keys merged into Metadata.
func (c StreamChunk) WithMetadata(meta map[string]any) StreamChunk {
	if len(meta) == 0 {
		return c
	}
	merged := make(map[string]any, len(c.Metadata)+len(meta))
	for k, v := range c.Metadata {
		merged[k] = v
	}
	for k, v := range meta {
		merged[k] = v
	}
	c.Metadata = merged
	return c
}

// Encode renders the chunk as a single JSON line (no trailing newline).
func (c StreamChunk) Encode() ([]byte, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to encode stream chunk: %w", err)
	}
	return data, nil
}

// DecodeChunk parses one JSON line into a StreamChunk and validates its type.
func DecodeChunk(data []byte) (StreamChunk, error) {
	var c StreamChunk
	if err := json.Unmarshal(data, &c); err != nil {
		return StreamChunk{}, fmt.Errorf("failed to decode stream chunk: %w", err)
	}
	if !ValidChunkType(c.Type) {
		return StreamChunk{}, fmt.Errorf("unknown chunk type: %s", c.Type)
	}
	return c, nil
}
