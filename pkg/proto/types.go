package proto

import (
	"fmt"
	"time"
)

// AgentType identifies a worker variant in the registry.
type AgentType string

const (
	// AgentOrchestrator classifies inbound messages and routes them.
	AgentOrchestrator AgentType = "orchestrator"

	// AgentCoder implements code changes through IDE tools.
	AgentCoder AgentType = "coder"

	// AgentArchitect decomposes complex goals into subtask plans.
	AgentArchitect AgentType = "architect"

	// AgentDebug diagnoses and verifies behavior.
	AgentDebug AgentType = "debug"

	// AgentAsk answers questions without modifying anything.
	AgentAsk AgentType = "ask"

	// AgentUniversal is the single worker used in single-agent mode.
	AgentUniversal AgentType = "universal"
)

// ParseAgentType validates and converts a string to an AgentType.
func ParseAgentType(s string) (AgentType, error) {
	switch AgentType(s) {
	case AgentOrchestrator, AgentCoder, AgentArchitect, AgentDebug, AgentAsk, AgentUniversal:
		return AgentType(s), nil
	default:
		return "", fmt.Errorf("invalid agent type: %s", s)
	}
}

// IsWorkerAgent reports whether t can be assigned a subtask. The architect
// plans and never executes; the orchestrator only routes.
func IsWorkerAgent(t AgentType) bool {
	switch t {
	case AgentCoder, AgentDebug, AgentAsk, AgentUniversal:
		return true
	default:
		return false
	}
}

// MessageRole is the role of a conversation message.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleSystem    MessageRole = "system"
	RoleTool      MessageRole = "tool"
)

// ValidMessageRole reports whether r is a known role.
func ValidMessageRole(r MessageRole) bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem, RoleTool:
		return true
	default:
		return false
	}
}

// ToolCall is an LLM-emitted request to execute a named tool.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// Message is one entry in a conversation's ordered log. Content may be empty
// when ToolCalls is populated; ToolCallID pairs a tool-role message with the
// assistant request it answers.
type Message struct {
	Role       MessageRole    `json:"role"`
	Content    string         `json:"content,omitempty"`
	Name       string         `json:"name,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	ToolCalls  []ToolCall     `json:"tool_calls,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Timestamp  time.Time      `json:"timestamp,omitzero"`
}

// PlanStatus is the lifecycle state of an execution plan.
type PlanStatus string

const (
	PlanDraft      PlanStatus = "draft"
	PlanApproved   PlanStatus = "approved"
	PlanInProgress PlanStatus = "in_progress"
	PlanCompleted  PlanStatus = "completed"
	PlanFailed     PlanStatus = "failed"
	PlanCancelled  PlanStatus = "cancelled"
)

// ParsePlanStatus validates and converts a string to a PlanStatus.
func ParsePlanStatus(s string) (PlanStatus, error) {
	switch PlanStatus(s) {
	case PlanDraft, PlanApproved, PlanInProgress, PlanCompleted, PlanFailed, PlanCancelled:
		return PlanStatus(s), nil
	default:
		return "", fmt.Errorf("invalid plan status: %s", s)
	}
}

// IsTerminalPlanStatus reports whether a plan can no longer change state.
func IsTerminalPlanStatus(s PlanStatus) bool {
	switch s {
	case PlanCompleted, PlanFailed, PlanCancelled:
		return true
	default:
		return false
	}
}

// SubtaskStatus is the lifecycle state of one plan subtask.
type SubtaskStatus string

const (
	SubtaskPending SubtaskStatus = "pending"
	SubtaskRunning SubtaskStatus = "running"
	SubtaskDone    SubtaskStatus = "done"
	SubtaskFailed  SubtaskStatus = "failed"
	SubtaskBlocked SubtaskStatus = "blocked"
)

// ParseSubtaskStatus validates and converts a string to a SubtaskStatus.
func ParseSubtaskStatus(s string) (SubtaskStatus, error) {
	switch SubtaskStatus(s) {
	case SubtaskPending, SubtaskRunning, SubtaskDone, SubtaskFailed, SubtaskBlocked:
		return SubtaskStatus(s), nil
	default:
		return "", fmt.Errorf("invalid subtask status: %s", s)
	}
}

// ApprovalStatus is the decision state of a pending approval.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"

	// ApprovalExpired marks requests reclaimed by the timeout sweeper.
	ApprovalExpired ApprovalStatus = "expired"
)

// ParseApprovalStatus validates and converts a string to an ApprovalStatus.
func ParseApprovalStatus(s string) (ApprovalStatus, error) {
	switch ApprovalStatus(s) {
	case ApprovalPending, ApprovalApproved, ApprovalRejected, ApprovalExpired:
		return ApprovalStatus(s), nil
	default:
		return "", fmt.Errorf("invalid approval status: %s", s)
	}
}

// IsTerminalApprovalStatus reports whether the decision can no longer change.
func IsTerminalApprovalStatus(s ApprovalStatus) bool {
	return s != ApprovalPending
}

// ApprovalRequestType distinguishes tool approvals from plan approvals.
type ApprovalRequestType string

const (
	ApprovalTypeTool ApprovalRequestType = "tool"
	ApprovalTypePlan ApprovalRequestType = "plan"
)

// ParseApprovalRequestType validates and converts a string.
func ParseApprovalRequestType(s string) (ApprovalRequestType, error) {
	switch ApprovalRequestType(s) {
	case ApprovalTypeTool, ApprovalTypePlan:
		return ApprovalRequestType(s), nil
	default:
		return "", fmt.Errorf("invalid approval request type: %s", s)
	}
}

// Decision is the verdict carried by a decision endpoint.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
	DecisionModify  Decision = "modify"
)

// ParseDecision validates and converts a string to a Decision.
func ParseDecision(s string) (Decision, error) {
	switch Decision(s) {
	case DecisionApprove, DecisionReject, DecisionModify:
		return Decision(s), nil
	default:
		return "", fmt.Errorf("invalid decision: %s", s)
	}
}
