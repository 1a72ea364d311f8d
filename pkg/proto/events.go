package proto

import "time"

// EventName identifies an internal bus event.
type EventName string

// Bus events. Producers publish synchronously before returning so that a
// subsequent read from a different transaction observes the new state.
const (
	EventApprovalRequested      EventName = "ApprovalRequested"
	EventApprovalApproved       EventName = "ApprovalApproved"
	EventApprovalRejected       EventName = "ApprovalRejected"
	EventToolExecutionRequested EventName = "ToolExecutionRequested"
	EventToolApprovalRequired   EventName = "ToolApprovalRequired"
	EventRequestFailed          EventName = "RequestFailed"
	EventPlanExecutionStarted   EventName = "PlanExecutionStarted"
	EventPlanFailed             EventName = "PlanFailed"
	EventPlanCompleted          EventName = "PlanCompleted"
	EventSubtaskStarted         EventName = "SubtaskStarted"
	EventSubtaskCompleted       EventName = "SubtaskCompleted"
	EventSubtaskRetried         EventName = "SubtaskRetried"
)

// Event is one bus emission. Payload keys are event-specific.
type Event struct {
	Name      EventName      `json:"name"`
	SessionID string         `json:"session_id"`
	Payload   map[string]any `json:"payload,omitempty"`
	At        time.Time      `json:"at"`
}

// NewEvent builds an event stamped with the current UTC time.
func NewEvent(name EventName, sessionID string, payload map[string]any) Event {
	return Event{
		Name:      name,
		SessionID: sessionID,
		Payload:   payload,
		At:        time.Now().UTC(),
	}
}
