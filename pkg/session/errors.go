package session

import (
	"errors"
	"fmt"

	"conductor/pkg/proto"
)

// ErrNotFound reports a conversation id with no stored row.
var ErrNotFound = errors.New("conversation not found")

// MessageValidationError rejects an append that would corrupt the log:
// writing to an inactive conversation or overflowing its message cap.
type MessageValidationError struct {
	SessionID string
	Reason    string
}

// Error implements the error interface.
func (e *MessageValidationError) Error() string {
	return fmt.Sprintf("message rejected for conversation %s: %s", e.SessionID, e.Reason)
}

// AgentSwitchError rejects a routing change that violates the agent context
// invariants: switching to the agent that already owns the conversation, or
// overrunning the switch budget.
type AgentSwitchError struct {
	SessionID string
	From      proto.AgentType
	To        proto.AgentType
	Reason    string
}

// Error implements the error interface.
func (e *AgentSwitchError) Error() string {
	return fmt.Sprintf("cannot switch conversation %s from %s to %s: %s", e.SessionID, e.From, e.To, e.Reason)
}
