// Package fsm implements the per-conversation task lifecycle machine. Every
// conversation advances through classification, optional planning and
// approval, execution, and completion; the transition matrix below is the
// single source of truth for which moves are legal.
package fsm

import (
	"errors"
	"fmt"
)

// State is one lifecycle state of a conversation's current task.
type State string

const (
	StateIdle              State = "IDLE"
	StateClassify          State = "CLASSIFY"
	StatePlanRequired      State = "PLAN_REQUIRED"
	StateArchitectPlanning State = "ARCHITECT_PLANNING"
	StatePlanReview        State = "PLAN_REVIEW"
	StatePlanExecution     State = "PLAN_EXECUTION"
	StateExecution         State = "EXECUTION"
	StateErrorHandling     State = "ERROR_HANDLING"
	StateCompleted         State = "COMPLETED"
)

// String implements fmt.Stringer.
func (s State) String() string { return string(s) }

// AllStates lists every reachable state.
func AllStates() []State {
	return []State{
		StateIdle, StateClassify, StatePlanRequired, StateArchitectPlanning,
		StatePlanReview, StatePlanExecution, StateExecution,
		StateErrorHandling, StateCompleted,
	}
}

// ValidState reports whether s names a known state.
func ValidState(s State) bool {
	switch s {
	case StateIdle, StateClassify, StatePlanRequired, StateArchitectPlanning,
		StatePlanReview, StatePlanExecution, StateExecution,
		StateErrorHandling, StateCompleted:
		return true
	default:
		return false
	}
}

// Event is a stimulus that may advance the machine.
type Event string

const (
	EventReceiveMessage            Event = "receiveMessage"
	EventIsAtomicTrue              Event = "isAtomicTrue"
	EventIsAtomicFalse             Event = "isAtomicFalse"
	EventClassifyError             Event = "classifyError"
	EventRouteToArchitect          Event = "routeToArchitect"
	EventPlanCreated               Event = "planCreated"
	EventPlanningFailed            Event = "planningFailed"
	EventPlanApproved              Event = "planApproved"
	EventPlanRejected              Event = "planRejected"
	EventPlanModificationRequested Event = "planModificationRequested"
	EventPlanExecutionCompleted    Event = "planExecutionCompleted"
	EventPlanExecutionFailed       Event = "planExecutionFailed"
	EventAllSubtasksDone           Event = "allSubtasksDone"
	EventSubtaskFailed             Event = "subtaskFailed"
	EventRequiresReplanning        Event = "requiresReplanning"
	EventRetrySubtask              Event = "retrySubtask"
	EventPlanCancelled             Event = "planCancelled"
	EventReset                     Event = "reset"
)

// String implements fmt.Stringer.
func (e Event) String() string { return string(e) }

// transitionMatrix is the authoritative transition table. Any (state, event)
// pair missing here is a hard error; there are no implicit moves.
var transitionMatrix = map[State]map[Event]State{
	StateIdle: {
		EventReceiveMessage: StateClassify,
	},
	StateClassify: {
		EventIsAtomicTrue:  StateExecution,
		EventIsAtomicFalse: StatePlanRequired,
		EventClassifyError: StateIdle,
	},
	StatePlanRequired: {
		EventRouteToArchitect: StateArchitectPlanning,
	},
	StateArchitectPlanning: {
		EventPlanCreated:    StatePlanReview,
		EventPlanningFailed: StateErrorHandling,
	},
	StatePlanReview: {
		EventPlanApproved:              StatePlanExecution,
		EventPlanRejected:              StateIdle,
		EventPlanModificationRequested: StateArchitectPlanning,
	},
	StatePlanExecution: {
		EventPlanExecutionCompleted: StateCompleted,
		EventPlanExecutionFailed:    StateErrorHandling,
	},
	StateExecution: {
		EventAllSubtasksDone: StateCompleted,
		EventSubtaskFailed:   StateErrorHandling,
	},
	StateErrorHandling: {
		EventRequiresReplanning: StateArchitectPlanning,
		EventRetrySubtask:       StateExecution,
		EventPlanCancelled:      StateCompleted,
	},
	StateCompleted: {
		EventReset: StateIdle,
	},
}

// ErrInvalidTransition indicates an event not permitted in the current state.
var ErrInvalidTransition = errors.New("invalid state transition")

// TransitionError carries the offending (state, event) pair. It wraps
// ErrInvalidTransition so callers can match with errors.Is.
type TransitionError struct {
	SessionID string
	From      State
	Event     Event
}

// Error implements the error interface.
func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid state transition: no edge from %s on %s (session %s)", e.From, e.Event, e.SessionID)
}

// Unwrap lets errors.Is match ErrInvalidTransition.
func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// NextState resolves the matrix for one move. The second return is false
// when the pair has no edge.
func NextState(from State, event Event) (State, bool) {
	edges, ok := transitionMatrix[from]
	if !ok {
		return "", false
	}
	to, ok := edges[event]
	return to, ok
}

// EventsFrom returns the events accepted in the given state. Used by tests
// and the inspection endpoints.
func EventsFrom(from State) []Event {
	edges := transitionMatrix[from]
	out := make([]Event, 0, len(edges))
	for e := range edges {
		out = append(out, e)
	}
	return out
}

// TransitionCount returns the number of edges in the matrix.
func TransitionCount() int {
	n := 0
	for _, edges := range transitionMatrix {
		n += len(edges)
	}
	return n
}
