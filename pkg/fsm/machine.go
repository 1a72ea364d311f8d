package fsm

import (
	"fmt"
	"sync"

	"conductor/pkg/logx"
	"conductor/pkg/persistence"
)

// StateStore is the persistence surface the machine writes through. The
// concrete implementation is persistence.FSMStateRepo.
type StateStore interface {
	SaveState(sessionID, state string, metadata map[string]any) error
	GetState(sessionID string) (*persistence.FSMStateRecord, error)
	DeleteState(sessionID string) error
}

// Machine tracks one conversation's task lifecycle. Transitions validate
// against the matrix, persist, and only then mutate memory; metadata
// accumulates across a task and clears on reset.
type Machine struct {
	sessionID string
	state     State
	metadata  map[string]any
	store     StateStore
	logger    *logx.Logger
	mu        sync.Mutex
}

// NewMachine creates a machine in the idle state.
func NewMachine(sessionID string, store StateStore) *Machine {
	return &Machine{
		sessionID: sessionID,
		state:     StateIdle,
		metadata:  make(map[string]any),
		store:     store,
		logger:    logx.NewLogger("fsm"),
	}
}

// restoredMachine rebuilds a machine from a persisted record.
func restoredMachine(rec *persistence.FSMStateRecord, store StateStore) (*Machine, error) {
	state := State(rec.CurrentState)
	if !ValidState(state) {
		return nil, fmt.Errorf("persisted state %q for session %s is unknown", rec.CurrentState, rec.SessionID)
	}
	m := NewMachine(rec.SessionID, store)
	m.state = state
	if rec.Metadata != nil {
		m.metadata = rec.Metadata
	}
	return m, nil
}

// SessionID returns the owning conversation's id.
func (m *Machine) SessionID() string { return m.sessionID }

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Metadata returns a copy of the task metadata.
func (m *Machine) Metadata() map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]any, len(m.metadata))
	for k, v := range m.metadata {
		out[k] = v
	}
	return out
}

// Fire applies one event. The move is validated against the matrix, the new
// state and merged metadata are persisted, and only on a successful write
// does the in-memory state change. An unlisted (state, event) pair returns a
// TransitionError.
func (m *Machine) Fire(event Event, patch map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	next, ok := NextState(m.state, event)
	if !ok {
		return &TransitionError{SessionID: m.sessionID, From: m.state, Event: event}
	}

	merged := make(map[string]any, len(m.metadata)+len(patch))
	for k, v := range m.metadata {
		merged[k] = v
	}
	for k, v := range patch {
		merged[k] = v
	}

	if err := m.store.SaveState(m.sessionID, string(next), merged); err != nil {
		return fmt.Errorf("failed to persist transition %s -> %s: %w", m.state, next, err)
	}

	m.logger.Info("🔄 %s: %s → %s (%s)", m.sessionID, m.state, next, event)
	m.state = next
	m.metadata = merged
	return nil
}

// Patch merges metadata into the current state without a transition. Used
// when a step suspends mid-state and must durably record where to resume.
func (m *Machine) Patch(patch map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	merged := make(map[string]any, len(m.metadata)+len(patch))
	for k, v := range m.metadata {
		merged[k] = v
	}
	for k, v := range patch {
		merged[k] = v
	}

	if err := m.store.SaveState(m.sessionID, string(m.state), merged); err != nil {
		return fmt.Errorf("failed to persist metadata patch in %s: %w", m.state, err)
	}
	m.metadata = merged
	return nil
}

// Can reports whether the event is legal in the current state.
func (m *Machine) Can(event Event) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := NextState(m.state, event)
	return ok
}

// PrepareForMessage makes the machine ready to accept receiveMessage. A new
// inbound message implicitly abandons an interactive step left behind by an
// earlier request:
//
//   - PLAN_REVIEW fires planRejected with reason "new_message"
//   - COMPLETED fires the reset edge
//   - CLASSIFY, EXECUTION and ERROR_HANDLING are forced back to idle
//
// Mid-flight states (PLAN_REQUIRED, ARCHITECT_PLANNING, PLAN_EXECUTION) are
// never observable here because the conversation lock serializes requests;
// seeing one is an error surfaced on the subsequent Fire.
func (m *Machine) PrepareForMessage() error {
	switch m.Current() {
	case StateIdle:
		return nil
	case StatePlanReview:
		return m.Fire(EventPlanRejected, map[string]any{"reason": "new_message"})
	case StateCompleted:
		return m.Fire(EventReset, nil)
	case StateClassify, StateExecution, StateErrorHandling:
		return m.forceIdle()
	default:
		return nil
	}
}

// forceIdle returns the machine to idle outside the matrix. Used only for
// the new-message reset rule on states with no idle edge.
func (m *Machine) forceIdle() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	fresh := make(map[string]any)
	if err := m.store.SaveState(m.sessionID, string(StateIdle), fresh); err != nil {
		return fmt.Errorf("failed to persist forced reset from %s: %w", m.state, err)
	}
	m.logger.Warn("🔄 %s: forcing %s → %s on new message", m.sessionID, m.state, StateIdle)
	m.state = StateIdle
	m.metadata = fresh
	return nil
}

// Registry hands out machines per session. Memory is a write-through cache
// of the repository; the stored row is the source of truth.
type Registry struct {
	store    StateStore
	machines map[string]*Machine
	mu       sync.RWMutex
}

// NewRegistry creates an empty registry over the given store.
func NewRegistry(store StateStore) *Registry {
	return &Registry{
		store:    store,
		machines: make(map[string]*Machine),
	}
}

// Get returns the session's machine, restoring it from persistence when the
// cache is cold. A session with no stored row starts idle.
func (r *Registry) Get(sessionID string) (*Machine, error) {
	r.mu.RLock()
	m, ok := r.machines[sessionID]
	r.mu.RUnlock()
	if ok {
		return m, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.machines[sessionID]; ok {
		return m, nil
	}

	rec, err := r.store.GetState(sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load fsm state for %s: %w", sessionID, err)
	}
	if rec == nil {
		m = NewMachine(sessionID, r.store)
	} else {
		m, err = restoredMachine(rec, r.store)
		if err != nil {
			return nil, err
		}
	}
	r.machines[sessionID] = m
	return m, nil
}

// Remove drops the session from the cache and deletes its stored row.
func (r *Registry) Remove(sessionID string) error {
	r.mu.Lock()
	delete(r.machines, sessionID)
	r.mu.Unlock()
	return r.store.DeleteState(sessionID)
}

// CachedCount returns how many machines are resident, for inspection.
func (r *Registry) CachedCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.machines)
}
