package fsm

import (
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"conductor/pkg/persistence"
)

func createTestStore(t *testing.T) *persistence.FSMStateRepo {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "fsm_test.db")
	db, err := persistence.InitializeDatabase(dbPath)
	if err != nil {
		t.Fatalf("Failed to initialize database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return persistence.NewFSMStateRepo(db)
}

// The full transition table. Every legal move appears here and the matrix
// contains nothing else.
var allTransitions = []struct {
	from  State
	event Event
	to    State
}{
	{StateIdle, EventReceiveMessage, StateClassify},
	{StateClassify, EventIsAtomicTrue, StateExecution},
	{StateClassify, EventIsAtomicFalse, StatePlanRequired},
	{StateClassify, EventClassifyError, StateIdle},
	{StatePlanRequired, EventRouteToArchitect, StateArchitectPlanning},
	{StateArchitectPlanning, EventPlanCreated, StatePlanReview},
	{StateArchitectPlanning, EventPlanningFailed, StateErrorHandling},
	{StatePlanReview, EventPlanApproved, StatePlanExecution},
	{StatePlanReview, EventPlanRejected, StateIdle},
	{StatePlanReview, EventPlanModificationRequested, StateArchitectPlanning},
	{StatePlanExecution, EventPlanExecutionCompleted, StateCompleted},
	{StatePlanExecution, EventPlanExecutionFailed, StateErrorHandling},
	{StateExecution, EventAllSubtasksDone, StateCompleted},
	{StateExecution, EventSubtaskFailed, StateErrorHandling},
	{StateErrorHandling, EventRequiresReplanning, StateArchitectPlanning},
	{StateErrorHandling, EventRetrySubtask, StateExecution},
	{StateErrorHandling, EventPlanCancelled, StateCompleted},
	{StateCompleted, EventReset, StateIdle},
}

func TestTransitionMatrixTotality(t *testing.T) {
	if got := TransitionCount(); got != len(allTransitions) {
		t.Fatalf("Matrix has %d edges, expected %d", got, len(allTransitions))
	}

	legal := make(map[string]State)
	for _, tr := range allTransitions {
		to, ok := NextState(tr.from, tr.event)
		if !ok {
			t.Errorf("Missing edge: %s on %s", tr.from, tr.event)
			continue
		}
		if to != tr.to {
			t.Errorf("Edge %s on %s leads to %s, expected %s", tr.from, tr.event, to, tr.to)
		}
		legal[fmt.Sprintf("%s|%s", tr.from, tr.event)] = tr.to
	}

	allEvents := []Event{
		EventReceiveMessage, EventIsAtomicTrue, EventIsAtomicFalse,
		EventClassifyError, EventRouteToArchitect, EventPlanCreated,
		EventPlanningFailed, EventPlanApproved, EventPlanRejected,
		EventPlanModificationRequested, EventPlanExecutionCompleted,
		EventPlanExecutionFailed, EventAllSubtasksDone, EventSubtaskFailed,
		EventRequiresReplanning, EventRetrySubtask, EventPlanCancelled,
		EventReset,
	}

	// Every pair outside the table must have no edge.
	for _, from := range AllStates() {
		for _, event := range allEvents {
			_, ok := NextState(from, event)
			_, listed := legal[fmt.Sprintf("%s|%s", from, event)]
			if ok != listed {
				t.Errorf("Pair (%s, %s): matrix=%v, table=%v", from, event, ok, listed)
			}
		}
	}
}

func TestMachineFirePersistsTransition(t *testing.T) {
	store := createTestStore(t)
	m := NewMachine("conv-1", store)

	if m.Current() != StateIdle {
		t.Fatalf("New machine should be idle, got %s", m.Current())
	}

	err := m.Fire(EventReceiveMessage, map[string]any{"message_id": "msg-1"})
	if err != nil {
		t.Fatalf("Fire failed: %v", err)
	}
	if m.Current() != StateClassify {
		t.Errorf("Expected CLASSIFY, got %s", m.Current())
	}

	// A cold registry must restore the persisted state.
	reg := NewRegistry(store)
	restored, err := reg.Get("conv-1")
	if err != nil {
		t.Fatalf("Registry get failed: %v", err)
	}
	if restored.Current() != StateClassify {
		t.Errorf("Restored state %s, expected CLASSIFY", restored.Current())
	}
	if restored.Metadata()["message_id"] != "msg-1" {
		t.Errorf("Metadata not restored: %v", restored.Metadata())
	}
}

func TestMachineRejectsInvalidEvent(t *testing.T) {
	store := createTestStore(t)
	m := NewMachine("conv-1", store)

	err := m.Fire(EventPlanApproved, nil)
	if err == nil {
		t.Fatal("Expected error for planApproved in IDLE")
	}
	if !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Expected ErrInvalidTransition, got %v", err)
	}
	var te *TransitionError
	if !errors.As(err, &te) {
		t.Fatalf("Expected TransitionError, got %T", err)
	}
	if te.From != StateIdle || te.Event != EventPlanApproved {
		t.Errorf("TransitionError fields wrong: %+v", te)
	}
	if m.Current() != StateIdle {
		t.Errorf("State changed on invalid event: %s", m.Current())
	}
}

type failStore struct{}

func (failStore) SaveState(string, string, map[string]any) error {
	return errors.New("disk full")
}
func (failStore) GetState(string) (*persistence.FSMStateRecord, error) { return nil, nil }
func (failStore) DeleteState(string) error                            { return nil }

func TestMachineKeepsStateWhenPersistFails(t *testing.T) {
	m := NewMachine("conv-1", failStore{})

	err := m.Fire(EventReceiveMessage, nil)
	if err == nil {
		t.Fatal("Expected persistence failure to surface")
	}
	if m.Current() != StateIdle {
		t.Errorf("In-memory state advanced despite failed persist: %s", m.Current())
	}
}

func TestMachineMetadataAccumulates(t *testing.T) {
	store := createTestStore(t)
	m := NewMachine("conv-1", store)

	if err := m.Fire(EventReceiveMessage, map[string]any{"a": 1}); err != nil {
		t.Fatalf("Fire: %v", err)
	}
	if err := m.Fire(EventIsAtomicFalse, map[string]any{"b": 2}); err != nil {
		t.Fatalf("Fire: %v", err)
	}

	meta := m.Metadata()
	if meta["a"] != 1 || meta["b"] != 2 {
		t.Errorf("Metadata merge failed: %v", meta)
	}
}

func driveTo(t *testing.T, m *Machine, events ...Event) {
	t.Helper()
	for _, e := range events {
		if err := m.Fire(e, nil); err != nil {
			t.Fatalf("Fire %s failed: %v", e, err)
		}
	}
}

func TestPrepareForMessage(t *testing.T) {
	t.Run("IdleNoop", func(t *testing.T) {
		m := NewMachine("conv-1", createTestStore(t))
		if err := m.PrepareForMessage(); err != nil {
			t.Fatalf("PrepareForMessage failed: %v", err)
		}
		if m.Current() != StateIdle {
			t.Errorf("Expected IDLE, got %s", m.Current())
		}
	})

	t.Run("PlanReviewRejectsWithNewMessageReason", func(t *testing.T) {
		m := NewMachine("conv-1", createTestStore(t))
		driveTo(t, m, EventReceiveMessage, EventIsAtomicFalse, EventRouteToArchitect, EventPlanCreated)
		if m.Current() != StatePlanReview {
			t.Fatalf("Setup failed, state %s", m.Current())
		}

		if err := m.PrepareForMessage(); err != nil {
			t.Fatalf("PrepareForMessage failed: %v", err)
		}
		if m.Current() != StateIdle {
			t.Errorf("Expected IDLE, got %s", m.Current())
		}
		if m.Metadata()["reason"] != "new_message" {
			t.Errorf("Expected new_message reason, got %v", m.Metadata())
		}
	})

	t.Run("CompletedUsesResetEdge", func(t *testing.T) {
		m := NewMachine("conv-1", createTestStore(t))
		driveTo(t, m, EventReceiveMessage, EventIsAtomicTrue, EventAllSubtasksDone)
		if m.Current() != StateCompleted {
			t.Fatalf("Setup failed, state %s", m.Current())
		}

		if err := m.PrepareForMessage(); err != nil {
			t.Fatalf("PrepareForMessage failed: %v", err)
		}
		if m.Current() != StateIdle {
			t.Errorf("Expected IDLE, got %s", m.Current())
		}
	})

	t.Run("StrandedStatesForceIdle", func(t *testing.T) {
		setups := map[string][]Event{
			"classify":       {EventReceiveMessage},
			"execution":      {EventReceiveMessage, EventIsAtomicTrue},
			"error_handling": {EventReceiveMessage, EventIsAtomicTrue, EventSubtaskFailed},
		}
		for name, events := range setups {
			t.Run(name, func(t *testing.T) {
				store := createTestStore(t)
				m := NewMachine("conv-1", store)
				driveTo(t, m, events...)

				if err := m.PrepareForMessage(); err != nil {
					t.Fatalf("PrepareForMessage failed: %v", err)
				}
				if m.Current() != StateIdle {
					t.Errorf("Expected IDLE, got %s", m.Current())
				}

				// Forced reset is persisted too.
				rec, err := store.GetState("conv-1")
				if err != nil {
					t.Fatalf("GetState failed: %v", err)
				}
				if rec == nil || rec.CurrentState != string(StateIdle) {
					t.Errorf("Persisted state not reset: %+v", rec)
				}
			})
		}
	})
}

func TestRegistryColdStartIsIdle(t *testing.T) {
	reg := NewRegistry(createTestStore(t))

	m, err := reg.Get("never-seen")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if m.Current() != StateIdle {
		t.Errorf("Expected IDLE for unknown session, got %s", m.Current())
	}

	// Same machine instance on repeat lookups.
	again, err := reg.Get("never-seen")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if again != m {
		t.Error("Registry should cache machines")
	}
	if reg.CachedCount() != 1 {
		t.Errorf("Expected 1 cached machine, got %d", reg.CachedCount())
	}
}

func TestRegistryRejectsCorruptPersistedState(t *testing.T) {
	store := createTestStore(t)
	if err := store.SaveState("conv-1", "LIMBO", nil); err != nil {
		t.Fatalf("SaveState failed: %v", err)
	}

	reg := NewRegistry(store)
	if _, err := reg.Get("conv-1"); err == nil {
		t.Error("Expected error for unknown persisted state")
	}
}

func TestRegistryRemove(t *testing.T) {
	store := createTestStore(t)
	reg := NewRegistry(store)

	m, err := reg.Get("conv-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	driveTo(t, m, EventReceiveMessage)

	if err := reg.Remove("conv-1"); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if reg.CachedCount() != 0 {
		t.Errorf("Cache not emptied: %d", reg.CachedCount())
	}

	rec, err := store.GetState("conv-1")
	if err != nil {
		t.Fatalf("GetState failed: %v", err)
	}
	if rec != nil {
		t.Errorf("Stored row should be deleted, got %+v", rec)
	}
}
