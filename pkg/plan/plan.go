// Package plan defines execution plans, their subtask DAG, and the
// dependency resolver used to schedule subtasks.
package plan

import (
	"fmt"
	"time"

	"conductor/pkg/proto"
	"conductor/pkg/utils"
)

// ExecutionPlan is an ordered list of subtasks produced by the architect
// for one conversation. The plan owns its subtasks; dependencies reference
// other subtasks by ID and always point at earlier positions in the list.
type ExecutionPlan struct {
	ID             string           `json:"id"`
	ConversationID string           `json:"conversation_id"`
	Goal           string           `json:"goal"`
	Status         proto.PlanStatus `json:"status"`
	Subtasks       []*Subtask       `json:"subtasks"`
	CreatedAt      time.Time        `json:"created_at"`
	ApprovedAt     *time.Time       `json:"approved_at,omitempty"`
	StartedAt      *time.Time       `json:"started_at,omitempty"`
	CompletedAt    *time.Time       `json:"completed_at,omitempty"`
}

// Subtask is one node of a plan's dependency DAG, assigned to a single
// worker agent.
type Subtask struct {
	ID            string              `json:"id"`
	Description   string              `json:"description"`
	Agent         proto.AgentType     `json:"agent"`
	Status        proto.SubtaskStatus `json:"status"`
	DependsOn     []string            `json:"depends_on"`
	EstimatedTime string              `json:"estimated_time,omitempty"`
	Result        string              `json:"result,omitempty"`
	Error         string              `json:"error,omitempty"`
	RetryCount    int                 `json:"retry_count"`
	StartedAt     *time.Time          `json:"started_at,omitempty"`
	CompletedAt   *time.Time          `json:"completed_at,omitempty"`
}

// NewExecutionPlan creates a draft plan with a fresh ID.
func NewExecutionPlan(conversationID, goal string) *ExecutionPlan {
	return &ExecutionPlan{
		ID:             utils.NewID(),
		ConversationID: conversationID,
		Goal:           goal,
		Status:         proto.PlanDraft,
		CreatedAt:      time.Now().UTC(),
	}
}

// NewSubtask creates a pending subtask with a fresh ID.
func NewSubtask(description string, agent proto.AgentType, dependsOn []string) *Subtask {
	return &Subtask{
		ID:          utils.NewID(),
		Description: description,
		Agent:       agent,
		Status:      proto.SubtaskPending,
		DependsOn:   dependsOn,
	}
}

// SubtaskByID returns the subtask with the given ID, or nil.
func (p *ExecutionPlan) SubtaskByID(id string) *Subtask {
	for _, st := range p.Subtasks {
		if st.ID == id {
			return st
		}
	}
	return nil
}

// SubtaskIndex returns the position of the subtask in the plan, or -1.
func (p *ExecutionPlan) SubtaskIndex(id string) int {
	for i, st := range p.Subtasks {
		if st.ID == id {
			return i
		}
	}
	return -1
}

// MarkApproved transitions the plan from draft to approved.
func (p *ExecutionPlan) MarkApproved() error {
	if p.Status != proto.PlanDraft {
		return fmt.Errorf("plan %s is not in draft status (current: %s)", p.ID, p.Status)
	}
	now := time.Now().UTC()
	p.Status = proto.PlanApproved
	p.ApprovedAt = &now
	return nil
}

// MarkInProgress transitions the plan to in_progress. Re-entering
// in_progress is allowed so an interrupted plan can resume.
func (p *ExecutionPlan) MarkInProgress() error {
	if p.Status != proto.PlanApproved && p.Status != proto.PlanInProgress {
		return fmt.Errorf("plan %s is not executable (current: %s)", p.ID, p.Status)
	}
	if p.StartedAt == nil {
		now := time.Now().UTC()
		p.StartedAt = &now
	}
	p.Status = proto.PlanInProgress
	return nil
}

// MarkCompleted transitions the plan to completed.
func (p *ExecutionPlan) MarkCompleted() error {
	if p.Status != proto.PlanInProgress {
		return fmt.Errorf("plan %s is not in progress (current: %s)", p.ID, p.Status)
	}
	now := time.Now().UTC()
	p.Status = proto.PlanCompleted
	p.CompletedAt = &now
	return nil
}

// MarkFailed transitions the plan to failed.
func (p *ExecutionPlan) MarkFailed() error {
	if proto.IsTerminalPlanStatus(p.Status) {
		return fmt.Errorf("plan %s is already terminal (current: %s)", p.ID, p.Status)
	}
	now := time.Now().UTC()
	p.Status = proto.PlanFailed
	p.CompletedAt = &now
	return nil
}

// MarkResumed returns a failed plan to in_progress so a retried subtask can
// run. Completed subtasks keep their results.
func (p *ExecutionPlan) MarkResumed() error {
	if p.Status != proto.PlanFailed {
		return fmt.Errorf("plan %s is not failed (current: %s)", p.ID, p.Status)
	}
	p.Status = proto.PlanInProgress
	p.CompletedAt = nil
	return nil
}

// MarkCancelled transitions the plan to cancelled. Cancelling a terminal
// plan is an error.
func (p *ExecutionPlan) MarkCancelled() error {
	if proto.IsTerminalPlanStatus(p.Status) {
		return fmt.Errorf("plan %s is already terminal (current: %s)", p.ID, p.Status)
	}
	now := time.Now().UTC()
	p.Status = proto.PlanCancelled
	p.CompletedAt = &now
	return nil
}

// CompletedCount returns how many subtasks are done.
func (p *ExecutionPlan) CompletedCount() int {
	n := 0
	for _, st := range p.Subtasks {
		if st.Status == proto.SubtaskDone {
			n++
		}
	}
	return n
}

// AllDone reports whether every subtask finished successfully.
func (p *ExecutionPlan) AllDone() bool {
	for _, st := range p.Subtasks {
		if st.Status != proto.SubtaskDone {
			return false
		}
	}
	return len(p.Subtasks) > 0
}

// Summary returns the wire representation used by plan_created and
// plan_approval_required chunks.
func (p *ExecutionPlan) Summary() map[string]any {
	subtasks := make([]map[string]any, 0, len(p.Subtasks))
	for i, st := range p.Subtasks {
		subtasks = append(subtasks, map[string]any{
			"index":          i,
			"id":             st.ID,
			"description":    st.Description,
			"agent":          string(st.Agent),
			"depends_on":     st.DependsOn,
			"estimated_time": st.EstimatedTime,
		})
	}
	return map[string]any{
		"plan_id":       p.ID,
		"goal":          p.Goal,
		"status":        string(p.Status),
		"subtask_count": len(p.Subtasks),
		"subtasks":      subtasks,
	}
}

// MarkRunning transitions a subtask from pending to running.
func (s *Subtask) MarkRunning() error {
	if s.Status != proto.SubtaskPending {
		return fmt.Errorf("subtask %s is not pending (current: %s)", s.ID, s.Status)
	}
	now := time.Now().UTC()
	s.Status = proto.SubtaskRunning
	s.StartedAt = &now
	return nil
}

// MarkDone records the result and transitions a running subtask to done.
// A subtask must pass through running first.
func (s *Subtask) MarkDone(result string) error {
	if s.Status != proto.SubtaskRunning {
		return fmt.Errorf("subtask %s is not running (current: %s)", s.ID, s.Status)
	}
	now := time.Now().UTC()
	s.Status = proto.SubtaskDone
	s.Result = result
	s.Error = ""
	s.CompletedAt = &now
	return nil
}

// MarkFailed records the error and transitions the subtask to failed.
func (s *Subtask) MarkFailed(errMsg string) error {
	if s.Status == proto.SubtaskDone {
		return fmt.Errorf("subtask %s is already done", s.ID)
	}
	now := time.Now().UTC()
	s.Status = proto.SubtaskFailed
	s.Error = errMsg
	s.CompletedAt = &now
	return nil
}

// MarkBlocked flags a subtask whose dependency failed.
func (s *Subtask) MarkBlocked() {
	s.Status = proto.SubtaskBlocked
}

// ResetForRetry returns a failed subtask to pending and counts the retry.
func (s *Subtask) ResetForRetry() error {
	if s.Status != proto.SubtaskFailed {
		return fmt.Errorf("subtask %s is not failed (current: %s)", s.ID, s.Status)
	}
	s.Status = proto.SubtaskPending
	s.RetryCount++
	s.Result = ""
	s.Error = ""
	s.StartedAt = nil
	s.CompletedAt = nil
	return nil
}
