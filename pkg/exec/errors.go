package exec

import "fmt"

// PlanExecutionError reports a failure of the execution machinery itself:
// plans that cannot be loaded, illegal statuses, persistence failures.
type PlanExecutionError struct {
	Err    error
	PlanID string
	Op     string
}

func (e *PlanExecutionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("plan %s: %s", e.PlanID, e.Op)
	}
	return fmt.Sprintf("plan %s: %s: %v", e.PlanID, e.Op, e.Err)
}

func (e *PlanExecutionError) Unwrap() error {
	return e.Err
}

// SubtaskExecutionError reports a subtask whose agent segment ended in
// failure. Reason is the model-facing failure text.
type SubtaskExecutionError struct {
	Err       error
	PlanID    string
	SubtaskID string
	Reason    string
}

func (e *SubtaskExecutionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("subtask %s of plan %s failed: %s", e.SubtaskID, e.PlanID, e.Reason)
	}
	return fmt.Sprintf("subtask %s of plan %s failed: %s: %v", e.SubtaskID, e.PlanID, e.Reason, e.Err)
}

func (e *SubtaskExecutionError) Unwrap() error {
	return e.Err
}
