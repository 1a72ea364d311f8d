// Package exec runs approved execution plans: it schedules subtasks level
// by level through the dependency resolver, isolates each subtask's working
// context behind a conversation snapshot, and folds one result message per
// subtask back into the durable log.
package exec

import (
	"context"
	"fmt"
	"strings"

	"conductor/pkg/agent"
	"conductor/pkg/dispatch"
	"conductor/pkg/logx"
	"conductor/pkg/metrics"
	"conductor/pkg/plan"
	"conductor/pkg/proto"
)

// resultClip bounds how much of a dependency's result text is replayed into
// a dependent subtask's preamble.
const resultClip = 500

// errorSentinels mark a subtask result that only looks like success. The
// proxy and the tool layer embed these strings in content instead of
// failing the call, so the executor scans for them.
var errorSentinels = []string{ //nolint:gochecknoglobals // static sentinel table
	"[Error]",
	"LiteLLM proxy unavailable",
	"No tool output found",
}

// Conversations is the durable conversation surface plan execution needs:
// the worker-facing log plus snapshot control around each subtask.
type Conversations interface {
	agent.ConversationLog
	Snapshot(sessionID string) (string, error)
	RestoreSnapshot(sessionID, snapshotID string) error
	DropSnapshot(sessionID, snapshotID string) error
}

// Workers resolves the persona assigned to a subtask. agent.Registry
// satisfies it.
type Workers interface {
	Worker(agentType proto.AgentType) (*agent.Worker, bool)
}

// Plans is the persistence surface for plan state. persistence.PlanRepo
// satisfies it.
type Plans interface {
	FindByID(id string) (*plan.ExecutionPlan, error)
	UpdatePlanStatus(p *plan.ExecutionPlan) error
	UpdateSubtask(planID string, st *plan.Subtask) error
}

// RunOutcome says how a plan run ended.
type RunOutcome int8

const (
	// OutcomeCompleted means every subtask finished.
	OutcomeCompleted RunOutcome = iota
	// OutcomeFailed means a subtask failed and the plan stopped.
	OutcomeFailed
	// OutcomeSuspended means a subtask is waiting on a tool result or an
	// approval decision; the run resumes later via Resume.
	OutcomeSuspended
	// OutcomeCancelled means the plan was cancelled out from under the run;
	// execution stopped before the next subtask started.
	OutcomeCancelled
)

// RunResult is the terminal state of one Run, Resume or RetrySubtask call.
// SubtaskID and SnapshotID are set only for suspensions; the caller persists
// them so the run can be picked up after a restart.
type RunResult struct {
	Err        error
	PlanID     string
	SubtaskID  string
	SnapshotID string
	Outcome    RunOutcome
}

// Executor drives approved plans to completion.
type Executor struct {
	plans    Plans
	conv     Conversations
	workers  Workers
	bus      *dispatch.Bus
	recorder *metrics.Recorder
	logger   *logx.Logger
}

// NewExecutor wires a plan executor.
func NewExecutor(plans Plans, conv Conversations, workers Workers, bus *dispatch.Bus, recorder *metrics.Recorder) *Executor {
	return &Executor{
		plans:    plans,
		conv:     conv,
		workers:  workers,
		bus:      bus,
		recorder: recorder,
		logger:   logx.NewLogger("executor"),
	}
}

// Run executes an approved plan from its first unfinished subtask. Progress
// chunks stream to out; the last chunk of a run is final. The call blocks
// until the run completes, fails, or suspends.
func (e *Executor) Run(ctx context.Context, sessionID, planID string, out chan<- proto.StreamChunk) RunResult {
	p, err := e.plans.FindByID(planID)
	if err != nil {
		return e.abort(ctx, out, &PlanExecutionError{PlanID: planID, Op: "load plan", Err: err})
	}
	if p == nil {
		return e.abort(ctx, out, &PlanExecutionError{PlanID: planID, Op: "plan not found"})
	}
	if p.Status != proto.PlanApproved && p.Status != proto.PlanInProgress {
		return e.abort(ctx, out, &PlanExecutionError{PlanID: planID, Op: fmt.Sprintf("plan is %s, not executable", p.Status)})
	}
	if len(p.Subtasks) == 0 {
		return e.abort(ctx, out, &PlanExecutionError{PlanID: planID, Op: "plan has no subtasks"})
	}

	if p.Status == proto.PlanApproved {
		if err := p.MarkInProgress(); err != nil {
			return e.abort(ctx, out, &PlanExecutionError{PlanID: planID, Op: "start plan", Err: err})
		}
		if err := e.plans.UpdatePlanStatus(p); err != nil {
			return e.abort(ctx, out, &PlanExecutionError{PlanID: planID, Op: "persist plan start", Err: err})
		}
	}

	e.logger.Info("▶️ executing plan %s for %s (%d subtasks)", p.ID, sessionID, len(p.Subtasks))
	e.publish(proto.EventPlanExecutionStarted, sessionID, map[string]any{"plan_id": p.ID})
	e.emit(ctx, out, proto.NewStatusChunk(fmt.Sprintf("Executing plan with %d subtasks", len(p.Subtasks))))

	return e.execute(ctx, sessionID, p, out)
}

// Resume finishes a subtask that suspended mid-segment and then continues
// the rest of the plan. The caller has already appended whatever unblocked
// the worker (a tool result or an approval decision) to the log.
func (e *Executor) Resume(ctx context.Context, sessionID, planID, subtaskID, snapshotID string, out chan<- proto.StreamChunk) RunResult {
	p, err := e.plans.FindByID(planID)
	if err != nil {
		return e.abort(ctx, out, &PlanExecutionError{PlanID: planID, Op: "load plan", Err: err})
	}
	if p == nil {
		return e.abort(ctx, out, &PlanExecutionError{PlanID: planID, Op: "plan not found"})
	}
	st := p.SubtaskByID(subtaskID)
	if st == nil {
		return e.abort(ctx, out, &PlanExecutionError{PlanID: planID, Op: fmt.Sprintf("subtask %s not found", subtaskID)})
	}

	if p.Status == proto.PlanCancelled {
		// The plan was cancelled while this subtask sat suspended. Its
		// partial work is discarded along with the snapshot.
		if snapshotID != "" {
			if err := e.conv.RestoreSnapshot(sessionID, snapshotID); err != nil {
				e.logger.Warn("⚠️ restore snapshot %s of cancelled plan %s: %v", snapshotID, p.ID, err)
			} else if err := e.conv.DropSnapshot(sessionID, snapshotID); err != nil {
				e.logger.Warn("⚠️ drop snapshot %s of cancelled plan %s: %v", snapshotID, p.ID, err)
			}
		}
		return e.cancelRun(ctx, p, out)
	}

	worker, ok := e.workers.Worker(st.Agent)
	if !ok {
		return e.failPlan(ctx, sessionID, p, st, fmt.Sprintf("no worker for agent %s", st.Agent), out)
	}

	seg := e.watchSegment(ctx, worker.Process(ctx, e.conv, sessionID), out)
	if seg.outcome == OutcomeSuspended {
		e.recordOutcome("suspended")
		return RunResult{Outcome: OutcomeSuspended, PlanID: p.ID, SubtaskID: st.ID, SnapshotID: snapshotID}
	}
	if err := e.finishSubtask(sessionID, p, st, snapshotID, &seg); err != nil {
		return e.failPlan(ctx, sessionID, p, st, err.Error(), out)
	}
	if seg.outcome == OutcomeFailed {
		return e.failPlan(ctx, sessionID, p, st, seg.failReason, out)
	}
	e.emitSubtaskDone(ctx, sessionID, p, st, out)

	return e.execute(ctx, sessionID, p, out)
}

// RetrySubtask returns a failed plan to in_progress, resets the failed
// subtask, and runs the remainder of the plan.
func (e *Executor) RetrySubtask(ctx context.Context, sessionID, planID, subtaskID string, out chan<- proto.StreamChunk) RunResult {
	p, err := e.plans.FindByID(planID)
	if err != nil {
		return e.abort(ctx, out, &PlanExecutionError{PlanID: planID, Op: "load plan", Err: err})
	}
	if p == nil {
		return e.abort(ctx, out, &PlanExecutionError{PlanID: planID, Op: "plan not found"})
	}
	st := p.SubtaskByID(subtaskID)
	if st == nil {
		return e.abort(ctx, out, &PlanExecutionError{PlanID: planID, Op: fmt.Sprintf("subtask %s not found", subtaskID)})
	}

	if err := p.MarkResumed(); err != nil {
		return e.abort(ctx, out, &PlanExecutionError{PlanID: planID, Op: "resume plan", Err: err})
	}
	if err := st.ResetForRetry(); err != nil {
		return e.abort(ctx, out, &PlanExecutionError{PlanID: planID, Op: "reset subtask", Err: err})
	}
	if err := e.plans.UpdatePlanStatus(p); err != nil {
		return e.abort(ctx, out, &PlanExecutionError{PlanID: planID, Op: "persist plan resume", Err: err})
	}
	if err := e.plans.UpdateSubtask(p.ID, st); err != nil {
		return e.abort(ctx, out, &PlanExecutionError{PlanID: planID, Op: "persist subtask reset", Err: err})
	}

	e.logger.Info("🔁 retrying subtask %s of plan %s (attempt %d)", st.ID, p.ID, st.RetryCount+1)
	e.publish(proto.EventSubtaskRetried, sessionID, map[string]any{
		"plan_id":    p.ID,
		"subtask_id": st.ID,
		"retry":      st.RetryCount,
	})
	e.emit(ctx, out, proto.NewStatusChunk(fmt.Sprintf("Retrying subtask: %s", clip(st.Description, 120))))

	return e.execute(ctx, sessionID, p, out)
}

// execute walks the dependency levels and runs every unfinished subtask in
// plan order. It stops at the first failure or suspension. Between levels the
// plan is reloaded so status changes written by other requests are observed;
// a plan cancelled mid-run stops before its next subtask starts.
func (e *Executor) execute(ctx context.Context, sessionID string, p *plan.ExecutionPlan, out chan<- proto.StreamChunk) RunResult {
	levels, err := plan.ExecutionLevels(p)
	if err != nil {
		last := p.Subtasks[len(p.Subtasks)-1]
		return e.failPlan(ctx, sessionID, p, last, err.Error(), out)
	}

	for li := range levels {
		if li > 0 {
			p, levels, err = e.reload(p)
			if err != nil {
				last := p.Subtasks[len(p.Subtasks)-1]
				return e.failPlan(ctx, sessionID, p, last, err.Error(), out)
			}
		}
		if p.Status == proto.PlanCancelled {
			return e.cancelRun(ctx, p, out)
		}
		for _, st := range levels[li] {
			if st.Status == proto.SubtaskDone {
				continue
			}
			result := e.runSubtask(ctx, sessionID, p, st, out)
			if result.Outcome != OutcomeCompleted {
				return result
			}
		}
	}

	return e.completePlan(ctx, sessionID, p, out)
}

// reload re-reads the plan from storage and recomputes its levels. The level
// shape is stable because dependencies never change after approval; only the
// statuses move.
func (e *Executor) reload(p *plan.ExecutionPlan) (*plan.ExecutionPlan, [][]*plan.Subtask, error) {
	fresh, err := e.plans.FindByID(p.ID)
	if err != nil {
		return p, nil, fmt.Errorf("reload plan: %w", err)
	}
	if fresh == nil {
		return p, nil, fmt.Errorf("plan %s disappeared during execution", p.ID)
	}
	levels, err := plan.ExecutionLevels(fresh)
	if err != nil {
		return p, nil, err
	}
	return fresh, levels, nil
}

// cancelRun stops a run whose plan was cancelled out from under it. The
// canceller already persisted the terminal status and moved the conversation
// on, so nothing else is written here.
func (e *Executor) cancelRun(ctx context.Context, p *plan.ExecutionPlan, out chan<- proto.StreamChunk) RunResult {
	e.logger.Info("🛑 plan %s was cancelled, stopping before the next subtask", p.ID)
	e.recordOutcome("cancelled")
	e.emit(ctx, out, proto.NewStatusChunk("Plan execution cancelled").
		WithMetadata(map[string]any{"planId": p.ID}).
		WithFinal())
	return RunResult{Outcome: OutcomeCancelled, PlanID: p.ID}
}

// runSubtask executes one subtask on the session's durable log behind a
// snapshot. A subtask that suspends keeps its snapshot; a subtask that ends
// has its snapshot restored and exactly one result message appended.
func (e *Executor) runSubtask(ctx context.Context, sessionID string, p *plan.ExecutionPlan, st *plan.Subtask, out chan<- proto.StreamChunk) RunResult {
	// A subtask already marked running was interrupted before its segment
	// recorded an end; run it again from a fresh snapshot.
	if st.Status == proto.SubtaskRunning {
		e.logger.Warn("⚠️ subtask %s of plan %s was left running, restarting it", st.ID, p.ID)
		st.Status = proto.SubtaskPending
	}
	if st.Status != proto.SubtaskPending {
		return e.failPlan(ctx, sessionID, p, st, fmt.Sprintf("subtask is %s, not runnable", st.Status), out)
	}

	if err := st.MarkRunning(); err != nil {
		return e.failPlan(ctx, sessionID, p, st, err.Error(), out)
	}
	if err := e.plans.UpdateSubtask(p.ID, st); err != nil {
		return e.failPlan(ctx, sessionID, p, st, fmt.Sprintf("persist subtask start: %v", err), out)
	}
	e.publish(proto.EventSubtaskStarted, sessionID, map[string]any{
		"plan_id":    p.ID,
		"subtask_id": st.ID,
		"agent":      string(st.Agent),
	})
	e.emit(ctx, out, proto.NewStatusChunk(fmt.Sprintf("Starting subtask: %s", clip(st.Description, 120))))

	worker, ok := e.workers.Worker(st.Agent)
	if !ok {
		return e.failPlan(ctx, sessionID, p, st, fmt.Sprintf("no worker for agent %s", st.Agent), out)
	}

	snapshotID, err := e.conv.Snapshot(sessionID)
	if err != nil {
		return e.failPlan(ctx, sessionID, p, st, fmt.Sprintf("snapshot conversation: %v", err), out)
	}

	if err := e.conv.AppendMessage(sessionID, proto.Message{
		Role:    proto.RoleUser,
		Content: subtaskPreamble(p, st),
	}); err != nil {
		return e.failPlan(ctx, sessionID, p, st, fmt.Sprintf("seed subtask context: %v", err), out)
	}

	seg := e.watchSegment(ctx, worker.Process(ctx, e.conv, sessionID), out)
	if seg.outcome == OutcomeSuspended {
		e.recordOutcome("suspended")
		return RunResult{Outcome: OutcomeSuspended, PlanID: p.ID, SubtaskID: st.ID, SnapshotID: snapshotID}
	}

	if err := e.finishSubtask(sessionID, p, st, snapshotID, &seg); err != nil {
		return e.failPlan(ctx, sessionID, p, st, err.Error(), out)
	}
	if seg.outcome == OutcomeFailed {
		return e.failPlan(ctx, sessionID, p, st, seg.failReason, out)
	}

	e.emitSubtaskDone(ctx, sessionID, p, st, out)
	return RunResult{Outcome: OutcomeCompleted, PlanID: p.ID}
}

// segment is the digest of one worker segment watched to its end.
type segment struct {
	outcome    RunOutcome
	text       string
	failReason string
}

// watchSegment forwards a worker's chunks to the run stream and classifies
// how the segment ended. Final assistant and error chunks are demoted to
// non-final on the way through: the run owns its stream's single final
// chunk. A final tool_call passes through untouched because the suspension
// really does end the stream.
func (e *Executor) watchSegment(ctx context.Context, stream <-chan proto.StreamChunk, out chan<- proto.StreamChunk) segment {
	var text strings.Builder
	seg := segment{outcome: OutcomeFailed, failReason: "agent segment ended without a final chunk"}

	for chunk := range stream {
		if chunk.Type == proto.ChunkAssistantMessage {
			text.WriteString(chunk.Content)
		}

		if !chunk.IsFinal {
			e.emit(ctx, out, chunk)
			continue
		}

		switch chunk.Type {
		case proto.ChunkToolCall:
			e.emit(ctx, out, chunk)
			seg = segment{outcome: OutcomeSuspended}
		case proto.ChunkError:
			demoted := chunk
			demoted.IsFinal = false
			e.emit(ctx, out, demoted)
			seg = segment{outcome: OutcomeFailed, failReason: chunk.Error}
		default:
			demoted := chunk
			demoted.IsFinal = false
			e.emit(ctx, out, demoted)
			seg = e.classifyResult(text.String())
		}
	}

	seg.text = text.String()
	return seg
}

// classifyResult decides whether the aggregated assistant text is a usable
// subtask result.
func (e *Executor) classifyResult(text string) segment {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return segment{outcome: OutcomeFailed, failReason: "subtask produced no output"}
	}
	for _, sentinel := range errorSentinels {
		if strings.Contains(trimmed, sentinel) {
			return segment{outcome: OutcomeFailed, failReason: fmt.Sprintf("subtask result contains error indicator %q", sentinel)}
		}
	}
	return segment{outcome: OutcomeCompleted}
}

// finishSubtask restores the pre-subtask conversation, appends the single
// result message, and persists the subtask's terminal state. The snapshot
// is dropped only after a successful restore; on restore failure it stays
// behind for manual recovery.
func (e *Executor) finishSubtask(sessionID string, p *plan.ExecutionPlan, st *plan.Subtask, snapshotID string, seg *segment) error {
	if err := e.conv.RestoreSnapshot(sessionID, snapshotID); err != nil {
		return fmt.Errorf("restore snapshot %s: %w", snapshotID, err)
	}
	if err := e.conv.DropSnapshot(sessionID, snapshotID); err != nil {
		e.logger.Warn("⚠️ failed to drop snapshot %s for %s: %v", snapshotID, sessionID, err)
	}

	var note string
	if seg.outcome == OutcomeCompleted {
		if err := st.MarkDone(strings.TrimSpace(seg.text)); err != nil {
			return err
		}
		note = fmt.Sprintf("Subtask completed: %s\n\n%s", st.Description, strings.TrimSpace(seg.text))
	} else {
		if err := st.MarkFailed(seg.failReason); err != nil {
			return err
		}
		note = fmt.Sprintf("Subtask failed: %s\n\nReason: %s", st.Description, seg.failReason)
	}

	if err := e.conv.AppendMessage(sessionID, proto.Message{Role: proto.RoleAssistant, Content: note}); err != nil {
		return fmt.Errorf("append subtask result: %w", err)
	}
	if err := e.plans.UpdateSubtask(p.ID, st); err != nil {
		return fmt.Errorf("persist subtask end: %w", err)
	}
	return nil
}

func (e *Executor) emitSubtaskDone(ctx context.Context, sessionID string, p *plan.ExecutionPlan, st *plan.Subtask, out chan<- proto.StreamChunk) {
	e.publish(proto.EventSubtaskCompleted, sessionID, map[string]any{
		"plan_id":    p.ID,
		"subtask_id": st.ID,
		"status":     string(st.Status),
	})
	e.emit(ctx, out, proto.NewSubtaskCompletedChunk(p.ID, st.ID, string(st.Status), clip(st.Result, resultClip)))
}

func (e *Executor) completePlan(ctx context.Context, sessionID string, p *plan.ExecutionPlan, out chan<- proto.StreamChunk) RunResult {
	if err := p.MarkCompleted(); err != nil {
		last := p.Subtasks[len(p.Subtasks)-1]
		return e.failPlan(ctx, sessionID, p, last, err.Error(), out)
	}
	if err := e.plans.UpdatePlanStatus(p); err != nil {
		last := p.Subtasks[len(p.Subtasks)-1]
		return e.failPlan(ctx, sessionID, p, last, fmt.Sprintf("persist plan completion: %v", err), out)
	}

	e.logger.Info("✅ plan %s completed (%d/%d subtasks)", p.ID, p.CompletedCount(), len(p.Subtasks))
	e.publish(proto.EventPlanCompleted, sessionID, map[string]any{"plan_id": p.ID})
	e.recordOutcome("completed")

	e.emit(ctx, out, proto.NewPlanCompletedChunk(p.ID))
	e.emit(ctx, out, proto.NewExecutionCompletedChunk(p.ID, p.CompletedCount(), len(p.Subtasks)))
	return RunResult{Outcome: OutcomeCompleted, PlanID: p.ID}
}

// failPlan records the failure, announces it, and ends the stream with the
// run's terminal error chunk.
func (e *Executor) failPlan(ctx context.Context, sessionID string, p *plan.ExecutionPlan, st *plan.Subtask, reason string, out chan<- proto.StreamChunk) RunResult {
	if p.Status != proto.PlanFailed {
		if err := p.MarkFailed(); err != nil {
			e.logger.Error("❌ failed to mark plan %s failed: %v", p.ID, err)
		} else if err := e.plans.UpdatePlanStatus(p); err != nil {
			e.logger.Error("❌ failed to persist failure of plan %s: %v", p.ID, err)
		}
	}

	e.logger.Error("❌ plan %s failed at subtask %s: %s", p.ID, st.ID, reason)
	e.publish(proto.EventPlanFailed, sessionID, map[string]any{
		"plan_id":    p.ID,
		"subtask_id": st.ID,
		"error":      reason,
	})
	e.recordOutcome("failed")

	e.emit(ctx, out, proto.NewErrorChunk(
		fmt.Sprintf("Plan execution failed: %s", reason),
		map[string]any{"planId": p.ID, "subtaskId": st.ID},
	))

	return RunResult{
		Outcome:   OutcomeFailed,
		PlanID:    p.ID,
		SubtaskID: st.ID,
		Err:       &SubtaskExecutionError{PlanID: p.ID, SubtaskID: st.ID, Reason: reason},
	}
}

// abort ends a run that never got to a specific subtask.
func (e *Executor) abort(ctx context.Context, out chan<- proto.StreamChunk, err *PlanExecutionError) RunResult {
	e.logger.Error("❌ %v", err)
	e.recordOutcome("failed")
	e.emit(ctx, out, proto.NewErrorChunk(err.Error(), map[string]any{"planId": err.PlanID}))
	return RunResult{Outcome: OutcomeFailed, PlanID: err.PlanID, Err: err}
}

// subtaskPreamble frames one subtask for its worker: the plan goal, the
// assignment, and the results of the dependencies it builds on.
func subtaskPreamble(p *plan.ExecutionPlan, st *plan.Subtask) string {
	var b strings.Builder
	b.WriteString("You are executing one subtask of an approved plan.\n\n")
	fmt.Fprintf(&b, "Plan goal: %s\n\n", p.Goal)
	fmt.Fprintf(&b, "Your subtask: %s\n", st.Description)

	if len(st.DependsOn) > 0 {
		b.WriteString("\nResults from completed dependencies:\n")
		for _, depID := range st.DependsOn {
			dep := p.SubtaskByID(depID)
			if dep == nil {
				continue
			}
			fmt.Fprintf(&b, "- %s: %s\n", dep.Description, clip(dep.Result, resultClip))
		}
	}

	b.WriteString("\nWork only on this subtask. Call attempt_completion with a concise result summary when it is done.")
	return b.String()
}

func (e *Executor) emit(ctx context.Context, out chan<- proto.StreamChunk, chunk proto.StreamChunk) {
	e.recorder.IncChunk(string(chunk.Type))
	select {
	case out <- chunk:
	case <-ctx.Done():
	}
}

func (e *Executor) publish(name proto.EventName, sessionID string, payload map[string]any) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(proto.NewEvent(name, sessionID, payload))
}

func (e *Executor) recordOutcome(outcome string) {
	e.recorder.IncPlanExecution(outcome)
}

func clip(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
