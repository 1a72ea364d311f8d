// Package session owns everything keyed by a conversation id: the durable
// message log and its append rules, snapshot isolation for plan execution,
// the agent-context routing state, the per-conversation lock registry, and
// the orchestration facade the transport calls. The facade serializes each
// conversation's requests behind its lock, drives the lifecycle machine,
// and streams chunks back to the caller; it releases the lock and returns
// whenever a human decision is the next step.
package session

import (
	"context"
	"fmt"
	"strings"
	"time"

	"conductor/pkg/agent"
	"conductor/pkg/approval"
	"conductor/pkg/dispatch"
	"conductor/pkg/exec"
	"conductor/pkg/fsm"
	"conductor/pkg/logx"
	"conductor/pkg/metrics"
	"conductor/pkg/persistence"
	"conductor/pkg/proto"
	"conductor/pkg/tools"
)

// ToolResult is the payload of a tool execution reported back by the
// editor. CallID and ToolCallID are aliases in practice; ToolCallID wins
// when both are set.
type ToolResult struct {
	CallID     string `json:"callId"`
	ToolCallID string `json:"toolCallId"`
	Result     string `json:"result"`
	IsError    bool   `json:"isError"`
}

// Deps bundles the facade's collaborators.
type Deps struct {
	Conversations *Service
	Agents        *AgentContexts
	Machines      *fsm.Registry
	Classifier    *agent.Classifier
	Planner       *agent.Planner
	Workers       exec.Workers
	Executor      *exec.Executor
	Approvals     *approval.Manager
	Plans         *persistence.PlanRepo
	Runner        *tools.LocalRunner
	Bus           *dispatch.Bus
	Recorder      *metrics.Recorder
	Audit         chan<- *persistence.Request
	MultiAgent    bool
	MaxIdleLocks  int
}

// Facade is the single entry point the transport dispatches to. Each
// handler acquires the conversation's lock for the whole request, including
// streaming and synchronous persistence, and returns — releasing the lock —
// when processing ends or suspends on a human decision.
type Facade struct {
	conv       *Service
	agents     *AgentContexts
	locks      *lockRegistry
	machines   *fsm.Registry
	classifier *agent.Classifier
	planner    *agent.Planner
	workers    exec.Workers
	executor   *exec.Executor
	approvals  *approval.Manager
	plans      *persistence.PlanRepo
	runner     *tools.LocalRunner
	bus        *dispatch.Bus
	recorder   *metrics.Recorder
	audit      chan<- *persistence.Request
	multiAgent bool
	logger     *logx.Logger
}

// NewFacade wires the orchestration facade.
func NewFacade(deps Deps) *Facade {
	return &Facade{
		conv:       deps.Conversations,
		agents:     deps.Agents,
		locks:      newLockRegistry(deps.MaxIdleLocks),
		machines:   deps.Machines,
		classifier: deps.Classifier,
		planner:    deps.Planner,
		workers:    deps.Workers,
		executor:   deps.Executor,
		approvals:  deps.Approvals,
		plans:      deps.Plans,
		runner:     deps.Runner,
		bus:        deps.Bus,
		recorder:   deps.Recorder,
		audit:      deps.Audit,
		multiAgent: deps.MultiAgent,
		logger:     logx.NewLogger("facade"),
	}
}

// HandleUserMessage processes one inbound user message: append, classify,
// route, then either run a single worker turn or draft a plan and suspend
// on its review. Errors are returned only before the stream has begun;
// later failures surface as a terminal error chunk.
func (f *Facade) HandleUserMessage(ctx context.Context, sessionID, content string, out chan<- proto.StreamChunk) error {
	release := f.locks.Acquire(sessionID)
	defer release()

	if err := f.conv.AppendMessage(sessionID, proto.Message{Role: proto.RoleUser, Content: content}); err != nil {
		return err
	}

	machine, err := f.machines.Get(sessionID)
	if err != nil {
		return err
	}
	if machine.Current() == fsm.StatePlanReview {
		f.clearStaleReview(machine, sessionID)
	}
	if err := machine.PrepareForMessage(); err != nil {
		return err
	}
	if err := f.fire(machine, fsm.EventReceiveMessage, nil); err != nil {
		return err
	}

	history, err := f.conv.Messages(sessionID)
	if err != nil {
		return f.failClassify(machine, err)
	}

	// The new message is the last history entry; classify it against the
	// window before it. The classifier always yields a usable verdict, the
	// error only marks that the fallback engaged on a transport failure.
	verdict, cerr := f.classifier.Classify(ctx, history[:len(history)-1], content)
	if cerr != nil {
		f.logger.Warn("⚠️ classification degraded for %s: %v", sessionID, cerr)
	}

	target := f.routeTarget(verdict)
	current, err := f.agents.Current(sessionID)
	if err != nil {
		return f.failClassify(machine, err)
	}
	if current.CurrentAgent != target {
		sw, serr := f.agents.Switch(sessionID, target, verdict.Reason, verdict.Confidence)
		if serr != nil {
			// A blown switch budget keeps the current owner; the message is
			// still served.
			f.logger.Warn("⚠️ %v", serr)
			target = current.CurrentAgent
		} else {
			f.emit(ctx, out, proto.NewSwitchAgentChunk(sw.FromAgent, sw.ToAgent, sw.Reason, sw.Confidence))
		}
	}

	if verdict.IsAtomic {
		if err := f.fire(machine, fsm.EventIsAtomicTrue, map[string]any{"agent": string(target)}); err != nil {
			return err
		}
		return f.runAtomicTurn(ctx, machine, sessionID, target, out)
	}

	if err := f.fire(machine, fsm.EventIsAtomicFalse, nil); err != nil {
		return err
	}
	if err := f.fire(machine, fsm.EventRouteToArchitect, nil); err != nil {
		return err
	}
	return f.draftPlan(ctx, machine, sessionID, content, "", out)
}

// HandleToolResult folds an editor-executed tool's outcome back into the
// log and resumes the suspended turn, plan-aware.
func (f *Facade) HandleToolResult(ctx context.Context, sessionID string, res ToolResult, out chan<- proto.StreamChunk) error {
	release := f.locks.Acquire(sessionID)
	defer release()

	machine, err := f.machines.Get(sessionID)
	if err != nil {
		return err
	}

	toolCallID := res.ToolCallID
	if toolCallID == "" {
		toolCallID = res.CallID
	}

	history, err := f.conv.Messages(sessionID)
	if err != nil {
		return err
	}
	call := findToolCall(history, toolCallID)
	if call == nil {
		return &MessageValidationError{SessionID: sessionID, Reason: fmt.Sprintf("no pending tool call %s", toolCallID)}
	}

	content := shapeToolOutput(res.Result, res.IsError)
	if err := f.conv.AppendMessage(sessionID, proto.Message{
		Role:       proto.RoleTool,
		Content:    content,
		Name:       call.Name,
		ToolCallID: toolCallID,
	}); err != nil {
		return err
	}

	f.emit(ctx, out, proto.NewToolResultChunk(toolCallID, content))
	return f.resumeAfterTool(ctx, machine, sessionID, out)
}

// HandleToolDecision applies a human verdict to a gated tool call. Approval
// either hands the call to the editor (IDE tools) or executes it in-process
// and resumes; rejection feeds a refusal back to the model and resumes.
func (f *Facade) HandleToolDecision(ctx context.Context, sessionID, requestID string, decision proto.Decision, modifiedArgs map[string]any, out chan<- proto.StreamChunk) error {
	release := f.locks.Acquire(sessionID)
	defer release()

	machine, err := f.machines.Get(sessionID)
	if err != nil {
		return err
	}

	rec, err := f.approvals.GetPending(requestID)
	if err != nil {
		return err
	}
	if rec.RequestType != proto.ApprovalTypeTool {
		return fmt.Errorf("approval request %s is a %s decision, not a tool decision", requestID, rec.RequestType)
	}
	if rec.SessionID != sessionID {
		return fmt.Errorf("approval request %s belongs to another conversation", requestID)
	}

	callID, _ := rec.Details["call_id"].(string)
	args, _ := rec.Details["arguments"].(map[string]any)
	if len(modifiedArgs) > 0 {
		args = modifiedArgs
	}
	toolName := rec.Subject

	switch decision {
	case proto.DecisionApprove:
		if _, err := f.approvals.Approve(requestID, ""); err != nil {
			return err
		}
		return f.dispatchApprovedTool(ctx, machine, sessionID, callID, toolName, args, out)

	case proto.DecisionReject:
		if _, err := f.approvals.Reject(requestID, "rejected by user"); err != nil {
			return err
		}
		notice := fmt.Sprintf("Tool call %s was rejected by the user. Do not retry it; adjust the approach or ask for guidance.", toolName)
		if err := f.conv.AppendMessage(sessionID, proto.Message{
			Role:       proto.RoleTool,
			Content:    notice,
			Name:       toolName,
			ToolCallID: callID,
		}); err != nil {
			return err
		}
		f.emit(ctx, out, proto.NewToolResultChunk(callID, notice))
		return f.resumeAfterTool(ctx, machine, sessionID, out)

	default:
		return fmt.Errorf("unsupported tool decision %q", decision)
	}
}

// HandlePlanDecision applies a review verdict to a drafted plan: approve
// runs it, reject abandons it, modify routes the conversation back to
// planning and stops there.
func (f *Facade) HandlePlanDecision(ctx context.Context, sessionID, requestID string, decision proto.Decision, feedback string, out chan<- proto.StreamChunk) error {
	release := f.locks.Acquire(sessionID)
	defer release()

	machine, err := f.machines.Get(sessionID)
	if err != nil {
		return err
	}

	rec, err := f.approvals.GetPending(requestID)
	if err != nil {
		return err
	}
	if rec.RequestType != proto.ApprovalTypePlan {
		return fmt.Errorf("approval request %s is a %s decision, not a plan decision", requestID, rec.RequestType)
	}
	if rec.SessionID != sessionID {
		return fmt.Errorf("approval request %s belongs to another conversation", requestID)
	}
	planID := rec.Subject

	switch decision {
	case proto.DecisionApprove:
		if _, err := f.approvals.Approve(requestID, feedback); err != nil {
			return err
		}
		return f.startPlan(ctx, machine, sessionID, planID, out)

	case proto.DecisionReject:
		if _, err := f.approvals.Reject(requestID, feedback); err != nil {
			return err
		}
		return f.abandonPlan(ctx, machine, sessionID, planID, feedback, out)

	case proto.DecisionModify:
		if _, err := f.approvals.Reject(requestID, "modification requested"); err != nil {
			return err
		}
		if err := f.fire(machine, fsm.EventPlanModificationRequested, map[string]any{"feedback": feedback}); err != nil {
			return err
		}
		// Replanning from reviewer feedback is not implemented; the machine
		// parks in planning until a fresh message arrives.
		f.emit(ctx, out, proto.NewStatusChunk("Plan modification requested; revise the request in a new message to replan").WithFinal())
		return nil

	default:
		return fmt.Errorf("unsupported plan decision %q", decision)
	}
}

// runAtomicTurn runs one worker segment on the durable log and settles the
// machine by how the segment ended.
func (f *Facade) runAtomicTurn(ctx context.Context, machine *fsm.Machine, sessionID string, agentType proto.AgentType, out chan<- proto.StreamChunk) error {
	worker, ok := f.workers.Worker(agentType)
	if !ok {
		f.emit(ctx, out, proto.NewErrorChunk(
			fmt.Sprintf("no worker available for agent %s", agentType),
			map[string]any{"fsmState": string(machine.Current())},
		))
		return f.fire(machine, fsm.EventSubtaskFailed, map[string]any{"error": "worker unavailable"})
	}

	end := f.forward(ctx, worker.Process(ctx, f.conv, sessionID), out)
	return f.settleTurn(machine, end)
}

// draftPlan asks the planner for a plan, persists it, queues its approval
// and suspends on review.
func (f *Facade) draftPlan(ctx context.Context, machine *fsm.Machine, sessionID, goal, feedback string, out chan<- proto.StreamChunk) error {
	f.emit(ctx, out, proto.NewStatusChunk("Task requires planning; drafting an execution plan"))

	history, err := f.conv.Messages(sessionID)
	if err != nil {
		return f.failPlanning(ctx, machine, err, out)
	}

	p, err := f.planner.CreatePlan(ctx, sessionID, goal, history, feedback)
	if err != nil {
		return f.failPlanning(ctx, machine, err, out)
	}
	if err := f.plans.Save(p); err != nil {
		return f.failPlanning(ctx, machine, err, out)
	}

	if err := f.fire(machine, fsm.EventPlanCreated, map[string]any{"plan_id": p.ID}); err != nil {
		return err
	}
	f.emit(ctx, out, proto.NewPlanCreatedChunk(p.ID, p.Summary()))

	rec, err := f.approvals.AddPending(sessionID, proto.ApprovalTypePlan, p.ID, map[string]any{
		"plan_id":       p.ID,
		"goal":          p.Goal,
		"subtask_count": len(p.Subtasks),
	}, "plan execution requires an explicit decision")
	if err != nil {
		return f.failPlanning(ctx, machine, err, out)
	}
	if err := machine.Patch(map[string]any{"approval_request_id": rec.RequestID}); err != nil {
		return f.failPlanning(ctx, machine, err, out)
	}

	f.logger.Info("📋 plan %s for %s awaits review (%d subtasks)", p.ID, sessionID, len(p.Subtasks))
	f.emit(ctx, out, proto.NewPlanApprovalRequiredChunk(rec.RequestID, p.ID, p.Summary()))
	return nil
}

// startPlan moves an approved plan into execution and runs it.
func (f *Facade) startPlan(ctx context.Context, machine *fsm.Machine, sessionID, planID string, out chan<- proto.StreamChunk) error {
	p, err := f.plans.FindByID(planID)
	if err != nil {
		return err
	}
	if p == nil {
		return fmt.Errorf("plan %s not found", planID)
	}
	if p.Status == proto.PlanDraft {
		if err := p.MarkApproved(); err != nil {
			return err
		}
		if err := f.plans.UpdatePlanStatus(p); err != nil {
			return err
		}
	}

	if err := f.fire(machine, fsm.EventPlanApproved, map[string]any{"plan_id": planID}); err != nil {
		return err
	}

	result := f.executor.Run(ctx, sessionID, planID, out)
	return f.settlePlanRun(machine, result)
}

// abandonPlan cancels a rejected draft and returns the conversation to idle.
func (f *Facade) abandonPlan(ctx context.Context, machine *fsm.Machine, sessionID, planID, feedback string, out chan<- proto.StreamChunk) error {
	if p, err := f.plans.FindByID(planID); err == nil && p != nil && !proto.IsTerminalPlanStatus(p.Status) {
		if cerr := p.MarkCancelled(); cerr == nil {
			if uerr := f.plans.UpdatePlanStatus(p); uerr != nil {
				f.logger.Warn("⚠️ failed to persist cancellation of plan %s: %v", planID, uerr)
			}
		}
	}

	if err := f.fire(machine, fsm.EventPlanRejected, map[string]any{"reason": feedback}); err != nil {
		return err
	}

	reason := strings.TrimSpace(feedback)
	if reason == "" {
		reason = "Plan rejected by user"
	}
	f.logger.Info("🚫 plan %s rejected for %s", planID, sessionID)
	f.emit(ctx, out, proto.NewPlanRejectedChunk(planID, reason).WithFinal())
	return nil
}

// dispatchApprovedTool sends an approved call where it executes: IDE tools
// go back out as a terminal tool_call chunk and the turn stays suspended
// until the result posts; local tools run in-process and the turn resumes
// immediately.
func (f *Facade) dispatchApprovedTool(ctx context.Context, machine *fsm.Machine, sessionID, callID, toolName string, args map[string]any, out chan<- proto.StreamChunk) error {
	spec, ok := tools.Get(toolName)
	if !ok {
		return fmt.Errorf("approved tool %s is not in the catalog", toolName)
	}

	if spec.Mode == tools.ExecIDE {
		f.publish(proto.EventToolExecutionRequested, sessionID, map[string]any{
			"call_id": callID,
			"tool":    toolName,
		})
		f.emit(ctx, out, proto.NewToolCallChunk(callID, toolName, args, false).WithFinal())
		return nil
	}

	// Local tool: execute and fold the result in, mirroring the worker's
	// unattended path.
	f.emit(ctx, out, proto.NewToolCallChunk(callID, toolName, args, false))
	start := time.Now()
	output, err := f.runner.Run(ctx, toolName, args)
	status := "ok"
	switch {
	case err != nil:
		status = "error"
		output = "Error: " + err.Error()
	case strings.TrimSpace(output) == "":
		output = "No tool output found"
	}
	f.auditToolExecution(sessionID, callID, toolName, args, status, time.Since(start))

	if err := f.conv.AppendMessage(sessionID, proto.Message{
		Role:       proto.RoleTool,
		Content:    output,
		Name:       toolName,
		ToolCallID: callID,
	}); err != nil {
		return err
	}
	f.emit(ctx, out, proto.NewToolResultChunk(callID, output))
	return f.resumeAfterTool(ctx, machine, sessionID, out)
}

// resumeAfterTool continues whatever the tool interrupted: the suspended
// plan subtask when one is recorded, otherwise a plain worker turn.
func (f *Facade) resumeAfterTool(ctx context.Context, machine *fsm.Machine, sessionID string, out chan<- proto.StreamChunk) error {
	meta := machine.Metadata()
	planID, _ := meta["plan_id"].(string)
	subtaskID, _ := meta["subtask_id"].(string)
	snapshotID, _ := meta["snapshot_id"].(string)

	if machine.Current() == fsm.StatePlanExecution {
		if planID == "" || subtaskID == "" {
			f.emit(ctx, out, proto.NewErrorChunk(
				"no resumable plan step recorded for this conversation",
				map[string]any{"fsmState": string(machine.Current())},
			))
			return nil
		}
		result := f.executor.Resume(ctx, sessionID, planID, subtaskID, snapshotID, out)
		return f.settlePlanRun(machine, result)
	}

	current, err := f.agents.Current(sessionID)
	if err != nil {
		return err
	}
	worker, ok := f.workers.Worker(current.CurrentAgent)
	if !ok {
		f.emit(ctx, out, proto.NewErrorChunk(
			fmt.Sprintf("no worker available for agent %s", current.CurrentAgent),
			map[string]any{"fsmState": string(machine.Current())},
		))
		return nil
	}

	end := f.forward(ctx, worker.Process(ctx, f.conv, sessionID), out)
	return f.settleTurn(machine, end)
}

// settleTurn drives the machine by how a single-turn segment ended. A
// final tool_call keeps the task open and records where to pick it up; the
// other endings close it out.
func (f *Facade) settleTurn(machine *fsm.Machine, end proto.StreamChunk) error {
	switch end.Type {
	case proto.ChunkToolCall:
		patch := map[string]any{"call_id": end.CallID, "tool": end.ToolName}
		if end.ApprovalRequestID != "" {
			patch["approval_request_id"] = end.ApprovalRequestID
		}
		return machine.Patch(patch)

	case proto.ChunkAssistantMessage:
		if machine.Can(fsm.EventAllSubtasksDone) {
			return f.fire(machine, fsm.EventAllSubtasksDone, nil)
		}
		return nil

	default: // error, or a segment that died without a final chunk
		if machine.Can(fsm.EventSubtaskFailed) {
			reason := end.Error
			if reason == "" {
				reason = "agent segment ended without a final chunk"
			}
			return f.fire(machine, fsm.EventSubtaskFailed, map[string]any{"error": reason})
		}
		return nil
	}
}

// settlePlanRun drives the machine by a plan run's terminal outcome. A
// suspension patches the resume coordinates instead of transitioning.
func (f *Facade) settlePlanRun(machine *fsm.Machine, result exec.RunResult) error {
	switch result.Outcome {
	case exec.OutcomeCompleted:
		if machine.Can(fsm.EventPlanExecutionCompleted) {
			return f.fire(machine, fsm.EventPlanExecutionCompleted, map[string]any{"plan_id": result.PlanID})
		}
		return nil

	case exec.OutcomeSuspended:
		return machine.Patch(map[string]any{
			"plan_id":     result.PlanID,
			"subtask_id":  result.SubtaskID,
			"snapshot_id": result.SnapshotID,
		})

	case exec.OutcomeCancelled:
		// Cancellation has no retry path: the machine crosses error
		// handling straight into COMPLETED.
		if machine.Can(fsm.EventPlanExecutionFailed) {
			if err := f.fire(machine, fsm.EventPlanExecutionFailed, map[string]any{
				"plan_id": result.PlanID,
				"reason":  "cancelled",
			}); err != nil {
				return err
			}
		}
		if machine.Can(fsm.EventPlanCancelled) {
			return f.fire(machine, fsm.EventPlanCancelled, map[string]any{"plan_id": result.PlanID})
		}
		return nil

	default:
		patch := map[string]any{"plan_id": result.PlanID}
		if result.SubtaskID != "" {
			patch["subtask_id"] = result.SubtaskID
		}
		if result.Err != nil {
			patch["error"] = result.Err.Error()
		}
		if machine.Can(fsm.EventPlanExecutionFailed) {
			return f.fire(machine, fsm.EventPlanExecutionFailed, patch)
		}
		return nil
	}
}

// clearStaleReview closes out a review the user walked away from: the
// pending approval is rejected and the draft cancelled, so neither lingers
// until the sweeper finds them. PrepareForMessage fires the actual edge.
func (f *Facade) clearStaleReview(machine *fsm.Machine, sessionID string) {
	meta := machine.Metadata()
	if reqID, _ := meta["approval_request_id"].(string); reqID != "" {
		if _, err := f.approvals.Reject(reqID, "superseded by a new message"); err != nil {
			f.logger.Warn("⚠️ failed to clear stale plan approval %s: %v", reqID, err)
		}
	}
	if planID, _ := meta["plan_id"].(string); planID != "" {
		p, err := f.plans.FindByID(planID)
		if err != nil || p == nil || proto.IsTerminalPlanStatus(p.Status) {
			return
		}
		if cerr := p.MarkCancelled(); cerr == nil {
			if uerr := f.plans.UpdatePlanStatus(p); uerr != nil {
				f.logger.Warn("⚠️ failed to cancel superseded plan %s: %v", planID, uerr)
			}
		}
	}
}

// failClassify returns the machine to idle when the classification phase
// breaks around the classifier (context or persistence failures).
func (f *Facade) failClassify(machine *fsm.Machine, err error) error {
	if machine.Can(fsm.EventClassifyError) {
		if ferr := f.fire(machine, fsm.EventClassifyError, map[string]any{"error": err.Error()}); ferr != nil {
			return ferr
		}
	}
	return err
}

// failPlanning reports a broken planning phase on the stream and parks the
// machine in error handling when the edge exists.
func (f *Facade) failPlanning(ctx context.Context, machine *fsm.Machine, err error, out chan<- proto.StreamChunk) error {
	f.logger.Error("❌ planning failed for %s: %v", machine.SessionID(), err)
	if machine.Can(fsm.EventPlanningFailed) {
		if ferr := f.fire(machine, fsm.EventPlanningFailed, map[string]any{"error": err.Error()}); ferr != nil {
			return ferr
		}
	}
	f.emit(ctx, out, proto.NewErrorChunk(
		fmt.Sprintf("Planning failed: %v", err),
		map[string]any{"fsmState": string(machine.Current())},
	))
	return nil
}

// routeTarget maps a classification verdict to the persona that serves it.
func (f *Facade) routeTarget(verdict agent.ClassificationResult) proto.AgentType {
	if !f.multiAgent {
		return proto.AgentUniversal
	}
	return agent.MapAgentLabel(verdict.Agent)
}

// fire applies one lifecycle event and counts the transition.
func (f *Facade) fire(machine *fsm.Machine, event fsm.Event, patch map[string]any) error {
	from := machine.Current()
	if err := machine.Fire(event, patch); err != nil {
		return err
	}
	f.recorder.IncTransition(string(from), string(machine.Current()), string(event))
	return nil
}

// forward relays one worker segment to the caller's stream and returns the
// final chunk that ended it. The chunks were already counted by their
// producer.
func (f *Facade) forward(ctx context.Context, stream <-chan proto.StreamChunk, out chan<- proto.StreamChunk) proto.StreamChunk {
	var last proto.StreamChunk
	for chunk := range stream {
		if chunk.IsFinal {
			last = chunk
		}
		select {
		case out <- chunk:
		case <-ctx.Done():
		}
	}
	return last
}

// emit sends a facade-originated chunk unless the caller is gone.
func (f *Facade) emit(ctx context.Context, out chan<- proto.StreamChunk, chunk proto.StreamChunk) {
	f.recorder.IncChunk(string(chunk.Type))
	select {
	case out <- chunk:
	case <-ctx.Done():
	}
}

func (f *Facade) publish(name proto.EventName, sessionID string, payload map[string]any) {
	if f.bus == nil {
		return
	}
	f.bus.Publish(proto.NewEvent(name, sessionID, payload))
}

// auditToolExecution queues the audit row for a tool run through the
// decision path; a full queue drops it.
func (f *Facade) auditToolExecution(sessionID, callID, toolName string, args map[string]any, status string, elapsed time.Duration) {
	if f.audit == nil {
		return
	}
	req := &persistence.Request{
		Operation: persistence.OpRecordToolExecution,
		Data: &persistence.ToolExecution{
			SessionID:  sessionID,
			CallID:     callID,
			ToolName:   toolName,
			Arguments:  args,
			Status:     status,
			DurationMS: elapsed.Milliseconds(),
		},
	}
	select {
	case f.audit <- req:
	default:
		f.logger.Warn("⚠️ Audit queue full, dropping %s record", req.Operation)
	}
}

// shapeToolOutput normalizes an editor-reported result the way the local
// runner shapes in-process output.
func shapeToolOutput(result string, isError bool) string {
	content := strings.TrimSpace(result)
	if content == "" {
		content = "No tool output found"
	}
	if isError && !strings.HasPrefix(content, "Error") {
		content = "Error: " + content
	}
	return content
}

// findToolCall locates the most recent assistant tool call with the given
// id. Results always pair with the latest suspension, so the scan runs
// backwards.
func findToolCall(history []proto.Message, toolCallID string) *proto.ToolCall {
	for i := len(history) - 1; i >= 0; i-- {
		msg := history[i]
		if msg.Role != proto.RoleAssistant {
			continue
		}
		for j := range msg.ToolCalls {
			if msg.ToolCalls[j].ID == toolCallID {
				return &msg.ToolCalls[j]
			}
		}
	}
	return nil
}
