package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"conductor/pkg/agent/llm"
	"conductor/pkg/agent/llmclient"
	"conductor/pkg/approval"
	"conductor/pkg/config"
	"conductor/pkg/contextmgr"
	"conductor/pkg/dispatch"
	"conductor/pkg/logx"
	"conductor/pkg/metrics"
	"conductor/pkg/persistence"
	"conductor/pkg/proto"
	"conductor/pkg/tools"
	"conductor/pkg/utils"
)

const (
	// defaultMaxTurns bounds the tool loop per processing segment. A worker
	// that has not reached attempt_completion by then is looping.
	defaultMaxTurns = 16

	// chunkBuffer sizes the per-segment output channel. Consumers that fall
	// behind this far block the worker, which is the intended backpressure.
	chunkBuffer = 16

	// emptyToolOutput is substituted when a tool run produces nothing, so
	// the model never sees a blank tool message.
	emptyToolOutput = "No tool output found"
)

// ConversationLog is the durable message history a worker reads from and
// appends to. The session layer implements it; workers never touch storage
// directly.
type ConversationLog interface {
	AppendMessage(sessionID string, msg proto.Message) error
	Messages(sessionID string) ([]proto.Message, error)
}

// WorkerConfig carries the shared collaborators a worker needs. The same
// config is handed to every persona; only the prompt and tool allow-list
// differ between them.
type WorkerConfig struct {
	Client    llm.LLMClient
	Approvals *approval.Manager
	Runner    *tools.LocalRunner
	Bus       *dispatch.Bus
	Recorder  *metrics.Recorder
	Audit     chan<- *persistence.Request
	Budget    config.ContextConfig
	Timeout   time.Duration
	MaxTurns  int
}

// Worker drives one persona's tool loop: call the model, interpret the
// reply, execute or delegate tools, repeat until a final chunk ends the
// segment.
type Worker struct {
	agent        proto.AgentType
	systemPrompt string
	allowTools   []string
	cfg          WorkerConfig
	logger       *logx.Logger
}

// NewWorker builds a worker for one persona.
func NewWorker(agent proto.AgentType, systemPrompt string, allowTools []string, cfg WorkerConfig) *Worker {
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = defaultMaxTurns
	}
	return &Worker{
		agent:        agent,
		systemPrompt: systemPrompt,
		allowTools:   allowTools,
		cfg:          cfg,
		logger:       logx.NewLogger("worker." + string(agent)),
	}
}

// Agent returns the persona this worker embodies.
func (w *Worker) Agent() proto.AgentType {
	return w.agent
}

// Tools returns the worker's tool allow-list.
func (w *Worker) Tools() []string {
	return w.allowTools
}

// Process runs one segment of the tool loop against the session's durable
// log and streams chunks until the segment ends. Every segment ends with
// exactly one final chunk: an assistant message, an error, or a tool call
// that suspends the loop pending an external result or an approval
// decision. The channel is closed when the segment ends.
func (w *Worker) Process(ctx context.Context, log ConversationLog, sessionID string) <-chan proto.StreamChunk {
	out := make(chan proto.StreamChunk, chunkBuffer)
	go func() {
		defer close(out)
		w.run(ctx, log, sessionID, out)
	}()
	return out
}

func (w *Worker) run(ctx context.Context, log ConversationLog, sessionID string, out chan<- proto.StreamChunk) {
	for turn := 0; turn < w.cfg.MaxTurns; turn++ {
		history, err := log.Messages(sessionID)
		if err != nil {
			w.fail(ctx, sessionID, out, fmt.Sprintf("failed to load conversation: %v", err), nil)
			return
		}

		working := w.workingSet(history)

		resp, err := w.complete(ctx, sessionID, working)
		if err != nil {
			w.fail(ctx, sessionID, out, fmt.Sprintf("model call failed: %v", err), map[string]any{
				"error_type": llmclient.TypeOf(err).String(),
			})
			return
		}

		call, warning := w.selectToolCall(&resp)

		if call == nil {
			if strings.TrimSpace(resp.Content) == "" {
				w.logger.Warn("⚠️ %s returned neither content nor a tool call in %s", w.agent, sessionID)
			}
			if err := log.AppendMessage(sessionID, proto.Message{
				Role:    proto.RoleAssistant,
				Content: resp.Content,
			}); err != nil {
				w.fail(ctx, sessionID, out, fmt.Sprintf("failed to persist assistant message: %v", err), nil)
				return
			}
			w.emit(ctx, out, proto.NewAssistantMessageChunk(resp.Content).WithFinal())
			return
		}

		var callMeta map[string]any
		if warning != "" {
			callMeta = map[string]any{"validation_warning": warning}
		}

		spec, verr := tools.ValidateCall(call)
		if verr != nil {
			// Feed the validation failure back as a tool result so the
			// model can correct itself on the next turn.
			if err := w.appendCallAndResult(log, sessionID, resp.Content, call, "Error: "+verr.Error(), callMeta); err != nil {
				w.fail(ctx, sessionID, out, fmt.Sprintf("failed to persist tool rejection: %v", err), nil)
				return
			}
			w.emit(ctx, out, proto.NewToolResultChunk(call.ID, "Error: "+verr.Error()))
			continue
		}

		if spec.Mode == tools.ExecVirtual {
			w.handleVirtual(ctx, log, sessionID, out, &resp, call, callMeta)
			return
		}

		if err := log.AppendMessage(sessionID, proto.Message{
			Role:      proto.RoleAssistant,
			Content:   resp.Content,
			ToolCalls: []proto.ToolCall{*call},
			Metadata:  callMeta,
		}); err != nil {
			w.fail(ctx, sessionID, out, fmt.Sprintf("failed to persist tool call: %v", err), nil)
			return
		}

		verdict := w.cfg.Approvals.ShouldRequireApproval(proto.ApprovalTypeTool, call.Name, call.Arguments)
		if verdict.RequiresApproval {
			w.suspendForApproval(ctx, sessionID, out, call, verdict.Reason, callMeta)
			return
		}

		if spec.Mode == tools.ExecIDE {
			w.suspendForIDE(ctx, sessionID, out, call, callMeta)
			return
		}

		// Local tool: run it in-process and keep the loop going.
		w.emit(ctx, out, proto.NewToolCallChunk(call.ID, call.Name, call.Arguments, false).WithMetadata(callMeta))
		result := w.runLocal(ctx, sessionID, call)
		if err := log.AppendMessage(sessionID, proto.Message{
			Role:       proto.RoleTool,
			Content:    result,
			Name:       call.Name,
			ToolCallID: call.ID,
		}); err != nil {
			w.fail(ctx, sessionID, out, fmt.Sprintf("failed to persist tool result: %v", err), nil)
			return
		}
		w.emit(ctx, out, proto.NewToolResultChunk(call.ID, result))
	}

	w.fail(ctx, sessionID, out, fmt.Sprintf("agent %s exceeded %d turns without completing", w.agent, w.cfg.MaxTurns), nil)
}

// workingSet builds the model-facing message list for one turn: system
// prompt first, then the durable history, compacted when it outgrows the
// context budget. Compaction never mutates the durable log.
func (w *Worker) workingSet(history []proto.Message) []proto.Message {
	cm := contextmgr.NewManager(w.cfg.Client.GetModelName(), w.cfg.Budget)
	messages := make([]proto.Message, 0, len(history)+1)
	messages = append(messages, proto.Message{Role: proto.RoleSystem, Content: w.systemPrompt})
	messages = append(messages, history...)
	cm.Reset(messages)
	if dropped := cm.CompactIfNeeded(); dropped > 0 {
		w.logger.Debug("compacted working set for %s: dropped %d messages, %s", w.agent, dropped, cm.Summary())
	}
	return cm.Messages()
}

// complete performs one model round trip, recording metrics and queueing the
// audit row. Failures are returned to the caller; only fail() publishes the
// RequestFailed event, so a failed completion is reported exactly once.
func (w *Worker) complete(ctx context.Context, sessionID string, working []proto.Message) (llm.CompletionResponse, error) {
	req := llm.NewCompletionRequest(working, tools.Definitions(w.allowTools))

	callCtx := ctx
	if w.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, w.cfg.Timeout)
		defer cancel()
	}

	start := time.Now()
	resp, err := w.cfg.Client.Complete(callCtx, req)
	elapsed := time.Since(start)

	errType := ""
	if err != nil {
		errType = llmclient.TypeOf(err).String()
	}
	w.cfg.Recorder.ObserveLLMRequest(
		w.cfg.Client.GetModelName(), string(w.agent), sessionID,
		int(resp.Usage.PromptTokens), int(resp.Usage.CompletionTokens),
		err == nil, errType, elapsed,
	)
	w.auditLLMCall(sessionID, &resp, elapsed, err)

	return resp, err
}

// selectToolCall picks the tool call to act on. The runtime executes one
// tool per turn; extra calls are dropped and the model re-requests them on
// later turns if it still wants them. The returned warning, when non-empty,
// travels with the honored call as metadata on the persisted message and
// the emitted chunk.
func (w *Worker) selectToolCall(resp *llm.CompletionResponse) (*proto.ToolCall, string) {
	if len(resp.ToolCalls) == 0 {
		return nil, ""
	}
	warning := ""
	if len(resp.ToolCalls) > 1 {
		warning = fmt.Sprintf("LLM attempted to call %d tools simultaneously", len(resp.ToolCalls))
		w.logger.Warn("⚠️ %s", warning)
	}
	call := resp.ToolCalls[0]
	if call.ID == "" {
		call.ID = "call_" + utils.NewShortID()
	}
	if call.Arguments == nil {
		call.Arguments = map[string]any{}
	}
	return &call, warning
}

// handleVirtual interprets tools that never execute anywhere: completion and
// followup signal the end of the segment, and create_plan is refused outside
// the planning path.
func (w *Worker) handleVirtual(ctx context.Context, log ConversationLog, sessionID string, out chan<- proto.StreamChunk, resp *llm.CompletionResponse, call *proto.ToolCall, meta map[string]any) {
	switch call.Name {
	case tools.ToolAttemptCompletion:
		text := stringArg(call.Arguments, "result")
		if text == "" {
			text = resp.Content
		}
		if err := log.AppendMessage(sessionID, proto.Message{Role: proto.RoleAssistant, Content: text, Metadata: meta}); err != nil {
			w.fail(ctx, sessionID, out, fmt.Sprintf("failed to persist completion: %v", err), nil)
			return
		}
		w.emit(ctx, out, proto.NewAssistantMessageChunk(text).WithMetadata(meta).WithFinal())

	case tools.ToolAskFollowupQuestion:
		question := stringArg(call.Arguments, "question")
		if question == "" {
			question = resp.Content
		}
		if err := log.AppendMessage(sessionID, proto.Message{Role: proto.RoleAssistant, Content: question, Metadata: meta}); err != nil {
			w.fail(ctx, sessionID, out, fmt.Sprintf("failed to persist followup question: %v", err), nil)
			return
		}
		w.emit(ctx, out, proto.NewAssistantMessageChunk(question).WithMetadata(meta).WithFinal())

	default:
		w.fail(ctx, sessionID, out, fmt.Sprintf("tool %s is not available to agent %s", call.Name, w.agent), nil)
	}
}

// suspendForApproval files a pending approval request and ends the segment
// with a final tool_call chunk that carries the request ID.
func (w *Worker) suspendForApproval(ctx context.Context, sessionID string, out chan<- proto.StreamChunk, call *proto.ToolCall, reason string, meta map[string]any) {
	rec, err := w.cfg.Approvals.AddPending(sessionID, proto.ApprovalTypeTool, call.Name, map[string]any{
		"call_id":   call.ID,
		"arguments": call.Arguments,
	}, reason)
	if err != nil {
		w.fail(ctx, sessionID, out, fmt.Sprintf("failed to file approval request: %v", err), nil)
		return
	}

	w.publish(proto.EventToolApprovalRequired, sessionID, map[string]any{
		"approval_request_id": rec.RequestID,
		"tool":                call.Name,
		"call_id":             call.ID,
	})

	chunk := proto.NewToolCallChunk(call.ID, call.Name, call.Arguments, true).WithMetadata(meta)
	chunk.ApprovalRequestID = rec.RequestID
	w.emit(ctx, out, chunk.WithFinal())
}

// suspendForIDE hands a tool call to the editor and ends the segment. The
// loop resumes when the tool result is posted back.
func (w *Worker) suspendForIDE(ctx context.Context, sessionID string, out chan<- proto.StreamChunk, call *proto.ToolCall, meta map[string]any) {
	w.publish(proto.EventToolExecutionRequested, sessionID, map[string]any{
		"call_id": call.ID,
		"tool":    call.Name,
	})
	w.emit(ctx, out, proto.NewToolCallChunk(call.ID, call.Name, call.Arguments, false).WithMetadata(meta).WithFinal())
}

// runLocal executes an in-process tool and shapes the output for the model.
func (w *Worker) runLocal(ctx context.Context, sessionID string, call *proto.ToolCall) string {
	start := time.Now()
	output, err := w.cfg.Runner.Run(ctx, call.Name, call.Arguments)
	status := "ok"
	switch {
	case err != nil:
		status = "error"
		output = "Error: " + err.Error()
	case strings.TrimSpace(output) == "":
		output = emptyToolOutput
	}
	w.auditToolExecution(sessionID, call, status, time.Since(start))
	return output
}

// appendCallAndResult persists an assistant tool call together with its
// synthetic result in one pair, keeping the log replayable by providers
// that require call/result adjacency.
func (w *Worker) appendCallAndResult(log ConversationLog, sessionID, content string, call *proto.ToolCall, result string, meta map[string]any) error {
	if err := log.AppendMessage(sessionID, proto.Message{
		Role:      proto.RoleAssistant,
		Content:   content,
		ToolCalls: []proto.ToolCall{*call},
		Metadata:  meta,
	}); err != nil {
		return err
	}
	return log.AppendMessage(sessionID, proto.Message{
		Role:       proto.RoleTool,
		Content:    result,
		Name:       call.Name,
		ToolCallID: call.ID,
	})
}

// emit sends a chunk unless the context is gone, counting it either way.
func (w *Worker) emit(ctx context.Context, out chan<- proto.StreamChunk, chunk proto.StreamChunk) {
	w.cfg.Recorder.IncChunk(string(chunk.Type))
	select {
	case out <- chunk:
	case <-ctx.Done():
	}
}

// fail reports a fatal segment error exactly once: one RequestFailed event
// and one final error chunk.
func (w *Worker) fail(ctx context.Context, sessionID string, out chan<- proto.StreamChunk, message string, meta map[string]any) {
	w.logger.Error("❌ %s in %s: %s", w.agent, sessionID, message)
	w.publish(proto.EventRequestFailed, sessionID, map[string]any{
		"agent": string(w.agent),
		"error": message,
	})
	w.emit(ctx, out, proto.NewErrorChunk(message, meta))
}

func (w *Worker) publish(name proto.EventName, sessionID string, payload map[string]any) {
	if w.cfg.Bus == nil {
		return
	}
	w.cfg.Bus.Publish(proto.NewEvent(name, sessionID, payload))
}

// auditLLMCall queues an audit row without blocking the turn. A full queue
// drops the row; audit tables are observational.
func (w *Worker) auditLLMCall(sessionID string, resp *llm.CompletionResponse, elapsed time.Duration, callErr error) {
	if w.cfg.Audit == nil {
		return
	}
	row := &persistence.LLMCall{
		SessionID:        sessionID,
		Agent:            string(w.agent),
		Model:            w.cfg.Client.GetModelName(),
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		TotalTokens:      resp.Usage.TotalTokens,
		DurationMS:       elapsed.Milliseconds(),
		FinishReason:     resp.FinishReason,
	}
	if callErr != nil {
		row.Error = callErr.Error()
	}
	w.enqueueAudit(&persistence.Request{Operation: persistence.OpRecordLLMCall, Data: row})
}

func (w *Worker) auditToolExecution(sessionID string, call *proto.ToolCall, status string, elapsed time.Duration) {
	if w.cfg.Audit == nil {
		return
	}
	w.enqueueAudit(&persistence.Request{
		Operation: persistence.OpRecordToolExecution,
		Data: &persistence.ToolExecution{
			SessionID:  sessionID,
			CallID:     call.ID,
			ToolName:   call.Name,
			Arguments:  call.Arguments,
			Status:     status,
			DurationMS: elapsed.Milliseconds(),
		},
	})
}

func (w *Worker) enqueueAudit(req *persistence.Request) {
	select {
	case w.cfg.Audit <- req:
	default:
		w.logger.Warn("⚠️ Audit queue full, dropping %s record", req.Operation)
	}
}

func stringArg(args map[string]any, key string) string {
	if v, ok := args[key].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}
