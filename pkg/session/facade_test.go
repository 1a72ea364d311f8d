package session

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conductor/pkg/agent"
	"conductor/pkg/agent/llm"
	"conductor/pkg/approval"
	"conductor/pkg/config"
	"conductor/pkg/dispatch"
	"conductor/pkg/exec"
	"conductor/pkg/fsm"
	"conductor/pkg/metrics"
	"conductor/pkg/persistence"
	"conductor/pkg/proto"
	"conductor/pkg/testkit"
	"conductor/pkg/tools"
)

// classify scripts one classifier verdict. The classifier, planner and
// workers share one scripted client, so a test's script follows the exact
// call order of the flow under test.
func classify(isAtomic bool, agentLabel string) llm.CompletionResponse {
	return llm.CompletionResponse{Content: fmt.Sprintf(
		`{"isAtomic": %t, "agent": %q, "confidence": 0.9, "reason": "scripted"}`, isAtomic, agentLabel)}
}

// toolUse scripts one worker turn that requests a tool.
func toolUse(callID, name string, args map[string]any) llm.CompletionResponse {
	return testkit.ToolResponse("", proto.ToolCall{ID: callID, Name: name, Arguments: args})
}

// twoStepPlan scripts a planner reply with a dependent second subtask.
func twoStepPlan() llm.CompletionResponse {
	return llm.CompletionResponse{Content: `[
		{"description": "Create the users table", "agent": "code", "dependsOn": []},
		{"description": "Wire the endpoint", "agent": "code", "dependsOn": [0]}
	]`}
}

func oneStepPlan(description string) llm.CompletionResponse {
	return llm.CompletionResponse{Content: fmt.Sprintf(
		`[{"description": %q, "agent": "code", "dependsOn": []}]`, description)}
}

type eventLog struct {
	mu     sync.Mutex
	events []proto.Event
}

func (l *eventLog) record(evt proto.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, evt)
}

func (l *eventLog) names() []proto.EventName {
	l.mu.Lock()
	defer l.mu.Unlock()
	names := make([]proto.EventName, len(l.events))
	for i, evt := range l.events {
		names[i] = evt.Name
	}
	return names
}

type facadeFixture struct {
	facade    *Facade
	conv      *Service
	store     *persistence.Store
	machines  *fsm.Registry
	approvals *approval.Manager
	events    *eventLog
	sessionID string
}

func newFacadeFixture(t *testing.T, client llm.LLMClient) *facadeFixture {
	t.Helper()

	store := newTestStore(t)
	bus := dispatch.NewBus()
	events := &eventLog{}
	bus.SubscribeAll(events.record)

	recorder := metrics.NewRecorderWith(prometheus.NewRegistry())
	approvals := approval.NewManager(store.Approvals, bus, approval.DefaultPolicy())
	workerCfg := agent.WorkerConfig{
		Client:    client,
		Approvals: approvals,
		Runner:    tools.NewLocalRunner(t.TempDir()),
		Bus:       bus,
		Recorder:  recorder,
		Budget:    config.Default().Context,
		Timeout:   5 * time.Second,
	}
	workers := agent.NewWorkerSet(true, workerCfg)

	conv := NewService(store.Conversations)
	machines := fsm.NewRegistry(store.FSMStates)

	facade := NewFacade(Deps{
		Conversations: conv,
		Agents:        NewAgentContexts(store.AgentContexts, nil),
		Machines:      machines,
		Classifier:    agent.NewClassifier(client),
		Planner:       agent.NewPlanner(client),
		Workers:       workers,
		Executor:      exec.NewExecutor(store.Plans, conv, workers, bus, recorder),
		Approvals:     approvals,
		Plans:         store.Plans,
		Runner:        tools.NewLocalRunner(t.TempDir()),
		Bus:           bus,
		Recorder:      recorder,
		MultiAgent:    true,
	})

	created, err := conv.Create("", "")
	require.NoError(t, err)

	return &facadeFixture{
		facade:    facade,
		conv:      conv,
		store:     store,
		machines:  machines,
		approvals: approvals,
		events:    events,
		sessionID: created.ID,
	}
}

// sendMessage runs HandleUserMessage and drains the stream.
func (f *facadeFixture) sendMessage(t *testing.T, content string) ([]proto.StreamChunk, error) {
	t.Helper()
	out := make(chan proto.StreamChunk, 64)
	err := f.facade.HandleUserMessage(context.Background(), f.sessionID, content, out)
	close(out)
	return testkit.DrainChunks(t, out), err
}

func (f *facadeFixture) planDecision(t *testing.T, requestID string, d proto.Decision, feedback string) ([]proto.StreamChunk, error) {
	t.Helper()
	out := make(chan proto.StreamChunk, 64)
	err := f.facade.HandlePlanDecision(context.Background(), f.sessionID, requestID, d, feedback, out)
	close(out)
	return testkit.DrainChunks(t, out), err
}

func (f *facadeFixture) toolDecision(t *testing.T, requestID string, d proto.Decision) ([]proto.StreamChunk, error) {
	t.Helper()
	out := make(chan proto.StreamChunk, 64)
	err := f.facade.HandleToolDecision(context.Background(), f.sessionID, requestID, d, nil, out)
	close(out)
	return testkit.DrainChunks(t, out), err
}

func (f *facadeFixture) toolResult(t *testing.T, res ToolResult) ([]proto.StreamChunk, error) {
	t.Helper()
	out := make(chan proto.StreamChunk, 64)
	err := f.facade.HandleToolResult(context.Background(), f.sessionID, res, out)
	close(out)
	return testkit.DrainChunks(t, out), err
}

func (f *facadeFixture) state(t *testing.T) fsm.State {
	t.Helper()
	m, err := f.machines.Get(f.sessionID)
	require.NoError(t, err)
	return m.Current()
}

func finalChunk(t *testing.T, chunks []proto.StreamChunk) proto.StreamChunk {
	t.Helper()
	require.NotEmpty(t, chunks)
	last := chunks[len(chunks)-1]
	require.True(t, last.IsFinal, "stream must end with a final chunk, got %s", last.Type)
	return last
}

func countFinals(chunks []proto.StreamChunk) int {
	n := 0
	for _, c := range chunks {
		if c.IsFinal {
			n++
		}
	}
	return n
}

func TestHandleUserMessageAtomicTurnCompletes(t *testing.T) {
	client := &testkit.ScriptedClient{Responses: []llm.CompletionResponse{
		classify(true, "code"),
		testkit.CompletionResult("Renamed the flag"),
	}}
	f := newFacadeFixture(t, client)

	chunks, err := f.sendMessage(t, "rename the verbose flag to debug")
	require.NoError(t, err)

	// Routing is announced, then the worker's final message ends the stream.
	assert.Equal(t, proto.ChunkSwitchAgent, chunks[0].Type)
	assert.Equal(t, string(proto.AgentCoder), chunks[0].Metadata["to_agent"])

	last := finalChunk(t, chunks)
	assert.Equal(t, proto.ChunkAssistantMessage, last.Type)
	assert.Equal(t, "Renamed the flag", last.Content)
	assert.Equal(t, 1, countFinals(chunks))

	assert.Equal(t, fsm.StateCompleted, f.state(t))

	msgs, err := f.conv.Messages(f.sessionID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, proto.RoleUser, msgs[0].Role)
	assert.Equal(t, proto.RoleAssistant, msgs[1].Role)
}

func TestHandleUserMessageComplexDraftsPlan(t *testing.T) {
	client := &testkit.ScriptedClient{Responses: []llm.CompletionResponse{
		classify(false, "plan"),
		twoStepPlan(),
	}}
	f := newFacadeFixture(t, client)

	chunks, err := f.sendMessage(t, "build user registration end to end")
	require.NoError(t, err)

	last := finalChunk(t, chunks)
	assert.Equal(t, proto.ChunkPlanApprovalRequired, last.Type)
	assert.NotEmpty(t, last.ApprovalRequestID)
	assert.NotEmpty(t, last.PlanID)
	assert.Equal(t, 1, countFinals(chunks))

	types := make([]proto.ChunkType, len(chunks))
	for i, c := range chunks {
		types[i] = c.Type
	}
	assert.Contains(t, types, proto.ChunkPlanCreated)

	assert.Equal(t, fsm.StatePlanReview, f.state(t))

	// The draft is stored with its dependency chain intact.
	stored, err := f.store.Plans.FindByID(last.PlanID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, proto.PlanDraft, stored.Status)
	require.Len(t, stored.Subtasks, 2)
	assert.Equal(t, []string{stored.Subtasks[0].ID}, stored.Subtasks[1].DependsOn)

	pending, err := f.approvals.GetAllPending(f.sessionID, proto.ApprovalTypePlan)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestHandleUserMessageInvalidPlanWritesNothing(t *testing.T) {
	// The planner proposes a forward dependency, which fails validation
	// before anything is persisted.
	client := &testkit.ScriptedClient{Responses: []llm.CompletionResponse{
		classify(false, "plan"),
		{Content: `[
			{"description": "Design the API", "agent": "code", "dependsOn": [1]},
			{"description": "Implement the API", "agent": "code", "dependsOn": []}
		]`},
	}}
	f := newFacadeFixture(t, client)

	chunks, err := f.sendMessage(t, "design then implement the API")
	require.NoError(t, err)

	last := finalChunk(t, chunks)
	assert.Equal(t, proto.ChunkError, last.Type)
	assert.Contains(t, last.Error, "invalid dependency index")

	assert.Equal(t, fsm.StateErrorHandling, f.state(t))

	plans, err := f.store.Plans.FindAllForConversation(f.sessionID, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, plans, "a rejected draft leaves no plan row")

	pending, err := f.approvals.GetAllPending(f.sessionID, proto.ApprovalTypePlan)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestHandlePlanDecisionApproveExecutesPlan(t *testing.T) {
	client := &testkit.ScriptedClient{Responses: []llm.CompletionResponse{
		classify(false, "plan"),
		twoStepPlan(),
		testkit.CompletionResult("table created"),
		testkit.CompletionResult("endpoint wired"),
	}}
	f := newFacadeFixture(t, client)

	chunks, err := f.sendMessage(t, "build user registration end to end")
	require.NoError(t, err)
	review := finalChunk(t, chunks)

	chunks, err = f.planDecision(t, review.ApprovalRequestID, proto.DecisionApprove, "")
	require.NoError(t, err)

	last := finalChunk(t, chunks)
	assert.Equal(t, proto.ChunkExecutionCompleted, last.Type)
	assert.Equal(t, 1, countFinals(chunks))

	assert.Equal(t, fsm.StateCompleted, f.state(t))

	stored, err := f.store.Plans.FindByID(review.PlanID)
	require.NoError(t, err)
	assert.Equal(t, proto.PlanCompleted, stored.Status)
	assert.Equal(t, "table created", stored.Subtasks[0].Result)

	assert.Contains(t, f.events.names(), proto.EventApprovalApproved)
	assert.Contains(t, f.events.names(), proto.EventPlanCompleted)
}

func TestHandlePlanDecisionRejectCancelsDraft(t *testing.T) {
	client := &testkit.ScriptedClient{Responses: []llm.CompletionResponse{
		classify(false, "plan"),
		oneStepPlan("Do the work"),
	}}
	f := newFacadeFixture(t, client)

	chunks, err := f.sendMessage(t, "do something involved")
	require.NoError(t, err)
	review := finalChunk(t, chunks)

	chunks, err = f.planDecision(t, review.ApprovalRequestID, proto.DecisionReject, "too risky")
	require.NoError(t, err)

	last := finalChunk(t, chunks)
	assert.Equal(t, proto.ChunkPlanRejected, last.Type)
	assert.Equal(t, "too risky", last.Content)

	assert.Equal(t, fsm.StateIdle, f.state(t))

	stored, err := f.store.Plans.FindByID(review.PlanID)
	require.NoError(t, err)
	assert.Equal(t, proto.PlanCancelled, stored.Status)
	assert.Contains(t, f.events.names(), proto.EventApprovalRejected)
}

func TestHandlePlanDecisionModifyParksInPlanning(t *testing.T) {
	client := &testkit.ScriptedClient{Responses: []llm.CompletionResponse{
		classify(false, "plan"),
		oneStepPlan("Do the work"),
	}}
	f := newFacadeFixture(t, client)

	chunks, err := f.sendMessage(t, "do something involved")
	require.NoError(t, err)
	review := finalChunk(t, chunks)

	chunks, err = f.planDecision(t, review.ApprovalRequestID, proto.DecisionModify, "split the migration")
	require.NoError(t, err)

	last := finalChunk(t, chunks)
	assert.Equal(t, proto.ChunkStatus, last.Type)
	assert.Equal(t, fsm.StateArchitectPlanning, f.state(t))

	// The machine has no message edge while planning is parked; the request
	// is rejected rather than guessed at.
	_, err = f.sendMessage(t, "never mind, try again")
	require.ErrorIs(t, err, fsm.ErrInvalidTransition)
}

func TestHandleUserMessageSuspendsOnDangerousTool(t *testing.T) {
	client := &testkit.ScriptedClient{Responses: []llm.CompletionResponse{
		classify(true, "code"),
		toolUse("call_w", tools.ToolWriteFile, map[string]any{"path": "main.go", "content": "package main"}),
	}}
	f := newFacadeFixture(t, client)

	chunks, err := f.sendMessage(t, "write main.go")
	require.NoError(t, err)

	last := finalChunk(t, chunks)
	assert.Equal(t, proto.ChunkToolCall, last.Type)
	assert.True(t, last.RequiresApproval)
	assert.NotEmpty(t, last.ApprovalRequestID)
	assert.Equal(t, 1, countFinals(chunks))

	assert.Equal(t, fsm.StateExecution, f.state(t))
	m, err := f.machines.Get(f.sessionID)
	require.NoError(t, err)
	meta := m.Metadata()
	assert.Equal(t, "call_w", meta["call_id"])
	assert.Equal(t, tools.ToolWriteFile, meta["tool"])

	pending, err := f.approvals.GetAllPending(f.sessionID, proto.ApprovalTypeTool)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestHandleToolDecisionApproveHandsToEditor(t *testing.T) {
	client := &testkit.ScriptedClient{Responses: []llm.CompletionResponse{
		classify(true, "code"),
		toolUse("call_w", tools.ToolWriteFile, map[string]any{"path": "main.go", "content": "package main"}),
	}}
	f := newFacadeFixture(t, client)

	chunks, err := f.sendMessage(t, "write main.go")
	require.NoError(t, err)
	gate := finalChunk(t, chunks)

	chunks, err = f.toolDecision(t, gate.ApprovalRequestID, proto.DecisionApprove)
	require.NoError(t, err)

	// The approved call goes back out for the editor to execute; approval is
	// settled, so the chunk no longer asks for one.
	last := finalChunk(t, chunks)
	assert.Equal(t, proto.ChunkToolCall, last.Type)
	assert.Equal(t, "call_w", last.CallID)
	assert.False(t, last.RequiresApproval)

	assert.Contains(t, f.events.names(), proto.EventToolExecutionRequested)
	assert.Contains(t, f.events.names(), proto.EventApprovalApproved)
}

func TestHandleToolDecisionRejectFeedsRefusalBack(t *testing.T) {
	client := &testkit.ScriptedClient{Responses: []llm.CompletionResponse{
		classify(true, "code"),
		toolUse("call_w", tools.ToolWriteFile, map[string]any{"path": "main.go", "content": "package main"}),
		testkit.CompletionResult("Understood, leaving the file alone"),
	}}
	f := newFacadeFixture(t, client)

	chunks, err := f.sendMessage(t, "write main.go")
	require.NoError(t, err)
	gate := finalChunk(t, chunks)

	chunks, err = f.toolDecision(t, gate.ApprovalRequestID, proto.DecisionReject)
	require.NoError(t, err)

	// The refusal is folded in as a tool result and the turn resumes to a
	// normal completion.
	assert.Equal(t, proto.ChunkToolResult, chunks[0].Type)
	assert.Contains(t, chunks[0].Content, "rejected")

	last := finalChunk(t, chunks)
	assert.Equal(t, proto.ChunkAssistantMessage, last.Type)
	assert.Equal(t, fsm.StateCompleted, f.state(t))

	msgs, err := f.conv.Messages(f.sessionID)
	require.NoError(t, err)
	require.Len(t, msgs, 4) // user, assistant tool call, rejection result, assistant
	assert.Equal(t, proto.RoleTool, msgs[2].Role)
	assert.Contains(t, msgs[2].Content, "rejected by the user")
}

func TestHandleToolResultResumesTurn(t *testing.T) {
	client := &testkit.ScriptedClient{Responses: []llm.CompletionResponse{
		classify(true, "code"),
		toolUse("call_r", tools.ToolReadFile, map[string]any{"path": "config.yaml"}),
		testkit.CompletionResult("The config sets retries to 3"),
	}}
	f := newFacadeFixture(t, client)

	// read_file needs no approval, so the segment suspends straight on the
	// editor executing it.
	chunks, err := f.sendMessage(t, "what does config.yaml set retries to?")
	require.NoError(t, err)
	last := finalChunk(t, chunks)
	assert.Equal(t, proto.ChunkToolCall, last.Type)
	assert.False(t, last.RequiresApproval)

	chunks, err = f.toolResult(t, ToolResult{CallID: "call_r", Result: "retries: 3"})
	require.NoError(t, err)

	assert.Equal(t, proto.ChunkToolResult, chunks[0].Type)
	assert.Equal(t, "retries: 3", chunks[0].Content)

	last = finalChunk(t, chunks)
	assert.Equal(t, proto.ChunkAssistantMessage, last.Type)
	assert.Equal(t, "The config sets retries to 3", last.Content)
	assert.Equal(t, fsm.StateCompleted, f.state(t))
}

func TestHandleToolResultUnknownCall(t *testing.T) {
	f := newFacadeFixture(t, &testkit.ScriptedClient{})

	_, err := f.toolResult(t, ToolResult{CallID: "call_ghost", Result: "anything"})
	var verr *MessageValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Reason, "call_ghost")
}

func TestHandleUserMessageInactiveConversation(t *testing.T) {
	f := newFacadeFixture(t, &testkit.ScriptedClient{})
	require.NoError(t, f.conv.Deactivate(f.sessionID))

	_, err := f.sendMessage(t, "hello?")
	var verr *MessageValidationError
	require.ErrorAs(t, err, &verr)
}

func TestHandlePlanDecisionUnknownRequest(t *testing.T) {
	f := newFacadeFixture(t, &testkit.ScriptedClient{})

	_, err := f.planDecision(t, "no-such-request", proto.DecisionApprove, "")
	require.ErrorIs(t, err, approval.ErrNotFound)
}

func TestHandleToolDecisionRejectsPlanRequest(t *testing.T) {
	client := &testkit.ScriptedClient{Responses: []llm.CompletionResponse{
		classify(false, "plan"),
		oneStepPlan("Do the work"),
	}}
	f := newFacadeFixture(t, client)

	chunks, err := f.sendMessage(t, "do something involved")
	require.NoError(t, err)
	review := finalChunk(t, chunks)

	_, err = f.toolDecision(t, review.ApprovalRequestID, proto.DecisionApprove)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a tool decision")
}

func TestNewMessageAbandonsPlanReview(t *testing.T) {
	client := &testkit.ScriptedClient{Responses: []llm.CompletionResponse{
		classify(false, "plan"),
		oneStepPlan("Do the work"),
		classify(true, "code"),
		testkit.CompletionResult("Quick fix done"),
	}}
	f := newFacadeFixture(t, client)

	chunks, err := f.sendMessage(t, "do something involved")
	require.NoError(t, err)
	review := finalChunk(t, chunks)

	// A new message while the plan waits for review abandons the draft and
	// serves the new request instead.
	chunks, err = f.sendMessage(t, "actually just fix the typo")
	require.NoError(t, err)

	last := finalChunk(t, chunks)
	assert.Equal(t, proto.ChunkAssistantMessage, last.Type)
	assert.Equal(t, fsm.StateCompleted, f.state(t))

	stored, err := f.store.Plans.FindByID(review.PlanID)
	require.NoError(t, err)
	assert.Equal(t, proto.PlanCancelled, stored.Status)
	assert.Contains(t, f.events.names(), proto.EventApprovalRejected)
}

func TestPlanSuspensionRoundTrip(t *testing.T) {
	client := &testkit.ScriptedClient{Responses: []llm.CompletionResponse{
		classify(false, "plan"),
		oneStepPlan("Write main.go"),
		toolUse("call_w", tools.ToolWriteFile, map[string]any{"path": "main.go", "content": "package main"}),
		testkit.CompletionResult("main.go written"),
	}}
	f := newFacadeFixture(t, client)

	chunks, err := f.sendMessage(t, "scaffold the project")
	require.NoError(t, err)
	review := finalChunk(t, chunks)

	// Approving the plan runs it until the dangerous write suspends it.
	chunks, err = f.planDecision(t, review.ApprovalRequestID, proto.DecisionApprove, "")
	require.NoError(t, err)
	gate := finalChunk(t, chunks)
	assert.Equal(t, proto.ChunkToolCall, gate.Type)
	assert.True(t, gate.RequiresApproval)
	assert.Equal(t, fsm.StatePlanExecution, f.state(t))

	// Approving the tool hands it to the editor; the plan stays suspended.
	chunks, err = f.toolDecision(t, gate.ApprovalRequestID, proto.DecisionApprove)
	require.NoError(t, err)
	handoff := finalChunk(t, chunks)
	assert.Equal(t, proto.ChunkToolCall, handoff.Type)
	assert.False(t, handoff.RequiresApproval)
	assert.Equal(t, fsm.StatePlanExecution, f.state(t))

	// The posted result resumes the suspended subtask to plan completion.
	chunks, err = f.toolResult(t, ToolResult{CallID: "call_w", Result: "wrote 13 bytes"})
	require.NoError(t, err)

	last := finalChunk(t, chunks)
	assert.Equal(t, proto.ChunkExecutionCompleted, last.Type)
	assert.Equal(t, fsm.StateCompleted, f.state(t))

	stored, err := f.store.Plans.FindByID(review.PlanID)
	require.NoError(t, err)
	assert.Equal(t, proto.PlanCompleted, stored.Status)
	assert.Equal(t, "main.go written", stored.Subtasks[0].Result)

	// The working log ends with the user's request plus the subtask note;
	// the tool traffic was rolled back with the snapshot.
	msgs, err := f.conv.Messages(f.sessionID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Contains(t, msgs[1].Content, "Subtask completed")
}
