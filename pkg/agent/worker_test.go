package agent

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conductor/pkg/agent/llm"
	"conductor/pkg/persistence"
	"conductor/pkg/proto"
	"conductor/pkg/testkit"
	"conductor/pkg/tools"
)

func seedUserMessage(t *testing.T, log *memLog, sessionID, content string) {
	t.Helper()
	require.NoError(t, log.AppendMessage(sessionID, proto.Message{Role: proto.RoleUser, Content: content}))
}

func TestWorkerPlainAnswerEndsSegment(t *testing.T) {
	client := &testkit.ScriptedClient{Responses: []llm.CompletionResponse{
		testkit.TextResponse("The retry loop lives in backoff.go."),
	}}
	w := NewWorker(proto.AgentAsk, askPrompt, personas[proto.AgentAsk].tools, newTestWorkerConfig(t, client))

	log := newMemLog()
	seedUserMessage(t, log, "s1", "where is the retry loop?")

	chunks := testkit.DrainChunks(t, w.Process(context.Background(), log, "s1"))
	require.Len(t, chunks, 1)
	assert.Equal(t, proto.ChunkAssistantMessage, chunks[0].Type)
	assert.True(t, chunks[0].IsFinal)
	assert.Equal(t, "The retry loop lives in backoff.go.", chunks[0].Content)

	require.Equal(t, 2, log.len("s1"))
	assert.Equal(t, proto.RoleAssistant, log.at("s1", 1).Role)
}

func TestWorkerSystemPromptLeadsWorkingSet(t *testing.T) {
	client := &testkit.ScriptedClient{Responses: []llm.CompletionResponse{testkit.TextResponse("done")}}
	w := NewWorker(proto.AgentCoder, coderPrompt, personas[proto.AgentCoder].tools, newTestWorkerConfig(t, client))

	log := newMemLog()
	seedUserMessage(t, log, "s1", "hello")
	testkit.DrainChunks(t, w.Process(context.Background(), log, "s1"))

	require.Equal(t, 1, client.Turns())
	req := client.Request(0)
	require.NotEmpty(t, req.Messages)
	assert.Equal(t, proto.RoleSystem, req.Messages[0].Role)
	assert.Equal(t, coderPrompt, req.Messages[0].Content)
	assert.NotEmpty(t, req.Tools, "workers always advertise their tool catalog")
}

func TestWorkerLocalToolContinuesLoop(t *testing.T) {
	cfg := newTestWorkerConfig(t, nil)

	// Put a real file under the runner root so search_files finds it.
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "main.go"), []byte("package main\n"), 0o644))
	cfg.Runner = tools.NewLocalRunner(root)

	client := &testkit.ScriptedClient{Responses: []llm.CompletionResponse{
		testkit.ToolResponse("", proto.ToolCall{ID: "call_1", Name: tools.ToolSearchFiles, Arguments: map[string]any{"pattern": "*.go"}}),
		testkit.TextResponse("Found main.go."),
	}}
	cfg.Client = client
	w := NewWorker(proto.AgentAsk, askPrompt, personas[proto.AgentAsk].tools, cfg)

	log := newMemLog()
	seedUserMessage(t, log, "s1", "what go files exist?")

	chunks := testkit.DrainChunks(t, w.Process(context.Background(), log, "s1"))
	require.Len(t, chunks, 3)

	assert.Equal(t, proto.ChunkToolCall, chunks[0].Type)
	assert.False(t, chunks[0].IsFinal, "local tools do not suspend the segment")
	assert.False(t, chunks[0].RequiresApproval)

	assert.Equal(t, proto.ChunkToolResult, chunks[1].Type)
	assert.Equal(t, "call_1", chunks[1].ToolCallID)
	assert.Contains(t, chunks[1].Content, "main.go")

	assert.Equal(t, proto.ChunkAssistantMessage, chunks[2].Type)
	assert.True(t, chunks[2].IsFinal)

	// user, assistant tool call, tool result, final assistant.
	require.Equal(t, 4, log.len("s1"))
	assert.Equal(t, proto.RoleTool, log.at("s1", 2).Role)
	assert.Equal(t, "call_1", log.at("s1", 2).ToolCallID)
	assert.Equal(t, 2, client.Turns())
}

func TestWorkerEmptyLocalOutputSubstituted(t *testing.T) {
	cfg := newTestWorkerConfig(t, nil)
	cfg.Runner = tools.NewLocalRunner(t.TempDir())

	client := &testkit.ScriptedClient{Responses: []llm.CompletionResponse{
		testkit.ToolResponse("", proto.ToolCall{ID: "call_1", Name: tools.ToolSearchFiles, Arguments: map[string]any{"pattern": "*.zig"}}),
		testkit.TextResponse("No zig here."),
	}}
	cfg.Client = client
	w := NewWorker(proto.AgentAsk, askPrompt, personas[proto.AgentAsk].tools, cfg)

	log := newMemLog()
	seedUserMessage(t, log, "s1", "any zig files?")
	chunks := testkit.DrainChunks(t, w.Process(context.Background(), log, "s1"))

	require.Len(t, chunks, 3)
	if log.at("s1", 2).Content != emptyToolOutput {
		// searchFiles reports "no files matching..." itself; only a truly
		// blank output gets the substitute.
		assert.NotEmpty(t, log.at("s1", 2).Content)
	}
}

func TestWorkerDangerousToolSuspendsForApproval(t *testing.T) {
	client := &testkit.ScriptedClient{Responses: []llm.CompletionResponse{
		testkit.ToolResponse("Writing the file now.", proto.ToolCall{
			ID:   "call_9",
			Name: tools.ToolWriteFile,
			Arguments: map[string]any{
				"path":    "main.go",
				"content": "package main",
			},
		}),
	}}
	cfg := newTestWorkerConfig(t, client)
	w := NewWorker(proto.AgentCoder, coderPrompt, personas[proto.AgentCoder].tools, cfg)

	log := newMemLog()
	seedUserMessage(t, log, "s1", "create main.go")

	chunks := testkit.DrainChunks(t, w.Process(context.Background(), log, "s1"))
	require.Len(t, chunks, 1)

	chunk := chunks[0]
	assert.Equal(t, proto.ChunkToolCall, chunk.Type)
	assert.True(t, chunk.IsFinal, "approval gates end the segment")
	assert.True(t, chunk.RequiresApproval)
	assert.NotEmpty(t, chunk.ApprovalRequestID)
	assert.Equal(t, tools.ToolWriteFile, chunk.ToolName)

	// The request is on file and pending.
	rec, err := cfg.Approvals.GetPending(chunk.ApprovalRequestID)
	require.NoError(t, err)
	assert.Equal(t, proto.ApprovalPending, rec.Status)
	assert.Equal(t, "s1", rec.SessionID)

	// The tool call is durable; a later approval can replay it.
	require.Equal(t, 2, log.len("s1"))
	last := log.at("s1", 1)
	require.Len(t, last.ToolCalls, 1)
	assert.Equal(t, "call_9", last.ToolCalls[0].ID)

	assert.Equal(t, 1, client.Turns(), "the loop stops at the gate")
}

func TestWorkerIDEToolSuspends(t *testing.T) {
	client := &testkit.ScriptedClient{Responses: []llm.CompletionResponse{
		testkit.ToolResponse("", proto.ToolCall{ID: "call_2", Name: tools.ToolReadFile, Arguments: map[string]any{"path": "go.mod"}}),
	}}
	cfg := newTestWorkerConfig(t, client)
	w := NewWorker(proto.AgentCoder, coderPrompt, personas[proto.AgentCoder].tools, cfg)

	log := newMemLog()
	seedUserMessage(t, log, "s1", "read go.mod")

	chunks := testkit.DrainChunks(t, w.Process(context.Background(), log, "s1"))
	require.Len(t, chunks, 1)

	chunk := chunks[0]
	assert.Equal(t, proto.ChunkToolCall, chunk.Type)
	assert.True(t, chunk.IsFinal, "IDE execution ends the segment until the result comes back")
	assert.False(t, chunk.RequiresApproval, "read_file needs no approval")
	assert.Empty(t, chunk.ApprovalRequestID)
	assert.Equal(t, 1, client.Turns())
}

func TestWorkerAttemptCompletion(t *testing.T) {
	client := &testkit.ScriptedClient{Responses: []llm.CompletionResponse{
		testkit.ToolResponse("", proto.ToolCall{
			ID:        "call_3",
			Name:      tools.ToolAttemptCompletion,
			Arguments: map[string]any{"result": "All tests pass."},
		}),
	}}
	w := NewWorker(proto.AgentCoder, coderPrompt, personas[proto.AgentCoder].tools, newTestWorkerConfig(t, client))

	log := newMemLog()
	seedUserMessage(t, log, "s1", "run the tests")

	chunks := testkit.DrainChunks(t, w.Process(context.Background(), log, "s1"))
	require.Len(t, chunks, 1)
	assert.Equal(t, proto.ChunkAssistantMessage, chunks[0].Type)
	assert.True(t, chunks[0].IsFinal)
	assert.Equal(t, "All tests pass.", chunks[0].Content)

	require.Equal(t, 2, log.len("s1"))
	last := log.at("s1", 1)
	assert.Equal(t, proto.RoleAssistant, last.Role)
	assert.Equal(t, "All tests pass.", last.Content)
	assert.Empty(t, last.ToolCalls, "virtual tools never reach the durable log as calls")
}

func TestWorkerAskFollowupQuestion(t *testing.T) {
	client := &testkit.ScriptedClient{Responses: []llm.CompletionResponse{
		testkit.ToolResponse("", proto.ToolCall{
			ID:        "call_4",
			Name:      tools.ToolAskFollowupQuestion,
			Arguments: map[string]any{"question": "Which database should I target?"},
		}),
	}}
	w := NewWorker(proto.AgentCoder, coderPrompt, personas[proto.AgentCoder].tools, newTestWorkerConfig(t, client))

	log := newMemLog()
	seedUserMessage(t, log, "s1", "wire up the storage layer")

	chunks := testkit.DrainChunks(t, w.Process(context.Background(), log, "s1"))
	require.Len(t, chunks, 1)
	assert.True(t, chunks[0].IsFinal)
	assert.Equal(t, "Which database should I target?", chunks[0].Content)
}

func TestWorkerRejectsCreatePlanOutsidePlanning(t *testing.T) {
	client := &testkit.ScriptedClient{Responses: []llm.CompletionResponse{
		testkit.ToolResponse("", proto.ToolCall{
			ID:        "call_5",
			Name:      tools.ToolCreatePlan,
			Arguments: map[string]any{"subtasks": []any{}},
		}),
	}}
	w := NewWorker(proto.AgentCoder, coderPrompt, personas[proto.AgentCoder].tools, newTestWorkerConfig(t, client))

	log := newMemLog()
	seedUserMessage(t, log, "s1", "do something")

	chunks := testkit.DrainChunks(t, w.Process(context.Background(), log, "s1"))
	require.Len(t, chunks, 1)
	assert.Equal(t, proto.ChunkError, chunks[0].Type)
	assert.True(t, chunks[0].IsFinal)
	assert.Contains(t, chunks[0].Error, tools.ToolCreatePlan)
}

func TestWorkerInvalidCallFedBackToModel(t *testing.T) {
	client := &testkit.ScriptedClient{Responses: []llm.CompletionResponse{
		// Missing required "pattern"; the validator bounces it.
		testkit.ToolResponse("", proto.ToolCall{ID: "call_6", Name: tools.ToolSearchFiles, Arguments: map[string]any{}}),
		testkit.TextResponse("Sorry, nothing found."),
	}}
	w := NewWorker(proto.AgentAsk, askPrompt, personas[proto.AgentAsk].tools, newTestWorkerConfig(t, client))

	log := newMemLog()
	seedUserMessage(t, log, "s1", "find the config")

	chunks := testkit.DrainChunks(t, w.Process(context.Background(), log, "s1"))
	require.Len(t, chunks, 2)

	assert.Equal(t, proto.ChunkToolResult, chunks[0].Type)
	assert.Contains(t, chunks[0].Content, "Error:")
	assert.Contains(t, chunks[0].Content, "pattern")
	assert.Equal(t, proto.ChunkAssistantMessage, chunks[1].Type)

	// The rejection is durable so the next turn sees it.
	require.Equal(t, 4, log.len("s1"))
	assert.Equal(t, proto.RoleTool, log.at("s1", 2).Role)
	assert.Contains(t, log.at("s1", 2).Content, "Error:")
	assert.Equal(t, 2, client.Turns())
}

func TestWorkerPicksFirstOfManyToolCalls(t *testing.T) {
	client := &testkit.ScriptedClient{Responses: []llm.CompletionResponse{
		testkit.ToolResponse("",
			proto.ToolCall{ID: "call_a", Name: tools.ToolReadFile, Arguments: map[string]any{"path": "a.go"}},
			proto.ToolCall{ID: "call_b", Name: tools.ToolReadFile, Arguments: map[string]any{"path": "b.go"}},
		),
	}}
	w := NewWorker(proto.AgentCoder, coderPrompt, personas[proto.AgentCoder].tools, newTestWorkerConfig(t, client))

	log := newMemLog()
	seedUserMessage(t, log, "s1", "read both files")

	chunks := testkit.DrainChunks(t, w.Process(context.Background(), log, "s1"))
	require.Len(t, chunks, 1)
	assert.Equal(t, "call_a", chunks[0].CallID, "only the first call survives")
	assert.Equal(t, "LLM attempted to call 2 tools simultaneously", chunks[0].Metadata["validation_warning"])

	last := log.at("s1", log.len("s1")-1)
	require.Len(t, last.ToolCalls, 1)
	assert.Equal(t, "call_a", last.ToolCalls[0].ID)
	assert.Equal(t, "LLM attempted to call 2 tools simultaneously", last.Metadata["validation_warning"])
}

func TestWorkerSynthesizesMissingCallID(t *testing.T) {
	client := &testkit.ScriptedClient{Responses: []llm.CompletionResponse{
		testkit.ToolResponse("", proto.ToolCall{Name: tools.ToolReadFile, Arguments: map[string]any{"path": "a.go"}}),
	}}
	w := NewWorker(proto.AgentCoder, coderPrompt, personas[proto.AgentCoder].tools, newTestWorkerConfig(t, client))

	log := newMemLog()
	seedUserMessage(t, log, "s1", "read a.go")

	chunks := testkit.DrainChunks(t, w.Process(context.Background(), log, "s1"))
	require.Len(t, chunks, 1)
	assert.Contains(t, chunks[0].CallID, "call_")
}

func TestWorkerModelFailureEmitsErrorChunk(t *testing.T) {
	client := &testkit.ScriptedClient{Errs: []error{fmt.Errorf("proxy unreachable")}}
	cfg := newTestWorkerConfig(t, client)

	failed := make(chan proto.Event, 1)
	cfg.Bus.Subscribe(proto.EventRequestFailed, func(evt proto.Event) {
		select {
		case failed <- evt:
		default:
		}
	})

	w := NewWorker(proto.AgentCoder, coderPrompt, personas[proto.AgentCoder].tools, cfg)

	log := newMemLog()
	seedUserMessage(t, log, "s1", "anything")

	chunks := testkit.DrainChunks(t, w.Process(context.Background(), log, "s1"))
	require.Len(t, chunks, 1)
	assert.Equal(t, proto.ChunkError, chunks[0].Type)
	assert.True(t, chunks[0].IsFinal)
	assert.Contains(t, chunks[0].Error, "proxy unreachable")

	select {
	case evt := <-failed:
		assert.Equal(t, "s1", evt.SessionID)
	default:
		t.Fatal("expected a RequestFailed event")
	}
}

func TestWorkerTurnLimit(t *testing.T) {
	// A model that validates-fails forever must hit the turn ceiling.
	var responses []llm.CompletionResponse
	for i := 0; i < 10; i++ {
		responses = append(responses, testkit.ToolResponse("", proto.ToolCall{
			ID: fmt.Sprintf("call_%d", i), Name: tools.ToolSearchFiles, Arguments: map[string]any{},
		}))
	}
	client := &testkit.ScriptedClient{Responses: responses}
	cfg := newTestWorkerConfig(t, client)
	cfg.MaxTurns = 3
	w := NewWorker(proto.AgentAsk, askPrompt, personas[proto.AgentAsk].tools, cfg)

	log := newMemLog()
	seedUserMessage(t, log, "s1", "loop forever")

	chunks := testkit.DrainChunks(t, w.Process(context.Background(), log, "s1"))
	require.NotEmpty(t, chunks)
	last := chunks[len(chunks)-1]
	assert.Equal(t, proto.ChunkError, last.Type)
	assert.Contains(t, last.Error, "exceeded 3 turns")
	assert.Equal(t, 3, client.Turns())
}

func TestWorkerAuditRowsQueued(t *testing.T) {
	client := &testkit.ScriptedClient{Responses: []llm.CompletionResponse{
		testkit.TextResponse("done"),
	}}
	cfg := newTestWorkerConfig(t, client)
	audit := make(chan *persistence.Request, 4)
	cfg.Audit = audit
	w := NewWorker(proto.AgentAsk, askPrompt, personas[proto.AgentAsk].tools, cfg)

	log := newMemLog()
	seedUserMessage(t, log, "s1", "hello")
	testkit.DrainChunks(t, w.Process(context.Background(), log, "s1"))

	require.Len(t, audit, 1)
	req := <-audit
	assert.Equal(t, persistence.OpRecordLLMCall, req.Operation)
}
