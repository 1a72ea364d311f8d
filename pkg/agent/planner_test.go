package agent

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conductor/pkg/agent/llm"
	"conductor/pkg/proto"
	"conductor/pkg/testkit"
)

const threeStepPlan = `[
  {"description": "Create the users table migration", "agent": "code", "dependsOn": [], "estimatedTime": "10m"},
  {"description": "Implement the registration endpoint", "agent": "code", "dependsOn": [0], "estimatedTime": "30m"},
  {"description": "Write integration tests for registration", "agent": "code", "dependsOn": [1], "estimatedTime": "20m"}
]`

func TestCreatePlanBuildsDAG(t *testing.T) {
	client := &testkit.ScriptedClient{Responses: []llm.CompletionResponse{testkit.TextResponse(threeStepPlan)}}
	p := NewPlanner(client)

	result, err := p.CreatePlan(context.Background(), "conv-1", "add user registration", nil, "")
	require.NoError(t, err)
	require.Len(t, result.Subtasks, 3)

	assert.Equal(t, "conv-1", result.ConversationID)
	assert.Equal(t, "add user registration", result.Goal)
	assert.Equal(t, proto.PlanDraft, result.Status)

	assert.Empty(t, result.Subtasks[0].DependsOn)
	require.Len(t, result.Subtasks[1].DependsOn, 1)
	assert.Equal(t, result.Subtasks[0].ID, result.Subtasks[1].DependsOn[0], "indices resolve to subtask IDs")
	require.Len(t, result.Subtasks[2].DependsOn, 1)
	assert.Equal(t, result.Subtasks[1].ID, result.Subtasks[2].DependsOn[0])

	for _, st := range result.Subtasks {
		assert.Equal(t, proto.AgentCoder, st.Agent)
		assert.Equal(t, proto.SubtaskPending, st.Status)
	}
	assert.Equal(t, "10m", result.Subtasks[0].EstimatedTime)
}

func TestCreatePlanToleratesFencedArray(t *testing.T) {
	client := &testkit.ScriptedClient{Responses: []llm.CompletionResponse{
		testkit.TextResponse("Plan:\n```json\n" + threeStepPlan + "\n```"),
	}}
	p := NewPlanner(client)

	result, err := p.CreatePlan(context.Background(), "conv-1", "add user registration", nil, "")
	require.NoError(t, err)
	assert.Len(t, result.Subtasks, 3)
}

func TestCreatePlanRejectsForwardDependency(t *testing.T) {
	client := &testkit.ScriptedClient{Responses: []llm.CompletionResponse{
		testkit.TextResponse(`[
			{"description": "Design the API", "agent": "code", "dependsOn": [1]},
			{"description": "Implement the API", "agent": "code", "dependsOn": []}
		]`),
	}}
	p := NewPlanner(client)

	_, err := p.CreatePlan(context.Background(), "conv-1", "design then implement", nil, "")
	require.Error(t, err)
	assert.EqualError(t, err, "Subtask 0 has invalid dependency index: 1")
}

func TestCreatePlanRejectsSelfDependency(t *testing.T) {
	client := &testkit.ScriptedClient{Responses: []llm.CompletionResponse{
		testkit.TextResponse(`[{"description": "Bootstrap everything", "agent": "code", "dependsOn": [0]}]`),
	}}
	p := NewPlanner(client)

	_, err := p.CreatePlan(context.Background(), "conv-1", "bootstrap", nil, "")
	require.Error(t, err)
	assert.EqualError(t, err, "Subtask 0 has invalid dependency index: 0")
}

func TestCreatePlanRejectsNegativeDependency(t *testing.T) {
	client := &testkit.ScriptedClient{Responses: []llm.CompletionResponse{
		testkit.TextResponse(`[
			{"description": "First", "agent": "code", "dependsOn": []},
			{"description": "Second", "agent": "code", "dependsOn": [-1]}
		]`),
	}}
	p := NewPlanner(client)

	_, err := p.CreatePlan(context.Background(), "conv-1", "two steps", nil, "")
	require.Error(t, err)
	assert.EqualError(t, err, "Subtask 1 has invalid dependency index: -1")
}

func TestCreatePlanFallsBackToSingleSubtask(t *testing.T) {
	client := &testkit.ScriptedClient{Responses: []llm.CompletionResponse{
		testkit.TextResponse("I would start by looking at the code."),
	}}
	p := NewPlanner(client)

	result, err := p.CreatePlan(context.Background(), "conv-1", "refactor the config loader", nil, "")
	require.NoError(t, err)
	require.Len(t, result.Subtasks, 1)
	assert.Equal(t, "refactor the config loader", result.Subtasks[0].Description)
	assert.Equal(t, proto.AgentCoder, result.Subtasks[0].Agent)
}

func TestCreatePlanFallbackAddsVerificationStep(t *testing.T) {
	// A goal that reads like a bug fix gets a debug subtask chained after
	// the coder so the fix is verified before the plan completes.
	client := &testkit.ScriptedClient{Responses: []llm.CompletionResponse{
		testkit.TextResponse("Sure, I can help with that!"),
	}}
	p := NewPlanner(client)

	result, err := p.CreatePlan(context.Background(), "conv-1", "fix the crash in the session store", nil, "")
	require.NoError(t, err)
	require.Len(t, result.Subtasks, 2)

	assert.Equal(t, "fix the crash in the session store", result.Subtasks[0].Description)
	assert.Equal(t, proto.AgentCoder, result.Subtasks[0].Agent)

	assert.Equal(t, proto.AgentDebug, result.Subtasks[1].Agent)
	require.Len(t, result.Subtasks[1].DependsOn, 1)
	assert.Equal(t, result.Subtasks[0].ID, result.Subtasks[1].DependsOn[0])
}

func TestCreatePlanReassignsNonWorkerAgents(t *testing.T) {
	client := &testkit.ScriptedClient{Responses: []llm.CompletionResponse{
		testkit.TextResponse(`[
			{"description": "Plan the plan", "agent": "plan", "dependsOn": []},
			{"description": "Check the logs", "agent": "debug", "dependsOn": []},
			{"description": "Summarize findings", "agent": "explain", "dependsOn": [1]}
		]`),
	}}
	p := NewPlanner(client)

	result, err := p.CreatePlan(context.Background(), "conv-1", "investigate the outage", nil, "")
	require.NoError(t, err)
	require.Len(t, result.Subtasks, 3)
	assert.Equal(t, proto.AgentCoder, result.Subtasks[0].Agent, "architect is not a worker")
	assert.Equal(t, proto.AgentDebug, result.Subtasks[1].Agent)
	assert.Equal(t, proto.AgentAsk, result.Subtasks[2].Agent)
}

func TestCreatePlanFallsBackOnTransportError(t *testing.T) {
	client := &testkit.ScriptedClient{Errs: []error{fmt.Errorf("proxy unreachable")}}
	p := NewPlanner(client)

	result, err := p.CreatePlan(context.Background(), "conv-1", "add request tracing", nil, "")
	require.NoError(t, err, "an unreachable model degrades to a heuristic plan")
	require.Len(t, result.Subtasks, 1)
	assert.Equal(t, "add request tracing", result.Subtasks[0].Description)
	assert.Equal(t, proto.AgentCoder, result.Subtasks[0].Agent)
}

func TestCreatePlanCarriesFeedback(t *testing.T) {
	client := &testkit.ScriptedClient{Responses: []llm.CompletionResponse{testkit.TextResponse(threeStepPlan)}}
	p := NewPlanner(client)

	_, err := p.CreatePlan(context.Background(), "conv-1", "add user registration", nil, "split the endpoint work from the tests")
	require.NoError(t, err)

	require.Equal(t, 1, client.Turns())
	req := client.Request(0)
	require.Len(t, req.Messages, 2)
	assert.Contains(t, req.Messages[1].Content, "split the endpoint work from the tests")
}

func TestCreatePlanRejectsEmptyDescriptions(t *testing.T) {
	// An all-blank plan parses as JSON but is useless; it degrades to the
	// single-subtask fallback instead of erroring.
	client := &testkit.ScriptedClient{Responses: []llm.CompletionResponse{
		testkit.TextResponse(`[{"description": "  ", "agent": "code", "dependsOn": []}]`),
	}}
	p := NewPlanner(client)

	result, err := p.CreatePlan(context.Background(), "conv-1", "do the thing", nil, "")
	require.NoError(t, err)
	require.Len(t, result.Subtasks, 1)
	assert.Equal(t, "do the thing", result.Subtasks[0].Description)
}
