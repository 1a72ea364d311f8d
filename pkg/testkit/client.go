// Package testkit provides the shared fakes the runtime's tests are built
// on: a scripted LLM client, stream chunk collectors, and an HTTP server
// that speaks the LiteLLM proxy's chat completions wire format.
package testkit

import (
	"context"
	"fmt"
	"sync"

	"conductor/pkg/agent/llm"
	"conductor/pkg/proto"
	"conductor/pkg/tools"
)

// ScriptedClient is an llm.LLMClient that plays back canned completions in
// order. Turn N fails with Errs[N] when that slot is non-nil and returns
// Responses[N] otherwise; a failing turn consumes its response slot. Calls
// past the end of the script fail, which turns an agent loop that will not
// settle into a test failure instead of a hang.
//
// Populate the exported fields before handing the client to the code under
// test and do not mutate them afterwards.
type ScriptedClient struct {
	Model     string
	Responses []llm.CompletionResponse
	Errs      []error

	mu       sync.Mutex
	requests []llm.CompletionRequest
}

// Complete implements llm.LLMClient.
func (c *ScriptedClient) Complete(_ context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	turn := len(c.requests)
	c.requests = append(c.requests, req)
	if turn < len(c.Errs) && c.Errs[turn] != nil {
		return llm.CompletionResponse{}, c.Errs[turn]
	}
	if turn >= len(c.Responses) {
		return llm.CompletionResponse{}, fmt.Errorf("scripted client exhausted after %d turns", len(c.Responses))
	}
	return c.Responses[turn], nil
}

// GetModelName implements llm.LLMClient.
func (c *ScriptedClient) GetModelName() string {
	if c.Model == "" {
		return "test-model"
	}
	return c.Model
}

// Turns reports how many completions have been requested so far.
func (c *ScriptedClient) Turns() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.requests)
}

// Request returns the i-th recorded completion request.
func (c *ScriptedClient) Request(i int) llm.CompletionRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.requests[i]
}

// TextResponse builds a plain assistant completion.
func TextResponse(content string) llm.CompletionResponse {
	return llm.CompletionResponse{Content: content, FinishReason: "end_turn"}
}

// ToolResponse builds a completion that invokes the given tool calls.
func ToolResponse(content string, calls ...proto.ToolCall) llm.CompletionResponse {
	return llm.CompletionResponse{Content: content, ToolCalls: calls, FinishReason: "tool_use"}
}

// CompletionResult builds the attempt_completion call a settling agent
// segment ends with.
func CompletionResult(result string) llm.CompletionResponse {
	return ToolResponse("", proto.ToolCall{
		ID:        "call_done",
		Name:      tools.ToolAttemptCompletion,
		Arguments: map[string]any{"result": result},
	})
}
