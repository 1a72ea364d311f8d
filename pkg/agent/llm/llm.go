// Package llm defines the provider-neutral completion envelope shared by
// every model backend. Concrete clients live in pkg/agent/llmclient; the
// rest of the runtime only sees these types.
package llm

import (
	"context"

	"conductor/pkg/proto"
	"conductor/pkg/tools"
)

// Sampling temperatures used across the runtime. The deterministic value is
// used for classification and planning, where stable output matters more
// than variety.
const (
	TemperatureDefault       = 0.3
	TemperatureDeterministic = 0.2
)

// DefaultMaxTokens caps a single completion when the caller does not say
// otherwise.
const DefaultMaxTokens = 4096

// CompletionRequest is a single completion call. Messages must be ordered
// oldest first; tool-role messages answer the assistant tool call whose ID
// they carry in ToolCallID.
type CompletionRequest struct {
	Messages    []proto.Message
	Tools       []tools.ToolDefinition
	ToolChoice  string // "auto" (default) or "any" to force a tool call
	MaxTokens   int
	Temperature float64
}

// Usage reports the token accounting of one completion.
type Usage struct {
	PromptTokens     int64
	CompletionTokens int64
	TotalTokens      int64
}

// CompletionResponse is the provider-neutral completion result. Content and
// ToolCalls may both be populated; FinishReason carries the provider's raw
// stop reason.
type CompletionResponse struct {
	Content      string
	ToolCalls    []proto.ToolCall
	Usage        Usage
	FinishReason string
}

// LLMClient is the interface every model backend implements. Clients are
// stateless between calls and safe for concurrent use.
type LLMClient interface {
	// Complete performs one blocking completion.
	Complete(ctx context.Context, in CompletionRequest) (CompletionResponse, error)

	// GetModelName returns the model identifier this client targets.
	GetModelName() string
}

// NewCompletionRequest builds a request with the runtime defaults applied.
func NewCompletionRequest(messages []proto.Message, defs []tools.ToolDefinition) CompletionRequest {
	return CompletionRequest{
		Messages:    messages,
		Tools:       defs,
		ToolChoice:  "auto",
		MaxTokens:   DefaultMaxTokens,
		Temperature: TemperatureDefault,
	}
}
