package llmclient

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/ollama/ollama/api"

	"conductor/pkg/agent/llm"
	"conductor/pkg/proto"
	"conductor/pkg/tools"
)

// ProviderNameOllama is the provider label used in errors and metrics.
const ProviderNameOllama = "ollama"

// OllamaClient wraps the Ollama API client to implement llm.LLMClient.
// Ollama runs open models locally, so no API key is involved.
type OllamaClient struct {
	client *api.Client
	model  string
}

// NewOllamaClient creates a client against the Ollama server at hostURL
// (for example "http://localhost:11434").
func NewOllamaClient(hostURL, model string) llm.LLMClient {
	parsed, err := url.Parse(hostURL)
	if err != nil {
		parsed, _ = url.Parse("http://localhost:11434")
	}
	return &OllamaClient{
		client: api.NewClient(parsed, http.DefaultClient),
		model:  model,
	}
}

// Complete implements the llm.LLMClient interface.
func (o *OllamaClient) Complete(ctx context.Context, in llm.CompletionRequest) (llm.CompletionResponse, error) {
	messages, err := convertMessagesToOllama(in.Messages)
	if err != nil {
		return llm.CompletionResponse{}, newError(ProviderNameOllama, ErrorTypeBadRequest, fmt.Sprintf("message conversion error: %v", err))
	}

	stream := false
	req := &api.ChatRequest{
		Model:    o.model,
		Messages: messages,
		Stream:   &stream,
		Options: map[string]any{
			"temperature": in.Temperature,
			"num_predict": in.MaxTokens,
		},
	}
	if len(in.Tools) > 0 {
		req.Tools = convertToolsToOllama(in.Tools)
	}

	var response api.ChatResponse
	err = o.client.Chat(ctx, req, func(resp api.ChatResponse) error {
		response = resp
		return nil
	})
	if err != nil {
		return llm.CompletionResponse{}, classifyOllamaError(err)
	}

	result := llm.CompletionResponse{
		Content:      response.Message.Content,
		FinishReason: ollamaStopReason(&response),
		Usage: llm.Usage{
			PromptTokens:     int64(response.Metrics.PromptEvalCount),
			CompletionTokens: int64(response.Metrics.EvalCount),
			TotalTokens:      int64(response.Metrics.PromptEvalCount + response.Metrics.EvalCount),
		},
	}
	if len(response.Message.ToolCalls) > 0 {
		result.ToolCalls = convertToolCallsFromOllama(response.Message.ToolCalls)
	}
	return result, nil
}

// GetModelName returns the model name for this client.
func (o *OllamaClient) GetModelName() string {
	return o.model
}

// convertMessagesToOllama maps the conversation log onto Ollama's message
// format. Tool-role messages pass through directly; Ollama accepts them with
// a tool_call_id like the OpenAI wire format.
func convertMessagesToOllama(messages []proto.Message) ([]api.Message, error) {
	if len(messages) == 0 {
		return nil, fmt.Errorf("message list cannot be empty")
	}

	result := make([]api.Message, 0, len(messages))
	for i := range messages {
		msg := &messages[i]
		ollamaMsg := api.Message{
			Role:    string(msg.Role),
			Content: msg.Content,
		}
		if msg.Role == proto.RoleTool {
			ollamaMsg.ToolCallID = msg.ToolCallID
		}
		if len(msg.ToolCalls) > 0 {
			ollamaMsg.ToolCalls = make([]api.ToolCall, len(msg.ToolCalls))
			for j := range msg.ToolCalls {
				tc := &msg.ToolCalls[j]
				ollamaMsg.ToolCalls[j] = api.ToolCall{
					ID: tc.ID,
					Function: api.ToolCallFunction{
						Name:      tc.Name,
						Arguments: api.ToolCallFunctionArguments(tc.Arguments),
					},
				}
			}
		}
		result = append(result, ollamaMsg)
	}
	return result, nil
}

// convertToolsToOllama maps tool definitions onto Ollama's tool format.
func convertToolsToOllama(defs []tools.ToolDefinition) api.Tools {
	ollamaTools := make(api.Tools, len(defs))
	for i := range defs {
		def := &defs[i]
		properties := make(map[string]api.ToolProperty, len(def.InputSchema.Properties))
		for name := range def.InputSchema.Properties {
			prop := def.InputSchema.Properties[name]
			properties[name] = convertPropertyToOllama(&prop)
		}
		ollamaTools[i] = api.Tool{
			Type: "function",
			Function: api.ToolFunction{
				Name:        def.Name,
				Description: def.Description,
				Parameters: api.ToolFunctionParameters{
					Type:       def.InputSchema.Type,
					Properties: properties,
					Required:   def.InputSchema.Required,
				},
			},
		}
	}
	return ollamaTools
}

func convertPropertyToOllama(prop *tools.Property) api.ToolProperty {
	out := api.ToolProperty{
		Type:        api.PropertyType{prop.Type},
		Description: prop.Description,
	}
	if len(prop.Enum) > 0 {
		enumVals := make([]any, len(prop.Enum))
		for i, v := range prop.Enum {
			enumVals[i] = v
		}
		out.Enum = enumVals
	}
	if prop.Items != nil {
		out.Items = convertPropertyToOllama(prop.Items)
	}
	return out
}

// convertToolCallsFromOllama extracts tool calls from an Ollama response.
// Local models sometimes omit call IDs, so one is synthesized when missing.
func convertToolCallsFromOllama(calls []api.ToolCall) []proto.ToolCall {
	result := make([]proto.ToolCall, len(calls))
	for i := range calls {
		call := &calls[i]
		id := call.ID
		if id == "" {
			id = fmt.Sprintf("call_%d", i)
		}
		result[i] = proto.ToolCall{
			ID:        id,
			Name:      call.Function.Name,
			Arguments: map[string]any(call.Function.Arguments),
		}
	}
	return result
}

// ollamaStopReason converts Ollama's done_reason to the shared vocabulary.
func ollamaStopReason(resp *api.ChatResponse) string {
	if !resp.Done {
		return "incomplete"
	}
	switch resp.DoneReason {
	case "stop", "":
		return "end_turn"
	case "length":
		return "max_tokens"
	default:
		return resp.DoneReason
	}
}

// classifyOllamaError maps Ollama transport errors onto the taxonomy. The
// connection-refused case dominates in practice (server not running).
func classifyOllamaError(err error) error {
	if err == nil {
		return nil
	}
	errStr := err.Error()
	switch {
	case strings.Contains(errStr, "connection refused"):
		return newErrorWithCause(ProviderNameOllama, ErrorTypeTransient, err, "Ollama server not reachable")
	case strings.Contains(errStr, "model") && strings.Contains(errStr, "not found"):
		return newErrorWithCause(ProviderNameOllama, ErrorTypeBadRequest, err, "Ollama model not found")
	default:
		return classifyError(ProviderNameOllama, err)
	}
}
