package llmclient

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"conductor/pkg/agent/llm"
	"conductor/pkg/proto"
	"conductor/pkg/tools"
)

// ProviderNameLiteLLM is the provider label used in errors and metrics.
const ProviderNameLiteLLM = "litellm"

// internalAuthHeader authenticates the runtime to the LiteLLM proxy.
const internalAuthHeader = "X-Internal-Auth"

// LiteLLMClient talks to a LiteLLM proxy over the OpenAI chat completions
// wire format. The proxy fans requests out to whatever upstream the model
// name selects.
type LiteLLMClient struct {
	client openai.Client
	model  string
}

// NewLiteLLMClient builds a client for the proxy at baseURL. When apiKey is
// non-empty it is sent both as X-Internal-Auth and as the bearer token, which
// covers the two auth modes LiteLLM deployments use.
func NewLiteLLMClient(baseURL, apiKey, model string) llm.LLMClient {
	opts := []option.RequestOption{option.WithBaseURL(baseURL)}
	if apiKey != "" {
		opts = append(opts,
			option.WithAPIKey(apiKey),
			option.WithHeader(internalAuthHeader, apiKey),
		)
	}
	return &LiteLLMClient{
		client: openai.NewClient(opts...),
		model:  model,
	}
}

// Complete implements the llm.LLMClient interface.
func (c *LiteLLMClient) Complete(ctx context.Context, in llm.CompletionRequest) (llm.CompletionResponse, error) {
	messages, err := convertMessagesToOpenAI(in.Messages)
	if err != nil {
		return llm.CompletionResponse{}, newError(ProviderNameLiteLLM, ErrorTypeBadRequest, err.Error())
	}

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(c.model),
		Messages: messages,
	}
	if in.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(in.MaxTokens))
	}
	if in.Temperature > 0 {
		params.Temperature = openai.Float(in.Temperature)
	}
	if len(in.Tools) > 0 {
		params.Tools = convertToolsToOpenAI(in.Tools)
		if in.ToolChoice == "any" {
			params.ToolChoice = openai.ChatCompletionToolChoiceOptionUnionParam{
				OfAuto: openai.String("required"),
			}
		}
	}

	resp, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return llm.CompletionResponse{}, classifyError(ProviderNameLiteLLM, err)
	}
	if resp == nil || len(resp.Choices) == 0 {
		return llm.CompletionResponse{}, newError(ProviderNameLiteLLM, ErrorTypeEmptyResponse, "proxy returned no choices")
	}

	choice := resp.Choices[0]
	out := llm.CompletionResponse{
		Content:      choice.Message.Content,
		FinishReason: string(choice.FinishReason),
		Usage: llm.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}

	for i := range choice.Message.ToolCalls {
		tc := &choice.Message.ToolCalls[i]
		args := make(map[string]any)
		if tc.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
				return llm.CompletionResponse{}, newErrorWithCause(ProviderNameLiteLLM, ErrorTypeBadRequest, err,
					fmt.Sprintf("tool call %s carried unparseable arguments", tc.Function.Name))
			}
		}
		out.ToolCalls = append(out.ToolCalls, proto.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: args,
		})
	}

	return out, nil
}

// GetModelName returns the model name for this client.
func (c *LiteLLMClient) GetModelName() string {
	return c.model
}

// convertMessagesToOpenAI maps the conversation log onto the chat
// completions message union. Assistant messages that carry tool calls must
// replay them so the paired tool-role messages remain valid.
func convertMessagesToOpenAI(messages []proto.Message) ([]openai.ChatCompletionMessageParamUnion, error) {
	if len(messages) == 0 {
		return nil, fmt.Errorf("message list cannot be empty")
	}

	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for i := range messages {
		msg := &messages[i]
		switch msg.Role {
		case proto.RoleSystem:
			out = append(out, openai.SystemMessage(msg.Content))
		case proto.RoleUser:
			out = append(out, openai.UserMessage(msg.Content))
		case proto.RoleAssistant:
			if len(msg.ToolCalls) == 0 {
				out = append(out, openai.AssistantMessage(msg.Content))
				continue
			}
			assistant := openai.ChatCompletionAssistantMessageParam{}
			if msg.Content != "" {
				assistant.Content.OfString = openai.String(msg.Content)
			}
			for j := range msg.ToolCalls {
				tc := &msg.ToolCalls[j]
				args, err := json.Marshal(tc.Arguments)
				if err != nil {
					return nil, fmt.Errorf("failed to marshal arguments for tool %s: %w", tc.Name, err)
				}
				assistant.ToolCalls = append(assistant.ToolCalls, openai.ChatCompletionMessageToolCallParam{
					ID: tc.ID,
					Function: openai.ChatCompletionMessageToolCallFunctionParam{
						Name:      tc.Name,
						Arguments: string(args),
					},
				})
			}
			out = append(out, openai.ChatCompletionMessageParamUnion{OfAssistant: &assistant})
		case proto.RoleTool:
			out = append(out, openai.ToolMessage(msg.Content, msg.ToolCallID))
		default:
			return nil, fmt.Errorf("unsupported message role: %s", msg.Role)
		}
	}
	return out, nil
}

// convertToolsToOpenAI maps tool definitions onto function declarations.
func convertToolsToOpenAI(defs []tools.ToolDefinition) []openai.ChatCompletionToolParam {
	out := make([]openai.ChatCompletionToolParam, 0, len(defs))
	for i := range defs {
		def := &defs[i]
		out = append(out, openai.ChatCompletionToolParam{
			Function: openai.FunctionDefinitionParam{
				Name:        def.Name,
				Description: openai.String(def.Description),
				Parameters:  openai.FunctionParameters(schemaToMap(&def.InputSchema)),
			},
		})
	}
	return out
}

// schemaToMap renders an input schema as the generic JSON-schema map the
// OpenAI wire format expects.
func schemaToMap(schema *tools.InputSchema) map[string]any {
	props := make(map[string]any, len(schema.Properties))
	for name := range schema.Properties {
		prop := schema.Properties[name]
		props[name] = propertyToMap(&prop)
	}
	m := map[string]any{
		"type":       schema.Type,
		"properties": props,
	}
	if len(schema.Required) > 0 {
		m["required"] = schema.Required
	}
	return m
}

func propertyToMap(prop *tools.Property) map[string]any {
	m := map[string]any{"type": prop.Type}
	if prop.Description != "" {
		m["description"] = prop.Description
	}
	if len(prop.Enum) > 0 {
		m["enum"] = prop.Enum
	}
	if prop.Items != nil {
		m["items"] = propertyToMap(prop.Items)
	}
	return m
}
