package llmclient

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"conductor/pkg/agent/llm"
	"conductor/pkg/proto"
)

// ProviderNameAnthropic is the provider label used in errors and metrics.
const ProviderNameAnthropic = "anthropic"

// ClaudeClient wraps the Anthropic API client to implement llm.LLMClient.
type ClaudeClient struct {
	client anthropic.Client
	model  anthropic.Model
}

// NewClaudeClient creates a Claude client for the given model.
func NewClaudeClient(apiKey, model string) llm.LLMClient {
	return &ClaudeClient{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:  anthropic.Model(model),
	}
}

// foldedMessage is an intermediate text-only message used while reshaping
// the log into Anthropic's strict user/assistant alternation.
type foldedMessage struct {
	role    proto.MessageRole
	content string
}

// foldForClaude prepares the conversation for the Anthropic API:
//
//  1. system messages are extracted to the top-level system parameter
//  2. assistant tool calls and tool results are rendered as text, since the
//     log replays across providers and only the current turn needs native
//     tool blocks
//  3. consecutive non-assistant messages merge into single user messages so
//     the sequence alternates strictly and starts and ends with user
func foldForClaude(messages []proto.Message) (systemPrompt string, folded []foldedMessage, err error) {
	if len(messages) == 0 {
		return "", nil, fmt.Errorf("message list cannot be empty")
	}

	var systemParts []string
	var userParts []string

	flushUser := func() {
		if len(userParts) > 0 {
			folded = append(folded, foldedMessage{role: proto.RoleUser, content: strings.Join(userParts, "\n\n")})
			userParts = nil
		}
	}

	for i := range messages {
		msg := &messages[i]
		switch msg.Role {
		case proto.RoleSystem:
			systemParts = append(systemParts, msg.Content)
		case proto.RoleAssistant:
			flushUser()
			folded = append(folded, foldedMessage{role: proto.RoleAssistant, content: renderAssistantText(msg)})
		case proto.RoleUser:
			userParts = append(userParts, msg.Content)
		case proto.RoleTool:
			userParts = append(userParts, renderToolResultText(msg))
		default:
			return "", nil, fmt.Errorf("unsupported message role: %s", msg.Role)
		}
	}
	flushUser()

	if len(folded) == 0 {
		return "", nil, fmt.Errorf("must have at least one non-system message")
	}
	if folded[0].role != proto.RoleUser {
		return "", nil, fmt.Errorf("first message must be user role, got: %s", folded[0].role)
	}
	if folded[len(folded)-1].role != proto.RoleUser {
		return "", nil, fmt.Errorf("last message must be user role, got: %s", folded[len(folded)-1].role)
	}

	return strings.Join(systemParts, "\n\n"), folded, nil
}

// renderAssistantText flattens an assistant message, including any tool
// calls, into plain text. Anthropic rejects empty text blocks, so a message
// that is pure tool calls still produces content.
func renderAssistantText(msg *proto.Message) string {
	parts := make([]string, 0, 1+len(msg.ToolCalls))
	if msg.Content != "" {
		parts = append(parts, msg.Content)
	}
	for i := range msg.ToolCalls {
		tc := &msg.ToolCalls[i]
		args, err := json.Marshal(tc.Arguments)
		if err != nil {
			args = []byte("{}")
		}
		parts = append(parts, fmt.Sprintf("[tool_use:%s] %s(%s)", tc.ID, tc.Name, args))
	}
	if len(parts) == 0 {
		return "(no content)"
	}
	return strings.Join(parts, "\n")
}

// renderToolResultText flattens a tool-role message into text for the user
// side of the fold.
func renderToolResultText(msg *proto.Message) string {
	return fmt.Sprintf("[tool_result:%s]\n%s", msg.ToolCallID, msg.Content)
}

// Complete implements the llm.LLMClient interface.
func (c *ClaudeClient) Complete(ctx context.Context, in llm.CompletionRequest) (llm.CompletionResponse, error) {
	systemPrompt, folded, err := foldForClaude(in.Messages)
	if err != nil {
		return llm.CompletionResponse{}, newError(ProviderNameAnthropic, ErrorTypeBadRequest, fmt.Sprintf("message alternation error: %v", err))
	}

	messages := make([]anthropic.MessageParam, 0, len(folded))
	for i := range folded {
		messages = append(messages, anthropic.MessageParam{
			Role:    anthropic.MessageParamRole(folded[i].role),
			Content: []anthropic.ContentBlockParamUnion{anthropic.NewTextBlock(folded[i].content)},
		})
	}

	maxTokens := int64(in.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = llm.DefaultMaxTokens
	}
	params := anthropic.MessageNewParams{
		Model:       c.model,
		Messages:    messages,
		MaxTokens:   maxTokens,
		Temperature: anthropic.Float(in.Temperature),
	}
	if systemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{
			Text: systemPrompt,
			Type: "text",
		}}
	}

	if len(in.Tools) > 0 {
		var toolParams []anthropic.ToolUnionParam
		for i := range in.Tools {
			def := &in.Tools[i]
			schema := anthropic.ToolInputSchemaParam{
				Type:       "object",
				Properties: schemaToMap(&def.InputSchema)["properties"],
				Required:   def.InputSchema.Required,
			}
			toolParams = append(toolParams, anthropic.ToolUnionParamOfTool(schema, def.Name))
		}
		params.Tools = toolParams

		switch in.ToolChoice {
		case "any":
			params.ToolChoice = anthropic.ToolChoiceUnionParam{OfAny: &anthropic.ToolChoiceAnyParam{}}
		default:
			params.ToolChoice = anthropic.ToolChoiceUnionParam{OfAuto: &anthropic.ToolChoiceAutoParam{}}
		}
	}

	resp, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return llm.CompletionResponse{}, classifyError(ProviderNameAnthropic, err)
	}
	if resp == nil || len(resp.Content) == 0 {
		return llm.CompletionResponse{}, newError(ProviderNameAnthropic, ErrorTypeEmptyResponse, "received empty response from Claude API")
	}

	var responseText string
	var toolCalls []proto.ToolCall
	for i := range resp.Content {
		block := &resp.Content[i]
		switch block.Type {
		case "text":
			responseText += block.AsText().Text
		case "tool_use":
			toolUse := block.AsToolUse()
			args := make(map[string]any)
			if err := json.Unmarshal(toolUse.Input, &args); err != nil {
				return llm.CompletionResponse{}, newErrorWithCause(ProviderNameAnthropic, ErrorTypeBadRequest, err,
					fmt.Sprintf("tool call %s carried unparseable input", toolUse.Name))
			}
			toolCalls = append(toolCalls, proto.ToolCall{
				ID:        toolUse.ID,
				Name:      toolUse.Name,
				Arguments: args,
			})
		}
	}

	return llm.CompletionResponse{
		Content:      responseText,
		ToolCalls:    toolCalls,
		FinishReason: string(resp.StopReason),
		Usage: llm.Usage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
	}, nil
}

// GetModelName returns the model name for this client.
func (c *ClaudeClient) GetModelName() string {
	return string(c.model)
}
