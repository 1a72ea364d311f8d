package llmclient

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"google.golang.org/genai"

	"conductor/pkg/agent/llm"
	"conductor/pkg/proto"
	"conductor/pkg/tools"
)

// ProviderNameGemini is the provider label used in errors and metrics.
const ProviderNameGemini = "gemini"

// GeminiClient wraps the Google GenAI client to implement llm.LLMClient.
type GeminiClient struct {
	client *genai.Client
	apiKey string
	model  string
	mu     sync.Mutex
}

// NewGeminiClient creates a Gemini client for the given model. The genai SDK
// needs a context to construct its client, so creation is deferred to the
// first Complete call.
func NewGeminiClient(apiKey, model string) llm.LLMClient {
	return &GeminiClient{
		apiKey: apiKey,
		model:  model,
	}
}

func (g *GeminiClient) ensureClient(ctx context.Context) (*genai.Client, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.client != nil {
		return g.client, nil
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  g.apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, newErrorWithCause(ProviderNameGemini, ErrorTypeAuth, err, "failed to create Gemini client")
	}
	g.client = client
	return client, nil
}

// Complete implements the llm.LLMClient interface.
func (g *GeminiClient) Complete(ctx context.Context, in llm.CompletionRequest) (llm.CompletionResponse, error) {
	client, err := g.ensureClient(ctx)
	if err != nil {
		return llm.CompletionResponse{}, err
	}

	contents, systemInstruction, err := convertMessagesToGemini(in.Messages)
	if err != nil {
		return llm.CompletionResponse{}, newError(ProviderNameGemini, ErrorTypeBadRequest, fmt.Sprintf("message conversion error: %v", err))
	}

	temperature := float32(in.Temperature)
	//nolint:gosec // MaxTokens validated at higher layer, overflow acceptable
	maxTokens := int32(in.MaxTokens)
	config := &genai.GenerateContentConfig{
		Temperature:     &temperature,
		MaxOutputTokens: maxTokens,
	}
	if systemInstruction != "" {
		config.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: systemInstruction}},
		}
	}
	if len(in.Tools) > 0 {
		config.Tools = []*genai.Tool{
			{FunctionDeclarations: convertToolsToGemini(in.Tools)},
		}
		// Gemini returns empty candidates surprisingly often in auto mode
		// when the context replays calls to tools that are no longer
		// offered. "any" is only forced when the caller asked for it.
		if in.ToolChoice == "any" {
			config.ToolConfig = &genai.ToolConfig{
				FunctionCallingConfig: &genai.FunctionCallingConfig{
					Mode: genai.FunctionCallingConfigModeAny,
				},
			}
		}
	}

	result, err := client.Models.GenerateContent(ctx, g.model, contents, config)
	if err != nil {
		return llm.CompletionResponse{}, classifyError(ProviderNameGemini, err)
	}
	if result == nil || len(result.Candidates) == 0 {
		return llm.CompletionResponse{}, newError(ProviderNameGemini, ErrorTypeEmptyResponse, "empty response from Gemini API")
	}

	response := llm.CompletionResponse{
		Content:      result.Text(),
		FinishReason: geminiStopReason(result),
	}
	if result.UsageMetadata != nil {
		response.Usage = llm.Usage{
			PromptTokens:     int64(result.UsageMetadata.PromptTokenCount),
			CompletionTokens: int64(result.UsageMetadata.CandidatesTokenCount),
			TotalTokens:      int64(result.UsageMetadata.TotalTokenCount),
		}
	}
	if functionCalls := result.FunctionCalls(); len(functionCalls) > 0 {
		response.ToolCalls = convertFunctionCallsFromGemini(functionCalls)
	}
	return response, nil
}

// GetModelName returns the model name for this client.
func (g *GeminiClient) GetModelName() string {
	return g.model
}

// convertMessagesToGemini maps the conversation log onto Gemini's Content
// format. System messages become the system instruction; Gemini names the
// assistant role "model".
func convertMessagesToGemini(messages []proto.Message) ([]*genai.Content, string, error) {
	if len(messages) == 0 {
		return nil, "", fmt.Errorf("message list cannot be empty")
	}

	var systemParts []string
	var contents []*genai.Content

	for i := range messages {
		msg := &messages[i]
		switch msg.Role {
		case proto.RoleSystem:
			systemParts = append(systemParts, msg.Content)

		case proto.RoleUser:
			contents = append(contents, &genai.Content{
				Role:  "user",
				Parts: []*genai.Part{{Text: msg.Content}},
			})

		case proto.RoleAssistant:
			var parts []*genai.Part
			if msg.Content != "" {
				parts = append(parts, &genai.Part{Text: msg.Content})
			}
			for j := range msg.ToolCalls {
				tc := &msg.ToolCalls[j]
				parts = append(parts, &genai.Part{
					FunctionCall: &genai.FunctionCall{
						ID:   tc.ID,
						Name: tc.Name,
						Args: tc.Arguments,
					},
				})
			}
			if len(parts) > 0 {
				contents = append(contents, &genai.Content{Role: "model", Parts: parts})
			}

		case proto.RoleTool:
			// Gemini matches responses to calls by function name, carried
			// in Message.Name; the call ID is a fallback.
			name := msg.Name
			if name == "" {
				name = msg.ToolCallID
			}
			contents = append(contents, &genai.Content{
				Role: "user",
				Parts: []*genai.Part{{
					FunctionResponse: &genai.FunctionResponse{
						ID:   msg.ToolCallID,
						Name: name,
						Response: map[string]any{
							"content": msg.Content,
						},
					},
				}},
			})

		default:
			return nil, "", fmt.Errorf("unsupported message role: %s", msg.Role)
		}
	}

	return contents, strings.Join(systemParts, "\n\n"), nil
}

// convertToolsToGemini maps tool definitions onto Gemini function
// declarations.
func convertToolsToGemini(defs []tools.ToolDefinition) []*genai.FunctionDeclaration {
	declarations := make([]*genai.FunctionDeclaration, len(defs))
	for i := range defs {
		def := &defs[i]
		properties := make(map[string]*genai.Schema, len(def.InputSchema.Properties))
		for name := range def.InputSchema.Properties {
			prop := def.InputSchema.Properties[name]
			properties[name] = convertPropertyToGeminiSchema(&prop)
		}
		declarations[i] = &genai.FunctionDeclaration{
			Name:        def.Name,
			Description: def.Description,
			Parameters: &genai.Schema{
				Type:       genai.TypeObject,
				Properties: properties,
				Required:   def.InputSchema.Required,
			},
		}
	}
	return declarations
}

func convertPropertyToGeminiSchema(prop *tools.Property) *genai.Schema {
	schema := &genai.Schema{Description: prop.Description}
	switch prop.Type {
	case "string":
		schema.Type = genai.TypeString
	case "number":
		schema.Type = genai.TypeNumber
	case "integer":
		schema.Type = genai.TypeInteger
	case "boolean":
		schema.Type = genai.TypeBoolean
	case "array":
		schema.Type = genai.TypeArray
		if prop.Items != nil {
			schema.Items = convertPropertyToGeminiSchema(prop.Items)
		}
	case "object":
		schema.Type = genai.TypeObject
	default:
		schema.Type = genai.TypeString
	}
	if len(prop.Enum) > 0 {
		schema.Enum = prop.Enum
	}
	return schema
}

// convertFunctionCallsFromGemini converts Gemini function calls to the
// shared format. Gemini often omits call IDs, so the function name stands in.
func convertFunctionCallsFromGemini(calls []*genai.FunctionCall) []proto.ToolCall {
	toolCalls := make([]proto.ToolCall, len(calls))
	for i := range calls {
		call := calls[i]
		id := call.ID
		if id == "" {
			id = call.Name
		}
		toolCalls[i] = proto.ToolCall{
			ID:        id,
			Name:      call.Name,
			Arguments: call.Args,
		}
	}
	return toolCalls
}

// geminiStopReason extracts the finish reason from a Gemini response.
func geminiStopReason(result *genai.GenerateContentResponse) string {
	if len(result.Candidates) == 0 || result.Candidates[0].FinishReason == "" {
		return "end_turn"
	}
	return strings.ToLower(string(result.Candidates[0].FinishReason))
}
