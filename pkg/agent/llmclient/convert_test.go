package llmclient

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conductor/pkg/proto"
	"conductor/pkg/tools"
)

func sampleDefinition() tools.ToolDefinition {
	return tools.ToolDefinition{
		Name:        "read_file",
		Description: "Read a file",
		InputSchema: tools.InputSchema{
			Type: "object",
			Properties: map[string]tools.Property{
				"path": {Type: "string", Description: "The file path"},
				"mode": {Type: "string", Enum: []string{"full", "head"}},
				"tags": {Type: "array", Items: &tools.Property{Type: "string"}},
			},
			Required: []string{"path"},
		},
	}
}

func TestSchemaToMap(t *testing.T) {
	def := sampleDefinition()
	m := schemaToMap(&def.InputSchema)

	assert.Equal(t, "object", m["type"])
	assert.Equal(t, []string{"path"}, m["required"])

	props, ok := m["properties"].(map[string]any)
	require.True(t, ok)

	path, ok := props["path"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "string", path["type"])
	assert.Equal(t, "The file path", path["description"])

	mode, ok := props["mode"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, []string{"full", "head"}, mode["enum"])

	tags, ok := props["tags"].(map[string]any)
	require.True(t, ok)
	items, ok := tags["items"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "string", items["type"])
}

func TestConvertMessagesToOpenAI(t *testing.T) {
	messages := []proto.Message{
		{Role: proto.RoleSystem, Content: "You are a coder."},
		{Role: proto.RoleUser, Content: "read main.go"},
		{Role: proto.RoleAssistant, ToolCalls: []proto.ToolCall{
			{ID: "call_1", Name: "read_file", Arguments: map[string]any{"path": "main.go"}},
		}},
		{Role: proto.RoleTool, ToolCallID: "call_1", Content: "package main"},
		{Role: proto.RoleAssistant, Content: "The file declares package main."},
	}

	out, err := convertMessagesToOpenAI(messages)
	require.NoError(t, err)
	require.Len(t, out, 5)

	assert.NotNil(t, out[0].OfSystem)
	assert.NotNil(t, out[1].OfUser)
	require.NotNil(t, out[2].OfAssistant)
	require.Len(t, out[2].OfAssistant.ToolCalls, 1)
	assert.Equal(t, "call_1", out[2].OfAssistant.ToolCalls[0].ID)
	assert.Equal(t, "read_file", out[2].OfAssistant.ToolCalls[0].Function.Name)
	assert.JSONEq(t, `{"path":"main.go"}`, out[2].OfAssistant.ToolCalls[0].Function.Arguments)
	assert.NotNil(t, out[3].OfTool)
	assert.NotNil(t, out[4].OfAssistant)
}

func TestConvertMessagesToOpenAIEmpty(t *testing.T) {
	_, err := convertMessagesToOpenAI(nil)
	assert.Error(t, err)
}

func TestFoldForClaude(t *testing.T) {
	messages := []proto.Message{
		{Role: proto.RoleSystem, Content: "You are a coder."},
		{Role: proto.RoleSystem, Content: "Stay concise."},
		{Role: proto.RoleUser, Content: "read main.go"},
		{Role: proto.RoleAssistant, ToolCalls: []proto.ToolCall{
			{ID: "call_1", Name: "read_file", Arguments: map[string]any{"path": "main.go"}},
		}},
		{Role: proto.RoleTool, ToolCallID: "call_1", Content: "package main"},
		{Role: proto.RoleUser, Content: "summarize it"},
	}

	system, folded, err := foldForClaude(messages)
	require.NoError(t, err)
	assert.Equal(t, "You are a coder.\n\nStay concise.", system)

	// user / assistant / merged(tool result + user) alternation
	require.Len(t, folded, 3)
	assert.Equal(t, proto.RoleUser, folded[0].role)
	assert.Equal(t, proto.RoleAssistant, folded[1].role)
	assert.Contains(t, folded[1].content, "[tool_use:call_1] read_file")
	assert.Equal(t, proto.RoleUser, folded[2].role)
	assert.Contains(t, folded[2].content, "[tool_result:call_1]")
	assert.Contains(t, folded[2].content, "summarize it")
}

func TestFoldForClaudeRejectsBadShapes(t *testing.T) {
	_, _, err := foldForClaude(nil)
	assert.Error(t, err)

	_, _, err = foldForClaude([]proto.Message{{Role: proto.RoleSystem, Content: "only system"}})
	assert.Error(t, err)

	_, _, err = foldForClaude([]proto.Message{{Role: proto.RoleAssistant, Content: "hello"}})
	assert.Error(t, err)

	// ends on assistant
	_, _, err = foldForClaude([]proto.Message{
		{Role: proto.RoleUser, Content: "hi"},
		{Role: proto.RoleAssistant, Content: "hello"},
	})
	assert.Error(t, err)
}

func TestRenderAssistantTextEmpty(t *testing.T) {
	msg := proto.Message{Role: proto.RoleAssistant}
	assert.Equal(t, "(no content)", renderAssistantText(&msg))
}

func TestConvertMessagesToOllama(t *testing.T) {
	messages := []proto.Message{
		{Role: proto.RoleSystem, Content: "You are a coder."},
		{Role: proto.RoleUser, Content: "read main.go"},
		{Role: proto.RoleAssistant, ToolCalls: []proto.ToolCall{
			{ID: "call_1", Name: "read_file", Arguments: map[string]any{"path": "main.go"}},
		}},
		{Role: proto.RoleTool, ToolCallID: "call_1", Content: "package main"},
	}

	out, err := convertMessagesToOllama(messages)
	require.NoError(t, err)
	require.Len(t, out, 4)

	assert.Equal(t, "system", out[0].Role)
	assert.Equal(t, "user", out[1].Role)
	require.Len(t, out[2].ToolCalls, 1)
	assert.Equal(t, "read_file", out[2].ToolCalls[0].Function.Name)
	assert.Equal(t, "tool", out[3].Role)
	assert.Equal(t, "call_1", out[3].ToolCallID)
}

func TestConvertToolsToOllama(t *testing.T) {
	out := convertToolsToOllama([]tools.ToolDefinition{sampleDefinition()})
	require.Len(t, out, 1)
	assert.Equal(t, "function", out[0].Type)
	assert.Equal(t, "read_file", out[0].Function.Name)
	assert.Equal(t, []string{"path"}, out[0].Function.Parameters.Required)

	mode, ok := out[0].Function.Parameters.Properties["mode"]
	require.True(t, ok)
	assert.Len(t, mode.Enum, 2)
}

func TestConvertToolsToGemini(t *testing.T) {
	decls := convertToolsToGemini([]tools.ToolDefinition{sampleDefinition()})
	require.Len(t, decls, 1)
	assert.Equal(t, "read_file", decls[0].Name)
	require.NotNil(t, decls[0].Parameters)
	assert.Equal(t, []string{"path"}, decls[0].Parameters.Required)

	tags, ok := decls[0].Parameters.Properties["tags"]
	require.True(t, ok)
	require.NotNil(t, tags.Items)
	assert.Equal(t, []string{"full", "head"}, decls[0].Parameters.Properties["mode"].Enum)
}

func TestConvertMessagesToGemini(t *testing.T) {
	messages := []proto.Message{
		{Role: proto.RoleSystem, Content: "You are a coder."},
		{Role: proto.RoleUser, Content: "read main.go"},
		{Role: proto.RoleAssistant, ToolCalls: []proto.ToolCall{
			{ID: "call_1", Name: "read_file", Arguments: map[string]any{"path": "main.go"}},
		}},
		{Role: proto.RoleTool, ToolCallID: "call_1", Name: "read_file", Content: "package main"},
	}

	contents, system, err := convertMessagesToGemini(messages)
	require.NoError(t, err)
	assert.Equal(t, "You are a coder.", system)
	require.Len(t, contents, 3)

	assert.Equal(t, "user", contents[0].Role)
	assert.Equal(t, "model", contents[1].Role)
	require.Len(t, contents[1].Parts, 1)
	require.NotNil(t, contents[1].Parts[0].FunctionCall)
	assert.Equal(t, "read_file", contents[1].Parts[0].FunctionCall.Name)

	require.Len(t, contents[2].Parts, 1)
	require.NotNil(t, contents[2].Parts[0].FunctionResponse)
	assert.Equal(t, "read_file", contents[2].Parts[0].FunctionResponse.Name)
}
