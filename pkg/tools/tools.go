// Package tools defines the sealed tool catalog exposed to language
// models and the validation applied to every tool call before it is
// forwarded anywhere.
//
// Tools come in three execution modes. Local tools run inside the
// runtime process. IDE tools are forwarded to the connected editor as
// tool_call stream chunks and complete when the editor posts the result
// back. Virtual tools never execute at all; the orchestration layer
// interprets them as control signals.
package tools

// Tool names. These are wire-visible identifiers: they appear in LLM
// tool definitions, stream chunks and approval subjects.
const (
	ToolReadFile        = "read_file"
	ToolWriteFile       = "write_file"
	ToolListFiles       = "list_files"
	ToolCreateDirectory = "create_directory"
	ToolExecuteCommand  = "execute_command"
	ToolSearchInCode    = "search_in_code"
	ToolDeleteFile      = "delete_file"
	ToolMoveFile        = "move_file"

	ToolSearchFiles = "search_files"

	ToolAttemptCompletion   = "attempt_completion"
	ToolAskFollowupQuestion = "ask_followup_question"
	ToolCreatePlan          = "create_plan"
)

// Category groups tools by what they operate on.
type Category string

const (
	CategoryFileSystem Category = "fileSystem"
	CategoryCommand    Category = "command"
	CategorySearch     Category = "search"
	CategoryAgent      Category = "agent"
	CategoryUtility    Category = "utility"
)

// ExecMode says where a tool call executes.
type ExecMode string

const (
	// ExecLocal runs in the runtime process.
	ExecLocal ExecMode = "local"
	// ExecIDE is forwarded to the editor, which posts the result back.
	ExecIDE ExecMode = "ide"
	// ExecVirtual is interpreted by the orchestration layer and never
	// leaves the runtime.
	ExecVirtual ExecMode = "virtual"
)

// Property describes one parameter in a tool's input schema.
type Property struct {
	Type        string    `json:"type"`
	Description string    `json:"description,omitempty"`
	Enum        []string  `json:"enum,omitempty"`
	Items       *Property `json:"items,omitempty"`
}

// InputSchema is the JSON-schema fragment describing a tool's arguments.
type InputSchema struct {
	Type       string              `json:"type"`
	Properties map[string]Property `json:"properties,omitempty"`
	Required   []string            `json:"required,omitempty"`
}

// ToolDefinition is the provider-facing shape of a tool, serialized into
// LLM requests.
type ToolDefinition struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	InputSchema InputSchema `json:"input_schema"`
}

// ToolSpec is a catalog entry: the LLM-facing definition plus the
// routing metadata the runtime needs.
type ToolSpec struct {
	Definition ToolDefinition
	Category   Category
	Mode       ExecMode
	// Dangerous marks tools whose calls require approval under the
	// default policy.
	Dangerous bool
}

// Name returns the tool's wire identifier.
func (s ToolSpec) Name() string {
	return s.Definition.Name
}
