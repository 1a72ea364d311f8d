package tools

// registerCatalog installs the built-in tool catalog. Registration
// order is the order definitions are presented to the LLM, so keep the
// everyday file tools first and the control tools last.
func registerCatalog() {
	Register(ToolSpec{
		Definition: ToolDefinition{
			Name:        ToolReadFile,
			Description: "Read the contents of a file in the workspace. Output uses numbered lines. For large files, use offset and limit to read specific sections.",
			InputSchema: InputSchema{
				Type: "object",
				Properties: map[string]Property{
					"path": {
						Type:        "string",
						Description: "Relative path to the file within the workspace",
					},
					"offset": {
						Type:        "integer",
						Description: "Line number to start reading from (1-based). Defaults to 1.",
					},
					"limit": {
						Type:        "integer",
						Description: "Maximum number of lines to read",
					},
				},
				Required: []string{"path"},
			},
		},
		Category: CategoryFileSystem,
		Mode:     ExecIDE,
	})

	Register(ToolSpec{
		Definition: ToolDefinition{
			Name:        ToolWriteFile,
			Description: "Create or overwrite a file in the workspace with the given content. Parent directories are created as needed.",
			InputSchema: InputSchema{
				Type: "object",
				Properties: map[string]Property{
					"path": {
						Type:        "string",
						Description: "Relative path to the file within the workspace",
					},
					"content": {
						Type:        "string",
						Description: "Complete new content of the file",
					},
				},
				Required: []string{"path", "content"},
			},
		},
		Category:  CategoryFileSystem,
		Mode:      ExecIDE,
		Dangerous: true,
	})

	Register(ToolSpec{
		Definition: ToolDefinition{
			Name:        ToolListFiles,
			Description: "List files and directories under a workspace path.",
			InputSchema: InputSchema{
				Type: "object",
				Properties: map[string]Property{
					"path": {
						Type:        "string",
						Description: "Relative directory to list. Defaults to the workspace root.",
					},
					"recursive": {
						Type:        "boolean",
						Description: "Recurse into subdirectories",
					},
				},
			},
		},
		Category: CategoryFileSystem,
		Mode:     ExecIDE,
	})

	Register(ToolSpec{
		Definition: ToolDefinition{
			Name:        ToolCreateDirectory,
			Description: "Create a directory (including any missing parents) in the workspace.",
			InputSchema: InputSchema{
				Type: "object",
				Properties: map[string]Property{
					"path": {
						Type:        "string",
						Description: "Relative path of the directory to create",
					},
				},
				Required: []string{"path"},
			},
		},
		Category:  CategoryFileSystem,
		Mode:      ExecIDE,
		Dangerous: true,
	})

	Register(ToolSpec{
		Definition: ToolDefinition{
			Name:        ToolDeleteFile,
			Description: "Delete a file from the workspace.",
			InputSchema: InputSchema{
				Type: "object",
				Properties: map[string]Property{
					"path": {
						Type:        "string",
						Description: "Relative path of the file to delete",
					},
				},
				Required: []string{"path"},
			},
		},
		Category:  CategoryFileSystem,
		Mode:      ExecIDE,
		Dangerous: true,
	})

	Register(ToolSpec{
		Definition: ToolDefinition{
			Name:        ToolMoveFile,
			Description: "Move or rename a file within the workspace.",
			InputSchema: InputSchema{
				Type: "object",
				Properties: map[string]Property{
					"source": {
						Type:        "string",
						Description: "Relative path of the file to move",
					},
					"destination": {
						Type:        "string",
						Description: "Relative path to move the file to",
					},
				},
				Required: []string{"source", "destination"},
			},
		},
		Category:  CategoryFileSystem,
		Mode:      ExecIDE,
		Dangerous: true,
	})

	Register(ToolSpec{
		Definition: ToolDefinition{
			Name:        ToolExecuteCommand,
			Description: "Execute a shell command in the workspace and return its output.",
			InputSchema: InputSchema{
				Type: "object",
				Properties: map[string]Property{
					"command": {
						Type:        "string",
						Description: "The command line to execute",
					},
					"cwd": {
						Type:        "string",
						Description: "Working directory relative to the workspace root",
					},
				},
				Required: []string{"command"},
			},
		},
		Category:  CategoryCommand,
		Mode:      ExecIDE,
		Dangerous: true,
	})

	Register(ToolSpec{
		Definition: ToolDefinition{
			Name:        ToolSearchInCode,
			Description: "Search file contents in the workspace for a query string or regular expression.",
			InputSchema: InputSchema{
				Type: "object",
				Properties: map[string]Property{
					"query": {
						Type:        "string",
						Description: "Text or regular expression to search for",
					},
					"path": {
						Type:        "string",
						Description: "Relative directory to search under. Defaults to the workspace root.",
					},
					"case_sensitive": {
						Type:        "boolean",
						Description: "Match case exactly",
					},
				},
				Required: []string{"query"},
			},
		},
		Category: CategorySearch,
		Mode:     ExecIDE,
	})

	Register(ToolSpec{
		Definition: ToolDefinition{
			Name:        ToolSearchFiles,
			Description: "Find files whose name or relative path matches a glob pattern.",
			InputSchema: InputSchema{
				Type: "object",
				Properties: map[string]Property{
					"pattern": {
						Type:        "string",
						Description: "Glob pattern, e.g. *.go or cmd/*/main.go",
					},
					"path": {
						Type:        "string",
						Description: "Relative directory to search under. Defaults to the workspace root.",
					},
					"max_results": {
						Type:        "integer",
						Description: "Cap on the number of matches returned. Defaults to 100.",
					},
				},
				Required: []string{"pattern"},
			},
		},
		Category: CategorySearch,
		Mode:     ExecLocal,
	})

	Register(ToolSpec{
		Definition: ToolDefinition{
			Name:        ToolAttemptCompletion,
			Description: "Signal that the task is complete and present the final result to the user.",
			InputSchema: InputSchema{
				Type: "object",
				Properties: map[string]Property{
					"result": {
						Type:        "string",
						Description: "Final result of the task, stated without questions or offers of further help",
					},
				},
				Required: []string{"result"},
			},
		},
		Category: CategoryAgent,
		Mode:     ExecVirtual,
	})

	Register(ToolSpec{
		Definition: ToolDefinition{
			Name:        ToolAskFollowupQuestion,
			Description: "Ask the user a clarifying question needed to continue the task.",
			InputSchema: InputSchema{
				Type: "object",
				Properties: map[string]Property{
					"question": {
						Type:        "string",
						Description: "The question to ask the user",
					},
				},
				Required: []string{"question"},
			},
		},
		Category: CategoryAgent,
		Mode:     ExecVirtual,
	})

	Register(ToolSpec{
		Definition: ToolDefinition{
			Name:        ToolCreatePlan,
			Description: "Request a multi-step execution plan for a task too complex for a single agent.",
			InputSchema: InputSchema{
				Type: "object",
				Properties: map[string]Property{
					"goal": {
						Type:        "string",
						Description: "What the plan should accomplish",
					},
				},
				Required: []string{"goal"},
			},
		},
		Category: CategoryAgent,
		Mode:     ExecVirtual,
	})
}

//nolint:gochecknoinits // catalog registration happens at package load
func init() {
	registerCatalog()
}
