package agent

import (
	"conductor/pkg/proto"
	"conductor/pkg/tools"
)

// personaSpec pairs a persona's system prompt with its tool allow-list.
type personaSpec struct {
	prompt string
	tools  []string
}

// Tool allow-lists per persona. The coder gets the full workbench, the
// debugger and the ask persona are read-only plus command execution where
// reproduction requires it, and the universal persona carries everything
// except create_plan, which only the planning path may use.
var personas = map[proto.AgentType]personaSpec{ //nolint:gochecknoglobals // static persona table
	proto.AgentCoder: {
		prompt: coderPrompt,
		tools: []string{
			tools.ToolReadFile, tools.ToolWriteFile, tools.ToolListFiles,
			tools.ToolCreateDirectory, tools.ToolDeleteFile, tools.ToolMoveFile,
			tools.ToolExecuteCommand, tools.ToolSearchInCode, tools.ToolSearchFiles,
			tools.ToolAttemptCompletion, tools.ToolAskFollowupQuestion,
		},
	},
	proto.AgentDebug: {
		prompt: debugPrompt,
		tools: []string{
			tools.ToolReadFile, tools.ToolListFiles, tools.ToolSearchInCode,
			tools.ToolSearchFiles, tools.ToolExecuteCommand,
			tools.ToolAttemptCompletion, tools.ToolAskFollowupQuestion,
		},
	},
	proto.AgentAsk: {
		prompt: askPrompt,
		tools: []string{
			tools.ToolReadFile, tools.ToolListFiles, tools.ToolSearchFiles,
			tools.ToolSearchInCode,
			tools.ToolAttemptCompletion, tools.ToolAskFollowupQuestion,
		},
	},
	proto.AgentUniversal: {
		prompt: universalPrompt,
		tools: []string{
			tools.ToolReadFile, tools.ToolWriteFile, tools.ToolListFiles,
			tools.ToolCreateDirectory, tools.ToolDeleteFile, tools.ToolMoveFile,
			tools.ToolExecuteCommand, tools.ToolSearchInCode, tools.ToolSearchFiles,
			tools.ToolAttemptCompletion, tools.ToolAskFollowupQuestion,
		},
	},
}

// Registry holds the instantiated workers for one runtime.
type Registry struct {
	workers map[proto.AgentType]*Worker
}

// NewWorkerSet instantiates the runtime's workers. Multi-agent mode builds
// the specialist personas; single-agent mode builds only the universal one.
func NewWorkerSet(multiAgent bool, cfg WorkerConfig) *Registry {
	wanted := []proto.AgentType{proto.AgentUniversal}
	if multiAgent {
		wanted = []proto.AgentType{proto.AgentCoder, proto.AgentDebug, proto.AgentAsk}
	}

	workers := make(map[proto.AgentType]*Worker, len(wanted))
	for _, agent := range wanted {
		spec := personas[agent]
		workers[agent] = NewWorker(agent, spec.prompt, spec.tools, cfg)
	}
	return &Registry{workers: workers}
}

// Worker returns the worker for the given persona. A single-agent registry
// resolves every persona to its universal worker, so plans drafted with
// specialist labels still execute.
func (r *Registry) Worker(agent proto.AgentType) (*Worker, bool) {
	if w, ok := r.workers[agent]; ok {
		return w, true
	}
	if w, ok := r.workers[proto.AgentUniversal]; ok {
		return w, true
	}
	return nil, false
}

// Agents lists the personas this registry can dispatch to.
func (r *Registry) Agents() []proto.AgentType {
	agents := make([]proto.AgentType, 0, len(r.workers))
	for agent := range r.workers {
		agents = append(agents, agent)
	}
	return agents
}
