package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conductor/pkg/proto"
	"conductor/pkg/testkit"
	"conductor/pkg/tools"
)

func TestNewWorkerSetMultiAgent(t *testing.T) {
	reg := NewWorkerSet(true, newTestWorkerConfig(t, &testkit.ScriptedClient{}))

	assert.Len(t, reg.Agents(), 3)
	for _, agent := range []proto.AgentType{proto.AgentCoder, proto.AgentDebug, proto.AgentAsk} {
		w, ok := reg.Worker(agent)
		require.True(t, ok, "missing worker for %s", agent)
		assert.Equal(t, agent, w.Agent())
	}

	_, ok := reg.Worker(proto.AgentUniversal)
	assert.False(t, ok, "universal persona only exists in single-agent mode")
	_, ok = reg.Worker(proto.AgentArchitect)
	assert.False(t, ok, "the architect is not a dispatchable worker")
}

func TestNewWorkerSetSingleAgent(t *testing.T) {
	reg := NewWorkerSet(false, newTestWorkerConfig(t, &testkit.ScriptedClient{}))

	assert.Len(t, reg.Agents(), 1)
	w, ok := reg.Worker(proto.AgentUniversal)
	require.True(t, ok)
	assert.Equal(t, proto.AgentUniversal, w.Agent())

	// Specialist labels resolve to the universal worker, so plans drafted
	// with coder or debug subtasks still execute.
	for _, agent := range []proto.AgentType{proto.AgentCoder, proto.AgentDebug, proto.AgentAsk} {
		w, ok := reg.Worker(agent)
		require.True(t, ok, "no resolution for %s", agent)
		assert.Equal(t, proto.AgentUniversal, w.Agent())
	}
}

func TestPersonaToolAllowLists(t *testing.T) {
	// Every persona can finish a segment and ask for help.
	for agent, spec := range personas {
		assert.Contains(t, spec.tools, tools.ToolAttemptCompletion, "%s cannot complete", agent)
		assert.Contains(t, spec.tools, tools.ToolAskFollowupQuestion, "%s cannot ask", agent)
		assert.NotContains(t, spec.tools, tools.ToolCreatePlan, "%s must not plan directly", agent)

		// Every listed tool resolves in the catalog.
		for _, name := range spec.tools {
			_, ok := tools.Get(name)
			assert.True(t, ok, "%s lists unknown tool %s", agent, name)
		}
	}

	// Read-only personas never get mutating tools.
	for _, agent := range []proto.AgentType{proto.AgentDebug, proto.AgentAsk} {
		spec := personas[agent]
		assert.NotContains(t, spec.tools, tools.ToolWriteFile, "%s is read-only", agent)
		assert.NotContains(t, spec.tools, tools.ToolDeleteFile, "%s is read-only", agent)
		assert.NotContains(t, spec.tools, tools.ToolMoveFile, "%s is read-only", agent)
	}

	// The ask persona cannot run commands either.
	assert.NotContains(t, personas[proto.AgentAsk].tools, tools.ToolExecuteCommand)
}
