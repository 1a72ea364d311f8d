package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conductor/pkg/persistence"
	"conductor/pkg/proto"
)

func TestCurrentCreatesDefaultContext(t *testing.T) {
	store := newTestStore(t)
	agents := NewAgentContexts(store.AgentContexts, nil)

	actx, err := agents.Current("s1")
	require.NoError(t, err)
	assert.Equal(t, proto.AgentOrchestrator, actx.CurrentAgent)
	assert.Equal(t, 0, actx.SwitchCount)
	assert.Equal(t, persistence.DefaultMaxSwitches, actx.MaxSwitches)
}

func TestSwitchHandsOverAndRecordsHistory(t *testing.T) {
	store := newTestStore(t)
	agents := NewAgentContexts(store.AgentContexts, nil)

	sw, err := agents.Switch("s1", proto.AgentCoder, "code change requested", 0.92)
	require.NoError(t, err)
	assert.Equal(t, proto.AgentOrchestrator, sw.FromAgent)
	assert.Equal(t, proto.AgentCoder, sw.ToAgent)

	actx, err := agents.Current("s1")
	require.NoError(t, err)
	assert.Equal(t, proto.AgentCoder, actx.CurrentAgent)
	assert.Equal(t, 1, actx.SwitchCount)
	require.Len(t, actx.SwitchHistory, 1)
	assert.Equal(t, "code change requested", actx.SwitchHistory[0].Reason)
}

func TestSwitchToCurrentOwnerFails(t *testing.T) {
	store := newTestStore(t)
	agents := NewAgentContexts(store.AgentContexts, nil)

	_, err := agents.Switch("s1", proto.AgentOrchestrator, "noop", 1)
	var serr *AgentSwitchError
	require.ErrorAs(t, err, &serr)
	assert.Contains(t, serr.Reason, "already owns")

	actx, err := agents.Current("s1")
	require.NoError(t, err)
	assert.Equal(t, 0, actx.SwitchCount, "a refused switch spends no budget")
}

func TestSwitchBudgetExhausted(t *testing.T) {
	store := newTestStore(t)
	agents := NewAgentContexts(store.AgentContexts, nil)

	actx := persistence.NewAgentContext("s1")
	actx.MaxSwitches = 1
	require.NoError(t, store.AgentContexts.Save(actx))

	_, err := agents.Switch("s1", proto.AgentCoder, "first", 0.9)
	require.NoError(t, err)

	_, err = agents.Switch("s1", proto.AgentDebug, "second", 0.9)
	var serr *AgentSwitchError
	require.ErrorAs(t, err, &serr)
	assert.Contains(t, serr.Reason, "switch budget of 1 exhausted")

	current, err := agents.Current("s1")
	require.NoError(t, err)
	assert.Equal(t, proto.AgentCoder, current.CurrentAgent, "owner is unchanged after a refused switch")
}

func TestSwitchQueuesAuditRecord(t *testing.T) {
	store := newTestStore(t)
	audit := make(chan *persistence.Request, 4)
	agents := NewAgentContexts(store.AgentContexts, audit)

	_, err := agents.Switch("s1", proto.AgentAsk, "question", 0.7)
	require.NoError(t, err)

	select {
	case req := <-audit:
		assert.Equal(t, persistence.OpAppendAgentSwitch, req.Operation)
		sw, ok := req.Data.(*persistence.AgentSwitch)
		require.True(t, ok)
		assert.Equal(t, proto.AgentAsk, sw.ToAgent)
	default:
		t.Fatal("switch did not enqueue an audit record")
	}
}

func TestSwitchDropsAuditRecordWhenQueueFull(t *testing.T) {
	store := newTestStore(t)
	audit := make(chan *persistence.Request) // unbuffered, nobody reads
	agents := NewAgentContexts(store.AgentContexts, audit)

	// The switch itself must not block or fail on a saturated queue.
	_, err := agents.Switch("s1", proto.AgentCoder, "code", 0.8)
	require.NoError(t, err)

	actx, err := agents.Current("s1")
	require.NoError(t, err)
	assert.Equal(t, proto.AgentCoder, actx.CurrentAgent)
}
