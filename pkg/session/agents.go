package session

import (
	"fmt"
	"time"

	"conductor/pkg/logx"
	"conductor/pkg/persistence"
	"conductor/pkg/proto"
)

// AgentContexts tracks which persona owns each conversation and enforces
// the switch invariants. Switch history rows go through the audit queue
// when one is wired, matching the fire-and-forget convention of the other
// audit writers; without a queue they are written inline.
type AgentContexts struct {
	repo   *persistence.AgentContextRepo
	audit  chan<- *persistence.Request
	logger *logx.Logger
}

// NewAgentContexts creates the context service. audit may be nil.
func NewAgentContexts(repo *persistence.AgentContextRepo, audit chan<- *persistence.Request) *AgentContexts {
	return &AgentContexts{
		repo:   repo,
		audit:  audit,
		logger: logx.NewLogger("agents"),
	}
}

// Current returns the conversation's agent context, creating the default
// orchestrator-owned context on first use.
func (a *AgentContexts) Current(sessionID string) (*persistence.AgentContext, error) {
	actx, err := a.repo.FindBySessionID(sessionID)
	if err != nil {
		return nil, err
	}
	if actx == nil {
		actx = persistence.NewAgentContext(sessionID)
		if err := a.repo.Save(actx); err != nil {
			return nil, err
		}
	}
	return actx, nil
}

// Switch hands the conversation to another persona. Switching to the
// current owner or past the switch budget fails with an AgentSwitchError.
func (a *AgentContexts) Switch(sessionID string, to proto.AgentType, reason string, confidence float64) (*persistence.AgentSwitch, error) {
	actx, err := a.Current(sessionID)
	if err != nil {
		return nil, err
	}
	if actx.CurrentAgent == to {
		return nil, &AgentSwitchError{
			SessionID: sessionID, From: actx.CurrentAgent, To: to,
			Reason: "agent already owns the conversation",
		}
	}
	if actx.SwitchCount >= actx.MaxSwitches {
		return nil, &AgentSwitchError{
			SessionID: sessionID, From: actx.CurrentAgent, To: to,
			Reason: fmt.Sprintf("switch budget of %d exhausted", actx.MaxSwitches),
		}
	}

	sw := &persistence.AgentSwitch{
		SessionID:  sessionID,
		FromAgent:  actx.CurrentAgent,
		ToAgent:    to,
		Reason:     reason,
		Confidence: confidence,
		Timestamp:  time.Now().UTC(),
	}

	actx.CurrentAgent = to
	actx.SwitchCount++
	actx.UpdatedAt = sw.Timestamp
	if err := a.repo.Save(actx); err != nil {
		return nil, err
	}

	a.recordSwitch(sw)
	a.logger.Info("🔀 %s: %s → %s (%s)", sessionID, sw.FromAgent, sw.ToAgent, reason)
	return sw, nil
}

// recordSwitch appends the history row, via the audit queue when present.
func (a *AgentContexts) recordSwitch(sw *persistence.AgentSwitch) {
	if a.audit != nil {
		select {
		case a.audit <- &persistence.Request{Operation: persistence.OpAppendAgentSwitch, Data: sw}:
		default:
			a.logger.Warn("⚠️ Audit queue full, dropping agent switch record")
		}
		return
	}
	if err := a.repo.AppendSwitch(sw); err != nil {
		a.logger.Warn("⚠️ failed to record agent switch for %s: %v", sw.SessionID, err)
	}
}
