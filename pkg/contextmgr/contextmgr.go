// Package contextmgr maintains the message window handed to LLM
// providers. It counts tokens with the shared tokenizer and compacts
// the window when the next reply would no longer fit the model's
// context budget.
package contextmgr

import (
	"fmt"
	"strings"

	"conductor/pkg/config"
	"conductor/pkg/logx"
	"conductor/pkg/proto"
	"conductor/pkg/utils"
)

// Manager holds a working list of messages plus the budgets that decide
// when the list has to shrink. The first message is treated as the
// system prompt and always survives compaction.
type Manager struct {
	messages []proto.Message
	counter  *utils.TokenCounter
	budget   config.ContextConfig
	logger   *logx.Logger
}

// NewManager creates a context manager for the given model name. Token
// counting degrades to a character estimate when no codec exists for
// the model.
func NewManager(model string, budget config.ContextConfig) *Manager {
	counter, err := utils.NewTokenCounter(model)
	if err != nil {
		// The counter is nil-safe and falls back to len/4.
		counter = nil
	}
	return &Manager{
		counter: counter,
		budget:  budget,
		logger:  logx.NewLogger("contextmgr"),
	}
}

// Reset replaces the working list.
func (m *Manager) Reset(messages []proto.Message) {
	m.messages = append(m.messages[:0:0], messages...)
}

// AddMessage appends to the working list.
func (m *Manager) AddMessage(msg proto.Message) {
	m.messages = append(m.messages, msg)
}

// Messages returns a copy of the working list.
func (m *Manager) Messages() []proto.Message {
	result := make([]proto.Message, len(m.messages))
	copy(result, m.messages)
	return result
}

// MessageCount returns the number of messages in the window.
func (m *Manager) MessageCount() int {
	return len(m.messages)
}

// CountTokens returns the token total across the window, role and
// content included.
func (m *Manager) CountTokens() int {
	total := 0
	for i := range m.messages {
		total += m.counter.CountTokens(string(m.messages[i].Role))
		total += m.counter.CountTokens(m.messages[i].Content)
	}
	return total
}

// ShouldCompact reports whether the window plus a maximal reply would
// overflow the context budget.
func (m *Manager) ShouldCompact() bool {
	return m.CountTokens()+m.budget.MaxReplyTokens+m.budget.CompactionBuffer > m.budget.MaxContextTokens
}

// CompactIfNeeded drops the oldest non-system messages until the window
// plus reply budget fits the context limit again. Returns the number of
// messages removed.
func (m *Manager) CompactIfNeeded() int {
	if !m.ShouldCompact() {
		return 0
	}

	target := m.budget.MaxContextTokens - m.budget.MaxReplyTokens - m.budget.CompactionBuffer
	removed := 0
	for m.CountTokens() > target && len(m.messages) > 1 {
		// Index 0 is the system prompt; evict the message after it.
		if len(m.messages) > 2 {
			m.messages = append(m.messages[:1], m.messages[2:]...)
		} else {
			m.messages = m.messages[1:]
		}
		removed++
	}

	if removed > 0 {
		m.logger.Info("🗜️ Compacted context: dropped %d message(s), %d tokens remain", removed, m.CountTokens())
	}
	return removed
}

// Summary returns a short description of the window state for logs.
func (m *Manager) Summary() string {
	if len(m.messages) == 0 {
		return "empty context"
	}

	roleCounts := make(map[proto.MessageRole]int)
	for i := range m.messages {
		roleCounts[m.messages[i].Role]++
	}
	parts := make([]string, 0, len(roleCounts))
	for _, role := range []proto.MessageRole{proto.RoleSystem, proto.RoleUser, proto.RoleAssistant, proto.RoleTool} {
		if n := roleCounts[role]; n > 0 {
			parts = append(parts, fmt.Sprintf("%s: %d", role, n))
		}
	}
	return fmt.Sprintf("%d messages (%d tokens) - %s", len(m.messages), m.CountTokens(), strings.Join(parts, ", "))
}
