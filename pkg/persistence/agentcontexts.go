package persistence

import (
	"database/sql"
	"errors"

	"conductor/pkg/proto"
)

// AgentContextRepo persists per-session agent ownership and the append-only
// switch history.
type AgentContextRepo struct {
	db *sql.DB
}

// NewAgentContextRepo creates a repository backed by db.
func NewAgentContextRepo(db *sql.DB) *AgentContextRepo {
	return &AgentContextRepo{db: db}
}

// Save upserts the context row. Switch history rows are written separately
// by AppendSwitch.
func (r *AgentContextRepo) Save(ctx *AgentContext) error {
	if ctx == nil || ctx.SessionID == "" {
		return repoErr("save agent context", errors.New("session id is empty"))
	}
	_, err := r.db.Exec(`
		INSERT INTO agent_contexts (session_id, current_agent, switch_count, max_switches, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			current_agent = excluded.current_agent,
			switch_count = excluded.switch_count,
			max_switches = excluded.max_switches,
			updated_at = excluded.updated_at`,
		ctx.SessionID, string(ctx.CurrentAgent), ctx.SwitchCount, ctx.MaxSwitches, NowUTC())
	if err != nil {
		return repoErr("save agent context", err)
	}
	return nil
}

// FindBySessionID loads a context with its switch history, or nil.
func (r *AgentContextRepo) FindBySessionID(sessionID string) (*AgentContext, error) {
	row := r.db.QueryRow(`
		SELECT session_id, current_agent, switch_count, max_switches, updated_at
		FROM agent_contexts WHERE session_id = ?`, sessionID)

	ctx, err := scanAgentContext(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, repoErr("find agent context", err)
	}

	history, err := r.loadSwitches(sessionID)
	if err != nil {
		return nil, repoErr("find agent context", err)
	}
	ctx.SwitchHistory = history
	return ctx, nil
}

// Delete removes the context row. Switch history is kept for audit.
func (r *AgentContextRepo) Delete(sessionID string) error {
	if _, err := r.db.Exec(`DELETE FROM agent_contexts WHERE session_id = ?`, sessionID); err != nil {
		return repoErr("delete agent context", err)
	}
	return nil
}

// FindByAgentType returns contexts currently owned by the given agent.
func (r *AgentContextRepo) FindByAgentType(agent proto.AgentType, limit int) ([]*AgentContext, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.Query(`
		SELECT session_id, current_agent, switch_count, max_switches, updated_at
		FROM agent_contexts
		WHERE current_agent = ?
		ORDER BY updated_at DESC
		LIMIT ?`, string(agent), limit)
	if err != nil {
		return nil, repoErr("find contexts by agent", err)
	}
	defer func() { _ = rows.Close() }()
	return collectAgentContexts(rows, "find contexts by agent")
}

// FindWithSwitchesAbove returns contexts that switched agents more than n
// times, most-switched first.
func (r *AgentContextRepo) FindWithSwitchesAbove(n, limit int) ([]*AgentContext, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.Query(`
		SELECT session_id, current_agent, switch_count, max_switches, updated_at
		FROM agent_contexts
		WHERE switch_count > ?
		ORDER BY switch_count DESC
		LIMIT ?`, n, limit)
	if err != nil {
		return nil, repoErr("find contexts by switches", err)
	}
	defer func() { _ = rows.Close() }()
	return collectAgentContexts(rows, "find contexts by switches")
}

// GetUsageStats returns how many sessions each agent currently owns.
func (r *AgentContextRepo) GetUsageStats() (map[proto.AgentType]int, error) {
	rows, err := r.db.Query(`
		SELECT current_agent, COUNT(*) FROM agent_contexts GROUP BY current_agent`)
	if err != nil {
		return nil, repoErr("agent usage stats", err)
	}
	defer func() { _ = rows.Close() }()

	stats := make(map[proto.AgentType]int)
	for rows.Next() {
		var (
			agent string
			count int
		)
		if err := rows.Scan(&agent, &count); err != nil {
			return nil, repoErr("agent usage stats", err)
		}
		stats[proto.AgentType(agent)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, repoErr("agent usage stats", err)
	}
	return stats, nil
}

// AppendSwitch records one switch in the append-only history.
func (r *AgentContextRepo) AppendSwitch(sw *AgentSwitch) error {
	if sw == nil || sw.SessionID == "" {
		return repoErr("append agent switch", errors.New("session id is empty"))
	}
	ts := sw.Timestamp
	if ts.IsZero() {
		_, err := r.db.Exec(`
			INSERT INTO agent_switches (session_id, from_agent, to_agent, reason, confidence)
			VALUES (?, ?, ?, ?, ?)`,
			sw.SessionID, string(sw.FromAgent), string(sw.ToAgent), sw.Reason, sw.Confidence)
		if err != nil {
			return repoErr("append agent switch", err)
		}
		return nil
	}
	_, err := r.db.Exec(`
		INSERT INTO agent_switches (session_id, from_agent, to_agent, reason, confidence, ts)
		VALUES (?, ?, ?, ?, ?, ?)`,
		sw.SessionID, string(sw.FromAgent), string(sw.ToAgent), sw.Reason, sw.Confidence, FormatTime(ts))
	if err != nil {
		return repoErr("append agent switch", err)
	}
	return nil
}

func (r *AgentContextRepo) loadSwitches(sessionID string) ([]AgentSwitch, error) {
	rows, err := r.db.Query(`
		SELECT session_id, from_agent, to_agent, reason, confidence, ts
		FROM agent_switches
		WHERE session_id = ?
		ORDER BY id`, sessionID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var history []AgentSwitch
	for rows.Next() {
		var (
			sw       AgentSwitch
			from, to string
			reason   sql.NullString
			ts       sql.NullString
		)
		if err := rows.Scan(&sw.SessionID, &from, &to, &reason, &sw.Confidence, &ts); err != nil {
			return nil, err
		}
		sw.FromAgent = proto.AgentType(from)
		sw.ToAgent = proto.AgentType(to)
		sw.Reason = reason.String
		sw.Timestamp = parseTimeOrZero(ts)
		history = append(history, sw)
	}
	return history, rows.Err()
}

func scanAgentContext(row rowScanner) (*AgentContext, error) {
	var (
		ctx       AgentContext
		agent     string
		updatedAt string
	)
	err := row.Scan(&ctx.SessionID, &agent, &ctx.SwitchCount, &ctx.MaxSwitches, &updatedAt)
	if err != nil {
		return nil, err
	}
	ctx.CurrentAgent = proto.AgentType(agent)
	if t, err := ParseTime(updatedAt); err == nil {
		ctx.UpdatedAt = t
	}
	return &ctx, nil
}

func collectAgentContexts(rows *sql.Rows, op string) ([]*AgentContext, error) {
	var out []*AgentContext
	for rows.Next() {
		ctx, err := scanAgentContext(rows)
		if err != nil {
			return nil, repoErr(op, err)
		}
		out = append(out, ctx)
	}
	if err := rows.Err(); err != nil {
		return nil, repoErr(op, err)
	}
	return out, nil
}
