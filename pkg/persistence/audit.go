package persistence

import (
	"database/sql"
	"fmt"
)

// Audit write operations accepted by the kernel's persistence worker.
// Audit rows are fire-and-forget: agents enqueue a Request and move on, the
// worker drains the channel on shutdown.
const (
	OpRecordToolExecution = "record_tool_execution"
	OpRecordLLMCall       = "record_llm_call"
	OpAppendAgentSwitch   = "append_agent_switch"
)

// Request is one queued audit write.
type Request struct {
	Data      any    `json:"data"`
	Operation string `json:"operation"`
}

// AuditRepo records tool executions and LLM calls for later inspection.
// These tables are observational; nothing in the request path reads them.
type AuditRepo struct {
	db *sql.DB
}

// NewAuditRepo creates a repository backed by db.
func NewAuditRepo(db *sql.DB) *AuditRepo {
	return &AuditRepo{db: db}
}

// Execute dispatches one queued request to the matching writer.
func (r *AuditRepo) Execute(req *Request) error {
	switch req.Operation {
	case OpRecordToolExecution:
		rec, ok := req.Data.(*ToolExecution)
		if !ok {
			return repoErr(req.Operation, fmt.Errorf("unexpected payload type %T", req.Data))
		}
		return r.RecordToolExecution(rec)
	case OpRecordLLMCall:
		rec, ok := req.Data.(*LLMCall)
		if !ok {
			return repoErr(req.Operation, fmt.Errorf("unexpected payload type %T", req.Data))
		}
		return r.RecordLLMCall(rec)
	case OpAppendAgentSwitch:
		rec, ok := req.Data.(*AgentSwitch)
		if !ok {
			return repoErr(req.Operation, fmt.Errorf("unexpected payload type %T", req.Data))
		}
		return NewAgentContextRepo(r.db).AppendSwitch(rec)
	default:
		return repoErr("audit execute", fmt.Errorf("unknown operation: %s", req.Operation))
	}
}

// RecordToolExecution appends one tool execution row.
func (r *AuditRepo) RecordToolExecution(rec *ToolExecution) error {
	args, err := marshalJSON(rec.Arguments)
	if err != nil {
		return repoErr("record tool execution", err)
	}
	_, err = r.db.Exec(`
		INSERT INTO tool_executions (session_id, call_id, tool_name, arguments_json, status, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?)`,
		rec.SessionID, rec.CallID, rec.ToolName, args, rec.Status, rec.DurationMS)
	if err != nil {
		return repoErr("record tool execution", err)
	}
	return nil
}

// RecordLLMCall appends one provider round-trip row.
func (r *AuditRepo) RecordLLMCall(rec *LLMCall) error {
	_, err := r.db.Exec(`
		INSERT INTO llm_calls (session_id, agent, model, prompt_tokens, completion_tokens, total_tokens, duration_ms, finish_reason, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.SessionID, rec.Agent, rec.Model, rec.PromptTokens, rec.CompletionTokens,
		rec.TotalTokens, rec.DurationMS, rec.FinishReason, rec.Error)
	if err != nil {
		return repoErr("record llm call", err)
	}
	return nil
}

// TokenUsage sums token counts for a session across all recorded calls.
func (r *AuditRepo) TokenUsage(sessionID string) (prompt, completion, total int64, err error) {
	err = r.db.QueryRow(`
		SELECT COALESCE(SUM(prompt_tokens), 0), COALESCE(SUM(completion_tokens), 0), COALESCE(SUM(total_tokens), 0)
		FROM llm_calls WHERE session_id = ?`, sessionID).
		Scan(&prompt, &completion, &total)
	if err != nil {
		return 0, 0, 0, repoErr("token usage", err)
	}
	return prompt, completion, total, nil
}

// CountToolExecutions returns how many tool executions a session recorded.
func (r *AuditRepo) CountToolExecutions(sessionID string) (int, error) {
	var n int
	if err := r.db.QueryRow(`SELECT COUNT(*) FROM tool_executions WHERE session_id = ?`, sessionID).Scan(&n); err != nil {
		return 0, repoErr("count tool executions", err)
	}
	return n, nil
}
