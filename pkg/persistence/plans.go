package persistence

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"conductor/pkg/plan"
	"conductor/pkg/proto"
)

// PlanRepo persists execution plans and their subtasks.
type PlanRepo struct {
	db *sql.DB
}

// NewPlanRepo creates a repository backed by db.
func NewPlanRepo(db *sql.DB) *PlanRepo {
	return &PlanRepo{db: db}
}

// Save upserts the plan and replaces its subtask rows in one transaction.
// The transaction commits before Save returns, so a later request (for
// example one carrying an approval decision) always sees the plan.
func (r *PlanRepo) Save(p *plan.ExecutionPlan) error {
	if p == nil || p.ID == "" {
		return repoErr("save plan", errors.New("plan id is empty"))
	}

	tx, err := r.db.Begin()
	if err != nil {
		return repoErr("save plan", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.Exec(`
		INSERT INTO plans (id, conversation_id, goal, status, created_at, approved_at, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			goal = excluded.goal,
			status = excluded.status,
			approved_at = excluded.approved_at,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at`,
		p.ID, p.ConversationID, p.Goal, string(p.Status),
		FormatTime(p.CreatedAt), nullTime(p.ApprovedAt), nullTime(p.StartedAt), nullTime(p.CompletedAt))
	if err != nil {
		return repoErr("save plan", err)
	}

	if _, err := tx.Exec(`DELETE FROM subtasks WHERE plan_id = ?`, p.ID); err != nil {
		return repoErr("save plan", err)
	}

	stmt, err := tx.Prepare(`
		INSERT INTO subtasks (plan_id, id, position, description, agent, status, dependencies_json,
			estimated_time, result, error, retry_count, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return repoErr("save plan", err)
	}
	defer func() { _ = stmt.Close() }()

	for i, st := range p.Subtasks {
		deps, err := marshalJSON(st.DependsOn)
		if err != nil {
			return repoErr("save plan", err)
		}
		if deps == "" {
			deps = "[]"
		}
		_, err = stmt.Exec(p.ID, st.ID, i, st.Description, string(st.Agent), string(st.Status),
			deps, st.EstimatedTime, st.Result, st.Error, st.RetryCount,
			nullTime(st.StartedAt), nullTime(st.CompletedAt))
		if err != nil {
			return repoErr("save plan", fmt.Errorf("subtask %d: %w", i, err))
		}
	}

	if err := tx.Commit(); err != nil {
		return repoErr("save plan", err)
	}
	return nil
}

// FindByID loads a plan with its subtasks in position order, or nil.
func (r *PlanRepo) FindByID(id string) (*plan.ExecutionPlan, error) {
	row := r.db.QueryRow(`
		SELECT id, conversation_id, goal, status, created_at, approved_at, started_at, completed_at
		FROM plans WHERE id = ?`, id)

	p, err := scanPlan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, repoErr("find plan", err)
	}
	if err := r.loadSubtasks(p); err != nil {
		return nil, repoErr("find plan", err)
	}
	return p, nil
}

// Delete removes a plan; subtask rows cascade.
func (r *PlanRepo) Delete(id string) error {
	if _, err := r.db.Exec(`DELETE FROM plans WHERE id = ?`, id); err != nil {
		return repoErr("delete plan", err)
	}
	return nil
}

// FindActiveForConversation returns the newest plan in approved or
// in_progress status for the conversation, or nil when none exists.
func (r *PlanRepo) FindActiveForConversation(conversationID string) (*plan.ExecutionPlan, error) {
	row := r.db.QueryRow(`
		SELECT id, conversation_id, goal, status, created_at, approved_at, started_at, completed_at
		FROM plans
		WHERE conversation_id = ? AND status IN ('approved', 'in_progress')
		ORDER BY created_at DESC
		LIMIT 1`, conversationID)

	p, err := scanPlan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, repoErr("find active plan", err)
	}
	if err := r.loadSubtasks(p); err != nil {
		return nil, repoErr("find active plan", err)
	}
	return p, nil
}

// FindAllForConversation returns the conversation's plans newest-first,
// subtasks included.
func (r *PlanRepo) FindAllForConversation(conversationID string, limit, offset int) ([]*plan.ExecutionPlan, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.db.Query(`
		SELECT id, conversation_id, goal, status, created_at, approved_at, started_at, completed_at
		FROM plans
		WHERE conversation_id = ?
		ORDER BY created_at DESC
		LIMIT ? OFFSET ?`, conversationID, limit, offset)
	if err != nil {
		return nil, repoErr("find plans", err)
	}
	defer func() { _ = rows.Close() }()

	plans, err := collectPlans(rows)
	if err != nil {
		return nil, repoErr("find plans", err)
	}
	for _, p := range plans {
		if err := r.loadSubtasks(p); err != nil {
			return nil, repoErr("find plans", err)
		}
	}
	return plans, nil
}

// FindByStatus returns every plan in the given status, newest-first.
func (r *PlanRepo) FindByStatus(status proto.PlanStatus) ([]*plan.ExecutionPlan, error) {
	rows, err := r.db.Query(`
		SELECT id, conversation_id, goal, status, created_at, approved_at, started_at, completed_at
		FROM plans
		WHERE status = ?
		ORDER BY created_at DESC`, string(status))
	if err != nil {
		return nil, repoErr("find plans by status", err)
	}
	defer func() { _ = rows.Close() }()

	plans, err := collectPlans(rows)
	if err != nil {
		return nil, repoErr("find plans by status", err)
	}
	for _, p := range plans {
		if err := r.loadSubtasks(p); err != nil {
			return nil, repoErr("find plans by status", err)
		}
	}
	return plans, nil
}

// UpdatePlanStatus writes only the status and completion timestamps of the
// plan row, leaving subtask rows untouched.
func (r *PlanRepo) UpdatePlanStatus(p *plan.ExecutionPlan) error {
	res, err := r.db.Exec(`
		UPDATE plans SET status = ?, approved_at = ?, started_at = ?, completed_at = ?
		WHERE id = ?`,
		string(p.Status), nullTime(p.ApprovedAt), nullTime(p.StartedAt), nullTime(p.CompletedAt), p.ID)
	if err != nil {
		return repoErr("update plan status", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return repoErr("update plan status", err)
	}
	if n == 0 {
		return repoErr("update plan status", fmt.Errorf("plan %s not found", p.ID))
	}
	return nil
}

// UpdateSubtask writes one subtask's mutable fields.
func (r *PlanRepo) UpdateSubtask(planID string, st *plan.Subtask) error {
	res, err := r.db.Exec(`
		UPDATE subtasks
		SET status = ?, result = ?, error = ?, retry_count = ?, started_at = ?, completed_at = ?
		WHERE plan_id = ? AND id = ?`,
		string(st.Status), st.Result, st.Error, st.RetryCount,
		nullTime(st.StartedAt), nullTime(st.CompletedAt), planID, st.ID)
	if err != nil {
		return repoErr("update subtask", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return repoErr("update subtask", err)
	}
	if n == 0 {
		return repoErr("update subtask", fmt.Errorf("subtask %s not found in plan %s", st.ID, planID))
	}
	return nil
}

func scanPlan(row rowScanner) (*plan.ExecutionPlan, error) {
	var (
		p                                  plan.ExecutionPlan
		status, createdAt                  string
		approvedAt, startedAt, completedAt sql.NullString
	)
	err := row.Scan(&p.ID, &p.ConversationID, &p.Goal, &status, &createdAt,
		&approvedAt, &startedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	p.Status = proto.PlanStatus(status)
	if t, err := ParseTime(createdAt); err == nil {
		p.CreatedAt = t
	}
	p.ApprovedAt = parseTimePtr(approvedAt)
	p.StartedAt = parseTimePtr(startedAt)
	p.CompletedAt = parseTimePtr(completedAt)
	return &p, nil
}

func collectPlans(rows *sql.Rows) ([]*plan.ExecutionPlan, error) {
	var out []*plan.ExecutionPlan
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *PlanRepo) loadSubtasks(p *plan.ExecutionPlan) error {
	rows, err := r.db.Query(`
		SELECT id, description, agent, status, dependencies_json, estimated_time,
			result, error, retry_count, started_at, completed_at
		FROM subtasks
		WHERE plan_id = ?
		ORDER BY position`, p.ID)
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	p.Subtasks = nil
	for rows.Next() {
		var (
			st                     plan.Subtask
			agent, status          string
			depsJSON               string
			result, errMsg         sql.NullString
			startedAt, completedAt sql.NullString
		)
		err := rows.Scan(&st.ID, &st.Description, &agent, &status, &depsJSON,
			&st.EstimatedTime, &result, &errMsg, &st.RetryCount, &startedAt, &completedAt)
		if err != nil {
			return err
		}
		st.Agent = proto.AgentType(agent)
		st.Status = proto.SubtaskStatus(status)
		if depsJSON != "" {
			if err := json.Unmarshal([]byte(depsJSON), &st.DependsOn); err != nil {
				return fmt.Errorf("failed to decode dependencies for subtask %s: %w", st.ID, err)
			}
		}
		st.Result = result.String
		st.Error = errMsg.String
		st.StartedAt = parseTimePtr(startedAt)
		st.CompletedAt = parseTimePtr(completedAt)
		p.Subtasks = append(p.Subtasks, &st)
	}
	return rows.Err()
}
