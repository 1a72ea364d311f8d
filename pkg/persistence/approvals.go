package persistence

import (
	"database/sql"
	"errors"
	"time"

	"conductor/pkg/proto"
)

// ApprovalRepo persists approval requests. Terminal transitions are guarded
// by the status column so a request can be decided exactly once.
type ApprovalRepo struct {
	db *sql.DB
}

// NewApprovalRepo creates a repository backed by db.
func NewApprovalRepo(db *sql.DB) *ApprovalRepo {
	return &ApprovalRepo{db: db}
}

// SavePending inserts a new pending approval request.
func (r *ApprovalRepo) SavePending(rec *ApprovalRecord) error {
	if rec == nil || rec.RequestID == "" {
		return repoErr("save pending approval", errors.New("request id is empty"))
	}
	details, err := marshalJSON(rec.Details)
	if err != nil {
		return repoErr("save pending approval", err)
	}
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err = r.db.Exec(`
		INSERT INTO pending_approvals (request_id, request_type, subject, session_id, details_json, reason, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, 'pending', ?)`,
		rec.RequestID, string(rec.RequestType), rec.Subject, rec.SessionID,
		details, rec.Reason, FormatTime(createdAt))
	if err != nil {
		return repoErr("save pending approval", err)
	}
	return nil
}

// GetPending loads a request by ID regardless of its current status, or nil
// when absent. Callers inspect Status to distinguish pending from decided.
func (r *ApprovalRepo) GetPending(requestID string) (*ApprovalRecord, error) {
	row := r.db.QueryRow(`
		SELECT request_id, request_type, subject, session_id, details_json, reason, status, created_at, decision_at, decision_reason
		FROM pending_approvals WHERE request_id = ?`, requestID)

	rec, err := scanApproval(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, repoErr("get approval", err)
	}
	return rec, nil
}

// GetAllPending returns pending requests for a session, oldest first.
// requestType narrows the result when non-empty.
func (r *ApprovalRepo) GetAllPending(sessionID string, requestType proto.ApprovalRequestType) ([]*ApprovalRecord, error) {
	query := `
		SELECT request_id, request_type, subject, session_id, details_json, reason, status, created_at, decision_at, decision_reason
		FROM pending_approvals
		WHERE session_id = ? AND status = 'pending'`
	args := []any{sessionID}
	if requestType != "" {
		query += ` AND request_type = ?`
		args = append(args, string(requestType))
	}
	query += ` ORDER BY created_at`

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, repoErr("get pending approvals", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*ApprovalRecord
	for rows.Next() {
		rec, err := scanApproval(rows)
		if err != nil {
			return nil, repoErr("get pending approvals", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, repoErr("get pending approvals", err)
	}
	return out, nil
}

// UpdateStatus moves a pending request to a terminal status. The WHERE
// clause guards on status = 'pending', so the write succeeds at most once;
// the returned flag is false when the request was already decided or does
// not exist. The update commits before returning.
func (r *ApprovalRepo) UpdateStatus(requestID string, status proto.ApprovalStatus, decidedAt time.Time, reason string) (bool, error) {
	res, err := r.db.Exec(`
		UPDATE pending_approvals
		SET status = ?, decision_at = ?, decision_reason = ?
		WHERE request_id = ? AND status = 'pending'`,
		string(status), FormatTime(decidedAt), reason, requestID)
	if err != nil {
		return false, repoErr("update approval status", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, repoErr("update approval status", err)
	}
	return n > 0, nil
}

// Delete removes a request row.
func (r *ApprovalRepo) Delete(requestID string) error {
	if _, err := r.db.Exec(`DELETE FROM pending_approvals WHERE request_id = ?`, requestID); err != nil {
		return repoErr("delete approval", err)
	}
	return nil
}

// CountPending returns the number of pending requests for a session.
func (r *ApprovalRepo) CountPending(sessionID string) (int, error) {
	var n int
	err := r.db.QueryRow(`
		SELECT COUNT(*) FROM pending_approvals
		WHERE session_id = ? AND status = 'pending'`, sessionID).Scan(&n)
	if err != nil {
		return 0, repoErr("count pending approvals", err)
	}
	return n, nil
}

// ExpireOlderThan marks pending requests created before the cutoff as
// expired and returns their IDs. Used by the timeout sweeper.
func (r *ApprovalRepo) ExpireOlderThan(cutoff time.Time) ([]string, error) {
	rows, err := r.db.Query(`
		SELECT request_id FROM pending_approvals
		WHERE status = 'pending' AND created_at < ?`, FormatTime(cutoff))
	if err != nil {
		return nil, repoErr("expire approvals", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, repoErr("expire approvals", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, repoErr("expire approvals", err)
	}
	_ = rows.Close()

	if len(ids) == 0 {
		return nil, nil
	}

	now := FormatTime(time.Now().UTC())
	for _, id := range ids {
		_, err := r.db.Exec(`
			UPDATE pending_approvals
			SET status = 'expired', decision_at = ?, decision_reason = 'timeout'
			WHERE request_id = ? AND status = 'pending'`, now, id)
		if err != nil {
			return nil, repoErr("expire approvals", err)
		}
	}
	return ids, nil
}

func scanApproval(row rowScanner) (*ApprovalRecord, error) {
	var (
		rec                     ApprovalRecord
		requestType, status     string
		detailsJSON, reason     sql.NullString
		createdAt               string
		decisionAt, decisionWhy sql.NullString
	)
	err := row.Scan(&rec.RequestID, &requestType, &rec.Subject, &rec.SessionID,
		&detailsJSON, &reason, &status, &createdAt, &decisionAt, &decisionWhy)
	if err != nil {
		return nil, err
	}
	rec.RequestType = proto.ApprovalRequestType(requestType)
	rec.Status = proto.ApprovalStatus(status)
	rec.Details = unmarshalMap(detailsJSON)
	rec.Reason = reason.String
	if t, err := ParseTime(createdAt); err == nil {
		rec.CreatedAt = t
	}
	rec.DecisionAt = parseTimePtr(decisionAt)
	rec.DecisionReason = decisionWhy.String
	return &rec, nil
}
