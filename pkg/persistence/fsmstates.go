package persistence

import (
	"database/sql"
	"errors"
	"time"
)

// FSMStateRepo persists the per-session machine state. Absence of a row
// means the session is idle; callers default accordingly.
type FSMStateRepo struct {
	db *sql.DB
}

// NewFSMStateRepo creates a repository backed by db.
func NewFSMStateRepo(db *sql.DB) *FSMStateRepo {
	return &FSMStateRepo{db: db}
}

// SaveState upserts the session's current state and metadata.
func (r *FSMStateRepo) SaveState(sessionID, state string, metadata map[string]any) error {
	if sessionID == "" {
		return repoErr("save fsm state", errors.New("session id is empty"))
	}
	meta, err := marshalJSON(metadata)
	if err != nil {
		return repoErr("save fsm state", err)
	}
	_, err = r.db.Exec(`
		INSERT INTO fsm_states (session_id, current_state, context_metadata_json, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			current_state = excluded.current_state,
			context_metadata_json = excluded.context_metadata_json,
			updated_at = excluded.updated_at`,
		sessionID, state, meta, NowUTC())
	if err != nil {
		return repoErr("save fsm state", err)
	}
	return nil
}

// GetState loads the session's state record, or nil when none was saved.
func (r *FSMStateRepo) GetState(sessionID string) (*FSMStateRecord, error) {
	var (
		rec       FSMStateRecord
		metaJSON  sql.NullString
		updatedAt string
	)
	err := r.db.QueryRow(`
		SELECT session_id, current_state, context_metadata_json, updated_at
		FROM fsm_states WHERE session_id = ?`, sessionID).
		Scan(&rec.SessionID, &rec.CurrentState, &metaJSON, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, repoErr("get fsm state", err)
	}
	rec.Metadata = unmarshalMap(metaJSON)
	if t, err := ParseTime(updatedAt); err == nil {
		rec.UpdatedAt = t
	}
	return &rec, nil
}

// DeleteState removes the session's state row.
func (r *FSMStateRepo) DeleteState(sessionID string) error {
	if _, err := r.db.Exec(`DELETE FROM fsm_states WHERE session_id = ?`, sessionID); err != nil {
		return repoErr("delete fsm state", err)
	}
	return nil
}

// UpdateMetadata shallow-merges the patch into the stored metadata. Keys in
// the patch overwrite stored keys; other stored keys survive. The read and
// write happen in one transaction.
func (r *FSMStateRepo) UpdateMetadata(sessionID string, patch map[string]any) error {
	tx, err := r.db.Begin()
	if err != nil {
		return repoErr("update fsm metadata", err)
	}
	defer func() { _ = tx.Rollback() }()

	var metaJSON sql.NullString
	err = tx.QueryRow(`SELECT context_metadata_json FROM fsm_states WHERE session_id = ?`, sessionID).
		Scan(&metaJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return repoErr("update fsm metadata", errors.New("fsm state not found for session "+sessionID))
	}
	if err != nil {
		return repoErr("update fsm metadata", err)
	}

	merged := unmarshalMap(metaJSON)
	if merged == nil {
		merged = make(map[string]any, len(patch))
	}
	for k, v := range patch {
		merged[k] = v
	}

	out, err := marshalJSON(merged)
	if err != nil {
		return repoErr("update fsm metadata", err)
	}
	_, err = tx.Exec(`UPDATE fsm_states SET context_metadata_json = ?, updated_at = ? WHERE session_id = ?`,
		out, NowUTC(), sessionID)
	if err != nil {
		return repoErr("update fsm metadata", err)
	}
	if err := tx.Commit(); err != nil {
		return repoErr("update fsm metadata", err)
	}
	return nil
}

// TouchedSince returns session ids whose state changed after the cutoff.
func (r *FSMStateRepo) TouchedSince(cutoff time.Time) ([]string, error) {
	rows, err := r.db.Query(`SELECT session_id FROM fsm_states WHERE updated_at >= ?`, FormatTime(cutoff))
	if err != nil {
		return nil, repoErr("list fsm states", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, repoErr("list fsm states", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, repoErr("list fsm states", err)
	}
	return ids, nil
}
