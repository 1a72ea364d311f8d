package persistence

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"conductor/pkg/proto"
)

// ConversationRepo persists conversations, their messages and snapshots.
type ConversationRepo struct {
	db *sql.DB
}

// NewConversationRepo creates a repository backed by db.
func NewConversationRepo(db *sql.DB) *ConversationRepo {
	return &ConversationRepo{db: db}
}

// Save writes the conversation row and replaces its message log atomically.
// Messages are stored one row per message keyed by (conversation_id, seq) so
// a partially written log can never be observed.
func (r *ConversationRepo) Save(conv *Conversation) error {
	if conv == nil || conv.ID == "" {
		return repoErr("save conversation", errors.New("conversation id is empty"))
	}

	tx, err := r.db.Begin()
	if err != nil {
		return repoErr("save conversation", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.Exec(`
		INSERT INTO conversations (id, title, description, is_active, max_messages, last_activity, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			description = excluded.description,
			is_active = excluded.is_active,
			max_messages = excluded.max_messages,
			last_activity = excluded.last_activity`,
		conv.ID, conv.Title, conv.Description, conv.IsActive, conv.MaxMessages,
		FormatTime(conv.LastActivity), FormatTime(conv.CreatedAt))
	if err != nil {
		return repoErr("save conversation", err)
	}

	if _, err := tx.Exec(`DELETE FROM messages WHERE conversation_id = ?`, conv.ID); err != nil {
		return repoErr("save conversation", err)
	}

	stmt, err := tx.Prepare(`
		INSERT INTO messages (conversation_id, seq, role, content, name, tool_call_id, tool_calls_json, metadata_json, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return repoErr("save conversation", err)
	}
	defer func() { _ = stmt.Close() }()

	for i, msg := range conv.Messages {
		toolCalls, err := marshalJSON(msg.ToolCalls)
		if err != nil {
			return repoErr("save conversation", err)
		}
		metadata, err := marshalJSON(msg.Metadata)
		if err != nil {
			return repoErr("save conversation", err)
		}
		ts := msg.Timestamp
		if ts.IsZero() {
			ts = time.Now().UTC()
		}
		if _, err := stmt.Exec(conv.ID, i, string(msg.Role), msg.Content,
			msg.Name, msg.ToolCallID, toolCalls, metadata, FormatTime(ts)); err != nil {
			return repoErr("save conversation", fmt.Errorf("message %d: %w", i, err))
		}
	}

	if err := tx.Commit(); err != nil {
		return repoErr("save conversation", err)
	}
	return nil
}

// FindByID loads a conversation with its full message log, or nil when absent.
func (r *ConversationRepo) FindByID(id string) (*Conversation, error) {
	row := r.db.QueryRow(`
		SELECT id, title, description, is_active, max_messages, last_activity, created_at
		FROM conversations WHERE id = ?`, id)

	conv, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, repoErr("find conversation", err)
	}

	msgs, err := r.loadMessages(id)
	if err != nil {
		return nil, repoErr("find conversation", err)
	}
	conv.Messages = msgs
	return conv, nil
}

// Delete removes a conversation; messages cascade.
func (r *ConversationRepo) Delete(id string) error {
	if _, err := r.db.Exec(`DELETE FROM conversations WHERE id = ?`, id); err != nil {
		return repoErr("delete conversation", err)
	}
	return nil
}

// FindActive returns active conversations ordered by most recent activity.
// Messages are not loaded; use FindByID for the full log.
func (r *ConversationRepo) FindActive(limit, offset int) ([]*Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.Query(`
		SELECT id, title, description, is_active, max_messages, last_activity, created_at
		FROM conversations
		WHERE is_active = 1
		ORDER BY last_activity DESC
		LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, repoErr("find active conversations", err)
	}
	defer func() { _ = rows.Close() }()
	return collectConversations(rows, "find active conversations")
}

// FindByActivityRange returns conversations whose last activity falls in
// [from, to), newest first.
func (r *ConversationRepo) FindByActivityRange(from, to time.Time) ([]*Conversation, error) {
	rows, err := r.db.Query(`
		SELECT id, title, description, is_active, max_messages, last_activity, created_at
		FROM conversations
		WHERE last_activity >= ? AND last_activity < ?
		ORDER BY last_activity DESC`,
		FormatTime(from), FormatTime(to))
	if err != nil {
		return nil, repoErr("find conversations by range", err)
	}
	defer func() { _ = rows.Close() }()
	return collectConversations(rows, "find conversations by range")
}

// CleanupOlderThan deletes inactive conversations idle for more than the
// given number of hours. Returns the number removed.
func (r *ConversationRepo) CleanupOlderThan(hours int) (int64, error) {
	cutoff := time.Now().UTC().Add(-time.Duration(hours) * time.Hour)
	res, err := r.db.Exec(`
		DELETE FROM conversations
		WHERE is_active = 0 AND last_activity < ?`, FormatTime(cutoff))
	if err != nil {
		return 0, repoErr("cleanup conversations", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, repoErr("cleanup conversations", err)
	}
	return n, nil
}

// CountActive returns how many conversations are active.
func (r *ConversationRepo) CountActive() (int, error) {
	var n int
	if err := r.db.QueryRow(`SELECT COUNT(*) FROM conversations WHERE is_active = 1`).Scan(&n); err != nil {
		return 0, repoErr("count active conversations", err)
	}
	return n, nil
}

// SaveSnapshot stores a point-in-time copy of a message list.
func (r *ConversationRepo) SaveSnapshot(snap *Snapshot) error {
	if snap == nil || snap.SnapshotID == "" {
		return repoErr("save snapshot", errors.New("snapshot id is empty"))
	}
	messages, err := marshalJSON(snap.Messages)
	if err != nil {
		return repoErr("save snapshot", err)
	}
	createdAt := snap.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err = r.db.Exec(`
		INSERT OR REPLACE INTO conversation_snapshots (snapshot_id, conversation_id, messages_json, created_at)
		VALUES (?, ?, ?, ?)`,
		snap.SnapshotID, snap.ConversationID, messages, FormatTime(createdAt))
	if err != nil {
		return repoErr("save snapshot", err)
	}
	return nil
}

// GetSnapshot loads a snapshot by id, or nil when absent.
func (r *ConversationRepo) GetSnapshot(snapshotID string) (*Snapshot, error) {
	var (
		snap         Snapshot
		messagesJSON string
		createdAt    string
	)
	err := r.db.QueryRow(`
		SELECT snapshot_id, conversation_id, messages_json, created_at
		FROM conversation_snapshots WHERE snapshot_id = ?`, snapshotID).
		Scan(&snap.SnapshotID, &snap.ConversationID, &messagesJSON, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, repoErr("get snapshot", err)
	}
	if messagesJSON != "" {
		if err := json.Unmarshal([]byte(messagesJSON), &snap.Messages); err != nil {
			return nil, repoErr("get snapshot", err)
		}
	}
	if t, err := ParseTime(createdAt); err == nil {
		snap.CreatedAt = t
	}
	return &snap, nil
}

// DeleteSnapshot removes a snapshot. Deleting an absent snapshot is not an error.
func (r *ConversationRepo) DeleteSnapshot(snapshotID string) error {
	if _, err := r.db.Exec(`DELETE FROM conversation_snapshots WHERE snapshot_id = ?`, snapshotID); err != nil {
		return repoErr("delete snapshot", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*Conversation, error) {
	var (
		conv         Conversation
		lastActivity string
		createdAt    string
	)
	err := row.Scan(&conv.ID, &conv.Title, &conv.Description, &conv.IsActive,
		&conv.MaxMessages, &lastActivity, &createdAt)
	if err != nil {
		return nil, err
	}
	if t, err := ParseTime(lastActivity); err == nil {
		conv.LastActivity = t
	}
	if t, err := ParseTime(createdAt); err == nil {
		conv.CreatedAt = t
	}
	return &conv, nil
}

func collectConversations(rows *sql.Rows, op string) ([]*Conversation, error) {
	var out []*Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, repoErr(op, err)
		}
		out = append(out, conv)
	}
	if err := rows.Err(); err != nil {
		return nil, repoErr(op, err)
	}
	return out, nil
}

func (r *ConversationRepo) loadMessages(conversationID string) ([]proto.Message, error) {
	rows, err := r.db.Query(`
		SELECT role, content, name, tool_call_id, tool_calls_json, metadata_json, ts
		FROM messages
		WHERE conversation_id = ?
		ORDER BY seq`, conversationID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []proto.Message
	for rows.Next() {
		var (
			msg                     proto.Message
			role                    string
			name, toolCallID        sql.NullString
			toolCallsJSON, metaJSON sql.NullString
			ts                      sql.NullString
		)
		if err := rows.Scan(&role, &msg.Content, &name, &toolCallID, &toolCallsJSON, &metaJSON, &ts); err != nil {
			return nil, err
		}
		msg.Role = proto.MessageRole(role)
		msg.Name = name.String
		msg.ToolCallID = toolCallID.String
		if toolCallsJSON.Valid && toolCallsJSON.String != "" {
			if err := json.Unmarshal([]byte(toolCallsJSON.String), &msg.ToolCalls); err != nil {
				return nil, fmt.Errorf("failed to decode tool calls: %w", err)
			}
		}
		msg.Metadata = unmarshalMap(metaJSON)
		msg.Timestamp = parseTimeOrZero(ts)
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return msgs, nil
}
