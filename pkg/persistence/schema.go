package persistence

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// CurrentSchemaVersion defines the current schema version for migration support.
const CurrentSchemaVersion = 1

// initializeSchemaWithMigrations ensures the database schema is at the current version.
func initializeSchemaWithMigrations(db *sql.DB) error {
	currentVersion, err := GetSchemaVersion(db)
	if err != nil {
		return fmt.Errorf("failed to get current schema version: %w", err)
	}

	if currentVersion == 0 {
		return createSchema(db)
	}

	if currentVersion == CurrentSchemaVersion {
		return nil
	}

	return runMigrations(db, currentVersion, CurrentSchemaVersion)
}

// runMigrations applies migrations from the current version to the target version.
func runMigrations(db *sql.DB, fromVersion, toVersion int) error {
	for version := fromVersion + 1; version <= toVersion; version++ {
		if err := runMigration(db, version); err != nil {
			return fmt.Errorf("migration to version %d failed: %w", version, err)
		}

		if err := setSchemaVersion(db, version); err != nil {
			return fmt.Errorf("failed to update schema version to %d: %w", version, err)
		}
	}
	return nil
}

func runMigration(_ *sql.DB, version int) error {
	// Version 1 is the initial schema; future versions add cases here.
	return fmt.Errorf("unknown migration version: %d", version)
}

// createSchema creates all required tables and indices.
//
//nolint:funlen // DDL listing
func createSchema(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute pragma %s: %w", pragma, err)
		}
	}

	tables := []string{
		// Schema version tracking
		`CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
		)`,

		// Conversations own an ordered message log
		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT '',
			is_active INTEGER NOT NULL DEFAULT 1,
			max_messages INTEGER NOT NULL DEFAULT 100,
			last_activity DATETIME DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
			created_at DATETIME DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
		)`,

		`CREATE TABLE IF NOT EXISTS messages (
			conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
			seq INTEGER NOT NULL,
			role TEXT NOT NULL CHECK (role IN ('user','assistant','system','tool')),
			content TEXT NOT NULL DEFAULT '',
			name TEXT,
			tool_call_id TEXT,
			tool_calls_json TEXT,
			metadata_json TEXT,
			ts DATETIME DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
			PRIMARY KEY (conversation_id, seq)
		)`,

		// Opaque message-list copies used by subtask isolation
		`CREATE TABLE IF NOT EXISTS conversation_snapshots (
			snapshot_id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
			messages_json TEXT NOT NULL,
			created_at DATETIME DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
		)`,

		`CREATE TABLE IF NOT EXISTS plans (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			goal TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'draft'
				CHECK (status IN ('draft','approved','in_progress','completed','failed','cancelled')),
			created_at DATETIME DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
			approved_at DATETIME,
			started_at DATETIME,
			completed_at DATETIME
		)`,

		`CREATE TABLE IF NOT EXISTS subtasks (
			plan_id TEXT NOT NULL REFERENCES plans(id) ON DELETE CASCADE,
			id TEXT NOT NULL,
			position INTEGER NOT NULL,
			description TEXT NOT NULL,
			agent TEXT NOT NULL CHECK (agent IN ('coder','debug','ask','universal')),
			status TEXT NOT NULL DEFAULT 'pending'
				CHECK (status IN ('pending','running','done','failed','blocked')),
			dependencies_json TEXT NOT NULL DEFAULT '[]',
			estimated_time TEXT,
			result TEXT,
			error TEXT,
			retry_count INTEGER NOT NULL DEFAULT 0,
			started_at DATETIME,
			completed_at DATETIME,
			PRIMARY KEY (plan_id, id)
		)`,

		`CREATE TABLE IF NOT EXISTS pending_approvals (
			request_id TEXT PRIMARY KEY,
			request_type TEXT NOT NULL CHECK (request_type IN ('tool','plan')),
			subject TEXT NOT NULL,
			session_id TEXT NOT NULL,
			details_json TEXT,
			reason TEXT,
			status TEXT NOT NULL DEFAULT 'pending'
				CHECK (status IN ('pending','approved','rejected','expired')),
			created_at DATETIME DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
			decision_at DATETIME,
			decision_reason TEXT
		)`,

		`CREATE TABLE IF NOT EXISTS fsm_states (
			session_id TEXT PRIMARY KEY,
			current_state TEXT NOT NULL,
			context_metadata_json TEXT,
			updated_at DATETIME DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
		)`,

		`CREATE TABLE IF NOT EXISTS agent_contexts (
			session_id TEXT PRIMARY KEY,
			current_agent TEXT NOT NULL
				CHECK (current_agent IN ('orchestrator','coder','architect','debug','ask','universal')),
			switch_count INTEGER NOT NULL DEFAULT 0,
			max_switches INTEGER NOT NULL DEFAULT 10,
			updated_at DATETIME DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
		)`,

		// Append-only switch history
		`CREATE TABLE IF NOT EXISTS agent_switches (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			from_agent TEXT NOT NULL,
			to_agent TEXT NOT NULL,
			reason TEXT,
			confidence REAL,
			ts DATETIME DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
		)`,

		// Audit trail written by the kernel persistence worker
		`CREATE TABLE IF NOT EXISTS tool_executions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			call_id TEXT,
			tool_name TEXT NOT NULL,
			arguments_json TEXT,
			status TEXT,
			duration_ms INTEGER,
			ts DATETIME DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
		)`,

		`CREATE TABLE IF NOT EXISTS llm_calls (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			agent TEXT,
			model TEXT,
			prompt_tokens INTEGER NOT NULL DEFAULT 0,
			completion_tokens INTEGER NOT NULL DEFAULT 0,
			total_tokens INTEGER NOT NULL DEFAULT 0,
			duration_ms INTEGER,
			finish_reason TEXT,
			error TEXT,
			ts DATETIME DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
		)`,
	}

	indices := []string{
		"CREATE INDEX IF NOT EXISTS idx_conversations_active ON conversations(is_active, last_activity)",
		"CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, seq)",
		"CREATE INDEX IF NOT EXISTS idx_snapshots_conversation ON conversation_snapshots(conversation_id)",
		"CREATE INDEX IF NOT EXISTS idx_plans_conversation ON plans(conversation_id, created_at)",
		"CREATE INDEX IF NOT EXISTS idx_plans_status ON plans(status)",
		"CREATE INDEX IF NOT EXISTS idx_subtasks_plan ON subtasks(plan_id, position)",
		"CREATE INDEX IF NOT EXISTS idx_approvals_session ON pending_approvals(session_id, status)",
		"CREATE INDEX IF NOT EXISTS idx_approvals_created ON pending_approvals(status, created_at)",
		"CREATE INDEX IF NOT EXISTS idx_switches_session ON agent_switches(session_id)",
		"CREATE INDEX IF NOT EXISTS idx_tool_exec_session ON tool_executions(session_id)",
		"CREATE INDEX IF NOT EXISTS idx_llm_calls_session ON llm_calls(session_id)",
	}

	for _, ddl := range tables {
		if _, err := db.Exec(ddl); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}

	for _, ddl := range indices {
		if _, err := db.Exec(ddl); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}

	if err := setSchemaVersion(db, CurrentSchemaVersion); err != nil {
		return fmt.Errorf("failed to set schema version: %w", err)
	}

	return nil
}

// GetSchemaVersion returns the database's schema version, 0 when unset.
func GetSchemaVersion(db *sql.DB) (int, error) {
	var version sql.NullInt64
	err := db.QueryRow("SELECT MAX(version) FROM schema_version").Scan(&version)
	if err != nil {
		// Table doesn't exist yet: fresh database
		if strings.Contains(err.Error(), "no such table") {
			return 0, nil
		}
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to query schema version: %w", err)
	}
	if !version.Valid {
		return 0, nil
	}
	return int(version.Int64), nil
}

func setSchemaVersion(db *sql.DB, version int) error {
	_, err := db.Exec("INSERT OR REPLACE INTO schema_version (version) VALUES (?)", version)
	if err != nil {
		return fmt.Errorf("failed to set schema version: %w", err)
	}
	return nil
}
