package store

import (
	"database/sql"
	"fmt"
)

// migrations are applied in order; schema_version records the last applied.
var migrations = []string{
	// 1: core schema
	`
	CREATE TABLE IF NOT EXISTS projects (
		id            TEXT PRIMARY KEY,
		name          TEXT NOT NULL,
		repo_path     TEXT NOT NULL,
		tmux_session  TEXT NOT NULL,
		tmux_window   TEXT,
		tickets_path  TEXT,
		handoff_path  TEXT,
		claude_dir    TEXT,
		created_at    TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS sessions (
		id              TEXT PRIMARY KEY,
		project_id      TEXT NOT NULL REFERENCES projects(id),
		ticket_id       TEXT,
		parent_id       TEXT,
		type            TEXT NOT NULL DEFAULT 'adhoc',
		status          TEXT NOT NULL DEFAULT 'running',
		pane_id         TEXT,
		context_percent INTEGER NOT NULL DEFAULT 0,
		started_at      TIMESTAMP NOT NULL,
		ended_at        TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);
	CREATE INDEX IF NOT EXISTS idx_sessions_project ON sessions(project_id);
	CREATE INDEX IF NOT EXISTS idx_sessions_ticket ON sessions(ticket_id);

	CREATE TABLE IF NOT EXISTS tickets (
		id                 TEXT PRIMARY KEY,
		project_id         TEXT NOT NULL REFERENCES projects(id),
		external_id        TEXT NOT NULL,
		title              TEXT NOT NULL,
		state              TEXT NOT NULL DEFAULT 'backlog',
		file_path          TEXT,
		is_adhoc           INTEGER NOT NULL DEFAULT 0,
		started_at         TIMESTAMP,
		completed_at       TIMESTAMP,
		rejection_feedback TEXT,
		created_at         TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_tickets_state ON tickets(state);

	CREATE TABLE IF NOT EXISTS ticket_state_history (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		ticket_id    TEXT NOT NULL REFERENCES tickets(id),
		from_state   TEXT NOT NULL,
		to_state     TEXT NOT NULL,
		trigger_kind TEXT NOT NULL,
		reason       TEXT,
		feedback     TEXT,
		triggered_by TEXT,
		created_at   TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_history_ticket ON ticket_state_history(ticket_id);

	CREATE TABLE IF NOT EXISTS notifications (
		id         TEXT PRIMARY KEY,
		kind       TEXT NOT NULL,
		message    TEXT NOT NULL,
		session_id TEXT,
		ticket_id  TEXT,
		read       INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_notifications_unread ON notifications(read, kind);

	CREATE TABLE IF NOT EXISTS handoff_events (
		id                 INTEGER PRIMARY KEY AUTOINCREMENT,
		from_session_id    TEXT NOT NULL,
		to_session_id      TEXT NOT NULL,
		context_at_handoff INTEGER NOT NULL,
		created_at         TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	`,
	// 2: reviewer decision cache
	`
	CREATE TABLE IF NOT EXISTS review_cache (
		session_id TEXT PRIMARY KEY,
		ticket_id  TEXT,
		result     TEXT NOT NULL,
		reasoning  TEXT,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	`,
}

func applyMigrations(db *sql.DB) error {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`); err != nil {
		return fmt.Errorf("create schema_version: %w", err)
	}

	var version int
	err := db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_version`).Scan(&version)
	if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for i := version; i < len(migrations); i++ {
		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", i+1, err)
		}
		if _, err := tx.Exec(migrations[i]); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration %d: %w", i+1, err)
		}
		if _, err := tx.Exec(`INSERT INTO schema_version (version) VALUES (?)`, i+1); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", i+1, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", i+1, err)
		}
	}
	return nil
}
