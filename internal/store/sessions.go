package store

import (
	"database/sql"
	"fmt"
	"time"
)

const sessionColumns = `id, project_id, COALESCE(ticket_id, ''), COALESCE(parent_id, ''),
	type, status, COALESCE(pane_id, ''), context_percent, started_at, ended_at`

func scanSession(row interface{ Scan(...any) error }) (*Session, error) {
	sess := &Session{}
	var endedAt sql.NullTime
	err := row.Scan(&sess.ID, &sess.ProjectID, &sess.TicketID, &sess.ParentID,
		&sess.Type, &sess.Status, &sess.PaneID, &sess.ContextPercent, &sess.StartedAt, &endedAt)
	if err != nil {
		return nil, err
	}
	if endedAt.Valid {
		t := endedAt.Time
		sess.EndedAt = &t
	}
	return sess, nil
}

// CreateSession creates a new session row.
func (s *Store) CreateSession(sess *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO sessions (id, project_id, ticket_id, parent_id, type, status, pane_id, context_percent, started_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.ProjectID, nullable(sess.TicketID), nullable(sess.ParentID),
		sess.Type, sess.Status, nullable(sess.PaneID), sess.ContextPercent, sess.StartedAt, sess.EndedAt,
	)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

// GetSession retrieves a session by ID. Returns (nil, nil) when missing.
func (s *Store) GetSession(id string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, err := scanSession(s.db.QueryRow(
		`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return sess, nil
}

// UpdateSessionStatus updates status and ended_at.
func (s *Store) UpdateSessionStatus(id, status string, endedAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.Exec(`UPDATE sessions SET status = ?, ended_at = ? WHERE id = ?`,
		status, endedAt, id)
	if err != nil {
		return fmt.Errorf("update session status: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("session not found: %s", id)
	}
	return nil
}

// UpdateSessionPane updates the pane binding.
func (s *Store) UpdateSessionPane(id, paneID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`UPDATE sessions SET pane_id = ? WHERE id = ?`, nullable(paneID), id)
	if err != nil {
		return fmt.Errorf("update session pane: %w", err)
	}
	return nil
}

// UpdateSessionContext persists the derived context percent (best-effort path).
func (s *Store) UpdateSessionContext(id string, percent int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`UPDATE sessions SET context_percent = ? WHERE id = ?`, percent, id)
	if err != nil {
		return fmt.Errorf("update session context: %w", err)
	}
	return nil
}

// ListSessions returns sessions, optionally filtered by project, most recent
// first, capped at limit (100 when limit <= 0).
func (s *Store) ListSessions(projectID string, limit int) ([]Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}

	var rows *sql.Rows
	var err error
	if projectID == "" {
		rows, err = s.db.Query(`SELECT `+sessionColumns+` FROM sessions ORDER BY started_at DESC LIMIT ?`, limit)
	} else {
		rows, err = s.db.Query(`SELECT `+sessionColumns+` FROM sessions WHERE project_id = ? ORDER BY started_at DESC LIMIT ?`, projectID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	return collectSessions(rows)
}

// ListSessionsByStatus returns sessions in any of the given statuses.
func (s *Store) ListSessionsByStatus(statuses ...string) ([]Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(statuses) == 0 {
		return nil, nil
	}
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE status IN (?`
	args := []any{statuses[0]}
	for _, st := range statuses[1:] {
		query += ", ?"
		args = append(args, st)
	}
	query += `) ORDER BY started_at DESC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions by status: %w", err)
	}
	defer rows.Close()

	return collectSessions(rows)
}

// GetRunningSessionForTicket returns the running session bound to a ticket,
// or (nil, nil).
func (s *Store) GetRunningSessionForTicket(ticketID string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, err := scanSession(s.db.QueryRow(
		`SELECT `+sessionColumns+` FROM sessions WHERE ticket_id = ? AND status = ? ORDER BY started_at DESC LIMIT 1`,
		ticketID, SessionRunning))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session for ticket: %w", err)
	}
	return sess, nil
}

// MostRecentSession returns the newest session row regardless of status,
// or (nil, nil). Used as the waiting detector's last-resort hook resolution.
func (s *Store) MostRecentSession() (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, err := scanSession(s.db.QueryRow(
		`SELECT ` + sessionColumns + ` FROM sessions ORDER BY started_at DESC LIMIT 1`))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("most recent session: %w", err)
	}
	return sess, nil
}

func collectSessions(rows *sql.Rows) ([]Session, error) {
	var sessions []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, *sess)
	}
	return sessions, rows.Err()
}

// nullable converts empty strings to NULL so COALESCE round-trips cleanly.
func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
