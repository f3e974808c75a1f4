package store

import (
	"database/sql"
	"fmt"
)

const ticketColumns = `id, project_id, external_id, title, state, COALESCE(file_path, ''),
	is_adhoc, started_at, completed_at, COALESCE(rejection_feedback, ''), created_at`

func scanTicket(row interface{ Scan(...any) error }) (*Ticket, error) {
	t := &Ticket{}
	var startedAt, completedAt sql.NullTime
	err := row.Scan(&t.ID, &t.ProjectID, &t.ExternalID, &t.Title, &t.State, &t.FilePath,
		&t.IsAdhoc, &startedAt, &completedAt, &t.RejectionFeedback, &t.CreatedAt)
	if err != nil {
		return nil, err
	}
	if startedAt.Valid {
		v := startedAt.Time
		t.StartedAt = &v
	}
	if completedAt.Valid {
		v := completedAt.Time
		t.CompletedAt = &v
	}
	return t, nil
}

// CreateTicket creates a ticket row.
func (s *Store) CreateTicket(t *Ticket) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO tickets (id, project_id, external_id, title, state, file_path, is_adhoc, started_at, completed_at, rejection_feedback)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.ProjectID, t.ExternalID, t.Title, t.State, nullable(t.FilePath),
		t.IsAdhoc, t.StartedAt, t.CompletedAt, nullable(t.RejectionFeedback),
	)
	if err != nil {
		return fmt.Errorf("create ticket: %w", err)
	}
	return nil
}

// GetTicket retrieves a ticket by ID. Returns (nil, nil) when missing.
func (s *Store) GetTicket(id string) (*Ticket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, err := scanTicket(s.db.QueryRow(`SELECT `+ticketColumns+` FROM tickets WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get ticket: %w", err)
	}
	return t, nil
}

// ListTickets returns tickets for a project (all projects when empty).
func (s *Store) ListTickets(projectID string) ([]Ticket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var rows *sql.Rows
	var err error
	if projectID == "" {
		rows, err = s.db.Query(`SELECT ` + ticketColumns + ` FROM tickets ORDER BY created_at DESC`)
	} else {
		rows, err = s.db.Query(`SELECT `+ticketColumns+` FROM tickets WHERE project_id = ? ORDER BY created_at DESC`, projectID)
	}
	if err != nil {
		return nil, fmt.Errorf("list tickets: %w", err)
	}
	defer rows.Close()

	var tickets []Ticket
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			return nil, fmt.Errorf("scan ticket: %w", err)
		}
		tickets = append(tickets, *t)
	}
	return tickets, rows.Err()
}

// UpdateTicketTx updates ticket fields inside a transaction. Used by the
// ticket state machine so the row update and the history insert commit
// together.
func (tx *Tx) UpdateTicketTx(t *Ticket) error {
	result, err := tx.tx.Exec(`
		UPDATE tickets SET state = ?, started_at = ?, completed_at = ?, rejection_feedback = ?
		WHERE id = ?`,
		t.State, t.StartedAt, t.CompletedAt, nullable(t.RejectionFeedback), t.ID,
	)
	if err != nil {
		return fmt.Errorf("update ticket: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("ticket not found: %s", t.ID)
	}
	return nil
}

// InsertHistoryTx appends a state history row inside a transaction.
func (tx *Tx) InsertHistoryTx(e *StateHistoryEntry) error {
	_, err := tx.tx.Exec(`
		INSERT INTO ticket_state_history (ticket_id, from_state, to_state, trigger_kind, reason, feedback, triggered_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.TicketID, e.FromState, e.ToState, e.Trigger,
		nullable(e.Reason), nullable(e.Feedback), nullable(e.TriggeredBy), e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert history: %w", err)
	}
	return nil
}

// GetTicketHistory returns the audit rows for a ticket in ascending time order.
func (s *Store) GetTicketHistory(ticketID string) ([]StateHistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, ticket_id, from_state, to_state, trigger_kind,
			COALESCE(reason, ''), COALESCE(feedback, ''), COALESCE(triggered_by, ''), created_at
		FROM ticket_state_history WHERE ticket_id = ? ORDER BY id ASC`, ticketID)
	if err != nil {
		return nil, fmt.Errorf("get history: %w", err)
	}
	defer rows.Close()

	var entries []StateHistoryEntry
	for rows.Next() {
		var e StateHistoryEntry
		if err := rows.Scan(&e.ID, &e.TicketID, &e.FromState, &e.ToState, &e.Trigger,
			&e.Reason, &e.Feedback, &e.TriggeredBy, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
