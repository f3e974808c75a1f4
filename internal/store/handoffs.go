package store

import (
	"database/sql"
	"fmt"
)

// CreateHandoffEvent records a completed handoff.
func (s *Store) CreateHandoffEvent(e *HandoffEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.Exec(`
		INSERT INTO handoff_events (from_session_id, to_session_id, context_at_handoff)
		VALUES (?, ?, ?)`,
		e.FromSessionID, e.ToSessionID, e.ContextAtHandoff,
	)
	if err != nil {
		return fmt.Errorf("create handoff event: %w", err)
	}
	e.ID, _ = result.LastInsertId()
	return nil
}

// ListHandoffEvents returns handoff events involving the given session,
// newest first.
func (s *Store) ListHandoffEvents(sessionID string) ([]HandoffEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, from_session_id, to_session_id, context_at_handoff, created_at
		FROM handoff_events
		WHERE from_session_id = ? OR to_session_id = ?
		ORDER BY id DESC`, sessionID, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list handoff events: %w", err)
	}
	defer rows.Close()

	var events []HandoffEvent
	for rows.Next() {
		var e HandoffEvent
		if err := rows.Scan(&e.ID, &e.FromSessionID, &e.ToSessionID, &e.ContextAtHandoff, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan handoff event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// SaveReviewCache stores the latest reviewer decision for a session.
func (s *Store) SaveReviewCache(rc *ReviewCache) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO review_cache (session_id, ticket_id, result, reasoning, created_at)
		VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(session_id) DO UPDATE SET
			ticket_id = excluded.ticket_id,
			result = excluded.result,
			reasoning = excluded.reasoning,
			created_at = excluded.created_at`,
		rc.SessionID, nullable(rc.TicketID), rc.Result, nullable(rc.Reasoning),
	)
	if err != nil {
		return fmt.Errorf("save review cache: %w", err)
	}
	return nil
}

// GetReviewCache returns the cached decision for a session, or (nil, nil).
func (s *Store) GetReviewCache(sessionID string) (*ReviewCache, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rc := &ReviewCache{}
	err := s.db.QueryRow(`
		SELECT session_id, COALESCE(ticket_id, ''), result, COALESCE(reasoning, ''), created_at
		FROM review_cache WHERE session_id = ?`, sessionID,
	).Scan(&rc.SessionID, &rc.TicketID, &rc.Result, &rc.Reasoning, &rc.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get review cache: %w", err)
	}
	return rc, nil
}
