package store

import (
	"database/sql"
	"fmt"
	"time"
)

const notificationColumns = `id, kind, message, COALESCE(session_id, ''), COALESCE(ticket_id, ''), read, created_at`

func scanNotification(row interface{ Scan(...any) error }) (*Notification, error) {
	n := &Notification{}
	err := row.Scan(&n.ID, &n.Kind, &n.Message, &n.SessionID, &n.TicketID, &n.Read, &n.CreatedAt)
	if err != nil {
		return nil, err
	}
	return n, nil
}

// UpsertNotification inserts a notification, first removing any existing
// unread notification with the same kind and key (ticket id when set,
// otherwise session id). This keeps at most one unread notification per
// (key, kind).
func (s *Store) UpsertNotification(n *Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin upsert: %w", err)
	}
	defer tx.Rollback()

	if n.TicketID != "" {
		_, err = tx.Exec(`DELETE FROM notifications WHERE kind = ? AND ticket_id = ? AND read = 0`,
			n.Kind, n.TicketID)
	} else if n.SessionID != "" {
		_, err = tx.Exec(`DELETE FROM notifications WHERE kind = ? AND session_id = ? AND read = 0`,
			n.Kind, n.SessionID)
	}
	if err != nil {
		return fmt.Errorf("clear stale notification: %w", err)
	}

	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	_, err = tx.Exec(`
		INSERT INTO notifications (id, kind, message, session_id, ticket_id, read, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		n.ID, n.Kind, n.Message, nullable(n.SessionID), nullable(n.TicketID), n.Read, n.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return tx.Commit()
}

// ListNotifications returns notifications, unread first then newest first,
// optionally only unread.
func (s *Store) ListNotifications(unreadOnly bool, limit int) ([]Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}

	var rows *sql.Rows
	var err error
	if unreadOnly {
		rows, err = s.db.Query(`SELECT `+notificationColumns+` FROM notifications WHERE read = 0 ORDER BY created_at DESC LIMIT ?`, limit)
	} else {
		rows, err = s.db.Query(`SELECT `+notificationColumns+` FROM notifications ORDER BY read ASC, created_at DESC LIMIT ?`, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	var notifications []Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		notifications = append(notifications, *n)
	}
	return notifications, rows.Err()
}

// MarkNotificationRead marks one notification as read.
func (s *Store) MarkNotificationRead(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.Exec(`UPDATE notifications SET read = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("notification not found: %s", id)
	}
	return nil
}

// MarkAllNotificationsRead marks every unread notification as read.
func (s *Store) MarkAllNotificationsRead() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`UPDATE notifications SET read = 1 WHERE read = 0`)
	if err != nil {
		return fmt.Errorf("mark all read: %w", err)
	}
	return nil
}
