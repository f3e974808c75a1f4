// Package notify provides durable, upsert-by-key notifications announced to
// realtime clients through the event bus.
package notify

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Dicklesworthstone/stm/internal/events"
	"github.com/Dicklesworthstone/stm/internal/store"
)

// Service creates notifications and announces them on the bus.
type Service struct {
	store  *store.Store
	bus    *events.Bus
	logger *slog.Logger
}

// NewService creates a notification service.
func NewService(st *store.Store, bus *events.Bus) *Service {
	return &Service{
		store:  st,
		bus:    bus,
		logger: slog.Default().With("component", "notify"),
	}
}

// Notify creates (or replaces) a notification keyed by (kind, ticket or
// session) and publishes it. The upsert keeps at most one unread row per key.
func (s *Service) Notify(kind, message, sessionID, ticketID string) (*store.Notification, error) {
	n := &store.Notification{
		ID:        uuid.NewString(),
		Kind:      kind,
		Message:   message,
		SessionID: sessionID,
		TicketID:  ticketID,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.UpsertNotification(n); err != nil {
		return nil, fmt.Errorf("notify %s: %w", kind, err)
	}

	s.bus.Publish(events.NotificationCreated{
		ID:        n.ID,
		Kind:      n.Kind,
		Message:   n.Message,
		SessionID: n.SessionID,
		TicketID:  n.TicketID,
		At:        n.CreatedAt,
	})
	return n, nil
}

// NotifyBestEffort is Notify for non-critical paths: failures are logged,
// not returned.
func (s *Service) NotifyBestEffort(kind, message, sessionID, ticketID string) {
	if _, err := s.Notify(kind, message, sessionID, ticketID); err != nil {
		s.logger.Warn("notification failed", "kind", kind, "error", err)
	}
}

// List returns notifications, optionally unread only.
func (s *Service) List(unreadOnly bool, limit int) ([]store.Notification, error) {
	return s.store.ListNotifications(unreadOnly, limit)
}

// MarkRead marks one notification read.
func (s *Service) MarkRead(id string) error {
	return s.store.MarkNotificationRead(id)
}

// MarkAllRead marks every unread notification read.
func (s *Service) MarkAllRead() error {
	return s.store.MarkAllNotificationsRead()
}
