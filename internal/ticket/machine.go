// Package ticket implements the validated, audited ticket state machine.
// Transitions mutate the ticket row and append a history entry in a single
// transaction, then publish a ticket:stateChange event.
package ticket

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Dicklesworthstone/stm/internal/events"
	"github.com/Dicklesworthstone/stm/internal/store"
)

// Transition triggers.
const (
	TriggerManual = "manual"
	TriggerAuto   = "auto"
)

// Transition reasons.
const (
	ReasonSessionStarted      = "session_started"
	ReasonCompletionDetected  = "completion_detected"
	ReasonUserApproved        = "user_approved"
	ReasonUserRejected        = "user_rejected"
	ReasonUserPaused          = "user_paused"
	ReasonReopened            = "reopened"
)

// ErrTicketNotFound indicates the ticket row does not exist.
var ErrTicketNotFound = errors.New("ticket not found")

// ErrMissingFeedback indicates a user_rejected transition without feedback.
var ErrMissingFeedback = errors.New("rejection requires feedback")

// InvalidTransitionError reports a transition outside the allowed set.
type InvalidTransitionError struct {
	TicketID string
	From     string
	To       string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid ticket transition %s -> %s (ticket %s)", e.From, e.To, e.TicketID)
}

// allowedTransitions is the complete transition table; anything else is
// rejected.
var allowedTransitions = map[string][]string{
	store.TicketBacklog:    {store.TicketInProgress},
	store.TicketInProgress: {store.TicketReview, store.TicketBacklog},
	store.TicketReview:     {store.TicketDone, store.TicketInProgress},
	store.TicketDone:       {store.TicketInProgress},
}

func transitionAllowed(from, to string) bool {
	for _, t := range allowedTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// InputSender delivers text to a running session. Satisfied by the session
// supervisor; optional so the machine stays testable in isolation.
type InputSender interface {
	SendInput(sessionID, text string) error
}

// Machine drives ticket transitions.
type Machine struct {
	store  *store.Store
	bus    *events.Bus
	logger *slog.Logger

	// Sender, when set, receives formatted rejection feedback for the
	// ticket's running session.
	Sender InputSender
}

// NewMachine creates a ticket state machine.
func NewMachine(st *store.Store, bus *events.Bus) *Machine {
	return &Machine{
		store:  st,
		bus:    bus,
		logger: slog.Default().With("component", "ticket"),
	}
}

// TransitionRequest describes one requested transition.
type TransitionRequest struct {
	ToState     string
	Trigger     string
	Reason      string
	Feedback    string
	TriggeredBy string
}

// Transition validates and applies a ticket transition with its side effects.
func (m *Machine) Transition(ticketID string, req TransitionRequest) (*store.Ticket, error) {
	t, err := m.store.GetTicket(ticketID)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, fmt.Errorf("%w: %s", ErrTicketNotFound, ticketID)
	}

	from := t.State
	if !transitionAllowed(from, req.ToState) {
		return nil, &InvalidTransitionError{TicketID: ticketID, From: from, To: req.ToState}
	}

	isRejection := req.ToState == store.TicketInProgress && from == store.TicketReview && req.Reason == ReasonUserRejected
	if isRejection && req.Feedback == "" {
		return nil, ErrMissingFeedback
	}

	now := time.Now().UTC()
	t.State = req.ToState

	switch {
	case from == store.TicketBacklog && req.ToState == store.TicketInProgress:
		t.StartedAt = &now
		t.RejectionFeedback = ""
	case req.ToState == store.TicketDone:
		t.CompletedAt = &now
	}
	if from == store.TicketDone {
		t.CompletedAt = nil
	}

	var formatted string
	if isRejection {
		formatted = FormatRejectionFeedback(req.Feedback)
		t.RejectionFeedback = formatted
	} else if !(req.ToState == store.TicketInProgress && from == store.TicketReview) {
		t.RejectionFeedback = ""
	}

	entry := &store.StateHistoryEntry{
		TicketID:    ticketID,
		FromState:   from,
		ToState:     req.ToState,
		Trigger:     req.Trigger,
		Reason:      req.Reason,
		Feedback:    req.Feedback,
		TriggeredBy: req.TriggeredBy,
		CreatedAt:   now,
	}

	// Row update and audit entry commit together or not at all.
	err = m.store.Transaction(func(tx *store.Tx) error {
		if err := tx.UpdateTicketTx(t); err != nil {
			return err
		}
		return tx.InsertHistoryTx(entry)
	})
	if err != nil {
		return nil, fmt.Errorf("transition %s -> %s: %w", from, req.ToState, err)
	}

	m.bus.Publish(events.TicketStateChange{
		TicketID:    ticketID,
		FromState:   from,
		ToState:     req.ToState,
		Trigger:     req.Trigger,
		Reason:      req.Reason,
		Feedback:    req.Feedback,
		TriggeredBy: req.TriggeredBy,
		At:          now,
	})

	if isRejection {
		m.forwardRejection(ticketID, formatted)
	}

	return t, nil
}

// forwardRejection sends the formatted feedback to the ticket's running
// session, when one exists. Best-effort.
func (m *Machine) forwardRejection(ticketID, formatted string) {
	if m.Sender == nil {
		return
	}
	sess, err := m.store.GetRunningSessionForTicket(ticketID)
	if err != nil || sess == nil {
		return
	}
	if err := m.Sender.SendInput(sess.ID, formatted); err != nil {
		m.logger.Warn("forward rejection feedback failed",
			"ticket", ticketID, "session", sess.ID, "error", err)
	}
}

// Approve moves a ticket from review to done.
func (m *Machine) Approve(ticketID, by string) (*store.Ticket, error) {
	return m.Transition(ticketID, TransitionRequest{
		ToState:     store.TicketDone,
		Trigger:     TriggerManual,
		Reason:      ReasonUserApproved,
		TriggeredBy: by,
	})
}

// Reject moves a ticket from review back to in_progress with feedback.
func (m *Machine) Reject(ticketID, feedback, by string) (*store.Ticket, error) {
	return m.Transition(ticketID, TransitionRequest{
		ToState:     store.TicketInProgress,
		Trigger:     TriggerManual,
		Reason:      ReasonUserRejected,
		Feedback:    feedback,
		TriggeredBy: by,
	})
}

// StartWork moves a ticket from backlog to in_progress when a session starts.
func (m *Machine) StartWork(ticketID, sessionID string) (*store.Ticket, error) {
	return m.Transition(ticketID, TransitionRequest{
		ToState:     store.TicketInProgress,
		Trigger:     TriggerAuto,
		Reason:      ReasonSessionStarted,
		TriggeredBy: sessionID,
	})
}

// MoveToReview moves a ticket from in_progress to review on detected
// completion.
func (m *Machine) MoveToReview(ticketID, sessionID string) (*store.Ticket, error) {
	return m.Transition(ticketID, TransitionRequest{
		ToState:     store.TicketReview,
		Trigger:     TriggerAuto,
		Reason:      ReasonCompletionDetected,
		TriggeredBy: sessionID,
	})
}

// GetHistory returns a ticket's audit rows in ascending time order.
func (m *Machine) GetHistory(ticketID string) ([]store.StateHistoryEntry, error) {
	return m.store.GetTicketHistory(ticketID)
}
