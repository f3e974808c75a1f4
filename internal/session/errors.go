package session

import (
	"errors"
	"fmt"
)

var (
	// ErrSessionNotFound indicates no session row or registry entry exists.
	ErrSessionNotFound = errors.New("session not found")
	// ErrProjectNotFound indicates the owning project does not exist.
	ErrProjectNotFound = errors.New("project not found")
	// ErrTicketNotFound indicates the requested ticket does not exist.
	ErrTicketNotFound = errors.New("ticket not found")
	// ErrAlreadyRunning indicates a running session already serves the ticket.
	ErrAlreadyRunning = errors.New("session already running for ticket")
	// ErrNotRunning indicates the session is not in a live state.
	ErrNotRunning = errors.New("session not running")
	// ErrInvalidPane indicates the pane id is an external placeholder or dead.
	ErrInvalidPane = errors.New("invalid pane id")
	// ErrNotInMemory indicates the session has no registry entry (no buffer).
	ErrNotInMemory = errors.New("session not in memory registry")
)

// CreationError wraps a failure while creating the pane or persisting the row.
type CreationError struct {
	Cause error
}

func (e *CreationError) Error() string { return fmt.Sprintf("session creation failed: %v", e.Cause) }
func (e *CreationError) Unwrap() error { return e.Cause }

// InputError wraps a failure while delivering input to a pane.
type InputError struct {
	Cause error
}

func (e *InputError) Error() string { return fmt.Sprintf("session input failed: %v", e.Cause) }
func (e *InputError) Unwrap() error { return e.Cause }
