package session

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Dicklesworthstone/stm/internal/events"
	"github.com/Dicklesworthstone/stm/internal/store"
	"github.com/Dicklesworthstone/stm/internal/tmux"
)

// StartOptions controls session creation.
type StartOptions struct {
	InitialPrompt string
	Window        string // tmux window override, defaults to the project window
	ParentID      string // set when the session continues a handed-off one
}

// StartAdhocSession launches an agent pane with no ticket binding.
func (s *Supervisor) StartAdhocSession(projectID string, opts StartOptions) (*store.Session, error) {
	project, err := s.store.GetProject(projectID)
	if err != nil {
		return nil, err
	}
	if project == nil {
		return nil, ErrProjectNotFound
	}
	return s.launch(project, nil, opts)
}

// StartTicketSession launches an agent pane bound to a ticket and moves the
// ticket to in_progress.
func (s *Supervisor) StartTicketSession(ticketID string, opts StartOptions) (*store.Session, error) {
	ticket, err := s.store.GetTicket(ticketID)
	if err != nil {
		return nil, err
	}
	if ticket == nil {
		return nil, ErrTicketNotFound
	}

	existing, err := s.store.GetRunningSessionForTicket(ticketID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, fmt.Errorf("%w: %s served by %s", ErrAlreadyRunning, ticketID, existing.ID)
	}

	project, err := s.store.GetProject(ticket.ProjectID)
	if err != nil {
		return nil, err
	}
	if project == nil {
		return nil, ErrProjectNotFound
	}

	sess, err := s.launch(project, ticket, opts)
	if err != nil {
		return nil, err
	}

	if s.Tickets != nil {
		if _, err := s.Tickets.StartWork(ticketID, sess.ID); err != nil {
			s.logger.Warn("start work transition failed", "ticket", ticketID, "error", err)
		}
	}
	return sess, nil
}

// launch creates the pane, persists the row, and registers the session.
func (s *Supervisor) launch(project *store.Project, ticket *store.Ticket, opts StartOptions) (*store.Session, error) {
	if !s.mux.SessionExists(project.TmuxSession) {
		return nil, &CreationError{Cause: fmt.Errorf("tmux session %q not found", project.TmuxSession)}
	}

	id := uuid.NewString()
	agent := s.cfg.AgentCommand
	if agent == "" {
		agent = "claude"
	}
	window := opts.Window
	if window == "" {
		window = project.TmuxWindow
	}

	paneID, err := s.mux.CreatePane(project.TmuxSession, tmux.CreatePaneOptions{
		Cwd:     project.RepoPath,
		Command: buildAgentCommand(agent, ticket, opts.InitialPrompt),
		Window:  window,
	})
	if err != nil {
		return nil, &CreationError{Cause: err}
	}

	if err := s.mux.SetPaneTitle(paneID, paneTitle(ticket, id)); err != nil {
		s.logger.Warn("set pane title failed", "pane", paneID, "error", err)
	}

	sess := &store.Session{
		ID:        id,
		ProjectID: project.ID,
		ParentID:  opts.ParentID,
		Type:      store.SessionTypeAdhoc,
		Status:    store.SessionRunning,
		PaneID:    paneID,
		StartedAt: time.Now().UTC(),
	}
	if ticket != nil {
		sess.Type = store.SessionTypeTicket
		sess.TicketID = ticket.ID
	}

	if err := s.store.CreateSession(sess); err != nil {
		// Roll the pane back so a failed persist leaves nothing running.
		if killErr := s.mux.KillPane(paneID); killErr != nil {
			s.logger.Warn("pane rollback failed", "pane", paneID, "error", killErr)
		}
		return nil, &CreationError{Cause: err}
	}

	s.adopt(sess)

	// A fresh session announces itself as running -> running.
	s.bus.Publish(events.SessionStateChange{
		SessionID: id,
		Previous:  store.SessionRunning,
		New:       store.SessionRunning,
		At:        sess.StartedAt,
	})
	s.logger.Info("session started", "session", id, "pane", paneID, "type", sess.Type)
	return sess, nil
}

// StartContinuationSession launches a successor pane for a handed-off ticket
// session. The ticket transition is not re-triggered; the ticket is already
// in progress.
func (s *Supervisor) StartContinuationSession(projectID, ticketID, parentID string) (*store.Session, error) {
	project, err := s.store.GetProject(projectID)
	if err != nil {
		return nil, err
	}
	if project == nil {
		return nil, ErrProjectNotFound
	}

	var ticket *store.Ticket
	if ticketID != "" {
		ticket, err = s.store.GetTicket(ticketID)
		if err != nil {
			return nil, err
		}
		if ticket == nil {
			return nil, ErrTicketNotFound
		}
	}
	return s.launch(project, ticket, StartOptions{ParentID: parentID})
}

// StopSession terminates a session. Graceful stop sends an interrupt and
// waits the grace period before killing the pane; force kills immediately.
func (s *Supervisor) StopSession(id string, force bool) error {
	as, inMemory := s.GetActive(id)

	var paneID string
	if inMemory {
		paneID = as.PaneID
	} else {
		row, err := s.store.GetSession(id)
		if err != nil {
			return err
		}
		if row == nil {
			return ErrSessionNotFound
		}
		if row.Status != store.SessionRunning && row.Status != store.SessionPaused {
			return ErrNotRunning
		}
		paneID = row.PaneID
	}

	if strings.HasPrefix(paneID, tmux.PaneIDPrefix) && s.mux.IsPaneAlive(paneID) {
		if !force {
			if err := s.mux.SendInterrupt(paneID); err != nil {
				s.logger.Warn("interrupt failed", "pane", paneID, "error", err)
			}
			s.waitForExit(paneID)
		}
		if s.mux.IsPaneAlive(paneID) {
			if err := s.mux.KillPane(paneID); err != nil {
				return fmt.Errorf("kill pane %s: %w", paneID, err)
			}
		}
	}

	now := time.Now().UTC()
	if err := s.store.UpdateSessionStatus(id, store.SessionCompleted, &now); err != nil {
		return err
	}

	s.mu.Lock()
	delete(s.active, id)
	s.mu.Unlock()

	s.bus.Publish(events.SessionStateChange{
		SessionID: id,
		Previous:  store.SessionRunning,
		New:       store.SessionCompleted,
		At:        now,
	})
	s.bus.Publish(events.SessionExit{SessionID: id, At: now})

	if s.Watcher != nil {
		s.Watcher.UnwatchSession(id)
	}
	s.logger.Info("session stopped", "session", id, "force", force)
	return nil
}

// waitForExit polls the pane until it dies or the grace period elapses.
func (s *Supervisor) waitForExit(paneID string) {
	grace := s.cfg.StopGracePeriod.Std()
	if grace <= 0 {
		grace = 5 * time.Second
	}
	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if !s.mux.IsPaneAlive(paneID) {
			return
		}
		time.Sleep(250 * time.Millisecond)
	}
}

// SendInput delivers a line of text to a running session's pane, followed by
// Enter.
func (s *Supervisor) SendInput(id, text string) error {
	paneID, err := s.runningPane(id)
	if err != nil {
		return err
	}
	if err := s.mux.SendText(paneID, text); err != nil {
		return &InputError{Cause: err}
	}
	return nil
}

// SendKeys delivers raw key bytes (control sequences, arrows) to a running
// session's pane.
func (s *Supervisor) SendKeys(id string, keys []byte) error {
	paneID, err := s.runningPane(id)
	if err != nil {
		return err
	}
	if err := s.mux.SendRawKeys(paneID, keys); err != nil {
		return &InputError{Cause: err}
	}
	return nil
}

// runningPane resolves a session to its pane id, enforcing that the session
// is running and its pane binding is real.
func (s *Supervisor) runningPane(id string) (string, error) {
	if as, ok := s.GetActive(id); ok {
		if as.Status != store.SessionRunning {
			return "", ErrNotRunning
		}
		if !strings.HasPrefix(as.PaneID, tmux.PaneIDPrefix) {
			return "", ErrInvalidPane
		}
		return as.PaneID, nil
	}

	row, err := s.store.GetSession(id)
	if err != nil {
		return "", err
	}
	if row == nil {
		return "", ErrSessionNotFound
	}
	if row.Status != store.SessionRunning {
		return "", ErrNotRunning
	}
	if !strings.HasPrefix(row.PaneID, tmux.PaneIDPrefix) {
		return "", ErrInvalidPane
	}
	return row.PaneID, nil
}

// GetSession returns the persisted row with in-memory state overlaid.
func (s *Supervisor) GetSession(id string) (*store.Session, error) {
	row, err := s.store.GetSession(id)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, ErrSessionNotFound
	}
	if as, ok := s.GetActive(id); ok {
		row.Status = as.Status
		row.PaneID = as.PaneID
	}
	return row, nil
}

// ListSessions returns persisted sessions with in-memory state overlaid.
func (s *Supervisor) ListSessions(projectID string, limit int) ([]store.Session, error) {
	rows, err := s.store.ListSessions(projectID, limit)
	if err != nil {
		return nil, err
	}
	for i := range rows {
		if as, ok := s.GetActive(rows[i].ID); ok {
			rows[i].Status = as.Status
			rows[i].PaneID = as.PaneID
		}
	}
	return rows, nil
}

// GetSessionOutput returns the last n buffered output lines for a session.
// Only sessions in the registry have buffers.
func (s *Supervisor) GetSessionOutput(id string, n int) ([]string, error) {
	as, ok := s.GetActive(id)
	if !ok {
		row, err := s.store.GetSession(id)
		if err != nil {
			return nil, err
		}
		if row == nil {
			return nil, ErrSessionNotFound
		}
		return nil, ErrNotInMemory
	}
	if n <= 0 {
		n = as.Buffer.Len()
	}
	return as.Buffer.LastN(n), nil
}
