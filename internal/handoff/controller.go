// Package handoff migrates a ticket session whose context is nearly
// exhausted to a fresh session, carrying the agent's own exported context
// across through the project's handoff file.
package handoff

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/Dicklesworthstone/stm/internal/config"
	"github.com/Dicklesworthstone/stm/internal/events"
	"github.com/Dicklesworthstone/stm/internal/store"
)

// Handoff states, in protocol order.
const (
	StateIdle            = "idle"
	StateExporting       = "exporting"
	StateWaitingFile     = "waiting_file"
	StateTerminating     = "terminating"
	StateCreatingSession = "creating_session"
	StateImporting       = "importing"
	StateComplete        = "complete"
	StateFailed          = "failed"
)

var (
	// ErrHandoffInProgress indicates a concurrent handoff for the session.
	ErrHandoffInProgress = errors.New("handoff already in progress")
	// ErrNotEligible indicates the session is not a running ticket session.
	ErrNotEligible = errors.New("session not eligible for handoff")
	// ErrNoHandoffFile indicates the project has no handoff file configured.
	ErrNoHandoffFile = errors.New("project has no handoff file path")
	// ErrCancelled indicates the handoff was aborted.
	ErrCancelled = errors.New("handoff cancelled")
	// ErrFileTimeout indicates the export never materialized on disk.
	ErrFileTimeout = errors.New("timed out waiting for handoff file")
)

// Sessions is the supervisor surface the controller drives.
type Sessions interface {
	GetSession(id string) (*store.Session, error)
	SendInput(id, text string) error
	StopSession(id string, force bool) error
	StartContinuationSession(projectID, ticketID, parentID string) (*store.Session, error)
}

// Notifier creates upserted notifications.
type Notifier interface {
	NotifyBestEffort(kind, message, sessionID, ticketID string)
}

// Controller runs at most one handoff per session.
type Controller struct {
	store    *store.Store
	bus      *events.Bus
	cfg      config.HandoffConfig
	logger   *slog.Logger
	sessions Sessions
	notifier Notifier

	mu         sync.Mutex
	inProgress map[string]context.CancelFunc

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewController creates a handoff controller.
func NewController(st *store.Store, bus *events.Bus, cfg config.HandoffConfig, sessions Sessions, notifier Notifier) *Controller {
	return &Controller{
		store:      st,
		bus:        bus,
		cfg:        cfg,
		logger:     slog.Default().With("component", "handoff"),
		sessions:   sessions,
		notifier:   notifier,
		inProgress: make(map[string]context.CancelFunc),
	}
}

// Start subscribes to context threshold crossings and launches handoffs for
// eligible sessions.
func (c *Controller) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)

	sub := c.bus.Subscribe(events.TopicContextThreshold)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer sub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-sub.C:
				th, ok := ev.(events.ContextThreshold)
				if !ok {
					continue
				}
				go func() {
					if err := c.Run(th.SessionID); err != nil {
						switch {
						case errors.Is(err, ErrNotEligible),
							errors.Is(err, ErrHandoffInProgress):
							// Adhoc sessions and repeats are expected.
						default:
							c.logger.Warn("auto handoff failed", "session", th.SessionID, "error", err)
						}
					}
				}()
			}
		}
	}()
}

// Shutdown aborts running handoffs and stops the trigger loop.
func (c *Controller) Shutdown() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()

	c.mu.Lock()
	for _, cancel := range c.inProgress {
		cancel()
	}
	c.mu.Unlock()
}

// InProgress reports whether a handoff is running for the session.
func (c *Controller) InProgress(sessionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.inProgress[sessionID]
	return ok
}

// Cancel aborts a running handoff, if any.
func (c *Controller) Cancel(sessionID string) bool {
	c.mu.Lock()
	cancel, ok := c.inProgress[sessionID]
	c.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Run performs one full handoff for a running ticket session.
func (c *Controller) Run(sessionID string) error {
	old, err := c.sessions.GetSession(sessionID)
	if err != nil {
		return err
	}
	if old.Type != store.SessionTypeTicket || old.Status != store.SessionRunning {
		return fmt.Errorf("%w: %s", ErrNotEligible, sessionID)
	}

	project, err := c.store.GetProject(old.ProjectID)
	if err != nil {
		return err
	}
	if project == nil {
		return fmt.Errorf("project %s not found", old.ProjectID)
	}
	if project.HandoffPath == "" {
		return ErrNoHandoffFile
	}

	var ticket *store.Ticket
	if old.TicketID != "" {
		if ticket, err = c.store.GetTicket(old.TicketID); err != nil {
			return err
		}
	}

	ctx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()

	c.mu.Lock()
	if _, busy := c.inProgress[sessionID]; busy {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrHandoffInProgress, sessionID)
	}
	c.inProgress[sessionID] = cancelRun
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.inProgress, sessionID)
		c.mu.Unlock()
	}()

	c.bus.Publish(events.HandoffStarted{
		FromSessionID: sessionID,
		TicketID:      old.TicketID,
		At:            time.Now().UTC(),
	})

	// Snapshot the handoff file state before asking the agent to export.
	preMtime, preExists := fileMtime(project.HandoffPath)

	// exporting
	c.progress(sessionID, StateExporting, "asking agent to export its context")
	if err := c.sessions.SendInput(sessionID, c.exportCommand()); err != nil {
		return c.fail(sessionID, StateExporting, err, true)
	}
	if err := sleepCtx(ctx, c.cfg.PostExportDelay.Std(), 3*time.Second); err != nil {
		return c.fail(sessionID, StateExporting, err, true)
	}

	// waiting_file
	c.progress(sessionID, StateWaitingFile, "waiting for the handoff file to be written")
	if err := c.waitForFile(ctx, project.HandoffPath, preMtime, preExists); err != nil {
		return c.fail(sessionID, StateWaitingFile, err, true)
	}

	// terminating: past this point the old session is gone on failure.
	c.progress(sessionID, StateTerminating, "stopping the exhausted session")
	if err := c.sessions.StopSession(sessionID, false); err != nil {
		return c.failHard(sessionID, old.TicketID, StateTerminating, err)
	}

	// creating_session
	c.progress(sessionID, StateCreatingSession, "starting the continuation session")
	fresh, err := c.sessions.StartContinuationSession(old.ProjectID, old.TicketID, sessionID)
	if err != nil {
		return c.failHard(sessionID, old.TicketID, StateCreatingSession, err)
	}

	// importing
	c.progress(sessionID, StateImporting, "restoring context in the new session")
	if err := sleepCtx(ctx, c.cfg.ImportDelay.Std(), 5*time.Second); err != nil {
		return c.failHard(sessionID, old.TicketID, StateImporting, err)
	}
	if err := c.sessions.SendInput(fresh.ID, c.importCommand()); err != nil {
		return c.failHard(sessionID, old.TicketID, StateImporting, err)
	}
	if err := sleepCtx(ctx, time.Second, time.Second); err != nil {
		return c.failHard(sessionID, old.TicketID, StateImporting, err)
	}
	if err := c.sessions.SendInput(fresh.ID, ContinuationPrompt(ticket)); err != nil {
		return c.failHard(sessionID, old.TicketID, StateImporting, err)
	}

	// complete
	if err := c.store.CreateHandoffEvent(&store.HandoffEvent{
		FromSessionID:    sessionID,
		ToSessionID:      fresh.ID,
		ContextAtHandoff: old.ContextPercent,
		CreatedAt:        time.Now().UTC(),
	}); err != nil {
		c.logger.Warn("handoff event row failed", "session", sessionID, "error", err)
	}

	c.bus.Publish(events.HandoffCompleted{
		FromSessionID:    sessionID,
		ToSessionID:      fresh.ID,
		ContextAtHandoff: old.ContextPercent,
		At:               time.Now().UTC(),
	})
	c.notifier.NotifyBestEffort(store.NotifyHandoffComplete,
		fmt.Sprintf("Session handed off to %s at %d%% context", fresh.ID, old.ContextPercent),
		fresh.ID, old.TicketID)
	c.logger.Info("handoff complete", "from", sessionID, "to", fresh.ID)
	return nil
}

// waitForFile polls the handoff file until its mtime advances past the
// pre-export snapshot, bounded by the configured timeout.
func (c *Controller) waitForFile(ctx context.Context, path string, preMtime time.Time, preExists bool) error {
	poll := c.cfg.FilePollEvery.Std()
	if poll <= 0 {
		poll = time.Second
	}
	timeout := c.cfg.FileWaitTimeout.Std()
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	deadline := time.Now().Add(timeout)

	for {
		mtime, exists := fileMtime(path)
		if exists && (!preExists || mtime.After(preMtime)) {
			return nil
		}
		if time.Now().After(deadline) {
			return ErrFileTimeout
		}
		select {
		case <-ctx.Done():
			return ErrCancelled
		case <-time.After(poll):
		}
	}
}

// fail handles errors in the roll-back-safe region: the old session survives.
func (c *Controller) fail(sessionID, state string, err error, preserved bool) error {
	c.bus.Publish(events.HandoffFailed{
		FromSessionID:    sessionID,
		State:            state,
		Error:            err.Error(),
		SessionPreserved: preserved,
		At:               time.Now().UTC(),
	})
	c.logger.Warn("handoff failed", "session", sessionID, "state", state,
		"preserved", preserved, "error", err)
	return fmt.Errorf("handoff %s: %w", state, err)
}

// failHard handles errors after the point of no return and surfaces an
// error notification.
func (c *Controller) failHard(sessionID, ticketID, state string, err error) error {
	c.notifier.NotifyBestEffort(store.NotifyError,
		fmt.Sprintf("Handoff failed during %s; the original session was terminated: %v", state, err),
		sessionID, ticketID)
	return c.fail(sessionID, state, err, false)
}

func (c *Controller) progress(sessionID, state, message string) {
	c.bus.Publish(events.HandoffProgress{
		FromSessionID: sessionID,
		State:         state,
		Message:       message,
		At:            time.Now().UTC(),
	})
}

func (c *Controller) exportCommand() string {
	if c.cfg.ExportCommand != "" {
		return c.cfg.ExportCommand
	}
	return "/export"
}

func (c *Controller) importCommand() string {
	if c.cfg.ImportCommand != "" {
		return c.cfg.ImportCommand
	}
	return "/import"
}

// ContinuationPrompt is the message sent to the continuation session after
// the import. Deterministic in the ticket identity.
func ContinuationPrompt(t *store.Ticket) string {
	label := ""
	if t != nil {
		label = t.ExternalID
		if label == "" {
			label = t.ID
		}
	}
	if label == "" {
		return "Your context was migrated from a previous session. Review the imported handoff notes and continue where the previous session left off."
	}
	return fmt.Sprintf("Your context was migrated from a previous session working on ticket %s. Review the imported handoff notes and continue that work where the previous session left off.", label)
}

func fileMtime(path string) (time.Time, bool) {
	info, err := os.Stat(path)
	if err != nil {
		return time.Time{}, false
	}
	return info.ModTime(), true
}

// sleepCtx waits d (or fallback when d is zero) unless the context aborts.
func sleepCtx(ctx context.Context, d, fallback time.Duration) error {
	if d <= 0 {
		d = fallback
	}
	select {
	case <-ctx.Done():
		return ErrCancelled
	case <-time.After(d):
		return nil
	}
}
