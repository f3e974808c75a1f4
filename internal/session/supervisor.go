// Package session implements the session supervisor: the single owner of the
// in-memory registry of live coding-agent sessions. It starts and stops
// panes, captures their output into per-session ring buffers, polls pane
// liveness, and recovers or reaps sessions at boot.
package session

import (
	"context"
	"hash/fnv"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/Dicklesworthstone/stm/internal/config"
	"github.com/Dicklesworthstone/stm/internal/events"
	"github.com/Dicklesworthstone/stm/internal/ringbuf"
	"github.com/Dicklesworthstone/stm/internal/store"
	"github.com/Dicklesworthstone/stm/internal/tmux"
)

// Mux is the subset of the multiplexer adapter the supervisor drives.
type Mux interface {
	SessionExists(name string) bool
	CreatePane(session string, opts tmux.CreatePaneOptions) (string, error)
	KillPane(paneID string) error
	SendInterrupt(paneID string) error
	SendText(paneID, text string) error
	SendRawKeys(paneID string, keys []byte) error
	CapturePane(paneID string, opts tmux.CaptureOptions) (string, error)
	IsPaneAlive(paneID string) bool
	SetPaneTitle(paneID, title string) error
}

// Watcher receives session registration for waiting detection.
type Watcher interface {
	WatchSession(sessionID string)
	UnwatchSession(sessionID string)
}

// TicketStarter moves a ticket to in_progress when its session starts.
type TicketStarter interface {
	StartWork(ticketID, sessionID string) (*store.Ticket, error)
}

// ActiveSession is a registry entry for a live session. Only the supervisor
// mutates it.
type ActiveSession struct {
	ID        string
	ProjectID string
	TicketID  string
	Type      string
	Status    string
	PaneID    string
	StartedAt time.Time

	Buffer   *ringbuf.Buffer
	lastHash uint32
}

// Supervisor owns the registry of active sessions and their lifecycle.
type Supervisor struct {
	store  *store.Store
	mux    Mux
	bus    *events.Bus
	cfg    config.SupervisorConfig
	logger *slog.Logger

	// Watcher and Tickets are wired after construction (boot order: the
	// waiting detector and ticket machine are built later).
	Watcher Watcher
	Tickets TicketStarter

	mu     sync.RWMutex
	active map[string]*ActiveSession

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSupervisor creates a supervisor.
func NewSupervisor(st *store.Store, mux Mux, bus *events.Bus, cfg config.SupervisorConfig) *Supervisor {
	return &Supervisor{
		store:  st,
		mux:    mux,
		bus:    bus,
		cfg:    cfg,
		logger: slog.Default().With("component", "supervisor"),
		active: make(map[string]*ActiveSession),
	}
}

// Start recovers persisted sessions and launches the liveness and capture
// tickers.
func (s *Supervisor) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)

	if err := s.RecoverSessions(); err != nil {
		s.logger.Warn("session recovery failed", "error", err)
	}

	s.wg.Add(2)
	go s.livenessLoop()
	go s.captureLoop()
	return nil
}

// Shutdown stops the background tickers and waits for them to exit.
// Live panes are left running; they are recovered on next boot.
func (s *Supervisor) Shutdown() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// livenessLoop reaps sessions whose pane has died.
func (s *Supervisor) livenessLoop() {
	defer s.wg.Done()
	interval := s.cfg.LivenessInterval.Std()
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.checkLiveness()
		}
	}
}

func (s *Supervisor) checkLiveness() {
	for _, as := range s.snapshotActive() {
		if as.Status != store.SessionRunning {
			continue
		}
		if s.mux.IsPaneAlive(as.PaneID) {
			continue
		}
		s.reapDeadSession(as)
	}
}

// reapDeadSession transitions a session whose pane died to completed and
// publishes exactly one stateChange followed by one exit event.
func (s *Supervisor) reapDeadSession(as *ActiveSession) {
	s.mu.Lock()
	current, ok := s.active[as.ID]
	if !ok || current.Status != store.SessionRunning {
		s.mu.Unlock()
		return
	}
	current.Status = store.SessionCompleted
	delete(s.active, as.ID)
	s.mu.Unlock()

	now := time.Now().UTC()
	if err := s.store.UpdateSessionStatus(as.ID, store.SessionCompleted, &now); err != nil {
		s.logger.Warn("persist exit failed", "session", as.ID, "error", err)
	}

	s.bus.Publish(events.SessionStateChange{
		SessionID: as.ID,
		Previous:  store.SessionRunning,
		New:       store.SessionCompleted,
		At:        now,
	})
	s.bus.Publish(events.SessionExit{SessionID: as.ID, At: now})

	if s.Watcher != nil {
		s.Watcher.UnwatchSession(as.ID)
	}
	s.logger.Info("session exited (pane died)", "session", as.ID, "pane", as.PaneID)
}

// captureLoop captures recent pane output into ring buffers and publishes
// session:output events for changed content.
func (s *Supervisor) captureLoop() {
	defer s.wg.Done()
	interval := s.cfg.CaptureInterval.Std()
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.captureAll()
			s.promoteExternal()
		}
	}
}

func (s *Supervisor) captureAll() {
	for _, as := range s.snapshotActive() {
		if as.Status != store.SessionRunning {
			continue
		}
		s.captureOne(as)
	}
}

func (s *Supervisor) captureOne(as *ActiveSession) {
	lines := s.cfg.CaptureLines
	if lines <= 0 {
		lines = 100
	}
	out, err := s.mux.CapturePane(as.PaneID, tmux.CaptureOptions{Lines: lines, StripANSI: false})
	if err != nil {
		// Liveness tick owns dead-pane handling.
		return
	}

	hash := contentHash(out)
	s.mu.Lock()
	entry, ok := s.active[as.ID]
	if !ok || entry.lastHash == hash {
		s.mu.Unlock()
		return
	}
	entry.lastHash = hash
	s.mu.Unlock()

	split := strings.Split(out, "\n")
	entry.Buffer.PushAll(split)

	s.bus.Publish(events.SessionOutput{
		SessionID: as.ID,
		Lines:     split,
		At:        time.Now().UTC(),
	})
}

// promoteExternal adopts DB-resident running sessions with a valid pane id
// that are missing from the registry (e.g. created by external hooks).
func (s *Supervisor) promoteExternal() {
	rows, err := s.store.ListSessionsByStatus(store.SessionRunning)
	if err != nil {
		return
	}
	for i := range rows {
		row := &rows[i]
		if !strings.HasPrefix(row.PaneID, tmux.PaneIDPrefix) {
			continue
		}
		s.mu.RLock()
		_, known := s.active[row.ID]
		s.mu.RUnlock()
		if known {
			continue
		}
		if !s.mux.IsPaneAlive(row.PaneID) {
			continue
		}
		s.adopt(row)
		s.logger.Info("promoted external session", "session", row.ID, "pane", row.PaneID)
	}
}

// RecoverSessions rehydrates live sessions and reaps orphans at boot.
func (s *Supervisor) RecoverSessions() error {
	return s.syncPersisted("")
}

// SyncSessions is recovery applied at any time, optionally per project.
func (s *Supervisor) SyncSessions(projectID string) error {
	return s.syncPersisted(projectID)
}

func (s *Supervisor) syncPersisted(projectID string) error {
	rows, err := s.store.ListSessionsByStatus(store.SessionRunning, store.SessionPaused)
	if err != nil {
		return err
	}

	for i := range rows {
		row := &rows[i]
		if projectID != "" && row.ProjectID != projectID {
			continue
		}

		alive := strings.HasPrefix(row.PaneID, tmux.PaneIDPrefix) && s.mux.IsPaneAlive(row.PaneID)
		if alive {
			s.mu.RLock()
			_, known := s.active[row.ID]
			s.mu.RUnlock()
			if !known {
				s.adopt(row)
				s.logger.Info("recovered session", "session", row.ID, "pane", row.PaneID)
			}
			continue
		}

		// Orphan: pane is gone, mark completed.
		now := time.Now().UTC()
		if err := s.store.UpdateSessionStatus(row.ID, store.SessionCompleted, &now); err != nil {
			s.logger.Warn("orphan cleanup failed", "session", row.ID, "error", err)
			continue
		}
		s.mu.Lock()
		delete(s.active, row.ID)
		s.mu.Unlock()
		s.bus.Publish(events.SessionStateChange{
			SessionID: row.ID,
			Previous:  row.Status,
			New:       store.SessionCompleted,
			At:        now,
		})
		s.logger.Info("reaped orphan session", "session", row.ID)
	}
	return nil
}

// adopt places a persisted session into the registry with a fresh buffer.
func (s *Supervisor) adopt(row *store.Session) {
	as := &ActiveSession{
		ID:        row.ID,
		ProjectID: row.ProjectID,
		TicketID:  row.TicketID,
		Type:      row.Type,
		Status:    store.SessionRunning,
		PaneID:    row.PaneID,
		StartedAt: row.StartedAt,
		Buffer:    ringbuf.New(s.cfg.OutputBufferLines),
	}
	s.mu.Lock()
	s.active[row.ID] = as
	s.mu.Unlock()
	if s.Watcher != nil {
		s.Watcher.WatchSession(row.ID)
	}
}

func (s *Supervisor) snapshotActive() []*ActiveSession {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*ActiveSession, 0, len(s.active))
	for _, as := range s.active {
		out = append(out, as)
	}
	return out
}

// GetActive returns the registry entry for a session, if present.
func (s *Supervisor) GetActive(id string) (*ActiveSession, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	as, ok := s.active[id]
	return as, ok
}

// ActiveCount returns the number of registered sessions.
func (s *Supervisor) ActiveCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.active)
}

func contentHash(s string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(s))
	return h.Sum32()
}
