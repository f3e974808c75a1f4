package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Dicklesworthstone/stm/internal/config"
	"github.com/Dicklesworthstone/stm/internal/contextmon"
	"github.com/Dicklesworthstone/stm/internal/events"
	"github.com/Dicklesworthstone/stm/internal/handoff"
	"github.com/Dicklesworthstone/stm/internal/hub"
	"github.com/Dicklesworthstone/stm/internal/notify"
	"github.com/Dicklesworthstone/stm/internal/ptybridge"
	"github.com/Dicklesworthstone/stm/internal/review"
	"github.com/Dicklesworthstone/stm/internal/session"
	"github.com/Dicklesworthstone/stm/internal/store"
	"github.com/Dicklesworthstone/stm/internal/ticket"
	"github.com/Dicklesworthstone/stm/internal/tmux"
	"github.com/Dicklesworthstone/stm/internal/ttyd"
	"github.com/Dicklesworthstone/stm/internal/waiting"
)

// App assembles the orchestration core. Singletons are built in dependency
// order and shut down in reverse.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	store      *store.Store
	bus        *events.Bus
	notify     *notify.Service
	tickets    *ticket.Machine
	supervisor *session.Supervisor
	monitor    *contextmon.Monitor
	detector   *waiting.Detector
	reviewer   *review.Orchestrator
	handoffs   *handoff.Controller
	bridge     *ptybridge.Bridge
	hub        *hub.Hub
	terminals  *ttyd.Manager
	http       *Server

	cancel context.CancelFunc
}

// NewApp wires every component. Nothing runs until Run.
func NewApp(cfg *config.Config) (*App, error) {
	dbPath, err := cfg.DatabasePath()
	if err != nil {
		return nil, err
	}
	st, err := store.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := st.Migrate(); err != nil {
		st.Close()
		return nil, fmt.Errorf("migrate store: %w", err)
	}

	mux := tmux.NewClient()
	bus := events.NewBus(256)
	notifySvc := notify.NewService(st, bus)
	machine := ticket.NewMachine(st, bus)
	supervisor := session.NewSupervisor(st, mux, bus, cfg.Supervisor)
	monitor := contextmon.NewMonitor(st, bus, cfg.Monitor)
	detector := waiting.NewDetector(st, bus, cfg.Waiting)

	// Cross-wiring that cannot happen at construction: the machine forwards
	// rejection feedback into panes, and the supervisor registers sessions
	// with both the waiting detector and the context monitor.
	machine.Sender = supervisor
	supervisor.Tickets = machine
	supervisor.Watcher = &sessionWatcher{
		detector: detector,
		monitor:  monitor,
		store:    st,
		logger:   slog.Default().With("component", "watcher"),
	}

	reviewer := review.NewOrchestrator(st, bus, cfg.Reviewer, supervisor, machine, notifySvc)
	handoffs := handoff.NewController(st, bus, cfg.Handoff, supervisor, notifySvc)
	bridge := ptybridge.New(supervisor, st, mux)
	hubSvc := hub.New(cfg.Hub, cfg.Server.APIKey, supervisor, bridge, mux, bus)
	terminals := ttyd.NewManager(cfg.Ttyd, mux.Binary)

	app := &App{
		cfg:        cfg,
		logger:     slog.Default().With("component", "app"),
		store:      st,
		bus:        bus,
		notify:     notifySvc,
		tickets:    machine,
		supervisor: supervisor,
		monitor:    monitor,
		detector:   detector,
		reviewer:   reviewer,
		handoffs:   handoffs,
		bridge:     bridge,
		hub:        hubSvc,
		terminals:  terminals,
	}
	app.http = New(cfg.Server, Deps{
		Store:     st,
		Sessions:  supervisor,
		Tickets:   machine,
		Reviews:   reviewer,
		Handoffs:  handoffs,
		Hooks:     detector,
		Terminals: terminals,
		Notify:    notifySvc,
		WSHandler: hubSvc.HandleWS,
	})
	return app, nil
}

// Run starts every component and blocks serving HTTP until ctx is cancelled
// or the listener fails.
func (a *App) Run(ctx context.Context) error {
	ctx, a.cancel = context.WithCancel(ctx)

	if err := a.supervisor.Start(ctx); err != nil {
		return fmt.Errorf("start supervisor: %w", err)
	}
	a.detector.Start(ctx)
	a.reviewer.Start(ctx)
	a.handoffs.Start(ctx)
	a.hub.Start(ctx)

	errc := make(chan error, 1)
	go func() { errc <- a.http.ListenAndServe() }()

	select {
	case <-ctx.Done():
		a.Shutdown()
		return nil
	case err := <-errc:
		a.Shutdown()
		return err
	}
}

// Shutdown stops components in reverse boot order.
func (a *App) Shutdown() {
	if a.cancel != nil {
		a.cancel()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.http.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
		a.logger.Warn("http shutdown", "error", err)
	}

	a.terminals.StopAll()
	a.hub.Shutdown()
	a.handoffs.Shutdown()
	a.reviewer.Shutdown()
	a.detector.Shutdown()
	a.monitor.Shutdown()
	a.supervisor.Shutdown()

	if err := a.store.Close(); err != nil {
		a.logger.Warn("store close", "error", err)
	}
	a.logger.Info("shutdown complete", "dropped_events", a.bus.Dropped())
}

// sessionWatcher fans session registration out to the waiting detector and
// the context monitor.
type sessionWatcher struct {
	detector *waiting.Detector
	monitor  *contextmon.Monitor
	store    *store.Store
	logger   *slog.Logger
}

func (w *sessionWatcher) WatchSession(sessionID string) {
	w.detector.WatchSession(sessionID)

	row, err := w.store.GetSession(sessionID)
	if err != nil || row == nil {
		return
	}
	err = w.monitor.StartMonitoring(contextmon.StartOptions{
		SessionID: sessionID,
		ProjectID: row.ProjectID,
	})
	if err != nil && !errors.Is(err, contextmon.ErrAlreadyMonitored) {
		// Not every project exposes a transcript directory.
		w.logger.Debug("context monitoring unavailable", "session", sessionID, "error", err)
	}
}

func (w *sessionWatcher) UnwatchSession(sessionID string) {
	w.detector.UnwatchSession(sessionID)
	w.monitor.StopMonitoring(sessionID)
}
