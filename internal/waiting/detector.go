// Package waiting consolidates hook deliveries, transcript state changes,
// and output pattern matches into a single authoritative per-session
// "waiting for input" boolean.
package waiting

import (
	"context"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/Dicklesworthstone/stm/internal/config"
	"github.com/Dicklesworthstone/stm/internal/contextmon"
	"github.com/Dicklesworthstone/stm/internal/events"
	"github.com/Dicklesworthstone/stm/internal/store"
)

// Waiting reasons.
const (
	ReasonStopped          = "stopped"
	ReasonPermissionPrompt = "permission_prompt"
	ReasonIdlePrompt       = "idle_prompt"
	ReasonQuestion         = "question"
	ReasonContextExhausted = "context_exhausted"
	ReasonUnknown          = "unknown"
)

// Detection sources credited on the emitted event.
const (
	SourceHook    = "hook"
	SourceJSONL   = "jsonl"
	SourcePattern = "output_pattern"
)

type signal struct {
	waiting bool
	reason  string
	source  string
}

type watched struct {
	sessionID string

	mu          sync.Mutex
	lastWaiting bool
	lastReason  string
	pending     *signal
	debounce    *time.Timer
	idleTimer   *time.Timer
	clearTimer  *time.Timer
	gone        bool
}

// Detector owns the per-session waiting state.
type Detector struct {
	store  *store.Store
	bus    *events.Bus
	cfg    config.WaitingConfig
	logger *slog.Logger

	immediate []*regexp.Regexp
	question  []*regexp.Regexp

	mu       sync.Mutex
	sessions map[string]*watched

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDetector compiles the configured pattern sets and returns a detector.
// Invalid patterns are skipped with a warning.
func NewDetector(st *store.Store, bus *events.Bus, cfg config.WaitingConfig) *Detector {
	d := &Detector{
		store:    st,
		bus:      bus,
		cfg:      cfg,
		logger:   slog.Default().With("component", "waiting"),
		sessions: make(map[string]*watched),
	}
	d.immediate = compilePatterns(cfg.ImmediatePatterns, d.logger)
	d.question = compilePatterns(cfg.QuestionPatterns, d.logger)
	return d
}

func compilePatterns(patterns []string, logger *slog.Logger) []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			logger.Warn("invalid waiting pattern", "pattern", p, "error", err)
			continue
		}
		out = append(out, re)
	}
	return out
}

// Start subscribes to session output and transcript state changes.
func (d *Detector) Start(ctx context.Context) {
	ctx, d.cancel = context.WithCancel(ctx)

	outputSub := d.bus.Subscribe(events.TopicSessionOutput)
	stateSub := d.bus.Subscribe(events.TopicClaudeStateChange)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer outputSub.Close()
		defer stateSub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-outputSub.C:
				if out, ok := ev.(events.SessionOutput); ok {
					d.handleOutput(out.SessionID, out.Lines)
				}
			case ev := <-stateSub.C:
				if sc, ok := ev.(events.ClaudeStateChange); ok {
					d.handleAgentState(sc.SessionID, sc.NewState)
				}
			}
		}
	}()
}

// Shutdown stops the event loop and drops all session entries.
func (d *Detector) Shutdown() {
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()

	d.mu.Lock()
	ids := make([]string, 0, len(d.sessions))
	for id := range d.sessions {
		ids = append(ids, id)
	}
	d.mu.Unlock()
	for _, id := range ids {
		d.UnwatchSession(id)
	}
}

// WatchSession registers a session for waiting detection.
func (d *Detector) WatchSession(sessionID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.sessions[sessionID]; ok {
		return
	}
	d.sessions[sessionID] = &watched{sessionID: sessionID}
}

// UnwatchSession cancels all timers, drops the pending signal, and removes
// the entry.
func (d *Detector) UnwatchSession(sessionID string) {
	d.mu.Lock()
	w, ok := d.sessions[sessionID]
	if ok {
		delete(d.sessions, sessionID)
	}
	d.mu.Unlock()
	if !ok {
		return
	}

	w.mu.Lock()
	w.gone = true
	w.pending = nil
	stopTimer(w.debounce)
	stopTimer(w.idleTimer)
	stopTimer(w.clearTimer)
	w.mu.Unlock()
}

// IsWaiting reports the last emitted waiting value for a session.
func (d *Detector) IsWaiting(sessionID string) (waiting bool, reason string) {
	d.mu.Lock()
	w, ok := d.sessions[sessionID]
	d.mu.Unlock()
	if !ok {
		return false, ""
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastWaiting, w.lastReason
}

// WatchedSessions returns the ids of all registered sessions.
func (d *Detector) WatchedSessions() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	ids := make([]string, 0, len(d.sessions))
	for id := range d.sessions {
		ids = append(ids, id)
	}
	return ids
}

func (d *Detector) entry(sessionID string) *watched {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sessions[sessionID]
}

// handleAgentState maps transcript-derived agent states to waiting signals.
func (d *Detector) handleAgentState(sessionID, state string) {
	switch state {
	case contextmon.StateWaitingApproval:
		d.setSignal(sessionID, true, ReasonPermissionPrompt, SourceJSONL)
	case contextmon.StateContextExhausted:
		d.setSignal(sessionID, true, ReasonContextExhausted, SourceJSONL)
	case contextmon.StateCompleted:
		d.setSignal(sessionID, false, ReasonStopped, SourceJSONL)
	case contextmon.StateActive:
		d.setSignal(sessionID, false, ReasonUnknown, SourceJSONL)
	}
}

// handleOutput applies the pattern channel to freshly captured output.
func (d *Detector) handleOutput(sessionID string, lines []string) {
	w := d.entry(sessionID)
	if w == nil {
		return
	}
	text := strings.Join(lines, "\n")

	// New output invalidates any armed question check.
	w.mu.Lock()
	stopTimer(w.idleTimer)
	w.idleTimer = nil
	lastWaiting := w.lastWaiting
	w.mu.Unlock()

	for _, re := range d.immediate {
		if re.MatchString(text) {
			d.setSignal(sessionID, true, ReasonPermissionPrompt, SourcePattern)
			return
		}
	}

	for _, re := range d.question {
		if re.MatchString(text) {
			idle := d.cfg.IdleThreshold.Std()
			if idle <= 0 {
				idle = 10 * time.Second
			}
			w.mu.Lock()
			if !w.gone {
				w.idleTimer = time.AfterFunc(idle, func() {
					d.setSignal(sessionID, true, ReasonQuestion, SourcePattern)
				})
			}
			w.mu.Unlock()
			return
		}
	}

	// Plain activity while waiting schedules a clear.
	if lastWaiting {
		delay := d.cfg.ClearDelay.Std()
		if delay <= 0 {
			delay = 2 * time.Second
		}
		w.mu.Lock()
		stopTimer(w.clearTimer)
		if !w.gone {
			w.clearTimer = time.AfterFunc(delay, func() {
				d.setSignal(sessionID, false, ReasonUnknown, SourcePattern)
			})
		}
		w.mu.Unlock()
	}
}

// setSignal records the pending signal and arms the debounce. Later signals
// overwrite earlier pending ones; there is no priority between layers.
func (d *Detector) setSignal(sessionID string, waiting bool, reason, source string) {
	w := d.entry(sessionID)
	if w == nil {
		return
	}

	window := d.cfg.DebounceWindow.Std()
	if window <= 0 {
		window = 150 * time.Millisecond
	}

	w.mu.Lock()
	if w.gone {
		w.mu.Unlock()
		return
	}
	w.pending = &signal{waiting: waiting, reason: reason, source: source}
	if waiting {
		stopTimer(w.clearTimer)
		w.clearTimer = nil
	}
	if w.debounce == nil {
		w.debounce = time.AfterFunc(window, func() { d.flush(w) })
	} else {
		w.debounce.Reset(window)
	}
	w.mu.Unlock()
}

// flush emits the pending signal if the waiting value actually changed.
func (d *Detector) flush(w *watched) {
	w.mu.Lock()
	sig := w.pending
	w.pending = nil
	w.debounce = nil
	if sig == nil || w.gone || sig.waiting == w.lastWaiting {
		w.mu.Unlock()
		return
	}
	w.lastWaiting = sig.waiting
	w.lastReason = sig.reason
	w.mu.Unlock()

	d.bus.Publish(events.WaitingStateChange{
		SessionID: w.sessionID,
		Waiting:   sig.waiting,
		Reason:    sig.reason,
		Source:    sig.source,
		At:        time.Now().UTC(),
	})
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}
