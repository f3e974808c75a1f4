package contextmon

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/Dicklesworthstone/stm/internal/config"
	"github.com/Dicklesworthstone/stm/internal/events"
	"github.com/Dicklesworthstone/stm/internal/store"
)

var (
	// ErrAlreadyMonitored indicates a duplicate startMonitoring call.
	ErrAlreadyMonitored = errors.New("session already monitored")
	// ErrNoTranscript indicates no transcript path could be resolved.
	ErrNoTranscript = errors.New("no transcript found")
)

// StartOptions selects the transcript for a session. TranscriptPath wins;
// otherwise the newest *.jsonl under the project's agent directory is used.
type StartOptions struct {
	SessionID      string
	TranscriptPath string
	ProjectID      string
}

// Monitor watches agent transcripts and publishes context and state events.
type Monitor struct {
	store  *store.Store
	bus    *events.Bus
	cfg    config.MonitorConfig
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]*monitored
}

type monitored struct {
	sessionID string
	path      string

	mu             sync.Mutex
	pos            int64
	percent        int
	tokens         int
	state          string
	thresholdFired bool
	debounce       *time.Timer

	cancel context.CancelFunc
	done   chan struct{}
}

// NewMonitor creates a transcript monitor.
func NewMonitor(st *store.Store, bus *events.Bus, cfg config.MonitorConfig) *Monitor {
	return &Monitor{
		store:    st,
		bus:      bus,
		cfg:      cfg,
		logger:   slog.Default().With("component", "contextmon"),
		sessions: make(map[string]*monitored),
	}
}

// StartMonitoring begins watching a session's transcript. Existing content is
// replayed silently to establish the baseline; only subsequent appends
// publish events.
func (m *Monitor) StartMonitoring(opts StartOptions) error {
	path := opts.TranscriptPath
	if path == "" {
		resolved, err := m.resolveTranscript(opts.ProjectID)
		if err != nil {
			return err
		}
		path = resolved
	}

	m.mu.Lock()
	if _, exists := m.sessions[opts.SessionID]; exists {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyMonitored, opts.SessionID)
	}

	ctx, cancel := context.WithCancel(context.Background())
	ms := &monitored{
		sessionID: opts.SessionID,
		path:      path,
		state:     StateUnknown,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	m.sessions[opts.SessionID] = ms
	m.mu.Unlock()

	m.replayExisting(ms)

	go m.watch(ctx, ms)
	m.logger.Info("monitoring transcript", "session", opts.SessionID, "path", path)
	return nil
}

// StopMonitoring cancels the watcher and removes the session entry.
func (m *Monitor) StopMonitoring(sessionID string) {
	m.mu.Lock()
	ms, ok := m.sessions[sessionID]
	if ok {
		delete(m.sessions, sessionID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	ms.cancel()
	<-ms.done
	ms.mu.Lock()
	if ms.debounce != nil {
		ms.debounce.Stop()
	}
	ms.mu.Unlock()
}

// IsMonitored reports whether a session has an active transcript watcher.
func (m *Monitor) IsMonitored(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sessions[sessionID]
	return ok
}

// MonitoredSessions returns the ids of all watched sessions.
func (m *Monitor) MonitoredSessions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	return ids
}

// Shutdown stops all watchers.
func (m *Monitor) Shutdown() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		m.StopMonitoring(id)
	}
}

// resolveTranscript picks the newest *.jsonl under the project's agent
// directory.
func (m *Monitor) resolveTranscript(projectID string) (string, error) {
	if projectID == "" {
		return "", ErrNoTranscript
	}
	project, err := m.store.GetProject(projectID)
	if err != nil {
		return "", err
	}
	if project == nil || project.ClaudeDir == "" {
		return "", ErrNoTranscript
	}

	matches, err := filepath.Glob(filepath.Join(project.ClaudeDir, "*.jsonl"))
	if err != nil || len(matches) == 0 {
		return "", ErrNoTranscript
	}

	var newest string
	var newestMod time.Time
	for _, p := range matches {
		info, err := os.Stat(p)
		if err != nil {
			continue
		}
		if newest == "" || info.ModTime().After(newestMod) {
			newest, newestMod = p, info.ModTime()
		}
	}
	if newest == "" {
		return "", ErrNoTranscript
	}
	return newest, nil
}

// replayExisting reads the whole file to set the baseline usage and state
// without publishing, then leaves the position at EOF.
func (m *Monitor) replayExisting(ms *monitored) {
	f, err := os.Open(ms.path)
	if err != nil {
		return
	}
	defer f.Close()

	usage, state, pos := scanEntries(f)
	ms.mu.Lock()
	ms.pos = pos
	if usage != nil {
		ms.tokens = usage.Total()
		ms.percent = contextPercent(ms.tokens, m.cfg.ContextWindow)
	}
	if state != StateUnknown {
		ms.state = state
	}
	ms.mu.Unlock()
}

// watch follows the transcript using kernel notification with a polling
// fallback. Both paths funnel through the per-session debounce.
func (m *Monitor) watch(ctx context.Context, ms *monitored) {
	defer close(ms.done)

	poll := m.cfg.PollInterval.Std()
	if poll <= 0 {
		poll = time.Second
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	var fsEvents chan fsnotify.Event
	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		defer watcher.Close()
		// Watch the directory: editors and agents often replace files.
		if err := watcher.Add(filepath.Dir(ms.path)); err == nil {
			fsEvents = make(chan fsnotify.Event, 16)
			go func() {
				for {
					select {
					case <-ctx.Done():
						return
					case ev, ok := <-watcher.Events:
						if !ok {
							return
						}
						if ev.Name == ms.path && ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
							select {
							case fsEvents <- ev:
							default:
							}
						}
					case <-watcher.Errors:
					}
				}
			}()
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-fsEvents:
			m.scheduleRead(ms)
		case <-ticker.C:
			m.scheduleRead(ms)
		}
	}
}

// scheduleRead arms or extends the debounce so rapid appends coalesce into a
// single incremental read.
func (m *Monitor) scheduleRead(ms *monitored) {
	window := m.cfg.DebounceWindow.Std()
	if window <= 0 {
		window = 500 * time.Millisecond
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ms.debounce == nil {
		ms.debounce = time.AfterFunc(window, func() { m.processFile(ms) })
		return
	}
	ms.debounce.Reset(window)
}

// processFile performs one incremental read from the recorded position and
// applies any usage or state change.
func (m *Monitor) processFile(ms *monitored) {
	f, err := os.Open(ms.path)
	if err != nil {
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return
	}

	ms.mu.Lock()
	pos := ms.pos
	ms.mu.Unlock()
	if info.Size() < pos {
		// Truncated or replaced: start over.
		pos = 0
	}
	if info.Size() == pos {
		return
	}
	if _, err := f.Seek(pos, io.SeekStart); err != nil {
		return
	}

	usage, state, read := scanEntries(f)

	ms.mu.Lock()
	ms.pos = pos + read
	ms.mu.Unlock()

	now := time.Now().UTC()
	if usage != nil {
		m.applyUsage(ms, usage, now)
	}
	if state != StateUnknown {
		m.applyState(ms, state, now)
	}
}

func (m *Monitor) applyUsage(ms *monitored, usage *Usage, now time.Time) {
	total := usage.Total()
	pct := contextPercent(total, m.cfg.ContextWindow)

	ms.mu.Lock()
	prev := ms.percent
	if pct == prev {
		ms.tokens = total
		ms.mu.Unlock()
		return
	}
	ms.percent = pct
	ms.tokens = total
	if pct < prev {
		// Percent dropped: a fresh inner session. Re-arm the threshold.
		ms.thresholdFired = false
	}
	fireThreshold := false
	if pct >= 100-m.cfg.ThresholdPercent && !ms.thresholdFired {
		ms.thresholdFired = true
		fireThreshold = true
	}
	ms.mu.Unlock()

	m.bus.Publish(events.ContextUpdate{
		SessionID:      ms.sessionID,
		ContextPercent: pct,
		TotalTokens:    total,
		At:             now,
	})
	if err := m.store.UpdateSessionContext(ms.sessionID, pct); err != nil {
		m.logger.Warn("persist context percent failed", "session", ms.sessionID, "error", err)
	}

	if fireThreshold {
		m.bus.Publish(events.ContextThreshold{
			SessionID:      ms.sessionID,
			ContextPercent: pct,
			Threshold:      m.cfg.ThresholdPercent,
			At:             now,
		})
	}
}

func (m *Monitor) applyState(ms *monitored, state string, now time.Time) {
	ms.mu.Lock()
	prev := ms.state
	if state == prev {
		ms.mu.Unlock()
		return
	}
	ms.state = state
	ms.mu.Unlock()

	m.bus.Publish(events.ClaudeStateChange{
		SessionID:     ms.sessionID,
		PreviousState: prev,
		NewState:      state,
		At:            now,
	})
}

// scanEntries reads JSONL records from r, returning the last usage block, the
// last non-unknown state, and the byte count consumed. A partial trailing
// line (no newline yet) is left unconsumed so the next read re-attempts it.
func scanEntries(r io.Reader) (*Usage, string, int64) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, StateUnknown, 0
	}
	end := bytes.LastIndexByte(data, '\n') + 1
	if end == 0 {
		return nil, StateUnknown, 0
	}

	var lastUsage *Usage
	state := StateUnknown
	for _, line := range bytes.Split(data[:end], []byte("\n")) {
		entry, ok := parseEntry(bytes.TrimSpace(line))
		if !ok {
			continue
		}
		if u := entry.usage(); u != nil {
			lastUsage = u
		}
		if s := detectState(entry); s != StateUnknown {
			state = s
		}
	}
	return lastUsage, state, int64(end)
}
