// Package ttyd exposes tmux panes as browser terminals by spawning one ttyd
// process per session. ttyd is optional; when the binary is absent every
// start returns ErrUnavailable and the rest of the server is unaffected.
package ttyd

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os/exec"
	"sync"
	"time"

	"github.com/Dicklesworthstone/stm/internal/config"
)

var (
	ErrUnavailable    = errors.New("ttyd binary not found")
	ErrAlreadyRunning = errors.New("terminal already running for session")
	ErrNotRunning     = errors.New("no terminal running for session")
	ErrNoFreePort     = errors.New("no free port for terminal")
	ErrNotReady       = errors.New("terminal did not become ready")
)

const (
	portScanLimit  = 100
	readyTimeout   = 5 * time.Second
	readyPollEvery = 100 * time.Millisecond
)

type terminal struct {
	sessionID string
	port      int
	cmd       *exec.Cmd
}

// Manager tracks one ttyd process per session.
type Manager struct {
	cfg     config.TtydConfig
	tmuxBin string
	logger  *slog.Logger

	// spawn and probe are swapped out by tests.
	spawn func(port int, script string) *exec.Cmd
	probe func(port int) bool

	mu    sync.Mutex
	terms map[string]*terminal
}

// NewManager creates a manager. tmuxBin is the tmux executable embedded in
// the attach script; empty means "tmux" on PATH.
func NewManager(cfg config.TtydConfig, tmuxBin string) *Manager {
	if tmuxBin == "" {
		tmuxBin = "tmux"
	}
	m := &Manager{
		cfg:     cfg,
		tmuxBin: tmuxBin,
		logger:  slog.Default().With("component", "ttyd"),
		terms:   make(map[string]*terminal),
	}
	m.spawn = m.defaultSpawn
	m.probe = defaultProbe
	return m
}

func (m *Manager) binary() (string, error) {
	if m.cfg.Path != "" {
		return m.cfg.Path, nil
	}
	path, err := exec.LookPath("ttyd")
	if err != nil {
		return "", ErrUnavailable
	}
	return path, nil
}

// IsAvailable reports whether the ttyd binary can be found.
func (m *Manager) IsAvailable() bool {
	_, err := m.binary()
	return err == nil
}

// Port returns the port of the running terminal for the session.
func (m *Manager) Port(sessionID string) (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.terms[sessionID]
	if !ok {
		return 0, false
	}
	return t.port, true
}

// StartTerminal launches a ttyd process attached to the session's pane and
// returns the port it listens on once it answers HTTP.
func (m *Manager) StartTerminal(sessionID, tmuxSession, paneID string) (int, error) {
	if _, err := m.binary(); err != nil {
		return 0, err
	}

	m.mu.Lock()
	if _, ok := m.terms[sessionID]; ok {
		m.mu.Unlock()
		return 0, ErrAlreadyRunning
	}
	port, err := m.freePortLocked()
	if err != nil {
		m.mu.Unlock()
		return 0, err
	}
	// Reserve the slot so a concurrent start picks a different port.
	m.terms[sessionID] = &terminal{sessionID: sessionID, port: port}
	m.mu.Unlock()

	script := fmt.Sprintf("%s select-pane -t %q; %s attach-session -t %q",
		m.tmuxBin, paneID, m.tmuxBin, tmuxSession)
	cmd := m.spawn(port, script)
	if err := cmd.Start(); err != nil {
		m.release(sessionID)
		return 0, fmt.Errorf("start ttyd: %w", err)
	}

	m.mu.Lock()
	if t, ok := m.terms[sessionID]; ok {
		t.cmd = cmd
	}
	m.mu.Unlock()

	go m.reap(sessionID, cmd)

	if err := m.waitReady(port); err != nil {
		m.StopTerminal(sessionID)
		return 0, err
	}
	m.logger.Info("terminal started", "session", sessionID, "port", port)
	return port, nil
}

// StopTerminal kills the ttyd process for the session.
func (m *Manager) StopTerminal(sessionID string) error {
	m.mu.Lock()
	t, ok := m.terms[sessionID]
	delete(m.terms, sessionID)
	m.mu.Unlock()
	if !ok {
		return ErrNotRunning
	}
	if t.cmd != nil && t.cmd.Process != nil {
		_ = t.cmd.Process.Kill()
	}
	m.logger.Info("terminal stopped", "session", sessionID, "port", t.port)
	return nil
}

// StopAll kills every running terminal. Used at shutdown.
func (m *Manager) StopAll() {
	m.mu.Lock()
	terms := make([]*terminal, 0, len(m.terms))
	for _, t := range m.terms {
		terms = append(terms, t)
	}
	m.terms = make(map[string]*terminal)
	m.mu.Unlock()

	for _, t := range terms {
		if t.cmd != nil && t.cmd.Process != nil {
			_ = t.cmd.Process.Kill()
		}
	}
}

// Running returns the session ids with live terminals.
func (m *Manager) Running() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.terms))
	for id := range m.terms {
		ids = append(ids, id)
	}
	return ids
}

func (m *Manager) defaultSpawn(port int, script string) *exec.Cmd {
	bin, _ := m.binary()
	return exec.Command(bin,
		"-W",
		"-p", fmt.Sprintf("%d", port),
		"-t", "disableLeaveAlert=true",
		"-t", "enableSixel=false",
		"/bin/bash", "-c", script,
	)
}

// freePortLocked scans linearly from the base port, skipping ports held by
// other terminals or already bound on the host. Caller holds m.mu.
func (m *Manager) freePortLocked() (int, error) {
	base := m.cfg.BasePort
	if base <= 0 {
		base = 7681
	}
	inUse := make(map[int]bool, len(m.terms))
	for _, t := range m.terms {
		inUse[t.port] = true
	}
	for port := base; port < base+portScanLimit; port++ {
		if inUse[port] {
			continue
		}
		ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
		if err != nil {
			continue
		}
		ln.Close()
		return port, nil
	}
	return 0, ErrNoFreePort
}

func (m *Manager) waitReady(port int) error {
	deadline := time.Now().Add(readyTimeout)
	for time.Now().Before(deadline) {
		if m.probe(port) {
			return nil
		}
		time.Sleep(readyPollEvery)
	}
	return ErrNotReady
}

func defaultProbe(port int) bool {
	client := &http.Client{Timeout: time.Second}
	resp, err := client.Get(fmt.Sprintf("http://127.0.0.1:%d/", port))
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func (m *Manager) release(sessionID string) {
	m.mu.Lock()
	delete(m.terms, sessionID)
	m.mu.Unlock()
}

// reap removes the registry entry when the process exits on its own.
func (m *Manager) reap(sessionID string, cmd *exec.Cmd) {
	err := cmd.Wait()

	m.mu.Lock()
	t, ok := m.terms[sessionID]
	if ok && t.cmd == cmd {
		delete(m.terms, sessionID)
	}
	m.mu.Unlock()

	if ok && err != nil {
		m.logger.Debug("terminal exited", "session", sessionID, "error", err)
	}
}
