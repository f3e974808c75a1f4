// Package ptybridge gives realtime clients a pseudo-terminal attached to a
// session's pane, so keystrokes and output bypass the 1 Hz capture loop.
package ptybridge

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"sync"

	"github.com/creack/pty"

	"github.com/Dicklesworthstone/stm/internal/session"
	"github.com/Dicklesworthstone/stm/internal/store"
	"github.com/Dicklesworthstone/stm/internal/tmux"
)

var (
	// ErrAlreadyAttached indicates the connection already holds a PTY.
	ErrAlreadyAttached = errors.New("pty already attached")
	// ErrNotAttached indicates the connection has no PTY.
	ErrNotAttached = errors.New("pty not attached")
	// ErrInvalidPane indicates a placeholder pane id or a dead pane.
	ErrInvalidPane = errors.New("invalid pane for pty attach")
	// ErrUnavailable indicates no native PTY or multiplexer binary is usable.
	ErrUnavailable = errors.New("pty unavailable")
	// ErrSessionNotFound mirrors the supervisor's lookup failure.
	ErrSessionNotFound = session.ErrSessionNotFound
)

// Sessions is the supervisor surface the bridge needs.
type Sessions interface {
	GetSession(id string) (*store.Session, error)
}

// Mux is the multiplexer surface the bridge needs.
type Mux interface {
	IsPaneAlive(paneID string) bool
	SelectPane(paneID string) error
}

type attachment struct {
	connID    string
	sessionID string
	paneID    string
	cmd       *exec.Cmd
	ptyFile   *os.File

	// pending and detached are guarded by Bridge.mu: the slot is reserved
	// before the blocking spawn, and a detach arriving mid-spawn flags the
	// reservation instead of racing the child.
	pending  bool
	detached bool

	mu     sync.Mutex
	closed bool
}

// Bridge manages one PTY child per realtime connection.
type Bridge struct {
	sessions Sessions
	store    *store.Store
	mux      Mux
	tmuxBin  string
	logger   *slog.Logger

	// attachCmd builds the child process whose stdio becomes the PTY.
	// Swappable for tests.
	attachCmd func(tmuxSession string) *exec.Cmd

	onData func(connID string, data []byte)
	onExit func(connID string)

	mu    sync.Mutex
	conns map[string]*attachment
}

// New creates a bridge. The tmux binary honours TMUX_PATH.
func New(sessions Sessions, st *store.Store, mux Mux) *Bridge {
	bin := os.Getenv("TMUX_PATH")
	if bin == "" {
		bin = "tmux"
	}
	b := &Bridge{
		sessions: sessions,
		store:    st,
		mux:      mux,
		tmuxBin:  bin,
		logger:   slog.Default().With("component", "ptybridge"),
		conns:    make(map[string]*attachment),
	}
	b.attachCmd = func(tmuxSession string) *exec.Cmd {
		cmd := exec.Command(b.tmuxBin, "attach-session", "-t", tmuxSession)
		env := os.Environ()
		kept := env[:0]
		for _, kv := range env {
			if strings.HasPrefix(kv, "TMUX=") {
				continue
			}
			kept = append(kept, kv)
		}
		cmd.Env = append(kept, "TERM=xterm-256color")
		return cmd
	}
	return b
}

// SetHandlers wires the output and exit callbacks. Must be called before the
// first Attach.
func (b *Bridge) SetHandlers(onData func(connID string, data []byte), onExit func(connID string)) {
	b.onData = onData
	b.onExit = onExit
}

// IsAvailable reports whether a native PTY and the multiplexer binary are
// usable on this host.
func (b *Bridge) IsAvailable() bool {
	if runtime.GOOS == "windows" {
		return false
	}
	_, err := exec.LookPath(b.tmuxBin)
	return err == nil
}

// IsAttached reports whether the connection holds a PTY.
func (b *Bridge) IsAttached(connID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.conns[connID]
	return ok
}

// AttachedSession returns the session id the connection's PTY is bound to.
func (b *Bridge) AttachedSession(connID string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	a, ok := b.conns[connID]
	if !ok || a == nil {
		return "", false
	}
	return a.sessionID, true
}

// Attach spawns a child attaching the connection's PTY to the session's
// pane. Returns the granted terminal size.
func (b *Bridge) Attach(connID, sessionID string, cols, rows uint16) (uint16, uint16, error) {
	if !b.IsAvailable() {
		return 0, 0, ErrUnavailable
	}

	row, err := b.sessions.GetSession(sessionID)
	if err != nil {
		return 0, 0, err
	}
	if !strings.HasPrefix(row.PaneID, tmux.PaneIDPrefix) || !b.mux.IsPaneAlive(row.PaneID) {
		return 0, 0, ErrInvalidPane
	}

	project, err := b.store.GetProject(row.ProjectID)
	if err != nil {
		return 0, 0, err
	}
	if project == nil {
		return 0, 0, fmt.Errorf("project %s not found", row.ProjectID)
	}

	res := &attachment{connID: connID, sessionID: sessionID, pending: true}
	b.mu.Lock()
	if _, exists := b.conns[connID]; exists {
		b.mu.Unlock()
		return 0, 0, ErrAlreadyAttached
	}
	// Reserve the slot before the blocking spawn.
	b.conns[connID] = res
	b.mu.Unlock()

	if cols == 0 {
		cols = 80
	}
	if rows == 0 {
		rows = 24
	}

	if err := b.mux.SelectPane(row.PaneID); err != nil {
		b.release(connID)
		return 0, 0, fmt.Errorf("select pane: %w", err)
	}

	cmd := b.attachCmd(project.TmuxSession)
	f, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: rows, Cols: cols})
	if err != nil {
		b.release(connID)
		return 0, 0, fmt.Errorf("start pty child: %w", err)
	}

	b.mu.Lock()
	if res.detached {
		// The connection dropped while the child was spawning.
		delete(b.conns, connID)
		b.mu.Unlock()
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
		_ = f.Close()
		_ = cmd.Wait()
		return 0, 0, ErrNotAttached
	}
	res.paneID = row.PaneID
	res.cmd = cmd
	res.ptyFile = f
	res.pending = false
	b.mu.Unlock()

	go b.pump(res)
	b.logger.Info("pty attached", "conn", connID, "session", sessionID, "pane", row.PaneID)
	return cols, rows, nil
}

// pump copies PTY output to the data callback until the child exits.
func (b *Bridge) pump(a *attachment) {
	buf := make([]byte, 4096)
	for {
		n, err := a.ptyFile.Read(buf)
		if n > 0 && b.onData != nil {
			data := make([]byte, n)
			copy(data, buf[:n])
			b.onData(a.connID, data)
		}
		if err != nil {
			break
		}
	}
	_ = a.cmd.Wait()

	a.mu.Lock()
	explicit := a.closed
	a.mu.Unlock()

	b.releaseIf(a.connID, a)
	if !explicit && b.onExit != nil {
		b.onExit(a.connID)
	}
}

// Write delivers client bytes to the PTY. Write order per connection follows
// call order.
func (b *Bridge) Write(connID string, data []byte) error {
	a := b.get(connID)
	if a == nil {
		return ErrNotAttached
	}
	if _, err := a.ptyFile.Write(data); err != nil {
		return fmt.Errorf("pty write: %w", err)
	}
	return nil
}

// Resize forwards a terminal size change to the child.
func (b *Bridge) Resize(connID string, cols, rows uint16) error {
	a := b.get(connID)
	if a == nil {
		return ErrNotAttached
	}
	if err := pty.Setsize(a.ptyFile, &pty.Winsize{Rows: rows, Cols: cols}); err != nil {
		return fmt.Errorf("pty resize: %w", err)
	}
	return nil
}

// Detach terminates the child and removes the mapping. No pty:exit is
// delivered for an explicit detach.
func (b *Bridge) Detach(connID string) error {
	b.mu.Lock()
	a := b.conns[connID]
	if a == nil {
		b.mu.Unlock()
		return ErrNotAttached
	}
	if a.pending {
		// Still spawning; Attach kills the child when it completes.
		a.detached = true
		b.mu.Unlock()
		return nil
	}
	b.mu.Unlock()

	a.mu.Lock()
	a.closed = true
	a.mu.Unlock()

	if a.cmd.Process != nil {
		_ = a.cmd.Process.Kill()
	}
	_ = a.ptyFile.Close()
	b.release(connID)
	b.logger.Info("pty detached", "conn", connID, "session", a.sessionID)
	return nil
}

// DetachAll tears down every attachment, used on connection close and
// shutdown.
func (b *Bridge) DetachAll(connID string) {
	if b.IsAttached(connID) {
		_ = b.Detach(connID)
	}
}

// get returns the live attachment for a connection; reservations still
// spawning do not count.
func (b *Bridge) get(connID string) *attachment {
	b.mu.Lock()
	defer b.mu.Unlock()
	a := b.conns[connID]
	if a == nil || a.pending {
		return nil
	}
	return a
}

func (b *Bridge) release(connID string) {
	b.mu.Lock()
	delete(b.conns, connID)
	b.mu.Unlock()
}

// releaseIf removes the mapping only if it still points at a. Prevents a
// late pump exit from evicting a successor attachment.
func (b *Bridge) releaseIf(connID string, a *attachment) {
	b.mu.Lock()
	if b.conns[connID] == a {
		delete(b.conns, connID)
	}
	b.mu.Unlock()
}
