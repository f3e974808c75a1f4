package tmux

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

// PaneInfo describes a live pane.
type PaneInfo struct {
	ID      string
	PID     int
	Session string
	Title   string
}

// CreatePaneOptions configures pane creation.
type CreatePaneOptions struct {
	Cwd     string
	Command string
	// Window targets a specific window; empty means the session's first window.
	Window string
}

// CreatePane splits a new pane in the given session running opts.Command and
// returns the new pane id.
func (c *Client) CreatePane(session string, opts CreatePaneOptions) (string, error) {
	target := session
	if opts.Window != "" {
		target = fmt.Sprintf("%s:%s", session, opts.Window)
	}

	args := []string{"split-window", "-d", "-t", target, "-P", "-F", "#{pane_id}"}
	if opts.Cwd != "" {
		args = append(args, "-c", opts.Cwd)
	}
	if opts.Command != "" {
		args = append(args, opts.Command)
	}

	paneID, err := c.Run(args...)
	if err != nil {
		return "", err
	}

	// Tiled layout keeps many agent panes visible; best-effort.
	_ = c.RunSilent("select-layout", "-t", target, "tiled")

	return paneID, nil
}

// KillPane kills a pane.
func (c *Client) KillPane(paneID string) error {
	return c.RunSilent("kill-pane", "-t", paneID)
}

// SendInterrupt sends Ctrl-C to a pane.
func (c *Client) SendInterrupt(paneID string) error {
	return c.RunSilent("send-keys", "-t", paneID, "C-c")
}

// SendText sends literal text to a pane followed by Enter.
func (c *Client) SendText(paneID, text string) error {
	if err := c.RunSilent("send-keys", "-t", paneID, "-l", "--", text); err != nil {
		return err
	}
	return c.RunSilent("send-keys", "-t", paneID, "C-m")
}

// SendRawKeys sends raw bytes to a pane hex-encoded, without Enter.
func (c *Client) SendRawKeys(paneID string, keys []byte) error {
	if len(keys) == 0 {
		return nil
	}
	args := []string{"send-keys", "-t", paneID, "-H"}
	for _, b := range keys {
		args = append(args, hex.EncodeToString([]byte{b}))
	}
	return c.RunSilent(args...)
}

// CaptureOptions configures CapturePane.
type CaptureOptions struct {
	Lines     int
	StripANSI bool
}

// CapturePane captures the last opts.Lines lines of a pane's scrollback.
func (c *Client) CapturePane(paneID string, opts CaptureOptions) (string, error) {
	lines := opts.Lines
	if lines <= 0 {
		lines = 100
	}
	args := []string{"capture-pane", "-t", paneID, "-p", "-S", fmt.Sprintf("-%d", lines)}
	if !opts.StripANSI {
		args = append(args, "-e")
	}
	return c.Run(args...)
}

// IsPaneAlive reports whether the pane still exists.
func (c *Client) IsPaneAlive(paneID string) bool {
	if !strings.HasPrefix(paneID, PaneIDPrefix) {
		return false
	}
	out, err := c.Run("display-message", "-t", paneID, "-p", "#{pane_id}")
	return err == nil && out == paneID
}

// GetPane returns pane metadata, or ErrPaneNotFound.
func (c *Client) GetPane(paneID string) (*PaneInfo, error) {
	sep := "|#|"
	format := fmt.Sprintf("#{pane_id}%[1]s#{pane_pid}%[1]s#{session_name}%[1]s#{pane_title}", sep)
	out, err := c.Run("display-message", "-t", paneID, "-p", format)
	if err != nil {
		return nil, err
	}

	parts := strings.Split(out, sep)
	if len(parts) < 4 || parts[0] != paneID {
		return nil, ErrPaneNotFound
	}
	pid, _ := strconv.Atoi(parts[1])

	return &PaneInfo{
		ID:      parts[0],
		PID:     pid,
		Session: parts[2],
		Title:   parts[3],
	}, nil
}

// SetPaneTitle sets the title of a pane.
func (c *Client) SetPaneTitle(paneID, title string) error {
	return c.RunSilent("select-pane", "-t", paneID, "-T", title)
}

// GetPaneTitle returns the title of a pane.
func (c *Client) GetPaneTitle(paneID string) (string, error) {
	return c.Run("display-message", "-t", paneID, "-p", "#{pane_title}")
}

// SelectPane makes the pane the active one in its window.
func (c *Client) SelectPane(paneID string) error {
	return c.RunSilent("select-pane", "-t", paneID)
}

// ToggleZoom toggles the zoom state of the pane's window.
func (c *Client) ToggleZoom(paneID string) error {
	return c.RunSilent("resize-pane", "-t", paneID, "-Z")
}

// IsZoomed reports whether the pane's window is zoomed.
func (c *Client) IsZoomed(paneID string) (bool, error) {
	out, err := c.Run("display-message", "-t", paneID, "-p", "#{window_zoomed_flag}")
	if err != nil {
		return false, err
	}
	return out == "1", nil
}

// EnterCopyMode puts the pane into copy mode for scrollback browsing.
func (c *Client) EnterCopyMode(paneID string) error {
	return c.RunSilent("copy-mode", "-t", paneID)
}

// ExitCopyMode leaves copy mode.
func (c *Client) ExitCopyMode(paneID string) error {
	return c.RunSilent("send-keys", "-t", paneID, "-X", "cancel")
}

// ScrollUp scrolls the pane up by n lines while in copy mode.
func (c *Client) ScrollUp(paneID string, n int) error {
	if n <= 0 {
		n = 1
	}
	return c.RunSilent("send-keys", "-t", paneID, "-X", "-N", strconv.Itoa(n), "scroll-up")
}

// ScrollDown scrolls the pane down by n lines while in copy mode.
func (c *Client) ScrollDown(paneID string, n int) error {
	if n <= 0 {
		n = 1
	}
	return c.RunSilent("send-keys", "-t", paneID, "-X", "-N", strconv.Itoa(n), "scroll-down")
}

// IsInCopyMode reports whether the pane is currently in copy mode.
func (c *Client) IsInCopyMode(paneID string) (bool, error) {
	out, err := c.Run("display-message", "-t", paneID, "-p", "#{pane_in_mode}")
	if err != nil {
		return false, err
	}
	return out == "1", nil
}

// SessionExists checks if a tmux session exists.
func (c *Client) SessionExists(name string) bool {
	return c.RunSilent("has-session", "-t", name) == nil
}
