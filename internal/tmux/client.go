// Package tmux is the narrow adapter between the server and the host
// terminal multiplexer. All operations shell out to the tmux binary; no
// state is kept beyond the binary path.
package tmux

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// PaneIDPrefix is the sentinel prefix tmux uses for pane ids ("%12").
// The supervisor uses it to reject externally supplied placeholder ids.
const PaneIDPrefix = "%"

// ErrMuxUnavailable indicates the tmux binary could not be found.
var ErrMuxUnavailable = errors.New("tmux binary not found")

// ErrPaneNotFound indicates the target pane no longer exists.
var ErrPaneNotFound = errors.New("pane not found")

// CommandError wraps a failed tmux invocation with its stderr.
type CommandError struct {
	Args   []string
	Stderr string
	Err    error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("tmux %s: %v: %s", strings.Join(e.Args, " "), e.Err, e.Stderr)
}

func (e *CommandError) Unwrap() error { return e.Err }

// Client handles tmux operations.
type Client struct {
	// Binary is the tmux executable path. Empty means look up "tmux" on PATH;
	// overridable via TMUX_PATH.
	Binary string
}

// NewClient creates a client, honouring the TMUX_PATH override.
func NewClient() *Client {
	return &Client{Binary: os.Getenv("TMUX_PATH")}
}

// DefaultClient is the default local client.
var DefaultClient = NewClient()

func (c *Client) binary() (string, error) {
	if c.Binary != "" {
		return c.Binary, nil
	}
	path, err := exec.LookPath("tmux")
	if err != nil {
		return "", ErrMuxUnavailable
	}
	return path, nil
}

// IsInstalled checks if tmux is available.
func (c *Client) IsInstalled() bool {
	_, err := c.binary()
	return err == nil
}

// Run executes a tmux command and returns trimmed stdout.
func (c *Client) Run(args ...string) (string, error) {
	bin, err := c.binary()
	if err != nil {
		return "", err
	}

	cmd := exec.Command(bin, args...)
	cmd.Env = subprocessEnv()
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if isPaneMissing(msg) {
			return "", fmt.Errorf("%w: %s", ErrPaneNotFound, msg)
		}
		return "", &CommandError{Args: args, Stderr: msg, Err: err}
	}
	return strings.TrimSpace(stdout.String()), nil
}

// RunSilent executes a tmux command ignoring output.
func (c *Client) RunSilent(args ...string) error {
	_, err := c.Run(args...)
	return err
}

// subprocessEnv returns the environment for tmux invocations: a sane TERM
// and TMUX unset so nested calls do not refuse to run.
func subprocessEnv() []string {
	env := make([]string, 0, len(os.Environ())+1)
	for _, kv := range os.Environ() {
		if strings.HasPrefix(kv, "TMUX=") || strings.HasPrefix(kv, "TERM=") {
			continue
		}
		env = append(env, kv)
	}
	return append(env, "TERM=xterm-256color")
}

func isPaneMissing(stderr string) bool {
	return strings.Contains(stderr, "can't find pane") ||
		strings.Contains(stderr, "no such pane") ||
		strings.Contains(stderr, "can't find window")
}
