package tmux

import (
	"errors"
	"strings"
	"testing"
)

func TestBinaryLookup(t *testing.T) {
	c := &Client{Binary: "/definitely/not/tmux"}
	bin, err := c.binary()
	if err != nil {
		t.Fatalf("explicit binary path should not be validated at lookup: %v", err)
	}
	if bin != "/definitely/not/tmux" {
		t.Errorf("binary() = %q", bin)
	}
}

func TestRunMissingBinary(t *testing.T) {
	t.Setenv("PATH", t.TempDir())
	c := &Client{}
	_, err := c.Run("list-sessions")
	if !errors.Is(err, ErrMuxUnavailable) {
		t.Errorf("Run with missing binary = %v, want ErrMuxUnavailable", err)
	}
}

func TestIsPaneMissing(t *testing.T) {
	tests := []struct {
		stderr string
		want   bool
	}{
		{"can't find pane: %42", true},
		{"can't find window: @3", true},
		{"no such pane", true},
		{"lost server", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := isPaneMissing(tt.stderr); got != tt.want {
			t.Errorf("isPaneMissing(%q) = %v, want %v", tt.stderr, got, tt.want)
		}
	}
}

func TestSubprocessEnv(t *testing.T) {
	t.Setenv("TMUX", "/tmp/tmux-1000/default,123,0")
	t.Setenv("TERM", "screen")

	env := subprocessEnv()
	var sawTerm bool
	for _, kv := range env {
		if strings.HasPrefix(kv, "TMUX=") {
			t.Errorf("TMUX leaked into subprocess env: %s", kv)
		}
		if kv == "TERM=xterm-256color" {
			sawTerm = true
		} else if strings.HasPrefix(kv, "TERM=") {
			t.Errorf("unexpected TERM value: %s", kv)
		}
	}
	if !sawTerm {
		t.Error("TERM=xterm-256color not set")
	}
}

func TestIsPaneAliveRejectsPlaceholderIDs(t *testing.T) {
	c := &Client{Binary: "/definitely/not/tmux"}
	if c.IsPaneAlive("external-pane") {
		t.Error("pane id without %% prefix must never be reported alive")
	}
}

func TestCommandErrorUnwrap(t *testing.T) {
	inner := errors.New("exit status 1")
	err := &CommandError{Args: []string{"kill-pane"}, Stderr: "boom", Err: inner}
	if !errors.Is(err, inner) {
		t.Error("CommandError should unwrap to the exec error")
	}
	if !strings.Contains(err.Error(), "boom") {
		t.Errorf("Error() should carry stderr: %s", err.Error())
	}
}
