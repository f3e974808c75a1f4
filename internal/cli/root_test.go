package cli

import "testing"

func TestSetupLogging(t *testing.T) {
	for _, level := range []string{"debug", "info", "warn", "error"} {
		if err := setupLogging(level); err != nil {
			t.Errorf("setupLogging(%q) = %v", level, err)
		}
	}
	if err := setupLogging("loud"); err == nil {
		t.Error("expected error for unknown log level")
	}
}

func TestCommandsRegistered(t *testing.T) {
	want := map[string]bool{"serve": false, "version": false}
	for _, c := range rootCmd.Commands() {
		if _, ok := want[c.Name()]; ok {
			want[c.Name()] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("command %q not registered", name)
		}
	}
}
