package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 4410 {
		t.Errorf("default port = %d, want 4410", cfg.Server.Port)
	}
	if cfg.Monitor.ThresholdPercent != 20 {
		t.Errorf("default threshold = %d, want 20", cfg.Monitor.ThresholdPercent)
	}
	if cfg.Supervisor.StopGracePeriod.Std() != 5*time.Second {
		t.Errorf("default grace period = %v", cfg.Supervisor.StopGracePeriod.Std())
	}
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
[server]
host = "0.0.0.0"
port = 9000

[supervisor]
capture_interval = "250ms"
capture_lines = 50

[waiting]
immediate_patterns = ["custom pattern"]
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 9000 {
		t.Errorf("port = %d, want 9000", cfg.Server.Port)
	}
	if cfg.Supervisor.CaptureInterval.Std() != 250*time.Millisecond {
		t.Errorf("capture_interval = %v, want 250ms", cfg.Supervisor.CaptureInterval.Std())
	}
	if len(cfg.Waiting.ImmediatePatterns) != 1 || cfg.Waiting.ImmediatePatterns[0] != "custom pattern" {
		t.Errorf("immediate_patterns = %v", cfg.Waiting.ImmediatePatterns)
	}
	// Untouched sections keep defaults.
	if cfg.Handoff.ExportCommand != "/export" {
		t.Errorf("export_command = %q", cfg.Handoff.ExportCommand)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("API_KEY", "sekrit")
	t.Setenv("HANDOFF_THRESHOLD_PERCENT", "35")
	t.Setenv("CLAUDE_CLI_PATH", "/opt/claude")

	cfg, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.APIKey != "sekrit" {
		t.Errorf("APIKey = %q", cfg.Server.APIKey)
	}
	if cfg.Monitor.ThresholdPercent != 35 {
		t.Errorf("ThresholdPercent = %d, want 35", cfg.Monitor.ThresholdPercent)
	}
	if cfg.Reviewer.CLIPath != "/opt/claude" {
		t.Errorf("CLIPath = %q", cfg.Reviewer.CLIPath)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults valid", func(c *Config) {}, false},
		{"bad port", func(c *Config) { c.Server.Port = 0 }, true},
		{"threshold too high", func(c *Config) { c.Monitor.ThresholdPercent = 100 }, true},
		{"zero context window", func(c *Config) { c.Monitor.ContextWindow = 0 }, true},
		{"zero ring buffer", func(c *Config) { c.Supervisor.OutputBufferLines = 0 }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			if err := cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestConfigPathEnv(t *testing.T) {
	t.Setenv("STM_CONFIG", "/tmp/custom.toml")
	if got := ConfigPath(); got != "/tmp/custom.toml" {
		t.Errorf("ConfigPath() = %q", got)
	}
}
