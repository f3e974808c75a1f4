// Package config loads the STM configuration from a TOML file with
// environment-variable overrides applied afterwards.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the root configuration.
type Config struct {
	Server     ServerConfig     `toml:"server"`
	Database   DatabaseConfig   `toml:"database"`
	Supervisor SupervisorConfig `toml:"supervisor"`
	Monitor    MonitorConfig    `toml:"monitor"`
	Waiting    WaitingConfig    `toml:"waiting"`
	Reviewer   ReviewerConfig   `toml:"reviewer"`
	Handoff    HandoffConfig    `toml:"handoff"`
	Hub        HubConfig        `toml:"hub"`
	Ttyd       TtydConfig       `toml:"ttyd"`
}

// ServerConfig configures the HTTP/WebSocket listener.
type ServerConfig struct {
	Host   string `toml:"host"`
	Port   int    `toml:"port"`
	APIKey string `toml:"api_key"` // optional shared secret; API_KEY env overrides
}

// DatabaseConfig configures the SQLite store.
type DatabaseConfig struct {
	Path string `toml:"path"` // STM_DB_PATH overrides
}

// SupervisorConfig configures session lifecycle management.
type SupervisorConfig struct {
	AgentCommand      string   `toml:"agent_command"`       // default "claude"
	LivenessInterval  Duration `toml:"liveness_interval"`   // default 2s
	CaptureInterval   Duration `toml:"capture_interval"`    // default 1s
	CaptureLines      int      `toml:"capture_lines"`       // default 100
	StopGracePeriod   Duration `toml:"stop_grace_period"`   // default 5s
	OutputBufferLines int      `toml:"output_buffer_lines"` // ring buffer capacity, default 10000
}

// MonitorConfig configures the transcript context monitor.
type MonitorConfig struct {
	DebounceWindow   Duration `toml:"debounce_window"`   // default 500ms
	PollInterval     Duration `toml:"poll_interval"`     // fsnotify fallback, default 1s
	ContextWindow    int      `toml:"context_window"`    // token budget, default 200000
	ThresholdPercent int      `toml:"threshold_percent"` // remaining %, default 20; HANDOFF_THRESHOLD_PERCENT overrides
}

// WaitingConfig configures the waiting detector.
type WaitingConfig struct {
	DebounceWindow    Duration `toml:"debounce_window"`      // default 150ms
	IdleThreshold     Duration `toml:"idle_threshold"`       // question-pattern arm window, default 10s
	ClearDelay        Duration `toml:"clear_delay"`          // default 2s
	ImmediatePatterns []string `toml:"immediate_patterns"`   // regexes that mark waiting instantly
	QuestionPatterns  []string `toml:"question_patterns"`    // regexes that arm a deferred check
}

// ReviewerConfig configures the reviewer subagent.
type ReviewerConfig struct {
	CLIPath     string   `toml:"cli_path"` // CLAUDE_CLI_PATH overrides
	Model       string   `toml:"model"`
	Timeout     Duration `toml:"timeout"`      // default 3m
	IdleTimeout Duration `toml:"idle_timeout"` // idle-trigger window, default 90s
	OutputLines int      `toml:"output_lines"` // session tail included in prompt, default 200
	MaxDiffSize int      `toml:"max_diff_size"`
}

// HandoffConfig configures automatic context migration.
type HandoffConfig struct {
	ExportCommand   string   `toml:"export_command"`    // default "/export"
	ImportCommand   string   `toml:"import_command"`    // default "/import"
	PostExportDelay Duration `toml:"post_export_delay"` // default 3s
	ImportDelay     Duration `toml:"import_delay"`      // default 5s
	FilePollEvery   Duration `toml:"file_poll_every"`   // default 1s
	FileWaitTimeout Duration `toml:"file_wait_timeout"` // default 60s
}

// HubConfig configures the realtime fan-out hub.
type HubConfig struct {
	HeartbeatInterval    Duration `toml:"heartbeat_interval"`      // default 30s
	RateLimitWindow      Duration `toml:"rate_limit_window"`       // default 10s
	RateLimitMaxMessages int      `toml:"rate_limit_max_messages"` // default 100
	OutputBufferLines    int      `toml:"output_buffer_lines"`     // replay on subscribe, default 500
}

// TtydConfig configures optional ttyd terminal exposure.
type TtydConfig struct {
	Path     string `toml:"path"` // TTYD_PATH overrides
	BasePort int    `toml:"base_port"`
}

// Duration is a toml-friendly time.Duration ("5s", "500ms").
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler for TOML.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 4410,
		},
		Database: DatabaseConfig{},
		Supervisor: SupervisorConfig{
			AgentCommand:      "claude",
			LivenessInterval:  Duration(2 * time.Second),
			CaptureInterval:   Duration(1 * time.Second),
			CaptureLines:      100,
			StopGracePeriod:   Duration(5 * time.Second),
			OutputBufferLines: 10000,
		},
		Monitor: MonitorConfig{
			DebounceWindow:   Duration(500 * time.Millisecond),
			PollInterval:     Duration(1 * time.Second),
			ContextWindow:    200000,
			ThresholdPercent: 20,
		},
		Waiting: WaitingConfig{
			DebounceWindow: Duration(150 * time.Millisecond),
			IdleThreshold:  Duration(10 * time.Second),
			ClearDelay:     Duration(2 * time.Second),
			ImmediatePatterns: []string{
				`Do you want to proceed\?`,
				`\[y/n\]`,
				`Press Enter to continue`,
				`Permission required`,
			},
			QuestionPatterns: []string{
				`\?\s*$`,
			},
		},
		Reviewer: ReviewerConfig{
			Timeout:     Duration(3 * time.Minute),
			IdleTimeout: Duration(90 * time.Second),
			OutputLines: 200,
			MaxDiffSize: 50000,
		},
		Handoff: HandoffConfig{
			ExportCommand:   "/export",
			ImportCommand:   "/import",
			PostExportDelay: Duration(3 * time.Second),
			ImportDelay:     Duration(5 * time.Second),
			FilePollEvery:   Duration(1 * time.Second),
			FileWaitTimeout: Duration(60 * time.Second),
		},
		Hub: HubConfig{
			HeartbeatInterval:    Duration(30 * time.Second),
			RateLimitWindow:      Duration(10 * time.Second),
			RateLimitMaxMessages: 100,
			OutputBufferLines:    500,
		},
		Ttyd: TtydConfig{
			BasePort: 7681,
		},
	}
}

// ConfigPath returns the configuration file path, honouring STM_CONFIG and
// XDG_CONFIG_HOME.
func ConfigPath() string {
	if env := os.Getenv("STM_CONFIG"); env != "" {
		return env
	}
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "stm", "config.toml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.toml"
	}
	return filepath.Join(home, ".config", "stm", "config.toml")
}

// Load reads the config file at path (ConfigPath() if empty), applies env
// overrides, and validates. A missing file yields defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		path = ConfigPath()
	}

	cfg := Default()
	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("API_KEY"); v != "" {
		c.Server.APIKey = v
	}
	if v := os.Getenv("STM_DB_PATH"); v != "" {
		c.Database.Path = v
	}
	if v := os.Getenv("CLAUDE_CLI_PATH"); v != "" {
		c.Reviewer.CLIPath = v
	}
	if v := os.Getenv("TTYD_PATH"); v != "" {
		c.Ttyd.Path = v
	}
	if v := os.Getenv("HANDOFF_THRESHOLD_PERCENT"); v != "" {
		if pct, err := strconv.Atoi(v); err == nil {
			c.Monitor.ThresholdPercent = pct
		}
	}
}

// Validate rejects configurations the server cannot run with.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Monitor.ThresholdPercent < 1 || c.Monitor.ThresholdPercent > 99 {
		return fmt.Errorf("monitor.threshold_percent %d out of range (1-99)", c.Monitor.ThresholdPercent)
	}
	if c.Monitor.ContextWindow <= 0 {
		return fmt.Errorf("monitor.context_window must be positive")
	}
	if c.Supervisor.OutputBufferLines <= 0 {
		return fmt.Errorf("supervisor.output_buffer_lines must be positive")
	}
	if c.Hub.RateLimitMaxMessages <= 0 {
		return fmt.Errorf("hub.rate_limit_max_messages must be positive")
	}
	return nil
}

// DatabasePath resolves the SQLite file path, defaulting under the user
// config directory.
func (c *Config) DatabasePath() (string, error) {
	if c.Database.Path != "" {
		return c.Database.Path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	return filepath.Join(home, ".config", "stm", "stm.db"), nil
}
