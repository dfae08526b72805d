package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	// ListenAddr is the HTTP/WebSocket bind address.
	ListenAddr string `yaml:"listen_addr"`
	// RegistryPath is the JSON session registry location.
	RegistryPath string `yaml:"registry_path"`
	// HistoryDBPath is the SQLite event history location.
	HistoryDBPath string `yaml:"history_db_path"`

	// AgentCommand is launched inside new tmux sessions.
	AgentCommand string `yaml:"agent_command"`

	// Durations arrive as Go duration strings ("1.5s") and are parsed into
	// the *Duration fields by Finalize.
	PollInterval   string `yaml:"poll_interval"`
	CommandTimeout string `yaml:"command_timeout"`
	SaveDebounce   string `yaml:"save_debounce"`
	WatchDebounce  string `yaml:"watch_debounce"`

	ScrollbackLines  int `yaml:"scrollback_lines"`
	CaptureFailLimit int `yaml:"capture_fail_limit"`

	HistoryRetention  int `yaml:"history_retention"`
	HistoryReplay     int `yaml:"history_replay"`
	ToolOutputPreview int `yaml:"tool_output_preview"`

	PollIntervalDuration   time.Duration `yaml:"-"`
	CommandTimeoutDuration time.Duration `yaml:"-"`
	SaveDebounceDuration   time.Duration `yaml:"-"`
	WatchDebounceDuration  time.Duration `yaml:"-"`

	RetryBackoff []time.Duration `yaml:"-"`
}

func DefaultConfig() Config {
	cfg := Config{
		ListenAddr:        "127.0.0.1:8720",
		RegistryPath:      defaultStatePath("sessions.json"),
		HistoryDBPath:     defaultStatePath("history.db"),
		AgentCommand:      "claude",
		PollInterval:      "1.5s",
		CommandTimeout:    "5s",
		SaveDebounce:      "200ms",
		WatchDebounce:     "500ms",
		ScrollbackLines:   500,
		CaptureFailLimit:  5,
		HistoryRetention:  500,
		HistoryReplay:     100,
		ToolOutputPreview: 400,
		RetryBackoff:      []time.Duration{250 * time.Millisecond, 1 * time.Second},
	}
	if err := cfg.Finalize(); err != nil {
		panic(err)
	}
	return cfg
}

// LoadFile overlays values from a YAML config file onto cfg and re-parses
// durations. A missing file is not an error; a malformed one is.
func LoadFile(path string, cfg Config) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Finalize(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Finalize parses the duration strings into their usable forms.
func (c *Config) Finalize() error {
	var err error
	if c.PollIntervalDuration, err = parseDuration("poll_interval", c.PollInterval); err != nil {
		return err
	}
	if c.CommandTimeoutDuration, err = parseDuration("command_timeout", c.CommandTimeout); err != nil {
		return err
	}
	if c.SaveDebounceDuration, err = parseDuration("save_debounce", c.SaveDebounce); err != nil {
		return err
	}
	if c.WatchDebounceDuration, err = parseDuration("watch_debounce", c.WatchDebounce); err != nil {
		return err
	}
	return nil
}

func parseDuration(key, value string) (time.Duration, error) {
	if value == "" {
		return 0, fmt.Errorf("config %s: empty duration", key)
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("config %s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("config %s: must be positive, got %s", key, value)
	}
	return d, nil
}

func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "agentview.yaml"
	}
	return filepath.Join(home, ".config", "agentview", "config.yaml")
}

func defaultStatePath(name string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return name
	}
	return filepath.Join(home, ".local", "state", "agentview", name)
}
