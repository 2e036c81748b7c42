// Package config resolves the orchestrator's typed configuration from a YAML
// file overlaid with environment variables, replacing the source's untyped
// pluginConfig bag (Design Notes item: "Configuration as an untyped bag").
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// NotificationTarget is one fan-out destination for the notifier.
type NotificationTarget struct {
	Channel   string `yaml:"channel"` // "slack", "webhook", "log"
	Target    string `yaml:"target"`  // channel ID, webhook URL, or arbitrary label
	AccountID string `yaml:"accountId,omitempty"`
}

// NotificationConfig is the `notifications.*` section of pluginConfig.
type NotificationConfig struct {
	Targets    []NotificationTarget `yaml:"targets"`
	Events     map[string]bool      `yaml:"events"`
	RichFormat bool                 `yaml:"richFormat"`
}

// Enabled reports whether the given notifier kind should fire. Absent
// entries default to enabled — only explicit `false` suppresses an event.
func (n NotificationConfig) Enabled(kind string) bool {
	if n.Events == nil {
		return true
	}
	v, ok := n.Events[kind]
	if !ok {
		return true
	}
	return v
}

// Config is the orchestrator's recognized configuration surface, per spec.md
// §6 "Environment variables ... pluginConfig mapping with the following
// recognized keys". Unknown YAML keys are accepted, not rejected; Load does
// not log them, and UnknownKeys lists them for the caller to log.
type Config struct {
	MaxReworkAttempts     int                `yaml:"maxReworkAttempts"`
	DefaultAgentID        string             `yaml:"defaultAgentId"`
	DedupTTLMs            int64              `yaml:"dedupTtlMs"`
	DedupSweepIntervalMs  int64              `yaml:"dedupSweepIntervalMs"`
	Notifications         NotificationConfig `yaml:"notifications"`
	TeamMappings          map[string]string  `yaml:"teamMappings"`
	Repos                 map[string]string  `yaml:"repos"`
	PromptsPath           string             `yaml:"promptsPath"`
	WebhookURL            string             `yaml:"webhookUrl"`
	CodexBaseRepo         string             `yaml:"codexBaseRepo"`
	InactivitySec         int                `yaml:"inactivitySec"`
	MaxTotalSec           int                `yaml:"maxTotalSec"`
	StateDir              string             `yaml:"stateDir"`
	MemoryDir             string             `yaml:"memoryDir"`
	ListenAddr            string             `yaml:"listenAddr"`
	LogLevel              string             `yaml:"logLevel"`
	TrackerAccessToken     string             `yaml:"-"` // env only, never persisted to disk
	TrackerBaseURL         string             `yaml:"trackerBaseUrl"`
	WorkspaceRoot          string             `yaml:"workspaceRoot"`
	GitHubToken            string             `yaml:"-"` // env only

	// Raw holds every top-level key of the file; UnknownKeys filters it down
	// to the unrecognized ones.
	Raw map[string]any `yaml:"-"`
}

const (
	defaultMaxReworkAttempts    = 2
	defaultDedupTTLMs           = 60_000
	defaultDedupSweepIntervalMs = 15_000
	defaultInactivitySec        = 180
	defaultMaxTotalSec          = 3600
	defaultListenAddr           = ":8085"
	defaultLogLevel             = "info"
)

// applyDefaults fills in the defaults documented in spec.md §6.
func (c *Config) applyDefaults() {
	if c.MaxReworkAttempts == 0 {
		c.MaxReworkAttempts = defaultMaxReworkAttempts
	}
	if c.DedupTTLMs == 0 {
		c.DedupTTLMs = defaultDedupTTLMs
	}
	if c.DedupSweepIntervalMs == 0 {
		c.DedupSweepIntervalMs = defaultDedupSweepIntervalMs
	}
	if c.InactivitySec == 0 {
		c.InactivitySec = defaultInactivitySec
	}
	if c.MaxTotalSec == 0 {
		c.MaxTotalSec = defaultMaxTotalSec
	}
	if c.ListenAddr == "" {
		c.ListenAddr = defaultListenAddr
	}
	if c.LogLevel == "" {
		c.LogLevel = defaultLogLevel
	}
	if c.StateDir == "" {
		c.StateDir = "./state"
	}
	if c.MemoryDir == "" {
		c.MemoryDir = filepath.Join(c.StateDir, "memory")
	}
}

// IsValid checks the minimal invariants the orchestrator needs to run.
func (c *Config) IsValid() error {
	if c.MaxReworkAttempts < 0 {
		return fmt.Errorf("maxReworkAttempts must be >= 0, got %d", c.MaxReworkAttempts)
	}
	if c.InactivitySec <= 0 || c.MaxTotalSec <= 0 {
		return fmt.Errorf("inactivitySec and maxTotalSec must be positive")
	}
	if c.InactivitySec > c.MaxTotalSec {
		return fmt.Errorf("inactivitySec (%d) must not exceed maxTotalSec (%d)", c.InactivitySec, c.MaxTotalSec)
	}
	return nil
}

// DedupTTL is DedupTTLMs as a time.Duration.
func (c *Config) DedupTTL() time.Duration {
	return time.Duration(c.DedupTTLMs) * time.Millisecond
}

// DedupSweepInterval is DedupSweepIntervalMs as a time.Duration.
func (c *Config) DedupSweepInterval() time.Duration {
	return time.Duration(c.DedupSweepIntervalMs) * time.Millisecond
}

// Load reads the YAML config file at path (if it exists), applies
// environment variable overlays (spec.md §6) — the two tokens come only
// from the environment, and a set TRACKER_BASE_URL, LOG_LEVEL,
// LISTEN_ADDR, ORCHESTRATOR_WORKSPACE_ROOT or MAX_REWORK_ATTEMPTS
// overrides the file's value — and fills in defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("reading config file %q: %w", path, err)
			}
		} else {
			var raw map[string]any
			if err := yaml.Unmarshal(data, &raw); err != nil {
				return nil, fmt.Errorf("parsing config file %q: %w", path, err)
			}
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("decoding config file %q: %w", path, err)
			}
			cfg.Raw = raw
		}
	}

	cfg.TrackerAccessToken = os.Getenv("TRACKER_ACCESS_TOKEN")
	cfg.GitHubToken = os.Getenv("GITHUB_TOKEN")
	if base := os.Getenv("TRACKER_BASE_URL"); base != "" {
		cfg.TrackerBaseURL = base
	}
	if root := os.Getenv("ORCHESTRATOR_WORKSPACE_ROOT"); root != "" {
		cfg.WorkspaceRoot = root
	}
	if lvl := os.Getenv("LOG_LEVEL"); lvl != "" {
		cfg.LogLevel = lvl
	}
	if addr := os.Getenv("LISTEN_ADDR"); addr != "" {
		cfg.ListenAddr = addr
	}
	if v := os.Getenv("MAX_REWORK_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxReworkAttempts = n
		}
	}

	cfg.applyDefaults()
	if err := cfg.IsValid(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// UnknownKeys returns the top-level keys in the loaded file that this
// struct does not recognize, for debug logging per Design Notes (unknown
// keys are logged at debug, not rejected).
func (c *Config) UnknownKeys() []string {
	known := map[string]bool{
		"maxReworkAttempts": true, "defaultAgentId": true, "dedupTtlMs": true,
		"dedupSweepIntervalMs": true, "notifications": true, "teamMappings": true,
		"repos": true, "promptsPath": true, "webhookUrl": true, "codexBaseRepo": true,
		"inactivitySec": true, "maxTotalSec": true, "stateDir": true, "listenAddr": true,
		"logLevel": true, "workspaceRoot": true, "trackerBaseUrl": true, "memoryDir": true,
	}
	var unknown []string
	for k := range c.Raw {
		if !known[strings.TrimSpace(k)] {
			unknown = append(unknown, k)
		}
	}
	return unknown
}
