// Package config loads and validates the buildbot YAML configuration.
// Environment variables referenced in the file are expanded, and a .env
// file alongside the process is honored without overriding real
// environment values.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"git.home.luguber.info/inful/buildbot/internal/task"
)

// Config is the top-level application configuration.
type Config struct {
	WorkspaceRoot string `yaml:"workspace_root"`
	PublishRoot   string `yaml:"publish_root"`

	QueueStateFile string `yaml:"queue_state_file"`
	HistoryDB      string `yaml:"history_db"`

	DiskWarnThresholdGB float64 `yaml:"disk_warn_threshold_gb"`
	MinArtifactSizeMB   float64 `yaml:"min_artifact_size_mb"`

	Executor  ExecutorConfig  `yaml:"executor"`
	Server    ServerConfig    `yaml:"server"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	NATS      NATSConfig      `yaml:"nats"`
	AI        AIConfig        `yaml:"ai"`
	Schedules []ScheduleEntry `yaml:"schedules"`
}

// ExecutorConfig tunes the build process runner.
type ExecutorConfig struct {
	LivenessTimeoutSeconds int `yaml:"liveness_timeout_seconds"`
	MaxLogLines            int `yaml:"max_log_lines"`
	CancelGraceSeconds     int `yaml:"cancel_grace_seconds"`
}

// ServerConfig configures the HTTP status/download server.
type ServerConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"`
}

// MetricsConfig toggles Prometheus metrics.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// NATSConfig configures the optional event publisher.
type NATSConfig struct {
	Enabled         bool   `yaml:"enabled"`
	URL             string `yaml:"url"`
	ProgressSubject string `yaml:"progress_subject"`
	ResultSubject   string `yaml:"result_subject"`
}

// AIConfig configures the optional failure analyzer.
type AIConfig struct {
	Enabled        bool   `yaml:"enabled"`
	URL            string `yaml:"url"`
	Model          string `yaml:"model"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	MaxRetries     int    `yaml:"max_retries"`
}

// ScheduleEntry submits a build on a cron schedule.
type ScheduleEntry struct {
	Cron     string `yaml:"cron"`
	Branch   string `yaml:"branch"`
	Strategy string `yaml:"strategy"`
	Arg3     string `yaml:"arg3,omitempty"`
	Priority string `yaml:"priority,omitempty"`
}

// Load reads, expands and validates the configuration file.
func Load(configPath string) (*Config, error) {
	// Best effort; a missing .env file is the normal case.
	_ = godotenv.Load()

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.QueueStateFile == "" {
		c.QueueStateFile = "data/queue_state.json"
	}
	if c.HistoryDB == "" {
		c.HistoryDB = "data/build_history.db"
	}
	if c.DiskWarnThresholdGB <= 0 {
		c.DiskWarnThresholdGB = 50
	}
	if c.MinArtifactSizeMB <= 0 {
		c.MinArtifactSizeMB = 100
	}
	if c.Executor.LivenessTimeoutSeconds <= 0 {
		c.Executor.LivenessTimeoutSeconds = 5
	}
	if c.Executor.MaxLogLines <= 0 {
		c.Executor.MaxLogLines = 10000
	}
	if c.Executor.CancelGraceSeconds <= 0 {
		c.Executor.CancelGraceSeconds = 5
	}
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = ":8080"
	}
	if c.NATS.URL == "" {
		c.NATS.URL = "nats://127.0.0.1:4222"
	}
	if c.NATS.ProgressSubject == "" {
		c.NATS.ProgressSubject = "buildbot.progress"
	}
	if c.NATS.ResultSubject == "" {
		c.NATS.ResultSubject = "buildbot.result"
	}
	if c.AI.URL == "" {
		c.AI.URL = "http://127.0.0.1:11434"
	}
	if c.AI.Model == "" {
		c.AI.Model = "qwen2.5:14b"
	}
	if c.AI.TimeoutSeconds <= 0 {
		c.AI.TimeoutSeconds = 30
	}
	if c.AI.MaxRetries <= 0 {
		c.AI.MaxRetries = 3
	}
}

// Validate checks the configuration for problems that would only surface
// later at runtime.
func (c *Config) Validate() error {
	if c.WorkspaceRoot == "" {
		return fmt.Errorf("config: workspace_root is required")
	}
	if c.PublishRoot == "" {
		return fmt.Errorf("config: publish_root is required")
	}
	for i, entry := range c.Schedules {
		if entry.Cron == "" {
			return fmt.Errorf("config: schedules[%d]: cron is required", i)
		}
		if _, err := task.StrategyFromString(entry.Strategy); err != nil {
			return fmt.Errorf("config: schedules[%d]: %w", i, err)
		}
		if err := task.ValidateBranch(entry.Branch); err != nil {
			return fmt.Errorf("config: schedules[%d]: %w", i, err)
		}
		if _, err := task.ParsePriority(entry.Priority); err != nil {
			return fmt.Errorf("config: schedules[%d]: %w", i, err)
		}
	}
	return nil
}

// DiskWarnThresholdBytes converts the configured threshold to bytes.
func (c *Config) DiskWarnThresholdBytes() uint64 {
	return uint64(c.DiskWarnThresholdGB * float64(1<<30))
}

// MinArtifactSizeBytes converts the configured minimum to bytes.
func (c *Config) MinArtifactSizeBytes() int64 {
	return int64(c.MinArtifactSizeMB * float64(1<<20))
}

// LivenessTimeout returns the executor read timeout as a duration.
func (c *Config) LivenessTimeout() time.Duration {
	return time.Duration(c.Executor.LivenessTimeoutSeconds) * time.Second
}

// CancelGrace returns the cancellation grace period as a duration.
func (c *Config) CancelGrace() time.Duration {
	return time.Duration(c.Executor.CancelGraceSeconds) * time.Second
}

// AITimeout returns the per-attempt analyzer timeout as a duration.
func (c *Config) AITimeout() time.Duration {
	return time.Duration(c.AI.TimeoutSeconds) * time.Second
}

const exampleConfig = `# buildbot configuration
workspace_root: /srv/build/workspaces
publish_root: /srv/build/publish

queue_state_file: data/queue_state.json
history_db: data/build_history.db

disk_warn_threshold_gb: 50
min_artifact_size_mb: 100

executor:
  liveness_timeout_seconds: 5
  max_log_lines: 10000
  cancel_grace_seconds: 5

server:
  enabled: true
  listen_addr: ":8080"

metrics:
  enabled: true

nats:
  enabled: false
  url: nats://127.0.0.1:4222
  progress_subject: buildbot.progress
  result_subject: buildbot.result

ai:
  enabled: false
  url: http://127.0.0.1:11434
  model: qwen2.5:14b
  timeout_seconds: 30
  max_retries: 3

schedules: []
  # - cron: "0 2 * * *"
  #   branch: main
  #   strategy: simple
  #   priority: low
`

// Init writes an example configuration file.
func Init(configPath string, force bool) error {
	if _, err := os.Stat(configPath); err == nil && !force {
		return fmt.Errorf("configuration file already exists: %s (use --force to overwrite)", configPath)
	}
	if err := os.WriteFile(configPath, []byte(exampleConfig), 0644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}
