// Package config provides configuration loading and management for the
// Tekton core. All environment access goes through this package; components
// never read the environment directly.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete Tekton configuration.
type Config struct {
	// Root is the filesystem root for config and state (TEKTON_ROOT).
	Root string `yaml:"root"`
	// LogDir receives component logs (TEKTON_LOG_DIR).
	LogDir string `yaml:"log_dir"`

	NATS     NATSConfig     `yaml:"nats"`
	Registry RegistryConfig `yaml:"registry"`
	Shell    ShellConfig    `yaml:"shell"`
	Workflow WorkflowConfig `yaml:"workflow"`
	Memory   MemoryConfig   `yaml:"memory"`
}

// NATSConfig configures the NATS connection.
type NATSConfig struct {
	// URL is the NATS server URL (empty = nats://localhost:4222)
	URL string `yaml:"url"`
	// MaxReconnects limits reconnection attempts (-1 = unlimited)
	MaxReconnects int `yaml:"max_reconnects"`
	// ReconnectWait is the delay between reconnection attempts
	ReconnectWait time.Duration `yaml:"reconnect_wait"`
}

// RegistryConfig configures the service registry.
type RegistryConfig struct {
	// Port is the registry HTTP port (TEKTON_REGISTRY_PORT)
	Port int `yaml:"port"`
	// HeartbeatInterval is the expected heartbeat cadence
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	// T1Mult: elapsed >= T1Mult*interval classifies degraded
	T1Mult int `yaml:"t1_mult"`
	// T2Mult: elapsed >= T2Mult*interval classifies failed
	T2Mult int `yaml:"t2_mult"`
	// RecoveryHeartbeats is the consecutive healthy count for degraded->ready
	RecoveryHeartbeats int `yaml:"recovery_heartbeats"`
	// SnapshotInterval is the cadence of durable snapshots
	SnapshotInterval time.Duration `yaml:"snapshot_interval"`
	// IntakeQueueDepth bounds queued registrations before overload
	IntakeQueueDepth int `yaml:"intake_queue_depth"`
}

// ShellConfig configures the aish message shell.
type ShellConfig struct {
	// PerTargetConcurrency bounds concurrent requests per endpoint
	PerTargetConcurrency int `yaml:"per_target_concurrency"`
	// QueueDepth bounds queued requests per endpoint
	QueueDepth int `yaml:"queue_depth"`
	// BroadcastTimeout is the per-target timeout for team-chat
	BroadcastTimeout time.Duration `yaml:"broadcast_timeout"`
	// RequestTimeout is the default deadline for single sends
	RequestTimeout time.Duration `yaml:"request_timeout"`
	// OverflowExits selects exit code 10 on mailbox overflow (default 0)
	OverflowExits bool `yaml:"overflow_exits"`
	// TerminalID identifies the calling terminal (TEKTON_TERMINAL_ID)
	TerminalID string `yaml:"terminal_id"`
}

// WorkflowConfig configures the workflow orchestrator.
type WorkflowConfig struct {
	// MaxConcurrentTasks bounds the per-execution worker pool (TEKTON_MAX_CONCURRENT_TASKS)
	MaxConcurrentTasks int `yaml:"max_concurrent_tasks"`
	// CheckpointInterval is the periodic checkpoint cadence (TEKTON_CHECKPOINT_INTERVAL_SEC)
	CheckpointInterval time.Duration `yaml:"checkpoint_interval"`
	// RetryBase is the initial retry backoff
	RetryBase time.Duration `yaml:"retry_base"`
	// RetryCap caps retry backoff
	RetryCap time.Duration `yaml:"retry_cap"`
	// MaxAttempts is the default task retry limit
	MaxAttempts int `yaml:"max_attempts"`
}

// MemoryConfig configures the context/memory core.
type MemoryConfig struct {
	// MaxInjectionTokens bounds each memory injection (TEKTON_MAX_INJECTION_TOKENS)
	MaxInjectionTokens int `yaml:"max_injection_tokens"`
	// SoftThreshold warns at soft*hard_limit tokens
	SoftThreshold float64 `yaml:"soft_threshold"`
	// SunsetThreshold triggers sunset at sunset*hard_limit (TEKTON_CONTEXT_SUNSET_THRESHOLD)
	SunsetThreshold float64 `yaml:"sunset_threshold"`
	// HardThreshold is a hard error at hard*hard_limit (TEKTON_HARD_LIMIT_THRESHOLD)
	HardThreshold float64 `yaml:"hard_threshold"`
	// MaxMemoriesPerCI bounds each per-CI catalog
	MaxMemoriesPerCI int `yaml:"max_memories_per_ci"`
	// SweepInterval is the decay sweep cadence
	SweepInterval time.Duration `yaml:"sweep_interval"`
	// PermanentPriority spares items from expiry sweeps
	PermanentPriority int `yaml:"permanent_priority"`
	// HalfLifeHours drives recency decay in relevance scoring
	HalfLifeHours float64 `yaml:"half_life_hours"`
	// SunsetSignatures are regex patterns that auto-detect sunset output
	SunsetSignatures []string `yaml:"sunset_signatures"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Root:   "", // resolved by the loader
		LogDir: "",
		NATS: NATSConfig{
			URL:           "",
			MaxReconnects: -1,
			ReconnectWait: 2 * time.Second,
		},
		Registry: RegistryConfig{
			Port:               8110,
			HeartbeatInterval:  10 * time.Second,
			T1Mult:             3,
			T2Mult:             6,
			RecoveryHeartbeats: 3,
			SnapshotInterval:   time.Minute,
			IntakeQueueDepth:   256,
		},
		Shell: ShellConfig{
			PerTargetConcurrency: 5,
			QueueDepth:           100,
			BroadcastTimeout:     2 * time.Second,
			RequestTimeout:       30 * time.Second,
			OverflowExits:        false,
		},
		Workflow: WorkflowConfig{
			MaxConcurrentTasks: 4,
			CheckpointInterval: 5 * time.Minute,
			RetryBase:          500 * time.Millisecond,
			RetryCap:           30 * time.Second,
			MaxAttempts:        3,
		},
		Memory: MemoryConfig{
			MaxInjectionTokens: 2000,
			SoftThreshold:      0.70,
			SunsetThreshold:    0.80,
			HardThreshold:      0.95,
			MaxMemoriesPerCI:   500,
			SweepInterval:      24 * time.Hour,
			PermanentPriority:  8,
			HalfLifeHours:      168,
			SunsetSignatures: []string{
				`SUNSET_PROTOCOL`,
				`(?i)^\s*\[sunset\]`,
			},
		},
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Registry.Port <= 0 || c.Registry.Port > 65535 {
		return fmt.Errorf("registry.port must be in (0, 65535]")
	}
	if c.Registry.HeartbeatInterval <= 0 {
		return fmt.Errorf("registry.heartbeat_interval must be positive")
	}
	if c.Registry.T1Mult <= 0 || c.Registry.T2Mult <= c.Registry.T1Mult {
		return fmt.Errorf("registry thresholds require 0 < t1_mult < t2_mult")
	}
	if c.Workflow.MaxConcurrentTasks <= 0 {
		return fmt.Errorf("workflow.max_concurrent_tasks must be positive")
	}
	if c.Memory.MaxInjectionTokens <= 0 {
		return fmt.Errorf("memory.max_injection_tokens must be positive")
	}
	if c.Memory.SoftThreshold >= c.Memory.SunsetThreshold ||
		c.Memory.SunsetThreshold >= c.Memory.HardThreshold ||
		c.Memory.HardThreshold > 1 {
		return fmt.Errorf("memory thresholds require soft < sunset < hard <= 1")
	}
	return nil
}

// LoadFromFile loads configuration from a YAML file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	return config, nil
}

// SaveToFile saves configuration to a YAML file.
func (c *Config) SaveToFile(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}

	return nil
}

// Merge merges another config into this one (other takes precedence for
// non-zero values).
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}

	if other.Root != "" {
		c.Root = other.Root
	}
	if other.LogDir != "" {
		c.LogDir = other.LogDir
	}

	if other.NATS.URL != "" {
		c.NATS.URL = other.NATS.URL
	}
	if other.NATS.MaxReconnects != 0 {
		c.NATS.MaxReconnects = other.NATS.MaxReconnects
	}
	if other.NATS.ReconnectWait != 0 {
		c.NATS.ReconnectWait = other.NATS.ReconnectWait
	}

	if other.Registry.Port != 0 {
		c.Registry.Port = other.Registry.Port
	}
	if other.Registry.HeartbeatInterval != 0 {
		c.Registry.HeartbeatInterval = other.Registry.HeartbeatInterval
	}
	if other.Registry.T1Mult != 0 {
		c.Registry.T1Mult = other.Registry.T1Mult
	}
	if other.Registry.T2Mult != 0 {
		c.Registry.T2Mult = other.Registry.T2Mult
	}
	if other.Registry.RecoveryHeartbeats != 0 {
		c.Registry.RecoveryHeartbeats = other.Registry.RecoveryHeartbeats
	}
	if other.Registry.SnapshotInterval != 0 {
		c.Registry.SnapshotInterval = other.Registry.SnapshotInterval
	}
	if other.Registry.IntakeQueueDepth != 0 {
		c.Registry.IntakeQueueDepth = other.Registry.IntakeQueueDepth
	}

	if other.Shell.PerTargetConcurrency != 0 {
		c.Shell.PerTargetConcurrency = other.Shell.PerTargetConcurrency
	}
	if other.Shell.QueueDepth != 0 {
		c.Shell.QueueDepth = other.Shell.QueueDepth
	}
	if other.Shell.BroadcastTimeout != 0 {
		c.Shell.BroadcastTimeout = other.Shell.BroadcastTimeout
	}
	if other.Shell.RequestTimeout != 0 {
		c.Shell.RequestTimeout = other.Shell.RequestTimeout
	}
	if other.Shell.OverflowExits {
		c.Shell.OverflowExits = true
	}
	if other.Shell.TerminalID != "" {
		c.Shell.TerminalID = other.Shell.TerminalID
	}

	if other.Workflow.MaxConcurrentTasks != 0 {
		c.Workflow.MaxConcurrentTasks = other.Workflow.MaxConcurrentTasks
	}
	if other.Workflow.CheckpointInterval != 0 {
		c.Workflow.CheckpointInterval = other.Workflow.CheckpointInterval
	}
	if other.Workflow.RetryBase != 0 {
		c.Workflow.RetryBase = other.Workflow.RetryBase
	}
	if other.Workflow.RetryCap != 0 {
		c.Workflow.RetryCap = other.Workflow.RetryCap
	}
	if other.Workflow.MaxAttempts != 0 {
		c.Workflow.MaxAttempts = other.Workflow.MaxAttempts
	}

	if other.Memory.MaxInjectionTokens != 0 {
		c.Memory.MaxInjectionTokens = other.Memory.MaxInjectionTokens
	}
	if other.Memory.SoftThreshold != 0 {
		c.Memory.SoftThreshold = other.Memory.SoftThreshold
	}
	if other.Memory.SunsetThreshold != 0 {
		c.Memory.SunsetThreshold = other.Memory.SunsetThreshold
	}
	if other.Memory.HardThreshold != 0 {
		c.Memory.HardThreshold = other.Memory.HardThreshold
	}
	if other.Memory.MaxMemoriesPerCI != 0 {
		c.Memory.MaxMemoriesPerCI = other.Memory.MaxMemoriesPerCI
	}
	if other.Memory.SweepInterval != 0 {
		c.Memory.SweepInterval = other.Memory.SweepInterval
	}
	if other.Memory.PermanentPriority != 0 {
		c.Memory.PermanentPriority = other.Memory.PermanentPriority
	}
	if other.Memory.HalfLifeHours != 0 {
		c.Memory.HalfLifeHours = other.Memory.HalfLifeHours
	}
	if len(other.Memory.SunsetSignatures) > 0 {
		c.Memory.SunsetSignatures = other.Memory.SunsetSignatures
	}
}

// StateDir returns ${root}/state.
func (c *Config) StateDir() string {
	return filepath.Join(c.Root, "state")
}

// RegistrySnapshotPath returns the registry snapshot file path.
func (c *Config) RegistrySnapshotPath() string {
	return filepath.Join(c.StateDir(), "registry.snapshot")
}

// CIRegistryPath returns the CI registry persistence path.
func (c *Config) CIRegistryPath() string {
	return filepath.Join(c.StateDir(), "ci_registry.json")
}

// WorkflowsDir returns the workflow execution state directory.
func (c *Config) WorkflowsDir() string {
	return filepath.Join(c.StateDir(), "workflows")
}

// MemoryDir returns the catalog directory for a CI.
func (c *Config) MemoryDir(ciName string) string {
	return filepath.Join(c.StateDir(), "memory", ciName)
}
