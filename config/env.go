package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Environment variable names recognized by the core. Components must not
// read the environment directly; this file is the single accessor.
const (
	EnvRoot            = "TEKTON_ROOT"
	EnvRegistryPort    = "TEKTON_REGISTRY_PORT"
	EnvLogDir          = "TEKTON_LOG_DIR"
	EnvHeartbeatMS     = "TEKTON_COMPONENT_HEARTBEAT_MS"
	EnvHeartbeatT1Mult = "TEKTON_HEARTBEAT_T1_MULT"
	EnvHeartbeatT2Mult = "TEKTON_HEARTBEAT_T2_MULT"
	EnvMaxInjection    = "TEKTON_MAX_INJECTION_TOKENS"
	EnvSunsetThreshold = "TEKTON_CONTEXT_SUNSET_THRESHOLD"
	EnvHardThreshold   = "TEKTON_HARD_LIMIT_THRESHOLD"
	EnvMaxConcurrent   = "TEKTON_MAX_CONCURRENT_TASKS"
	EnvCheckpointSec   = "TEKTON_CHECKPOINT_INTERVAL_SEC"
	EnvNATSURL         = "NATS_URL"
	EnvTerminalID      = "TEKTON_TERMINAL_ID"
)

// ApplyEnv overlays recognized environment variables onto c. Unparseable
// values are reported, not silently ignored.
func (c *Config) ApplyEnv() error {
	if v := os.Getenv(EnvRoot); v != "" {
		c.Root = v
	}
	if v := os.Getenv(EnvLogDir); v != "" {
		c.LogDir = v
	}
	if v := os.Getenv(EnvNATSURL); v != "" {
		c.NATS.URL = v
	}
	if v := os.Getenv(EnvTerminalID); v != "" {
		c.Shell.TerminalID = v
	}

	if v := os.Getenv(EnvRegistryPort); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvRegistryPort, err)
		}
		c.Registry.Port = port
	}
	if v := os.Getenv(EnvHeartbeatMS); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvHeartbeatMS, err)
		}
		c.Registry.HeartbeatInterval = time.Duration(ms) * time.Millisecond
	}
	if v := os.Getenv(EnvHeartbeatT1Mult); v != "" {
		mult, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvHeartbeatT1Mult, err)
		}
		c.Registry.T1Mult = mult
	}
	if v := os.Getenv(EnvHeartbeatT2Mult); v != "" {
		mult, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvHeartbeatT2Mult, err)
		}
		c.Registry.T2Mult = mult
	}

	if v := os.Getenv(EnvMaxInjection); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvMaxInjection, err)
		}
		c.Memory.MaxInjectionTokens = n
	}
	if v := os.Getenv(EnvSunsetThreshold); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvSunsetThreshold, err)
		}
		c.Memory.SunsetThreshold = f
	}
	if v := os.Getenv(EnvHardThreshold); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvHardThreshold, err)
		}
		c.Memory.HardThreshold = f
	}

	if v := os.Getenv(EnvMaxConcurrent); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvMaxConcurrent, err)
		}
		c.Workflow.MaxConcurrentTasks = n
	}
	if v := os.Getenv(EnvCheckpointSec); v != "" {
		sec, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvCheckpointSec, err)
		}
		c.Workflow.CheckpointInterval = time.Duration(sec) * time.Second
	}

	return nil
}

// ComponentPort returns the port for a component from the <COMPONENT>_PORT
// convention, or 0 when unset. The component id is upper-cased and dashes
// become underscores (e.g. "team-chat" -> TEAM_CHAT_PORT).
func ComponentPort(componentID string) int {
	name := strings.ToUpper(strings.ReplaceAll(componentID, "-", "_")) + "_PORT"
	v := os.Getenv(name)
	if v == "" {
		return 0
	}
	port, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return port
}
