package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigValidates(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Root = t.TempDir()
	require.NoError(t, cfg.Validate())
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero port", func(c *Config) { c.Registry.Port = 0 }},
		{"t2 below t1", func(c *Config) { c.Registry.T1Mult = 3; c.Registry.T2Mult = 2 }},
		{"no workers", func(c *Config) { c.Workflow.MaxConcurrentTasks = 0 }},
		{"inverted thresholds", func(c *Config) { c.Memory.SoftThreshold = 0.9 }},
		{"hard above one", func(c *Config) { c.Memory.HardThreshold = 1.5 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Root = t.TempDir()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoaderPrecedence(t *testing.T) {
	root := t.TempDir()
	yaml := `
registry:
  port: 9100
shell:
  queue_depth: 7
`
	require.NoError(t, os.WriteFile(filepath.Join(root, ProjectConfigFile), []byte(yaml), 0o644))

	t.Setenv(EnvRoot, root)
	t.Setenv(EnvRegistryPort, "9200")

	cfg, err := NewLoader(nil).Load("")
	require.NoError(t, err)

	// Environment wins over the file; the file wins over defaults.
	assert.Equal(t, 9200, cfg.Registry.Port)
	assert.Equal(t, 7, cfg.Shell.QueueDepth)
	assert.Equal(t, root, cfg.Root)
	assert.Equal(t, filepath.Join(root, "logs"), cfg.LogDir)

	// Untouched values keep their defaults.
	def := DefaultConfig()
	assert.Equal(t, def.Shell.PerTargetConcurrency, cfg.Shell.PerTargetConcurrency)
	assert.Equal(t, def.Memory.MaxInjectionTokens, cfg.Memory.MaxInjectionTokens)
}

func TestLoaderExplicitPathMustExist(t *testing.T) {
	t.Setenv(EnvRoot, t.TempDir())

	_, err := NewLoader(nil).Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoaderMissingDefaultFileIsFine(t *testing.T) {
	t.Setenv(EnvRoot, t.TempDir())

	cfg, err := NewLoader(nil).Load("")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Registry.Port, cfg.Registry.Port)
}

func TestApplyEnvRejectsGarbage(t *testing.T) {
	t.Setenv(EnvRegistryPort, "not-a-port")

	cfg := DefaultConfig()
	assert.Error(t, cfg.ApplyEnv())
}

func TestApplyEnvOverlays(t *testing.T) {
	t.Setenv(EnvMaxConcurrent, "12")
	t.Setenv(EnvSunsetThreshold, "0.85")
	t.Setenv(EnvCheckpointSec, "90")
	t.Setenv(EnvTerminalID, "term-7")

	cfg := DefaultConfig()
	require.NoError(t, cfg.ApplyEnv())

	assert.Equal(t, 12, cfg.Workflow.MaxConcurrentTasks)
	assert.InDelta(t, 0.85, cfg.Memory.SunsetThreshold, 1e-9)
	assert.Equal(t, 90*time.Second, cfg.Workflow.CheckpointInterval)
	assert.Equal(t, "term-7", cfg.Shell.TerminalID)
}

func TestComponentPortConvention(t *testing.T) {
	t.Setenv("TEAM_CHAT_PORT", "8301")

	assert.Equal(t, 8301, ComponentPort("team-chat"))
	assert.Equal(t, 0, ComponentPort("unset-component"))
}

func TestStateLayoutPaths(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Root = filepath.Join("/opt", "tekton")

	assert.Equal(t, filepath.Join("/opt", "tekton", "state"), cfg.StateDir())
	assert.Equal(t, filepath.Join(cfg.StateDir(), "registry.snapshot"), cfg.RegistrySnapshotPath())
	assert.Equal(t, filepath.Join(cfg.StateDir(), "ci_registry.json"), cfg.CIRegistryPath())
	assert.Equal(t, filepath.Join(cfg.StateDir(), "workflows"), cfg.WorkflowsDir())
	assert.Equal(t, filepath.Join(cfg.StateDir(), "memory", "apollo"), cfg.MemoryDir("apollo"))
}
