package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

const (
	// ProjectConfigFile is the name of the root-level config file
	ProjectConfigFile = "tekton.yaml"
)

// Loader handles configuration loading with layered precedence.
type Loader struct {
	logger *slog.Logger
}

// NewLoader creates a new configuration loader.
func NewLoader(logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{logger: logger}
}

// Load loads configuration with layered precedence:
// 1. Default config
// 2. File config (explicit path, or ${TEKTON_ROOT}/tekton.yaml)
// 3. Environment variables
func (l *Loader) Load(path string) (*Config, error) {
	config := DefaultConfig()

	// TEKTON_ROOT must be known before we can find the default file.
	if err := config.ApplyEnv(); err != nil {
		return nil, err
	}
	if config.Root == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home for default root: %w", err)
		}
		config.Root = filepath.Join(home, ".tekton")
	}

	configPath := path
	if configPath == "" {
		configPath = filepath.Join(config.Root, ProjectConfigFile)
	}

	if fileConfig, err := LoadFromFile(configPath); err == nil {
		l.logger.Debug("Loaded config file", slog.String("path", configPath))
		config.Merge(fileConfig)
	} else if path != "" {
		// An explicit path that fails to load is an error; the implicit
		// default file is optional.
		return nil, err
	} else if !errors.Is(err, os.ErrNotExist) {
		l.logger.Warn("Failed to load config file",
			slog.String("path", configPath),
			slog.String("error", err.Error()))
	}

	// Environment wins over file values.
	if err := config.ApplyEnv(); err != nil {
		return nil, err
	}

	if config.LogDir == "" {
		config.LogDir = filepath.Join(config.Root, "logs")
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}
