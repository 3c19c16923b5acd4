// Package main provides the aish binary entry point: the unified message
// shell for the Tekton platform.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ckoons/Tekton-sub017/cireg"
	"github.com/ckoons/Tekton-sub017/commands"
	"github.com/ckoons/Tekton-sub017/config"
	"github.com/ckoons/Tekton-sub017/memory"
	"github.com/ckoons/Tekton-sub017/registry"
	"github.com/ckoons/Tekton-sub017/shell"
	"github.com/ckoons/Tekton-sub017/tekerr"
	"github.com/ckoons/Tekton-sub017/terma"
)

const Version = "0.1.0"

func main() {
	if err := run(); err != nil {
		env := failureEnv()
		fmt.Fprintf(os.Stderr, "aish: %v\nSee %s for usage.\n", err, env)
		os.Exit(tekerr.ExitCode(err))
	}
}

// failureEnv points the single-line diagnostic at the documentation tree.
func failureEnv() string {
	root := os.Getenv(config.EnvRoot)
	if root == "" {
		root = "$TEKTON_ROOT"
	}
	return filepath.Join(root, "docs", "aish")
}

func run() error {
	var (
		configPath string
		terminalID string
		purposes   []string
		logLevel   string
	)

	env := &commands.Env{
		Stdin:  os.Stdin,
		Stdout: os.Stdout,
	}

	root := commands.NewRootCommand(env)
	root.Version = Version
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file path (YAML)")
	root.PersistentFlags().StringVar(&terminalID, "terminal", "", "Calling terminal identity")
	root.PersistentFlags().StringSliceVar(&purposes, "purpose", nil, "Purpose tags for this terminal")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "Log level (debug, info, warn, error)")

	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		level := slog.LevelWarn
		switch strings.ToLower(logLevel) {
		case "debug":
			level = slog.LevelDebug
		case "info":
			level = slog.LevelInfo
		case "error":
			level = slog.LevelError
		}
		logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
		slog.SetDefault(logger)

		cfg, err := config.NewLoader(logger).Load(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		id := terminalID
		if id == "" {
			id = cfg.Shell.TerminalID
		}
		if id == "" {
			id = "local"
		}

		terminals := terma.NewManager(terma.WithLogger(logger))
		if _, err := terminals.Attach(id, id, purposes); err != nil {
			return err
		}

		cis, err := cireg.Load(cfg.CIRegistryPath(),
			cireg.WithLogger(logger),
			cireg.WithTerminalDirectory(terminals))
		if err != nil {
			return fmt.Errorf("load CI registry: %w", err)
		}
		// Publish this terminal in the shared file so forwards targeting it
		// stay valid from other processes.
		if err := cis.EnsureTerminal(id); err != nil {
			return err
		}

		registryURL := fmt.Sprintf("http://localhost:%d", cfg.Registry.Port)
		endpoints := registry.NewClient(registryURL, cfg.Shell.RequestTimeout)

		counter := memory.NewCounter("")
		catalogs := memory.NewManager(cfg.Memory, cfg.MemoryDir,
			counter, memory.WithLogger(logger))
		ledger := memory.NewLedger(cfg.Memory)
		supervisor, err := memory.NewSupervisor(cfg.Memory, cis, ledger, catalogs, logger)
		if err != nil {
			return err
		}

		env.Cfg = cfg
		env.Logger = logger
		env.CIs = cis
		env.Terminals = terminals
		env.Supervisor = supervisor
		env.TerminalID = id
		env.RegistryURL = registryURL
		env.Shell = shell.New(cfg.Shell, id, cis, terminals, endpoints, logger)
		return nil
	}

	return root.Execute()
}
