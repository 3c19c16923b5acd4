// Package main provides the tekton binary entry point.
// Tekton is the core daemon: service registry, CI registry, workflow
// orchestrator, and context/memory supervisor behind one HTTP surface.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/ckoons/Tekton-sub017/cireg"
	"github.com/ckoons/Tekton-sub017/config"
	"github.com/ckoons/Tekton-sub017/memory"
	"github.com/ckoons/Tekton-sub017/registry"
	"github.com/ckoons/Tekton-sub017/shell"
	"github.com/ckoons/Tekton-sub017/storage"
	"github.com/ckoons/Tekton-sub017/terma"
	"github.com/ckoons/Tekton-sub017/workflow"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "tekton"

	// componentID is the daemon's identity for /workflow push matching.
	componentID = "tekton-core"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		configPath string
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:   "tekton",
		Short: "Tekton core daemon",
		Long: `Tekton is the platform core for a society of Companion Intelligences.

It provides:
- Service registry with heartbeat health tracking and capability routing
- CI registry with forwarding rules and sunset/sunrise state
- Workflow orchestration with checkpoints and the /workflow push protocol
- Context budget tracking and memory catalogs

State persists under TEKTON_ROOT; lifecycle events publish to NATS when
a server is reachable.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath, logLevel)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Config file path (YAML)")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s version %s (build: %s)\n", appName, Version, BuildTime)
		},
	})

	return cmd
}

func run(configPath, logLevel string) error {
	printBanner()

	level := slog.LevelInfo
	switch strings.ToLower(logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	cfg, err := config.NewLoader(logger).Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if err := os.MkdirAll(cfg.StateDir(), 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// NATS is optional: without it the core still runs, with event fan-out
	// and the durable KV snapshot disabled.
	var (
		sink *registry.NATSSink
		kv   storage.KV
	)
	nc, err := nats.Connect(cfg.NATS.URL,
		nats.MaxReconnects(cfg.NATS.MaxReconnects),
		nats.ReconnectWait(cfg.NATS.ReconnectWait))
	if err != nil {
		logger.Warn("NATS unavailable, running standalone", "error", err)
	} else {
		defer nc.Close()
		sink = registry.NewNATSSink(nc)
		if js, jerr := jetstream.New(nc); jerr == nil {
			if jskv, kerr := storage.NewJetStreamKV(ctx, js, "tekton-registry"); kerr == nil {
				kv = jskv
			} else {
				logger.Warn("JetStream KV unavailable, snapshots go to file only", "error", kerr)
			}
		}
	}

	metrics := registry.NewMetrics(prometheus.DefaultRegisterer)
	regOpts := []registry.Option{
		registry.WithLogger(logger),
		registry.WithMetrics(metrics),
	}
	if sink != nil {
		regOpts = append(regOpts, registry.WithEventSink(sink))
	}
	reg := registry.New(cfg.Registry, regOpts...)

	snapshotter := registry.NewSnapshotter(reg, kv,
		cfg.RegistrySnapshotPath(), cfg.Registry.SnapshotInterval)
	if err := snapshotter.Load(ctx); err != nil {
		return fmt.Errorf("restore registry snapshot: %w", err)
	}
	go snapshotter.Run(ctx)

	monitor := registry.NewMonitor(reg)
	go monitor.Run(ctx)

	terminals := terma.NewManager(terma.WithLogger(logger))

	cis, err := cireg.Load(cfg.CIRegistryPath(),
		cireg.WithLogger(logger),
		cireg.WithTerminalDirectory(terminals))
	if err != nil {
		return fmt.Errorf("load CI registry: %w", err)
	}
	if err := cis.Watch(); err != nil {
		logger.Warn("CI registry file watch disabled", "error", err)
	}
	defer cis.Close()

	sh := shell.New(cfg.Shell, componentID, cis, terminals, reg, logger)

	store, err := workflow.NewStore(cfg.WorkflowsDir())
	if err != nil {
		return fmt.Errorf("open workflow store: %w", err)
	}
	engine := workflow.NewEngine(cfg.Workflow, store, workflow.NewShellDispatcher(sh), logger)

	counter := memory.NewCounter("")
	catalogs := memory.NewManager(cfg.Memory, cfg.MemoryDir,
		counter, memory.WithLogger(logger))
	go catalogs.RunSweeper(ctx)

	ledger := memory.NewLedger(cfg.Memory)
	supervisor, err := memory.NewSupervisor(cfg.Memory, cis, ledger, catalogs, logger)
	if err != nil {
		return fmt.Errorf("build memory supervisor: %w", err)
	}

	mux := http.NewServeMux()
	registry.NewHTTPHandler(reg, logger).RegisterHTTPHandlers(mux)
	workflow.NewHTTPHandler(engine, componentID, func(env workflow.PushEnvelope) {
		instruction, _ := env.InstructionFor(componentID)
		logger.Info("Sprint work accepted",
			"sprint", env.SprintName(),
			"instruction", instruction)
	}, logger).RegisterHTTPHandlers(mux)
	memory.NewHTTPHandler(catalogs, ledger, supervisor, logger).RegisterHTTPHandlers(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Registry.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Tekton core listening",
			"addr", srv.Addr,
			"version", Version,
			"root", cfg.Root)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP shutdown failed", "error", err)
	}
	return nil
}

func printBanner() {
	fmt.Fprintf(os.Stderr, `
 _____    _    _
|_   _|__| | _| |_ ___  _ __
  | |/ _ \ |/ / __/ _ \| '_ \
  | |  __/   <| || (_) | | | |
  |_|\___|_|\_\\__\___/|_| |_|

  CI platform core v%s
`, Version)
}
