// Package main implements the entry point for the motion runtime.
// Motion serves incrementally-updated components over HTTP: flows pair a
// read-only serve with a state-folding update, backed by a versioned state
// store.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/dm4ml/motion/component"
	"github.com/dm4ml/motion/config"
	"github.com/dm4ml/motion/engine"
	"github.com/dm4ml/motion/metric"
	"github.com/dm4ml/motion/service"
	"github.com/dm4ml/motion/store"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "motion"
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

	if err := run(); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run() error {
	cliCfg, err := parseFlags()
	if err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}

	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil
	}
	if cliCfg.ShowHelp {
		printDetailedHelp()
		return nil
	}

	cfg, err := loadConfig(cliCfg)
	if err != nil {
		return err
	}

	logger := setupLogger(cfg.Logging.Level, cfg.Logging.Format)
	slog.SetDefault(logger)

	if cliCfg.Validate {
		slog.Info("Configuration is valid")
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, cleanup, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	switch cliCfg.Command {
	case "serve":
		return runServe(ctx, cfg, st, logger)
	case "inspect":
		return runInspect(ctx, st, cliCfg.Args)
	case "clear":
		return runClear(ctx, st, logger, cliCfg.Args)
	default:
		return fmt.Errorf("unknown command %q (must be serve, inspect, or clear)", cliCfg.Command)
	}
}

// loadConfig merges defaults, the optional config file, env overrides, and
// CLI flag overrides.
func loadConfig(cliCfg *CLIConfig) (*config.Config, error) {
	loader := config.NewLoader()
	if cliCfg.ConfigPath != "" {
		loader.AddLayer(cliCfg.ConfigPath)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}

	// Flags beat file and environment.
	if cliCfg.LogLevel != "" {
		cfg.Logging.Level = cliCfg.LogLevel
	}
	if cliCfg.LogFormat != "" {
		cfg.Logging.Format = cliCfg.LogFormat
	}
	if cliCfg.ListenAddr != "" {
		cfg.HTTP.ListenAddr = cliCfg.ListenAddr
	}
	if cliCfg.StoreBackend != "" {
		cfg.Store.Backend = cliCfg.StoreBackend
	}
	if cliCfg.StoreURL != "" {
		cfg.Store.URL = cliCfg.StoreURL
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// openStore builds the configured store backend.
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (store.Store, func(), error) {
	switch cfg.Store.Backend {
	case config.BackendMemory:
		mem := store.NewMemory()
		logger.Warn("using in-memory store, state will not survive restarts")
		return mem, func() { _ = mem.Close(context.Background()) }, nil

	case config.BackendNATS:
		nc, err := nats.Connect(cfg.Store.URL,
			nats.Name(appName),
			nats.MaxReconnects(cfg.Store.MaxReconnects),
			nats.ReconnectWait(cfg.Store.ReconnectWait),
		)
		if err != nil {
			return nil, nil, fmt.Errorf("connect to NATS at %s: %w", cfg.Store.URL, err)
		}
		js, err := jetstream.New(nc)
		if err != nil {
			nc.Close()
			return nil, nil, fmt.Errorf("initialize JetStream: %w", err)
		}
		st, err := store.NewNATS(ctx, js,
			store.WithBucketPrefix(cfg.Store.BucketPrefix),
			store.WithLockLease(cfg.Store.LockLease),
			store.WithLogger(logger),
		)
		if err != nil {
			nc.Close()
			return nil, nil, fmt.Errorf("initialize NATS store: %w", err)
		}
		cleanup := func() {
			_ = st.Close(context.Background())
			nc.Close()
		}
		return st, cleanup, nil

	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}

// runServe runs the HTTP service until the context is cancelled.
func runServe(ctx context.Context, cfg *config.Config, st store.Store, logger *slog.Logger) error {
	metrics := metric.NewRegistry()

	srv, err := service.NewServer(cfg.HTTP, st, component.Default,
		service.WithLogger(logger),
		service.WithMetrics(metrics),
		service.WithEngineOptions(engineOptions(cfg)...),
	)
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}

	logger.Info("starting motion service",
		"version", Version,
		"addr", cfg.HTTP.ListenAddr,
		"store", cfg.Store.Backend,
		"components", component.Default.Names())

	return srv.ListenAndServe(ctx)
}

// engineOptions maps the engine config section onto instance options.
func engineOptions(cfg *config.Config) []engine.Option {
	opts := []engine.Option{
		engine.WithDefaultCacheTTL(cfg.Engine.CacheTTL),
		engine.WithLockWait(cfg.Engine.LockWait),
	}
	if !cfg.Engine.LocalCache {
		opts = append(opts, engine.WithoutLocalCache())
	}
	return opts
}

// runInspect prints instance state, or lists instances when no id is given.
func runInspect(ctx context.Context, st store.Store, args []string) error {
	switch len(args) {
	case 1:
		ids, err := st.ListInstanceIDs(ctx, args[0])
		if err != nil {
			return err
		}
		for _, id := range ids {
			fmt.Println(id)
		}
		return nil

	case 2:
		state, version, err := st.LoadState(ctx, store.InstanceID(args[0], args[1]))
		if err != nil {
			return err
		}
		out, err := json.MarshalIndent(map[string]any{
			"instance_id": store.InstanceID(args[0], args[1]),
			"version":     version,
			"state":       state,
		}, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil

	default:
		return fmt.Errorf("usage: %s inspect <component> [<instance-id>]", appName)
	}
}

// runClear removes all persisted data for one instance.
func runClear(ctx context.Context, st store.Store, logger *slog.Logger, args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: %s clear <component> <instance-id>", appName)
	}

	instanceID := store.InstanceID(args[0], args[1])
	if err := st.ClearInstance(ctx, instanceID); err != nil {
		return err
	}
	logger.Info("instance cleared", "instance_id", instanceID)
	return nil
}
