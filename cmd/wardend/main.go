// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

// Wardend is the Warden host process. It supervises one sandbox
// process per enabled plugin, brokers every sandbox interaction
// (permissions, storage, logging, UI state), and exposes an admin
// control socket for the warden CLI.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/warden-host/warden/control"
	"github.com/warden-host/warden/lib/clock"
	"github.com/warden-host/warden/lib/config"
	"github.com/warden-host/warden/lib/version"
	"github.com/warden-host/warden/permission"
	"github.com/warden-host/warden/pluglog"
	"github.com/warden-host/warden/plugin"
	"github.com/warden-host/warden/sandbox"
	"github.com/warden-host/warden/storage"
	"github.com/warden-host/warden/transport"
)

// pruneInterval is how often expired log records are removed.
const pruneInterval = time.Hour

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath string
	var showVersion bool

	flag.StringVar(&configPath, "config", "", "path to config file (defaults to $WARDEN_CONFIG)")
	flag.BoolVar(&showVersion, "version", false, "print version information and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf("wardend %s\n", version.Info())
		return nil
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.LoadFile(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.EnsurePaths(); err != nil {
		return fmt.Errorf("preparing directories: %w", err)
	}

	logger.Info("starting wardend",
		"version", version.Info(),
		"environment", cfg.Environment,
		"root", cfg.Paths.Root,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	wallClock := clock.Real()

	perms, err := permission.Open(permission.Config{
		Path:   cfg.StatePath("permissions.db"),
		Clock:  wallClock,
		Logger: logger.With("component", "permission"),
	})
	if err != nil {
		return fmt.Errorf("opening permission store: %w", err)
	}
	defer perms.Close()

	logs, err := pluglog.Open(pluglog.Config{
		DatabasePath: cfg.StatePath("logs.db"),
		Policies:     cfg.Logs.RateLimits,
		OnReject:     auditRateLimit(ctx, perms),
		Clock:        wallClock,
		Logger:       logger.With("component", "pluglog"),
	})
	if err != nil {
		return fmt.Errorf("opening log store: %w", err)
	}
	defer logs.Close()
	go logs.Run(ctx)
	go pruneLogs(ctx, logs, config.Duration(cfg.Logs.Retention), logger)

	store, err := storage.Open(storage.Config{
		DatabasePath: cfg.StatePath("storage.db"),
		KeyPath:      cfg.StorageKeyPath(),
		QuotaBytes:   cfg.Storage.QuotaBytes,
		Permissions:  perms,
		Clock:        wallClock,
		Logger:       logger.With("component", "storage"),
	})
	if err != nil {
		return fmt.Errorf("opening plugin storage: %w", err)
	}
	defer store.Close()

	sandboxBinary, err := cfg.BinaryPath("warden-sandbox")
	if err != nil {
		return fmt.Errorf("locating sandbox binary: %w", err)
	}

	router := newBroker(perms, logs, store, logger.With("component", "broker"))

	plugins, err := plugin.Open(plugin.Config{
		DatabasePath: cfg.StatePath("plugins.db"),
		PluginDir:    cfg.Paths.Plugins,
		DataDir:      cfg.Paths.Data,
		Permissions:  perms,
		Sandbox: sandbox.Config{
			SocketDir:        cfg.Paths.Sockets,
			SandboxBinary:    sandboxBinary,
			StartTimeout:     config.Duration(cfg.Supervisor.StartTimeout),
			ShutdownTimeout:  config.Duration(cfg.Supervisor.ShutdownTimeout),
			PingInterval:     config.Duration(cfg.Supervisor.PingInterval),
			PingTimeout:      config.Duration(cfg.Supervisor.PingTimeout),
			PingFailureLimit: cfg.Supervisor.PingFailureLimit,
		},
		NewHandler: router.sandboxHandler,
		Clock:      wallClock,
		Logger:     logger.With("component", "plugin"),
	})
	if err != nil {
		return fmt.Errorf("opening plugin manager: %w", err)
	}
	defer plugins.Close()
	router.bindPlugins(plugins)

	// Pick up plugins installed while the host was down, then restart
	// whatever the previous run left enabled.
	if added, err := plugins.Discover(ctx); err != nil {
		logger.Error("initial plugin discovery failed", "error", err)
	} else if len(added) > 0 {
		logger.Info("discovered plugins", "plugins", added)
	}
	plugins.ReconcileEnabled(ctx)

	renderListener, err := transport.Listen(filepath.Join(cfg.Paths.Sockets, "render.sock"), logger)
	if err != nil {
		return fmt.Errorf("opening render socket: %w", err)
	}
	go router.serveRenderer(ctx, renderListener)

	server := control.NewServer(filepath.Join(cfg.Paths.Sockets, "control.sock"), logger.With("component", "control"))
	control.RegisterActions(server, control.Deps{
		Plugins:     plugins,
		Permissions: perms,
		Logs:        logs,
		Storage:     store,
	})

	logger.Info("wardend ready",
		"control_socket", filepath.Join(cfg.Paths.Sockets, "control.sock"),
		"render_socket", renderListener.Path(),
	)

	// Serve blocks until ctx is cancelled by a signal.
	if err := server.Serve(ctx); err != nil {
		return fmt.Errorf("control server: %w", err)
	}

	logger.Info("shutting down")
	return nil
}

// auditRateLimit records every rate-limit rejection in the permission
// audit trail, so throttled plugins are visible next to denied ones.
func auditRateLimit(ctx context.Context, perms *permission.Manager) func(caller, method string) {
	return func(caller, method string) {
		perms.RecordAudit(ctx, caller, method, "rate-limited")
	}
}

// pruneLogs periodically removes log records older than the retention
// window.
func pruneLogs(ctx context.Context, logs *pluglog.Ingestor, retention time.Duration, logger *slog.Logger) {
	if retention <= 0 {
		return
	}
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := logs.Prune(ctx, time.Now().Add(-retention))
			if err != nil {
				logger.Error("pruning log records", "error", err)
				continue
			}
			if removed > 0 {
				logger.Info("pruned log records", "removed", removed)
			}
		}
	}
}
