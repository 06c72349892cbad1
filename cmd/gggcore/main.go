// Command gggcore wires the download core's collaborators together and
// runs the scheduler until an interrupt or terminate signal arrives.
// Terminal UI, CLI command plumbing, and configuration-file hierarchies
// beyond the scheduler's own fields are out of scope and live elsewhere.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"ggg/internal/breaker"
	"ggg/internal/config"
	"ggg/internal/eventbus"
	"ggg/internal/fetcher"
	"ggg/internal/history"
	"ggg/internal/persistence"
	"ggg/internal/scheduler"
	"ggg/internal/script"
)

func main() {
	if err := run(); err != nil {
		slog.Error("application failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	app, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	setupLogging(app.LogLevel, app.LogFile)
	slog.Info("starting ggg download core", "config_dir", app.ConfigDir)

	persist := persistence.New(app, slog.Default())

	appSettings, err := persist.LoadAppSettings()
	if err != nil {
		return fmt.Errorf("failed to load settings.toml: %w", err)
	}
	warnings, err := appSettings.Validate()
	if err != nil {
		return fmt.Errorf("invalid settings.toml: %w", err)
	}
	for _, w := range warnings {
		slog.Warn(w)
	}

	hist := history.New(persist, 0, slog.Default())
	if err := hist.Load(); err != nil {
		return fmt.Errorf("failed to load history.toml: %w", err)
	}

	bus := eventbus.New(slog.Default())
	cb := breaker.New(breaker.DefaultConfig(), slog.Default())

	scriptsDir := appSettings.Scripts.Directory
	if scriptsDir == "" {
		scriptsDir = app.ScriptsDir()
	}
	scriptTimeout := time.Duration(appSettings.Scripts.Timeout) * time.Second
	if scriptTimeout <= 0 {
		scriptTimeout = time.Duration(app.ScriptTimeoutDefault) * time.Second
	}
	broker := script.New(scriptsDir, scriptTimeout, slog.Default())
	defer broker.Close()

	fetch := fetcher.New(fetcher.Config{
		Broker:       broker,
		Bus:          bus,
		MaxRedirects: appSettings.MaxRedirects,
		UserAgent:    appSettings.UserAgent,
	})

	mgr := scheduler.New(scheduler.Options{
		App:      app,
		Persist:  persist,
		History:  hist,
		Bus:      bus,
		Broker:   broker,
		Breaker:  cb,
		Fetcher:  fetch,
		Logger:   slog.Default(),
		Snapshot: config.NewSnapshot(appSettings, nil),
	})

	if err := mgr.Load(); err != nil {
		return fmt.Errorf("failed to load persisted folders: %w", err)
	}

	return runServer(mgr)
}

// runServer drives the Manager's admission loop until an interrupt or
// terminate signal arrives, mirroring the teacher's runServer/signal
// handling split.
func runServer(mgr *scheduler.Manager) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runErr := make(chan error, 1)
	go func() { runErr <- mgr.Run(ctx) }()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-runErr:
		if err != nil && err != context.Canceled {
			return fmt.Errorf("scheduler stopped: %w", err)
		}
	case sig := <-sigChan:
		slog.Info("received shutdown signal", "signal", sig.String())
		cancel()
		select {
		case <-runErr:
		case <-time.After(10 * time.Second):
			slog.Warn("scheduler did not shut down within grace period")
		}
	}

	slog.Info("ggg download core shutdown complete")
	return nil
}

// setupLogging configures structured logging based on the resolved log
// level, matching the teacher's setupLogging shape. When logFile is set,
// output is rotated through lumberjack instead of writing to stdout.
func setupLogging(level, logFile string) {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	var out io.Writer = os.Stdout
	if logFile != "" {
		out = &lumberjack.Logger{
			Filename:   logFile,
			MaxSize:    50, // megabytes
			MaxBackups: 5,
			MaxAge:     30, // days
		}
	}

	handler := slog.NewTextHandler(out, &slog.HandlerOptions{Level: logLevel})
	slog.SetDefault(slog.New(handler))
}
