package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/prometheus/client_golang/prometheus"

	"git.home.luguber.info/inful/buildbot/internal/analysis"
	"git.home.luguber.info/inful/buildbot/internal/changelog"
	"git.home.luguber.info/inful/buildbot/internal/config"
	"git.home.luguber.info/inful/buildbot/internal/executor"
	"git.home.luguber.info/inful/buildbot/internal/fileops"
	"git.home.luguber.info/inful/buildbot/internal/history"
	"git.home.luguber.info/inful/buildbot/internal/metrics"
	"git.home.luguber.info/inful/buildbot/internal/notify"
	"git.home.luguber.info/inful/buildbot/internal/orchestrator"
	"git.home.luguber.info/inful/buildbot/internal/queue"
	"git.home.luguber.info/inful/buildbot/internal/scheduler"
	"git.home.luguber.info/inful/buildbot/internal/server"
)

var CLI struct {
	Config  string `short:"c" help:"Configuration file path" default:"buildbot.yaml"`
	Verbose bool   `short:"v" help:"Enable verbose logging"`

	Serve struct{} `cmd:"" help:"Run the build service"`

	Init struct {
		Force bool `help:"Overwrite existing configuration file"`
	} `cmd:"" help:"Initialize a new configuration file"`
}

func main() {
	ctx := kong.Parse(&CLI)

	logLevel := slog.LevelInfo
	if CLI.Verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))

	switch ctx.Command() {
	case "serve":
		cfg, err := config.Load(CLI.Config)
		if err != nil {
			slog.Error("Failed to load configuration", "error", err)
			os.Exit(1)
		}
		if err := runServe(cfg); err != nil {
			slog.Error("Service failed", "error", err)
			os.Exit(1)
		}
	case "init":
		if err := config.Init(CLI.Config, CLI.Init.Force); err != nil {
			slog.Error("Init failed", "error", err)
			os.Exit(1)
		}
		slog.Info("Configuration written", "path", CLI.Config)
	}
}

func runServe(cfg *config.Config) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	for _, path := range []string{cfg.QueueStateFile, cfg.HistoryDB} {
		if dir := dirOf(path); dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("create data directory %s: %w", dir, err)
			}
		}
	}

	var recorder metrics.Recorder = metrics.NoopRecorder{}
	if cfg.Metrics.Enabled {
		recorder = metrics.NewPrometheusRecorder(prometheus.DefaultRegisterer.(*prometheus.Registry))
	}

	taskQueue := queue.New(cfg.QueueStateFile)

	files := fileops.NewManager(fileops.Options{
		WorkspaceRoot:     cfg.WorkspaceRoot,
		PublishRoot:       cfg.PublishRoot,
		DiskWarnThreshold: cfg.DiskWarnThresholdBytes(),
	})

	exec := executor.New(executor.Options{
		LivenessTimeout: cfg.LivenessTimeout(),
		MaxLogLines:     cfg.Executor.MaxLogLines,
		CancelGrace:     cfg.CancelGrace(),
	})

	store, err := history.NewStore(cfg.HistoryDB, 0)
	if err != nil {
		return err
	}
	defer store.Close()

	var analyzer analysis.Analyzer
	if cfg.AI.Enabled {
		analyzer, err = analysis.NewOllamaAnalyzer(cfg.AI.URL, cfg.AI.Model, cfg.AITimeout(), cfg.AI.MaxRetries)
		if err != nil {
			return fmt.Errorf("create failure analyzer: %w", err)
		}
		slog.Info("Failure analysis enabled", "analyzer", analyzer.Name())
	}

	orch := orchestrator.New(orchestrator.Config{
		Queue:           taskQueue,
		Executor:        exec,
		Files:           files,
		Analyzer:        analyzer,
		History:         store,
		Changelog:       changelog.NewGenerator(cfg.WorkspaceRoot),
		Recorder:        recorder,
		MinArtifactSize: cfg.MinArtifactSizeBytes(),
	})
	orch.Start(ctx)
	exec.AddProgressCallback(orch.RelayProgress)

	if cfg.NATS.Enabled {
		publisher, err := notify.NewPublisher(cfg.NATS.URL, cfg.NATS.ProgressSubject, cfg.NATS.ResultSubject)
		if err != nil {
			return fmt.Errorf("create event publisher: %w", err)
		}
		defer publisher.Close()
		orch.AddProgressCallback(publisher.PublishProgress)
		orch.AddResultCallback(publisher.PublishResult)
	}

	sched, err := scheduler.New(orch)
	if err != nil {
		return err
	}
	if err := sched.AddSchedules(cfg.Schedules); err != nil {
		return err
	}
	sched.Start(ctx)

	// The reload callback below swaps the scheduler from the watcher's
	// goroutine; every access goes through the mutex.
	var schedMu sync.Mutex
	defer func() {
		schedMu.Lock()
		current := sched
		schedMu.Unlock()
		if err := current.Stop(); err != nil {
			slog.Warn("Failed to stop scheduler", "error", err)
		}
	}()

	var httpServer *server.Server
	if cfg.Server.Enabled {
		httpServer = server.New(server.Options{
			ListenAddr:     cfg.Server.ListenAddr,
			PublishRoot:    cfg.PublishRoot,
			MetricsEnabled: cfg.Metrics.Enabled,
		}, orch, store)
		if err := httpServer.Start(ctx); err != nil {
			return err
		}
	}

	// Schedules are the only live-reloadable section; roots and ports
	// require a restart.
	watcher, err := config.NewWatcher(CLI.Config, func(updated *config.Config) {
		schedMu.Lock()
		current := sched
		schedMu.Unlock()
		if err := current.Stop(); err != nil {
			slog.Warn("Failed to stop scheduler for reload", "error", err)
			return
		}
		next, err := scheduler.New(orch)
		if err != nil {
			slog.Error("Failed to recreate scheduler", "error", err)
			return
		}
		if err := next.AddSchedules(updated.Schedules); err != nil {
			slog.Error("Failed to apply reloaded schedules", "error", err)
			return
		}
		next.Start(ctx)
		schedMu.Lock()
		sched = next
		schedMu.Unlock()
		slog.Info("Schedules reloaded", "count", len(updated.Schedules))
	})
	if err != nil {
		return err
	}
	if err := watcher.Start(ctx); err != nil {
		return err
	}
	defer watcher.Stop()

	slog.Info("buildbot running",
		"workspace_root", cfg.WorkspaceRoot,
		"publish_root", cfg.PublishRoot,
		"queued_tasks", taskQueue.Len())

	<-ctx.Done()
	slog.Info("Shutdown signal received, stopping...")

	if exec.IsExecuting() {
		slog.Info("Cancelling running build before shutdown")
		exec.CancelCurrentTask()
	}

	if httpServer != nil {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer stopCancel()
		if err := httpServer.Stop(stopCtx); err != nil {
			return fmt.Errorf("stop http server: %w", err)
		}
	}

	slog.Info("buildbot stopped")
	return nil
}

func dirOf(path string) string {
	if path == "" || path == ":memory:" {
		return ""
	}
	if dir := filepath.Dir(path); dir != "." {
		return dir
	}
	return ""
}
