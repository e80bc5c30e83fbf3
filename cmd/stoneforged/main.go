// Package main is the entry point for stoneforged, the orchestration
// daemon: it wires storage, the event bus, and the services, then runs the
// dispatch loop until signalled.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/stoneforge-ai/stoneforge/internal/common/config"
	"github.com/stoneforge-ai/stoneforge/internal/common/logger"
	"github.com/stoneforge-ai/stoneforge/internal/common/tracing"
	"github.com/stoneforge-ai/stoneforge/internal/daemon"
	"github.com/stoneforge-ai/stoneforge/internal/db"
	"github.com/stoneforge-ai/stoneforge/internal/events"
	"github.com/stoneforge-ai/stoneforge/internal/graph"
	"github.com/stoneforge-ai/stoneforge/internal/ops"
	"github.com/stoneforge-ai/stoneforge/internal/session"
	"github.com/stoneforge-ai/stoneforge/internal/store/sqlite"
	"github.com/stoneforge-ai/stoneforge/internal/task"
	"github.com/stoneforge-ai/stoneforge/internal/workflow"
	"github.com/stoneforge-ai/stoneforge/internal/worktree"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting stoneforged...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 3. Event bus: NATS when configured, in-memory otherwise
	eventBus, busCleanup, err := events.Provide(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize event bus", zap.Error(err))
	}
	defer busCleanup()

	// 4. Storage
	pool, err := db.Open(cfg.Storage.Path)
	if err != nil {
		log.Fatal("Failed to open database", zap.Error(err), zap.String("path", cfg.Storage.Path))
	}
	st, err := sqlite.New(ctx, pool, log)
	if err != nil {
		log.Fatal("Failed to initialize store", zap.Error(err))
	}
	defer st.Close()
	log.Info("Store initialized", zap.String("path", cfg.Storage.Path))

	// 5. Core services
	graphSvc := graph.NewService(st, eventBus, log)
	taskSvc := task.NewService(st, graphSvc, eventBus, log)

	worktrees, err := worktree.NewManager(worktree.Config{
		Root:         cfg.Worktree.Root,
		BaseRef:      cfg.Worktree.BaseRef,
		BranchPrefix: cfg.Worktree.BranchPrefix,
	}, log)
	if err != nil {
		log.Fatal("Failed to initialize worktree manager", zap.Error(err))
	}

	sessions, err := session.NewManager(session.Config{
		Command:             cfg.Session.Command,
		Args:                cfg.Session.Args,
		SpawnTimeout:        cfg.Session.SpawnTimeout,
		GracefulStopTimeout: cfg.Session.GracefulStopTimeout,
		EventBuffer:         cfg.Session.EventBuffer,
	}, st, pool, eventBus, log)
	if err != nil {
		log.Fatal("Failed to initialize session manager", zap.Error(err))
	}

	// 6. Playbooks
	registry := workflow.NewRegistry()
	if cfg.Playbooks.Dir != "" {
		registry, err = workflow.LoadDir(cfg.Playbooks.Dir)
		if err != nil {
			log.Fatal("Failed to load playbooks", zap.Error(err), zap.String("dir", cfg.Playbooks.Dir))
		}
		if err := registry.RegisterElements(ctx, st, cfg.Daemon.Actor); err != nil {
			log.Fatal("Failed to register playbooks", zap.Error(err))
		}
		log.Info("Playbooks loaded", zap.Strings("names", registry.Names()))
	}
	workflowSvc := workflow.NewService(st, graphSvc, eventBus, registry, log)

	// 7. Dispatch daemon
	dmn := daemon.New(daemon.Config{
		TickInterval:       cfg.Daemon.TickInterval,
		MaxSessionDuration: cfg.Daemon.MaxSessionDuration,
		RetryLimit:         cfg.Daemon.RetryLimit,
		GCEveryTicks:       cfg.Daemon.GCEveryTicks,
		GCMaxAge:           cfg.Daemon.GCMaxAge,
		GCLimit:            cfg.Daemon.GCLimit,
		ShutdownTimeout:    cfg.Daemon.ShutdownTimeout,
		Actor:              cfg.Daemon.Actor,
	}, st, taskSvc, sessions, worktrees, workflowSvc, eventBus, log)

	opsSrv := ops.NewServer(cfg.Ops, st, taskSvc, sessions, dmn, eventBus, log)

	// 8. Run components under one supervision group
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := dmn.Start(gctx); err != nil {
			return err
		}
		<-gctx.Done()
		return nil
	})

	if cfg.Ops.Enabled {
		g.Go(func() error {
			if err := opsSrv.Start(); err != nil {
				return err
			}
			<-gctx.Done()
			return nil
		})
	}

	g.Go(func() error {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(quit)
		select {
		case sig := <-quit:
			log.Info("Shutdown signal received", zap.String("signal", sig.String()))
			cancel()
		case <-gctx.Done():
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Error("Component failed", zap.Error(err))
	}

	// 9. Ordered shutdown: the listener first, then the daemon, which stops
	// every running session before returning.
	log.Info("Shutting down stoneforged...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Daemon.ShutdownTimeout)
	defer shutdownCancel()

	if err := opsSrv.Stop(shutdownCtx); err != nil {
		log.Error("Ops endpoint shutdown error", zap.Error(err))
	}
	if err := dmn.Stop(); err != nil {
		log.Error("Daemon stop error", zap.Error(err))
	}
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("Tracing shutdown error", zap.Error(err))
	}

	log.Info("stoneforged stopped")
}
