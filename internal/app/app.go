// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package app wires together the orchestration server: configuration,
// storage, the Message Bus, the Blackboard, the Worker Manager, and the
// External I/O surface. The lifecycle shape (Options, New, Initialize,
// Start, Run, Shutdown, signal handling) follows the teacher's own
// internal/app/app.go; the dependency graph it builds is entirely Fleet's.
package app

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/claudefleet/fleet/internal/api"
	"github.com/claudefleet/fleet/internal/blackboard"
	"github.com/claudefleet/fleet/internal/bus"
	"github.com/claudefleet/fleet/internal/config"
	"github.com/claudefleet/fleet/internal/events"
	"github.com/claudefleet/fleet/internal/inbox"
	"github.com/claudefleet/fleet/internal/logging"
	"github.com/claudefleet/fleet/internal/nativebridge"
	"github.com/claudefleet/fleet/internal/storage"
	"github.com/claudefleet/fleet/internal/tmux"
	"github.com/claudefleet/fleet/internal/worker"
	"github.com/claudefleet/fleet/internal/worktreepool"
)

// App is the orchestration server's main container.
type App struct {
	mu sync.RWMutex

	configPath string
	version    string
	config     *config.Config
	log        *logging.Logger

	eventBus   events.EventBus
	store      *storage.Store
	msgBus     *bus.Bus
	board      *blackboard.Blackboard
	inboxBr    *inbox.Bridge
	worktrees  *worktreepool.Pool
	native     *nativebridge.Bridge
	workerMgr  *worker.Manager
	apiServer  *api.Server

	done     chan struct{}
	stopOnce sync.Once
}

// Options holds configuration options for the app.
type Options struct {
	ConfigPath string
	Host       string
	Port       int
	WorkDir    string
	Version    string
}

// New creates a new App instance: loads config and builds the event bus.
// Every other collaborator is constructed in Initialize, since several of
// them (storage, native bridge) can fail in ways worth surfacing separately
// from config loading.
func New(opts Options) (*App, error) {
	app := &App{
		configPath: opts.ConfigPath,
		version:    opts.Version,
		log:        logging.New("app"),
		done:       make(chan struct{}),
	}

	loader := config.NewLoader()
	if err := loader.LoadDotEnv(".env"); err != nil {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	var cfg *config.Config
	if opts.ConfigPath != "" {
		loaded, err := loader.Load(opts.ConfigPath)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	} else if path, err := loader.FindConfig(); err == nil {
		loaded, err := loader.Load(path)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	} else {
		cfg = config.Defaults()
	}
	loader.ApplyEnvOverrides(cfg)

	if opts.Host != "" {
		cfg.Server.Host = opts.Host
	}
	if opts.Port > 0 {
		cfg.Server.Port = opts.Port
	}
	if opts.WorkDir == "" {
		opts.WorkDir = "."
	}
	app.config = cfg

	app.eventBus = events.NewMemoryEventBus(events.MemoryBusConfig{
		HistoryMaxEvents: 5000,
		HistoryMaxAge:    24 * time.Hour,
	})

	return app, nil
}

// Initialize builds the storage, blackboard, worker-support, and Worker
// Manager layers, then restores any persisted workers.
func (app *App) Initialize(ctx context.Context, workDir string) error {
	cfg := app.config

	store, err := storage.Open(cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	app.store = store

	app.msgBus = bus.New(cfg.Bus.MaxMessagesPerTopic)
	app.board = blackboard.New(store, app.msgBus)

	if inboxBr, err := inbox.New(cfg.WorkerManager.WorktreeBaseDir + "/.inbox"); err == nil {
		app.inboxBr = inboxBr
	} else {
		app.log.Printf("inbox bridge unavailable: %v", err)
	}

	if cfg.WorkerManager.UseWorktrees {
		app.worktrees = worktreepool.New(workDir, cfg.WorkerManager.WorktreeBaseDir, worktreepool.NewRealGitExecutor())
	}

	if cfg.WorkerManager.WorkerBinary != "" {
		if native, err := nativebridge.New(cfg.WorkerManager.WorkerBinary, workDir); err == nil {
			app.native = native
		} else {
			app.log.Printf("native bridge unavailable: %v", err)
		}
	}

	app.workerMgr = worker.New(cfg, worker.Deps{
		Store:       app.store,
		Bus:         app.eventBus,
		Blackboard:  app.board,
		InboxBridge: app.inboxBr,
		Worktrees:   app.worktrees,
		Native:      app.native,
		TmuxExec:    tmux.NewRealExecutor(),
	})

	if err := app.workerMgr.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize worker manager: %w", err)
	}

	app.apiServer = api.NewServer(api.ServerConfig{
		Host:         cfg.Server.Host,
		Port:         cfg.Server.Port,
		TLSCert:      cfg.Server.TLSCert,
		TLSKey:       cfg.Server.TLSKey,
		TLSTailscale: cfg.Server.TLSTailscale,
		AuthSeed:     cfg.Server.AuthSeed,
	}, api.Dependencies{
		WorkerManager: app.workerMgr,
		Blackboard:    app.board,
		EventBus:      app.eventBus,
	})

	return nil
}

// Start launches the health monitor and the API server.
func (app *App) Start(ctx context.Context) error {
	app.workerMgr.Start(ctx)

	go func() {
		app.log.Printf("starting API server on %s:%d", app.config.Server.Host, app.config.Server.Port)
		if err := app.apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			app.log.Printf("API server error: %v", err)
		}
	}()

	return nil
}

// Run starts the app and blocks until shutdown.
func (app *App) Run(ctx context.Context, workDir string) error {
	if err := app.Initialize(ctx, workDir); err != nil {
		return err
	}
	if err := app.Start(ctx); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Printf("received signal %v, shutting down...", sig)
	case <-ctx.Done():
		log.Printf("context cancelled, shutting down...")
	case <-app.done:
		log.Printf("shutdown requested...")
	}

	return app.Shutdown(context.Background())
}

// Shutdown gracefully shuts down all components.
func (app *App) Shutdown(ctx context.Context) error {
	app.mu.Lock()
	defer app.mu.Unlock()

	log.Println("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if app.apiServer != nil {
		if err := app.apiServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("error shutting down API server: %v", err)
		}
	}

	if app.workerMgr != nil {
		app.workerMgr.DismissAll(shutdownCtx)
	}

	if app.native != nil {
		if err := app.native.Close(); err != nil {
			log.Printf("error closing native bridge: %v", err)
		}
	}

	if app.eventBus != nil {
		app.eventBus.Close()
	}

	if app.store != nil {
		if err := app.store.Close(); err != nil {
			log.Printf("error closing storage: %v", err)
		}
	}

	log.Println("shutdown complete")
	return nil
}

// Stop signals the app to shut down. Safe to call multiple times.
func (app *App) Stop() {
	app.stopOnce.Do(func() {
		close(app.done)
	})
}
