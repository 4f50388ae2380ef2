package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"spreadpilot/internal/alert"
	"spreadpilot/internal/broker"
	"spreadpilot/internal/config"
	"spreadpilot/internal/coordinator"
	"spreadpilot/internal/database"
	"spreadpilot/internal/execution"
	"spreadpilot/internal/feed"
	"spreadpilot/internal/gateway"
	"spreadpilot/internal/logger"
	"spreadpilot/internal/reconciler"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	// Load application configuration
	cfg, err := config.LoadConfig("./configs")
	if err != nil {
		// We can't use the logger here because it's not initialized yet.
		panic(fmt.Sprintf("could not load config: %v", err))
	}

	// Initialize logger
	log, err := logger.NewLogger(cfg.Logger.Level, cfg.Logger.Format)
	if err != nil {
		panic(err)
	}
	defer log.Sync()
	log.Info("Configuration loaded")

	// Initialize database
	db, err := database.NewDatabase(cfg.Database.DSN)
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}
	log.Info("Database connection successful and schema migrated.")

	// Alert sinks: logs always, Telegram when configured.
	sinks := alert.Multi{alert.NewZapSink(log)}
	if cfg.Alerts.Telegram.BotToken != "" {
		sinks = append(sinks, alert.NewTelegram(cfg.Alerts.Telegram))
		log.Info("Telegram alert sink enabled")
	}

	// Wire the core: resource manager, execution engine, reconciler,
	// all bound through the coordinator's per-follower lock.
	clients := broker.NewFactory(&cfg.Broker, log)
	launcher := gateway.NewExecLauncher(cfg.Gateway.Command)
	manager := gateway.NewManager(log, &cfg.Gateway, db, launcher, clients, sinks)
	engine := execution.NewEngine(log, &cfg.Execution, db, sinks)
	coord := coordinator.New(log, db, manager, engine)

	recon, err := reconciler.NewReconciler(log, &cfg.Reconciler, db, manager, coord, sinks)
	if err != nil {
		log.Fatal("Failed to create reconciler", zap.Error(err))
	}

	dispatcher := feed.NewDispatcher(log, &cfg.Feed, feed.NewGormSource(db), coord)

	// Setup context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		sigchan := make(chan os.Signal, 1)
		signal.Notify(sigchan, syscall.SIGINT, syscall.SIGTERM)
		<-sigchan
		log.Info("Shutdown signal received, gracefully shutting down...")
		cancel()
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { manager.Run(gctx); return nil })
	g.Go(func() error { recon.Run(gctx); return nil })
	g.Go(func() error { dispatcher.Run(gctx); return nil })

	if err := g.Wait(); err != nil {
		log.Error("Service exited with error", zap.Error(err))
	}
	log.Info("Service has been shut down.")
}
