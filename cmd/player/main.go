package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/arcade-ledger/internal/achievement"
	"github.com/arcade-ledger/internal/config"
	"github.com/arcade-ledger/internal/handler"
	"github.com/arcade-ledger/internal/ingest"
	"github.com/arcade-ledger/internal/kafka"
	"github.com/arcade-ledger/internal/leaderboard"
	"github.com/arcade-ledger/internal/ledger"
	"github.com/arcade-ledger/internal/outbox"
	"github.com/arcade-ledger/internal/remote"
	"github.com/arcade-ledger/internal/reward"
	"github.com/arcade-ledger/internal/worker"
)

func main() {
	configPath := flag.String("config", "player.yaml", "Path to configuration file")
	flag.Parse()

	cfg, found, err := config.LoadOrDefault(*configPath)
	if err != nil {
		slog.Error("failed to load config", "path", *configPath, "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.Log.SlogLevel(),
	}))
	slog.SetDefault(logger)
	if !found {
		logger.Warn("config file not found, using defaults and environment", "path", *configPath)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	calculator, err := reward.NewCalculator(cfg.Rewards.Games)
	if err != nil {
		logger.Error("invalid reward configuration", "error", err)
		os.Exit(1)
	}
	engine, err := achievement.NewEngine(achievement.DefaultCatalogue)
	if err != nil {
		logger.Error("invalid achievement catalogue", "error", err)
		os.Exit(1)
	}

	store, err := ledger.Open(ctx, cfg.Ledger.Path, cfg.Ledger.BusyTimeout, logger)
	if err != nil {
		logger.Error("failed to open ledger", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	queue := outbox.NewQueue(store.DB(), outbox.PolicyFromConfig(&cfg.Sync), logger)

	// The sync client is optional: without it the device keeps scoring
	// offline and the outbox simply grows.
	var (
		syncClient *worker.SyncClient
		notifier   ingest.Notifier
		syncer     handler.Syncer
	)
	if cfg.Sync.Enabled {
		sinks := []worker.DeadLetterSink{worker.LogSink{Logger: logger}}
		if cfg.Kafka.Enabled {
			producer, err := kafka.NewDeadLetterProducer(&cfg.Kafka, logger)
			if err != nil {
				logger.Warn("failed to create dead letter producer, continuing without Kafka", "error", err)
			} else {
				defer producer.Close()
				sinks = append(sinks, producer)
			}
		}

		backend := remote.New(cfg.Sync.BackendURL, cfg.Sync.RequestTimeout, logger)
		syncClient = worker.NewSyncClient(backend, queue, store, &cfg.Sync, logger, sinks...)
		notifier = syncClient
		syncer = syncClient
	}

	board := leaderboard.New()
	pipeline := ingest.New(store, calculator, engine, board, notifier, cfg.Leaderboard, logger)
	if _, err := pipeline.Rebuild(ctx); err != nil {
		logger.Error("failed to rebuild leaderboards", "error", err)
		os.Exit(1)
	}

	if syncClient != nil {
		if err := syncClient.Start(ctx); err != nil {
			logger.Error("failed to start sync client", "error", err)
			os.Exit(1)
		}
	}

	localHandler := handler.NewLocalHandler(pipeline, store, queue, syncer, cfg.Local.PlayerID, cfg.Server.AllowedOrigins, logger)

	server := &http.Server{
		Addr:         cfg.Local.Addr,
		Handler:      localHandler.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.Info("starting local API", "addr", cfg.Local.Addr, "player_id", cfg.Local.PlayerID)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down player daemon...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shutdown server", "error", err)
	}

	if syncClient != nil {
		if err := syncClient.Close(); err != nil {
			logger.Error("failed to stop sync client", "error", err)
		}
	}

	logger.Info("player daemon stopped")
}
