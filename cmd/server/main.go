package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/arcade-ledger/internal/achievement"
	"github.com/arcade-ledger/internal/config"
	"github.com/arcade-ledger/internal/handler"
	"github.com/arcade-ledger/internal/kafka"
	"github.com/arcade-ledger/internal/postgres"
	"github.com/arcade-ledger/internal/redis"
	"github.com/arcade-ledger/internal/reward"
	"github.com/arcade-ledger/internal/service"
	"github.com/arcade-ledger/internal/websocket"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, found, err := config.LoadOrDefault(*configPath)
	if err != nil {
		slog.Error("failed to load config", "path", *configPath, "error", err)
		os.Exit(1)
	}

	// Setup structured logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.Log.SlogLevel(),
	}))
	slog.SetDefault(logger)
	if !found {
		logger.Warn("config file not found, using defaults and environment", "path", *configPath)
	}

	// Create context with cancellation
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

	// Initialize Redis
	logger.Info("connecting to Redis", "addr", cfg.Redis.Addr)
	redisService, err := redis.NewLeaderboardService(&cfg.Redis, logger)
	if err != nil {
		logger.Error("failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	defer redisService.Close()
	logger.Info("connected to Redis")

	// Initialize PostgreSQL
	logger.Info("connecting to PostgreSQL", "host", cfg.Postgres.Host, "database", cfg.Postgres.Database)
	postgresRepo, err := postgres.NewRepository(&cfg.Postgres, logger)
	if err != nil {
		logger.Error("failed to connect to PostgreSQL", "error", err)
		os.Exit(1)
	}
	defer postgresRepo.Close()
	logger.Info("connected to PostgreSQL")

	// Run database migrations
	if err := postgresRepo.RunMigrations(ctx); err != nil {
		logger.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}

	ledgerService := service.NewLedgerService(
		postgresRepo,
		redisService,
		calculator,
		engine,
		&cfg.Leaderboard,
		logger,
	)

	// New subscribers get the top of their board from the service
	wsHub := websocket.NewHub(ledgerService, websocket.Options{
		Origins:      cfg.Server.AllowedOrigins,
		SnapshotSize: cfg.Leaderboard.DefaultLimit,
	}, logger)
	hubCtx, stopHub := context.WithCancel(ctx)
	defer stopHub()
	go wsHub.Run(hubCtx)
	ledgerService.SetHub(wsHub)

	// Redis only caches standings; reload them from the ledger on startup
	logger.Info("rebuilding leaderboards from database")
	if n, err := ledgerService.RebuildLeaderboards(ctx); err != nil {
		logger.Warn("failed to rebuild leaderboards on startup", "error", err)
	} else {
		logger.Info("leaderboards rebuilt", "standings", n)
	}

	// Kafka carries bulk submissions from arcade cabinets
	var kafkaConsumer *kafka.Consumer
	if cfg.Kafka.Enabled {
		logger.Info("initializing Kafka consumer",
			"brokers", cfg.Kafka.Brokers,
			"topic", cfg.Kafka.Topic,
		)
		var err error
		kafkaConsumer, err = kafka.NewConsumer(&cfg.Kafka, ledgerService, logger)
		if err != nil {
			logger.Warn("failed to create Kafka consumer, continuing without Kafka", "error", err)
		} else if err := kafkaConsumer.Start(); err != nil {
			logger.Warn("failed to start Kafka consumer, continuing without Kafka", "error", err)
			kafkaConsumer = nil
		} else {
			logger.Info("Kafka consumer started successfully")
		}
	}

	httpHandler := handler.NewHandler(ledgerService, wsHub, cfg.Server.AllowedOrigins, logger, postgresRepo, redisService)

	// Create HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      httpHandler.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Start server in goroutine
	go func() {
		logger.Info("starting HTTP server", "port", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// Stop accepting requests before the consumers that feed the ledger
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shutdown server", "error", err)
	}

	if kafkaConsumer != nil {
		if err := kafkaConsumer.Stop(); err != nil {
			logger.Error("failed to stop Kafka consumer", "error", err)
		}
	}

	stopHub()

	logger.Info("server stopped")
}
