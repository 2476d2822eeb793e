package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/felixgeelhaar/cadence/adapter/api"
	"github.com/felixgeelhaar/cadence/internal/app"
	"github.com/felixgeelhaar/cadence/internal/shared/infrastructure/eventbus"
	"github.com/felixgeelhaar/cadence/pkg/config"
	"github.com/felixgeelhaar/cadence/pkg/observability"
)

func main() {
	// Setup logger
	logCfg := observability.DefaultLogConfig()
	logCfg.Output = os.Stdout
	logCfg.ServiceName = "cadence-worker"
	logger := observability.NewLogger(logCfg)

	logger.Info("starting cadence worker")

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// Update logger level based on config
	if cfg.IsDevelopment() {
		logCfg.Level = observability.LogLevelDebug
		logger = observability.NewLogger(logCfg)
	} else if cfg.IsProduction() {
		prodCfg := observability.ProductionLogConfig()
		prodCfg.ServiceName = logCfg.ServiceName
		logger = observability.NewLogger(prodCfg)
	}

	// Wire stores, executors, sweeper and handlers. Migrations run here.
	container, err := app.NewContainerFromConfig(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialize application", "error", err)
		os.Exit(1)
	}

	// Start the scheduler loop
	if err := container.Sweeper.Start(ctx); err != nil {
		logger.Error("failed to start sweeper", "error", err)
		container.Close()
		os.Exit(1)
	}
	logger.Info("sweeper started",
		"interval", cfg.SweepInterval,
		"max_steps", cfg.SweepMaxSteps,
	)

	// Start the outbox processor
	if cfg.OutboxProcessorEnabled {
		if err := container.OutboxProcessor.Start(ctx); err != nil {
			logger.Error("failed to start outbox processor", "error", err)
			container.Sweeper.Stop()
			container.Close()
			os.Exit(1)
		}
		logger.Info("outbox processor started",
			"poll_interval", cfg.OutboxPollInterval,
			"batch_size", cfg.OutboxBatchSize,
			"max_retries", cfg.OutboxMaxRetries,
		)
	}

	cleanupTicker := time.NewTicker(cfg.OutboxCleanupInterval)
	defer cleanupTicker.Stop()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-cleanupTicker.C:
				deleted, err := container.OutboxRepo.DeleteOld(ctx, cfg.OutboxRetentionDays)
				if err != nil {
					logger.Error("outbox cleanup failed", "error", err)
					continue
				}
				if deleted > 0 {
					logger.Info("outbox cleanup completed", "deleted", deleted, "retention_days", cfg.OutboxRetentionDays)
				}
			}
		}
	}()

	// Campaign API
	serverCfg := api.DefaultServerConfig()
	if cfg.APIAddr != "" {
		serverCfg.Addr = cfg.APIAddr
	}
	server := api.NewServer(serverCfg,
		api.NewCampaignHandler(api.CampaignHandlerConfig{
			Enroll:    container.EnrollHandler,
			Archive:   container.ArchiveHandler,
			Status:    container.StatusHandler,
			GetRecord: container.GetRecordHandler,
			Logger:    logger,
		}),
		api.NewSchedulerHandler(container.Sweeper, logger),
		logger,
	)
	go func() {
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			logger.Error("API server error", "error", err)
			cancel()
		}
	}()

	// Readiness checks: the store gates readiness, cache and broker
	// failures only degrade.
	registry := observability.NewHealthRegistry()
	registry.Register("database", observability.DatabaseHealthChecker(func(ctx context.Context) error {
		if container.DB != nil {
			return container.DB.Ping(ctx)
		}
		if container.SQLiteDB != nil {
			return container.SQLiteDB.PingContext(ctx)
		}
		return nil
	}))
	if container.RedisClient != nil {
		registry.Register("redis", observability.RedisHealthChecker(func(ctx context.Context) error {
			return container.RedisClient.Ping(ctx).Err()
		}))
	}
	if rabbit, ok := container.EventPublisher.(*eventbus.RabbitMQPublisher); ok {
		registry.Register("rabbitmq", observability.RabbitMQHealthChecker(func(ctx context.Context) error {
			return rabbit.Healthy()
		}))
	}

	if cfg.WorkerHealthAddr != "" {
		mux := http.NewServeMux()
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			sweepStats := container.Sweeper.Stats()
			outboxStats := container.OutboxProcessor.GetStats()
			response := map[string]any{
				"status":  "ok",
				"sweeper": sweepStats,
				"outbox": map[string]any{
					"running":           outboxStats.IsRunning,
					"published":         outboxStats.PublishedCount,
					"failed":            outboxStats.FailedCount,
					"dead":              outboxStats.DeadCount,
					"last_processed_at": outboxStats.LastProcessedAt,
					"last_error_at":     outboxStats.LastErrorAt,
					"last_error":        outboxStats.LastError,
				},
			}
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(response)
		})

		mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
			checkCtx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			health := registry.GetOverallHealth(checkCtx)
			w.Header().Set("Content-Type", "application/json")
			if health.Status == observability.HealthStatusUnhealthy {
				w.WriteHeader(http.StatusServiceUnavailable)
			}
			_ = json.NewEncoder(w).Encode(health)
		})

		healthSrv := &http.Server{
			Addr:              cfg.WorkerHealthAddr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}

		go func() {
			logger.Info("health server starting", "addr", cfg.WorkerHealthAddr)
			if err := healthSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("health server error", "error", err)
			}
		}()

		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := healthSrv.Shutdown(shutdownCtx); err != nil {
				logger.Warn("health server shutdown error", "error", err)
			}
		}()
	}

	statsTicker := time.NewTicker(cfg.OutboxStatsInterval)
	defer statsTicker.Stop()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-statsTicker.C:
				sweepStats := container.Sweeper.Stats()
				outboxStats := container.OutboxProcessor.GetStats()
				logger.Info("worker stats",
					"sweeper_running", sweepStats.Running,
					"ticks", sweepStats.Ticks,
					"calls_attempted", sweepStats.CallsAttempted,
					"emails_sent", sweepStats.EmailsSent,
					"sweep_errors", sweepStats.SweepErrors,
					"last_tick_at", sweepStats.LastTickAt,
					"outbox_running", outboxStats.IsRunning,
					"published", outboxStats.PublishedCount,
					"failed", outboxStats.FailedCount,
					"dead", outboxStats.DeadCount,
					"lag_seconds", outboxStats.LagSeconds,
				)
			}
		}
	}()

	// Wait for shutdown
	<-ctx.Done()
	logger.Info("shutting down worker")

	// No new attempts first, then drain events, then close the API and
	// the connections behind it.
	container.Sweeper.Stop()
	container.OutboxProcessor.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("API server shutdown error", "error", err)
	}

	container.Close()
	logger.Info("worker stopped")

	fmt.Println("Goodbye!")
}
