package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/felixgeelhaar/cadence/adapter/cli"
	"github.com/felixgeelhaar/cadence/adapter/cli/campaign"
	"github.com/felixgeelhaar/cadence/internal/app"
	"github.com/felixgeelhaar/cadence/pkg/config"
	"github.com/felixgeelhaar/cadence/pkg/observability"
)

func main() {
	// Setup logger from CADENCE_LOG_* environment
	logger := observability.LoggerFromEnv()

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		cancel()
	}()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// In development without .env, use defaults
		logger.Warn("failed to load config, using development mode", "error", err)
		cfg = &config.Config{AppEnv: "development"}
	}

	// Update logger level based on config
	if cfg.IsDevelopment() {
		logCfg := observability.DefaultLogConfig()
		logCfg.Level = observability.LogLevelDebug
		logger = observability.NewLogger(logCfg)
	}
	cli.SetLogger(logger)

	// Try to initialize the full container
	var cliApp *cli.App
	container, err := app.NewContainerFromConfig(ctx, cfg, logger)
	if err != nil {
		if cfg.IsDevelopment() {
			logger.Warn("failed to initialize container, running in limited mode", "error", err)
			// In development, allow CLI to run without a store
			cliApp = nil
		} else {
			logger.Error("failed to initialize container", "error", err)
			os.Exit(1)
		}
	} else {
		defer container.Close()

		// Start outbox processor in background (optional in CLI)
		if cfg.OutboxProcessorEnabled {
			go container.OutboxProcessor.Start(ctx)
		} else {
			logger.Info("outbox processor disabled in CLI")
		}

		cliApp = cli.NewApp(
			container.EnrollHandler,
			container.ArchiveHandler,
			container.StatusHandler,
			container.GetRecordHandler,
			container.Sweeper,
			container.OutboxProcessor,
		)
		cliApp.SetAPIAddr(cfg.APIAddr)
	}

	// Set the CLI app
	cli.SetApp(cliApp)

	// Register commands
	cli.AddCommand(campaign.Cmd)

	// Execute CLI
	cli.Execute()
}
