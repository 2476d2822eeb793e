package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/felixgeelhaar/cadence/adapter/api"
	"github.com/spf13/cobra"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the sweep loop, outbox processor and API in the foreground",
	Long: `Run the full worker in the foreground: the sweep loop, the outbox
processor and the campaign HTTP API. Stops cleanly on SIGINT or SIGTERM.

For production deployments prefer the dedicated worker binary; serve is
meant for local runs against SQLite or a dev database.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		app := GetApp()
		if app == nil || app.Sweeper == nil || app.OutboxProcessor == nil {
			return fmt.Errorf("application not initialized - database connection required")
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := app.Sweeper.Start(ctx); err != nil {
			return fmt.Errorf("start sweeper: %w", err)
		}
		if err := app.OutboxProcessor.Start(ctx); err != nil {
			app.Sweeper.Stop()
			return fmt.Errorf("start outbox processor: %w", err)
		}

		serverCfg := api.DefaultServerConfig()
		if app.APIAddr != "" {
			serverCfg.Addr = app.APIAddr
		}
		if serveAddr != "" {
			serverCfg.Addr = serveAddr
		}
		server := api.NewServer(serverCfg,
			api.NewCampaignHandler(api.CampaignHandlerConfig{
				Enroll:    app.EnrollHandler,
				Archive:   app.ArchiveHandler,
				Status:    app.StatusHandler,
				GetRecord: app.GetRecordHandler,
				Logger:    logger,
			}),
			api.NewSchedulerHandler(app.Sweeper, logger),
			logger,
		)

		serverErr := make(chan error, 1)
		go func() {
			if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serverErr <- err
			}
		}()

		fmt.Printf("cadence serving on %s (ctrl-c to stop)\n", serverCfg.Addr)

		var runErr error
		select {
		case <-ctx.Done():
		case runErr = <-serverErr:
		}

		// Stop order: no new attempts first, then drain events, then
		// close the API.
		app.Sweeper.Stop()
		app.OutboxProcessor.Stop()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil && runErr == nil {
			runErr = fmt.Errorf("API shutdown: %w", err)
		}

		if runErr != nil {
			return runErr
		}
		fmt.Println("stopped")
		return nil
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "API listen address (overrides API_ADDR)")
	rootCmd.AddCommand(serveCmd)
}
