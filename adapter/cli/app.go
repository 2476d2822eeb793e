package cli

import (
	"github.com/felixgeelhaar/cadence/internal/campaign/application/commands"
	"github.com/felixgeelhaar/cadence/internal/campaign/application/queries"
	"github.com/felixgeelhaar/cadence/internal/campaign/application/services"
	"github.com/felixgeelhaar/cadence/internal/shared/infrastructure/outbox"
)

// App holds the CLI application dependencies.
type App struct {
	// Campaign command handlers
	EnrollHandler  *commands.EnrollCampaignHandler
	ArchiveHandler *commands.ArchiveCampaignHandler

	// Campaign query handlers
	StatusHandler    *queries.CampaignStatusHandler
	GetRecordHandler *queries.GetCampaignRecordHandler

	// Scheduler loop, driven by sweep and serve
	Sweeper *services.Sweeper

	// Outbox drain, started by serve alongside the sweeper
	OutboxProcessor *outbox.Processor

	// API listen address for serve (configured per environment)
	APIAddr string
}

// NewApp creates a new CLI application with the provided handlers.
func NewApp(
	enrollHandler *commands.EnrollCampaignHandler,
	archiveHandler *commands.ArchiveCampaignHandler,
	statusHandler *queries.CampaignStatusHandler,
	getRecordHandler *queries.GetCampaignRecordHandler,
	sweeper *services.Sweeper,
	outboxProcessor *outbox.Processor,
) *App {
	return &App{
		EnrollHandler:    enrollHandler,
		ArchiveHandler:   archiveHandler,
		StatusHandler:    statusHandler,
		GetRecordHandler: getRecordHandler,
		Sweeper:          sweeper,
		OutboxProcessor:  outboxProcessor,
	}
}

// SetAPIAddr updates the API listen address used by serve.
func (a *App) SetAPIAddr(addr string) {
	a.APIAddr = addr
}

// app is the global CLI application instance
var app *App

// SetApp sets the global CLI application instance.
func SetApp(a *App) {
	app = a
}

// GetApp returns the global CLI application instance.
func GetApp() *App {
	return app
}
