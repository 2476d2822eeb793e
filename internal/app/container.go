// Package app wires configuration, infrastructure and application
// services into a runnable dependency container.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"

	"github.com/felixgeelhaar/cadence/internal/campaign/application/commands"
	"github.com/felixgeelhaar/cadence/internal/campaign/application/queries"
	"github.com/felixgeelhaar/cadence/internal/campaign/application/services"
	"github.com/felixgeelhaar/cadence/internal/campaign/domain"
	"github.com/felixgeelhaar/cadence/internal/campaign/infrastructure/cache"
	"github.com/felixgeelhaar/cadence/internal/campaign/infrastructure/contentgen"
	"github.com/felixgeelhaar/cadence/internal/campaign/infrastructure/email"
	"github.com/felixgeelhaar/cadence/internal/campaign/infrastructure/voice"
	sharedApplication "github.com/felixgeelhaar/cadence/internal/shared/application"
	"github.com/felixgeelhaar/cadence/internal/shared/infrastructure/database"
	"github.com/felixgeelhaar/cadence/internal/shared/infrastructure/eventbus"
	"github.com/felixgeelhaar/cadence/internal/shared/infrastructure/migrations"
	"github.com/felixgeelhaar/cadence/internal/shared/infrastructure/outbox"
	"github.com/felixgeelhaar/cadence/pkg/config"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

// Container holds all application dependencies.
type Container struct {
	Config *config.Config
	Logger *slog.Logger

	// Database
	DB       *pgxpool.Pool
	SQLiteDB *sql.DB
	DBDriver database.Driver

	// Redis
	RedisClient *redis.Client

	// Repositories
	CampaignRepo domain.CampaignRepository
	SourceStore  domain.SourceStore
	OutboxRepo   outbox.Repository

	// Publishers
	EventPublisher eventbus.Publisher

	// Unit of Work
	UnitOfWork sharedApplication.UnitOfWork

	// Outreach executors
	Dialer  *services.Dialer
	Emailer *services.Emailer

	// Progression engine and scheduler loop
	Progression *services.Progression
	Sweeper     *services.Sweeper

	// Outbox Processor
	OutboxProcessor *outbox.Processor

	// Command Handlers
	EnrollHandler  *commands.EnrollCampaignHandler
	ArchiveHandler *commands.ArchiveCampaignHandler

	// Query Handlers
	StatusHandler    *queries.CampaignStatusHandler
	GetRecordHandler *queries.GetCampaignRecordHandler
}

// NewContainer creates and wires all dependencies for PostgreSQL mode.
func NewContainer(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Container, error) {
	c := &Container{
		Config:   cfg,
		Logger:   logger,
		DBDriver: database.DriverPostgres,
	}

	// Connect to PostgreSQL
	pool, err := database.OpenPostgres(ctx, cfg.DatabaseURL, cfg.DBMaxConns)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	c.DB = pool
	logger.Info("connected to database")

	// Migrations are idempotent, so every process applies them on boot.
	if err := migrations.RunPostgresMigrations(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	// Create repositories
	if err := c.buildRepositories(NewPostgresRepositoryFactory(pool)); err != nil {
		pool.Close()
		return nil, err
	}

	// Connect to Redis (optional in development)
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			if !cfg.IsDevelopment() {
				pool.Close()
				return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
			}
			logger.Warn("invalid Redis URL, contact reads will hit the source store directly", "error", err)
		} else {
			redisClient := redis.NewClient(opt)
			if err := redisClient.Ping(ctx).Err(); err != nil {
				if !cfg.IsDevelopment() {
					pool.Close()
					return nil, fmt.Errorf("failed to connect to Redis: %w", err)
				}
				logger.Warn("Redis not available, contact reads will hit the source store directly", "error", err)
			} else {
				c.RedisClient = redisClient
				c.SourceStore = cache.NewCachedSourceStore(c.SourceStore, redisClient, cfg.ContactCacheTTL, logger)
				logger.Info("connected to Redis")
			}
		}
	}

	// Create event publisher
	publisher, err := eventbus.NewRabbitMQPublisher(cfg.RabbitMQURL, logger)
	if err != nil {
		// Fall back to noop publisher in development
		if cfg.IsDevelopment() {
			logger.Warn("RabbitMQ not available, using noop publisher")
			c.EventPublisher = eventbus.NewNoopPublisher(logger)
		} else {
			pool.Close()
			return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
		}
	} else {
		c.EventPublisher = publisher
	}

	if err := c.wireCampaign(ctx); err != nil {
		c.Close()
		return nil, err
	}

	return c, nil
}

// NewLocalContainer creates a container for local mode with SQLite.
// This provides zero-config operation without requiring PostgreSQL,
// Redis, or RabbitMQ.
func NewLocalContainer(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Container, error) {
	c := &Container{
		Config:   cfg,
		Logger:   logger,
		DBDriver: database.DriverSQLite,
	}

	// Initialize SQLite database
	db, err := database.OpenSQLite(ctx, cfg.SQLitePath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize SQLite: %w", err)
	}
	c.SQLiteDB = db
	logger.Info("local mode, using SQLite", "path", cfg.SQLitePath)

	if err := migrations.RunSQLiteMigrations(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	// Create repositories using factory
	if err := c.buildRepositories(NewSQLiteRepositoryFactory(db)); err != nil {
		db.Close()
		return nil, err
	}

	// Use noop publisher for local mode (no RabbitMQ). Events stay in
	// the outbox table until a processor with a real publisher drains
	// them.
	c.EventPublisher = eventbus.NewNoopPublisher(logger)

	if err := c.wireCampaign(ctx); err != nil {
		c.Close()
		return nil, err
	}

	return c, nil
}

// NewMemoryContainer creates a container over the in-memory stores.
// Nothing survives the process; tests and DATABASE_DRIVER=memory runs
// use it.
func NewMemoryContainer(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Container, error) {
	c := &Container{
		Config:   cfg,
		Logger:   logger,
		DBDriver: database.DriverMemory,
	}

	if err := c.buildRepositories(NewMemoryRepositoryFactory()); err != nil {
		return nil, err
	}

	c.EventPublisher = eventbus.NewNoopPublisher(logger)

	if err := c.wireCampaign(ctx); err != nil {
		return nil, err
	}

	return c, nil
}

// NewContainerFromConfig picks the container variant for the configured
// database driver.
func NewContainerFromConfig(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Container, error) {
	switch database.Driver(cfg.DatabaseDriver) {
	case database.DriverSQLite:
		return NewLocalContainer(ctx, cfg, logger)
	case database.DriverMemory:
		return NewMemoryContainer(ctx, cfg, logger)
	default:
		return NewContainer(ctx, cfg, logger)
	}
}

// buildRepositories attaches the factory's stores to the container.
func (c *Container) buildRepositories(factory *RepositoryFactory) error {
	campaignRepo, err := factory.CampaignRepository()
	if err != nil {
		return fmt.Errorf("failed to create campaign repository: %w", err)
	}
	c.CampaignRepo = campaignRepo

	sourceStore, err := factory.SourceStore()
	if err != nil {
		return fmt.Errorf("failed to create source store: %w", err)
	}
	c.SourceStore = sourceStore

	outboxRepo, err := factory.OutboxRepository()
	if err != nil {
		return fmt.Errorf("failed to create outbox repository: %w", err)
	}
	c.OutboxRepo = outboxRepo

	uow, err := factory.UnitOfWork()
	if err != nil {
		return fmt.Errorf("failed to create unit of work: %w", err)
	}
	c.UnitOfWork = uow

	return nil
}

// wireCampaign builds the outreach executors, the progression engine,
// the scheduler loop, the outbox processor and the application handlers
// on top of the repositories already attached to the container.
func (c *Container) wireCampaign(ctx context.Context) error {
	cfg := c.Config
	logger := c.Logger

	// Voice provider and dialer
	voiceClient := voice.NewClient(voice.Config{
		BaseURL:     cfg.VoiceBaseURL,
		APIKey:      cfg.VoiceAPIKey,
		Timeout:     cfg.VoiceTimeout,
		ReadRetries: cfg.VoiceReadRetries,
	}, logger)

	identities, err := parseCallerIdentities(cfg.CallIdentities)
	if err != nil {
		return err
	}
	c.Dialer = services.NewDialer(voiceClient, services.DialerConfig{
		Identities:   identities,
		PollInterval: cfg.CallPollInterval,
		MaxWait:      cfg.CallMaxWait,
	}, logger)

	// Content generator: Gemini when a key is configured, the static
	// template otherwise.
	var generator domain.ContentGenerator
	if cfg.GenAIAPIKey != "" {
		gemini, err := contentgen.NewGeminiGenerator(ctx, cfg.GenAIAPIKey, cfg.GenAIModel)
		if err != nil {
			return fmt.Errorf("failed to initialize content generator: %w", err)
		}
		generator = gemini
	} else {
		logger.Info("no GenAI key configured, using template emails")
		generator = contentgen.NewTemplateGenerator("", "")
	}

	// Email deliverer: the HTTP sender when configured, log-only otherwise.
	var deliverer domain.EmailDeliverer
	if cfg.EmailBaseURL != "" {
		deliverer = email.NewHTTPSender(email.Config{
			BaseURL:     cfg.EmailBaseURL,
			APIKey:      cfg.EmailAPIKey,
			FromAddress: cfg.EmailFromAddress,
		}, logger)
	} else {
		logger.Warn("no email delivery endpoint configured, emails will be logged only")
		deliverer = email.NewNoopSender(logger)
	}

	c.Emailer = services.NewEmailer(generator, deliverer, services.EmailerConfig{
		SendDelay: cfg.EmailSendDelay,
	}, logger)

	// Progression engine
	c.Progression = services.NewProgression(
		c.CampaignRepo,
		c.SourceStore,
		c.Dialer,
		c.Emailer,
		c.OutboxRepo,
		services.ProgressionConfig{
			ClaimGrace:          cfg.ClaimGrace,
			RetryDelay:          cfg.RetryDelay,
			BatchSize:           cfg.SweepBatchSize,
			Concurrency:         cfg.SweepConcurrency,
			EmailAfterPartnered: cfg.EmailAfterPartnered,
		},
		logger,
	)

	// Scheduler loop
	c.Sweeper = services.NewSweeper(c.Progression, services.SweeperConfig{
		Interval:     cfg.SweepInterval,
		StartupGrace: cfg.SweepStartupGrace,
		MaxSteps:     cfg.SweepMaxSteps,
	}, logger)

	// Outbox processor
	c.OutboxProcessor = outbox.NewProcessor(c.OutboxRepo, c.EventPublisher, outbox.ProcessorConfig{
		PollInterval: cfg.OutboxPollInterval,
		BatchSize:    cfg.OutboxBatchSize,
		MaxRetries:   cfg.OutboxMaxRetries,
	}, logger)

	// Command handlers
	c.EnrollHandler = commands.NewEnrollCampaignHandler(c.CampaignRepo, c.SourceStore, c.OutboxRepo, c.UnitOfWork)
	c.ArchiveHandler = commands.NewArchiveCampaignHandler(c.CampaignRepo, c.OutboxRepo, c.UnitOfWork)

	// Query handlers
	c.StatusHandler = queries.NewCampaignStatusHandler(c.CampaignRepo)
	c.GetRecordHandler = queries.NewGetCampaignRecordHandler(c.CampaignRepo)

	return nil
}

// parseCallerIdentities parses the configured "agentID:phoneNumberID"
// pairs.
func parseCallerIdentities(pairs []string) ([]domain.CallerIdentity, error) {
	identities := make([]domain.CallerIdentity, 0, len(pairs))
	for _, pair := range pairs {
		agentID, phoneNumberID, ok := strings.Cut(pair, ":")
		if !ok || agentID == "" || phoneNumberID == "" {
			return nil, fmt.Errorf("invalid caller identity %q, want agentID:phoneNumberID", pair)
		}
		identities = append(identities, domain.CallerIdentity{
			AgentID:       agentID,
			PhoneNumberID: phoneNumberID,
		})
	}
	return identities, nil
}

// Close cleans up all resources.
func (c *Container) Close() {
	if c.Sweeper != nil {
		c.Sweeper.Stop()
	}

	if c.OutboxProcessor != nil {
		c.OutboxProcessor.Stop()
	}

	if c.EventPublisher != nil {
		if err := c.EventPublisher.Close(); err != nil {
			c.Logger.Warn("error closing event publisher", "error", err)
		}
	}

	if c.RedisClient != nil {
		if err := c.RedisClient.Close(); err != nil {
			c.Logger.Warn("error closing Redis connection", "error", err)
		} else {
			c.Logger.Info("Redis connection closed")
		}
	}

	if c.DB != nil {
		c.DB.Close()
		c.Logger.Info("PostgreSQL connection closed")
	}

	if c.SQLiteDB != nil {
		if err := c.SQLiteDB.Close(); err != nil {
			c.Logger.Warn("error closing SQLite connection", "error", err)
		} else {
			c.Logger.Info("SQLite connection closed")
		}
	}
}
