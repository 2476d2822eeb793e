package app

import (
	"database/sql"
	"fmt"

	"github.com/felixgeelhaar/cadence/internal/campaign/domain"
	campaignPersistence "github.com/felixgeelhaar/cadence/internal/campaign/infrastructure/persistence"
	sharedApplication "github.com/felixgeelhaar/cadence/internal/shared/application"
	"github.com/felixgeelhaar/cadence/internal/shared/infrastructure/database"
	sharedPersistence "github.com/felixgeelhaar/cadence/internal/shared/infrastructure/persistence"
	"github.com/felixgeelhaar/cadence/internal/shared/infrastructure/outbox"
	"github.com/jackc/pgx/v5/pgxpool"
)

// RepositoryFactory creates repositories based on the database driver.
type RepositoryFactory struct {
	driver database.Driver
	pool   *pgxpool.Pool
	db     *sql.DB

	// The memory stores are created once so every accessor shares state.
	memCampaigns *campaignPersistence.MemoryCampaignRepository
	memSources   *campaignPersistence.MemorySourceStore
	memOutbox    *outbox.InMemoryRepository
}

// NewPostgresRepositoryFactory creates a factory backed by a pgx pool.
func NewPostgresRepositoryFactory(pool *pgxpool.Pool) *RepositoryFactory {
	return &RepositoryFactory{
		driver: database.DriverPostgres,
		pool:   pool,
	}
}

// NewSQLiteRepositoryFactory creates a factory backed by a SQLite handle.
func NewSQLiteRepositoryFactory(db *sql.DB) *RepositoryFactory {
	return &RepositoryFactory{
		driver: database.DriverSQLite,
		db:     db,
	}
}

// NewMemoryRepositoryFactory creates a factory over the in-memory stores.
// Nothing survives a restart; tests and DATABASE_DRIVER=memory runs use it.
func NewMemoryRepositoryFactory() *RepositoryFactory {
	return &RepositoryFactory{
		driver:       database.DriverMemory,
		memCampaigns: campaignPersistence.NewMemoryCampaignRepository(),
		memSources:   campaignPersistence.NewMemorySourceStore(),
		memOutbox:    outbox.NewInMemoryRepository(),
	}
}

// CampaignRepository creates a campaign record repository for the configured driver.
func (f *RepositoryFactory) CampaignRepository() (domain.CampaignRepository, error) {
	switch f.driver {
	case database.DriverPostgres:
		return campaignPersistence.NewPostgresCampaignRepository(f.pool), nil

	case database.DriverSQLite:
		return campaignPersistence.NewSQLiteCampaignRepository(f.db), nil

	case database.DriverMemory:
		return f.memCampaigns, nil

	default:
		return nil, fmt.Errorf("unsupported driver: %s", f.driver)
	}
}

// SourceStore creates a source document store for the configured driver.
func (f *RepositoryFactory) SourceStore() (domain.SourceStore, error) {
	switch f.driver {
	case database.DriverPostgres:
		return campaignPersistence.NewPostgresSourceStore(f.pool), nil

	case database.DriverSQLite:
		return campaignPersistence.NewSQLiteSourceStore(f.db), nil

	case database.DriverMemory:
		return f.memSources, nil

	default:
		return nil, fmt.Errorf("unsupported driver: %s", f.driver)
	}
}

// OutboxRepository creates an outbox repository for the configured driver.
func (f *RepositoryFactory) OutboxRepository() (outbox.Repository, error) {
	switch f.driver {
	case database.DriverPostgres:
		return outbox.NewPostgresRepository(f.pool), nil

	case database.DriverSQLite:
		return outbox.NewSQLiteRepository(f.db), nil

	case database.DriverMemory:
		return f.memOutbox, nil

	default:
		return nil, fmt.Errorf("unsupported driver: %s", f.driver)
	}
}

// UnitOfWork creates a transaction boundary for the configured driver.
// The memory driver has no transactions; its unit of work is a no-op.
func (f *RepositoryFactory) UnitOfWork() (sharedApplication.UnitOfWork, error) {
	switch f.driver {
	case database.DriverPostgres:
		return sharedPersistence.NewPostgresUnitOfWork(f.pool), nil

	case database.DriverSQLite:
		return sharedPersistence.NewSQLiteUnitOfWork(f.db), nil

	case database.DriverMemory:
		return sharedApplication.NoopUnitOfWork{}, nil

	default:
		return nil, fmt.Errorf("unsupported driver: %s", f.driver)
	}
}

// Driver returns the database driver type.
func (f *RepositoryFactory) Driver() database.Driver {
	return f.driver
}
