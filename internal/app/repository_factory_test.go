package app

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/felixgeelhaar/cadence/internal/campaign/domain"
	"github.com/felixgeelhaar/cadence/internal/shared/infrastructure/database"
	"github.com/felixgeelhaar/cadence/internal/shared/infrastructure/migrations"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "modernc.org/sqlite"
)

// setupTestDB creates an in-memory SQLite database with schema.
func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()

	sqlDB, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)

	err = migrations.RunSQLiteMigrations(context.Background(), sqlDB)
	require.NoError(t, err)

	return sqlDB
}

func testRecord(t *testing.T) *domain.CampaignRecord {
	t.Helper()

	source := domain.SourceRef{
		Database:   "crm",
		Collection: "businesses",
		DocumentID: "factory-test",
	}
	plan := domain.CadencePlan{
		CallSlots: []domain.CadenceSlot{domain.OffsetSlot(0), domain.OffsetSlot(60)},
	}
	contact := domain.ContactInfo{
		PhoneNumbers: []string{"+15550001111"},
		Emails:       []string{"owner@example.com"},
	}

	rec, err := domain.NewCampaignRecord(source, "Factory Test Business", plan, contact, time.Now().UTC())
	require.NoError(t, err)
	return rec
}

func TestRepositoryFactory_SQLite_CampaignRepository(t *testing.T) {
	sqlDB := setupTestDB(t)
	defer sqlDB.Close()

	factory := NewSQLiteRepositoryFactory(sqlDB)

	repo, err := factory.CampaignRepository()
	require.NoError(t, err)
	require.NotNil(t, repo)

	ctx := context.Background()
	rec := testRecord(t)

	err = repo.Create(ctx, rec)
	require.NoError(t, err)

	found, err := repo.GetByID(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "Factory Test Business", found.Label)
	assert.Equal(t, rec.Source, found.Source)
}

func TestRepositoryFactory_SQLite_AllAccessors(t *testing.T) {
	sqlDB := setupTestDB(t)
	defer sqlDB.Close()

	factory := NewSQLiteRepositoryFactory(sqlDB)

	sources, err := factory.SourceStore()
	require.NoError(t, err)
	assert.NotNil(t, sources)

	outboxRepo, err := factory.OutboxRepository()
	require.NoError(t, err)
	assert.NotNil(t, outboxRepo)

	uow, err := factory.UnitOfWork()
	require.NoError(t, err)
	assert.NotNil(t, uow)
}

func TestRepositoryFactory_Memory_SharesState(t *testing.T) {
	factory := NewMemoryRepositoryFactory()

	repo1, err := factory.CampaignRepository()
	require.NoError(t, err)
	repo2, err := factory.CampaignRepository()
	require.NoError(t, err)

	ctx := context.Background()
	rec := testRecord(t)

	err = repo1.Create(ctx, rec)
	require.NoError(t, err)

	// Both accessors must hit the same store.
	found, err := repo2.GetByID(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, found.ID)
}

func TestRepositoryFactory_Memory_UnitOfWork(t *testing.T) {
	factory := NewMemoryRepositoryFactory()

	uow, err := factory.UnitOfWork()
	require.NoError(t, err)

	ctx, err := uow.Begin(context.Background())
	require.NoError(t, err)
	require.NoError(t, uow.Commit(ctx))
}

func TestRepositoryFactory_Driver(t *testing.T) {
	sqlDB := setupTestDB(t)
	defer sqlDB.Close()

	assert.Equal(t, database.DriverSQLite, NewSQLiteRepositoryFactory(sqlDB).Driver())
	assert.Equal(t, database.DriverMemory, NewMemoryRepositoryFactory().Driver())
}

func TestRepositoryFactory_UnsupportedDriver(t *testing.T) {
	factory := &RepositoryFactory{driver: database.Driver("mysql")}

	_, err := factory.CampaignRepository()
	assert.Error(t, err)

	_, err = factory.SourceStore()
	assert.Error(t, err)

	_, err = factory.OutboxRepository()
	assert.Error(t, err)

	_, err = factory.UnitOfWork()
	assert.Error(t, err)
}
