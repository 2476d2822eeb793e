package commands

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/felixgeelhaar/cadence/internal/campaign/domain"
	"github.com/felixgeelhaar/cadence/internal/shared/infrastructure/outbox"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// mockCampaignRepo is a mock implementation of domain.CampaignRepository.
type mockCampaignRepo struct {
	mock.Mock
}

func (m *mockCampaignRepo) Create(ctx context.Context, rec *domain.CampaignRecord) error {
	args := m.Called(ctx, rec)
	return args.Error(0)
}

func (m *mockCampaignRepo) Update(ctx context.Context, rec *domain.CampaignRecord) error {
	args := m.Called(ctx, rec)
	return args.Error(0)
}

func (m *mockCampaignRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.CampaignRecord, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.CampaignRecord), args.Error(1)
}

func (m *mockCampaignRepo) FindActiveBySource(ctx context.Context, ref domain.SourceRef) (*domain.CampaignRecord, error) {
	args := m.Called(ctx, ref)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.CampaignRecord), args.Error(1)
}

func (m *mockCampaignRepo) FindLatestBySource(ctx context.Context, ref domain.SourceRef) (*domain.CampaignRecord, error) {
	args := m.Called(ctx, ref)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.CampaignRecord), args.Error(1)
}

func (m *mockCampaignRepo) FindDueForCall(ctx context.Context, now time.Time, step *int, limit int) ([]*domain.CampaignRecord, error) {
	args := m.Called(ctx, now, step, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.CampaignRecord), args.Error(1)
}

func (m *mockCampaignRepo) FindDueForEmail(ctx context.Context, now time.Time, includePartnered bool, limit int) ([]*domain.CampaignRecord, error) {
	args := m.Called(ctx, now, includePartnered, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.CampaignRecord), args.Error(1)
}

func (m *mockCampaignRepo) FindDueScheduledEmail(ctx context.Context, now time.Time, includePartnered bool, limit int) ([]*domain.CampaignRecord, error) {
	args := m.Called(ctx, now, includePartnered, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.CampaignRecord), args.Error(1)
}

func (m *mockCampaignRepo) Claim(ctx context.Context, ids []uuid.UUID, until time.Time) ([]uuid.UUID, error) {
	args := m.Called(ctx, ids, until)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]uuid.UUID), args.Error(1)
}

func (m *mockCampaignRepo) AdvanceCall(ctx context.Context, id uuid.UUID, outcome domain.CallOutcome) (*domain.CampaignRecord, error) {
	args := m.Called(ctx, id, outcome)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.CampaignRecord), args.Error(1)
}

func (m *mockCampaignRepo) ResetForRetry(ctx context.Context, id uuid.UUID, retryAt time.Time) error {
	args := m.Called(ctx, id, retryAt)
	return args.Error(0)
}

func (m *mockCampaignRepo) RecordEmailResult(ctx context.Context, id uuid.UUID, outcome domain.EmailOutcome) (*domain.CampaignRecord, error) {
	args := m.Called(ctx, id, outcome)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.CampaignRecord), args.Error(1)
}

func (m *mockCampaignRepo) CountByStatusAndStep(ctx context.Context, ids []uuid.UUID) (*domain.StatusCounts, error) {
	args := m.Called(ctx, ids)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.StatusCounts), args.Error(1)
}

// mockSourceStore is a mock implementation of domain.SourceStore.
type mockSourceStore struct {
	mock.Mock
}

func (m *mockSourceStore) Fetch(ctx context.Context, ref domain.SourceRef) (*domain.SourceDocument, error) {
	args := m.Called(ctx, ref)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.SourceDocument), args.Error(1)
}

func (m *mockSourceStore) PatchOutreach(ctx context.Context, ref domain.SourceRef, fields map[string]any) error {
	args := m.Called(ctx, ref, fields)
	return args.Error(0)
}

func (m *mockSourceStore) Insert(ctx context.Context, ref domain.SourceRef, payload map[string]any) error {
	args := m.Called(ctx, ref, payload)
	return args.Error(0)
}

// mockOutboxRepo is a mock implementation of outbox.Repository.
type mockOutboxRepo struct {
	mock.Mock
}

func (m *mockOutboxRepo) Save(ctx context.Context, msg *outbox.Message) error {
	args := m.Called(ctx, msg)
	return args.Error(0)
}

func (m *mockOutboxRepo) SaveBatch(ctx context.Context, msgs []*outbox.Message) error {
	args := m.Called(ctx, msgs)
	return args.Error(0)
}

func (m *mockOutboxRepo) GetUnpublished(ctx context.Context, limit int) ([]*outbox.Message, error) {
	args := m.Called(ctx, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*outbox.Message), args.Error(1)
}

func (m *mockOutboxRepo) MarkPublished(ctx context.Context, id int64) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *mockOutboxRepo) MarkFailed(ctx context.Context, id int64, err string, nextRetryAt time.Time) error {
	args := m.Called(ctx, id, err, nextRetryAt)
	return args.Error(0)
}

func (m *mockOutboxRepo) MarkDead(ctx context.Context, id int64, reason string) error {
	args := m.Called(ctx, id, reason)
	return args.Error(0)
}

func (m *mockOutboxRepo) GetFailed(ctx context.Context, maxRetries, limit int) ([]*outbox.Message, error) {
	args := m.Called(ctx, maxRetries, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*outbox.Message), args.Error(1)
}

func (m *mockOutboxRepo) DeleteOld(ctx context.Context, olderThanDays int) (int64, error) {
	args := m.Called(ctx, olderThanDays)
	return args.Get(0).(int64), args.Error(1)
}

// mockUnitOfWork is a mock implementation of UnitOfWork.
type mockUnitOfWork struct {
	mock.Mock
}

func (m *mockUnitOfWork) Begin(ctx context.Context) (context.Context, error) {
	args := m.Called(ctx)
	return args.Get(0).(context.Context), args.Error(1)
}

func (m *mockUnitOfWork) Commit(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *mockUnitOfWork) Rollback(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func testPlan() domain.CadencePlan {
	return domain.CadencePlan{
		CallSlots: []domain.CadenceSlot{domain.OffsetSlot(0), domain.OffsetSlot(5)},
	}
}

func testSourceDoc(ref domain.SourceRef) *domain.SourceDocument {
	return &domain.SourceDocument{
		Ref: ref,
		Raw: map[string]any{
			"name":   "Riverside Dental",
			"phones": []any{"+15550100"},
			"emails": []any{"frontdesk@riverside.example"},
		},
	}
}

func TestEnrollCampaignHandler_Handle(t *testing.T) {
	ref := domain.SourceRef{Database: "crm", Collection: "practices", DocumentID: "doc-1"}
	startedAt := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	t.Run("enrolls a new source", func(t *testing.T) {
		repo := new(mockCampaignRepo)
		sources := new(mockSourceStore)
		outboxRepo := new(mockOutboxRepo)
		uow := new(mockUnitOfWork)
		handler := NewEnrollCampaignHandler(repo, sources, outboxRepo, uow)

		ctx := context.Background()
		txCtx := context.WithValue(ctx, "tx", "transaction")

		sources.On("Fetch", ctx, ref).Return(testSourceDoc(ref), nil)
		uow.On("Begin", ctx).Return(txCtx, nil)
		uow.On("Commit", txCtx).Return(nil)
		repo.On("FindActiveBySource", txCtx, ref).Return(nil, nil)
		repo.On("FindLatestBySource", txCtx, ref).Return(nil, nil)

		var created *domain.CampaignRecord
		repo.On("Create", txCtx, mock.AnythingOfType("*domain.CampaignRecord")).
			Run(func(args mock.Arguments) {
				created = args.Get(1).(*domain.CampaignRecord)
			}).
			Return(nil)
		outboxRepo.On("Save", txCtx, mock.AnythingOfType("*outbox.Message")).Return(nil)

		result, err := handler.Handle(ctx, EnrollCampaignCommand{
			Sources:   []domain.SourceRef{ref},
			Plan:      testPlan(),
			StartedAt: startedAt,
		})

		require.NoError(t, err)
		require.Len(t, result.Accepted, 1)
		assert.Empty(t, result.Skipped)
		assert.Equal(t, ref, result.Accepted[0].Source)
		assert.False(t, result.Accepted[0].Restarted)

		require.NotNil(t, created)
		assert.Equal(t, created.ID, result.Accepted[0].TrackingID)
		assert.Equal(t, domain.StatusLead, created.Status)
		assert.Equal(t, 0, created.CadenceStep)
		assert.Equal(t, "Riverside Dental", created.Label)
		assert.Equal(t, []string{"+15550100"}, created.Contact.PhoneNumbers)
		assert.Equal(t, startedAt, created.StartedAt)
		require.NotNil(t, created.Call.NextAttemptAt)
		assert.Equal(t, startedAt, *created.Call.NextAttemptAt)

		repo.AssertExpectations(t)
		sources.AssertExpectations(t)
		outboxRepo.AssertExpectations(t)
		uow.AssertExpectations(t)
	})

	t.Run("skips a source with an active campaign", func(t *testing.T) {
		repo := new(mockCampaignRepo)
		sources := new(mockSourceStore)
		outboxRepo := new(mockOutboxRepo)
		uow := new(mockUnitOfWork)
		handler := NewEnrollCampaignHandler(repo, sources, outboxRepo, uow)

		ctx := context.Background()
		txCtx := context.WithValue(ctx, "tx", "transaction")

		active, err := domain.NewCampaignRecord(ref, "Riverside Dental", testPlan(), domain.ContactInfo{}, startedAt)
		require.NoError(t, err)

		sources.On("Fetch", ctx, ref).Return(testSourceDoc(ref), nil)
		uow.On("Begin", ctx).Return(txCtx, nil)
		uow.On("Rollback", txCtx).Return(nil)
		repo.On("FindActiveBySource", txCtx, ref).Return(active, nil)

		result, err := handler.Handle(ctx, EnrollCampaignCommand{
			Sources: []domain.SourceRef{ref},
			Plan:    testPlan(),
		})

		require.NoError(t, err)
		assert.Empty(t, result.Accepted)
		require.Len(t, result.Skipped, 1)
		assert.Equal(t, "active campaign exists", result.Skipped[0].Reason)

		repo.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
		repo.AssertExpectations(t)
		uow.AssertExpectations(t)
	})

	t.Run("restarts a previously emailed record", func(t *testing.T) {
		repo := new(mockCampaignRepo)
		sources := new(mockSourceStore)
		outboxRepo := new(mockOutboxRepo)
		uow := new(mockUnitOfWork)
		handler := NewEnrollCampaignHandler(repo, sources, outboxRepo, uow)

		ctx := context.Background()
		txCtx := context.WithValue(ctx, "tx", "transaction")

		prior, err := domain.NewCampaignRecord(ref, "Riverside Dental", testPlan(), domain.ContactInfo{}, startedAt.AddDate(0, -2, 0))
		require.NoError(t, err)
		prior.CadenceStep = prior.TotalSteps()
		prior.Status = domain.StatusEmailed
		prior.Email.SentCount = 1

		sources.On("Fetch", ctx, ref).Return(testSourceDoc(ref), nil)
		uow.On("Begin", ctx).Return(txCtx, nil)
		uow.On("Commit", txCtx).Return(nil)
		repo.On("FindActiveBySource", txCtx, ref).Return(nil, nil)
		repo.On("FindLatestBySource", txCtx, ref).Return(prior, nil)

		var updated *domain.CampaignRecord
		repo.On("Update", txCtx, mock.AnythingOfType("*domain.CampaignRecord")).
			Run(func(args mock.Arguments) {
				updated = args.Get(1).(*domain.CampaignRecord)
			}).
			Return(nil)
		outboxRepo.On("Save", txCtx, mock.AnythingOfType("*outbox.Message")).Return(nil)

		result, err := handler.Handle(ctx, EnrollCampaignCommand{
			Sources:   []domain.SourceRef{ref},
			Plan:      testPlan(),
			StartedAt: startedAt,
		})

		require.NoError(t, err)
		require.Len(t, result.Accepted, 1)
		assert.True(t, result.Accepted[0].Restarted)
		assert.Equal(t, prior.ID, result.Accepted[0].TrackingID)

		require.NotNil(t, updated)
		assert.Equal(t, domain.StatusLead, updated.Status)
		assert.Equal(t, 0, updated.CadenceStep)
		assert.Equal(t, startedAt, updated.StartedAt)
		assert.Equal(t, 0, updated.Call.AttemptsMade)
		assert.Empty(t, updated.History)
		assert.Equal(t, []string{"frontdesk@riverside.example"}, updated.Contact.Emails)

		repo.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
		repo.AssertExpectations(t)
		uow.AssertExpectations(t)
	})

	t.Run("skips a source whose document is missing", func(t *testing.T) {
		repo := new(mockCampaignRepo)
		sources := new(mockSourceStore)
		outboxRepo := new(mockOutboxRepo)
		uow := new(mockUnitOfWork)
		handler := NewEnrollCampaignHandler(repo, sources, outboxRepo, uow)

		ctx := context.Background()
		sources.On("Fetch", ctx, ref).Return(nil, domain.ErrSourceNotFound)

		result, err := handler.Handle(ctx, EnrollCampaignCommand{
			Sources: []domain.SourceRef{ref},
			Plan:    testPlan(),
		})

		require.NoError(t, err)
		assert.Empty(t, result.Accepted)
		require.Len(t, result.Skipped, 1)
		assert.Equal(t, domain.ErrSourceNotFound.Error(), result.Skipped[0].Reason)

		uow.AssertNotCalled(t, "Begin", mock.Anything)
		sources.AssertExpectations(t)
	})

	t.Run("skips when the unique index catches a racing enrollment", func(t *testing.T) {
		repo := new(mockCampaignRepo)
		sources := new(mockSourceStore)
		outboxRepo := new(mockOutboxRepo)
		uow := new(mockUnitOfWork)
		handler := NewEnrollCampaignHandler(repo, sources, outboxRepo, uow)

		ctx := context.Background()
		txCtx := context.WithValue(ctx, "tx", "transaction")

		sources.On("Fetch", ctx, ref).Return(testSourceDoc(ref), nil)
		uow.On("Begin", ctx).Return(txCtx, nil)
		uow.On("Rollback", txCtx).Return(nil)
		repo.On("FindActiveBySource", txCtx, ref).Return(nil, nil)
		repo.On("FindLatestBySource", txCtx, ref).Return(nil, nil)
		repo.On("Create", txCtx, mock.AnythingOfType("*domain.CampaignRecord")).Return(domain.ErrActiveCampaignExists)

		result, err := handler.Handle(ctx, EnrollCampaignCommand{
			Sources: []domain.SourceRef{ref},
			Plan:    testPlan(),
		})

		require.NoError(t, err)
		assert.Empty(t, result.Accepted)
		require.Len(t, result.Skipped, 1)
		assert.Equal(t, "active campaign exists", result.Skipped[0].Reason)

		repo.AssertExpectations(t)
		uow.AssertExpectations(t)
	})

	t.Run("one rejected source never voids the rest of the batch", func(t *testing.T) {
		repo := new(mockCampaignRepo)
		sources := new(mockSourceStore)
		outboxRepo := new(mockOutboxRepo)
		uow := new(mockUnitOfWork)
		handler := NewEnrollCampaignHandler(repo, sources, outboxRepo, uow)

		missing := domain.SourceRef{Database: "crm", Collection: "practices", DocumentID: "doc-gone"}
		ctx := context.Background()
		txCtx := context.WithValue(ctx, "tx", "transaction")

		sources.On("Fetch", ctx, missing).Return(nil, domain.ErrSourceNotFound)
		sources.On("Fetch", ctx, ref).Return(testSourceDoc(ref), nil)
		uow.On("Begin", ctx).Return(txCtx, nil)
		uow.On("Commit", txCtx).Return(nil)
		repo.On("FindActiveBySource", txCtx, ref).Return(nil, nil)
		repo.On("FindLatestBySource", txCtx, ref).Return(nil, nil)
		repo.On("Create", txCtx, mock.AnythingOfType("*domain.CampaignRecord")).Return(nil)
		outboxRepo.On("Save", txCtx, mock.AnythingOfType("*outbox.Message")).Return(nil)

		result, err := handler.Handle(ctx, EnrollCampaignCommand{
			Sources: []domain.SourceRef{missing, ref},
			Plan:    testPlan(),
		})

		require.NoError(t, err)
		require.Len(t, result.Accepted, 1)
		require.Len(t, result.Skipped, 1)
		assert.Equal(t, missing, result.Skipped[0].Source)
		assert.Equal(t, ref, result.Accepted[0].Source)

		repo.AssertExpectations(t)
		sources.AssertExpectations(t)
	})

	t.Run("rejects an invalid plan", func(t *testing.T) {
		handler := NewEnrollCampaignHandler(new(mockCampaignRepo), new(mockSourceStore), new(mockOutboxRepo), new(mockUnitOfWork))

		result, err := handler.Handle(context.Background(), EnrollCampaignCommand{
			Sources: []domain.SourceRef{ref},
			Plan:    domain.CadencePlan{},
		})

		assert.Nil(t, result)
		assert.ErrorIs(t, err, domain.ErrInvalidPlan)
	})

	t.Run("rejects an empty source list", func(t *testing.T) {
		handler := NewEnrollCampaignHandler(new(mockCampaignRepo), new(mockSourceStore), new(mockOutboxRepo), new(mockUnitOfWork))

		result, err := handler.Handle(context.Background(), EnrollCampaignCommand{
			Sources: nil,
			Plan:    testPlan(),
		})

		assert.Nil(t, result)
		assert.Error(t, err)
	})

	t.Run("fails enrollment when the outbox write fails", func(t *testing.T) {
		repo := new(mockCampaignRepo)
		sources := new(mockSourceStore)
		outboxRepo := new(mockOutboxRepo)
		uow := new(mockUnitOfWork)
		handler := NewEnrollCampaignHandler(repo, sources, outboxRepo, uow)

		ctx := context.Background()
		txCtx := context.WithValue(ctx, "tx", "transaction")

		sources.On("Fetch", ctx, ref).Return(testSourceDoc(ref), nil)
		uow.On("Begin", ctx).Return(txCtx, nil)
		uow.On("Rollback", txCtx).Return(nil)
		repo.On("FindActiveBySource", txCtx, ref).Return(nil, nil)
		repo.On("FindLatestBySource", txCtx, ref).Return(nil, nil)
		repo.On("Create", txCtx, mock.AnythingOfType("*domain.CampaignRecord")).Return(nil)
		outboxRepo.On("Save", txCtx, mock.AnythingOfType("*outbox.Message")).Return(errors.New("outbox error"))

		result, err := handler.Handle(ctx, EnrollCampaignCommand{
			Sources: []domain.SourceRef{ref},
			Plan:    testPlan(),
		})

		require.NoError(t, err)
		assert.Empty(t, result.Accepted)
		require.Len(t, result.Skipped, 1)
		assert.Contains(t, result.Skipped[0].Reason, "outbox error")

		uow.AssertExpectations(t)
	})
}

func TestNewEnrollCampaignHandler(t *testing.T) {
	handler := NewEnrollCampaignHandler(new(mockCampaignRepo), new(mockSourceStore), new(mockOutboxRepo), new(mockUnitOfWork))
	require.NotNil(t, handler)
}
