package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// StatusCounts aggregates campaign records by status and cadence step.
type StatusCounts struct {
	Total    int64
	ByStatus map[Status]int64
	ByStep   map[int]int64
}

// CampaignRepository defines the interface for campaign record
// persistence. The store is the single point of mutual exclusion for
// sweep workers: Claim is the lease that keeps concurrent sweeps, and
// concurrent worker processes, from double-processing a record.
type CampaignRepository interface {
	// Create stores a new campaign record.
	Create(ctx context.Context, rec *CampaignRecord) error

	// Update persists the full state of an existing record.
	Update(ctx context.Context, rec *CampaignRecord) error

	// GetByID retrieves a record by ID, ErrRecordNotFound when absent.
	GetByID(ctx context.Context, id uuid.UUID) (*CampaignRecord, error)

	// FindActiveBySource returns the non-terminal record for a source,
	// or nil when none exists.
	FindActiveBySource(ctx context.Context, ref SourceRef) (*CampaignRecord, error)

	// FindLatestBySource returns the most recent record for a source
	// regardless of status, or nil when the source was never enrolled.
	// Re-enrollment uses it to find the emailed record to reset.
	FindLatestBySource(ctx context.Context, ref SourceRef) (*CampaignRecord, error)

	// FindDueForCall returns unclaimed, non-terminal records whose next
	// call attempt is due at now, optionally filtered to one step.
	FindDueForCall(ctx context.Context, now time.Time, step *int, limit int) ([]*CampaignRecord, error)

	// FindDueForEmail returns records that exhausted their call cadence
	// and have not yet been emailed.
	FindDueForEmail(ctx context.Context, now time.Time, includePartnered bool, limit int) ([]*CampaignRecord, error)

	// FindDueScheduledEmail returns records whose bundled deferred email
	// is due, regardless of call progress.
	FindDueScheduledEmail(ctx context.Context, now time.Time, includePartnered bool, limit int) ([]*CampaignRecord, error)

	// Claim leases the given records until the horizon in one bulk
	// operation, skipping records some other sweep already claimed. It
	// returns the IDs actually won so a sweep that loses part of the
	// batch to a race still processes the part it holds.
	Claim(ctx context.Context, ids []uuid.UUID, until time.Time) ([]uuid.UUID, error)

	// AdvanceCall resolves the current call attempt with the outcome and
	// returns the new record state.
	AdvanceCall(ctx context.Context, id uuid.UUID, outcome CallOutcome) (*CampaignRecord, error)

	// ResetForRetry releases a claimed record for a later retry without
	// consuming a cadence slot. Initiation failures only.
	ResetForRetry(ctx context.Context, id uuid.UUID, retryAt time.Time) error

	// RecordEmailResult resolves an email attempt and returns the new
	// record state.
	RecordEmailResult(ctx context.Context, id uuid.UUID, outcome EmailOutcome) (*CampaignRecord, error)

	// CountByStatusAndStep aggregates records, optionally restricted to
	// the given IDs.
	CountByStatusAndStep(ctx context.Context, ids []uuid.UUID) (*StatusCounts, error)
}
