package persistence

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/felixgeelhaar/cadence/internal/campaign/domain"
	"github.com/google/uuid"
)

// MemoryCampaignRepository is an in-memory implementation of
// domain.CampaignRepository for development and testing. Records are
// cloned on the way in and out so callers never share state with the
// store.
type MemoryCampaignRepository struct {
	mu      sync.RWMutex
	records map[uuid.UUID]*domain.CampaignRecord
}

// NewMemoryCampaignRepository creates a new in-memory campaign repository.
func NewMemoryCampaignRepository() *MemoryCampaignRepository {
	return &MemoryCampaignRepository{
		records: make(map[uuid.UUID]*domain.CampaignRecord),
	}
}

// Create stores a new campaign record, enforcing the one-active-campaign
// rule the SQL backends get from their partial unique index.
func (r *MemoryCampaignRepository) Create(ctx context.Context, rec *domain.CampaignRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !rec.IsTerminal() {
		for _, existing := range r.records {
			if existing.Source == rec.Source && !existing.IsTerminal() {
				return domain.ErrActiveCampaignExists
			}
		}
	}
	r.records[rec.ID] = cloneRecord(rec)
	return nil
}

// Update persists the full state of an existing record.
func (r *MemoryCampaignRepository) Update(ctx context.Context, rec *domain.CampaignRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.records[rec.ID]; !ok {
		return domain.ErrRecordNotFound
	}
	r.records[rec.ID] = cloneRecord(rec)
	return nil
}

// GetByID retrieves a record by its ID.
func (r *MemoryCampaignRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.CampaignRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.records[id]
	if !ok {
		return nil, domain.ErrRecordNotFound
	}
	return cloneRecord(rec), nil
}

// FindActiveBySource returns the non-terminal record for a source, or
// nil when none exists.
func (r *MemoryCampaignRepository) FindActiveBySource(ctx context.Context, ref domain.SourceRef) (*domain.CampaignRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, rec := range r.records {
		if rec.Source == ref && !rec.IsTerminal() {
			return cloneRecord(rec), nil
		}
	}
	return nil, nil
}

// FindLatestBySource returns the most recent record for a source
// regardless of status, or nil when the source was never enrolled.
func (r *MemoryCampaignRepository) FindLatestBySource(ctx context.Context, ref domain.SourceRef) (*domain.CampaignRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var latest *domain.CampaignRecord
	for _, rec := range r.records {
		if rec.Source != ref {
			continue
		}
		if latest == nil || rec.UpdatedAt.After(latest.UpdatedAt) {
			latest = rec
		}
	}
	if latest == nil {
		return nil, nil
	}
	return cloneRecord(latest), nil
}

// FindDueForCall returns unclaimed, non-terminal records whose next call
// attempt is due at now, optionally filtered to one step.
func (r *MemoryCampaignRepository) FindDueForCall(ctx context.Context, now time.Time, step *int, limit int) ([]*domain.CampaignRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	due := make([]*domain.CampaignRecord, 0)
	for _, rec := range r.records {
		if rec.IsTerminal() || rec.Call.Claimed || rec.Call.NextAttemptAt == nil {
			continue
		}
		if rec.Call.NextAttemptAt.After(now) || rec.CadenceStep >= rec.TotalSteps() {
			continue
		}
		if step != nil && rec.CadenceStep != *step {
			continue
		}
		due = append(due, cloneRecord(rec))
	}

	sort.Slice(due, func(i, j int) bool {
		return due[i].Call.NextAttemptAt.Before(*due[j].Call.NextAttemptAt)
	})
	return capRecords(due, limit), nil
}

// FindDueForEmail returns records that exhausted their call cadence and
// have not yet been emailed.
func (r *MemoryCampaignRepository) FindDueForEmail(ctx context.Context, now time.Time, includePartnered bool, limit int) ([]*domain.CampaignRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	due := make([]*domain.CampaignRecord, 0)
	for _, rec := range r.records {
		if excludedStatus(rec.Status, includePartnered) {
			continue
		}
		if rec.CadenceStep < rec.TotalSteps() || rec.Email.SentCount > 0 {
			continue
		}
		if rec.Email.LastStatus == domain.EmailStatusUnreachable {
			continue
		}
		due = append(due, cloneRecord(rec))
	}

	sort.Slice(due, func(i, j int) bool {
		return due[i].UpdatedAt.Before(due[j].UpdatedAt)
	})
	return capRecords(due, limit), nil
}

// FindDueScheduledEmail returns records whose bundled deferred email is
// due, regardless of call progress.
func (r *MemoryCampaignRepository) FindDueScheduledEmail(ctx context.Context, now time.Time, includePartnered bool, limit int) ([]*domain.CampaignRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	due := make([]*domain.CampaignRecord, 0)
	for _, rec := range r.records {
		if excludedStatus(rec.Status, includePartnered) {
			continue
		}
		if rec.Email.NextAttemptAt == nil || rec.Email.NextAttemptAt.After(now) {
			continue
		}
		if rec.Email.SentCount > 0 || rec.Email.LastStatus == domain.EmailStatusUnreachable {
			continue
		}
		due = append(due, cloneRecord(rec))
	}

	sort.Slice(due, func(i, j int) bool {
		return due[i].Email.NextAttemptAt.Before(*due[j].Email.NextAttemptAt)
	})
	return capRecords(due, limit), nil
}

// Claim leases the given records until the horizon and returns the IDs
// actually won, skipping records already claimed.
func (r *MemoryCampaignRepository) Claim(ctx context.Context, ids []uuid.UUID, until time.Time) ([]uuid.UUID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	won := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		rec, ok := r.records[id]
		if !ok || rec.Call.Claimed {
			continue
		}
		rec.MarkClaimed(until)
		won = append(won, id)
	}
	return won, nil
}

// AdvanceCall resolves the current call attempt with the outcome and
// returns the new record state.
func (r *MemoryCampaignRepository) AdvanceCall(ctx context.Context, id uuid.UUID, outcome domain.CallOutcome) (*domain.CampaignRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[id]
	if !ok {
		return nil, domain.ErrRecordNotFound
	}
	rec.RecordCallOutcome(outcome, time.Now().UTC())
	return cloneRecord(rec), nil
}

// ResetForRetry releases a claimed record for a later retry without
// consuming a cadence slot.
func (r *MemoryCampaignRepository) ResetForRetry(ctx context.Context, id uuid.UUID, retryAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[id]
	if !ok {
		return domain.ErrRecordNotFound
	}
	rec.DeferRetry(retryAt, time.Now().UTC())
	return nil
}

// RecordEmailResult resolves an email attempt and returns the new record
// state.
func (r *MemoryCampaignRepository) RecordEmailResult(ctx context.Context, id uuid.UUID, outcome domain.EmailOutcome) (*domain.CampaignRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[id]
	if !ok {
		return nil, domain.ErrRecordNotFound
	}
	rec.RecordEmailOutcome(outcome, time.Now().UTC())
	return cloneRecord(rec), nil
}

// CountByStatusAndStep aggregates records by status and cadence step,
// optionally restricted to the given IDs.
func (r *MemoryCampaignRepository) CountByStatusAndStep(ctx context.Context, ids []uuid.UUID) (*domain.StatusCounts, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	wanted := make(map[uuid.UUID]bool, len(ids))
	for _, id := range ids {
		wanted[id] = true
	}

	counts := &domain.StatusCounts{
		ByStatus: make(map[domain.Status]int64),
		ByStep:   make(map[int]int64),
	}
	for id, rec := range r.records {
		if len(wanted) > 0 && !wanted[id] {
			continue
		}
		counts.Total++
		counts.ByStatus[rec.Status]++
		counts.ByStep[rec.CadenceStep]++
	}
	return counts, nil
}

func excludedStatus(s domain.Status, includePartnered bool) bool {
	if includePartnered && s == domain.StatusPartnered {
		return false
	}
	return s.IsTerminal()
}

func capRecords(records []*domain.CampaignRecord, limit int) []*domain.CampaignRecord {
	if limit > 0 && len(records) > limit {
		return records[:limit]
	}
	return records
}

func cloneRecord(rec *domain.CampaignRecord) *domain.CampaignRecord {
	clone := *rec
	clone.Contact.PhoneNumbers = append([]string(nil), rec.Contact.PhoneNumbers...)
	clone.Contact.Emails = append([]string(nil), rec.Contact.Emails...)
	clone.History = append([]domain.AttemptRecord(nil), rec.History...)
	if rec.Call.NextAttemptAt != nil {
		t := *rec.Call.NextAttemptAt
		clone.Call.NextAttemptAt = &t
	}
	if rec.Email.NextAttemptAt != nil {
		t := *rec.Email.NextAttemptAt
		clone.Email.NextAttemptAt = &t
	}
	return &clone
}
