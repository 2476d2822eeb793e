package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/felixgeelhaar/cadence/internal/campaign/domain"
	sharedDomain "github.com/felixgeelhaar/cadence/internal/shared/domain"
	"github.com/felixgeelhaar/cadence/internal/shared/infrastructure/outbox"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// CallPerformer executes one call attempt.
type CallPerformer interface {
	PerformAttempt(ctx context.Context, contact domain.ContactInfo, label string, attemptIndex int) (domain.CallOutcome, error)
}

// EmailPerformer composes and delivers one email attempt.
type EmailPerformer interface {
	Compose(ctx context.Context, label string) domain.EmailContent
	SendAll(ctx context.Context, addresses []string, content domain.EmailContent, label string) domain.EmailOutcome
}

// ProgressionConfig tunes the progression engine.
type ProgressionConfig struct {
	// ClaimGrace is how long a claim leases a record before it becomes
	// selectable again.
	ClaimGrace time.Duration
	// RetryDelay is how far an initiation failure defers the attempt.
	RetryDelay time.Duration
	// BatchSize caps how many due records one sweep picks up.
	BatchSize int
	// Concurrency bounds in-flight attempts per sweep.
	Concurrency int
	// EmailAfterPartnered keeps partnered records selectable by the
	// email sweeps.
	EmailAfterPartnered bool
}

// DefaultProgressionConfig returns production defaults.
func DefaultProgressionConfig() ProgressionConfig {
	return ProgressionConfig{
		ClaimGrace:  10 * time.Minute,
		RetryDelay:  5 * time.Minute,
		BatchSize:   50,
		Concurrency: 8,
	}
}

// SweepResult counts one sweep's work.
type SweepResult struct {
	// Processed is how many due records the sweep picked up.
	Processed int
	// Calls is how many call attempts resolved, advancing the cadence.
	Calls int
	// Emails is how many records got their email delivered.
	Emails int
}

// Progression is the campaign state machine. It finds due records,
// claims them, runs attempts through the outreach executor and writes
// the outcomes back through the repository. One record's failure never
// aborts the rest of its batch.
type Progression struct {
	repo       domain.CampaignRepository
	sources    domain.SourceStore
	dialer     CallPerformer
	emailer    EmailPerformer
	outboxRepo outbox.Repository
	config     ProgressionConfig
	logger     *slog.Logger
}

// NewProgression creates the progression engine. The outbox repository
// may be nil, in which case domain events are dropped.
func NewProgression(
	repo domain.CampaignRepository,
	sources domain.SourceStore,
	dialer CallPerformer,
	emailer EmailPerformer,
	outboxRepo outbox.Repository,
	config ProgressionConfig,
	logger *slog.Logger,
) *Progression {
	if logger == nil {
		logger = slog.Default()
	}
	defaults := DefaultProgressionConfig()
	if config.ClaimGrace <= 0 {
		config.ClaimGrace = defaults.ClaimGrace
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = defaults.RetryDelay
	}
	if config.BatchSize <= 0 {
		config.BatchSize = defaults.BatchSize
	}
	if config.Concurrency <= 0 {
		config.Concurrency = defaults.Concurrency
	}
	return &Progression{
		repo:       repo,
		sources:    sources,
		dialer:     dialer,
		emailer:    emailer,
		outboxRepo: outboxRepo,
		config:     config,
		logger:     logger,
	}
}

// SweepCalls finds, claims and processes the records whose call attempt
// at the given cadence step is due at now.
func (p *Progression) SweepCalls(ctx context.Context, now time.Time, step int) (SweepResult, error) {
	var result SweepResult

	due, err := p.repo.FindDueForCall(ctx, now, &step, p.config.BatchSize)
	if err != nil {
		return result, fmt.Errorf("find due for call: %w", err)
	}
	if len(due) == 0 {
		return result, nil
	}

	horizon := now.Add(p.config.ClaimGrace)
	wonIDs, err := p.repo.Claim(ctx, recordIDs(due), horizon)
	if err != nil {
		return result, fmt.Errorf("claim batch: %w", err)
	}
	if len(wonIDs) < len(due) {
		// A concurrent sweep took part of the batch between find and
		// claim. The lost records are its problem now; this sweep
		// carries on with the part it won.
		p.logger.Info("claim batch raced",
			"step", step,
			"requested", len(due),
			"won", len(wonIDs),
		)
	}
	won := selectRecords(due, wonIDs)

	// Mirror the store-side lease on the in-memory copies so later full
	// writes do not revert it.
	for _, rec := range won {
		rec.MarkClaimed(horizon)
	}
	result.Processed = len(won)

	var advanced atomic.Int64
	g := new(errgroup.Group)
	g.SetLimit(p.config.Concurrency)
	for _, rec := range won {
		g.Go(func() error {
			if p.processCall(ctx, rec, now) {
				advanced.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	result.Calls = int(advanced.Load())
	return result, nil
}

// processCall runs one claimed record's call attempt end to end and
// reports whether the cadence advanced. Failures are logged, never
// propagated: the record stays leased until the horizon passes and is
// then re-swept.
func (p *Progression) processCall(ctx context.Context, rec *domain.CampaignRecord, now time.Time) bool {
	logger := p.logger.With(
		"record_id", rec.ID,
		"source", rec.Source.String(),
		"step", rec.CadenceStep,
	)

	contact := rec.Contact
	if !contact.HasPhone() {
		refreshed, err := p.refreshContact(ctx, rec)
		switch {
		case errors.Is(err, domain.ErrSourceNotFound):
			// The document is gone; fall through to the no-phone branch.
			logger.Warn("source document missing", "error", err)
		case err != nil:
			// Transient source-store failure: leave the record leased and
			// let a later sweep retry once the horizon passes.
			logger.Warn("contact refresh failed", "error", err)
			return false
		default:
			contact = refreshed
			// Persist the refreshed snapshot. Safe here: this sweep holds
			// the record's lease.
			if err := p.repo.Update(ctx, rec); err != nil {
				logger.Warn("persist refreshed contact failed", "error", err)
			}
		}
	}

	if !contact.HasPhone() {
		// Data-availability failure: no provider involved, but the slot
		// is consumed so the record does not spin forever.
		logger.Warn("no phone number on file, recording failed attempt")
		outcome := domain.CallOutcome{Successful: false}
		updated, err := p.repo.AdvanceCall(ctx, rec.ID, outcome)
		if err != nil {
			logger.Error("advance call failed", "error", err)
			return false
		}
		p.afterCall(ctx, updated, outcome, logger)
		return true
	}

	outcome, err := p.dialer.PerformAttempt(ctx, contact, rec.Label, rec.Call.AttemptsMade)
	switch {
	case errors.Is(err, domain.ErrCallNotInitiated):
		logger.Warn("call not initiated, deferring retry", "error", err)
		if err := p.repo.ResetForRetry(ctx, rec.ID, now.Add(p.config.RetryDelay)); err != nil {
			logger.Error("reset for retry failed", "error", err)
		}
		return false
	case err != nil && ctx.Err() != nil:
		// Shutdown interrupted the attempt before its outcome was
		// observed, so the slot is not consumed. The release is written
		// on a detached context so it lands despite the cancellation.
		logger.Warn("attempt interrupted, deferring retry", "error", err)
		if err := p.repo.ResetForRetry(context.WithoutCancel(ctx), rec.ID, now.Add(p.config.RetryDelay)); err != nil {
			logger.Error("reset for retry failed", "error", err)
		}
		return false
	case errors.Is(err, domain.ErrConversationTimeout):
		logger.Warn("conversation timed out, recording failed attempt", "error", err)
		outcome = domain.TimeoutOutcome(outcome.ConversationRef)
	case err != nil:
		// The dialer contract only yields the conditions handled above;
		// anything else still counts as an executed, failed attempt.
		logger.Error("call attempt failed", "error", err)
		outcome = domain.CallOutcome{Successful: false}
	}

	updated, err := p.repo.AdvanceCall(ctx, rec.ID, outcome)
	if err != nil {
		logger.Error("advance call failed, record stays leased until the horizon passes", "error", err)
		return false
	}

	p.afterCall(ctx, updated, outcome, logger)
	return true
}

// SweepEmails processes records whose call cadence is exhausted and
// whose outreach email has not landed yet.
func (p *Progression) SweepEmails(ctx context.Context, now time.Time) (SweepResult, error) {
	return p.sweepEmailBatch(ctx, now, p.repo.FindDueForEmail)
}

// SweepScheduledEmails processes records whose bundled deferred email is
// due, regardless of call progress.
func (p *Progression) SweepScheduledEmails(ctx context.Context, now time.Time) (SweepResult, error) {
	return p.sweepEmailBatch(ctx, now, p.repo.FindDueScheduledEmail)
}

type emailFinder func(ctx context.Context, now time.Time, includePartnered bool, limit int) ([]*domain.CampaignRecord, error)

func (p *Progression) sweepEmailBatch(ctx context.Context, now time.Time, find emailFinder) (SweepResult, error) {
	var result SweepResult

	due, err := find(ctx, now, p.config.EmailAfterPartnered, p.config.BatchSize)
	if err != nil {
		return result, fmt.Errorf("find due for email: %w", err)
	}
	if len(due) == 0 {
		return result, nil
	}
	result.Processed = len(due)

	var sent atomic.Int64
	g := new(errgroup.Group)
	g.SetLimit(p.config.Concurrency)
	for _, rec := range due {
		g.Go(func() error {
			if p.processEmail(ctx, rec) {
				sent.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	result.Emails = int(sent.Load())
	return result, nil
}

// processEmail runs one record's email attempt: refresh addresses when
// the snapshot is empty, compose once, deliver to every address, record
// the aggregate result. It reports whether at least one delivery landed.
func (p *Progression) processEmail(ctx context.Context, rec *domain.CampaignRecord) bool {
	logger := p.logger.With(
		"record_id", rec.ID,
		"source", rec.Source.String(),
	)

	contact := rec.Contact
	if !contact.HasEmail() {
		// Unlike the call path, the refreshed snapshot is not persisted
		// here: email sweeps hold no lease, and a full write could revert
		// a concurrent call claim on the same record.
		refreshed, err := p.refreshContact(ctx, rec)
		switch {
		case errors.Is(err, domain.ErrSourceNotFound):
			logger.Warn("source document missing", "error", err)
		case err != nil:
			// Transient failure: the record stays due and is re-swept.
			logger.Warn("contact refresh failed", "error", err)
			return false
		default:
			contact = refreshed
		}
	}

	var outcome domain.EmailOutcome
	if !contact.HasEmail() {
		logger.Warn("no email address on file, recording permanent failure")
		outcome = domain.EmailOutcome{
			Success:     false,
			Unreachable: true,
			LastError:   "no email address on file",
		}
	} else {
		content := p.emailer.Compose(ctx, rec.Label)
		outcome = p.emailer.SendAll(ctx, contact.Emails, content, rec.Label)
	}

	updated, err := p.repo.RecordEmailResult(ctx, rec.ID, outcome)
	if err != nil {
		logger.Error("record email result failed", "error", err)
		return false
	}

	p.syncOutreach(ctx, updated, logger)
	if outcome.Success {
		p.enqueueEvent(ctx, domain.NewCampaignEmailed(updated, outcome), logger)
	} else {
		p.enqueueEvent(ctx, domain.NewCampaignEmailFailed(updated, outcome), logger)
	}
	return outcome.Success
}

// refreshContact reloads the contact snapshot from the source document
// onto the in-memory record. Persisting it is the caller's call.
func (p *Progression) refreshContact(ctx context.Context, rec *domain.CampaignRecord) (domain.ContactInfo, error) {
	doc, err := p.sources.Fetch(ctx, rec.Source)
	if err != nil {
		return rec.Contact, err
	}
	rec.Contact = doc.Contact()
	return rec.Contact, nil
}

// afterCall runs the best-effort post-attempt work: outreach sync onto
// the source document and the domain events.
func (p *Progression) afterCall(ctx context.Context, rec *domain.CampaignRecord, outcome domain.CallOutcome, logger *slog.Logger) {
	p.syncOutreach(ctx, rec, logger)
	p.enqueueEvent(ctx, domain.NewCallRecorded(rec, outcome), logger)
	if outcome.PartnershipSignal != nil && *outcome.PartnershipSignal {
		p.enqueueEvent(ctx, domain.NewPartnershipDetected(rec, outcome), logger)
	}
}

// syncOutreach mirrors the record's progress onto the source document's
// outreach sub-document. Best effort: failures are logged and never roll
// back the record.
func (p *Progression) syncOutreach(ctx context.Context, rec *domain.CampaignRecord, logger *slog.Logger) {
	fields := map[string]any{
		"status":        string(rec.Status),
		"cadence_step":  rec.CadenceStep,
		"call_attempts": rec.Call.AttemptsMade,
		"call_status":   string(rec.Call.LastStatus),
		"emails_sent":   rec.Email.SentCount,
		"updated_at":    rec.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if err := p.sources.PatchOutreach(ctx, rec.Source, fields); err != nil {
		logger.Warn("outreach sync failed", "error", err)
	}
}

// enqueueEvent stores a domain event in the outbox. Best effort.
func (p *Progression) enqueueEvent(ctx context.Context, event sharedDomain.DomainEvent, logger *slog.Logger) {
	if p.outboxRepo == nil {
		return
	}
	msg, err := outbox.NewMessage(event)
	if err != nil {
		logger.Warn("encode outbox event failed",
			"routing_key", event.RoutingKey(),
			"error", err,
		)
		return
	}
	if err := p.outboxRepo.Save(ctx, msg); err != nil {
		logger.Warn("enqueue outbox event failed",
			"routing_key", event.RoutingKey(),
			"error", err,
		)
	}
}

func recordIDs(records []*domain.CampaignRecord) []uuid.UUID {
	ids := make([]uuid.UUID, len(records))
	for i, rec := range records {
		ids[i] = rec.ID
	}
	return ids
}

// selectRecords filters records down to the given IDs, preserving order.
func selectRecords(records []*domain.CampaignRecord, ids []uuid.UUID) []*domain.CampaignRecord {
	keep := make(map[uuid.UUID]struct{}, len(ids))
	for _, id := range ids {
		keep[id] = struct{}{}
	}
	out := make([]*domain.CampaignRecord, 0, len(ids))
	for _, rec := range records {
		if _, ok := keep[rec.ID]; ok {
			out = append(out, rec)
		}
	}
	return out
}
