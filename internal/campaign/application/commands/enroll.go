// Package commands contains the campaign write operations invoked from
// the API and CLI adapters.
package commands

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/felixgeelhaar/cadence/internal/campaign/domain"
	sharedApplication "github.com/felixgeelhaar/cadence/internal/shared/application"
	sharedDomain "github.com/felixgeelhaar/cadence/internal/shared/domain"
	"github.com/felixgeelhaar/cadence/internal/shared/infrastructure/outbox"
	"github.com/google/uuid"
)

// EnrollCampaignCommand enrolls source records into an outreach campaign.
// All records share one cadence plan and one start time.
type EnrollCampaignCommand struct {
	Sources []domain.SourceRef
	Plan    domain.CadencePlan
	// StartedAt anchors every schedule computation for the enrolled
	// records. Zero means now.
	StartedAt time.Time
}

// AcceptedEnrollment is one source that entered the campaign.
type AcceptedEnrollment struct {
	Source     domain.SourceRef `json:"source"`
	TrackingID uuid.UUID        `json:"tracking_id"`
	// Restarted is true when a previously emailed record was reset
	// instead of a new record being created.
	Restarted bool `json:"restarted,omitempty"`
}

// SkippedEnrollment is one source that did not enter the campaign, with
// the reason. Skips are per source and never abort the rest of the batch.
type SkippedEnrollment struct {
	Source domain.SourceRef `json:"source"`
	Reason string           `json:"reason"`
}

// EnrollCampaignResult contains the per-source outcome of the command.
type EnrollCampaignResult struct {
	Accepted []AcceptedEnrollment `json:"accepted"`
	Skipped  []SkippedEnrollment  `json:"skipped,omitempty"`
}

// EnrollCampaignHandler handles the EnrollCampaignCommand.
type EnrollCampaignHandler struct {
	repo       domain.CampaignRepository
	sources    domain.SourceStore
	outboxRepo outbox.Repository
	uow        sharedApplication.UnitOfWork
}

// NewEnrollCampaignHandler creates a new EnrollCampaignHandler.
func NewEnrollCampaignHandler(
	repo domain.CampaignRepository,
	sources domain.SourceStore,
	outboxRepo outbox.Repository,
	uow sharedApplication.UnitOfWork,
) *EnrollCampaignHandler {
	return &EnrollCampaignHandler{
		repo:       repo,
		sources:    sources,
		outboxRepo: outboxRepo,
		uow:        uow,
	}
}

// Handle executes the EnrollCampaignCommand. Each source is enrolled in
// its own transaction so one rejected or failing source never voids the
// rest of the batch.
func (h *EnrollCampaignHandler) Handle(ctx context.Context, cmd EnrollCampaignCommand) (*EnrollCampaignResult, error) {
	if err := cmd.Plan.Validate(); err != nil {
		return nil, err
	}
	if len(cmd.Sources) == 0 {
		return nil, errors.New("no sources to enroll")
	}

	startedAt := cmd.StartedAt
	if startedAt.IsZero() {
		startedAt = time.Now().UTC()
	}

	result := &EnrollCampaignResult{}
	for _, ref := range cmd.Sources {
		accepted, err := h.enrollOne(ctx, ref, cmd.Plan, startedAt)
		if err != nil {
			result.Skipped = append(result.Skipped, SkippedEnrollment{Source: ref, Reason: err.Error()})
			continue
		}
		result.Accepted = append(result.Accepted, *accepted)
	}
	return result, nil
}

// enrollOne enrolls a single source. The returned error doubles as the
// skip reason: business-rule rejections surface as the domain sentinel
// errors, so callers can still test against them with errors.Is.
func (h *EnrollCampaignHandler) enrollOne(ctx context.Context, ref domain.SourceRef, plan domain.CadencePlan, startedAt time.Time) (*AcceptedEnrollment, error) {
	doc, err := h.sources.Fetch(ctx, ref)
	if err != nil {
		if errors.Is(err, domain.ErrSourceNotFound) {
			return nil, domain.ErrSourceNotFound
		}
		return nil, fmt.Errorf("fetch source document: %w", err)
	}

	var accepted *AcceptedEnrollment
	err = sharedApplication.WithUnitOfWork(ctx, h.uow, func(txCtx context.Context) error {
		active, err := h.repo.FindActiveBySource(txCtx, ref)
		if err != nil {
			return err
		}
		if active != nil {
			return domain.ErrActiveCampaignExists
		}

		prior, err := h.repo.FindLatestBySource(txCtx, ref)
		if err != nil {
			return err
		}
		if prior != nil && prior.Status == domain.StatusEmailed {
			// Re-enrollment: restart the emailed record under the new plan
			// instead of creating a sibling row for the same source.
			prior.Plan = plan
			prior.Contact = doc.Contact()
			if label := doc.Label(); label != "" {
				prior.Label = label
			}
			if err := prior.Reset(startedAt); err != nil {
				return err
			}
			if err := h.repo.Update(txCtx, prior); err != nil {
				return err
			}
			if err := h.enqueueEnrolled(txCtx, prior); err != nil {
				return err
			}
			accepted = &AcceptedEnrollment{Source: ref, TrackingID: prior.ID, Restarted: true}
			return nil
		}

		rec, err := domain.NewCampaignRecord(ref, doc.Label(), plan, doc.Contact(), startedAt)
		if err != nil {
			return err
		}
		if err := h.repo.Create(txCtx, rec); err != nil {
			// The partial unique index catches enrollments racing this
			// transaction's FindActiveBySource check.
			return err
		}
		if err := h.enqueueEnrolled(txCtx, rec); err != nil {
			return err
		}
		accepted = &AcceptedEnrollment{Source: ref, TrackingID: rec.ID}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return accepted, nil
}

func (h *EnrollCampaignHandler) enqueueEnrolled(ctx context.Context, rec *domain.CampaignRecord) error {
	if h.outboxRepo == nil {
		return nil
	}
	event := domain.NewCampaignEnrolled(rec)
	sharedApplication.ApplyEventMetadata(
		[]sharedDomain.DomainEvent{&event},
		sharedApplication.NewEventMetadata(ctx),
	)
	msg, err := outbox.NewMessage(&event)
	if err != nil {
		return err
	}
	return h.outboxRepo.Save(ctx, msg)
}
