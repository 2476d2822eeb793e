package commands

import (
	"context"
	"time"

	"github.com/felixgeelhaar/cadence/internal/campaign/domain"
	sharedApplication "github.com/felixgeelhaar/cadence/internal/shared/application"
	sharedDomain "github.com/felixgeelhaar/cadence/internal/shared/domain"
	"github.com/felixgeelhaar/cadence/internal/shared/infrastructure/outbox"
	"github.com/google/uuid"
)

// ArchiveCampaignCommand removes a record from all sweeps. Administrative
// action; the record is kept, never deleted.
type ArchiveCampaignCommand struct {
	RecordID uuid.UUID
}

// ArchiveCampaignResult contains the result of archiving a record.
type ArchiveCampaignResult struct {
	RecordID uuid.UUID     `json:"record_id"`
	Status   domain.Status `json:"status"`
}

// ArchiveCampaignHandler handles the ArchiveCampaignCommand.
type ArchiveCampaignHandler struct {
	repo       domain.CampaignRepository
	outboxRepo outbox.Repository
	uow        sharedApplication.UnitOfWork
}

// NewArchiveCampaignHandler creates a new ArchiveCampaignHandler.
func NewArchiveCampaignHandler(
	repo domain.CampaignRepository,
	outboxRepo outbox.Repository,
	uow sharedApplication.UnitOfWork,
) *ArchiveCampaignHandler {
	return &ArchiveCampaignHandler{
		repo:       repo,
		outboxRepo: outboxRepo,
		uow:        uow,
	}
}

// Handle executes the ArchiveCampaignCommand.
func (h *ArchiveCampaignHandler) Handle(ctx context.Context, cmd ArchiveCampaignCommand) (*ArchiveCampaignResult, error) {
	var result *ArchiveCampaignResult

	err := sharedApplication.WithUnitOfWork(ctx, h.uow, func(txCtx context.Context) error {
		rec, err := h.repo.GetByID(txCtx, cmd.RecordID)
		if err != nil {
			return err
		}

		if err := rec.Archive(time.Now().UTC()); err != nil {
			return err
		}
		if err := h.repo.Update(txCtx, rec); err != nil {
			return err
		}

		if h.outboxRepo != nil {
			event := domain.NewCampaignArchived(rec)
			sharedApplication.ApplyEventMetadata(
				[]sharedDomain.DomainEvent{&event},
				sharedApplication.NewEventMetadata(txCtx),
			)
			msg, err := outbox.NewMessage(&event)
			if err != nil {
				return err
			}
			if err := h.outboxRepo.Save(txCtx, msg); err != nil {
				return err
			}
		}

		result = &ArchiveCampaignResult{RecordID: rec.ID, Status: rec.Status}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}
