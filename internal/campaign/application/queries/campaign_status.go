// Package queries contains the campaign read operations invoked from
// the API and CLI adapters.
package queries

import (
	"context"

	"github.com/felixgeelhaar/cadence/internal/campaign/domain"
	"github.com/google/uuid"
)

// CampaignStatusQuery asks for record counts by status and cadence step.
type CampaignStatusQuery struct {
	// RecordIDs restricts the aggregation; empty means every record.
	RecordIDs []uuid.UUID
}

// CampaignStatusDTO aggregates record counts for reporting.
type CampaignStatusDTO struct {
	Total    int64            `json:"total"`
	ByStatus map[string]int64 `json:"by_status"`
	ByStep   map[int]int64    `json:"by_step"`
}

// CampaignStatusHandler handles the CampaignStatusQuery.
type CampaignStatusHandler struct {
	repo domain.CampaignRepository
}

// NewCampaignStatusHandler creates a new CampaignStatusHandler.
func NewCampaignStatusHandler(repo domain.CampaignRepository) *CampaignStatusHandler {
	return &CampaignStatusHandler{repo: repo}
}

// Handle executes the CampaignStatusQuery.
func (h *CampaignStatusHandler) Handle(ctx context.Context, query CampaignStatusQuery) (*CampaignStatusDTO, error) {
	counts, err := h.repo.CountByStatusAndStep(ctx, query.RecordIDs)
	if err != nil {
		return nil, err
	}

	dto := &CampaignStatusDTO{
		Total:    counts.Total,
		ByStatus: make(map[string]int64, len(counts.ByStatus)),
		ByStep:   make(map[int]int64, len(counts.ByStep)),
	}
	for status, count := range counts.ByStatus {
		dto.ByStatus[string(status)] = count
	}
	for step, count := range counts.ByStep {
		dto.ByStep[step] = count
	}
	return dto, nil
}
