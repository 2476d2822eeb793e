package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/felixgeelhaar/cadence/internal/campaign/application/commands"
	"github.com/felixgeelhaar/cadence/internal/campaign/application/queries"
	"github.com/felixgeelhaar/cadence/internal/campaign/domain"
	"github.com/google/uuid"
)

// CampaignHandler handles campaign API requests.
type CampaignHandler struct {
	enroll    *commands.EnrollCampaignHandler
	archive   *commands.ArchiveCampaignHandler
	status    *queries.CampaignStatusHandler
	getRecord *queries.GetCampaignRecordHandler
	logger    *slog.Logger
}

// CampaignHandlerConfig holds dependencies for the campaign handler.
type CampaignHandlerConfig struct {
	Enroll    *commands.EnrollCampaignHandler
	Archive   *commands.ArchiveCampaignHandler
	Status    *queries.CampaignStatusHandler
	GetRecord *queries.GetCampaignRecordHandler
	Logger    *slog.Logger
}

// NewCampaignHandler creates a new campaign handler.
func NewCampaignHandler(cfg CampaignHandlerConfig) *CampaignHandler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &CampaignHandler{
		enroll:    cfg.Enroll,
		archive:   cfg.Archive,
		status:    cfg.Status,
		getRecord: cfg.GetRecord,
		logger:    cfg.Logger,
	}
}

// enrollRequest is the body of POST /api/v1/campaigns/enroll. Sources
// are database/collection/id triples sharing one plan and start time.
type enrollRequest struct {
	Sources   []string           `json:"sources"`
	Plan      domain.CadencePlan `json:"plan"`
	StartedAt *time.Time         `json:"started_at,omitempty"`
}

// Enroll handles POST /api/v1/campaigns/enroll
func (h *CampaignHandler) Enroll(w http.ResponseWriter, r *http.Request) {
	var req enrollRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if len(req.Sources) == 0 {
		writeError(w, http.StatusBadRequest, "At least one source is required")
		return
	}

	cmd := commands.EnrollCampaignCommand{Plan: req.Plan}
	if req.StartedAt != nil {
		cmd.StartedAt = *req.StartedAt
	}
	for _, raw := range req.Sources {
		ref, err := domain.ParseSourceRef(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		cmd.Sources = append(cmd.Sources, ref)
	}

	result, err := h.enroll.Handle(r.Context(), cmd)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidPlan) || errors.Is(err, domain.ErrInvalidSlot) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.logger.Error("failed to enroll campaign", "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to enroll campaign")
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// Status handles GET /api/v1/campaigns/status
func (h *CampaignHandler) Status(w http.ResponseWriter, r *http.Request) {
	query := queries.CampaignStatusQuery{}

	// Optional comma-separated ID filter; empty means every record.
	if idsParam := r.URL.Query().Get("ids"); idsParam != "" {
		for _, raw := range strings.Split(idsParam, ",") {
			id, err := uuid.Parse(strings.TrimSpace(raw))
			if err != nil {
				writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid record ID %q", raw))
				return
			}
			query.RecordIDs = append(query.RecordIDs, id)
		}
	}

	result, err := h.status.Handle(r.Context(), query)
	if err != nil {
		h.logger.Error("failed to aggregate campaign status", "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to aggregate campaign status")
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// GetRecord handles GET /api/v1/campaigns/{recordID}
func (h *CampaignHandler) GetRecord(w http.ResponseWriter, r *http.Request) {
	recordID, err := uuid.Parse(r.PathValue("recordID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Record ID must be a UUID")
		return
	}

	result, err := h.getRecord.Handle(r.Context(), queries.GetCampaignRecordQuery{RecordID: recordID})
	if err != nil {
		if errors.Is(err, domain.ErrRecordNotFound) {
			writeError(w, http.StatusNotFound, "Campaign record not found")
			return
		}
		h.logger.Error("failed to get campaign record", "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to get campaign record")
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// Archive handles POST /api/v1/campaigns/{recordID}/archive
func (h *CampaignHandler) Archive(w http.ResponseWriter, r *http.Request) {
	recordID, err := uuid.Parse(r.PathValue("recordID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Record ID must be a UUID")
		return
	}

	result, err := h.archive.Handle(r.Context(), commands.ArchiveCampaignCommand{RecordID: recordID})
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrRecordNotFound):
			writeError(w, http.StatusNotFound, "Campaign record not found")
		case errors.Is(err, domain.ErrRecordAlreadyArchived):
			writeError(w, http.StatusConflict, "Campaign record is already archived")
		default:
			h.logger.Error("failed to archive campaign record", "error", err)
			writeError(w, http.StatusInternalServerError, "Failed to archive campaign record")
		}
		return
	}

	writeJSON(w, http.StatusOK, result)
}
