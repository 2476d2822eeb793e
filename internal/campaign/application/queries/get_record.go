package queries

import (
	"context"
	"time"

	"github.com/felixgeelhaar/cadence/internal/campaign/domain"
	"github.com/google/uuid"
)

// CampaignRecordDTO is a data transfer object for one campaign record.
type CampaignRecordDTO struct {
	ID          uuid.UUID `json:"id"`
	Source      string    `json:"source"`
	Label       string    `json:"label,omitempty"`
	Status      string    `json:"status"`
	CadenceStep int       `json:"cadence_step"`
	TotalSteps  int       `json:"total_steps"`
	StartedAt   time.Time `json:"started_at"`

	PhoneNumbers []string `json:"phone_numbers,omitempty"`
	Emails       []string `json:"emails,omitempty"`

	CallAttemptsMade     int        `json:"call_attempts_made"`
	CallNextAttemptAt    *time.Time `json:"call_next_attempt_at,omitempty"`
	CallClaimed          bool       `json:"call_claimed"`
	CallLastStatus       string     `json:"call_last_status,omitempty"`
	CallLastDuration     int        `json:"call_last_duration_seconds,omitempty"`
	CallLastConversation string     `json:"call_last_conversation_ref,omitempty"`
	Partnered            bool       `json:"partnered"`

	EmailsSent         int        `json:"emails_sent"`
	EmailNextAttemptAt *time.Time `json:"email_next_attempt_at,omitempty"`
	EmailLastStatus    string     `json:"email_last_status,omitempty"`
	EmailLastSubject   string     `json:"email_last_subject,omitempty"`
	EmailLastError     string     `json:"email_last_error,omitempty"`

	History   []AttemptDTO `json:"history,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// AttemptDTO is one resolved call attempt.
type AttemptDTO struct {
	AttemptNumber     int       `json:"attempt_number"`
	Step              int       `json:"step"`
	Successful        bool      `json:"successful"`
	DurationSeconds   int       `json:"duration_seconds"`
	ConversationRef   string    `json:"conversation_ref,omitempty"`
	PartnershipSignal *bool     `json:"partnership_signal,omitempty"`
	At                time.Time `json:"at"`
}

// GetCampaignRecordQuery contains the parameters for fetching one record.
type GetCampaignRecordQuery struct {
	RecordID uuid.UUID
}

// GetCampaignRecordHandler handles the GetCampaignRecordQuery.
type GetCampaignRecordHandler struct {
	repo domain.CampaignRepository
}

// NewGetCampaignRecordHandler creates a new GetCampaignRecordHandler.
func NewGetCampaignRecordHandler(repo domain.CampaignRepository) *GetCampaignRecordHandler {
	return &GetCampaignRecordHandler{repo: repo}
}

// Handle executes the GetCampaignRecordQuery. domain.ErrRecordNotFound
// passes through for the adapters to map to their not-found responses.
func (h *GetCampaignRecordHandler) Handle(ctx context.Context, query GetCampaignRecordQuery) (*CampaignRecordDTO, error) {
	rec, err := h.repo.GetByID(ctx, query.RecordID)
	if err != nil {
		return nil, err
	}
	return toRecordDTO(rec), nil
}

func toRecordDTO(rec *domain.CampaignRecord) *CampaignRecordDTO {
	history := make([]AttemptDTO, len(rec.History))
	for i, entry := range rec.History {
		history[i] = AttemptDTO{
			AttemptNumber:     entry.AttemptNumber,
			Step:              entry.Step,
			Successful:        entry.Successful,
			DurationSeconds:   entry.DurationSeconds,
			ConversationRef:   entry.ConversationRef,
			PartnershipSignal: entry.PartnershipSignal,
			At:                entry.At,
		}
	}

	return &CampaignRecordDTO{
		ID:          rec.ID,
		Source:      rec.Source.String(),
		Label:       rec.Label,
		Status:      string(rec.Status),
		CadenceStep: rec.CadenceStep,
		TotalSteps:  rec.TotalSteps(),
		StartedAt:   rec.StartedAt,

		PhoneNumbers: rec.Contact.PhoneNumbers,
		Emails:       rec.Contact.Emails,

		CallAttemptsMade:     rec.Call.AttemptsMade,
		CallNextAttemptAt:    rec.Call.NextAttemptAt,
		CallClaimed:          rec.Call.Claimed,
		CallLastStatus:       string(rec.Call.LastStatus),
		CallLastDuration:     rec.Call.LastDurationSeconds,
		CallLastConversation: rec.Call.LastConversationRef,
		Partnered:            rec.Call.Partnered,

		EmailsSent:         rec.Email.SentCount,
		EmailNextAttemptAt: rec.Email.NextAttemptAt,
		EmailLastStatus:    string(rec.Email.LastStatus),
		EmailLastSubject:   rec.Email.LastSubject,
		EmailLastError:     rec.Email.LastError,

		History:   history,
		CreatedAt: rec.CreatedAt,
		UpdatedAt: rec.UpdatedAt,
	}
}
