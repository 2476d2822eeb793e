package domain

import (
	"time"

	sharedDomain "github.com/felixgeelhaar/cadence/internal/shared/domain"
	"github.com/google/uuid"
)

const (
	AggregateType = "Campaign"

	RoutingKeyEnrolled     = "campaign.enrolled"
	RoutingKeyCallRecorded = "campaign.call_recorded"
	RoutingKeyPartnered    = "campaign.partnered"
	RoutingKeyEmailed      = "campaign.emailed"
	RoutingKeyEmailFailed  = "campaign.email_failed"
	RoutingKeyArchived     = "campaign.archived"
)

// CampaignEnrolled is emitted when a source record enters a campaign.
type CampaignEnrolled struct {
	sharedDomain.BaseEvent
	RecordID  uuid.UUID `json:"record_id"`
	Source    SourceRef `json:"source"`
	Label     string    `json:"label,omitempty"`
	CallSteps int       `json:"call_steps"`
	StartedAt time.Time `json:"started_at"`
}

// NewCampaignEnrolled creates a CampaignEnrolled event.
func NewCampaignEnrolled(rec *CampaignRecord) CampaignEnrolled {
	return CampaignEnrolled{
		BaseEvent: sharedDomain.NewBaseEvent(rec.ID, AggregateType, RoutingKeyEnrolled),
		RecordID:  rec.ID,
		Source:    rec.Source,
		Label:     rec.Label,
		CallSteps: rec.TotalSteps(),
		StartedAt: rec.StartedAt,
	}
}

// CallRecorded is emitted when a call attempt resolves and the cadence
// advances.
type CallRecorded struct {
	sharedDomain.BaseEvent
	RecordID        uuid.UUID `json:"record_id"`
	Source          SourceRef `json:"source"`
	AttemptNumber   int       `json:"attempt_number"`
	Step            int       `json:"step"`
	Successful      bool      `json:"successful"`
	DurationSeconds int       `json:"duration_seconds"`
	Status          Status    `json:"status"`
}

// NewCallRecorded creates a CallRecorded event from the advanced record.
func NewCallRecorded(rec *CampaignRecord, outcome CallOutcome) CallRecorded {
	return CallRecorded{
		BaseEvent:       sharedDomain.NewBaseEvent(rec.ID, AggregateType, RoutingKeyCallRecorded),
		RecordID:        rec.ID,
		Source:          rec.Source,
		AttemptNumber:   rec.Call.AttemptsMade,
		Step:            rec.CadenceStep,
		Successful:      outcome.Successful,
		DurationSeconds: outcome.DurationSeconds,
		Status:          rec.Status,
	}
}

// PartnershipDetected is emitted when a call outcome carries a decisive
// positive partnership signal.
type PartnershipDetected struct {
	sharedDomain.BaseEvent
	RecordID        uuid.UUID `json:"record_id"`
	Source          SourceRef `json:"source"`
	AttemptNumber   int       `json:"attempt_number"`
	ConversationRef string    `json:"conversation_ref,omitempty"`
}

// NewPartnershipDetected creates a PartnershipDetected event.
func NewPartnershipDetected(rec *CampaignRecord, outcome CallOutcome) PartnershipDetected {
	return PartnershipDetected{
		BaseEvent:       sharedDomain.NewBaseEvent(rec.ID, AggregateType, RoutingKeyPartnered),
		RecordID:        rec.ID,
		Source:          rec.Source,
		AttemptNumber:   rec.Call.AttemptsMade,
		ConversationRef: outcome.ConversationRef,
	}
}

// CampaignEmailed is emitted when the outreach email lands on at least
// one address.
type CampaignEmailed struct {
	sharedDomain.BaseEvent
	RecordID  uuid.UUID `json:"record_id"`
	Source    SourceRef `json:"source"`
	Delivered int       `json:"delivered"`
	Subject   string    `json:"subject,omitempty"`
}

// NewCampaignEmailed creates a CampaignEmailed event.
func NewCampaignEmailed(rec *CampaignRecord, outcome EmailOutcome) CampaignEmailed {
	return CampaignEmailed{
		BaseEvent: sharedDomain.NewBaseEvent(rec.ID, AggregateType, RoutingKeyEmailed),
		RecordID:  rec.ID,
		Source:    rec.Source,
		Delivered: outcome.Delivered,
		Subject:   outcome.Subject,
	}
}

// CampaignEmailFailed is emitted when an email attempt delivers nothing.
type CampaignEmailFailed struct {
	sharedDomain.BaseEvent
	RecordID    uuid.UUID `json:"record_id"`
	Source      SourceRef `json:"source"`
	Reason      string    `json:"reason,omitempty"`
	Unreachable bool      `json:"unreachable"`
}

// NewCampaignEmailFailed creates a CampaignEmailFailed event.
func NewCampaignEmailFailed(rec *CampaignRecord, outcome EmailOutcome) CampaignEmailFailed {
	return CampaignEmailFailed{
		BaseEvent:   sharedDomain.NewBaseEvent(rec.ID, AggregateType, RoutingKeyEmailFailed),
		RecordID:    rec.ID,
		Source:      rec.Source,
		Reason:      outcome.LastError,
		Unreachable: outcome.Unreachable,
	}
}

// CampaignArchived is emitted on administrative archival.
type CampaignArchived struct {
	sharedDomain.BaseEvent
	RecordID uuid.UUID `json:"record_id"`
	Source   SourceRef `json:"source"`
}

// NewCampaignArchived creates a CampaignArchived event.
func NewCampaignArchived(rec *CampaignRecord) CampaignArchived {
	return CampaignArchived{
		BaseEvent: sharedDomain.NewBaseEvent(rec.ID, AggregateType, RoutingKeyArchived),
		RecordID:  rec.ID,
		Source:    rec.Source,
	}
}
