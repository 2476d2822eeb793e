// Package domain contains the campaign tracking domain model.
package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Common errors for campaign records.
var (
	ErrRecordNotFound        = errors.New("campaign record not found")
	ErrActiveCampaignExists  = errors.New("active campaign exists")
	ErrRecordNotResettable   = errors.New("campaign record is not resettable")
	ErrRecordAlreadyArchived = errors.New("campaign record is already archived")
	ErrInvalidRecord         = errors.New("invalid campaign record")
)

// Status is the combined lifecycle status of a campaign record.
type Status string

const (
	StatusLead      Status = "lead"
	StatusEmailed   Status = "emailed"
	StatusPartnered Status = "partnered"
	StatusArchived  Status = "archived"
)

// AttemptedStatus returns the status for a record that has completed
// the given number of call attempts (attempted_1, attempted_2, ...).
func AttemptedStatus(step int) Status {
	return Status(fmt.Sprintf("attempted_%d", step))
}

// IsTerminal reports whether the status ends the campaign for a record.
// Terminal records are never selected by call sweeps.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusEmailed, StatusPartnered, StatusArchived:
		return true
	}
	return false
}

// TerminalStatuses lists all terminal status values.
func TerminalStatuses() []Status {
	return []Status{StatusEmailed, StatusPartnered, StatusArchived}
}

// DeriveStatus computes the combined status from the per-channel state.
// Partnership wins over everything except archival; the emailed status
// applies only once the record has passed its final call step, so an
// early scheduled email does not terminate a running call cadence.
func DeriveStatus(step, totalSteps int, partnered, emailSent bool) Status {
	switch {
	case partnered:
		return StatusPartnered
	case emailSent && step >= totalSteps:
		return StatusEmailed
	case step <= 0:
		return StatusLead
	default:
		return AttemptedStatus(step)
	}
}

// CallChannelStatus is the status of the call channel for a record.
type CallChannelStatus string

const (
	CallStatusPending   CallChannelStatus = "pending"
	CallStatusCompleted CallChannelStatus = "completed"
	CallStatusFailed    CallChannelStatus = "failed"
	CallStatusTimeout   CallChannelStatus = "timeout"
)

// EmailChannelStatus is the status of the email channel for a record.
type EmailChannelStatus string

const (
	EmailStatusPending EmailChannelStatus = "pending"
	EmailStatusSent    EmailChannelStatus = "sent"
	EmailStatusFailed  EmailChannelStatus = "failed"
	// EmailStatusUnreachable marks a record with no deliverable address.
	// Unlike a failed send it is permanent: email sweeps skip it.
	EmailStatusUnreachable EmailChannelStatus = "unreachable"
)

// ContactInfo is the denormalized contact snapshot for a record. It is
// refreshed lazily from the source document when empty.
type ContactInfo struct {
	PhoneNumbers []string `json:"phone_numbers"`
	Emails       []string `json:"emails"`
}

// HasPhone reports whether at least one phone number is cached.
func (c ContactInfo) HasPhone() bool { return len(c.PhoneNumbers) > 0 }

// HasEmail reports whether at least one email address is cached.
func (c ContactInfo) HasEmail() bool { return len(c.Emails) > 0 }

// CallState tracks the call channel of a campaign record.
type CallState struct {
	NextAttemptAt       *time.Time
	Claimed             bool
	AttemptsMade        int
	LastStatus          CallChannelStatus
	LastDurationSeconds int
	LastConversationRef string
	Partnered           bool
}

// EmailState tracks the email channel of a campaign record.
type EmailState struct {
	SentCount     int
	NextAttemptAt *time.Time
	LastStatus    EmailChannelStatus
	LastSubject   string
	LastError     string
}

// AttemptRecord is one resolved call attempt in a record's history.
// Entries are immutable once appended; entry i carries AttemptNumber i+1.
type AttemptRecord struct {
	AttemptNumber     int       `json:"attempt_number"`
	Step              int       `json:"step"`
	Successful        bool      `json:"successful"`
	DurationSeconds   int       `json:"duration_seconds"`
	ConversationRef   string    `json:"conversation_ref,omitempty"`
	PartnershipSignal *bool     `json:"partnership_signal,omitempty"`
	At                time.Time `json:"at"`
}

// CampaignRecord tracks one enrolled source record through its cadence.
type CampaignRecord struct {
	ID     uuid.UUID
	Source SourceRef
	Label  string

	CadenceStep int
	Status      Status
	Plan        CadencePlan
	StartedAt   time.Time

	Contact ContactInfo
	Call    CallState
	Email   EmailState
	History []AttemptRecord

	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewCampaignRecord enrolls a source record into a campaign. The first
// call attempt and the optional deferred email are scheduled relative to
// startedAt, never to the current wall clock.
func NewCampaignRecord(source SourceRef, label string, plan CadencePlan, contact ContactInfo, startedAt time.Time) (*CampaignRecord, error) {
	if err := source.Validate(); err != nil {
		return nil, err
	}
	if err := plan.Validate(); err != nil {
		return nil, err
	}

	rec := &CampaignRecord{
		ID:          uuid.New(),
		Source:      source,
		Label:       label,
		CadenceStep: 0,
		Status:      StatusLead,
		Plan:        plan,
		StartedAt:   startedAt,
		Contact:     contact,
		Call:        CallState{LastStatus: CallStatusPending},
		Email:       EmailState{LastStatus: EmailStatusPending},
		History:     []AttemptRecord{},
		CreatedAt:   startedAt,
		UpdatedAt:   startedAt,
	}

	if due, ok := plan.DueAt(0, startedAt); ok {
		rec.Call.NextAttemptAt = &due
	}
	if due, ok := plan.EmailDueAt(startedAt); ok {
		rec.Email.NextAttemptAt = &due
	}

	return rec, nil
}

// TotalSteps returns N, the number of call steps before the email step.
func (r *CampaignRecord) TotalSteps() int {
	return r.Plan.Steps()
}

// IsTerminal reports whether the record left the active set.
func (r *CampaignRecord) IsTerminal() bool {
	return r.Status.IsTerminal()
}

// MarkClaimed leases the record until the given horizon so concurrent
// sweeps cannot re-select it while an attempt is in flight.
func (r *CampaignRecord) MarkClaimed(until time.Time) {
	r.Call.Claimed = true
	r.Call.NextAttemptAt = &until
	r.UpdatedAt = time.Now().UTC()
}

// RecordCallOutcome resolves the current call attempt: it appends the
// history entry, consumes the cadence slot, reschedules or exhausts the
// call channel, releases the claim, and re-derives the status. A decisive
// positive partnership signal short-circuits the record to partnered.
func (r *CampaignRecord) RecordCallOutcome(outcome CallOutcome, now time.Time) {
	entry := AttemptRecord{
		AttemptNumber:     r.Call.AttemptsMade + 1,
		Step:              r.CadenceStep,
		Successful:        outcome.Successful,
		DurationSeconds:   outcome.DurationSeconds,
		ConversationRef:   outcome.ConversationRef,
		PartnershipSignal: outcome.PartnershipSignal,
		At:                now,
	}
	r.History = append(r.History, entry)
	r.Call.AttemptsMade++

	switch {
	case outcome.Successful:
		r.Call.LastStatus = CallStatusCompleted
	case outcome.TimedOut:
		r.Call.LastStatus = CallStatusTimeout
	default:
		r.Call.LastStatus = CallStatusFailed
	}
	r.Call.LastDurationSeconds = outcome.DurationSeconds
	r.Call.LastConversationRef = outcome.ConversationRef
	if outcome.PartnershipSignal != nil && *outcome.PartnershipSignal {
		r.Call.Partnered = true
	}

	if r.CadenceStep < r.TotalSteps() {
		r.CadenceStep++
	}
	if due, ok := r.Plan.DueAt(r.CadenceStep, r.StartedAt); ok && !r.Call.Partnered {
		r.Call.NextAttemptAt = &due
	} else {
		r.Call.NextAttemptAt = nil
	}
	r.Call.Claimed = false

	r.Status = DeriveStatus(r.CadenceStep, r.TotalSteps(), r.Call.Partnered, r.Email.SentCount > 0)
	r.UpdatedAt = now
}

// DeferRetry releases the claim and moves the next attempt to retryAt
// without consuming a cadence slot. Used when an attempt could not even
// be initiated, as opposed to executed and failed.
func (r *CampaignRecord) DeferRetry(retryAt, now time.Time) {
	r.Call.Claimed = false
	r.Call.NextAttemptAt = &retryAt
	r.UpdatedAt = now
}

// RecordEmailOutcome resolves an email attempt. Success terminates the
// record as emailed only once the call cadence is exhausted; a failed
// send keeps SentCount at zero so a later sweep retries it, while an
// unreachable record (no address on file) is skipped permanently.
func (r *CampaignRecord) RecordEmailOutcome(outcome EmailOutcome, now time.Time) {
	r.Email.SentCount = outcome.Delivered
	r.Email.LastSubject = outcome.Subject
	r.Email.NextAttemptAt = nil

	switch {
	case outcome.Success:
		r.Email.LastStatus = EmailStatusSent
		r.Email.LastError = ""
	case outcome.Unreachable:
		r.Email.LastStatus = EmailStatusUnreachable
		r.Email.LastError = outcome.LastError
	default:
		r.Email.LastStatus = EmailStatusFailed
		r.Email.LastError = outcome.LastError
	}

	r.Status = DeriveStatus(r.CadenceStep, r.TotalSteps(), r.Call.Partnered, r.Email.SentCount > 0)
	r.UpdatedAt = now
}

// Reset re-enrolls a record that already completed its email, restarting
// the cadence from step zero with a fresh start time. Records that
// partnered or were archived are not resettable.
func (r *CampaignRecord) Reset(startedAt time.Time) error {
	if r.Status != StatusEmailed {
		return ErrRecordNotResettable
	}

	r.CadenceStep = 0
	r.Status = StatusLead
	r.StartedAt = startedAt
	r.Call = CallState{LastStatus: CallStatusPending}
	r.Email = EmailState{LastStatus: EmailStatusPending}
	r.History = []AttemptRecord{}

	if due, ok := r.Plan.DueAt(0, startedAt); ok {
		r.Call.NextAttemptAt = &due
	}
	if due, ok := r.Plan.EmailDueAt(startedAt); ok {
		r.Email.NextAttemptAt = &due
	}
	r.UpdatedAt = startedAt
	return nil
}

// Archive removes the record from all sweeps. Administrative action only.
func (r *CampaignRecord) Archive(now time.Time) error {
	if r.Status == StatusArchived {
		return ErrRecordAlreadyArchived
	}
	r.Status = StatusArchived
	r.Call.Claimed = false
	r.Call.NextAttemptAt = nil
	r.Email.NextAttemptAt = nil
	r.UpdatedAt = now
	return nil
}
