package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/felixgeelhaar/cadence/internal/campaign/domain"
	"github.com/felixgeelhaar/cadence/internal/campaign/infrastructure/persistence"
	"github.com/felixgeelhaar/cadence/internal/shared/infrastructure/outbox"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

type dialedAttempt struct {
	contact      domain.ContactInfo
	label        string
	attemptIndex int
}

type fakeDialer struct {
	mu       sync.Mutex
	attempts []dialedAttempt
	perform  func(attemptIndex int) (domain.CallOutcome, error)
}

func (f *fakeDialer) PerformAttempt(_ context.Context, contact domain.ContactInfo, label string, attemptIndex int) (domain.CallOutcome, error) {
	f.mu.Lock()
	f.attempts = append(f.attempts, dialedAttempt{contact: contact, label: label, attemptIndex: attemptIndex})
	perform := f.perform
	f.mu.Unlock()
	if perform == nil {
		return domain.CallOutcome{Successful: true, DurationSeconds: 30}, nil
	}
	return perform(attemptIndex)
}

func (f *fakeDialer) setPerform(perform func(attemptIndex int) (domain.CallOutcome, error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.perform = perform
}

func (f *fakeDialer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.attempts)
}

type fakeEmailSender struct {
	mu      sync.Mutex
	sends   [][]string
	outcome *domain.EmailOutcome
}

func (f *fakeEmailSender) Compose(_ context.Context, label string) domain.EmailContent {
	return domain.EmailContent{Subject: "Partnering with " + label, Body: "Hello"}
}

func (f *fakeEmailSender) SendAll(_ context.Context, addresses []string, content domain.EmailContent, _ string) domain.EmailOutcome {
	f.mu.Lock()
	f.sends = append(f.sends, addresses)
	outcome := f.outcome
	f.mu.Unlock()
	if outcome != nil {
		return *outcome
	}
	return domain.EmailOutcome{Success: true, Delivered: len(addresses), Subject: content.Subject}
}

func (f *fakeEmailSender) setOutcome(outcome *domain.EmailOutcome) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outcome = outcome
}

func (f *fakeEmailSender) sendCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sends)
}

type progressionDeps struct {
	repo    *persistence.MemoryCampaignRepository
	sources *persistence.MemorySourceStore
	dialer  *fakeDialer
	emailer *fakeEmailSender
	outbox  *outbox.InMemoryRepository
}

func newTestProgression(config ProgressionConfig) (*Progression, *progressionDeps) {
	deps := &progressionDeps{
		repo:    persistence.NewMemoryCampaignRepository(),
		sources: persistence.NewMemorySourceStore(),
		dialer:  &fakeDialer{},
		emailer: &fakeEmailSender{},
		outbox:  outbox.NewInMemoryRepository(),
	}
	engine := NewProgression(deps.repo, deps.sources, deps.dialer, deps.emailer, deps.outbox, config, testLogger())
	return engine, deps
}

func twoCallPlan() domain.CadencePlan {
	return domain.CadencePlan{CallSlots: []domain.CadenceSlot{domain.OffsetSlot(0), domain.OffsetSlot(5)}}
}

func oneCallPlan() domain.CadencePlan {
	return domain.CadencePlan{CallSlots: []domain.CadenceSlot{domain.OffsetSlot(0)}}
}

func fullContactDoc() map[string]any {
	return map[string]any{
		"name":   "Riverside Dental",
		"phones": []any{"+15550100"},
		"emails": []any{"frontdesk@riverside.example"},
	}
}

// seedRecord enrolls one record directly through the repositories. A nil
// doc seeds no source document, leaving the contact snapshot empty.
func seedRecord(t *testing.T, deps *progressionDeps, doc map[string]any, plan domain.CadencePlan, startedAt time.Time) *domain.CampaignRecord {
	t.Helper()
	ctx := context.Background()
	ref := domain.SourceRef{Database: "crm", Collection: "dentists", DocumentID: uuid.NewString()}

	label := ""
	contact := domain.ContactInfo{}
	if doc != nil {
		require.NoError(t, deps.sources.Insert(ctx, ref, doc))
		stored, err := deps.sources.Fetch(ctx, ref)
		require.NoError(t, err)
		label = stored.Label()
		contact = stored.Contact()
	}

	rec, err := domain.NewCampaignRecord(ref, label, plan, contact, startedAt)
	require.NoError(t, err)
	require.NoError(t, deps.repo.Create(ctx, rec))
	return rec
}

func routingKeys(t *testing.T, repo *outbox.InMemoryRepository) []string {
	t.Helper()
	msgs, err := repo.GetUnpublished(context.Background(), 100)
	require.NoError(t, err)
	keys := make([]string, len(msgs))
	for i, msg := range msgs {
		keys[i] = msg.RoutingKey
	}
	return keys
}

func TestProgression_SweepCalls_NothingDue(t *testing.T) {
	engine, deps := newTestProgression(ProgressionConfig{})

	result, err := engine.SweepCalls(context.Background(), time.Now().UTC(), 0)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{}, result)
	assert.Zero(t, deps.dialer.count())
}

func TestProgression_SweepCalls_FailedAttemptAdvancesCadence(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()
	startedAt := now.Add(-time.Minute)

	engine, deps := newTestProgression(ProgressionConfig{})
	rec := seedRecord(t, deps, fullContactDoc(), twoCallPlan(), startedAt)

	deps.dialer.setPerform(func(int) (domain.CallOutcome, error) {
		return domain.CallOutcome{Successful: false, DurationSeconds: 12, ConversationRef: "conv-1"}, nil
	})

	result, err := engine.SweepCalls(ctx, now, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Processed)
	assert.Equal(t, 1, result.Calls)

	reload, err := deps.repo.GetByID(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.AttemptedStatus(1), reload.Status)
	assert.Equal(t, 1, reload.CadenceStep)
	assert.Equal(t, 1, reload.Call.AttemptsMade)
	assert.Equal(t, domain.CallStatusFailed, reload.Call.LastStatus)
	assert.False(t, reload.Call.Claimed)

	require.Len(t, reload.History, 1)
	assert.Equal(t, 1, reload.History[0].AttemptNumber)
	assert.Equal(t, 0, reload.History[0].Step)
	assert.False(t, reload.History[0].Successful)
	assert.Equal(t, "conv-1", reload.History[0].ConversationRef)

	// The failed attempt consumed the slot; step 1 is due 5 minutes after
	// the campaign start, not after the attempt.
	require.NotNil(t, reload.Call.NextAttemptAt)
	assert.WithinDuration(t, startedAt.Add(5*time.Minute), *reload.Call.NextAttemptAt, time.Second)

	assert.Equal(t, []string{domain.RoutingKeyCallRecorded}, routingKeys(t, deps.outbox))
}

func TestProgression_FullCadenceThroughEmail(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()
	startedAt := now.Add(-10 * time.Minute)

	engine, deps := newTestProgression(ProgressionConfig{})
	rec := seedRecord(t, deps, fullContactDoc(), twoCallPlan(), startedAt)

	// Step 0 fails, step 1 succeeds, then the email sweep picks the
	// record up and terminates it.
	deps.dialer.setPerform(func(int) (domain.CallOutcome, error) {
		return domain.CallOutcome{Successful: false}, nil
	})
	result, err := engine.SweepCalls(ctx, now, 0)
	require.NoError(t, err)
	require.Equal(t, 1, result.Calls)

	deps.dialer.setPerform(func(int) (domain.CallOutcome, error) {
		return domain.CallOutcome{Successful: true, DurationSeconds: 80, ConversationRef: "conv-9"}, nil
	})
	result, err = engine.SweepCalls(ctx, now, 1)
	require.NoError(t, err)
	require.Equal(t, 1, result.Calls)

	reload, err := deps.repo.GetByID(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.AttemptedStatus(2), reload.Status)
	assert.Equal(t, 2, reload.CadenceStep)
	assert.Nil(t, reload.Call.NextAttemptAt)
	require.Len(t, reload.History, 2)
	assert.Equal(t, 2, reload.History[1].AttemptNumber)
	assert.True(t, reload.History[1].Successful)

	// The call cadence is exhausted, so no step has due records anymore.
	for step := 0; step < 3; step++ {
		result, err = engine.SweepCalls(ctx, now, step)
		require.NoError(t, err)
		assert.Zero(t, result.Processed, "step %d", step)
	}

	result, err = engine.SweepEmails(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Processed)
	assert.Equal(t, 1, result.Emails)

	reload, err = deps.repo.GetByID(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusEmailed, reload.Status)
	assert.Equal(t, 1, reload.Email.SentCount)
	assert.Equal(t, domain.EmailStatusSent, reload.Email.LastStatus)
	assert.Equal(t, "Partnering with Riverside Dental", reload.Email.LastSubject)

	// Emailed records are terminal: the next sweep finds nothing.
	result, err = engine.SweepEmails(ctx, now)
	require.NoError(t, err)
	assert.Zero(t, result.Processed)

	assert.Equal(t, []string{
		domain.RoutingKeyCallRecorded,
		domain.RoutingKeyCallRecorded,
		domain.RoutingKeyEmailed,
	}, routingKeys(t, deps.outbox))

	// Progress is mirrored onto the source document's outreach fields.
	doc, err := deps.sources.Fetch(ctx, rec.Source)
	require.NoError(t, err)
	outreach, ok := doc.Raw["outreach"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "emailed", outreach["status"])
	assert.Equal(t, float64(2), outreach["call_attempts"])
	assert.Equal(t, float64(1), outreach["emails_sent"])
}

func TestProgression_SweepCalls_NotInitiatedKeepsSlot(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()

	engine, deps := newTestProgression(ProgressionConfig{RetryDelay: 7 * time.Minute})
	rec := seedRecord(t, deps, fullContactDoc(), twoCallPlan(), now.Add(-time.Minute))

	deps.dialer.setPerform(func(int) (domain.CallOutcome, error) {
		return domain.CallOutcome{}, fmt.Errorf("place call: %w", domain.ErrCallNotInitiated)
	})

	result, err := engine.SweepCalls(ctx, now, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Processed)
	assert.Zero(t, result.Calls)

	reload, err := deps.repo.GetByID(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusLead, reload.Status)
	assert.Equal(t, 0, reload.CadenceStep)
	assert.Zero(t, reload.Call.AttemptsMade)
	assert.Empty(t, reload.History)
	assert.False(t, reload.Call.Claimed)

	require.NotNil(t, reload.Call.NextAttemptAt)
	assert.WithinDuration(t, now.Add(7*time.Minute), *reload.Call.NextAttemptAt, time.Second)

	assert.Empty(t, routingKeys(t, deps.outbox))
}

func TestProgression_SweepCalls_InterruptedAttemptKeepsSlot(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	now := time.Now().UTC()

	engine, deps := newTestProgression(ProgressionConfig{RetryDelay: 5 * time.Minute})
	rec := seedRecord(t, deps, fullContactDoc(), twoCallPlan(), now.Add(-time.Minute))

	// Shutdown lands mid-poll: the dialer surfaces the cancellation and
	// the attempt's outcome stays unobserved.
	deps.dialer.setPerform(func(int) (domain.CallOutcome, error) {
		cancel()
		return domain.CallOutcome{}, fmt.Errorf("conversation poll interrupted: %w", context.Canceled)
	})

	result, err := engine.SweepCalls(ctx, now, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Processed)
	assert.Zero(t, result.Calls)

	reload, err := deps.repo.GetByID(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusLead, reload.Status)
	assert.Equal(t, 0, reload.CadenceStep)
	assert.Zero(t, reload.Call.AttemptsMade)
	assert.Empty(t, reload.History)
	assert.False(t, reload.Call.Claimed)

	require.NotNil(t, reload.Call.NextAttemptAt)
	assert.WithinDuration(t, now.Add(5*time.Minute), *reload.Call.NextAttemptAt, time.Second)
}

func TestProgression_SweepCalls_TimeoutConsumesSlot(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()

	engine, deps := newTestProgression(ProgressionConfig{})
	rec := seedRecord(t, deps, fullContactDoc(), twoCallPlan(), now.Add(-time.Minute))

	deps.dialer.setPerform(func(int) (domain.CallOutcome, error) {
		outcome := domain.TimeoutOutcome("conv-3")
		return outcome, fmt.Errorf("poll conversation: %w", domain.ErrConversationTimeout)
	})

	result, err := engine.SweepCalls(ctx, now, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Calls)

	reload, err := deps.repo.GetByID(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.AttemptedStatus(1), reload.Status)
	assert.Equal(t, 1, reload.Call.AttemptsMade)
	assert.Equal(t, domain.CallStatusTimeout, reload.Call.LastStatus)
	assert.Equal(t, "conv-3", reload.Call.LastConversationRef)
	require.Len(t, reload.History, 1)
	assert.False(t, reload.History[0].Successful)
}

func TestProgression_SweepCalls_UnexpectedErrorCountsAsFailure(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()

	engine, deps := newTestProgression(ProgressionConfig{})
	rec := seedRecord(t, deps, fullContactDoc(), twoCallPlan(), now.Add(-time.Minute))

	deps.dialer.setPerform(func(int) (domain.CallOutcome, error) {
		return domain.CallOutcome{}, errors.New("provider exploded")
	})

	result, err := engine.SweepCalls(ctx, now, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Calls)

	reload, err := deps.repo.GetByID(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, reload.Call.AttemptsMade)
	assert.Equal(t, domain.CallStatusFailed, reload.Call.LastStatus)
}

func TestProgression_SweepCalls_PartnershipShortCircuits(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()

	engine, deps := newTestProgression(ProgressionConfig{})
	rec := seedRecord(t, deps, fullContactDoc(), twoCallPlan(), now.Add(-time.Minute))

	partner := true
	deps.dialer.setPerform(func(int) (domain.CallOutcome, error) {
		return domain.CallOutcome{
			Successful:        true,
			DurationSeconds:   95,
			ConversationRef:   "conv-7",
			PartnershipSignal: &partner,
		}, nil
	})

	result, err := engine.SweepCalls(ctx, now, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Calls)

	reload, err := deps.repo.GetByID(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPartnered, reload.Status)
	assert.True(t, reload.Call.Partnered)
	assert.Nil(t, reload.Call.NextAttemptAt)

	// Partnered records leave the sweep population entirely.
	for step := 0; step < 2; step++ {
		result, err = engine.SweepCalls(ctx, now, step)
		require.NoError(t, err)
		assert.Zero(t, result.Processed)
	}
	result, err = engine.SweepEmails(ctx, now)
	require.NoError(t, err)
	assert.Zero(t, result.Processed)

	assert.Equal(t, []string{
		domain.RoutingKeyCallRecorded,
		domain.RoutingKeyPartnered,
	}, routingKeys(t, deps.outbox))
}

// racedClaimRepo claims one record on the underlying repository right
// before delegating, simulating a concurrent sweep winning part of the
// batch between find and claim.
type racedClaimRepo struct {
	domain.CampaignRepository
	steal uuid.UUID
}

func (r *racedClaimRepo) Claim(ctx context.Context, ids []uuid.UUID, until time.Time) ([]uuid.UUID, error) {
	if _, err := r.CampaignRepository.Claim(ctx, []uuid.UUID{r.steal}, until.Add(time.Minute)); err != nil {
		return nil, err
	}
	return r.CampaignRepository.Claim(ctx, ids, until)
}

func TestProgression_SweepCalls_ClaimRaceProcessesWonSubset(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()

	_, deps := newTestProgression(ProgressionConfig{})
	kept := seedRecord(t, deps, fullContactDoc(), twoCallPlan(), now.Add(-time.Minute))
	stolen := seedRecord(t, deps, fullContactDoc(), twoCallPlan(), now.Add(-time.Minute))

	raced := &racedClaimRepo{CampaignRepository: deps.repo, steal: stolen.ID}
	engine := NewProgression(raced, deps.sources, deps.dialer, deps.emailer, deps.outbox, ProgressionConfig{}, testLogger())

	result, err := engine.SweepCalls(ctx, now, 0)
	require.NoError(t, err)

	// The record lost to the concurrent sweep belongs to that sweep now;
	// the one this sweep won is still attempted.
	assert.Equal(t, SweepResult{Processed: 1, Calls: 1}, result)
	assert.Equal(t, 1, deps.dialer.count())

	updatedKept, err := deps.repo.GetByID(ctx, kept.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, updatedKept.Call.AttemptsMade)
	assert.False(t, updatedKept.Call.Claimed)

	updatedStolen, err := deps.repo.GetByID(ctx, stolen.ID)
	require.NoError(t, err)
	assert.Zero(t, updatedStolen.Call.AttemptsMade)
	assert.True(t, updatedStolen.Call.Claimed)
}

func TestProgression_SweepCalls_RefreshesEmptyContact(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()

	engine, deps := newTestProgression(ProgressionConfig{})
	rec := seedRecord(t, deps, fullContactDoc(), twoCallPlan(), now.Add(-time.Minute))

	// Blank the snapshot; the document still has the numbers.
	rec.Contact = domain.ContactInfo{}
	require.NoError(t, deps.repo.Update(ctx, rec))

	result, err := engine.SweepCalls(ctx, now, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Calls)

	require.Equal(t, 1, deps.dialer.count())
	assert.Equal(t, []string{"+15550100"}, deps.dialer.attempts[0].contact.PhoneNumbers)
	assert.Equal(t, "Riverside Dental", deps.dialer.attempts[0].label)

	reload, err := deps.repo.GetByID(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"+15550100"}, reload.Contact.PhoneNumbers)
	assert.Equal(t, 1, reload.Call.AttemptsMade)
}

func TestProgression_SweepCalls_NoPhoneRecordsFailedAttempt(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()

	engine, deps := newTestProgression(ProgressionConfig{})
	rec := seedRecord(t, deps, nil, twoCallPlan(), now.Add(-time.Minute))

	result, err := engine.SweepCalls(ctx, now, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Calls)

	// No document and no number: the slot is still consumed so the record
	// does not stay due forever.
	assert.Zero(t, deps.dialer.count())

	reload, err := deps.repo.GetByID(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.AttemptedStatus(1), reload.Status)
	assert.Equal(t, 1, reload.Call.AttemptsMade)
	assert.Equal(t, domain.CallStatusFailed, reload.Call.LastStatus)
}

func TestProgression_SweepEmails_NoAddressMarksUnreachable(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()

	engine, deps := newTestProgression(ProgressionConfig{})
	doc := map[string]any{"name": "Riverside Dental", "phones": []any{"+15550100"}}
	rec := seedRecord(t, deps, doc, oneCallPlan(), now.Add(-time.Minute))

	deps.dialer.setPerform(func(int) (domain.CallOutcome, error) {
		return domain.CallOutcome{Successful: false}, nil
	})
	_, err := engine.SweepCalls(ctx, now, 0)
	require.NoError(t, err)

	result, err := engine.SweepEmails(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Processed)
	assert.Zero(t, result.Emails)

	reload, err := deps.repo.GetByID(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.EmailStatusUnreachable, reload.Email.LastStatus)
	assert.Equal(t, "no email address on file", reload.Email.LastError)
	assert.Zero(t, reload.Email.SentCount)
	assert.Equal(t, domain.AttemptedStatus(1), reload.Status)

	// Unreachable is permanent: the record is not re-selected.
	result, err = engine.SweepEmails(ctx, now)
	require.NoError(t, err)
	assert.Zero(t, result.Processed)
	assert.Zero(t, deps.emailer.sendCount())

	assert.Contains(t, routingKeys(t, deps.outbox), domain.RoutingKeyEmailFailed)
}

func TestProgression_SweepEmails_FailedSendStaysDue(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()

	engine, deps := newTestProgression(ProgressionConfig{})
	rec := seedRecord(t, deps, fullContactDoc(), oneCallPlan(), now.Add(-time.Minute))

	deps.dialer.setPerform(func(int) (domain.CallOutcome, error) {
		return domain.CallOutcome{Successful: false}, nil
	})
	_, err := engine.SweepCalls(ctx, now, 0)
	require.NoError(t, err)

	deps.emailer.setOutcome(&domain.EmailOutcome{
		Success:   false,
		Failed:    1,
		Subject:   "Partnering with Riverside Dental",
		LastError: "rejected",
	})

	result, err := engine.SweepEmails(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Processed)
	assert.Zero(t, result.Emails)

	reload, err := deps.repo.GetByID(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.EmailStatusFailed, reload.Email.LastStatus)
	assert.Equal(t, "rejected", reload.Email.LastError)
	assert.Equal(t, domain.AttemptedStatus(1), reload.Status)

	// A failed send is retryable: the next sweep delivers.
	deps.emailer.setOutcome(nil)
	result, err = engine.SweepEmails(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Emails)

	reload, err = deps.repo.GetByID(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusEmailed, reload.Status)
}

func TestProgression_SweepEmails_PartneredIncludedWhenConfigured(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()

	engine, deps := newTestProgression(ProgressionConfig{})
	rec := seedRecord(t, deps, fullContactDoc(), oneCallPlan(), now.Add(-time.Minute))

	partner := true
	deps.dialer.setPerform(func(int) (domain.CallOutcome, error) {
		return domain.CallOutcome{Successful: true, PartnershipSignal: &partner}, nil
	})
	_, err := engine.SweepCalls(ctx, now, 0)
	require.NoError(t, err)

	result, err := engine.SweepEmails(ctx, now)
	require.NoError(t, err)
	assert.Zero(t, result.Processed)

	inclusive := NewProgression(deps.repo, deps.sources, deps.dialer, deps.emailer, deps.outbox,
		ProgressionConfig{EmailAfterPartnered: true}, testLogger())

	result, err = inclusive.SweepEmails(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Processed)
	assert.Equal(t, 1, result.Emails)

	// Partnership still wins the status derivation.
	reload, err := deps.repo.GetByID(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPartnered, reload.Status)
	assert.Equal(t, 1, reload.Email.SentCount)
}

func TestProgression_SweepScheduledEmails(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()

	engine, deps := newTestProgression(ProgressionConfig{})
	emailSlot := domain.OffsetSlot(2)
	plan := domain.CadencePlan{
		CallSlots: []domain.CadenceSlot{domain.OffsetSlot(0), domain.OffsetSlot(10080)},
		EmailSlot: &emailSlot,
	}
	rec := seedRecord(t, deps, fullContactDoc(), plan, now.Add(-5*time.Minute))

	result, err := engine.SweepScheduledEmails(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Processed)
	assert.Equal(t, 1, result.Emails)

	// The deferred email went out while the call cadence is still at step
	// zero; the record is not terminated early.
	reload, err := deps.repo.GetByID(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusLead, reload.Status)
	assert.Equal(t, 0, reload.CadenceStep)
	assert.Equal(t, 1, reload.Email.SentCount)
	assert.Nil(t, reload.Email.NextAttemptAt)

	result, err = engine.SweepScheduledEmails(ctx, now)
	require.NoError(t, err)
	assert.Zero(t, result.Processed)

	assert.Equal(t, []string{domain.RoutingKeyEmailed}, routingKeys(t, deps.outbox))
}

func TestProgression_SweepEmails_RefreshDoesNotPersist(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()

	engine, deps := newTestProgression(ProgressionConfig{})
	rec := seedRecord(t, deps, fullContactDoc(), oneCallPlan(), now.Add(-time.Minute))

	deps.dialer.setPerform(func(int) (domain.CallOutcome, error) {
		return domain.CallOutcome{Successful: false}, nil
	})
	_, err := engine.SweepCalls(ctx, now, 0)
	require.NoError(t, err)

	// Drop the snapshot's addresses; the document still has one.
	reload, err := deps.repo.GetByID(ctx, rec.ID)
	require.NoError(t, err)
	reload.Contact.Emails = nil
	require.NoError(t, deps.repo.Update(ctx, reload))

	result, err := engine.SweepEmails(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Emails)

	require.Equal(t, 1, deps.emailer.sendCount())
	assert.Equal(t, []string{"frontdesk@riverside.example"}, deps.emailer.sends[0])
}
