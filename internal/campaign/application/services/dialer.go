// Package services contains the campaign application services: the
// outreach executor (Dialer, Emailer), the progression engine and the
// sweep scheduler.
package services

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/felixgeelhaar/cadence/internal/campaign/domain"
)

// DialerConfig holds the outbound-call execution settings.
type DialerConfig struct {
	// Identities are the configured caller identities, rotated across
	// attempts by attempt index.
	Identities []domain.CallerIdentity
	// PollInterval is the delay between conversation-state polls.
	PollInterval time.Duration
	// MaxWait is the total budget for a placed call to reach a terminal
	// state before the attempt counts as timed out.
	MaxWait time.Duration
}

// DefaultDialerConfig returns production defaults.
func DefaultDialerConfig() DialerConfig {
	return DialerConfig{
		PollInterval: 10 * time.Second,
		MaxWait:      10 * time.Minute,
	}
}

// Dialer performs one outbound call attempt end to end: place the call,
// poll the conversation to a terminal state, interpret the analysis.
type Dialer struct {
	provider     domain.VoiceProvider
	identities   []domain.CallerIdentity
	pollInterval time.Duration
	maxWait      time.Duration
	logger       *slog.Logger
}

// NewDialer creates a dialer on top of a voice provider.
func NewDialer(provider domain.VoiceProvider, cfg DialerConfig, logger *slog.Logger) *Dialer {
	if logger == nil {
		logger = slog.Default()
	}
	defaults := DefaultDialerConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaults.PollInterval
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = defaults.MaxWait
	}
	return &Dialer{
		provider:     provider,
		identities:   cfg.Identities,
		pollInterval: cfg.PollInterval,
		maxWait:      cfg.MaxWait,
		logger:       logger,
	}
}

// PerformAttempt executes one call attempt for the given contact. The
// caller identity rotates deterministically with the attempt index.
//
// An error wrapping domain.ErrCallNotInitiated means the call never
// started and the cadence slot must not be consumed. An error wrapping
// domain.ErrConversationTimeout means the call ran but never reached a
// terminal state; it counts as a failed attempt, and the returned
// outcome carries the conversation ref for the history entry. A
// cancelled context wraps ctx.Err instead: the attempt's outcome was
// never observed, so the caller must not consume the slot either.
func (d *Dialer) PerformAttempt(ctx context.Context, contact domain.ContactInfo, label string, attemptIndex int) (domain.CallOutcome, error) {
	if len(d.identities) == 0 {
		return domain.CallOutcome{}, fmt.Errorf("%w: no caller identity configured", domain.ErrCallNotInitiated)
	}
	if !contact.HasPhone() {
		return domain.CallOutcome{}, fmt.Errorf("%w: no phone number on file", domain.ErrCallNotInitiated)
	}

	identity := d.identities[attemptIndex%len(d.identities)]
	handle, err := d.provider.PlaceCall(ctx, domain.PlaceCallRequest{
		ToNumber: contact.PhoneNumbers[0],
		Identity: identity,
		Metadata: map[string]string{"label": label},
	})
	if err != nil {
		return domain.CallOutcome{}, fmt.Errorf("%w: %v", domain.ErrCallNotInitiated, err)
	}

	d.logger.Debug("call placed",
		"to", contact.PhoneNumbers[0],
		"agent_id", identity.AgentID,
		"conversation_ref", handle.ConversationRef,
	)

	return d.awaitOutcome(ctx, handle)
}

// awaitOutcome polls the conversation until it is terminal or the
// max-wait budget elapses. The first poll fires immediately so short
// budgets still observe the conversation at least once. Poll errors are
// retried inside the budget; a cancelled context surfaces as plain
// ctx.Err, not as a timeout, because the attempt's outcome is unknown.
func (d *Dialer) awaitOutcome(ctx context.Context, handle *domain.CallHandle) (domain.CallOutcome, error) {
	deadline := time.Now().Add(d.maxWait)
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	lastStatus := "unknown"
	for {
		conv, err := d.provider.GetConversation(ctx, handle.ConversationRef)
		switch {
		case err != nil && ctx.Err() != nil:
			return domain.CallOutcome{ConversationRef: handle.ConversationRef},
				fmt.Errorf("conversation poll interrupted: %w", ctx.Err())
		case err != nil:
			d.logger.Warn("conversation poll failed",
				"conversation_ref", handle.ConversationRef,
				"error", err,
			)
		default:
			lastStatus = conv.Status
			if conv.IsTerminal() {
				return domain.CallOutcome{
					Successful:        conv.Succeeded() && !analysisMarkedFailure(conv.Analysis),
					DurationSeconds:   conv.DurationSeconds,
					ConversationRef:   handle.ConversationRef,
					PartnershipSignal: domain.ExtractPartnershipSignal(conv.Analysis),
				}, nil
			}
		}

		if time.Now().After(deadline) {
			return domain.TimeoutOutcome(handle.ConversationRef),
				fmt.Errorf("%w: conversation %s still %q after %s",
					domain.ErrConversationTimeout, handle.ConversationRef, lastStatus, d.maxWait)
		}

		select {
		case <-ctx.Done():
			return domain.CallOutcome{ConversationRef: handle.ConversationRef},
				fmt.Errorf("conversation poll interrupted: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

// analysisMarkedFailure reports whether the analysis explicitly labels a
// normally-ended call a failure.
func analysisMarkedFailure(analysis map[string]any) bool {
	switch v := analysis["call_successful"].(type) {
	case string:
		return strings.EqualFold(strings.TrimSpace(v), "failure")
	case bool:
		return !v
	}
	return false
}
