package domain

import (
	"context"
	"errors"
)

// Provider errors. The distinction matters: an attempt that was never
// initiated must not consume a cadence slot, while an attempt that ran
// and never concluded counts as a failed attempt.
var (
	ErrCallNotInitiated    = errors.New("call could not be initiated")
	ErrConversationTimeout = errors.New("conversation did not reach a terminal state in time")
)

// CallerIdentity is one configured outbound identity (voice agent plus
// the phone number it dials from). Identities rotate across attempts.
type CallerIdentity struct {
	AgentID       string
	PhoneNumberID string
}

// PlaceCallRequest asks the voice provider to start one outbound call.
type PlaceCallRequest struct {
	ToNumber string
	Identity CallerIdentity
	Metadata map[string]string
}

// CallHandle identifies a placed call and its conversation for polling.
type CallHandle struct {
	CallRef         string
	ConversationRef string
}

// Conversation is the provider's view of a call in progress or finished.
// Analysis is free-form; see ExtractPartnershipSignal.
type Conversation struct {
	Status          string
	DurationSeconds int
	Analysis        map[string]any
}

// IsTerminal reports whether the conversation reached a final state.
func (c *Conversation) IsTerminal() bool {
	switch c.Status {
	case "done", "completed", "ended", "failed", "error":
		return true
	}
	return false
}

// Succeeded reports whether a terminal conversation completed normally.
func (c *Conversation) Succeeded() bool {
	switch c.Status {
	case "done", "completed", "ended":
		return true
	}
	return false
}

// VoiceProvider places outbound calls and exposes conversation state.
type VoiceProvider interface {
	// PlaceCall starts one call. Any error means the attempt was never
	// initiated.
	PlaceCall(ctx context.Context, req PlaceCallRequest) (*CallHandle, error)

	// GetConversation fetches the current conversation state for polling.
	GetConversation(ctx context.Context, conversationRef string) (*Conversation, error)
}

// EmailContent is a generated outreach email.
type EmailContent struct {
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// ContentGenerator produces outreach email copy from a prompt.
type ContentGenerator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// EmailMessage is one message addressed to one recipient.
type EmailMessage struct {
	To      string
	Subject string
	Body    string
	Label   string
}

// EmailDeliverer sends one email message.
type EmailDeliverer interface {
	Deliver(ctx context.Context, msg EmailMessage) error
}
