package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/felixgeelhaar/cadence/internal/campaign/domain"
)

const emailPrompt = `Write a short, friendly partnership outreach email to the business %q.
We tried to reach them by phone about partnering with us and are now following up in writing.
Respond with a single JSON object, no prose and no code fences, of the form
{"subject": "...", "body": "..."}.`

const (
	fallbackSubject = "Partnership opportunity for %s"
	fallbackBody    = `Hello,

We recently tried to reach %s by phone about a partnership opportunity
and would love to tell you more about working together.

If you are interested, just reply to this email and we will set up a
time to talk.

Best regards`
)

// EmailerConfig holds the email execution settings.
type EmailerConfig struct {
	// SendDelay is the pause between two consecutive recipients.
	SendDelay time.Duration
}

// Emailer performs one email attempt: generate the content once, then
// deliver it to every address on file sequentially.
type Emailer struct {
	generator domain.ContentGenerator
	deliverer domain.EmailDeliverer
	sendDelay time.Duration
	logger    *slog.Logger
}

// NewEmailer creates an emailer from a content generator and a deliverer.
func NewEmailer(generator domain.ContentGenerator, deliverer domain.EmailDeliverer, cfg EmailerConfig, logger *slog.Logger) *Emailer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Emailer{
		generator: generator,
		deliverer: deliverer,
		sendDelay: cfg.SendDelay,
		logger:    logger,
	}
}

// Compose generates the outreach email for a business label. Generation
// never fails the attempt: any generator or parse error falls back to
// the static template.
func (e *Emailer) Compose(ctx context.Context, label string) domain.EmailContent {
	raw, err := e.generator.Generate(ctx, fmt.Sprintf(emailPrompt, label))
	if err != nil {
		e.logger.Warn("email generation failed, using fallback template",
			"label", label,
			"error", err,
		)
		return fallbackContent(label)
	}

	content, err := parseEmailContent(raw)
	if err != nil {
		e.logger.Warn("email generation returned unusable content, using fallback template",
			"label", label,
			"error", err,
		)
		return fallbackContent(label)
	}
	return content
}

// SendAll delivers the content to every address sequentially, pausing
// the configured delay between recipients. Success means at least one
// delivery went through.
func (e *Emailer) SendAll(ctx context.Context, addresses []string, content domain.EmailContent, label string) domain.EmailOutcome {
	outcome := domain.EmailOutcome{Subject: content.Subject}

	for i, addr := range addresses {
		if i > 0 && e.sendDelay > 0 {
			select {
			case <-ctx.Done():
				outcome.Failed += len(addresses) - i
				outcome.LastError = ctx.Err().Error()
				outcome.Success = outcome.Delivered > 0
				return outcome
			case <-time.After(e.sendDelay):
			}
		}

		msg := domain.EmailMessage{
			To:      addr,
			Subject: content.Subject,
			Body:    content.Body,
			Label:   label,
		}
		if err := e.deliverer.Deliver(ctx, msg); err != nil {
			e.logger.Warn("email delivery failed",
				"to", addr,
				"label", label,
				"error", err,
			)
			outcome.Failed++
			outcome.LastError = err.Error()
			continue
		}
		outcome.Delivered++
	}

	outcome.Success = outcome.Delivered > 0
	return outcome
}

// parseEmailContent extracts the subject/body object from a generator
// response. Providers wrap the JSON in code fences or prose often enough
// that strict unmarshalling of the whole response is not an option.
func parseEmailContent(raw string) (domain.EmailContent, error) {
	obj, ok := firstJSONObject(raw)
	if !ok {
		return domain.EmailContent{}, errors.New("no JSON object in generator response")
	}

	var content domain.EmailContent
	if err := json.Unmarshal([]byte(obj), &content); err != nil {
		return domain.EmailContent{}, fmt.Errorf("decode generator response: %w", err)
	}
	if strings.TrimSpace(content.Subject) == "" || strings.TrimSpace(content.Body) == "" {
		return domain.EmailContent{}, errors.New("generator response missing subject or body")
	}
	return content, nil
}

// firstJSONObject scans for the first balanced JSON object, skipping
// braces inside string literals.
func firstJSONObject(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", false
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		switch {
		case escaped:
			escaped = false
		case inString && c == '\\':
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == '{':
			depth++
		case c == '}':
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}

func fallbackContent(label string) domain.EmailContent {
	name := label
	if name == "" {
		name = "your business"
	}
	return domain.EmailContent{
		Subject: fmt.Sprintf(fallbackSubject, name),
		Body:    fmt.Sprintf(fallbackBody, name),
	}
}
