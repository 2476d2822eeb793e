package email

import (
	"context"
	"log/slog"

	"github.com/felixgeelhaar/cadence/internal/campaign/domain"
)

// NoopSender logs messages instead of delivering them. Used in
// development when no delivery API is configured.
type NoopSender struct {
	logger *slog.Logger
}

// NewNoopSender creates a new noop email sender.
func NewNoopSender(logger *slog.Logger) *NoopSender {
	if logger == nil {
		logger = slog.Default()
	}
	return &NoopSender{logger: logger}
}

// Deliver logs the message and reports success.
func (s *NoopSender) Deliver(ctx context.Context, msg domain.EmailMessage) error {
	s.logger.Info("noop email sender, message not delivered",
		"to", msg.To,
		"subject", msg.Subject,
		"label", msg.Label,
	)
	return nil
}
