package outbox

import (
	"context"
	"time"
)

// Repository is the persistence port for outbox messages. The postgres
// and sqlite implementations write through the same transaction as the
// domain change that produced the message.
type Repository interface {
	// Save stores one message.
	Save(ctx context.Context, msg *Message) error

	// SaveBatch stores several messages in one statement.
	SaveBatch(ctx context.Context, msgs []*Message) error

	// GetUnpublished returns pending messages, oldest first.
	GetUnpublished(ctx context.Context, limit int) ([]*Message, error)

	// MarkPublished records a successful publish.
	MarkPublished(ctx context.Context, id int64) error

	// MarkFailed records a failed publish and when to try again.
	MarkFailed(ctx context.Context, id int64, err string, nextRetryAt time.Time) error

	// MarkDead retires a message that exhausted its retries.
	MarkDead(ctx context.Context, id int64, reason string) error

	// GetFailed returns failed messages whose retry time has come.
	GetFailed(ctx context.Context, maxRetries, limit int) ([]*Message, error)

	// DeleteOld prunes published messages older than the retention
	// window and reports how many were removed.
	DeleteOld(ctx context.Context, olderThanDays int) (int64, error)
}
