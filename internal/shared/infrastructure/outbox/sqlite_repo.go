package outbox

import (
	"context"
	"database/sql"
	"time"

	sharedPersistence "github.com/felixgeelhaar/cadence/internal/shared/infrastructure/persistence"
	"github.com/google/uuid"
)

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new SQLite outbox repository.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// sqlExecutor abstracts *sql.DB and *sql.Tx for shared query execution.
type sqlExecutor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// executor returns the transaction from context when present, otherwise the connection.
func (r *SQLiteRepository) executor(ctx context.Context) sqlExecutor {
	if info, ok := sharedPersistence.SQLiteTxInfoFromContext(ctx); ok {
		return info.Tx
	}
	return r.db
}

const insertOutboxSQL = `
	INSERT INTO outbox (
		event_id, aggregate_type, aggregate_id, event_type, routing_key,
		payload, metadata, created_at, next_retry_at, retry_count
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`

func insertMessage(ctx context.Context, exec sqlExecutor, msg *Message) error {
	res, err := exec.ExecContext(ctx, insertOutboxSQL,
		msg.EventID.String(),
		msg.AggregateType,
		msg.AggregateID.String(),
		msg.EventType,
		msg.RoutingKey,
		string(msg.Payload),
		nullString(string(msg.Metadata)),
		msg.CreatedAt.UTC().Format(time.RFC3339),
		nullTime(msg.NextRetryAt),
		msg.RetryCount,
	)
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	msg.ID = id
	return nil
}

// Save stores a new outbox message.
func (r *SQLiteRepository) Save(ctx context.Context, msg *Message) error {
	return insertMessage(ctx, r.executor(ctx), msg)
}

// SaveBatch stores multiple outbox messages atomically.
func (r *SQLiteRepository) SaveBatch(ctx context.Context, msgs []*Message) error {
	if len(msgs) == 0 {
		return nil
	}

	// Reuse the surrounding transaction when one is in flight.
	if info, ok := sharedPersistence.SQLiteTxInfoFromContext(ctx); ok {
		for _, msg := range msgs {
			if err := insertMessage(ctx, info.Tx, msg); err != nil {
				return err
			}
		}
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, msg := range msgs {
		if err := insertMessage(ctx, tx, msg); err != nil {
			return err
		}
	}

	return tx.Commit()
}

const selectOutboxColumns = `
	SELECT id, event_id, aggregate_type, aggregate_id, event_type, routing_key,
	       payload, metadata, created_at, published_at, next_retry_at, retry_count,
	       last_error, dead_lettered_at, dead_letter_reason
	FROM outbox
`

// GetUnpublished retrieves unpublished messages ordered by creation time.
func (r *SQLiteRepository) GetUnpublished(ctx context.Context, limit int) ([]*Message, error) {
	query := selectOutboxColumns + `
		WHERE published_at IS NULL
		  AND dead_lettered_at IS NULL
		  AND (next_retry_at IS NULL OR next_retry_at <= ?)
		ORDER BY created_at
		LIMIT ?
	`

	now := time.Now().UTC().Format(time.RFC3339)
	rows, err := r.executor(ctx).QueryContext(ctx, query, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanMessages(rows)
}

// MarkPublished marks a message as successfully published.
func (r *SQLiteRepository) MarkPublished(ctx context.Context, id int64) error {
	query := `UPDATE outbox SET published_at = ?, dead_lettered_at = NULL WHERE id = ?`
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := r.executor(ctx).ExecContext(ctx, query, now, id)
	return err
}

// MarkFailed records a publish failure with error message.
func (r *SQLiteRepository) MarkFailed(ctx context.Context, id int64, errMsg string, nextRetryAt time.Time) error {
	query := `
		UPDATE outbox
		SET retry_count = retry_count + 1,
		    last_error = ?,
		    next_retry_at = ?
		WHERE id = ?
	`
	_, err := r.executor(ctx).ExecContext(ctx, query,
		errMsg,
		nextRetryAt.UTC().Format(time.RFC3339),
		id,
	)
	return err
}

// MarkDead marks a message as dead-lettered.
func (r *SQLiteRepository) MarkDead(ctx context.Context, id int64, reason string) error {
	query := `
		UPDATE outbox
		SET dead_lettered_at = ?,
		    dead_letter_reason = ?
		WHERE id = ?
	`
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := r.executor(ctx).ExecContext(ctx, query, now, reason, id)
	return err
}

// GetFailed retrieves failed messages eligible for retry.
func (r *SQLiteRepository) GetFailed(ctx context.Context, maxRetries, limit int) ([]*Message, error) {
	query := selectOutboxColumns + `
		WHERE published_at IS NULL
		  AND dead_lettered_at IS NULL
		  AND retry_count > 0
		  AND retry_count < ?
		  AND (next_retry_at IS NULL OR next_retry_at <= ?)
		ORDER BY created_at
		LIMIT ?
	`

	now := time.Now().UTC().Format(time.RFC3339)
	rows, err := r.executor(ctx).QueryContext(ctx, query, maxRetries, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanMessages(rows)
}

// DeleteOld removes successfully published messages older than the retention period.
func (r *SQLiteRepository) DeleteOld(ctx context.Context, olderThanDays int) (int64, error) {
	query := `DELETE FROM outbox WHERE published_at IS NOT NULL AND published_at < ?`
	cutoff := time.Now().UTC().AddDate(0, 0, -olderThanDays).Format(time.RFC3339)
	res, err := r.executor(ctx).ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func scanMessages(rows *sql.Rows) ([]*Message, error) {
	var messages []*Message

	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return messages, nil
}

func scanMessage(rows *sql.Rows) (*Message, error) {
	var (
		msg              Message
		eventID          sql.NullString
		aggregateID      string
		metadata         sql.NullString
		createdAt        string
		publishedAt      sql.NullString
		nextRetryAt      sql.NullString
		lastError        sql.NullString
		deadLetteredAt   sql.NullString
		deadLetterReason sql.NullString
		payload          string
	)

	err := rows.Scan(
		&msg.ID,
		&eventID,
		&msg.AggregateType,
		&aggregateID,
		&msg.EventType,
		&msg.RoutingKey,
		&payload,
		&metadata,
		&createdAt,
		&publishedAt,
		&nextRetryAt,
		&msg.RetryCount,
		&lastError,
		&deadLetteredAt,
		&deadLetterReason,
	)
	if err != nil {
		return nil, err
	}

	if eventID.Valid {
		msg.EventID, _ = uuid.Parse(eventID.String)
	}
	msg.AggregateID, _ = uuid.Parse(aggregateID)
	msg.Payload = []byte(payload)
	if metadata.Valid {
		msg.Metadata = []byte(metadata.String)
	}
	msg.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	msg.PublishedAt = parseNullTime(publishedAt)
	msg.NextRetryAt = parseNullTime(nextRetryAt)
	msg.DeadLetteredAt = parseNullTime(deadLetteredAt)
	if lastError.Valid {
		msg.LastError = &lastError.String
	}
	if deadLetterReason.Valid {
		msg.DeadLetterReason = &deadLetterReason.String
	}

	return &msg, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339), Valid: true}
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339, s.String)
	if err != nil {
		return nil
	}
	return &t
}
