// Package persistence provides PostgreSQL, SQLite and in-memory
// implementations of the campaign repository and source store.
package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/felixgeelhaar/cadence/internal/campaign/domain"
	"github.com/felixgeelhaar/cadence/internal/shared/infrastructure/database"
	sharedPersistence "github.com/felixgeelhaar/cadence/internal/shared/infrastructure/persistence"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lib/pq"
)

const pgUniqueViolation = "23505"

// PostgresCampaignRepository implements domain.CampaignRepository using
// PostgreSQL. Claim relies on a single conditional UPDATE so that
// concurrent sweeps racing for the same rows cannot both win them.
type PostgresCampaignRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresCampaignRepository creates a new PostgreSQL campaign repository.
func NewPostgresCampaignRepository(pool *pgxpool.Pool) *PostgresCampaignRepository {
	return &PostgresCampaignRepository{pool: pool}
}

// campaignColumns is every column scanned back into a record. The
// total_steps column is write-only: it denormalizes len(plan.call_slots)
// so the due queries can compare cadence_step against it in SQL.
const campaignColumns = `id, source_database, source_collection, source_document_id, label,
	       cadence_step, status, plan, started_at, phone_numbers, emails,
	       call_next_attempt_at, call_claimed, call_attempts_made, call_last_status,
	       call_last_duration_seconds, call_last_conversation_ref, call_partnered,
	       email_sent_count, email_next_attempt_at, email_last_status,
	       email_last_subject, email_last_error, history, created_at, updated_at`

// campaignRow represents a database row for campaign records.
type campaignRow struct {
	ID                      uuid.UUID
	SourceDatabase          string
	SourceCollection        string
	SourceDocumentID        string
	Label                   string
	CadenceStep             int
	Status                  string
	Plan                    []byte
	StartedAt               time.Time
	PhoneNumbers            []string
	Emails                  []string
	CallNextAttemptAt       *time.Time
	CallClaimed             bool
	CallAttemptsMade        int
	CallLastStatus          string
	CallLastDurationSeconds int
	CallLastConversationRef string
	CallPartnered           bool
	EmailSentCount          int
	EmailNextAttemptAt      *time.Time
	EmailLastStatus         string
	EmailLastSubject        string
	EmailLastError          string
	History                 []byte
	CreatedAt               time.Time
	UpdatedAt               time.Time
}

// Create stores a new campaign record. A duplicate active enrollment for
// the same source trips the partial unique index and is reported as
// domain.ErrActiveCampaignExists.
func (r *PostgresCampaignRepository) Create(ctx context.Context, rec *domain.CampaignRecord) error {
	plan, history, err := encodeRecordJSON(rec)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO campaign_records (
			id, source_database, source_collection, source_document_id, label,
			cadence_step, total_steps, status, plan, started_at, phone_numbers, emails,
			call_next_attempt_at, call_claimed, call_attempts_made, call_last_status,
			call_last_duration_seconds, call_last_conversation_ref, call_partnered,
			email_sent_count, email_next_attempt_at, email_last_status,
			email_last_subject, email_last_error, history, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
		          $15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26, $27)
	`

	exec := sharedPersistence.Executor(ctx, r.pool)
	_, err = exec.Exec(ctx, query,
		rec.ID,
		rec.Source.Database,
		rec.Source.Collection,
		rec.Source.DocumentID,
		rec.Label,
		rec.CadenceStep,
		rec.TotalSteps(),
		string(rec.Status),
		plan,
		rec.StartedAt,
		pq.Array(rec.Contact.PhoneNumbers),
		pq.Array(rec.Contact.Emails),
		rec.Call.NextAttemptAt,
		rec.Call.Claimed,
		rec.Call.AttemptsMade,
		string(rec.Call.LastStatus),
		rec.Call.LastDurationSeconds,
		rec.Call.LastConversationRef,
		rec.Call.Partnered,
		rec.Email.SentCount,
		rec.Email.NextAttemptAt,
		string(rec.Email.LastStatus),
		rec.Email.LastSubject,
		rec.Email.LastError,
		history,
		rec.CreatedAt,
		rec.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return domain.ErrActiveCampaignExists
		}
		return err
	}
	return nil
}

// Update persists the full state of an existing record.
func (r *PostgresCampaignRepository) Update(ctx context.Context, rec *domain.CampaignRecord) error {
	exec := sharedPersistence.Executor(ctx, r.pool)
	return updateRecord(ctx, exec, rec)
}

func updateRecord(ctx context.Context, exec sharedPersistence.DBExecutor, rec *domain.CampaignRecord) error {
	plan, history, err := encodeRecordJSON(rec)
	if err != nil {
		return err
	}

	query := `
		UPDATE campaign_records SET
			label = $2,
			cadence_step = $3,
			total_steps = $4,
			status = $5,
			plan = $6,
			started_at = $7,
			phone_numbers = $8,
			emails = $9,
			call_next_attempt_at = $10,
			call_claimed = $11,
			call_attempts_made = $12,
			call_last_status = $13,
			call_last_duration_seconds = $14,
			call_last_conversation_ref = $15,
			call_partnered = $16,
			email_sent_count = $17,
			email_next_attempt_at = $18,
			email_last_status = $19,
			email_last_subject = $20,
			email_last_error = $21,
			history = $22,
			updated_at = $23
		WHERE id = $1
	`

	tag, err := exec.Exec(ctx, query,
		rec.ID,
		rec.Label,
		rec.CadenceStep,
		rec.TotalSteps(),
		string(rec.Status),
		plan,
		rec.StartedAt,
		pq.Array(rec.Contact.PhoneNumbers),
		pq.Array(rec.Contact.Emails),
		rec.Call.NextAttemptAt,
		rec.Call.Claimed,
		rec.Call.AttemptsMade,
		string(rec.Call.LastStatus),
		rec.Call.LastDurationSeconds,
		rec.Call.LastConversationRef,
		rec.Call.Partnered,
		rec.Email.SentCount,
		rec.Email.NextAttemptAt,
		string(rec.Email.LastStatus),
		rec.Email.LastSubject,
		rec.Email.LastError,
		history,
		rec.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrRecordNotFound
	}
	return nil
}

// GetByID retrieves a record by its ID.
func (r *PostgresCampaignRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.CampaignRecord, error) {
	query := `SELECT ` + campaignColumns + ` FROM campaign_records WHERE id = $1`

	exec := sharedPersistence.Executor(ctx, r.pool)
	rec, err := scanRecord(exec.QueryRow(ctx, query, id))
	if err != nil {
		if database.IsNoRows(err) {
			return nil, domain.ErrRecordNotFound
		}
		return nil, err
	}
	return rec, nil
}

// FindActiveBySource returns the non-terminal record for a source, or
// nil when none exists.
func (r *PostgresCampaignRepository) FindActiveBySource(ctx context.Context, ref domain.SourceRef) (*domain.CampaignRecord, error) {
	query := `
		SELECT ` + campaignColumns + `
		FROM campaign_records
		WHERE source_database = $1 AND source_collection = $2 AND source_document_id = $3
		  AND NOT (status = ANY($4))
		ORDER BY created_at DESC
		LIMIT 1
	`

	exec := sharedPersistence.Executor(ctx, r.pool)
	rec, err := scanRecord(exec.QueryRow(ctx, query,
		ref.Database, ref.Collection, ref.DocumentID, pq.Array(terminalStatusStrings(false))))
	if err != nil {
		if database.IsNoRows(err) {
			return nil, nil // No active campaign is not an error
		}
		return nil, err
	}
	return rec, nil
}

// FindLatestBySource returns the most recent record for a source
// regardless of status, or nil when the source was never enrolled.
func (r *PostgresCampaignRepository) FindLatestBySource(ctx context.Context, ref domain.SourceRef) (*domain.CampaignRecord, error) {
	query := `
		SELECT ` + campaignColumns + `
		FROM campaign_records
		WHERE source_database = $1 AND source_collection = $2 AND source_document_id = $3
		ORDER BY updated_at DESC
		LIMIT 1
	`

	exec := sharedPersistence.Executor(ctx, r.pool)
	rec, err := scanRecord(exec.QueryRow(ctx, query, ref.Database, ref.Collection, ref.DocumentID))
	if err != nil {
		if database.IsNoRows(err) {
			return nil, nil
		}
		return nil, err
	}
	return rec, nil
}

// FindDueForCall returns unclaimed, non-terminal records whose next call
// attempt is due, oldest first so starved records surface before fresh
// ones.
func (r *PostgresCampaignRepository) FindDueForCall(ctx context.Context, now time.Time, step *int, limit int) ([]*domain.CampaignRecord, error) {
	query := `
		SELECT ` + campaignColumns + `
		FROM campaign_records
		WHERE call_claimed = FALSE
		  AND call_next_attempt_at IS NOT NULL
		  AND call_next_attempt_at <= $1
		  AND cadence_step < total_steps
		  AND NOT (status = ANY($2))
	`
	args := []any{now, pq.Array(terminalStatusStrings(false))}
	if step != nil {
		args = append(args, *step)
		query += fmt.Sprintf(" AND cadence_step = $%d", len(args))
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY call_next_attempt_at ASC LIMIT $%d", len(args))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectRecords(rows)
}

// FindDueForEmail returns records that exhausted their call cadence and
// have not yet been emailed. Records whose addresses proved permanently
// unreachable are excluded; plain failed sends stay eligible so the next
// sweep retries them.
func (r *PostgresCampaignRepository) FindDueForEmail(ctx context.Context, now time.Time, includePartnered bool, limit int) ([]*domain.CampaignRecord, error) {
	query := `
		SELECT ` + campaignColumns + `
		FROM campaign_records
		WHERE cadence_step >= total_steps
		  AND email_sent_count = 0
		  AND email_last_status <> $1
		  AND NOT (status = ANY($2))
		ORDER BY updated_at ASC
		LIMIT $3
	`

	rows, err := r.pool.Query(ctx, query,
		string(domain.EmailStatusUnreachable),
		pq.Array(terminalStatusStrings(includePartnered)),
		limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectRecords(rows)
}

// FindDueScheduledEmail returns records whose bundled deferred email is
// due, regardless of call progress.
func (r *PostgresCampaignRepository) FindDueScheduledEmail(ctx context.Context, now time.Time, includePartnered bool, limit int) ([]*domain.CampaignRecord, error) {
	query := `
		SELECT ` + campaignColumns + `
		FROM campaign_records
		WHERE email_next_attempt_at IS NOT NULL
		  AND email_next_attempt_at <= $1
		  AND email_sent_count = 0
		  AND email_last_status <> $2
		  AND NOT (status = ANY($3))
		ORDER BY email_next_attempt_at ASC
		LIMIT $4
	`

	rows, err := r.pool.Query(ctx, query,
		now,
		string(domain.EmailStatusUnreachable),
		pq.Array(terminalStatusStrings(includePartnered)),
		limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectRecords(rows)
}

// Claim leases the given records until the horizon and returns the IDs
// actually won. The claimed flag and the pushed-out next attempt survive
// a worker crash: the lease simply expires when the horizon passes and
// the record becomes due again.
func (r *PostgresCampaignRepository) Claim(ctx context.Context, ids []uuid.UUID, until time.Time) ([]uuid.UUID, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	query := `
		UPDATE campaign_records
		SET call_claimed = TRUE, call_next_attempt_at = $2, updated_at = NOW()
		WHERE id = ANY($1::uuid[]) AND call_claimed = FALSE
		RETURNING id
	`

	rows, err := r.pool.Query(ctx, query, pq.Array(uuidStrings(ids)), until)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	won := make([]uuid.UUID, 0, len(ids))
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		won = append(won, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return won, nil
}

// AdvanceCall resolves the current call attempt with the outcome and
// returns the new record state. The row is locked for the duration so a
// concurrent claim or archive cannot interleave.
func (r *PostgresCampaignRepository) AdvanceCall(ctx context.Context, id uuid.UUID, outcome domain.CallOutcome) (*domain.CampaignRecord, error) {
	var rec *domain.CampaignRecord
	err := r.withLockedRecord(ctx, id, func(locked *domain.CampaignRecord) error {
		locked.RecordCallOutcome(outcome, time.Now().UTC())
		rec = locked
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// ResetForRetry releases a claimed record for a later retry without
// consuming a cadence slot.
func (r *PostgresCampaignRepository) ResetForRetry(ctx context.Context, id uuid.UUID, retryAt time.Time) error {
	return r.withLockedRecord(ctx, id, func(locked *domain.CampaignRecord) error {
		locked.DeferRetry(retryAt, time.Now().UTC())
		return nil
	})
}

// RecordEmailResult resolves an email attempt and returns the new record
// state.
func (r *PostgresCampaignRepository) RecordEmailResult(ctx context.Context, id uuid.UUID, outcome domain.EmailOutcome) (*domain.CampaignRecord, error) {
	var rec *domain.CampaignRecord
	err := r.withLockedRecord(ctx, id, func(locked *domain.CampaignRecord) error {
		locked.RecordEmailOutcome(outcome, time.Now().UTC())
		rec = locked
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// withLockedRecord loads the record under FOR UPDATE, applies mutate and
// writes the result back in the same transaction.
func (r *PostgresCampaignRepository) withLockedRecord(ctx context.Context, id uuid.UUID, mutate func(*domain.CampaignRecord) error) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	query := `SELECT ` + campaignColumns + ` FROM campaign_records WHERE id = $1 FOR UPDATE`
	rec, err := scanRecord(tx.QueryRow(ctx, query, id))
	if err != nil {
		if database.IsNoRows(err) {
			return domain.ErrRecordNotFound
		}
		return err
	}

	if err := mutate(rec); err != nil {
		return err
	}
	if err := updateRecord(ctx, tx, rec); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// CountByStatusAndStep aggregates records by status and cadence step,
// optionally restricted to the given IDs.
func (r *PostgresCampaignRepository) CountByStatusAndStep(ctx context.Context, ids []uuid.UUID) (*domain.StatusCounts, error) {
	counts := &domain.StatusCounts{
		ByStatus: make(map[domain.Status]int64),
		ByStep:   make(map[int]int64),
	}

	statusQuery := `SELECT status, COUNT(*) FROM campaign_records GROUP BY status`
	stepQuery := `SELECT cadence_step, COUNT(*) FROM campaign_records GROUP BY cadence_step`
	var args []any
	if len(ids) > 0 {
		args = append(args, pq.Array(uuidStrings(ids)))
		statusQuery = `SELECT status, COUNT(*) FROM campaign_records WHERE id = ANY($1::uuid[]) GROUP BY status`
		stepQuery = `SELECT cadence_step, COUNT(*) FROM campaign_records WHERE id = ANY($1::uuid[]) GROUP BY cadence_step`
	}

	rows, err := r.pool.Query(ctx, statusQuery, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		counts.ByStatus[domain.Status(status)] = count
		counts.Total += count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	stepRows, err := r.pool.Query(ctx, stepQuery, args...)
	if err != nil {
		return nil, err
	}
	defer stepRows.Close()
	for stepRows.Next() {
		var step int
		var count int64
		if err := stepRows.Scan(&step, &count); err != nil {
			return nil, err
		}
		counts.ByStep[step] = count
	}
	if err := stepRows.Err(); err != nil {
		return nil, err
	}

	return counts, nil
}

func scanRecord(row pgx.Row) (*domain.CampaignRecord, error) {
	var r campaignRow
	err := row.Scan(
		&r.ID,
		&r.SourceDatabase,
		&r.SourceCollection,
		&r.SourceDocumentID,
		&r.Label,
		&r.CadenceStep,
		&r.Status,
		&r.Plan,
		&r.StartedAt,
		pq.Array(&r.PhoneNumbers),
		pq.Array(&r.Emails),
		&r.CallNextAttemptAt,
		&r.CallClaimed,
		&r.CallAttemptsMade,
		&r.CallLastStatus,
		&r.CallLastDurationSeconds,
		&r.CallLastConversationRef,
		&r.CallPartnered,
		&r.EmailSentCount,
		&r.EmailNextAttemptAt,
		&r.EmailLastStatus,
		&r.EmailLastSubject,
		&r.EmailLastError,
		&r.History,
		&r.CreatedAt,
		&r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return rowToRecord(r)
}

func collectRecords(rows pgx.Rows) ([]*domain.CampaignRecord, error) {
	records := make([]*domain.CampaignRecord, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

func rowToRecord(r campaignRow) (*domain.CampaignRecord, error) {
	var plan domain.CadencePlan
	if err := json.Unmarshal(r.Plan, &plan); err != nil {
		return nil, fmt.Errorf("decode cadence plan: %w", err)
	}
	history := make([]domain.AttemptRecord, 0)
	if len(r.History) > 0 {
		if err := json.Unmarshal(r.History, &history); err != nil {
			return nil, fmt.Errorf("decode attempt history: %w", err)
		}
	}

	return &domain.CampaignRecord{
		ID: r.ID,
		Source: domain.SourceRef{
			Database:   r.SourceDatabase,
			Collection: r.SourceCollection,
			DocumentID: r.SourceDocumentID,
		},
		Label:       r.Label,
		CadenceStep: r.CadenceStep,
		Status:      domain.Status(r.Status),
		Plan:        plan,
		StartedAt:   r.StartedAt,
		Contact: domain.ContactInfo{
			PhoneNumbers: r.PhoneNumbers,
			Emails:       r.Emails,
		},
		Call: domain.CallState{
			NextAttemptAt:       r.CallNextAttemptAt,
			Claimed:             r.CallClaimed,
			AttemptsMade:        r.CallAttemptsMade,
			LastStatus:          domain.CallChannelStatus(r.CallLastStatus),
			LastDurationSeconds: r.CallLastDurationSeconds,
			LastConversationRef: r.CallLastConversationRef,
			Partnered:           r.CallPartnered,
		},
		Email: domain.EmailState{
			SentCount:     r.EmailSentCount,
			NextAttemptAt: r.EmailNextAttemptAt,
			LastStatus:    domain.EmailChannelStatus(r.EmailLastStatus),
			LastSubject:   r.EmailLastSubject,
			LastError:     r.EmailLastError,
		},
		History:   history,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}, nil
}

func encodeRecordJSON(rec *domain.CampaignRecord) (plan, history []byte, err error) {
	plan, err = json.Marshal(rec.Plan)
	if err != nil {
		return nil, nil, fmt.Errorf("encode cadence plan: %w", err)
	}
	if rec.History == nil {
		history = []byte("[]")
	} else {
		history, err = json.Marshal(rec.History)
		if err != nil {
			return nil, nil, fmt.Errorf("encode attempt history: %w", err)
		}
	}
	return plan, history, nil
}

// terminalStatusStrings lists the statuses excluded from sweep queries.
// With includePartnered the partnered status stays eligible so the
// emailed-after-partnered flow can still pick those records up.
func terminalStatusStrings(includePartnered bool) []string {
	out := make([]string, 0, 3)
	for _, s := range domain.TerminalStatuses() {
		if includePartnered && s == domain.StatusPartnered {
			continue
		}
		out = append(out, string(s))
	}
	return out
}

func uuidStrings(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}
