package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/felixgeelhaar/cadence/internal/campaign/domain"
	"github.com/felixgeelhaar/cadence/internal/shared/infrastructure/database"
	sharedPersistence "github.com/felixgeelhaar/cadence/internal/shared/infrastructure/persistence"
	"github.com/google/uuid"
	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// SQLiteCampaignRepository implements domain.CampaignRepository using
// SQLite. Timestamps are stored as RFC3339 UTC strings so lexicographic
// comparison in SQL matches chronological order.
type SQLiteCampaignRepository struct {
	db *sql.DB
}

// NewSQLiteCampaignRepository creates a new SQLite campaign repository.
func NewSQLiteCampaignRepository(db *sql.DB) *SQLiteCampaignRepository {
	return &SQLiteCampaignRepository{db: db}
}

// executor returns the transaction from context when present, otherwise the connection.
func (r *SQLiteCampaignRepository) executor(ctx context.Context) sqliteExecutor {
	if info, ok := sharedPersistence.SQLiteTxInfoFromContext(ctx); ok {
		return info.Tx
	}
	return r.db
}

// sqliteExecutor abstracts *sql.DB and *sql.Tx for shared query execution.
type sqliteExecutor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const sqliteCampaignColumns = `id, source_database, source_collection, source_document_id, label,
	       cadence_step, status, plan, started_at, phone_numbers, emails,
	       call_next_attempt_at, call_claimed, call_attempts_made, call_last_status,
	       call_last_duration_seconds, call_last_conversation_ref, call_partnered,
	       email_sent_count, email_next_attempt_at, email_last_status,
	       email_last_subject, email_last_error, history, created_at, updated_at`

// Create stores a new campaign record.
func (r *SQLiteCampaignRepository) Create(ctx context.Context, rec *domain.CampaignRecord) error {
	fields, err := sqliteRecordFields(rec)
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
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = r.executor(ctx).ExecContext(ctx, query,
		rec.ID.String(),
		rec.Source.Database,
		rec.Source.Collection,
		rec.Source.DocumentID,
		rec.Label,
		rec.CadenceStep,
		rec.TotalSteps(),
		string(rec.Status),
		fields.plan,
		rec.StartedAt.UTC().Format(time.RFC3339),
		fields.phones,
		fields.emails,
		sqliteNullTime(rec.Call.NextAttemptAt),
		boolToInt(rec.Call.Claimed),
		rec.Call.AttemptsMade,
		string(rec.Call.LastStatus),
		rec.Call.LastDurationSeconds,
		rec.Call.LastConversationRef,
		boolToInt(rec.Call.Partnered),
		rec.Email.SentCount,
		sqliteNullTime(rec.Email.NextAttemptAt),
		string(rec.Email.LastStatus),
		rec.Email.LastSubject,
		rec.Email.LastError,
		fields.history,
		rec.CreatedAt.UTC().Format(time.RFC3339),
		rec.UpdatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		if isSQLiteConstraintError(err) {
			return domain.ErrActiveCampaignExists
		}
		return err
	}
	return nil
}

// Update persists the full state of an existing record.
func (r *SQLiteCampaignRepository) Update(ctx context.Context, rec *domain.CampaignRecord) error {
	return sqliteUpdateRecord(ctx, r.executor(ctx), rec)
}

func sqliteUpdateRecord(ctx context.Context, exec sqliteExecutor, rec *domain.CampaignRecord) error {
	fields, err := sqliteRecordFields(rec)
	if err != nil {
		return err
	}

	query := `
		UPDATE campaign_records SET
			label = ?,
			cadence_step = ?,
			total_steps = ?,
			status = ?,
			plan = ?,
			started_at = ?,
			phone_numbers = ?,
			emails = ?,
			call_next_attempt_at = ?,
			call_claimed = ?,
			call_attempts_made = ?,
			call_last_status = ?,
			call_last_duration_seconds = ?,
			call_last_conversation_ref = ?,
			call_partnered = ?,
			email_sent_count = ?,
			email_next_attempt_at = ?,
			email_last_status = ?,
			email_last_subject = ?,
			email_last_error = ?,
			history = ?,
			updated_at = ?
		WHERE id = ?
	`

	res, err := exec.ExecContext(ctx, query,
		rec.Label,
		rec.CadenceStep,
		rec.TotalSteps(),
		string(rec.Status),
		fields.plan,
		rec.StartedAt.UTC().Format(time.RFC3339),
		fields.phones,
		fields.emails,
		sqliteNullTime(rec.Call.NextAttemptAt),
		boolToInt(rec.Call.Claimed),
		rec.Call.AttemptsMade,
		string(rec.Call.LastStatus),
		rec.Call.LastDurationSeconds,
		rec.Call.LastConversationRef,
		boolToInt(rec.Call.Partnered),
		rec.Email.SentCount,
		sqliteNullTime(rec.Email.NextAttemptAt),
		string(rec.Email.LastStatus),
		rec.Email.LastSubject,
		rec.Email.LastError,
		fields.history,
		rec.UpdatedAt.UTC().Format(time.RFC3339),
		rec.ID.String(),
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return domain.ErrRecordNotFound
	}
	return nil
}

// GetByID retrieves a record by its ID.
func (r *SQLiteCampaignRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.CampaignRecord, error) {
	query := `SELECT ` + sqliteCampaignColumns + ` FROM campaign_records WHERE id = ?`

	rec, err := scanSQLiteRecord(r.executor(ctx).QueryRowContext(ctx, query, id.String()))
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
func (r *SQLiteCampaignRepository) FindActiveBySource(ctx context.Context, ref domain.SourceRef) (*domain.CampaignRecord, error) {
	exclude, excludeArgs := terminalStatusClause(false)
	query := `
		SELECT ` + sqliteCampaignColumns + `
		FROM campaign_records
		WHERE source_database = ? AND source_collection = ? AND source_document_id = ?
		  AND status NOT IN ` + exclude + `
		ORDER BY created_at DESC
		LIMIT 1
	`

	args := append([]any{ref.Database, ref.Collection, ref.DocumentID}, excludeArgs...)
	rec, err := scanSQLiteRecord(r.executor(ctx).QueryRowContext(ctx, query, args...))
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
func (r *SQLiteCampaignRepository) FindLatestBySource(ctx context.Context, ref domain.SourceRef) (*domain.CampaignRecord, error) {
	query := `
		SELECT ` + sqliteCampaignColumns + `
		FROM campaign_records
		WHERE source_database = ? AND source_collection = ? AND source_document_id = ?
		ORDER BY updated_at DESC
		LIMIT 1
	`

	rec, err := scanSQLiteRecord(r.executor(ctx).QueryRowContext(ctx, query,
		ref.Database, ref.Collection, ref.DocumentID))
	if err != nil {
		if database.IsNoRows(err) {
			return nil, nil
		}
		return nil, err
	}
	return rec, nil
}

// FindDueForCall returns unclaimed, non-terminal records whose next call
// attempt is due at now, optionally filtered to one step.
func (r *SQLiteCampaignRepository) FindDueForCall(ctx context.Context, now time.Time, step *int, limit int) ([]*domain.CampaignRecord, error) {
	exclude, excludeArgs := terminalStatusClause(false)
	query := `
		SELECT ` + sqliteCampaignColumns + `
		FROM campaign_records
		WHERE call_claimed = 0
		  AND call_next_attempt_at IS NOT NULL
		  AND call_next_attempt_at <= ?
		  AND cadence_step < total_steps
		  AND status NOT IN ` + exclude

	args := append([]any{now.UTC().Format(time.RFC3339)}, excludeArgs...)
	if step != nil {
		query += " AND cadence_step = ?"
		args = append(args, *step)
	}
	query += " ORDER BY call_next_attempt_at ASC LIMIT ?"
	args = append(args, limit)

	rows, err := r.executor(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectSQLiteRecords(rows)
}

// FindDueForEmail returns records that exhausted their call cadence and
// have not yet been emailed.
func (r *SQLiteCampaignRepository) FindDueForEmail(ctx context.Context, now time.Time, includePartnered bool, limit int) ([]*domain.CampaignRecord, error) {
	exclude, excludeArgs := terminalStatusClause(includePartnered)
	query := `
		SELECT ` + sqliteCampaignColumns + `
		FROM campaign_records
		WHERE cadence_step >= total_steps
		  AND email_sent_count = 0
		  AND email_last_status <> ?
		  AND status NOT IN ` + exclude + `
		ORDER BY updated_at ASC
		LIMIT ?
	`

	args := append([]any{string(domain.EmailStatusUnreachable)}, excludeArgs...)
	args = append(args, limit)

	rows, err := r.executor(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectSQLiteRecords(rows)
}

// FindDueScheduledEmail returns records whose bundled deferred email is
// due, regardless of call progress.
func (r *SQLiteCampaignRepository) FindDueScheduledEmail(ctx context.Context, now time.Time, includePartnered bool, limit int) ([]*domain.CampaignRecord, error) {
	exclude, excludeArgs := terminalStatusClause(includePartnered)
	query := `
		SELECT ` + sqliteCampaignColumns + `
		FROM campaign_records
		WHERE email_next_attempt_at IS NOT NULL
		  AND email_next_attempt_at <= ?
		  AND email_sent_count = 0
		  AND email_last_status <> ?
		  AND status NOT IN ` + exclude + `
		ORDER BY email_next_attempt_at ASC
		LIMIT ?
	`

	args := append([]any{now.UTC().Format(time.RFC3339), string(domain.EmailStatusUnreachable)}, excludeArgs...)
	args = append(args, limit)

	rows, err := r.executor(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectSQLiteRecords(rows)
}

// Claim leases the given records until the horizon and returns the IDs
// actually won. SQLite reports no per-row detail on a bulk update, so
// each id is claimed with its own conditional update; database/sql
// serializes them on the single writer connection.
func (r *SQLiteCampaignRepository) Claim(ctx context.Context, ids []uuid.UUID, until time.Time) ([]uuid.UUID, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	query := `
		UPDATE campaign_records
		SET call_claimed = 1, call_next_attempt_at = ?, updated_at = ?
		WHERE id = ? AND call_claimed = 0
	`

	untilArg := until.UTC().Format(time.RFC3339)
	nowArg := time.Now().UTC().Format(time.RFC3339)

	won := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		res, err := r.executor(ctx).ExecContext(ctx, query, untilArg, nowArg, id.String())
		if err != nil {
			return won, err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return won, err
		}
		if affected > 0 {
			won = append(won, id)
		}
	}
	return won, nil
}

// AdvanceCall resolves the current call attempt with the outcome and
// returns the new record state.
func (r *SQLiteCampaignRepository) AdvanceCall(ctx context.Context, id uuid.UUID, outcome domain.CallOutcome) (*domain.CampaignRecord, error) {
	var rec *domain.CampaignRecord
	err := r.withRecordTx(ctx, id, func(locked *domain.CampaignRecord) error {
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
func (r *SQLiteCampaignRepository) ResetForRetry(ctx context.Context, id uuid.UUID, retryAt time.Time) error {
	return r.withRecordTx(ctx, id, func(locked *domain.CampaignRecord) error {
		locked.DeferRetry(retryAt, time.Now().UTC())
		return nil
	})
}

// RecordEmailResult resolves an email attempt and returns the new record
// state.
func (r *SQLiteCampaignRepository) RecordEmailResult(ctx context.Context, id uuid.UUID, outcome domain.EmailOutcome) (*domain.CampaignRecord, error) {
	var rec *domain.CampaignRecord
	err := r.withRecordTx(ctx, id, func(locked *domain.CampaignRecord) error {
		locked.RecordEmailOutcome(outcome, time.Now().UTC())
		rec = locked
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// withRecordTx loads the record inside a transaction, applies mutate and
// writes the result back before committing. SQLite serializes writers,
// so the transaction is enough to keep the read-modify-write atomic.
func (r *SQLiteCampaignRepository) withRecordTx(ctx context.Context, id uuid.UUID, mutate func(*domain.CampaignRecord) error) error {
	if info, ok := sharedPersistence.SQLiteTxInfoFromContext(ctx); ok {
		return sqliteMutateRecord(ctx, info.Tx, id, mutate)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := sqliteMutateRecord(ctx, tx, id, mutate); err != nil {
		return err
	}
	return tx.Commit()
}

func sqliteMutateRecord(ctx context.Context, exec sqliteExecutor, id uuid.UUID, mutate func(*domain.CampaignRecord) error) error {
	query := `SELECT ` + sqliteCampaignColumns + ` FROM campaign_records WHERE id = ?`
	rec, err := scanSQLiteRecord(exec.QueryRowContext(ctx, query, id.String()))
	if err != nil {
		if database.IsNoRows(err) {
			return domain.ErrRecordNotFound
		}
		return err
	}

	if err := mutate(rec); err != nil {
		return err
	}
	return sqliteUpdateRecord(ctx, exec, rec)
}

// CountByStatusAndStep aggregates records by status and cadence step,
// optionally restricted to the given IDs.
func (r *SQLiteCampaignRepository) CountByStatusAndStep(ctx context.Context, ids []uuid.UUID) (*domain.StatusCounts, error) {
	counts := &domain.StatusCounts{
		ByStatus: make(map[domain.Status]int64),
		ByStep:   make(map[int]int64),
	}

	filter := ""
	var args []any
	if len(ids) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(ids)), ", ")
		filter = ` WHERE id IN (` + placeholders + `)`
		for _, id := range ids {
			args = append(args, id.String())
		}
	}

	rows, err := r.executor(ctx).QueryContext(ctx, `SELECT status, COUNT(*) FROM campaign_records`+filter+` GROUP BY status`, args...)
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

	stepRows, err := r.executor(ctx).QueryContext(ctx, `SELECT cadence_step, COUNT(*) FROM campaign_records`+filter+` GROUP BY cadence_step`, args...)
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

// sqliteRow mirrors one row of the campaign_records table.
type sqliteRow struct {
	ID                      string
	SourceDatabase          string
	SourceCollection        string
	SourceDocumentID        string
	Label                   string
	CadenceStep             int
	Status                  string
	Plan                    string
	StartedAt               string
	PhoneNumbers            string
	Emails                  string
	CallNextAttemptAt       sql.NullString
	CallClaimed             int
	CallAttemptsMade        int
	CallLastStatus          string
	CallLastDurationSeconds int
	CallLastConversationRef string
	CallPartnered           int
	EmailSentCount          int
	EmailNextAttemptAt      sql.NullString
	EmailLastStatus         string
	EmailLastSubject        string
	EmailLastError          string
	History                 string
	CreatedAt               string
	UpdatedAt               string
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteRecord(row rowScanner) (*domain.CampaignRecord, error) {
	var r sqliteRow
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
		&r.PhoneNumbers,
		&r.Emails,
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
	return sqliteRowToRecord(r)
}

func collectSQLiteRecords(rows *sql.Rows) ([]*domain.CampaignRecord, error) {
	records := make([]*domain.CampaignRecord, 0)
	for rows.Next() {
		rec, err := scanSQLiteRecord(rows)
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

func sqliteRowToRecord(r sqliteRow) (*domain.CampaignRecord, error) {
	id, err := uuid.Parse(r.ID)
	if err != nil {
		return nil, fmt.Errorf("parse record id: %w", err)
	}

	var plan domain.CadencePlan
	if err := json.Unmarshal([]byte(r.Plan), &plan); err != nil {
		return nil, fmt.Errorf("decode cadence plan: %w", err)
	}
	history := make([]domain.AttemptRecord, 0)
	if r.History != "" {
		if err := json.Unmarshal([]byte(r.History), &history); err != nil {
			return nil, fmt.Errorf("decode attempt history: %w", err)
		}
	}
	var phones, emails []string
	if err := json.Unmarshal([]byte(r.PhoneNumbers), &phones); err != nil {
		return nil, fmt.Errorf("decode phone numbers: %w", err)
	}
	if err := json.Unmarshal([]byte(r.Emails), &emails); err != nil {
		return nil, fmt.Errorf("decode emails: %w", err)
	}

	startedAt, _ := time.Parse(time.RFC3339, r.StartedAt)
	createdAt, _ := time.Parse(time.RFC3339, r.CreatedAt)
	updatedAt, _ := time.Parse(time.RFC3339, r.UpdatedAt)

	return &domain.CampaignRecord{
		ID: id,
		Source: domain.SourceRef{
			Database:   r.SourceDatabase,
			Collection: r.SourceCollection,
			DocumentID: r.SourceDocumentID,
		},
		Label:       r.Label,
		CadenceStep: r.CadenceStep,
		Status:      domain.Status(r.Status),
		Plan:        plan,
		StartedAt:   startedAt,
		Contact: domain.ContactInfo{
			PhoneNumbers: phones,
			Emails:       emails,
		},
		Call: domain.CallState{
			NextAttemptAt:       parseSQLiteTime(r.CallNextAttemptAt),
			Claimed:             r.CallClaimed != 0,
			AttemptsMade:        r.CallAttemptsMade,
			LastStatus:          domain.CallChannelStatus(r.CallLastStatus),
			LastDurationSeconds: r.CallLastDurationSeconds,
			LastConversationRef: r.CallLastConversationRef,
			Partnered:           r.CallPartnered != 0,
		},
		Email: domain.EmailState{
			SentCount:     r.EmailSentCount,
			NextAttemptAt: parseSQLiteTime(r.EmailNextAttemptAt),
			LastStatus:    domain.EmailChannelStatus(r.EmailLastStatus),
			LastSubject:   r.EmailLastSubject,
			LastError:     r.EmailLastError,
		},
		History:   history,
		CreatedAt: createdAt,
		UpdatedAt: updatedAt,
	}, nil
}

type recordFields struct {
	plan    string
	history string
	phones  string
	emails  string
}

func sqliteRecordFields(rec *domain.CampaignRecord) (recordFields, error) {
	plan, err := json.Marshal(rec.Plan)
	if err != nil {
		return recordFields{}, fmt.Errorf("encode cadence plan: %w", err)
	}
	history := []byte("[]")
	if rec.History != nil {
		history, err = json.Marshal(rec.History)
		if err != nil {
			return recordFields{}, fmt.Errorf("encode attempt history: %w", err)
		}
	}
	phones, err := json.Marshal(stringsOrEmpty(rec.Contact.PhoneNumbers))
	if err != nil {
		return recordFields{}, err
	}
	emails, err := json.Marshal(stringsOrEmpty(rec.Contact.Emails))
	if err != nil {
		return recordFields{}, err
	}
	return recordFields{
		plan:    string(plan),
		history: string(history),
		phones:  string(phones),
		emails:  string(emails),
	}, nil
}

// terminalStatusClause builds the NOT IN list for terminal statuses.
// With includePartnered the partnered status stays eligible so the
// emailed-after-partnered flow can still pick those records up.
func terminalStatusClause(includePartnered bool) (string, []any) {
	statuses := terminalStatusStrings(includePartnered)
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(statuses)), ", ")
	args := make([]any, len(statuses))
	for i, s := range statuses {
		args[i] = s
	}
	return "(" + placeholders + ")", args
}

func stringsOrEmpty(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func sqliteNullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339), Valid: true}
}

func parseSQLiteTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, s.String)
	if err != nil {
		return nil
	}
	return &t
}

func isSQLiteConstraintError(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	code := sqliteErr.Code()
	return code == sqlite3.SQLITE_CONSTRAINT ||
		code == sqlite3.SQLITE_CONSTRAINT_UNIQUE ||
		code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
}
