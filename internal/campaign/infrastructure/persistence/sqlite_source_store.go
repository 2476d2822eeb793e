package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/felixgeelhaar/cadence/internal/campaign/domain"
	"github.com/felixgeelhaar/cadence/internal/shared/infrastructure/database"
)

// SQLiteSourceStore implements domain.SourceStore on a JSON document
// table. SQLite has no server-side JSON merge, so patches are
// read-modify-write inside a transaction.
type SQLiteSourceStore struct {
	db *sql.DB
}

// NewSQLiteSourceStore creates a new SQLite source store.
func NewSQLiteSourceStore(db *sql.DB) *SQLiteSourceStore {
	return &SQLiteSourceStore{db: db}
}

// Fetch loads one document by its reference.
func (s *SQLiteSourceStore) Fetch(ctx context.Context, ref domain.SourceRef) (*domain.SourceDocument, error) {
	return fetchSQLiteDocument(ctx, s.db, ref)
}

func fetchSQLiteDocument(ctx context.Context, exec sqliteExecutor, ref domain.SourceRef) (*domain.SourceDocument, error) {
	query := `
		SELECT payload
		FROM source_documents
		WHERE source_database = ? AND source_collection = ? AND document_id = ?
	`

	var payload string
	err := exec.QueryRowContext(ctx, query, ref.Database, ref.Collection, ref.DocumentID).Scan(&payload)
	if err != nil {
		if database.IsNoRows(err) {
			return nil, fmt.Errorf("%w: %s", domain.ErrSourceNotFound, ref.String())
		}
		return nil, err
	}

	raw := make(map[string]any)
	if err := json.Unmarshal([]byte(payload), &raw); err != nil {
		return nil, fmt.Errorf("decode source document %s: %w", ref.String(), err)
	}
	return &domain.SourceDocument{Ref: ref, Raw: raw}, nil
}

// PatchOutreach merges the given fields into the document's outreach
// sub-document.
func (s *SQLiteSourceStore) PatchOutreach(ctx context.Context, ref domain.SourceRef, fields map[string]any) error {
	if len(fields) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	doc, err := fetchSQLiteDocument(ctx, tx, ref)
	if err != nil {
		return err
	}

	outreach, _ := doc.Raw["outreach"].(map[string]any)
	if outreach == nil {
		outreach = make(map[string]any)
	}
	for k, v := range fields {
		outreach[k] = v
	}
	doc.Raw["outreach"] = outreach

	encoded, err := json.Marshal(doc.Raw)
	if err != nil {
		return fmt.Errorf("encode source document: %w", err)
	}

	query := `
		UPDATE source_documents
		SET payload = ?, updated_at = ?
		WHERE source_database = ? AND source_collection = ? AND document_id = ?
	`
	if _, err := tx.ExecContext(ctx, query,
		string(encoded), time.Now().UTC().Format(time.RFC3339),
		ref.Database, ref.Collection, ref.DocumentID); err != nil {
		return err
	}
	return tx.Commit()
}

// Insert stores a new document under the given ref, replacing the
// payload when the document already exists.
func (s *SQLiteSourceStore) Insert(ctx context.Context, ref domain.SourceRef, payload map[string]any) error {
	if payload == nil {
		payload = map[string]any{}
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode source document: %w", err)
	}

	query := `
		INSERT INTO source_documents (source_database, source_collection, document_id, payload, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (source_database, source_collection, document_id) DO UPDATE SET
			payload = excluded.payload,
			updated_at = excluded.updated_at
	`

	_, err = s.db.ExecContext(ctx, query,
		ref.Database, ref.Collection, ref.DocumentID,
		string(encoded), time.Now().UTC().Format(time.RFC3339))
	return err
}
