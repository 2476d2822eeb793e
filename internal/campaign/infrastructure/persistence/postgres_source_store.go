package persistence

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/felixgeelhaar/cadence/internal/campaign/domain"
	"github.com/felixgeelhaar/cadence/internal/shared/infrastructure/database"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresSourceStore implements domain.SourceStore on a JSONB document
// table. It stands in for the external document database that holds the
// originating records; the engine only ever reads documents whole and
// patches their outreach sub-document.
type PostgresSourceStore struct {
	pool *pgxpool.Pool
}

// NewPostgresSourceStore creates a new PostgreSQL source store.
func NewPostgresSourceStore(pool *pgxpool.Pool) *PostgresSourceStore {
	return &PostgresSourceStore{pool: pool}
}

// Fetch loads one document by its reference.
func (s *PostgresSourceStore) Fetch(ctx context.Context, ref domain.SourceRef) (*domain.SourceDocument, error) {
	query := `
		SELECT payload
		FROM source_documents
		WHERE source_database = $1 AND source_collection = $2 AND document_id = $3
	`

	var payload []byte
	err := s.pool.QueryRow(ctx, query, ref.Database, ref.Collection, ref.DocumentID).Scan(&payload)
	if err != nil {
		if database.IsNoRows(err) {
			return nil, fmt.Errorf("%w: %s", domain.ErrSourceNotFound, ref.String())
		}
		return nil, err
	}

	raw := make(map[string]any)
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("decode source document %s: %w", ref.String(), err)
	}
	return &domain.SourceDocument{Ref: ref, Raw: raw}, nil
}

// PatchOutreach merges the given fields into the document's outreach
// sub-document. The merge happens inside the database so concurrent
// patches to different fields do not clobber each other.
func (s *PostgresSourceStore) PatchOutreach(ctx context.Context, ref domain.SourceRef, fields map[string]any) error {
	if len(fields) == 0 {
		return nil
	}
	patch, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("encode outreach patch: %w", err)
	}

	query := `
		UPDATE source_documents
		SET payload = jsonb_set(payload, '{outreach}', COALESCE(payload->'outreach', '{}'::jsonb) || $4::jsonb, true),
		    updated_at = NOW()
		WHERE source_database = $1 AND source_collection = $2 AND document_id = $3
	`

	tag, err := s.pool.Exec(ctx, query, ref.Database, ref.Collection, ref.DocumentID, patch)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", domain.ErrSourceNotFound, ref.String())
	}
	return nil
}

// Insert stores a new document under the given ref, replacing the
// payload when the document already exists.
func (s *PostgresSourceStore) Insert(ctx context.Context, ref domain.SourceRef, payload map[string]any) error {
	if payload == nil {
		payload = map[string]any{}
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode source document: %w", err)
	}

	query := `
		INSERT INTO source_documents (source_database, source_collection, document_id, payload, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (source_database, source_collection, document_id) DO UPDATE SET
			payload = EXCLUDED.payload,
			updated_at = NOW()
	`

	_, err = s.pool.Exec(ctx, query, ref.Database, ref.Collection, ref.DocumentID, encoded)
	return err
}
