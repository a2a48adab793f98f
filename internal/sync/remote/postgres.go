package remote

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	apperrors "github.com/kimhsiao/clinicsync/backend/internal/errors"
	"github.com/kimhsiao/clinicsync/backend/internal/models"
	"github.com/kimhsiao/clinicsync/backend/internal/uuid"
)

// execer is the part of pgxpool.Pool the writer uses.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS documents (
	collection TEXT NOT NULL,
	id TEXT NOT NULL,
	body JSONB NOT NULL,
	synced_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (collection, id)
)`

const (
	// Creates replace the document; last write wins.
	upsertSQL = `
INSERT INTO documents (collection, id, body, synced_at) VALUES ($1, $2, $3, now())
ON CONFLICT (collection, id) DO UPDATE SET body = EXCLUDED.body, synced_at = now()`

	// Updates merge top-level fields into the stored document.
	mergeSQL = `
INSERT INTO documents (collection, id, body, synced_at) VALUES ($1, $2, $3, now())
ON CONFLICT (collection, id) DO UPDATE SET body = documents.body || EXCLUDED.body, synced_at = now()`

	deleteSQL = `DELETE FROM documents WHERE collection = $1 AND id = $2`
)

// PostgresWriter applies operations to a documents table.
type PostgresWriter struct {
	db   execer
	pool *pgxpool.Pool
}

// NewPostgresWriter connects, pings and ensures the documents table exists.
func NewPostgresWriter(ctx context.Context, connString string) (*PostgresWriter, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres config: %w", err)
	}

	p, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}

	if err := p.Ping(ctx); err != nil {
		p.Close()
		return nil, fmt.Errorf("postgres did not answer: %w", err)
	}

	w := &PostgresWriter{db: p, pool: p}
	if err := w.EnsureSchema(ctx); err != nil {
		p.Close()
		return nil, err
	}
	return w, nil
}

// EnsureSchema creates the documents table if needed.
func (w *PostgresWriter) EnsureSchema(ctx context.Context) error {
	if _, err := w.db.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to create documents table: %w", err)
	}
	return nil
}

// Write runs one statement for the operation.
func (w *PostgresWriter) Write(ctx context.Context, kind models.OperationKind, collection string, payload map[string]interface{}) error {
	if collection == "" {
		return apperrors.New(apperrors.ErrInvalid, "collection is required")
	}

	switch kind {
	case models.KindCreate, models.KindUpdate:
		id, err := documentID(kind, payload)
		if err != nil {
			if kind == models.KindUpdate {
				return err
			}
			id = uuid.New()
		}
		body, err := json.Marshal(payload)
		if err != nil {
			return apperrors.Wrap(apperrors.ErrInvalid, "payload is not serializable", err)
		}
		query := upsertSQL
		if kind == models.KindUpdate {
			query = mergeSQL
		}
		if _, err := w.db.Exec(ctx, query, collection, id, body); err != nil {
			return wrapWriteErr(ctx, fmt.Sprintf("%s %s failed", kind, collection), err)
		}
		return nil

	case models.KindDelete:
		id, err := documentID(kind, payload)
		if err != nil {
			return err
		}
		if _, err := w.db.Exec(ctx, deleteSQL, collection, id); err != nil {
			return wrapWriteErr(ctx, fmt.Sprintf("delete %s failed", collection), err)
		}
		return nil
	}

	return apperrors.Newf(apperrors.ErrInvalid, "unknown operation kind %q", kind)
}

// Close releases the pool.
func (w *PostgresWriter) Close() {
	if w.pool != nil {
		w.pool.Close()
	}
}
