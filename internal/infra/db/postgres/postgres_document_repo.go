package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"document-refinery/internal/domain"
	"document-refinery/internal/domain/model"
	"document-refinery/internal/domain/ports/repository"
)

var _ repository.DocumentRepository = (*documentRepo)(nil)

type documentRepo struct {
	pool *pgxpool.Pool
}

func NewDocumentRepo(pool *pgxpool.Pool) *documentRepo {
	return &documentRepo{pool: pool}
}

const documentColumns = `id, tenant_id, created_by_key, original_filename, sha256, mime_type,
size_bytes, quarantine_relpath, clean_relpath, status, page_count, expires_at, created_at, updated_at`

func (r *documentRepo) Save(ctx context.Context, tx repository.Tx, doc *model.Document) error {
	if doc.ID == "" {
		doc.ID = uuid.NewString()
	}
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = time.Now()
	}
	doc.UpdatedAt = time.Now()

	const q = `
INSERT INTO documents (id, tenant_id, created_by_key, original_filename, sha256, mime_type,
  size_bytes, quarantine_relpath, clean_relpath, status, page_count, expires_at, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
ON CONFLICT (id) DO UPDATE SET
  status = EXCLUDED.status,
  quarantine_relpath = EXCLUDED.quarantine_relpath,
  clean_relpath = EXCLUDED.clean_relpath,
  page_count = EXCLUDED.page_count,
  expires_at = EXCLUDED.expires_at,
  updated_at = EXCLUDED.updated_at;`

	_, err := execSQL(ctx, r.pool, tx, q,
		doc.ID, doc.TenantID, doc.CreatedByKey, doc.OriginalFilename, doc.SHA256, doc.MIMEType,
		doc.SizeBytes, doc.QuarantineRelpath, doc.CleanRelpath, doc.Status, doc.PageCount,
		doc.ExpiresAt, doc.CreatedAt, doc.UpdatedAt)
	return err
}

func (r *documentRepo) FindByID(ctx context.Context, tx repository.Tx, tenantID, id string) (*model.Document, error) {
	const q = `SELECT ` + documentColumns + ` FROM documents WHERE id = $1 AND tenant_id = $2;`
	row, err := pickRow(ctx, r.pool, tx, q, id, tenantID)
	if err != nil {
		return nil, err
	}
	return scanDocument(row)
}

func (r *documentRepo) List(ctx context.Context, tx repository.Tx, tenantID string, limit, offset int) ([]*model.Document, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	const q = `SELECT ` + documentColumns + ` FROM documents
WHERE tenant_id = $1 AND status <> 'DELETED'
ORDER BY created_at DESC LIMIT $2 OFFSET $3;`
	rows, err := pickRows(ctx, r.pool, tx, q, tenantID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanDocuments(rows)
}

func (r *documentRepo) ListExpired(ctx context.Context, tx repository.Tx, now time.Time, limit int) ([]*model.Document, error) {
	const q = `SELECT ` + documentColumns + ` FROM documents
WHERE status <> 'DELETED' AND expires_at IS NOT NULL AND expires_at < $1
ORDER BY expires_at LIMIT $2;`
	rows, err := pickRows(ctx, r.pool, tx, q, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanDocuments(rows)
}

func (r *documentRepo) Delete(ctx context.Context, tx repository.Tx, id string) error {
	_, err := execSQL(ctx, r.pool, tx, `DELETE FROM documents WHERE id = $1;`, id)
	return err
}

func scanDocument(row pgx.Row) (*model.Document, error) {
	var d model.Document
	err := row.Scan(
		&d.ID, &d.TenantID, &d.CreatedByKey, &d.OriginalFilename, &d.SHA256, &d.MIMEType,
		&d.SizeBytes, &d.QuarantineRelpath, &d.CleanRelpath, &d.Status, &d.PageCount,
		&d.ExpiresAt, &d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, domain.ErrReadDatabaseRow
	}
	return &d, nil
}

func scanDocuments(rows pgx.Rows) ([]*model.Document, error) {
	var out []*model.Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
