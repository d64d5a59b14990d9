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

var _ repository.ArtifactRepository = (*artifactRepo)(nil)

type artifactRepo struct {
	pool *pgxpool.Pool
}

func NewArtifactRepo(pool *pgxpool.Pool) *artifactRepo {
	return &artifactRepo{pool: pool}
}

const artifactColumns = `id, tenant_id, job_id, kind, relpath, checksum_sha256, size_bytes,
content_type, expires_at, created_at`

func (r *artifactRepo) Create(ctx context.Context, tx repository.Tx, a *model.Artifact) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}

	// The (tenant, job, kind) unique constraint makes stage re-runs
	// idempotent; a second insert of the same kind is dropped.
	const q = `
INSERT INTO artifacts (id, tenant_id, job_id, kind, relpath, checksum_sha256, size_bytes,
  content_type, expires_at, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (tenant_id, job_id, kind) DO NOTHING;`

	_, err := execSQL(ctx, r.pool, tx, q,
		a.ID, a.TenantID, a.JobID, a.Kind, a.Relpath, a.ChecksumSHA256, a.SizeBytes,
		a.ContentType, a.ExpiresAt, a.CreatedAt)
	return err
}

func (r *artifactRepo) FindByID(ctx context.Context, tx repository.Tx, tenantID, id string) (*model.Artifact, error) {
	const q = `SELECT ` + artifactColumns + ` FROM artifacts WHERE id = $1 AND tenant_id = $2;`
	row, err := pickRow(ctx, r.pool, tx, q, id, tenantID)
	if err != nil {
		return nil, err
	}
	return scanArtifact(row)
}

func (r *artifactRepo) ListByJob(ctx context.Context, tx repository.Tx, tenantID, jobID string) ([]*model.Artifact, error) {
	const q = `SELECT ` + artifactColumns + ` FROM artifacts
WHERE tenant_id = $1 AND job_id = $2 ORDER BY created_at;`
	rows, err := pickRows(ctx, r.pool, tx, q, tenantID, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanArtifacts(rows)
}

func (r *artifactRepo) CountByJob(ctx context.Context, tx repository.Tx, jobID string) (int, error) {
	row, err := pickRow(ctx, r.pool, tx, `SELECT COUNT(*) FROM artifacts WHERE job_id = $1;`, jobID)
	if err != nil {
		return 0, err
	}
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, domain.ErrReadDatabaseRow
	}
	return n, nil
}

func (r *artifactRepo) ListExpired(ctx context.Context, tx repository.Tx, now time.Time, limit int) ([]*model.Artifact, error) {
	const q = `SELECT ` + artifactColumns + ` FROM artifacts
WHERE expires_at IS NOT NULL AND expires_at < $1 ORDER BY expires_at LIMIT $2;`
	rows, err := pickRows(ctx, r.pool, tx, q, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanArtifacts(rows)
}

func (r *artifactRepo) Delete(ctx context.Context, tx repository.Tx, id string) error {
	_, err := execSQL(ctx, r.pool, tx, `DELETE FROM artifacts WHERE id = $1;`, id)
	return err
}

func (r *artifactRepo) DeleteByJob(ctx context.Context, tx repository.Tx, jobID string) error {
	_, err := execSQL(ctx, r.pool, tx, `DELETE FROM artifacts WHERE job_id = $1;`, jobID)
	return err
}

func scanArtifact(row pgx.Row) (*model.Artifact, error) {
	var a model.Artifact
	err := row.Scan(
		&a.ID, &a.TenantID, &a.JobID, &a.Kind, &a.Relpath, &a.ChecksumSHA256, &a.SizeBytes,
		&a.ContentType, &a.ExpiresAt, &a.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, domain.ErrReadDatabaseRow
	}
	return &a, nil
}

func scanArtifacts(rows pgx.Rows) ([]*model.Artifact, error) {
	var out []*model.Artifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
