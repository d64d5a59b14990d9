package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"document-refinery/internal/domain"
	"document-refinery/internal/domain/model"
	"document-refinery/internal/domain/ports/repository"
)

var _ repository.JobRepository = (*jobRepo)(nil)

type jobRepo struct {
	pool *pgxpool.Pool
}

func NewJobRepo(pool *pgxpool.Pool) *jobRepo {
	return &jobRepo{pool: pool}
}

const jobColumns = `id, tenant_id, created_by_key, document_id, status, stage, options,
queued_at, started_at, finished_at, duration_ms, scan_ms, convert_ms, export_ms, chunk_ms,
attempt, max_retries, error_code, error_message, error_detail, worker_hostname, task_id,
created_at, updated_at`

func (r *jobRepo) Create(ctx context.Context, tx repository.Tx, job *model.Job) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	now := time.Now()
	job.CreatedAt = now
	job.UpdatedAt = now

	opts, err := json.Marshal(job.Options)
	if err != nil {
		return fmt.Errorf("marshal options: %w", err)
	}

	const q = `
INSERT INTO jobs (id, tenant_id, created_by_key, document_id, status, stage, options,
  queued_at, attempt, max_retries, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12);`

	_, err = execSQL(ctx, r.pool, tx, q,
		job.ID, job.TenantID, job.CreatedByKey, job.DocumentID, job.Status, job.Stage, opts,
		job.QueuedAt, job.Attempt, job.MaxRetries, job.CreatedAt, job.UpdatedAt)
	return err
}

func (r *jobRepo) Get(ctx context.Context, tx repository.Tx, id string) (*model.Job, error) {
	const q = `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1;`
	row, err := pickRow(ctx, r.pool, tx, q, id)
	if err != nil {
		return nil, err
	}
	return scanJob(row)
}

func (r *jobRepo) FindByID(ctx context.Context, tx repository.Tx, tenantID, id string) (*model.Job, error) {
	const q = `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1 AND tenant_id = $2;`
	row, err := pickRow(ctx, r.pool, tx, q, id, tenantID)
	if err != nil {
		return nil, err
	}
	return scanJob(row)
}

func (r *jobRepo) List(ctx context.Context, tx repository.Tx, tenantID string, f repository.JobFilter) ([]*model.Job, error) {
	var (
		conds = []string{"tenant_id = $1"}
		args  = []interface{}{tenantID}
	)
	add := func(cond string, v interface{}) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.Status != "" {
		add("status = $%d", f.Status)
	}
	if f.Stage != "" {
		add("stage = $%d", f.Stage)
	}
	if f.DocumentID != "" {
		add("document_id = $%d", f.DocumentID)
	}
	if f.CreatedAfter != nil {
		add("created_at >= $%d", *f.CreatedAfter)
	}
	if f.CreatedBefore != nil {
		add("created_at < $%d", *f.CreatedBefore)
	}
	limit := f.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	args = append(args, limit, f.Offset)

	q := `SELECT ` + jobColumns + ` FROM jobs WHERE ` + strings.Join(conds, " AND ") +
		fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d OFFSET $%d;`, len(args)-1, len(args))

	rows, err := pickRows(ctx, r.pool, tx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// UpdateCAS persists the job's mutable fields only when the stored
// (status, stage, attempt) triple still matches expected. Zero rows affected
// with an existing id means another writer won the race.
func (r *jobRepo) UpdateCAS(ctx context.Context, tx repository.Tx, job *model.Job, expected model.Snapshot) error {
	job.UpdatedAt = time.Now()

	var detail []byte
	if job.ErrorDetail != nil {
		var err error
		detail, err = json.Marshal(job.ErrorDetail)
		if err != nil {
			return fmt.Errorf("marshal error detail: %w", err)
		}
	}

	const q = `
UPDATE jobs SET
  status = $5, stage = $6, attempt = $7,
  queued_at = $8, started_at = $9, finished_at = $10, duration_ms = $11,
  scan_ms = $12, convert_ms = $13, export_ms = $14, chunk_ms = $15,
  error_code = $16, error_message = $17, error_detail = $18,
  worker_hostname = $19, task_id = $20, updated_at = $21
WHERE id = $1 AND status = $2 AND stage = $3 AND attempt = $4;`

	tag, err := execSQL(ctx, r.pool, tx, q,
		job.ID, expected.Status, expected.Stage, expected.Attempt,
		job.Status, job.Stage, job.Attempt,
		job.QueuedAt, job.StartedAt, job.FinishedAt, job.DurationMs,
		job.ScanMs, job.ConvertMs, job.ExportMs, job.ChunkMs,
		nullIfEmpty(job.ErrorCode), nullIfEmpty(job.ErrorMessage), detail,
		nullIfEmpty(job.WorkerHostname), nullIfEmpty(job.TaskID), job.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		row, err := pickRow(ctx, r.pool, tx, `SELECT 1 FROM jobs WHERE id = $1;`, job.ID)
		if err != nil {
			return err
		}
		var one int
		if err := row.Scan(&one); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return domain.ErrNotFound
			}
			return domain.ErrReadDatabaseRow
		}
		return domain.ErrStaleJobState
	}
	return nil
}

func (r *jobRepo) RecordStageTiming(ctx context.Context, tx repository.Tx, t model.StageTiming) error {
	const q = `
INSERT INTO job_stage_timings (job_id, attempt, stage, duration_ms, recorded_at)
VALUES ($1, $2, $3, $4, $5);`
	_, err := execSQL(ctx, r.pool, tx, q, t.JobID, t.Attempt, t.Stage, t.DurationMs, t.RecordedAt)
	return err
}

func (r *jobRepo) ListStageTimings(ctx context.Context, tx repository.Tx, jobID string) ([]model.StageTiming, error) {
	const q = `
SELECT job_id, attempt, stage, duration_ms, recorded_at
FROM job_stage_timings WHERE job_id = $1 ORDER BY recorded_at;`
	rows, err := pickRows(ctx, r.pool, tx, q, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.StageTiming
	for rows.Next() {
		var t model.StageTiming
		if err := rows.Scan(&t.JobID, &t.Attempt, &t.Stage, &t.DurationMs, &t.RecordedAt); err != nil {
			return nil, domain.ErrReadDatabaseRow
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (r *jobRepo) CountByStatus(ctx context.Context, tx repository.Tx, tenantID string) (map[model.JobStatus]int, error) {
	const q = `SELECT status, COUNT(*) FROM jobs WHERE tenant_id = $1 GROUP BY status;`
	rows, err := pickRows(ctx, r.pool, tx, q, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[model.JobStatus]int{}
	for rows.Next() {
		var s model.JobStatus
		var n int
		if err := rows.Scan(&s, &n); err != nil {
			return nil, domain.ErrReadDatabaseRow
		}
		out[s] = n
	}
	return out, rows.Err()
}

func (r *jobRepo) CountRunningByStage(ctx context.Context, tx repository.Tx, tenantID string) (map[model.JobStage]int, error) {
	const q = `SELECT stage, COUNT(*) FROM jobs WHERE tenant_id = $1 AND status = 'RUNNING' GROUP BY stage;`
	rows, err := pickRows(ctx, r.pool, tx, q, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[model.JobStage]int{}
	for rows.Next() {
		var s model.JobStage
		var n int
		if err := rows.Scan(&s, &n); err != nil {
			return nil, domain.ErrReadDatabaseRow
		}
		out[s] = n
	}
	return out, rows.Err()
}

func (r *jobRepo) DurationsSince(ctx context.Context, tx repository.Tx, tenantID string, since time.Time) ([]int64, error) {
	const q = `
SELECT duration_ms FROM jobs
WHERE tenant_id = $1 AND duration_ms IS NOT NULL AND finished_at >= $2;`
	rows, err := pickRows(ctx, r.pool, tx, q, tenantID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var d int64
		if err := rows.Scan(&d); err != nil {
			return nil, domain.ErrReadDatabaseRow
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (r *jobRepo) RecentFailures(ctx context.Context, tx repository.Tx, tenantID string, limit int) ([]repository.FailureSummary, error) {
	const q = `
SELECT id, document_id, status, stage, COALESCE(error_code, ''), COALESCE(error_message, ''),
  attempt, max_retries, finished_at
FROM jobs
WHERE tenant_id = $1 AND status IN ('FAILED', 'QUARANTINED')
ORDER BY finished_at DESC NULLS LAST LIMIT $2;`
	rows, err := pickRows(ctx, r.pool, tx, q, tenantID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []repository.FailureSummary
	for rows.Next() {
		var f repository.FailureSummary
		if err := rows.Scan(&f.JobID, &f.DocumentID, &f.Status, &f.Stage, &f.ErrorCode,
			&f.ErrorMessage, &f.Attempt, &f.MaxRetries, &f.FinishedAt); err != nil {
			return nil, domain.ErrReadDatabaseRow
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (r *jobRepo) CountCreatedSince(ctx context.Context, tx repository.Tx, tenantID string, since time.Time) (int, error) {
	const q = `SELECT COUNT(*) FROM jobs WHERE tenant_id = $1 AND created_at >= $2;`
	row, err := pickRow(ctx, r.pool, tx, q, tenantID, since)
	if err != nil {
		return 0, err
	}
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, domain.ErrReadDatabaseRow
	}
	return n, nil
}

func scanJob(row pgx.Row) (*model.Job, error) {
	var (
		j       model.Job
		opts    []byte
		detail  []byte
		errCode *string
		errMsg  *string
		worker  *string
		taskID  *string
	)
	err := row.Scan(
		&j.ID, &j.TenantID, &j.CreatedByKey, &j.DocumentID, &j.Status, &j.Stage, &opts,
		&j.QueuedAt, &j.StartedAt, &j.FinishedAt, &j.DurationMs,
		&j.ScanMs, &j.ConvertMs, &j.ExportMs, &j.ChunkMs,
		&j.Attempt, &j.MaxRetries, &errCode, &errMsg, &detail, &worker, &taskID,
		&j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, domain.ErrReadDatabaseRow
	}
	if len(opts) > 0 {
		if err := json.Unmarshal(opts, &j.Options); err != nil {
			return nil, fmt.Errorf("unmarshal options: %w", err)
		}
	}
	if len(detail) > 0 {
		if err := json.Unmarshal(detail, &j.ErrorDetail); err != nil {
			return nil, fmt.Errorf("unmarshal error detail: %w", err)
		}
	}
	j.ErrorCode = deref(errCode)
	j.ErrorMessage = deref(errMsg)
	j.WorkerHostname = deref(worker)
	j.TaskID = deref(taskID)
	return &j, nil
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
