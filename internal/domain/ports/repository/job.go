package repository

import (
	"context"
	"time"

	"document-refinery/internal/domain/model"
)

// JobFilter narrows List results. Zero values mean "no constraint".
type JobFilter struct {
	Status        model.JobStatus
	Stage         model.JobStage
	DocumentID    string
	CreatedAfter  *time.Time
	CreatedBefore *time.Time
	Limit         int
	Offset        int
}

// FailureSummary is a sanitized row for the dashboard's recent-failures list.
type FailureSummary struct {
	JobID        string
	DocumentID   string
	Status       model.JobStatus
	Stage        model.JobStage
	ErrorCode    string
	ErrorMessage string
	Attempt      int
	MaxRetries   int
	FinishedAt   *time.Time
}

type JobRepository interface {
	Create(ctx context.Context, tx Tx, job *model.Job) error
	// Get fetches without a tenant scope; reserved for workers holding a
	// claimed job id. API paths must use FindByID.
	Get(ctx context.Context, tx Tx, id string) (*model.Job, error)
	FindByID(ctx context.Context, tx Tx, tenantID, id string) (*model.Job, error)
	List(ctx context.Context, tx Tx, tenantID string, f JobFilter) ([]*model.Job, error)

	// UpdateCAS writes the job's mutable fields only if the stored
	// (status, stage, attempt) still equals expected. A mismatch returns
	// domain.ErrStaleJobState and writes nothing; this is the exclusivity
	// discipline that keeps concurrent workers and cancels from racing.
	UpdateCAS(ctx context.Context, tx Tx, job *model.Job, expected model.Snapshot) error

	RecordStageTiming(ctx context.Context, tx Tx, t model.StageTiming) error
	ListStageTimings(ctx context.Context, tx Tx, jobID string) ([]model.StageTiming, error)

	// Dashboard aggregates, all tenant-scoped.
	CountByStatus(ctx context.Context, tx Tx, tenantID string) (map[model.JobStatus]int, error)
	CountRunningByStage(ctx context.Context, tx Tx, tenantID string) (map[model.JobStage]int, error)
	DurationsSince(ctx context.Context, tx Tx, tenantID string, since time.Time) ([]int64, error)
	RecentFailures(ctx context.Context, tx Tx, tenantID string, limit int) ([]FailureSummary, error)
	CountCreatedSince(ctx context.Context, tx Tx, tenantID string, since time.Time) (int, error)
}
