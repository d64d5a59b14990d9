package repository

import (
	"context"
	"time"

	"document-refinery/internal/domain/model"
)

type ArtifactRepository interface {
	// Create inserts the artifact row. A duplicate (tenant, job, kind) is a
	// silent no-op so stage re-runs stay idempotent.
	Create(ctx context.Context, tx Tx, a *model.Artifact) error
	FindByID(ctx context.Context, tx Tx, tenantID, id string) (*model.Artifact, error)
	ListByJob(ctx context.Context, tx Tx, tenantID, jobID string) ([]*model.Artifact, error)
	CountByJob(ctx context.Context, tx Tx, jobID string) (int, error)
	ListExpired(ctx context.Context, tx Tx, now time.Time, limit int) ([]*model.Artifact, error)
	Delete(ctx context.Context, tx Tx, id string) error
	DeleteByJob(ctx context.Context, tx Tx, jobID string) error
}
