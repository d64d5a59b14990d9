package repository

import (
	"context"
	"time"

	"document-refinery/internal/domain/model"
)

type DocumentRepository interface {
	Save(ctx context.Context, tx Tx, doc *model.Document) error
	// FindByID is tenant-scoped; cross-tenant reads are impossible through it.
	FindByID(ctx context.Context, tx Tx, tenantID, id string) (*model.Document, error)
	List(ctx context.Context, tx Tx, tenantID string, limit, offset int) ([]*model.Document, error)
	// ListExpired returns documents whose retention deadline has passed,
	// across tenants. Used only by the retention sweeper.
	ListExpired(ctx context.Context, tx Tx, now time.Time, limit int) ([]*model.Document, error)
	Delete(ctx context.Context, tx Tx, id string) error
}
