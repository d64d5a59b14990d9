package usecase

import (
	"context"
	"time"

	"document-refinery/internal/domain/model"
	"document-refinery/internal/domain/ports/adapter"
	"document-refinery/internal/domain/ports/repository"

	"github.com/rs/zerolog"
)

// Compile-time check
var _ RetentionUseCase = (*retentionUC)(nil)

type RetentionUseCase interface {
	// Sweep removes expired artifacts and documents, rows first, then files.
	Sweep(ctx context.Context, now time.Time) (removed int, err error)
}

type retentionUC struct {
	docs      repository.DocumentRepository
	artifacts repository.ArtifactRepository
	store     adapter.BlobStore
	log       *zerolog.Logger
}

func NewRetentionUseCase(docs repository.DocumentRepository, artifacts repository.ArtifactRepository, store adapter.BlobStore, logger *zerolog.Logger) *retentionUC {
	return &retentionUC{docs: docs, artifacts: artifacts, store: store, log: logger}
}

func (r *retentionUC) Sweep(ctx context.Context, now time.Time) (int, error) {
	removed := 0

	expired, err := r.artifacts.ListExpired(ctx, repository.NoTX, now, 500)
	if err != nil {
		return removed, err
	}
	for _, a := range expired {
		if err := r.artifacts.Delete(ctx, repository.NoTX, a.ID); err != nil {
			r.log.Warn().Err(err).Str("artifact_id", a.ID).Msg("retention: artifact row delete failed")
			continue
		}
		if err := r.store.Remove(a.Relpath); err != nil {
			r.log.Warn().Err(err).Str("relpath", a.Relpath).Msg("retention: artifact file removal failed")
		}
		removed++
	}

	docs, err := r.docs.ListExpired(ctx, repository.NoTX, now, 200)
	if err != nil {
		return removed, err
	}
	for _, d := range docs {
		if err := r.removeDocument(ctx, d); err != nil {
			r.log.Warn().Err(err).Str("document_id", d.ID).Msg("retention: document removal failed")
			continue
		}
		removed++
	}

	if removed > 0 {
		r.log.Info().Int("removed", removed).Msg("retention sweep complete")
	}
	return removed, nil
}

func (r *retentionUC) removeDocument(ctx context.Context, d *model.Document) error {
	d.Status = model.DocumentStatusDeleted
	if err := r.docs.Save(ctx, repository.NoTX, d); err != nil {
		return err
	}
	if d.QuarantineRelpath != "" {
		if err := r.store.Remove(d.QuarantineRelpath); err != nil {
			r.log.Warn().Err(err).Str("relpath", d.QuarantineRelpath).Msg("retention: quarantine file removal failed")
		}
	}
	if d.CleanRelpath != "" {
		if err := r.store.Remove(d.CleanRelpath); err != nil {
			r.log.Warn().Err(err).Str("relpath", d.CleanRelpath).Msg("retention: clean file removal failed")
		}
	}
	return nil
}
