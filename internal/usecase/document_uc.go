package usecase

import (
	"context"
	"fmt"
	"io"

	"document-refinery/internal/domain"
	"document-refinery/internal/domain/model"
	"document-refinery/internal/domain/ports/adapter"
	"document-refinery/internal/domain/ports/repository"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Compile-time check
var _ DocumentUseCase = (*documentUC)(nil)

type UploadParams struct {
	TenantID     string
	CreatedByKey string
	Filename     string
	MIMEType     string
	Body         io.Reader
	MaxBytes     int64

	// Ingest starts a pipeline job right after the upload lands.
	Ingest     bool
	Profile    string
	RawOptions []byte
}

type DocumentUseCase interface {
	Upload(ctx context.Context, p UploadParams) (*model.Document, *model.Job, error)
	Get(ctx context.Context, tenantID, id string) (*model.Document, error)
	List(ctx context.Context, tenantID string, limit, offset int) ([]*model.Document, error)
}

type documentUC struct {
	docs   repository.DocumentRepository
	store  adapter.BlobStore
	ledger LedgerUseCase
	log    *zerolog.Logger
}

func NewDocumentUseCase(docs repository.DocumentRepository, store adapter.BlobStore, ledger LedgerUseCase, logger *zerolog.Logger) *documentUC {
	return &documentUC{docs: docs, store: store, ledger: ledger, log: logger}
}

// Upload streams the file into quarantine storage, records the document, and
// optionally queues an ingestion job. Options are parsed and validated here
// so a bad payload never reaches dispatch.
func (d *documentUC) Upload(ctx context.Context, p UploadParams) (*model.Document, *model.Job, error) {
	switch p.MIMEType {
	case "application/pdf", "application/x-pdf":
	default:
		return nil, nil, fmt.Errorf("%w: only PDF uploads are supported", domain.ErrInvalidArgument)
	}

	// Fail fast on options before touching storage.
	var opts model.ConvertOptions
	if p.Ingest {
		var err error
		opts, err = model.ParseOptions(p.RawOptions)
		if err != nil {
			return nil, nil, err
		}
		opts, err = model.ApplyProfile(opts, p.Profile)
		if err != nil {
			return nil, nil, err
		}
	}

	doc := &model.Document{
		ID:               uuid.NewString(),
		TenantID:         p.TenantID,
		CreatedByKey:     p.CreatedByKey,
		OriginalFilename: p.Filename,
		MIMEType:         p.MIMEType,
		Status:           model.DocumentStatusUploaded,
	}

	wf, err := d.store.WriteQuarantine(ctx, p.TenantID, doc.ID, p.Body, p.MaxBytes)
	if err != nil {
		return nil, nil, err
	}
	doc.QuarantineRelpath = wf.Relpath
	doc.SHA256 = wf.SHA256
	doc.SizeBytes = wf.SizeBytes

	if err := d.docs.Save(ctx, repository.NoTX, doc); err != nil {
		// Leave no orphan file behind the failed row.
		_ = d.store.Remove(wf.Relpath)
		return nil, nil, err
	}

	var job *model.Job
	if p.Ingest {
		job, err = d.ledger.Create(ctx, doc, p.CreatedByKey, opts)
		if err != nil {
			return nil, nil, err
		}
	}
	return doc, job, nil
}

func (d *documentUC) Get(ctx context.Context, tenantID, id string) (*model.Document, error) {
	return d.docs.FindByID(ctx, repository.NoTX, tenantID, id)
}

func (d *documentUC) List(ctx context.Context, tenantID string, limit, offset int) ([]*model.Document, error) {
	return d.docs.List(ctx, repository.NoTX, tenantID, limit, offset)
}
