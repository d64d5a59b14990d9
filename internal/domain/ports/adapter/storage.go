package adapter

import (
	"context"
	"io"
)

// WrittenFile describes the outcome of one atomic artifact write.
type WrittenFile struct {
	Relpath   string
	SHA256    string
	SizeBytes int64
}

// BlobStore is the port for job-scoped file persistence. Writes are atomic:
// no reader ever observes a half-written file. All paths are derived from
// (tenant, job, kind) or fixed upload layout, never caller-supplied strings.
type BlobStore interface {
	WriteArtifact(ctx context.Context, tenantID, jobID, filename string, r io.Reader) (WrittenFile, error)
	WriteQuarantine(ctx context.Context, tenantID, documentID string, r io.Reader, maxBytes int64) (WrittenFile, error)
	// PromoteClean moves a scanned-clean upload out of quarantine. Safe to
	// re-attempt: a second call after a completed move is a no-op.
	PromoteClean(ctx context.Context, tenantID, documentID string) (relpath string, err error)
	Open(relpath string) (io.ReadCloser, error)
	AbsPath(relpath string) string
	Remove(relpath string) error
}
