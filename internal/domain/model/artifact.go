package model

import "time"

type ArtifactKind string

const (
	ArtifactDoclingJSON ArtifactKind = "docling_json"
	ArtifactMarkdown    ArtifactKind = "markdown"
	ArtifactText        ArtifactKind = "text"
	ArtifactDocTags     ArtifactKind = "doctags"
	ArtifactChunksJSON  ArtifactKind = "chunks_json"
	ArtifactFiguresZip  ArtifactKind = "figures_zip"
)

// KnownArtifactKind reports whether k is one of the fixed kinds.
func KnownArtifactKind(k ArtifactKind) bool {
	switch k {
	case ArtifactDoclingJSON, ArtifactMarkdown, ArtifactText,
		ArtifactDocTags, ArtifactChunksJSON, ArtifactFiguresZip:
		return true
	}
	return false
}

// Filename returns the fixed on-disk name for the kind. Artifact paths are
// derived only from (tenant, job, kind), never from caller input.
func (k ArtifactKind) Filename() string {
	switch k {
	case ArtifactDoclingJSON:
		return "docling.json"
	case ArtifactMarkdown:
		return "document.md"
	case ArtifactText:
		return "document.txt"
	case ArtifactDocTags:
		return "document.doctags"
	case ArtifactChunksJSON:
		return "chunks.json"
	case ArtifactFiguresZip:
		return "figures.zip"
	}
	return string(k)
}

func (k ArtifactKind) ContentType() string {
	switch k {
	case ArtifactDoclingJSON, ArtifactChunksJSON:
		return "application/json"
	case ArtifactMarkdown:
		return "text/markdown"
	case ArtifactText, ArtifactDocTags:
		return "text/plain"
	case ArtifactFiguresZip:
		return "application/zip"
	}
	return "application/octet-stream"
}

// Artifact is one derived output of a job. Immutable once created;
// (tenant, job, kind) is unique.
type Artifact struct {
	ID             string
	TenantID       string
	JobID          string
	Kind           ArtifactKind
	Relpath        string
	ChecksumSHA256 string
	SizeBytes      int64
	ContentType    string
	ExpiresAt      *time.Time
	CreatedAt      time.Time
}
