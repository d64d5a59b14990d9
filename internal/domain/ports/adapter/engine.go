package adapter

import (
	"context"

	"document-refinery/internal/domain/model"
)

// ConvertResult is the engine's lossless structured representation of a
// document, kept opaque to the pipeline (raw JSON plus metadata).
type ConvertResult struct {
	Document      []byte
	PageCount     int
	EngineVersion string
}

// ConversionEngine is the port for the external document-conversion service.
// Page/size limits from the job's options snapshot are enforced by the caller
// before Convert is invoked; the engine is treated as opaque and fallible.
type ConversionEngine interface {
	Convert(ctx context.Context, cleanPath string, opts model.ConvertOptions) (ConvertResult, error)
	// Export renders the structured document into the requested kinds.
	Export(ctx context.Context, structured []byte, kinds []model.ArtifactKind) (map[model.ArtifactKind][]byte, error)
	Chunk(ctx context.Context, structured []byte, strategy string, maxTokens int) ([]byte, error)
}
