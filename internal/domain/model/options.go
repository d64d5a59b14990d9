package model

import (
	"encoding/json"
	"fmt"

	"document-refinery/internal/domain"
)

// ConvertOptions is the processing configuration snapshot frozen onto a job
// at creation. It determines cost and output, so it is validated once up
// front and never mutated afterwards. Unknown keys in the incoming payload
// are ignored by policy.
type ConvertOptions struct {
	Version int `json:"version,omitempty"`

	Exports []ArtifactKind `json:"exports,omitempty"`

	MaxNumPages int   `json:"max_num_pages,omitempty"`
	MaxFileSize int64 `json:"max_file_size,omitempty"`

	DoOCR              bool     `json:"do_ocr,omitempty"`
	ForceFullPageOCR   bool     `json:"force_full_page_ocr,omitempty"`
	OCRLanguages       []string `json:"ocr_lang,omitempty"`
	DoTableStructure   bool     `json:"do_table_structure,omitempty"`
	GeneratePageImages bool     `json:"generate_picture_images,omitempty"`
	ImagesScale        float64  `json:"images_scale,omitempty"`

	ChunkStrategy  string `json:"chunk_strategy,omitempty"`
	ChunkMaxTokens int    `json:"chunk_max_tokens,omitempty"`
}

// DefaultExports is applied when a job requests conversion without naming
// any export kinds.
var DefaultExports = []ArtifactKind{ArtifactMarkdown, ArtifactText, ArtifactDocTags}

const (
	ChunkStrategyNone   = ""
	ChunkStrategyHybrid = "hybrid"
	ChunkStrategyPage   = "page"
)

// WantsChunking reports whether the chunking stage should run for this job.
func (o ConvertOptions) WantsChunking() bool {
	if o.ChunkStrategy != ChunkStrategyNone {
		return true
	}
	for _, k := range o.Exports {
		if k == ArtifactChunksJSON {
			return true
		}
	}
	return false
}

// ExportKinds returns the export set with defaults applied. chunks_json is
// produced by the chunking stage, not the export stage, so it is filtered out.
func (o ConvertOptions) ExportKinds() []ArtifactKind {
	kinds := o.Exports
	if len(kinds) == 0 {
		kinds = DefaultExports
	}
	out := make([]ArtifactKind, 0, len(kinds))
	for _, k := range kinds {
		if k == ArtifactChunksJSON {
			continue
		}
		out = append(out, k)
	}
	return out
}

// Validate checks value ranges and enumerations. It is called exactly once,
// at job creation, so bad options fail fast before any dispatch.
func (o ConvertOptions) Validate() error {
	for _, k := range o.Exports {
		if !KnownArtifactKind(k) {
			return fmt.Errorf("%w: unknown export kind %q", domain.ErrInvalidOptions, k)
		}
	}
	if o.MaxNumPages < 0 {
		return fmt.Errorf("%w: max_num_pages must be >= 0", domain.ErrInvalidOptions)
	}
	if o.MaxFileSize < 0 {
		return fmt.Errorf("%w: max_file_size must be >= 0", domain.ErrInvalidOptions)
	}
	if o.ImagesScale < 0 || o.ImagesScale > 4 {
		return fmt.Errorf("%w: images_scale must be within [0,4]", domain.ErrInvalidOptions)
	}
	switch o.ChunkStrategy {
	case ChunkStrategyNone, ChunkStrategyHybrid, ChunkStrategyPage:
	default:
		return fmt.Errorf("%w: unknown chunk_strategy %q", domain.ErrInvalidOptions, o.ChunkStrategy)
	}
	if o.ChunkMaxTokens < 0 {
		return fmt.Errorf("%w: chunk_max_tokens must be >= 0", domain.ErrInvalidOptions)
	}
	return nil
}

// ParseOptions decodes a raw options payload. Unknown keys are dropped;
// type mismatches and out-of-range values surface as ErrInvalidOptions.
func ParseOptions(raw []byte) (ConvertOptions, error) {
	var o ConvertOptions
	if len(raw) == 0 {
		return o, nil
	}
	if err := json.Unmarshal(raw, &o); err != nil {
		return ConvertOptions{}, fmt.Errorf("%w: %v", domain.ErrInvalidOptions, err)
	}
	if err := o.Validate(); err != nil {
		return ConvertOptions{}, err
	}
	return o, nil
}

// Profiles are named presets merged over caller options; the caller's
// explicit settings win for everything a profile does not pin.
var profiles = map[string]ConvertOptions{
	"fast_text": {
		Exports: []ArtifactKind{ArtifactText, ArtifactMarkdown, ArtifactDocTags},
	},
	"ocr_only": {
		DoOCR:            true,
		ForceFullPageOCR: true,
		Exports:          []ArtifactKind{ArtifactText, ArtifactMarkdown, ArtifactDocTags},
	},
	"structured": {
		DoOCR:            true,
		DoTableStructure: true,
		ChunkStrategy:    ChunkStrategyHybrid,
		Exports: []ArtifactKind{
			ArtifactText, ArtifactMarkdown, ArtifactDocTags, ArtifactChunksJSON,
		},
	},
	"full_vlm": {
		DoOCR:              true,
		DoTableStructure:   true,
		GeneratePageImages: true,
		ImagesScale:        2.0,
		ChunkStrategy:      ChunkStrategyHybrid,
		Exports: []ArtifactKind{
			ArtifactText, ArtifactMarkdown, ArtifactDocTags, ArtifactChunksJSON, ArtifactFiguresZip,
		},
	},
}

// ApplyProfile overlays the named profile onto opts. An unknown profile is
// an options error. Empty profile returns opts unchanged.
func ApplyProfile(opts ConvertOptions, profile string) (ConvertOptions, error) {
	if profile == "" {
		return opts, nil
	}
	p, ok := profiles[profile]
	if !ok {
		return ConvertOptions{}, fmt.Errorf("%w: unknown profile %q", domain.ErrInvalidOptions, profile)
	}
	merged := opts
	merged.Exports = append([]ArtifactKind(nil), p.Exports...)
	merged.DoOCR = p.DoOCR
	merged.ForceFullPageOCR = p.ForceFullPageOCR
	merged.DoTableStructure = p.DoTableStructure
	merged.GeneratePageImages = p.GeneratePageImages
	if p.ImagesScale != 0 {
		merged.ImagesScale = p.ImagesScale
	}
	if p.ChunkStrategy != ChunkStrategyNone {
		merged.ChunkStrategy = p.ChunkStrategy
	}
	return merged, nil
}

// ProfileNames lists the available presets in a stable order.
func ProfileNames() []string {
	return []string{"fast_text", "ocr_only", "structured", "full_vlm"}
}
