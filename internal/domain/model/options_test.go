//go:build !integration

package model_test

import (
	"errors"
	"testing"

	"document-refinery/internal/domain"
	"document-refinery/internal/domain/model"
)

func TestParseOptions(t *testing.T) {
	t.Run("empty payload yields defaults", func(t *testing.T) {
		o, err := model.ParseOptions(nil)
		if err != nil {
			t.Fatalf("parse: %v", err)
		}
		kinds := o.ExportKinds()
		if len(kinds) != 3 {
			t.Errorf("default export kinds = %v", kinds)
		}
		if o.WantsChunking() {
			t.Error("defaults must not request chunking")
		}
	})

	t.Run("unknown keys ignored", func(t *testing.T) {
		o, err := model.ParseOptions([]byte(`{"do_ocr":true,"pipeline":"vlm","totally_unknown":1}`))
		if err != nil {
			t.Fatalf("parse: %v", err)
		}
		if !o.DoOCR {
			t.Error("do_ocr lost")
		}
	})

	t.Run("unknown export kind rejected", func(t *testing.T) {
		if _, err := model.ParseOptions([]byte(`{"exports":["pptx"]}`)); !errors.Is(err, domain.ErrInvalidOptions) {
			t.Errorf("err = %v, want ErrInvalidOptions", err)
		}
	})

	t.Run("type mismatch rejected", func(t *testing.T) {
		if _, err := model.ParseOptions([]byte(`{"max_num_pages":"ten"}`)); !errors.Is(err, domain.ErrInvalidOptions) {
			t.Errorf("err = %v, want ErrInvalidOptions", err)
		}
	})

	t.Run("out of range scale rejected", func(t *testing.T) {
		if _, err := model.ParseOptions([]byte(`{"images_scale":9.5}`)); !errors.Is(err, domain.ErrInvalidOptions) {
			t.Errorf("err = %v, want ErrInvalidOptions", err)
		}
	})
}

func TestExportKinds(t *testing.T) {
	o := model.ConvertOptions{Exports: []model.ArtifactKind{model.ArtifactMarkdown, model.ArtifactChunksJSON}}
	kinds := o.ExportKinds()
	if len(kinds) != 1 || kinds[0] != model.ArtifactMarkdown {
		t.Errorf("kinds = %v, chunks_json belongs to the chunking stage", kinds)
	}
	if !o.WantsChunking() {
		t.Error("requesting chunks_json implies chunking")
	}
}

func TestApplyProfile(t *testing.T) {
	t.Run("structured preset", func(t *testing.T) {
		o, err := model.ApplyProfile(model.ConvertOptions{MaxNumPages: 50}, "structured")
		if err != nil {
			t.Fatalf("apply: %v", err)
		}
		if !o.DoOCR || !o.DoTableStructure {
			t.Errorf("structured = %+v", o)
		}
		if o.ChunkStrategy != model.ChunkStrategyHybrid {
			t.Errorf("chunk_strategy = %q", o.ChunkStrategy)
		}
		if o.MaxNumPages != 50 {
			t.Error("caller limit must survive the overlay")
		}
	})

	t.Run("unknown profile", func(t *testing.T) {
		if _, err := model.ApplyProfile(model.ConvertOptions{}, "warp"); !errors.Is(err, domain.ErrInvalidOptions) {
			t.Errorf("err = %v, want ErrInvalidOptions", err)
		}
	})

	t.Run("empty profile is identity", func(t *testing.T) {
		in := model.ConvertOptions{DoOCR: true}
		out, err := model.ApplyProfile(in, "")
		if err != nil || !out.DoOCR {
			t.Errorf("out = %+v, err = %v", out, err)
		}
	})
}

func TestArtifactKindFilename(t *testing.T) {
	want := map[model.ArtifactKind]string{
		model.ArtifactDoclingJSON: "docling.json",
		model.ArtifactMarkdown:    "document.md",
		model.ArtifactText:        "document.txt",
		model.ArtifactDocTags:     "document.doctags",
		model.ArtifactChunksJSON:  "chunks.json",
		model.ArtifactFiguresZip:  "figures.zip",
	}
	for kind, name := range want {
		if got := kind.Filename(); got != name {
			t.Errorf("%s filename = %q, want %q", kind, got, name)
		}
	}
}
