//go:build !integration

package storage_test

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"document-refinery/internal/domain"
	"document-refinery/internal/infra/storage"
)

func newStore(t *testing.T) *storage.DiskStore {
	t.Helper()
	s, err := storage.NewDiskStore(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return s
}

func TestWriteQuarantine(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	payload := []byte("%PDF-1.7 payload")

	wf, err := s.WriteQuarantine(ctx, "tenant-a", "doc-1", bytes.NewReader(payload), 0)
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if wf.Relpath != filepath.Join("uploads", "quarantine", "tenant-a", "doc-1.pdf") {
		t.Errorf("relpath = %q", wf.Relpath)
	}
	sum := sha256.Sum256(payload)
	if wf.SHA256 != hex.EncodeToString(sum[:]) {
		t.Errorf("sha256 = %q", wf.SHA256)
	}
	if wf.SizeBytes != int64(len(payload)) {
		t.Errorf("size = %d", wf.SizeBytes)
	}

	rc, err := s.Open(wf.Relpath)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer rc.Close()
	got, _ := io.ReadAll(rc)
	if !bytes.Equal(got, payload) {
		t.Error("content mismatch")
	}
}

func TestWriteQuarantineSizeLimit(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	_, err := s.WriteQuarantine(ctx, "tenant-a", "doc-1", bytes.NewReader(make([]byte, 100)), 10)
	if !errors.Is(err, domain.ErrInvalidArgument) {
		t.Fatalf("err = %v, want size limit violation", err)
	}
	if _, err := s.Open(filepath.Join("uploads", "quarantine", "tenant-a", "doc-1.pdf")); err == nil {
		t.Error("oversized upload left a file behind")
	}
}

func TestPromoteClean(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	payload := []byte("%PDF-1.7 payload")

	wf, err := s.WriteQuarantine(ctx, "tenant-a", "doc-1", bytes.NewReader(payload), 0)
	if err != nil {
		t.Fatalf("write: %v", err)
	}

	rel, err := s.PromoteClean(ctx, "tenant-a", "doc-1")
	if err != nil {
		t.Fatalf("promote: %v", err)
	}
	if rel != filepath.Join("uploads", "clean", "tenant-a", "doc-1.pdf") {
		t.Errorf("relpath = %q", rel)
	}
	if _, err := s.Open(wf.Relpath); err == nil {
		t.Error("quarantine copy survived the promotion")
	}
	if _, err := s.Open(rel); err != nil {
		t.Errorf("clean copy missing: %v", err)
	}

	t.Run("second promote is a no-op", func(t *testing.T) {
		again, err := s.PromoteClean(ctx, "tenant-a", "doc-1")
		if err != nil {
			t.Fatalf("repeat promote: %v", err)
		}
		if again != rel {
			t.Errorf("relpath = %q, want %q", again, rel)
		}
	})

	t.Run("unknown document", func(t *testing.T) {
		if _, err := s.PromoteClean(ctx, "tenant-a", "doc-missing"); !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("err = %v, want ErrNotFound", err)
		}
	})
}

func TestWriteArtifactAtomic(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	wf, err := s.WriteArtifact(ctx, "tenant-a", "job-1", "document.md", bytes.NewReader([]byte("# hi")))
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if wf.Relpath != filepath.Join("artifacts", "tenant-a", "job-1", "document.md") {
		t.Errorf("relpath = %q", wf.Relpath)
	}

	// no temp leftovers next to the artifact
	dir := filepath.Dir(s.AbsPath(wf.Relpath))
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("dir entries = %d, want only the artifact", len(entries))
	}
}

func TestRelpathEscapeRejected(t *testing.T) {
	s := newStore(t)
	if _, err := s.Open("../../../etc/passwd"); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Errorf("err = %v, want ErrInvalidArgument", err)
	}
	if err := s.Remove("../outside"); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Errorf("err = %v, want ErrInvalidArgument", err)
	}
}

func TestRemoveMissingIsNil(t *testing.T) {
	s := newStore(t)
	if err := s.Remove(filepath.Join("artifacts", "t", "j", "document.md")); err != nil {
		t.Errorf("remove missing: %v", err)
	}
}
