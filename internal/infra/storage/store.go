package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"document-refinery/internal/domain"
	"document-refinery/internal/domain/ports/adapter"
)

var _ adapter.BlobStore = (*DiskStore)(nil)

// ErrTooLarge is returned when an upload exceeds the configured size cap.
var ErrTooLarge = fmt.Errorf("%w: upload exceeds size limit", domain.ErrInvalidArgument)

// DiskStore keeps all files under a single data root:
//
//	uploads/quarantine/<tenant>/<document>.pdf
//	uploads/clean/<tenant>/<document>.pdf
//	artifacts/<tenant>/<job>/<filename>
//
// Every write goes to a temp file in the destination directory, is fsynced,
// and renamed into place, so readers never observe partial content. Paths are
// derived from ids and fixed filenames only.
type DiskStore struct {
	root string
}

func NewDiskStore(root string) (*DiskStore, error) {
	if root == "" {
		return nil, fmt.Errorf("%w: data root is required", domain.ErrInvalidArgument)
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0o750); err != nil {
		return nil, err
	}
	return &DiskStore{root: abs}, nil
}

func quarantineRelpath(tenantID, documentID string) string {
	return filepath.Join("uploads", "quarantine", tenantID, documentID+".pdf")
}

func cleanRelpath(tenantID, documentID string) string {
	return filepath.Join("uploads", "clean", tenantID, documentID+".pdf")
}

func (s *DiskStore) WriteArtifact(ctx context.Context, tenantID, jobID, filename string, r io.Reader) (adapter.WrittenFile, error) {
	rel := filepath.Join("artifacts", tenantID, jobID, filename)
	return s.writeAtomic(ctx, rel, r, 0)
}

func (s *DiskStore) WriteQuarantine(ctx context.Context, tenantID, documentID string, r io.Reader, maxBytes int64) (adapter.WrittenFile, error) {
	return s.writeAtomic(ctx, quarantineRelpath(tenantID, documentID), r, maxBytes)
}

func (s *DiskStore) PromoteClean(_ context.Context, tenantID, documentID string) (string, error) {
	src := s.AbsPath(quarantineRelpath(tenantID, documentID))
	rel := cleanRelpath(tenantID, documentID)
	dst := s.AbsPath(rel)

	if _, err := os.Stat(src); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			// already promoted by an earlier attempt
			if _, err := os.Stat(dst); err == nil {
				return rel, nil
			}
			return "", domain.ErrNotFound
		}
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o750); err != nil {
		return "", err
	}
	if err := os.Rename(src, dst); err != nil {
		return "", err
	}
	return rel, nil
}

func (s *DiskStore) Open(relpath string) (io.ReadCloser, error) {
	abs, err := s.resolve(relpath)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(abs)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return f, nil
}

func (s *DiskStore) AbsPath(relpath string) string {
	return filepath.Join(s.root, relpath)
}

func (s *DiskStore) Remove(relpath string) error {
	abs, err := s.resolve(relpath)
	if err != nil {
		return err
	}
	if err := os.Remove(abs); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// resolve rejects any relpath that would escape the data root.
func (s *DiskStore) resolve(relpath string) (string, error) {
	abs := filepath.Join(s.root, relpath)
	if !filepath.IsLocal(relpath) {
		return "", fmt.Errorf("%w: bad relpath", domain.ErrInvalidArgument)
	}
	return abs, nil
}

func (s *DiskStore) writeAtomic(ctx context.Context, relpath string, r io.Reader, maxBytes int64) (adapter.WrittenFile, error) {
	if err := ctx.Err(); err != nil {
		return adapter.WrittenFile{}, err
	}
	dst := s.AbsPath(relpath)
	if err := os.MkdirAll(filepath.Dir(dst), 0o750); err != nil {
		return adapter.WrittenFile{}, err
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".tmp-*")
	if err != nil {
		return adapter.WrittenFile{}, err
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	hasher := sha256.New()
	src := io.Reader(r)
	if maxBytes > 0 {
		// one extra byte to detect overflow instead of silently truncating
		src = io.LimitReader(r, maxBytes+1)
	}
	n, err := io.Copy(io.MultiWriter(tmp, hasher), src)
	if err != nil {
		return adapter.WrittenFile{}, err
	}
	if maxBytes > 0 && n > maxBytes {
		return adapter.WrittenFile{}, ErrTooLarge
	}
	if err := tmp.Sync(); err != nil {
		return adapter.WrittenFile{}, err
	}
	if err := tmp.Close(); err != nil {
		return adapter.WrittenFile{}, err
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return adapter.WrittenFile{}, err
	}

	return adapter.WrittenFile{
		Relpath:   relpath,
		SHA256:    hex.EncodeToString(hasher.Sum(nil)),
		SizeBytes: n,
	}, nil
}
