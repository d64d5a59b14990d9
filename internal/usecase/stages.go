package usecase

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"document-refinery/internal/domain"
	"document-refinery/internal/domain/model"
	"document-refinery/internal/domain/ports/adapter"
	"document-refinery/internal/domain/ports/repository"
	"document-refinery/internal/infra/metrics"

	"golang.org/x/sync/errgroup"
)

// Stage executors. Each is a function of (job snapshot, document, options)
// and is safe to re-run for the same job/attempt: artifact rows dedupe on
// (tenant, job, kind) and the quarantine->clean move is idempotent.

type scanOutcome struct {
	infected  bool
	signature string
}

func (p *pipelineUC) runScan(ctx context.Context, job *model.Job, doc *model.Document) (scanOutcome, *model.StageTiming, error) {
	sctx, cancel := context.WithTimeout(ctx, p.timeouts.Scan)
	defer cancel()
	start := time.Now()

	// A later attempt may find the document already promoted out of
	// quarantine; the gate still re-verifies the file wherever it lives.
	scanPath := doc.QuarantineRelpath
	if doc.Status == model.DocumentStatusClean && doc.CleanRelpath != "" {
		scanPath = doc.CleanRelpath
	}

	res, err := p.scanner.Scan(sctx, p.store.AbsPath(scanPath))
	if err != nil {
		return scanOutcome{}, nil, err
	}
	if res.Verdict == adapter.VerdictInfected {
		t := p.stageTiming(job, model.StageScanning, start)
		return scanOutcome{infected: true, signature: res.Signature}, t, nil
	}

	if doc.Status != model.DocumentStatusClean {
		cleanRelpath, err := p.store.PromoteClean(sctx, doc.TenantID, doc.ID)
		if err != nil {
			return scanOutcome{}, nil, fmt.Errorf("promote clean file: %w", err)
		}
		if err := p.ledger.MarkDocumentClean(sctx, doc, cleanRelpath); err != nil {
			return scanOutcome{}, nil, err
		}
	}
	return scanOutcome{}, p.stageTiming(job, model.StageScanning, start), nil
}

type convertOutcome struct {
	structured []byte
	artifact   *model.Artifact
}

func (p *pipelineUC) runConvert(ctx context.Context, job *model.Job, doc *model.Document) (convertOutcome, *model.StageTiming, error) {
	// The options snapshot gates the engine call; violating limits fails
	// fast and is never retried.
	if job.Options.MaxFileSize > 0 && doc.SizeBytes > job.Options.MaxFileSize {
		return convertOutcome{}, nil, fmt.Errorf("%w: document of %d bytes exceeds max_file_size %d",
			domain.ErrInvalidOptions, doc.SizeBytes, job.Options.MaxFileSize)
	}
	opts := job.Options
	if opts.MaxNumPages == 0 && p.maxPages > 0 {
		opts.MaxNumPages = p.maxPages
	}

	cctx, cancel := context.WithTimeout(ctx, p.timeouts.Convert)
	defer cancel()
	start := time.Now()

	res, err := p.engine.Convert(cctx, p.store.AbsPath(doc.CleanRelpath), opts)
	if err != nil {
		return convertOutcome{}, nil, err
	}
	if opts.MaxNumPages > 0 && res.PageCount > opts.MaxNumPages {
		return convertOutcome{}, nil, fmt.Errorf("%w: %d pages exceeds max_num_pages %d",
			domain.ErrInvalidOptions, res.PageCount, opts.MaxNumPages)
	}

	artifact, err := p.writeArtifact(cctx, job, model.ArtifactDoclingJSON, res.Document)
	if err != nil {
		return convertOutcome{}, nil, err
	}

	if doc.PageCount != res.PageCount {
		doc.PageCount = res.PageCount
		// Best effort; page count is informational.
		_ = p.docs.Save(cctx, repository.NoTX, doc)
	}

	t := p.stageTiming(job, model.StageConverting, start)
	return convertOutcome{structured: res.Document, artifact: artifact}, t, nil
}

func (p *pipelineUC) runExport(ctx context.Context, job *model.Job, structured []byte) ([]*model.Artifact, *model.StageTiming, error) {
	ectx, cancel := context.WithTimeout(ctx, p.timeouts.Export)
	defer cancel()
	start := time.Now()

	kinds := job.Options.ExportKinds()
	rendered, err := p.engine.Export(ectx, structured, kinds)
	if err != nil {
		return nil, nil, err
	}

	// Writes are independent files; fan out and collect under one error.
	var (
		mu        sync.Mutex
		artifacts []*model.Artifact
	)
	g, gctx := errgroup.WithContext(ectx)
	for _, kind := range kinds {
		kind := kind
		data, ok := rendered[kind]
		if !ok {
			return nil, nil, fmt.Errorf("engine returned no %s output", kind)
		}
		g.Go(func() error {
			a, err := p.writeArtifact(gctx, job, kind, data)
			if err != nil {
				return err
			}
			mu.Lock()
			artifacts = append(artifacts, a)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return artifacts, p.stageTiming(job, model.StageExporting, start), nil
}

func (p *pipelineUC) runChunk(ctx context.Context, job *model.Job, structured []byte) (*model.Artifact, *model.StageTiming, error) {
	cctx, cancel := context.WithTimeout(ctx, p.timeouts.Chunk)
	defer cancel()
	start := time.Now()

	strategy := job.Options.ChunkStrategy
	if strategy == model.ChunkStrategyNone {
		strategy = model.ChunkStrategyHybrid
	}
	data, err := p.engine.Chunk(cctx, structured, strategy, job.Options.ChunkMaxTokens)
	if err != nil {
		return nil, nil, err
	}
	a, err := p.writeArtifact(cctx, job, model.ArtifactChunksJSON, data)
	if err != nil {
		return nil, nil, err
	}
	return a, p.stageTiming(job, model.StageChunking, start), nil
}

func (p *pipelineUC) writeArtifact(ctx context.Context, job *model.Job, kind model.ArtifactKind, data []byte) (*model.Artifact, error) {
	wf, err := p.store.WriteArtifact(ctx, job.TenantID, job.ID, kind.Filename(), bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("write %s artifact: %w", kind, err)
	}
	return &model.Artifact{
		TenantID:       job.TenantID,
		JobID:          job.ID,
		Kind:           kind,
		Relpath:        wf.Relpath,
		ChecksumSHA256: wf.SHA256,
		SizeBytes:      wf.SizeBytes,
		ContentType:    kind.ContentType(),
	}, nil
}

func (p *pipelineUC) stageTiming(job *model.Job, stage model.JobStage, start time.Time) *model.StageTiming {
	ms := time.Since(start).Milliseconds()
	metrics.ObserveStage(string(stage), ms, true)
	return &model.StageTiming{
		JobID:      job.ID,
		Attempt:    job.Attempt,
		Stage:      stage,
		DurationMs: ms,
		RecordedAt: time.Now(),
	}
}
