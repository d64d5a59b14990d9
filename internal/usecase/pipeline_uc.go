package usecase

import (
	"context"
	"errors"
	"time"

	"document-refinery/internal/domain"
	"document-refinery/internal/domain/model"
	"document-refinery/internal/domain/ports/adapter"
	"document-refinery/internal/domain/ports/repository"
	"document-refinery/internal/infra/metrics"

	"github.com/rs/zerolog"
)

// StageTimeouts bound each stage so no job can occupy a worker indefinitely.
type StageTimeouts struct {
	Scan    time.Duration
	Convert time.Duration
	Export  time.Duration
	Chunk   time.Duration
}

// Compile-time check
var _ PipelineUseCase = (*pipelineUC)(nil)

// PipelineUseCase drives one claimed job through scan -> convert -> export ->
// (chunk) -> finalize. The orchestrator itself never blocks on anything but
// the stage in flight; all coordination state lives in the ledger.
type PipelineUseCase interface {
	Run(ctx context.Context, jobID, taskID string) error
}

type pipelineUC struct {
	ledger   LedgerUseCase
	docs     repository.DocumentRepository
	scanner  adapter.MalwareScanner
	engine   adapter.ConversionEngine
	store    adapter.BlobStore
	timeouts StageTimeouts
	hostname string
	maxPages int
	log      *zerolog.Logger
}

func NewPipelineUseCase(
	ledger LedgerUseCase,
	docs repository.DocumentRepository,
	scanner adapter.MalwareScanner,
	engine adapter.ConversionEngine,
	store adapter.BlobStore,
	timeouts StageTimeouts,
	hostname string,
	maxPages int,
	logger *zerolog.Logger,
) *pipelineUC {
	return &pipelineUC{
		ledger:   ledger,
		docs:     docs,
		scanner:  scanner,
		engine:   engine,
		store:    store,
		timeouts: timeouts,
		hostname: hostname,
		maxPages: maxPages,
		log:      logger,
	}
}

// Run executes one full attempt. A nil return means the work unit is done
// (including "done" by discard); an error means the claim should not be acked
// so the reaper can redeliver it.
func (p *pipelineUC) Run(ctx context.Context, jobID, taskID string) error {
	job, err := p.ledger.Claim(ctx, jobID, p.hostname, taskID)
	if err != nil {
		if errors.Is(err, domain.ErrStaleJobState) {
			// Canceled before claim, or a duplicate delivery. Drop it.
			p.log.Debug().Str("job_id", jobID).Msg("claim discarded")
			return nil
		}
		if errors.Is(err, domain.ErrNotFound) {
			p.log.Warn().Str("job_id", jobID).Msg("queued job no longer exists")
			return nil
		}
		return err
	}
	log := p.log.With().Str("job_id", job.ID).Int("attempt", job.Attempt).Logger()

	doc, err := p.docs.FindByID(ctx, repository.NoTX, job.TenantID, job.DocumentID)
	if err != nil {
		_, ferr := p.ledger.Fail(ctx, job, domain.CodeScanError, "document record missing", nil)
		return p.swallowStale(ferr)
	}

	// ---- SCANNING (the gate) ----
	scanOut, timing, err := p.runScan(ctx, job, doc)
	if err != nil {
		return p.failOrRetry(ctx, job, model.StageScanning, err)
	}
	if scanOut.infected {
		if _, err := p.ledger.Quarantine(ctx, job, doc, scanOut.signature, timing); err != nil {
			return p.swallowStale(err)
		}
		log.Warn().Str("signature", scanOut.signature).Msg("document quarantined")
		return nil
	}
	job, err = p.ledger.Advance(ctx, job, model.StageConverting, nil, timing)
	if err != nil {
		return p.swallowStale(err)
	}

	// ---- CONVERTING ----
	conv, timing, err := p.runConvert(ctx, job, doc)
	if err != nil {
		return p.failOrRetry(ctx, job, model.StageConverting, err)
	}
	job, err = p.ledger.Advance(ctx, job, model.StageExporting, []*model.Artifact{conv.artifact}, timing)
	if err != nil {
		return p.swallowStale(err)
	}

	// ---- EXPORTING ----
	exported, timing, err := p.runExport(ctx, job, conv.structured)
	if err != nil {
		return p.failOrRetry(ctx, job, model.StageExporting, err)
	}
	next := model.StageFinalizing
	if job.Options.WantsChunking() {
		next = model.StageChunking
	}
	job, err = p.ledger.Advance(ctx, job, next, exported, timing)
	if err != nil {
		return p.swallowStale(err)
	}

	// ---- CHUNKING (optional) ----
	if next == model.StageChunking {
		chunk, timing, err := p.runChunk(ctx, job, conv.structured)
		if err != nil {
			return p.failOrRetry(ctx, job, model.StageChunking, err)
		}
		job, err = p.ledger.Advance(ctx, job, model.StageFinalizing, []*model.Artifact{chunk}, timing)
		if err != nil {
			return p.swallowStale(err)
		}
	}

	// ---- FINALIZING ----
	if _, err := p.ledger.Complete(ctx, job, nil); err != nil {
		return p.swallowStale(err)
	}
	log.Info().Msg("job succeeded")
	return nil
}

// failOrRetry converts a stage error into either an automatic next attempt or
// a terminal FAILED. Timeouts get their own code; raw error text goes to the
// operator-side detail payload, never to the sanitized message.
func (p *pipelineUC) failOrRetry(ctx context.Context, job *model.Job, stage model.JobStage, stageErr error) error {
	if errors.Is(stageErr, context.Canceled) {
		// shutdown mid-stage: leave the claim unacked so it is redelivered,
		// rather than burning an attempt on our own exit
		return stageErr
	}
	code, message := classifyStageError(stage, stageErr)
	metrics.ObserveStage(string(stage), 0, false)

	if code != domain.CodeInvalidOptions && job.RetriesLeft() {
		_, err := p.ledger.RetryFromScan(ctx, job, code, message)
		return p.swallowStale(err)
	}
	detail := map[string]any{"cause": stageErr.Error(), "attempt": job.Attempt}
	if code != domain.CodeInvalidOptions {
		detail["retries_exhausted"] = true
	}
	_, err := p.ledger.Fail(ctx, job, code, message, detail)
	return p.swallowStale(err)
}

// swallowStale treats a lost CAS race as a clean discard; anything else
// propagates so the queue can redeliver.
func (p *pipelineUC) swallowStale(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, domain.ErrStaleJobState) {
		metrics.IncStaleCommit()
		p.log.Info().Msg("stage result discarded: job state moved on")
		return nil
	}
	return err
}

func classifyStageError(stage model.JobStage, err error) (code, message string) {
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.CodeStageTimeout, "stage exceeded its time budget"
	}
	if errors.Is(err, domain.ErrInvalidOptions) {
		return domain.CodeInvalidOptions, "options rejected before dispatch"
	}
	switch stage {
	case model.StageScanning:
		if errors.Is(err, domain.ErrScanFailed) {
			return domain.CodeScanError, "scanner rejected the document"
		}
		return domain.CodeScannerUnavailable, "malware scan could not be completed"
	case model.StageConverting:
		return domain.CodeEngineConvertFailed, "conversion engine failed"
	case model.StageExporting:
		return domain.CodeEngineExportFailed, "artifact export failed"
	case model.StageChunking:
		return domain.CodeEngineChunkFailed, "chunking failed"
	}
	return domain.CodeScanError, "stage failed"
}
