package usecase

import (
	"context"
	"fmt"
	"time"

	"document-refinery/internal/domain"
	"document-refinery/internal/domain/model"
	"document-refinery/internal/domain/ports/adapter"
	"document-refinery/internal/domain/ports/repository"
	"document-refinery/internal/infra/metrics"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v4"
	"github.com/rs/zerolog"
)

// Compile-time check
var _ LedgerUseCase = (*ledgerUC)(nil)

// LedgerUseCase is the authoritative mutator of job state. Every write goes
// through a compare-and-set on (status, stage, attempt), so a worker racing a
// cancel or a newer attempt gets ErrStaleJobState and its result is discarded.
type LedgerUseCase interface {
	Create(ctx context.Context, doc *model.Document, createdByKey string, opts model.ConvertOptions) (*model.Job, error)
	Get(ctx context.Context, tenantID, id string) (*model.Job, error)
	List(ctx context.Context, tenantID string, f repository.JobFilter) ([]*model.Job, error)
	StageTimings(ctx context.Context, tenantID, jobID string) ([]model.StageTiming, error)

	Cancel(ctx context.Context, tenantID, id string) (*model.Job, error)
	Retry(ctx context.Context, tenantID, id string) (*model.Job, error)

	// Worker-side operations. All reject stale snapshots.
	Claim(ctx context.Context, jobID, workerHostname, taskID string) (*model.Job, error)
	Advance(ctx context.Context, job *model.Job, next model.JobStage, artifacts []*model.Artifact, timing *model.StageTiming) (*model.Job, error)
	Complete(ctx context.Context, job *model.Job, timing *model.StageTiming) (*model.Job, error)
	Quarantine(ctx context.Context, job *model.Job, doc *model.Document, signature string, timing *model.StageTiming) (*model.Job, error)
	Fail(ctx context.Context, job *model.Job, code, message string, detail map[string]any) (*model.Job, error)
	RetryFromScan(ctx context.Context, job *model.Job, code, message string) (*model.Job, error)
	MarkDocumentClean(ctx context.Context, doc *model.Document, cleanRelpath string) error
}

type ledgerUC struct {
	jobs      repository.JobRepository
	docs      repository.DocumentRepository
	artifacts repository.ArtifactRepository
	queue     adapter.TaskQueue
	notifier  adapter.TransitionNotifier
	tm        repository.TransactionManager

	defaultMaxRetries int
	log               *zerolog.Logger
}

func NewLedgerUseCase(
	jobs repository.JobRepository,
	docs repository.DocumentRepository,
	artifacts repository.ArtifactRepository,
	queue adapter.TaskQueue,
	notifier adapter.TransitionNotifier,
	tm repository.TransactionManager,
	defaultMaxRetries int,
	logger *zerolog.Logger,
) *ledgerUC {
	if defaultMaxRetries <= 0 {
		defaultMaxRetries = 3
	}
	return &ledgerUC{
		jobs:              jobs,
		docs:              docs,
		artifacts:         artifacts,
		queue:             queue,
		notifier:          notifier,
		tm:                tm,
		defaultMaxRetries: defaultMaxRetries,
		log:               logger,
	}
}

func (l *ledgerUC) Create(ctx context.Context, doc *model.Document, createdByKey string, opts model.ConvertOptions) (*model.Job, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	switch doc.Status {
	case model.DocumentStatusInfected, model.DocumentStatusDeleted:
		return nil, fmt.Errorf("%w: document is %s", domain.ErrInvalidArgument, doc.Status)
	}

	now := time.Now()
	job := &model.Job{
		ID:           uuid.NewString(),
		TenantID:     doc.TenantID,
		CreatedByKey: createdByKey,
		DocumentID:   doc.ID,
		Status:       model.JobStatusQueued,
		Stage:        model.StageScanning,
		Options:      opts,
		QueuedAt:     &now,
		Attempt:      1,
		MaxRetries:   l.defaultMaxRetries,
	}
	if err := l.jobs.Create(ctx, repository.NoTX, job); err != nil {
		return nil, err
	}
	if err := l.queue.Enqueue(ctx, job.ID); err != nil {
		// The row exists but dispatch failed; the reaper cannot recover a job
		// that never reached the queue, so surface the error to the caller.
		return nil, fmt.Errorf("enqueue job %s: %w", job.ID, err)
	}
	l.log.Info().Str("job_id", job.ID).Str("document_id", doc.ID).Msg("job queued")
	return job, nil
}

func (l *ledgerUC) Get(ctx context.Context, tenantID, id string) (*model.Job, error) {
	return l.jobs.FindByID(ctx, repository.NoTX, tenantID, id)
}

func (l *ledgerUC) List(ctx context.Context, tenantID string, f repository.JobFilter) ([]*model.Job, error) {
	return l.jobs.List(ctx, repository.NoTX, tenantID, f)
}

func (l *ledgerUC) StageTimings(ctx context.Context, tenantID, jobID string) ([]model.StageTiming, error) {
	if _, err := l.jobs.FindByID(ctx, repository.NoTX, tenantID, jobID); err != nil {
		return nil, err
	}
	return l.jobs.ListStageTimings(ctx, repository.NoTX, jobID)
}

// Cancel is best-effort: a queued job is pulled from dispatch, a running job
// is marked CANCELED and the in-flight stage result dies at commit time.
func (l *ledgerUC) Cancel(ctx context.Context, tenantID, id string) (*model.Job, error) {
	var (
		out        *model.Job
		prevStatus model.JobStatus
		prevStage  model.JobStage
	)
	err := l.tm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
		job, err := l.jobs.FindByID(ctx, tx, tenantID, id)
		if err != nil {
			return err
		}
		if job.Status.Terminal() {
			return domain.ErrNotCancelable
		}
		expected := job.Snapshot()
		prevStatus, prevStage = job.Status, job.Stage

		now := time.Now()
		job.Status = model.JobStatusCanceled
		job.FinishedAt = &now
		job.RecomputeDuration()
		if err := l.jobs.UpdateCAS(ctx, tx, job, expected); err != nil {
			return err
		}
		if prevStatus == model.JobStatusQueued {
			// Removal failing is tolerable: a worker that claims a CANCELED
			// job drops it without running any stage.
			if _, err := l.queue.Remove(ctx, job.ID); err != nil {
				l.log.Warn().Err(err).Str("job_id", job.ID).Msg("could not remove canceled job from queue")
			}
		}
		out = job
		return nil
	})
	if err != nil {
		return nil, err
	}
	metrics.IncJobCanceled()
	metrics.IncJobFinished(string(model.JobStatusCanceled))
	l.notifier.JobUpdated(ctx, out, prevStatus, prevStage)
	return out, nil
}

// Retry re-queues a FAILED or QUARANTINED job for a fresh attempt from
// SCANNING. The options snapshot is kept; errors and timings are cleared.
func (l *ledgerUC) Retry(ctx context.Context, tenantID, id string) (*model.Job, error) {
	var (
		out        *model.Job
		prevStatus model.JobStatus
		prevStage  model.JobStage
	)
	err := l.tm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
		job, err := l.jobs.FindByID(ctx, tx, tenantID, id)
		if err != nil {
			return err
		}
		if job.Status != model.JobStatusFailed && job.Status != model.JobStatusQuarantined {
			return domain.ErrRetryNotAllowed
		}
		if !job.RetriesLeft() {
			return domain.ErrRetryNotAllowed
		}
		expected := job.Snapshot()
		prevStatus, prevStage = job.Status, job.Stage
		resetForAttempt(job, job.Attempt+1)
		if err := l.jobs.UpdateCAS(ctx, tx, job, expected); err != nil {
			return err
		}
		out = job
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := l.queue.Enqueue(ctx, out.ID); err != nil {
		return nil, fmt.Errorf("enqueue retried job %s: %w", out.ID, err)
	}
	l.notifier.JobUpdated(ctx, out, prevStatus, prevStage)
	return out, nil
}

// Claim flips a QUEUED job to RUNNING(SCANNING) for the worker that pulled it
// off the queue. A RUNNING job whose id came back around is an orphan: the
// queue only redelivers a claimed id after its lease expired, so the previous
// worker is presumed dead and the attempt restarts from the gate. Terminal
// jobs return ErrStaleJobState.
func (l *ledgerUC) Claim(ctx context.Context, jobID, workerHostname, taskID string) (*model.Job, error) {
	job, err := l.jobs.Get(ctx, repository.NoTX, jobID)
	if err != nil {
		return nil, err
	}
	switch job.Status {
	case model.JobStatusQueued:
	case model.JobStatusRunning:
		l.log.Warn().Str("job_id", job.ID).Str("abandoned_by", job.WorkerHostname).
			Msg("reclaiming orphaned running job")
	default:
		return nil, domain.ErrStaleJobState
	}
	expected := job.Snapshot()
	prevStatus, prevStage := job.Status, job.Stage

	now := time.Now()
	job.Status = model.JobStatusRunning
	job.Stage = model.StageScanning
	if job.StartedAt == nil {
		job.StartedAt = &now
	}
	job.WorkerHostname = workerHostname
	job.TaskID = taskID
	if err := l.jobs.UpdateCAS(ctx, repository.NoTX, job, expected); err != nil {
		return nil, err
	}
	l.notifier.JobUpdated(ctx, job, prevStatus, prevStage)
	return job, nil
}

// Advance commits one finished stage: artifacts, timing and the move to the
// next stage land in a single transaction, so a discarded commit leaves no
// partially visible output.
func (l *ledgerUC) Advance(ctx context.Context, job *model.Job, next model.JobStage, artifacts []*model.Artifact, timing *model.StageTiming) (*model.Job, error) {
	if !model.CanTransition(job.Status, job.Stage, model.JobStatusRunning, next) {
		return nil, domain.ErrInvalidTransition
	}
	expected := job.Snapshot()
	prevStatus, prevStage := job.Status, job.Stage

	updated := *job
	updated.Stage = next
	applyStageTiming(&updated, timing)

	err := l.tm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
		for _, a := range artifacts {
			if err := l.insertArtifact(ctx, tx, &updated, a); err != nil {
				return err
			}
		}
		if timing != nil {
			if err := l.jobs.RecordStageTiming(ctx, tx, *timing); err != nil {
				return err
			}
		}
		return l.jobs.UpdateCAS(ctx, tx, &updated, expected)
	})
	if err != nil {
		return nil, err
	}
	l.notifier.JobUpdated(ctx, &updated, prevStatus, prevStage)
	return &updated, nil
}

// Complete moves FINALIZING to SUCCEEDED, stamping finished_at and the
// wall-clock duration used for cost accounting.
func (l *ledgerUC) Complete(ctx context.Context, job *model.Job, timing *model.StageTiming) (*model.Job, error) {
	if !model.CanTransition(job.Status, job.Stage, model.JobStatusSucceeded, job.Stage) {
		return nil, domain.ErrInvalidTransition
	}
	expected := job.Snapshot()
	prevStatus, prevStage := job.Status, job.Stage

	updated := *job
	now := time.Now()
	updated.Status = model.JobStatusSucceeded
	updated.FinishedAt = &now
	updated.RecomputeDuration()
	updated.ErrorCode = ""
	updated.ErrorMessage = ""
	updated.ErrorDetail = nil
	applyStageTiming(&updated, timing)

	err := l.tm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
		if timing != nil {
			if err := l.jobs.RecordStageTiming(ctx, tx, *timing); err != nil {
				return err
			}
		}
		return l.jobs.UpdateCAS(ctx, tx, &updated, expected)
	})
	if err != nil {
		return nil, err
	}
	metrics.IncJobFinished(string(model.JobStatusSucceeded))
	l.notifier.JobUpdated(ctx, &updated, prevStatus, prevStage)
	return &updated, nil
}

// Quarantine is the scan gate firing: the document is marked INFECTED and the
// job terminates without any further stage. Never retried automatically.
func (l *ledgerUC) Quarantine(ctx context.Context, job *model.Job, doc *model.Document, signature string, timing *model.StageTiming) (*model.Job, error) {
	expected := job.Snapshot()
	prevStatus, prevStage := job.Status, job.Stage

	updated := *job
	now := time.Now()
	updated.Status = model.JobStatusQuarantined
	updated.ErrorCode = domain.CodeVirusFound
	updated.ErrorMessage = "malware detected by scanner"
	if signature != "" {
		updated.ErrorDetail = map[string]any{"signature": signature}
	}
	updated.FinishedAt = &now
	updated.RecomputeDuration()
	applyStageTiming(&updated, timing)

	err := l.tm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
		doc.Status = model.DocumentStatusInfected
		if err := l.docs.Save(ctx, tx, doc); err != nil {
			return err
		}
		if timing != nil {
			if err := l.jobs.RecordStageTiming(ctx, tx, *timing); err != nil {
				return err
			}
		}
		return l.jobs.UpdateCAS(ctx, tx, &updated, expected)
	})
	if err != nil {
		return nil, err
	}
	metrics.IncJobFinished(string(model.JobStatusQuarantined))
	l.notifier.JobUpdated(ctx, &updated, prevStatus, prevStage)
	return &updated, nil
}

// Fail terminates the job with a sanitized error. Raw detail stays in
// ErrorDetail for operators; webhook consumers only ever see code + message.
func (l *ledgerUC) Fail(ctx context.Context, job *model.Job, code, message string, detail map[string]any) (*model.Job, error) {
	expected := job.Snapshot()
	prevStatus, prevStage := job.Status, job.Stage

	updated := *job
	now := time.Now()
	updated.Status = model.JobStatusFailed
	updated.ErrorCode = code
	updated.ErrorMessage = message
	updated.ErrorDetail = detail
	updated.FinishedAt = &now
	updated.RecomputeDuration()

	if err := l.jobs.UpdateCAS(ctx, repository.NoTX, &updated, expected); err != nil {
		return nil, err
	}
	metrics.IncJobFinished(string(model.JobStatusFailed))
	metrics.IncStageFailure(string(prevStage), code)
	l.notifier.JobUpdated(ctx, &updated, prevStatus, prevStage)
	return &updated, nil
}

// RetryFromScan starts the next attempt after a retryable stage failure. The
// failing code/message stay on the row until a later attempt overwrites them,
// so operators can see why the job went around again.
func (l *ledgerUC) RetryFromScan(ctx context.Context, job *model.Job, code, message string) (*model.Job, error) {
	if !job.RetriesLeft() {
		return nil, domain.ErrRetryNotAllowed
	}
	expected := job.Snapshot()
	prevStatus, prevStage := job.Status, job.Stage

	updated := *job
	resetForAttempt(&updated, job.Attempt+1)
	updated.ErrorCode = code
	updated.ErrorMessage = message

	if err := l.jobs.UpdateCAS(ctx, repository.NoTX, &updated, expected); err != nil {
		return nil, err
	}
	if err := l.queue.Enqueue(ctx, updated.ID); err != nil {
		return nil, fmt.Errorf("enqueue attempt %d of job %s: %w", updated.Attempt, updated.ID, err)
	}
	metrics.IncJobRetried()
	metrics.IncStageFailure(string(prevStage), code)
	l.notifier.JobUpdated(ctx, &updated, prevStatus, prevStage)
	return &updated, nil
}

func (l *ledgerUC) MarkDocumentClean(ctx context.Context, doc *model.Document, cleanRelpath string) error {
	doc.Status = model.DocumentStatusClean
	doc.CleanRelpath = cleanRelpath
	return l.docs.Save(ctx, repository.NoTX, doc)
}

func (l *ledgerUC) insertArtifact(ctx context.Context, tx repository.Tx, job *model.Job, a *model.Artifact) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	a.TenantID = job.TenantID
	a.JobID = job.ID
	if a.ContentType == "" {
		a.ContentType = a.Kind.ContentType()
	}
	return l.artifacts.Create(ctx, tx, a)
}

func resetForAttempt(job *model.Job, attempt int) {
	now := time.Now()
	job.Attempt = attempt
	job.Status = model.JobStatusQueued
	job.Stage = model.StageScanning
	job.QueuedAt = &now
	job.StartedAt = nil
	job.FinishedAt = nil
	job.DurationMs = nil
	job.ScanMs = nil
	job.ConvertMs = nil
	job.ExportMs = nil
	job.ChunkMs = nil
	job.ErrorCode = ""
	job.ErrorMessage = ""
	job.ErrorDetail = nil
	job.WorkerHostname = ""
	job.TaskID = ""
}

func applyStageTiming(job *model.Job, t *model.StageTiming) {
	if t == nil {
		return
	}
	d := t.DurationMs
	switch t.Stage {
	case model.StageScanning:
		job.ScanMs = &d
	case model.StageConverting:
		job.ConvertMs = &d
	case model.StageExporting:
		job.ExportMs = &d
	case model.StageChunking:
		job.ChunkMs = &d
	}
}
