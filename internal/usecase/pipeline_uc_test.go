//go:build !integration

package usecase_test

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"document-refinery/internal/domain"
	"document-refinery/internal/domain/model"
	"document-refinery/internal/domain/ports/adapter"
	"document-refinery/internal/domain/ports/repository"
	"document-refinery/internal/usecase"

	"github.com/rs/zerolog"
)

type pipelineFixture struct {
	jobs      *mockJobRepo
	docs      *mockDocRepo
	artifacts *mockArtifactRepo
	queue     *fakeQueue
	scanner   *fakeScanner
	engine    *fakeEngine
	store     *fakeStore
	notifier  *recordNotifier
	ledger    usecase.LedgerUseCase
	pipeline  usecase.PipelineUseCase
}

func newPipelineFixture(maxRetries int) *pipelineFixture {
	log := zerolog.Nop()
	f := &pipelineFixture{
		jobs:      newMockJobRepo(),
		docs:      newMockDocRepo(),
		artifacts: newMockArtifactRepo(),
		queue:     newFakeQueue(),
		scanner:   &fakeScanner{},
		engine:    &fakeEngine{},
		store:     newFakeStore(),
		notifier:  &recordNotifier{},
	}
	f.ledger = usecase.NewLedgerUseCase(f.jobs, f.docs, f.artifacts, f.queue, f.notifier, MockTxManager{}, maxRetries, &log)
	f.pipeline = usecase.NewPipelineUseCase(f.ledger, f.docs, f.scanner, f.engine, f.store,
		usecase.StageTimeouts{Scan: 5 * time.Second, Convert: 5 * time.Second, Export: 5 * time.Second, Chunk: 5 * time.Second},
		"worker-1", 100, &log)
	return f
}

func (f *pipelineFixture) uploadDoc(t *testing.T, tenantID string) *model.Document {
	t.Helper()
	ctx := context.Background()
	doc := &model.Document{
		ID:       "doc-1",
		TenantID: tenantID,
		MIMEType: "application/pdf",
		Status:   model.DocumentStatusUploaded,
	}
	wf, err := f.store.WriteQuarantine(ctx, tenantID, doc.ID, bytes.NewReader([]byte("%PDF-1.7 test")), 0)
	if err != nil {
		t.Fatalf("write quarantine: %v", err)
	}
	doc.QuarantineRelpath = wf.Relpath
	doc.SHA256 = wf.SHA256
	doc.SizeBytes = wf.SizeBytes
	if err := f.docs.Save(ctx, repository.NoTX, doc); err != nil {
		t.Fatalf("save doc: %v", err)
	}
	return doc
}

func (f *pipelineFixture) createJob(t *testing.T, doc *model.Document, opts model.ConvertOptions) *model.Job {
	t.Helper()
	job, err := f.ledger.Create(context.Background(), doc, "key-1", opts)
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	return job
}

func (f *pipelineFixture) runOnce(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	id, err := f.queue.ClaimBlocking(ctx, time.Second)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := f.pipeline.Run(ctx, id, "task-"+id); err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestPipelineCleanDocument(t *testing.T) {
	f := newPipelineFixture(2)
	doc := f.uploadDoc(t, "tenant-a")
	job := f.createJob(t, doc, model.ConvertOptions{Exports: []model.ArtifactKind{model.ArtifactMarkdown}})

	f.runOnce(t)

	got, err := f.jobs.Get(context.Background(), repository.NoTX, job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.Status != model.JobStatusSucceeded {
		t.Fatalf("status = %s, want SUCCEEDED", got.Status)
	}
	if got.Stage != model.StageFinalizing {
		t.Errorf("stage = %s, want FINALIZING", got.Stage)
	}
	if got.Attempt != 1 {
		t.Errorf("attempt = %d, want 1", got.Attempt)
	}
	if got.FinishedAt == nil || got.DurationMs == nil {
		t.Error("finished_at and duration_ms must be set on success")
	}
	if got.WorkerHostname != "worker-1" {
		t.Errorf("worker_hostname = %q", got.WorkerHostname)
	}

	arts, _ := f.artifacts.ListByJob(context.Background(), repository.NoTX, "tenant-a", job.ID)
	if len(arts) != 2 {
		t.Fatalf("artifacts = %d, want 2 (docling_json + markdown)", len(arts))
	}
	kinds := map[model.ArtifactKind]bool{}
	for _, a := range arts {
		kinds[a.Kind] = true
		if a.ChecksumSHA256 == "" || a.SizeBytes == 0 {
			t.Errorf("artifact %s missing checksum or size", a.Kind)
		}
	}
	if !kinds[model.ArtifactDoclingJSON] || !kinds[model.ArtifactMarkdown] {
		t.Errorf("unexpected artifact kinds: %v", kinds)
	}

	gotDoc, _ := f.docs.FindByID(context.Background(), repository.NoTX, "tenant-a", doc.ID)
	if gotDoc.Status != model.DocumentStatusClean {
		t.Errorf("document status = %s, want CLEAN", gotDoc.Status)
	}
	if gotDoc.CleanRelpath == "" {
		t.Error("clean relpath must be set after promotion")
	}
}

func TestPipelineInfectedDocument(t *testing.T) {
	f := newPipelineFixture(2)
	f.scanner.results = []scanScript{{res: adapter.ScanResult{Verdict: adapter.VerdictInfected, Signature: "Eicar-Test-Signature"}}}
	doc := f.uploadDoc(t, "tenant-a")
	job := f.createJob(t, doc, model.ConvertOptions{})

	f.runOnce(t)

	got, _ := f.jobs.Get(context.Background(), repository.NoTX, job.ID)
	if got.Status != model.JobStatusQuarantined {
		t.Fatalf("status = %s, want QUARANTINED", got.Status)
	}
	if got.ErrorCode != domain.CodeVirusFound {
		t.Errorf("error_code = %q, want VIRUS_FOUND", got.ErrorCode)
	}
	if f.engine.convertCalls != 0 {
		t.Errorf("engine was called %d times for an infected document", f.engine.convertCalls)
	}
	if n, _ := f.artifacts.CountByJob(context.Background(), repository.NoTX, job.ID); n != 0 {
		t.Errorf("artifacts = %d, want 0", n)
	}
	gotDoc, _ := f.docs.FindByID(context.Background(), repository.NoTX, "tenant-a", doc.ID)
	if gotDoc.Status != model.DocumentStatusInfected {
		t.Errorf("document status = %s, want INFECTED", gotDoc.Status)
	}
}

func TestPipelineAutoRetryThenSucceed(t *testing.T) {
	f := newPipelineFixture(2)
	f.engine.convertErrs = []error{errors.New("engine crashed"), errors.New("engine crashed again")}
	doc := f.uploadDoc(t, "tenant-a")
	job := f.createJob(t, doc, model.ConvertOptions{})

	// Attempts 1 and 2 fail in CONVERTING and re-queue; attempt 3 succeeds.
	f.runOnce(t)
	f.runOnce(t)
	f.runOnce(t)

	got, _ := f.jobs.Get(context.Background(), repository.NoTX, job.ID)
	if got.Status != model.JobStatusSucceeded {
		t.Fatalf("status = %s, want SUCCEEDED after retries", got.Status)
	}
	if got.Attempt != 3 {
		t.Errorf("attempt = %d, want 3", got.Attempt)
	}
	if got.ErrorCode != "" {
		t.Errorf("error_code = %q, want cleared on success", got.ErrorCode)
	}

	timings, _ := f.jobs.ListStageTimings(context.Background(), repository.NoTX, job.ID)
	scans := 0
	for _, tm := range timings {
		if tm.Stage == model.StageScanning {
			scans++
		}
	}
	if scans != 3 {
		t.Errorf("scan timing records = %d, want one per attempt", scans)
	}
}

func TestPipelineRetriesExhausted(t *testing.T) {
	f := newPipelineFixture(1)
	f.engine.convertErrs = []error{errors.New("boom"), errors.New("boom")}
	doc := f.uploadDoc(t, "tenant-a")
	job := f.createJob(t, doc, model.ConvertOptions{})

	f.runOnce(t)
	f.runOnce(t)

	got, _ := f.jobs.Get(context.Background(), repository.NoTX, job.ID)
	if got.Status != model.JobStatusFailed {
		t.Fatalf("status = %s, want FAILED", got.Status)
	}
	if got.ErrorCode != domain.CodeEngineConvertFailed {
		t.Errorf("error_code = %q, want ENGINE_CONVERT_FAILED", got.ErrorCode)
	}
	if got.ErrorMessage == "boom" {
		t.Error("raw engine error leaked into the sanitized message")
	}
	if got.ErrorDetail["retries_exhausted"] != true {
		t.Errorf("error_detail = %v, want retries_exhausted marker", got.ErrorDetail)
	}
	if len(f.queue.queued) != 0 {
		t.Errorf("queue still holds %d ids after exhaustion", len(f.queue.queued))
	}
}

func TestPipelineInvalidOptionsNeverRetried(t *testing.T) {
	f := newPipelineFixture(3)
	doc := f.uploadDoc(t, "tenant-a")
	job := f.createJob(t, doc, model.ConvertOptions{MaxFileSize: 1})

	f.runOnce(t)

	got, _ := f.jobs.Get(context.Background(), repository.NoTX, job.ID)
	if got.Status != model.JobStatusFailed {
		t.Fatalf("status = %s, want FAILED", got.Status)
	}
	if got.ErrorCode != domain.CodeInvalidOptions {
		t.Errorf("error_code = %q, want INVALID_OPTIONS", got.ErrorCode)
	}
	if got.Attempt != 1 {
		t.Errorf("attempt = %d, limit violations must not burn retries", got.Attempt)
	}
	if len(f.queue.queued) != 0 {
		t.Error("limit violation was re-queued")
	}
}

func TestPipelineChunkingStage(t *testing.T) {
	f := newPipelineFixture(2)
	doc := f.uploadDoc(t, "tenant-a")
	job := f.createJob(t, doc, model.ConvertOptions{ChunkStrategy: model.ChunkStrategyHybrid})

	f.runOnce(t)

	got, _ := f.jobs.Get(context.Background(), repository.NoTX, job.ID)
	if got.Status != model.JobStatusSucceeded {
		t.Fatalf("status = %s, want SUCCEEDED", got.Status)
	}
	arts, _ := f.artifacts.ListByJob(context.Background(), repository.NoTX, "tenant-a", job.ID)
	found := false
	for _, a := range arts {
		if a.Kind == model.ArtifactChunksJSON {
			found = true
		}
	}
	if !found {
		t.Error("no chunks_json artifact from the chunking stage")
	}
	timings, _ := f.jobs.ListStageTimings(context.Background(), repository.NoTX, job.ID)
	chunked := false
	for _, tm := range timings {
		if tm.Stage == model.StageChunking {
			chunked = true
		}
	}
	if !chunked {
		t.Error("no chunking timing record")
	}
}

func TestPipelineCancelDuringScanDiscardsResult(t *testing.T) {
	f := newPipelineFixture(2)
	doc := f.uploadDoc(t, "tenant-a")
	job := f.createJob(t, doc, model.ConvertOptions{})

	// Cancel lands while the scan is in flight; the worker's commit must
	// lose the CAS race and leave no trace.
	f.scanner.onScan = func() {
		if _, err := f.ledger.Cancel(context.Background(), "tenant-a", job.ID); err != nil {
			t.Errorf("cancel: %v", err)
		}
	}

	f.runOnce(t)

	got, _ := f.jobs.Get(context.Background(), repository.NoTX, job.ID)
	if got.Status != model.JobStatusCanceled {
		t.Fatalf("status = %s, want CANCELED", got.Status)
	}
	if f.engine.convertCalls != 0 {
		t.Errorf("engine called %d times after cancel", f.engine.convertCalls)
	}
	if n, _ := f.artifacts.CountByJob(context.Background(), repository.NoTX, job.ID); n != 0 {
		t.Errorf("artifacts = %d, want 0 for a canceled job", n)
	}
}

func TestPipelineClaimOfCanceledJobIsDropped(t *testing.T) {
	f := newPipelineFixture(2)
	doc := f.uploadDoc(t, "tenant-a")
	job := f.createJob(t, doc, model.ConvertOptions{})

	if _, err := f.ledger.Cancel(context.Background(), "tenant-a", job.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	// Cancel pulled the id from the queue; simulate a duplicate delivery.
	if err := f.pipeline.Run(context.Background(), job.ID, "task-dup"); err != nil {
		t.Fatalf("run on canceled job: %v", err)
	}
	if f.scanner.calls != 0 {
		t.Errorf("scanner called %d times for a canceled job", f.scanner.calls)
	}
}

func TestPipelineReclaimsOrphanedRunningJob(t *testing.T) {
	f := newPipelineFixture(2)
	doc := f.uploadDoc(t, "tenant-a")
	job := f.createJob(t, doc, model.ConvertOptions{})

	// A worker claims the job and dies mid-attempt; once the claim lease
	// lapses the queue redelivers the id and a second worker reruns it.
	id, err := f.queue.ClaimBlocking(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := f.ledger.Claim(context.Background(), id, "w1", "task-1"); err != nil {
		t.Fatalf("ledger claim: %v", err)
	}

	if err := f.pipeline.Run(context.Background(), job.ID, "task-2"); err != nil {
		t.Fatalf("rerun of orphaned job: %v", err)
	}
	got, _ := f.jobs.Get(context.Background(), repository.NoTX, job.ID)
	if got.Status != model.JobStatusSucceeded {
		t.Fatalf("status = %s, want SUCCEEDED after redelivery", got.Status)
	}
	if got.TaskID != "task-2" {
		t.Errorf("task_id = %q, want the reclaiming worker's task", got.TaskID)
	}
	if got.Attempt != 1 {
		t.Errorf("attempt = %d, redelivery must not burn an attempt", got.Attempt)
	}
}

func TestPipelineShutdownLeavesClaimIntact(t *testing.T) {
	f := newPipelineFixture(2)
	f.scanner.results = []scanScript{{err: context.Canceled}}
	doc := f.uploadDoc(t, "tenant-a")
	job := f.createJob(t, doc, model.ConvertOptions{})

	id, err := f.queue.ClaimBlocking(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := f.pipeline.Run(context.Background(), id, "task-1"); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled surfaced for redelivery", err)
	}

	got, _ := f.jobs.Get(context.Background(), repository.NoTX, job.ID)
	if got.Status != model.JobStatusRunning {
		t.Fatalf("status = %s, shutdown must not mark the job failed", got.Status)
	}
	if got.Attempt != 1 {
		t.Errorf("attempt = %d, shutdown must not burn an attempt", got.Attempt)
	}
	if got.ErrorCode != "" {
		t.Errorf("error_code = %q, want none recorded on shutdown", got.ErrorCode)
	}
	if f.queue.enqueues != 1 {
		t.Errorf("enqueues = %d, shutdown must not re-enqueue", f.queue.enqueues)
	}
}

func TestPipelineScanFailureRetries(t *testing.T) {
	f := newPipelineFixture(1)
	f.scanner.results = []scanScript{
		{err: errors.New("clamd connection refused")},
		{res: adapter.ScanResult{Verdict: adapter.VerdictClean}},
	}
	doc := f.uploadDoc(t, "tenant-a")
	job := f.createJob(t, doc, model.ConvertOptions{})

	f.runOnce(t)

	got, _ := f.jobs.Get(context.Background(), repository.NoTX, job.ID)
	if got.Status != model.JobStatusQueued {
		t.Fatalf("status = %s, want QUEUED for next attempt", got.Status)
	}
	if got.Attempt != 2 {
		t.Errorf("attempt = %d, want 2", got.Attempt)
	}
	if got.ErrorCode != domain.CodeScannerUnavailable {
		t.Errorf("error_code = %q, want SCANNER_UNAVAILABLE kept for operators", got.ErrorCode)
	}

	f.runOnce(t)
	got, _ = f.jobs.Get(context.Background(), repository.NoTX, job.ID)
	if got.Status != model.JobStatusSucceeded {
		t.Fatalf("status = %s, want SUCCEEDED on second attempt", got.Status)
	}
}
