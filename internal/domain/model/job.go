package model

import "time"

type JobStatus string

const (
	JobStatusQueued      JobStatus = "QUEUED"
	JobStatusRunning     JobStatus = "RUNNING"
	JobStatusSucceeded   JobStatus = "SUCCEEDED"
	JobStatusFailed      JobStatus = "FAILED"
	JobStatusCanceled    JobStatus = "CANCELED"
	JobStatusQuarantined JobStatus = "QUARANTINED"
)

// Terminal reports whether the status admits no further transitions.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusSucceeded, JobStatusFailed, JobStatusCanceled, JobStatusQuarantined:
		return true
	}
	return false
}

type JobStage string

const (
	StageScanning   JobStage = "SCANNING"
	StageConverting JobStage = "CONVERTING"
	StageExporting  JobStage = "EXPORTING"
	StageChunking   JobStage = "CHUNKING"
	StageFinalizing JobStage = "FINALIZING"
)

// stageOrder fixes the forward-only ordering of stages within one attempt.
var stageOrder = map[JobStage]int{
	StageScanning:   0,
	StageConverting: 1,
	StageExporting:  2,
	StageChunking:   3,
	StageFinalizing: 4,
}

// Before reports whether s comes strictly earlier in the pipeline than other.
func (s JobStage) Before(other JobStage) bool {
	return stageOrder[s] < stageOrder[other]
}

// Job is one pipeline run against one Document. The status/stage/attempt
// triple is the optimistic-concurrency token: every mutation by a worker is
// committed only if the stored triple still matches the snapshot it read.
type Job struct {
	ID           string
	TenantID     string
	CreatedByKey string
	DocumentID   string

	Status  JobStatus
	Stage   JobStage
	Options ConvertOptions

	QueuedAt   *time.Time
	StartedAt  *time.Time
	FinishedAt *time.Time
	DurationMs *int64

	ScanMs    *int64
	ConvertMs *int64
	ExportMs  *int64
	ChunkMs   *int64

	Attempt    int
	MaxRetries int

	ErrorCode    string
	ErrorMessage string
	ErrorDetail  map[string]any

	WorkerHostname string
	TaskID         string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Snapshot is the state a worker observed when it picked up the job; commits
// carry it so the ledger can reject writes racing with cancel or a newer attempt.
type Snapshot struct {
	Status  JobStatus
	Stage   JobStage
	Attempt int
}

func (j *Job) Snapshot() Snapshot {
	return Snapshot{Status: j.Status, Stage: j.Stage, Attempt: j.Attempt}
}

// RetriesLeft reports whether another attempt may be started. Attempt is
// 1-based, so a job with MaxRetries=2 can run at most three attempts.
func (j *Job) RetriesLeft() bool {
	return j.Attempt-1 < j.MaxRetries
}

// CanTransition validates a single move of the state machine.
func CanTransition(from JobStatus, fromStage JobStage, to JobStatus, toStage JobStage) bool {
	if from.Terminal() {
		return false
	}
	switch to {
	case JobStatusRunning:
		if from == JobStatusQueued {
			return toStage == StageScanning
		}
		if from == JobStatusRunning {
			// stage advances monotonically forward within one attempt
			return fromStage.Before(toStage)
		}
		return false
	case JobStatusSucceeded:
		return from == JobStatusRunning && fromStage == StageFinalizing
	case JobStatusQuarantined:
		return from == JobStatusRunning && fromStage == StageScanning
	case JobStatusFailed:
		return from == JobStatusRunning || from == JobStatusQueued
	case JobStatusCanceled:
		return from == JobStatusQueued || from == JobStatusRunning
	case JobStatusQueued:
		// only a retry re-queues, and only from a terminal retryable status;
		// that path is validated separately in the ledger
		return from == JobStatusFailed || from == JobStatusQuarantined
	}
	return false
}

// RecomputeDuration sets DurationMs from the started/finished pair.
func (j *Job) RecomputeDuration() {
	if j.StartedAt != nil && j.FinishedAt != nil {
		d := j.FinishedAt.Sub(*j.StartedAt).Milliseconds()
		j.DurationMs = &d
	}
}

// StageTiming is one per-attempt, per-stage duration record kept for cost
// accounting. Retries append new records rather than overwrite.
type StageTiming struct {
	JobID      string
	Attempt    int
	Stage      JobStage
	DurationMs int64
	RecordedAt time.Time
}
