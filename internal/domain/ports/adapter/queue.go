package adapter

import (
	"context"
	"time"
)

// TaskQueue is the durable dispatch backend for pipeline work units. Claimed
// ids sit on a processing list under a lease until acked, so a crashed
// worker's job is recoverable by the reaper once the lease lapses
// (at-least-once).
type TaskQueue interface {
	Enqueue(ctx context.Context, jobID string) error
	// ClaimBlocking waits up to timeout for a job id; returns ErrNoTask when
	// nothing arrived in time.
	ClaimBlocking(ctx context.Context, timeout time.Duration) (string, error)
	Ack(ctx context.Context, jobID string) error
	// Release gives up the lease on a claimed id without acking it, making
	// the entry immediately eligible for requeue.
	Release(ctx context.Context, jobID string) error
	// Remove drops a queued id before any worker claims it (cancel path).
	// Returns true when the id was still on the queue.
	Remove(ctx context.Context, jobID string) (bool, error)
	// RequeueStale redelivers claimed ids whose lease has expired; claims
	// still under lease are left alone.
	RequeueStale(ctx context.Context, max int64) (int64, error)
}

// WorkerInspector reports liveness and load of the queue backend, counts only.
type WorkerInspector interface {
	Heartbeat(ctx context.Context, hostname string, activeTasks int) error
	Workers(ctx context.Context) ([]WorkerInfo, error)
	QueueDepth(ctx context.Context) (queued int64, processing int64, err error)
}

type WorkerInfo struct {
	Hostname    string
	ActiveTasks int
	SeenAt      time.Time
}
