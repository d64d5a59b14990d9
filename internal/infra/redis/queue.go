package redis

import (
	"context"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"

	"document-refinery/internal/domain"
	"document-refinery/internal/domain/ports/adapter"
)

var _ adapter.TaskQueue = (*taskQueue)(nil)

// taskQueue is a reliable Redis-list queue.
// Claim: BRPOPLPUSH queue -> processing, plus a lease key with a TTL.
// Ack: LREM from processing and delete the lease.
// Ids sit on the processing list until acked; the reaper only requeues an
// entry whose lease has expired, so in-flight claims are never recycled and
// a crashed worker's job becomes redeliverable once its lease lapses
// (at-least-once delivery).
type taskQueue struct {
	rdb           *redis.Client
	queueKey      string
	processingKey string
	leasePrefix   string
	leaseTTL      time.Duration
}

// NewTaskQueue builds a queue under the given key prefix. leaseTTL must
// exceed the longest possible attempt (the sum of the stage timeouts), or
// live claims become eligible for requeue mid-run.
func NewTaskQueue(rdb *redis.Client, prefix string, leaseTTL time.Duration) *taskQueue {
	if leaseTTL <= 0 {
		leaseTTL = 30 * time.Minute
	}
	return &taskQueue{
		rdb:           rdb,
		queueKey:      prefix + ":queue",
		processingKey: prefix + ":processing",
		leasePrefix:   prefix + ":lease:",
		leaseTTL:      leaseTTL,
	}
}

func (q *taskQueue) Enqueue(ctx context.Context, jobID string) error {
	return q.rdb.LPush(ctx, q.queueKey, jobID).Err()
}

func (q *taskQueue) ClaimBlocking(ctx context.Context, timeout time.Duration) (string, error) {
	id, err := q.rdb.BRPopLPush(ctx, q.queueKey, q.processingKey, timeout).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", domain.ErrNoTask
		}
		return "", err
	}
	// A failed lease write is tolerated: the claim stands, the entry just
	// becomes eligible for requeue earlier than usual.
	q.rdb.Set(ctx, q.leasePrefix+id, time.Now().UTC().Format(time.RFC3339), q.leaseTTL)
	return id, nil
}

func (q *taskQueue) Ack(ctx context.Context, jobID string) error {
	if err := q.rdb.LRem(ctx, q.processingKey, 1, jobID).Err(); err != nil {
		return err
	}
	return q.rdb.Del(ctx, q.leasePrefix+jobID).Err()
}

func (q *taskQueue) Release(ctx context.Context, jobID string) error {
	return q.rdb.Del(ctx, q.leasePrefix+jobID).Err()
}

func (q *taskQueue) Remove(ctx context.Context, jobID string) (bool, error) {
	n, err := q.rdb.LRem(ctx, q.queueKey, 0, jobID).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// RequeueStale moves unacked ids whose lease has expired from processing back
// to the queue, up to max per call. Called by the reaper on an interval.
func (q *taskQueue) RequeueStale(ctx context.Context, max int64) (int64, error) {
	ids, err := q.rdb.LRange(ctx, q.processingKey, 0, -1).Result()
	if err != nil {
		return 0, err
	}
	var moved int64
	for _, id := range ids {
		if moved >= max {
			break
		}
		alive, err := q.rdb.Exists(ctx, q.leasePrefix+id).Result()
		if err != nil {
			return moved, err
		}
		if alive > 0 {
			continue
		}
		removed, err := q.rdb.LRem(ctx, q.processingKey, 1, id).Result()
		if err != nil {
			return moved, err
		}
		if removed == 0 {
			// acked between the range read and now
			continue
		}
		if err := q.rdb.LPush(ctx, q.queueKey, id).Err(); err != nil {
			return moved, err
		}
		moved++
	}
	return moved, nil
}

func (q *taskQueue) depths(ctx context.Context) (int64, int64, error) {
	queued, err := q.rdb.LLen(ctx, q.queueKey).Result()
	if err != nil {
		return 0, 0, err
	}
	processing, err := q.rdb.LLen(ctx, q.processingKey).Result()
	if err != nil {
		return 0, 0, err
	}
	return queued, processing, nil
}
