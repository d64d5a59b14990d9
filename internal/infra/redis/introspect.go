package redis

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-redis/redis/v8"

	"document-refinery/internal/domain/ports/adapter"
)

var _ adapter.WorkerInspector = (*workerInspector)(nil)

// heartbeatTTL bounds how long a silent worker still counts as online.
const heartbeatTTL = 15 * time.Second

// workerInspector reads worker liveness and queue depth out of Redis.
// Each worker refreshes a per-host key with a TTL; a worker that stops
// heartbeating simply ages out.
type workerInspector struct {
	rdb    *redis.Client
	queue  *taskQueue
	prefix string
}

func NewWorkerInspector(rdb *redis.Client, queue *taskQueue, prefix string) *workerInspector {
	return &workerInspector{rdb: rdb, queue: queue, prefix: prefix + ":workers:"}
}

type heartbeatRecord struct {
	Hostname    string    `json:"hostname"`
	ActiveTasks int       `json:"active_tasks"`
	SeenAt      time.Time `json:"seen_at"`
}

func (w *workerInspector) Heartbeat(ctx context.Context, hostname string, activeTasks int) error {
	rec := heartbeatRecord{Hostname: hostname, ActiveTasks: activeTasks, SeenAt: time.Now()}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return w.rdb.Set(ctx, w.prefix+hostname, data, heartbeatTTL).Err()
}

func (w *workerInspector) Workers(ctx context.Context) ([]adapter.WorkerInfo, error) {
	var (
		out    []adapter.WorkerInfo
		cursor uint64
	)
	for {
		keys, next, err := w.rdb.Scan(ctx, cursor, w.prefix+"*", 100).Result()
		if err != nil {
			return nil, err
		}
		for _, key := range keys {
			raw, err := w.rdb.Get(ctx, key).Result()
			if err != nil {
				// expired between scan and get
				continue
			}
			var rec heartbeatRecord
			if err := json.Unmarshal([]byte(raw), &rec); err != nil {
				continue
			}
			out = append(out, adapter.WorkerInfo{
				Hostname:    rec.Hostname,
				ActiveTasks: rec.ActiveTasks,
				SeenAt:      rec.SeenAt,
			})
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return out, nil
}

func (w *workerInspector) QueueDepth(ctx context.Context) (int64, int64, error) {
	return w.queue.depths(ctx)
}
