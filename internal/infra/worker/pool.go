package worker

import (
	"context"
	"errors"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"document-refinery/internal/config"
	"document-refinery/internal/domain"
	"document-refinery/internal/domain/ports/adapter"
	"document-refinery/internal/infra/metrics"
	"document-refinery/internal/usecase"
)

const (
	heartbeatEvery = 5 * time.Second
	reapBatch      = 100
)

// Pool runs claim loops against the task queue: each worker goroutine blocks
// on a claim, drives one pipeline attempt, and acks only when the attempt
// returned cleanly. A background ticker heartbeats liveness and requeues
// processing entries abandoned by crashed workers.
type Pool struct {
	wg   sync.WaitGroup
	quit chan struct{}

	pipeline  usecase.PipelineUseCase
	queue     adapter.TaskQueue
	inspector adapter.WorkerInspector

	workers      int
	claimTimeout time.Duration
	reapInterval time.Duration
	hostname     string
	active       atomic.Int64

	log *zerolog.Logger
}

func NewPool(
	pipeline usecase.PipelineUseCase,
	queue adapter.TaskQueue,
	inspector adapter.WorkerInspector,
	cfg config.PipelineConfig,
	logger *zerolog.Logger,
) *Pool {
	workers := cfg.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	claimTimeout := cfg.ClaimTimeout
	if claimTimeout <= 0 {
		claimTimeout = 5 * time.Second
	}
	reapInterval := cfg.ReapInterval
	if reapInterval <= 0 {
		reapInterval = time.Minute
	}
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "worker-" + ulid.Make().String()
	}
	return &Pool{
		quit:         make(chan struct{}),
		pipeline:     pipeline,
		queue:        queue,
		inspector:    inspector,
		workers:      workers,
		claimTimeout: claimTimeout,
		reapInterval: reapInterval,
		hostname:     hostname,
		log:          logger,
	}
}

func (p *Pool) Hostname() string { return p.hostname }

// Start launches the claim loops and the housekeeping ticker.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.claimLoop(ctx)
		}()
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.housekeeping(ctx)
	}()
	p.log.Info().Int("workers", p.workers).Str("hostname", p.hostname).Msg("worker pool started")
}

// Stop signals the loops and waits for in-flight attempts to finish.
func (p *Pool) Stop() {
	close(p.quit)
	p.wg.Wait()
	p.log.Info().Msg("worker pool stopped")
}

func (p *Pool) claimLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.quit:
			return
		default:
		}

		jobID, err := p.queue.ClaimBlocking(ctx, p.claimTimeout)
		if err != nil {
			if errors.Is(err, domain.ErrNoTask) || errors.Is(err, context.Canceled) {
				continue
			}
			p.log.Error().Err(err).Msg("queue claim failed")
			continue
		}

		p.active.Add(1)
		p.runOne(ctx, jobID)
		p.active.Add(-1)
	}
}

func (p *Pool) runOne(ctx context.Context, jobID string) {
	taskID := ulid.Make().String()
	if err := p.pipeline.Run(ctx, jobID, taskID); err != nil {
		// leave the claim on the processing list but give up its lease, so
		// the reaper redelivers it without waiting out the full lease
		p.log.Error().Err(err).Str("job_id", jobID).Str("task_id", taskID).Msg("pipeline attempt failed, claim not acked")
		if rerr := p.queue.Release(ctx, jobID); rerr != nil {
			p.log.Warn().Err(rerr).Str("job_id", jobID).Msg("lease release failed")
		}
		return
	}
	if err := p.queue.Ack(ctx, jobID); err != nil {
		p.log.Warn().Err(err).Str("job_id", jobID).Msg("ack failed")
	}
}

func (p *Pool) housekeeping(ctx context.Context) {
	heartbeat := time.NewTicker(heartbeatEvery)
	defer heartbeat.Stop()
	reap := time.NewTicker(p.reapInterval)
	defer reap.Stop()

	p.beat(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.quit:
			return
		case <-heartbeat.C:
			p.beat(ctx)
		case <-reap.C:
			n, err := p.queue.RequeueStale(ctx, reapBatch)
			if err != nil {
				p.log.Error().Err(err).Msg("requeue stale failed")
				continue
			}
			if n > 0 {
				p.log.Warn().Int64("requeued", n).Msg("recovered abandoned claims")
			}
		}
	}
}

func (p *Pool) beat(ctx context.Context) {
	if err := p.inspector.Heartbeat(ctx, p.hostname, int(p.active.Load())); err != nil {
		p.log.Warn().Err(err).Msg("heartbeat failed")
	}
	queued, processing, err := p.inspector.QueueDepth(ctx)
	if err == nil {
		metrics.SetQueueDepth(queued, processing)
	}
	if workers, err := p.inspector.Workers(ctx); err == nil {
		metrics.SetWorkersOnline(len(workers))
	}
}
