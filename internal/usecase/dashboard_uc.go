package usecase

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"document-refinery/internal/domain/model"
	"document-refinery/internal/domain/ports/adapter"
	"document-refinery/internal/domain/ports/repository"

	"github.com/rs/zerolog"
)

// Compile-time check
var _ DashboardUseCase = (*dashboardUC)(nil)

// DashboardSummary is the tenant-scoped aggregate view for operational
// dashboards: counts only, sanitized failures, no cross-tenant detail.
type DashboardSummary struct {
	Jobs           map[model.JobStatus]int     `json:"jobs"`
	StagesRunning  map[model.JobStage]int      `json:"stages_running"`
	Durations      DurationStats               `json:"durations_ms"`
	RecentFailures []repository.FailureSummary `json:"recent_failures"`
	Throughput     Throughput                  `json:"throughput"`
}

type DurationStats struct {
	Avg24h   *int64 `json:"avg_24h"`
	P5024h   *int64 `json:"p50_24h"`
	P9524h   *int64 `json:"p95_24h"`
	Total24h int64  `json:"total_24h"`
}

type Throughput struct {
	Jobs24h int `json:"jobs_24h"`
	Jobs7d  int `json:"jobs_7d"`
}

type WorkerSnapshot struct {
	WorkersOnline int                  `json:"workers_online"`
	Workers       []adapter.WorkerInfo `json:"workers"`
	QueueDepth    int64                `json:"queue_depth"`
	Processing    int64                `json:"processing"`
}

type DashboardUseCase interface {
	Summary(ctx context.Context, tenantID string) (*DashboardSummary, error)
	Workers(ctx context.Context) (*WorkerSnapshot, error)
}

type dashboardUC struct {
	jobs      repository.JobRepository
	inspector adapter.WorkerInspector

	// cached worker snapshot; introspection degrades to stale-but-available
	// instead of blocking dashboard reads.
	cacheTTL time.Duration
	mu       sync.Mutex
	cached   *WorkerSnapshot
	cachedAt time.Time

	log *zerolog.Logger
}

func NewDashboardUseCase(jobs repository.JobRepository, inspector adapter.WorkerInspector, cacheTTL time.Duration, logger *zerolog.Logger) *dashboardUC {
	if cacheTTL <= 0 {
		cacheTTL = 5 * time.Second
	}
	return &dashboardUC{jobs: jobs, inspector: inspector, cacheTTL: cacheTTL, log: logger}
}

func (d *dashboardUC) Summary(ctx context.Context, tenantID string) (*DashboardSummary, error) {
	byStatus, err := d.jobs.CountByStatus(ctx, repository.NoTX, tenantID)
	if err != nil {
		return nil, err
	}
	byStage, err := d.jobs.CountRunningByStage(ctx, repository.NoTX, tenantID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	durations, err := d.jobs.DurationsSince(ctx, repository.NoTX, tenantID, now.Add(-24*time.Hour))
	if err != nil {
		return nil, err
	}
	failures, err := d.jobs.RecentFailures(ctx, repository.NoTX, tenantID, 10)
	if err != nil {
		return nil, err
	}
	jobs24h, err := d.jobs.CountCreatedSince(ctx, repository.NoTX, tenantID, now.Add(-24*time.Hour))
	if err != nil {
		return nil, err
	}
	jobs7d, err := d.jobs.CountCreatedSince(ctx, repository.NoTX, tenantID, now.Add(-7*24*time.Hour))
	if err != nil {
		return nil, err
	}

	return &DashboardSummary{
		Jobs:          byStatus,
		StagesRunning: byStage,
		Durations: DurationStats{
			Avg24h:   avg(durations),
			P5024h:   percentile(durations, 0.50),
			P9524h:   percentile(durations, 0.95),
			Total24h: sum(durations),
		},
		RecentFailures: failures,
		Throughput:     Throughput{Jobs24h: jobs24h, Jobs7d: jobs7d},
	}, nil
}

// Workers polls the queue backend with a short timeout and serves the last
// good snapshot when the backend is slow or down.
func (d *dashboardUC) Workers(ctx context.Context) (*WorkerSnapshot, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cached != nil && time.Since(d.cachedAt) < d.cacheTTL {
		return d.cached, nil
	}

	pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	workers, werr := d.inspector.Workers(pctx)
	queued, processing, qerr := d.inspector.QueueDepth(pctx)
	if werr != nil || qerr != nil {
		if d.cached != nil {
			d.log.Warn().AnErr("workers", werr).AnErr("queue", qerr).Msg("introspection degraded to stale snapshot")
			return d.cached, nil
		}
		if werr != nil {
			return nil, werr
		}
		return nil, qerr
	}

	snap := &WorkerSnapshot{
		WorkersOnline: len(workers),
		Workers:       workers,
		QueueDepth:    queued,
		Processing:    processing,
	}
	d.cached = snap
	d.cachedAt = time.Now()
	return snap, nil
}

func percentile(values []int64, pct float64) *int64 {
	if len(values) == 0 {
		return nil
	}
	sorted := append([]int64(nil), values...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	k := int(math.Ceil(pct*float64(len(sorted)))) - 1
	if k < 0 {
		k = 0
	}
	if k >= len(sorted) {
		k = len(sorted) - 1
	}
	return &sorted[k]
}

func avg(values []int64) *int64 {
	if len(values) == 0 {
		return nil
	}
	a := sum(values) / int64(len(values))
	return &a
}

func sum(values []int64) int64 {
	var t int64
	for _, v := range values {
		t += v
	}
	return t
}
