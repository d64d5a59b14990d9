package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

func init() { register(stageDurationMs, stageFailuresTotal, staleCommitsTotal) }

var stageDurationMs = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "ingestion_stage_duration_ms",
		Help:    "Stage execution latency distribution in milliseconds.",
		Buckets: []float64{50, 100, 250, 500, 1000, 2500, 5000, 15000, 60000, 300000},
	},
	[]string{"stage", "success"},
)

var stageFailuresTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "ingestion_stage_failures_total",
		Help: "Stage failures by stage and error code.",
	},
	[]string{"stage", "code"},
)

var staleCommitsTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "ingestion_stale_commits_total",
		Help: "Stage results discarded by the optimistic concurrency check.",
	},
)

func ObserveStage(stage string, durationMs int64, success bool) {
	stageDurationMs.WithLabelValues(norm(stage), strconv.FormatBool(success)).
		Observe(float64(durationMs))
}

func IncStageFailure(stage, code string) {
	stageFailuresTotal.WithLabelValues(norm(stage), code).Inc()
}

func IncStaleCommit() { staleCommitsTotal.Inc() }
