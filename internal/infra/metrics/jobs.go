package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() { register(jobsFinishedTotal, jobsRetriedTotal, jobsCanceledTotal) }

var jobsFinishedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "ingestion_jobs_finished_total",
		Help: "Jobs reaching a terminal status, labeled by status.",
	},
	[]string{"status"}, // succeeded|failed|canceled|quarantined
)

var jobsRetriedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "ingestion_jobs_retried_total",
		Help: "Pipeline attempts restarted after a retryable stage failure.",
	},
)

var jobsCanceledTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "ingestion_jobs_cancel_requests_total",
		Help: "Cancel requests accepted by the ledger.",
	},
)

func IncJobFinished(status string) {
	jobsFinishedTotal.WithLabelValues(norm(status)).Inc()
}

func IncJobRetried()  { jobsRetriedTotal.Inc() }
func IncJobCanceled() { jobsCanceledTotal.Inc() }
