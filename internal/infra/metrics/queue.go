package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() { register(queueDepth, queueProcessing, workersOnline) }

var queueDepth = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "ingestion_queue_depth",
		Help: "Jobs waiting on the dispatch queue.",
	},
)

var queueProcessing = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "ingestion_queue_processing",
		Help: "Jobs claimed but not yet acked.",
	},
)

var workersOnline = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "ingestion_workers_online",
		Help: "Workers with a live heartbeat.",
	},
)

func SetQueueDepth(queued, processing int64) {
	queueDepth.Set(float64(queued))
	queueProcessing.Set(float64(processing))
}

func SetWorkersOnline(n int) { workersOnline.Set(float64(n)) }
