package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() { register(webhookDeliveriesTotal, webhookSendLatencyMs) }

var webhookDeliveriesTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "webhook_deliveries_total",
		Help: "Webhook delivery attempts by outcome (delivered/retrying/failed).",
	},
	[]string{"outcome"},
)

var webhookSendLatencyMs = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "webhook_send_latency_ms",
		Help:    "Outbound webhook request latency in milliseconds.",
		Buckets: []float64{10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
	},
)

func IncWebhookDelivery(outcome string) {
	webhookDeliveriesTotal.WithLabelValues(norm(outcome)).Inc()
}

func ObserveWebhookSend(latencyMs int64) {
	webhookSendLatencyMs.Observe(float64(latencyMs))
}
