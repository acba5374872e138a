package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() {
	register(messagesTotal, processLatencyMS, duplicateDrops)
}

var messagesTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "pipeline_messages_total",
		Help: "Bus messages handled, labeled by topic and outcome.",
	},
	[]string{"topic", "outcome"}, // 'ack', 'nack', 'poison'
)

var processLatencyMS = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "pipeline_process_latency_ms",
		Help:    "End-to-end processing latency per message in milliseconds.",
		Buckets: []float64{5, 10, 25, 50, 100, 200, 400, 800, 1600, 3000, 5000},
	},
	[]string{"topic"},
)

var duplicateDrops = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "pipeline_duplicate_drops_total",
		Help: "Messages acked by the change-log before reaching an actor.",
	},
)

func IncMessage(topic, outcome string) {
	messagesTotal.WithLabelValues(topic, outcome).Inc()
}

func ObserveProcessLatency(topic string, ms float64) {
	processLatencyMS.WithLabelValues(topic).Observe(ms)
}

func IncDuplicateDrop() { duplicateDrops.Inc() }
