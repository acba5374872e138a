package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() {
	register(gatewayLatencyMS, mirrorQueueDepth, mirrorDropsTotal, legacyReconciles)
}

var gatewayLatencyMS = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "gateway_op_latency_ms",
		Help:    "Persistence gateway operation latency in milliseconds.",
		Buckets: []float64{1, 2, 5, 10, 25, 50, 100, 250, 500, 1000},
	},
	[]string{"op"}, // 'fetch', 'update'
)

var mirrorQueueDepth = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "gateway_mirror_queue_depth",
		Help: "Pending best-effort mirror writes to the legacy store.",
	},
)

var mirrorDropsTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "gateway_mirror_drops_total",
		Help: "Mirror writes abandoned after exhausting retries or queue space.",
	},
)

var legacyReconciles = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "gateway_legacy_reconciles_total",
		Help: "Balances reconstructed from the legacy store on first touch.",
	},
)

func ObserveGatewayOp(op string, ms float64) {
	gatewayLatencyMS.WithLabelValues(op).Observe(ms)
}

func SetMirrorQueueDepth(n int) { mirrorQueueDepth.Set(float64(n)) }

func IncMirrorDrop() { mirrorDropsTotal.Inc() }

func IncLegacyReconcile() { legacyReconciles.Inc() }
