package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() {
	register(actorsLive, actorSpawnsTotal, actorStopsTotal, actorExpiryFires)
}

var actorsLive = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "actors_live",
		Help: "Number of user actors currently running on this node.",
	},
)

var actorSpawnsTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "actor_spawns_total",
		Help: "Total user actors spawned on this node.",
	},
)

var actorStopsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "actor_stops_total",
		Help: "Total user actors stopped, labeled by reason.",
	},
	[]string{"reason"}, // 'idle', 'conflict', 'shutdown'
)

var actorExpiryFires = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "actor_expiry_fires_total",
		Help: "Total expiration timer firings handled by actors.",
	},
)

func IncActorSpawn() {
	actorSpawnsTotal.Inc()
	actorsLive.Inc()
}

func IncActorStop(reason string) {
	actorStopsTotal.WithLabelValues(reason).Inc()
	actorsLive.Dec()
}

func IncExpiryFire() { actorExpiryFires.Inc() }
