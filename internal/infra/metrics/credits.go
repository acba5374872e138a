package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() {
	register(creditsGrantedMS, creditsDeductedMS, creditsExpiredMS, deductRemainderTotal)
}

var creditsGrantedMS = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "credits_granted_ms_total",
		Help: "Milliseconds of credit granted, labeled by bucket.",
	},
	[]string{"bucket"},
)

var creditsDeductedMS = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "credits_deducted_ms_total",
		Help: "Milliseconds of credit deducted, labeled by bucket.",
	},
	[]string{"bucket"},
)

var creditsExpiredMS = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "credits_expired_ms_total",
		Help: "Milliseconds of credit dropped by tranche expiry.",
	},
)

var deductRemainderTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "credits_deduct_remainder_total",
		Help: "Count of deductions that could not be fully covered.",
	},
)

func AddGranted(bucket string, ms int64) {
	if ms > 0 {
		creditsGrantedMS.WithLabelValues(bucket).Add(float64(ms))
	}
}

func AddDeducted(bucket string, ms int64) {
	if ms > 0 {
		creditsDeductedMS.WithLabelValues(bucket).Add(float64(ms))
	}
}

func AddExpired(ms int64) {
	if ms > 0 {
		creditsExpiredMS.Add(float64(ms))
	}
}

func IncDeductRemainder() { deductRemainderTotal.Inc() }
