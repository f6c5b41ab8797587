package idempotency

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "incidentengine"

var (
	claimsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "idempotency",
			Name:      "claims_total",
			Help:      "Idempotency claims by outcome",
		},
		[]string{"outcome"},
	)

	settleFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "idempotency",
			Name:      "settle_failures_total",
			Help:      "Complete or release writes that failed after all retries",
		},
		[]string{"operation"},
	)

	pollWaitDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "idempotency",
			Name:      "poll_wait_seconds",
			Help:      "Time spent waiting for an in-progress request to complete",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
	)
)

func recordClaim(outcome string) {
	claimsTotal.WithLabelValues(outcome).Inc()
}

func recordPollWait(d time.Duration) {
	pollWaitDuration.Observe(d.Seconds())
}

func recordSettleFailure(op string) {
	settleFailuresTotal.WithLabelValues(op).Inc()
}
