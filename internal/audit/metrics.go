package audit

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "incidentengine"

var (
	factsEnqueued = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "audit",
			Name:      "facts_enqueued_total",
			Help:      "Facts accepted into the audit queue",
		},
	)

	factsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "audit",
			Name:      "dropped_total",
			Help:      "Facts dropped because the audit queue was full or closed",
		},
	)

	publishTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "audit",
			Name:      "publish_total",
			Help:      "Publish attempts by result",
		},
		[]string{"result"},
	)

	publishDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "audit",
			Name:      "publish_duration_seconds",
			Help:      "Time spent publishing one fact",
			Buckets:   prometheus.DefBuckets,
		},
	)

	queueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "audit",
			Name:      "queue_depth",
			Help:      "Facts waiting to be published",
		},
	)
)
