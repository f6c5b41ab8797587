package incidents

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "incidentengine"

var (
	mutationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "incidents",
			Name:      "mutations_total",
			Help:      "Incident mutations by operation and error kind",
		},
		[]string{"operation", "result"},
	)

	integrityViolations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "incidents",
			Name:      "integrity_violations_total",
			Help:      "Event log integrity violations. Any increase needs investigation.",
		},
		[]string{"source"},
	)

	replaysTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "incidents",
			Name:      "replays_total",
			Help:      "Replay runs by result",
		},
		[]string{"result"},
	)
)

func recordMutation(operation string, err error) {
	result := "success"
	if err != nil {
		result = KindOf(err).String()
	}
	mutationsTotal.WithLabelValues(operation, result).Inc()
}
