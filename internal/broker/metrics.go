package broker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	activeGenerations = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "relay",
			Subsystem: "broker",
			Name:      "active_generations",
			Help:      "Generations currently streaming.",
		},
	)

	generationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relay",
			Subsystem: "broker",
			Name:      "generations_total",
			Help:      "Finished generations by final message status.",
		},
		[]string{"status"},
	)

	subscriberOverflowsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "relay",
			Subsystem: "broker",
			Name:      "subscriber_overflows_total",
			Help:      "Subscribers disconnected for falling behind.",
		},
	)

	beginConflictsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "relay",
			Subsystem: "broker",
			Name:      "begin_conflicts_total",
			Help:      "Begin calls rejected because a generation was already active.",
		},
	)
)
