package reconcile

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	pushTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_sync_push_total",
		Help: "PendingOps processed by outcome (acked, retried, deferred, failed, conflict).",
	}, []string{"outcome"})

	pullRecordsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_sync_pull_records_total",
		Help: "Remote records seen by the pull loop by outcome.",
	}, []string{"entity_type", "outcome"})

	conflictsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_sync_conflicts_total",
		Help: "Resolved conflicts by winning side.",
	}, []string{"winner"})

	feedReconnectsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_sync_feed_reconnects_total",
		Help: "Realtime feed resubscriptions after a drop.",
	})
)
