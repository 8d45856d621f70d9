package store

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relayer",
		Subsystem: "store",
		Name:      "cache_lookups_total",
		Help:      "Counts status lookups by the layer that answered them.",
	}, []string{"source"})
	PersistenceFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "relayer",
		Subsystem: "store",
		Name:      "persistence_failures_total",
		Help:      "Counts durable writes that failed and were queued for retry.",
	})
	PendingWrites = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "relayer",
		Subsystem: "store",
		Name:      "pending_writes",
		Help:      "Shows the number of transfer writes waiting to be persisted.",
	})
	TransfersByStatus = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relayer",
		Subsystem: "store",
		Name:      "status_transitions_total",
		Help:      "Counts accepted transfer writes by operation and status.",
	}, []string{"operation", "status"})
)
