package relay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RelayOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relayer",
		Subsystem: "relay",
		Name:      "outcomes_total",
		Help:      "Counts finished relay runs by operation and final step.",
	}, []string{"operation", "status", "step"})
	RelayDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "relayer",
		Subsystem: "relay",
		Name:      "duration_seconds",
		Help:      "Duration of relay runs from start or resume to a terminal status.",
		Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
	}, []string{"operation", "status"})
	InflightRelays = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "relayer",
		Subsystem: "relay",
		Name:      "inflight",
		Help:      "Shows the number of relay runs in progress.",
	})
	RecoverySweeps = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relayer",
		Subsystem: "recovery",
		Name:      "sweeps_total",
		Help:      "Counts pending transfer sweeps by trigger.",
	}, []string{"trigger"})
	RecoveredTransfers = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "relayer",
		Subsystem: "recovery",
		Name:      "resumed_transfers_total",
		Help:      "Counts pending transfers resumed by recovery sweeps.",
	})
)
