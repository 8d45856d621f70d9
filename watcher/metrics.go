package watcher

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	LatestHeadBlock = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "relayer",
		Subsystem: "trigger",
		Name:      "latest_head_block",
		Help:      "Shows the latest confirmed head block seen by the trigger scanner of the particular operation.",
	}, []string{"operation", "chain_id", "address"})
	LatestProcessedBlock = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "relayer",
		Subsystem: "trigger",
		Name:      "latest_processed_block",
		Help:      "Shows the latest block whose trigger events were already turned into transfers.",
	}, []string{"operation", "chain_id", "address"})
	TriggeredTransfers = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relayer",
		Subsystem: "trigger",
		Name:      "triggered_transfers_total",
		Help:      "Counts trigger events by claim result.",
	}, []string{"operation", "result"})
	EventSearches = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relayer",
		Subsystem: "watcher",
		Name:      "event_searches_total",
		Help:      "Counts authorizing event searches by outcome.",
	}, []string{"operation", "outcome"})
)
