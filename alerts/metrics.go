package alerts

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	AlertStuckTransfer = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "alert",
		Subsystem: "relayer",
		Name:      "stuck_transfer",
		Help:      "Shows transfers that are still pending after the configured threshold, value is the age in seconds.",
	}, []string{"operation", "job_id", "source_tx_hash", "status", "step"})
	AlertFailedTransfer = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "alert",
		Subsystem: "relayer",
		Name:      "failed_transfer",
		Help:      "Shows transfers that failed within the configured threshold and wait for manual remediation.",
	}, []string{"operation", "job_id", "source_tx_hash", "step", "attempts"})
	AlertUnconfirmedSubmission = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "alert",
		Subsystem: "relayer",
		Name:      "unconfirmed_submission",
		Help:      "Shows destination transactions that were sent but not confirmed after the configured threshold.",
	}, []string{"operation", "job_id", "dest_chain", "submitted_tx_hash"})
)
