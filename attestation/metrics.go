package attestation

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relayer",
		Subsystem: "attestation",
		Name:      "request_results_total",
	}, []string{"result"})

	RequestDurations = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "relayer",
		Subsystem: "attestation",
		Name:      "request_duration_seconds",
		Buckets:   []float64{0.05, 0.1, 0.2, 0.5, 1, 2, 5, 10},
	})
)

func ObserveResult(result string) {
	RequestResults.WithLabelValues(result).Inc()
}

func ObserveDuration() func() time.Duration {
	return prometheus.NewTimer(RequestDurations).ObserveDuration
}
