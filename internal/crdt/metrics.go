package crdt

import "github.com/prometheus/client_golang/prometheus"

var (
	applyLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "crdt",
		Name:      "apply_update_seconds",
		Help:      "Time spent merging remote updates into a replica.",
		Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 14),
	})

	applyFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "crdt",
		Name:      "apply_update_failures_total",
		Help:      "Updates rejected by the replica as malformed.",
	})

	updateBytes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "crdt",
		Name:      "update_bytes_total",
		Help:      "Bytes of updates applied to replicas by origin.",
	}, []string{"origin"})
)

func init() {
	prometheus.MustRegister(applyLatency, applyFailures, updateBytes)
}
