package snapshot

import "github.com/prometheus/client_golang/prometheus"

var snapshotsConsumed = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "snapshot",
	Name:      "consumed_total",
	Help:      "Snapshot messages handled by outcome.",
}, []string{"outcome"})

func init() {
	prometheus.MustRegister(snapshotsConsumed)
}
