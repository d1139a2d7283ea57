package history

import "github.com/prometheus/client_golang/prometheus"

var (
	archivedVersions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "history",
		Name:      "archived_versions_total",
		Help:      "Snapshot versions written to object storage.",
	})

	cacheHits = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "history",
		Name:      "cache_hits_total",
		Help:      "Version loads served from the in-memory cache.",
	})
)

func init() {
	prometheus.MustRegister(archivedVersions, cacheHits)
}
