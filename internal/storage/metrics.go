package storage

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
)

var (
	queryLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "documents",
		Name:      "query_seconds",
		Help:      "Latency of document store statements by operation and outcome.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
	}, []string{"op", "outcome"})

	queryRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "documents",
		Name:      "query_retries_total",
		Help:      "Statements retried after a transient Postgres failure.",
	})

	snapshotBytes = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "documents",
		Name:      "snapshot_bytes_total",
		Help:      "Bytes of snapshot content persisted.",
	})

	tracer = otel.Tracer("github.com/example/doclet/internal/storage")
)

func init() {
	prometheus.MustRegister(queryLatency, queryRetries, snapshotBytes)
}

func observe(op string, start time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	queryLatency.WithLabelValues(op, outcome).Observe(time.Since(start).Seconds())
}
