package ws

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
)

// Document ids are unbounded, so gateway collectors stay process-wide.
var (
	gatewayUpgradeLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "doclet",
		Subsystem: "gateway",
		Name:      "upgrade_seconds",
		Help:      "Time spent upgrading session requests to websockets.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
	})

	gatewayRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "doclet",
		Subsystem: "gateway",
		Name:      "rejected_total",
		Help:      "Session requests refused before or during the upgrade.",
	}, []string{"reason"})

	gatewayConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "doclet",
		Subsystem: "gateway",
		Name:      "connections",
		Help:      "Open sessions on this instance.",
	})

	gatewayDocuments = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "doclet",
		Subsystem: "gateway",
		Name:      "documents",
		Help:      "Documents with at least one open session on this instance.",
	})

	gatewayBackpressureCloses = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "doclet",
		Subsystem: "gateway",
		Name:      "backpressure_closes_total",
		Help:      "Sessions closed because their send buffer filled up.",
	})

	gatewayMessages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "doclet",
		Subsystem: "gateway",
		Name:      "messages_total",
		Help:      "Inbound frames by envelope type and outcome.",
	}, []string{"type", "outcome"})

	once sync.Once
)

func init() {
	once.Do(func() {
		prometheus.MustRegister(
			gatewayUpgradeLatency,
			gatewayRejected,
			gatewayConnections,
			gatewayDocuments,
			gatewayBackpressureCloses,
			gatewayMessages,
		)
	})
}

var tracer = otel.Tracer("github.com/example/doclet/internal/ws")
