package relay

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	relayedMessages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relay",
		Name:      "messages_total",
		Help:      "Envelopes handled by the relay by type and action.",
	}, []string{"type", "action"})

	relayFanout = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "relay",
		Name:      "fanout_recipients",
		Help:      "Local recipients per relayed envelope.",
		Buckets:   []float64{0, 1, 2, 4, 8, 16, 32, 64},
	}, []string{"type"})

	publishFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relay",
		Name:      "publish_failures_total",
		Help:      "Envelopes that could not be handed to the cross-instance bus.",
	}, []string{"type"})

	once sync.Once
)

func init() {
	once.Do(func() {
		prometheus.MustRegister(relayedMessages, relayFanout, publishFailures)
	})
}
