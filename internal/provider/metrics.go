package provider

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	messagesSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "provider",
		Name:      "messages_sent_total",
		Help:      "Envelopes handed to the transport by type and whether the transport accepted them.",
	}, []string{"type", "delivered"})

	messagesReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "provider",
		Name:      "messages_received_total",
		Help:      "Inbound envelopes applied by type.",
	}, []string{"type"})

	messagesDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "provider",
		Name:      "messages_dropped_total",
		Help:      "Inbound frames discarded by reason.",
	}, []string{"reason"})

	once sync.Once
)

func init() {
	once.Do(func() {
		prometheus.MustRegister(messagesSent, messagesReceived, messagesDropped)
	})
}
