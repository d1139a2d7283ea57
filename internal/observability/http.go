package observability

import (
	"net/http"

	"github.com/felixge/httpsnoop"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

var requestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "http",
	Name:      "request_duration_seconds",
	Help:      "HTTP request latency by service, method and status class.",
	Buckets:   prometheus.DefBuckets,
}, []string{"service", "method", "code"})

func init() {
	prometheus.MustRegister(requestDuration)
}

// AccessLog logs one line per request and records its latency. Upgraded
// websocket requests are logged when the connection ends.
func AccessLog(service string, logger zerolog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m := httpsnoop.CaptureMetrics(next, w, r)
		requestDuration.WithLabelValues(service, r.Method, statusClass(m.Code)).Observe(m.Duration.Seconds())

		reqLogger := LoggerWithTrace(r.Context(), logger)
		event := reqLogger.Debug()
		if m.Code >= http.StatusInternalServerError {
			event = reqLogger.Warn()
		}
		event.
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", m.Code).
			Int64("bytes", m.Written).
			Dur("duration", m.Duration).
			Msg("request served")
	})
}

func statusClass(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	case code >= 200:
		return "2xx"
	}
	return "1xx"
}
