package observability

import (
	"context"
	"errors"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

// Config controls telemetry exporters and listeners. Empty addresses leave the
// matching exporter off.
type Config struct {
	ServiceName  string
	Role         string
	InstanceID   string
	MetricsAddr  string
	OTLPEndpoint string
	// SampleRatio is the fraction of root spans kept; zero keeps all.
	SampleRatio float64
	// Ready backs /readyz on the metrics listener. Nil reports ready.
	Ready func(context.Context) error
}

// Telemetry owns the metrics listener and tracer provider of one binary.
type Telemetry struct {
	metrics *http.Server
	tracer  *sdktrace.TracerProvider
}

// Start serves /metrics and /readyz and installs the OTLP tracer provider.
func Start(ctx context.Context, cfg Config, logger zerolog.Logger) (*Telemetry, error) {
	t := &Telemetry{}

	if cfg.OTLPEndpoint != "" {
		exporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint), otlptracegrpc.WithInsecure())
		if err != nil {
			return nil, err
		}
		ratio := cfg.SampleRatio
		if ratio <= 0 || ratio > 1 {
			ratio = 1
		}
		t.tracer = sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exporter),
			sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))),
			sdktrace.WithResource(resource.NewWithAttributes(
				semconv.SchemaURL,
				semconv.ServiceName(cfg.ServiceName),
				attribute.String("doclet.role", cfg.Role),
				attribute.String("doclet.instance", cfg.InstanceID),
			)),
		)
		otel.SetTracerProvider(t.tracer)
		logger.Info().Str("endpoint", cfg.OTLPEndpoint).Float64("sample_ratio", ratio).Msg("otlp tracing enabled")
	}

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.Handle("/readyz", readyHandler(cfg.Ready))
		t.metrics = &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := t.metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error().Err(err).Msg("metrics server failed")
			}
		}()
		logger.Info().Str("addr", cfg.MetricsAddr).Msg("metrics server started")
	}

	return t, nil
}

// Shutdown stops the metrics listener and flushes pending spans.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil {
		return nil
	}
	if t.metrics != nil {
		_ = t.metrics.Shutdown(ctx)
	}
	if t.tracer != nil {
		return t.tracer.Shutdown(ctx)
	}
	return nil
}

func readyHandler(ready func(context.Context) error) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ready != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := ready(ctx); err != nil {
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
}

// LoggerWithTrace adds trace and span ids to logger when ctx carries a
// sampled span.
func LoggerWithTrace(ctx context.Context, logger zerolog.Logger) zerolog.Logger {
	spanCtx := trace.SpanContextFromContext(ctx)
	if !spanCtx.IsValid() {
		return logger
	}
	return logger.With().
		Str("trace_id", spanCtx.TraceID().String()).
		Str("span_id", spanCtx.SpanID().String()).
		Logger()
}

var runtimeOnce sync.Once

// RegisterRuntimeCollectors exposes goroutine count, last GC pause and heap
// size. Repeated calls are no-ops.
func RegisterRuntimeCollectors() {
	runtimeOnce.Do(func() {
		prometheus.MustRegister(
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: "doclet",
				Subsystem: "runtime",
				Name:      "goroutines",
				Help:      "Goroutines in the process.",
			}, func() float64 { return float64(runtime.NumGoroutine()) }),
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: "doclet",
				Subsystem: "runtime",
				Name:      "last_gc_pause_seconds",
				Help:      "Duration of the most recent GC pause.",
			}, func() float64 {
				stats := readMemStats()
				return float64(stats.PauseNs[(stats.NumGC+255)%256]) / float64(time.Second)
			}),
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: "doclet",
				Subsystem: "runtime",
				Name:      "heap_alloc_bytes",
				Help:      "Bytes of allocated heap objects.",
			}, func() float64 { return float64(readMemStats().HeapAlloc) }),
		)
	})
}

func readMemStats() runtime.MemStats {
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)
	return stats
}
