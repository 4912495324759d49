package telemetry

import (
	"context"
	"log/slog"
	"os"
	"time"

	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"google.golang.org/grpc"
)

// InitTracer configures a global tracer provider with an OTLP gRPC exporter.
// Returns a shutdown function that flushes and closes the exporter.
func InitTracer(ctx context.Context, service string) func(context.Context) error {
	endpoint := otlpEndpoint("")
	exp, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithDialOption(grpc.WithInsecure()),
	)
	if err != nil {
		slog.Warn("otel tracer exporter init failed", "error", err)
		return func(context.Context) error { return nil }
	}
	res, _ := sdkresource.Merge(sdkresource.Default(), sdkresource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(service),
	))
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	slog.Info("otel tracer initialized", "endpoint", endpoint)
	return tp.Shutdown
}

// Metrics holds the engine's common instruments.
type Metrics struct {
	NodeDuration     metric.Float64Histogram
	NodeFailures     metric.Int64Counter
	Cancellations    metric.Int64Counter
	CacheHits        metric.Int64Counter
	CacheMisses      metric.Int64Counter
	ParallelismGauge metric.Int64UpDownCounter
}

// InitMetrics sets up a global meter provider with two readers: an OTLP
// gRPC periodic push exporter, and a Prometheus pull exporter whose handler
// is returned for the caller to mount under /metrics. Returns the common
// instrument set plus a shutdown function.
func InitMetrics(ctx context.Context, service string) (shutdown func(context.Context) error, handler http.Handler, m Metrics) {
	res, _ := sdkresource.Merge(sdkresource.Default(), sdkresource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(service),
		attribute.String("service", service),
	))

	readers := []sdkmetric.Option{sdkmetric.WithResource(res)}

	promExp, err := prometheus.New()
	if err != nil {
		slog.Warn("prometheus exporter init failed", "error", err)
	} else {
		readers = append(readers, sdkmetric.WithReader(promExp))
		handler = promhttp.Handler()
	}

	endpoint := otlpEndpoint("OTEL_EXPORTER_OTLP_METRICS_ENDPOINT")
	ctxInit, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	exp, err := otlpmetricgrpc.New(ctxInit,
		otlpmetricgrpc.WithEndpoint(endpoint),
		otlpmetricgrpc.WithDialOption(grpc.WithInsecure()),
	)
	if err != nil {
		slog.Warn("otel metrics exporter init failed", "error", err)
		if handler == nil {
			return func(context.Context) error { return nil }, nil, newInstruments()
		}
	} else {
		readers = append(readers, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(10*time.Second))))
	}

	mp := sdkmetric.NewMeterProvider(readers...)
	otel.SetMeterProvider(mp)
	slog.Info("otel metrics initialized", "otlp_endpoint", endpoint, "prometheus", handler != nil)
	return mp.Shutdown, handler, newInstruments()
}

func newInstruments() Metrics {
	meter := otel.Meter("wfcore")
	dur, _ := meter.Float64Histogram("wfcore_node_duration_seconds")
	fail, _ := meter.Int64Counter("wfcore_node_failures_total")
	cancel, _ := meter.Int64Counter("wfcore_cancellations_total")
	hits, _ := meter.Int64Counter("wfcore_cache_hits_total")
	miss, _ := meter.Int64Counter("wfcore_cache_misses_total")
	par, _ := meter.Int64UpDownCounter("wfcore_wave_parallelism")
	return Metrics{
		NodeDuration:     dur,
		NodeFailures:     fail,
		Cancellations:    cancel,
		CacheHits:        hits,
		CacheMisses:      miss,
		ParallelismGauge: par,
	}
}

func otlpEndpoint(specificEnv string) string {
	if specificEnv != "" {
		if v := os.Getenv(specificEnv); v != "" {
			return v
		}
	}
	if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		return v
	}
	return "localhost:4317"
}

// WithSpan starts a span under the engine's tracer and returns a context
// plus an end function.
func WithSpan(ctx context.Context, name string) (context.Context, func()) {
	tr := otel.Tracer("wfcore")
	ctx, span := tr.Start(ctx, name)
	return ctx, func() { span.End() }
}

// Flush runs shutdown with a bounded timeout, swallowing errors — used on
// process exit where there is nothing useful to do with a flush failure.
func Flush(ctx context.Context, shutdown func(context.Context) error) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	_ = shutdown(ctx)
}
