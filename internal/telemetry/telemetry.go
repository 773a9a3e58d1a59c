package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	otelruntime "go.opentelemetry.io/contrib/instrumentation/runtime"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Telemetry owns the meter and tracer providers of the updater. A nil or
// disabled *Telemetry is valid and records nothing.
type Telemetry struct {
	meterProvider  *sdkmetric.MeterProvider
	tracerProvider *sdktrace.TracerProvider
	tracer         trace.Tracer
	registry       *prometheus.Registry

	http     httpInstruments
	pipeline pipelineInstruments
	deps     dependencyInstruments
}

type httpInstruments struct {
	requests metric.Int64Counter
	duration metric.Float64Histogram
	inFlight metric.Int64UpDownCounter
}

type pipelineInstruments struct {
	starts   metric.Int64Counter
	runs     metric.Int64Counter
	active   metric.Int64UpDownCounter
	duration metric.Float64Histogram
	bytes    metric.Int64Counter
	installs metric.Int64Counter
}

type dependencyInstruments struct {
	clientCalls  metric.Int64Counter
	clientErrors metric.Int64Counter
	dbCalls      metric.Int64Counter
	dbDuration   metric.Float64Histogram
}

type Config struct {
	Enabled        bool
	ServiceName    string
	ServiceVersion string
	// OTLPEndpoint, when set, additionally pushes metrics over OTLP/gRPC.
	OTLPEndpoint string
}

// New sets up the providers and registers the updater's instruments on a
// private Prometheus registry served by Handler.
func New(ctx context.Context, cfg Config) (*Telemetry, error) {
	if !cfg.Enabled {
		return &Telemetry{tracer: noop.NewTracerProvider().Tracer(cfg.ServiceName)}, nil
	}

	registry := prometheus.NewRegistry()

	promExporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	readers := []sdkmetric.Option{sdkmetric.WithReader(promExporter)}

	if cfg.OTLPEndpoint != "" {
		otlpExporter, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlpmetricgrpc.WithInsecure(),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create otlp exporter: %w", err)
		}

		readers = append(readers, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(otlpExporter)))
	}

	mp := sdkmetric.NewMeterProvider(readers...)
	tp := sdktrace.NewTracerProvider()

	otel.SetMeterProvider(mp)
	otel.SetTracerProvider(tp)

	if err := otelruntime.Start(otelruntime.WithMeterProvider(mp)); err != nil {
		return nil, fmt.Errorf("failed to start runtime instrumentation: %w", err)
	}

	t := &Telemetry{
		meterProvider:  mp,
		tracerProvider: tp,
		tracer:         tp.Tracer(cfg.ServiceName),
		registry:       registry,
	}

	b := &instrumentBuilder{meter: mp.Meter(cfg.ServiceName, metric.WithInstrumentationVersion(cfg.ServiceVersion))}

	t.http = httpInstruments{
		requests: b.counter("http_requests_total", "HTTP requests served", "1"),
		duration: b.histogram("http_request_duration_seconds", "HTTP request latency", "s"),
		inFlight: b.gauge("http_requests_in_flight", "HTTP requests being served", "1"),
	}

	t.pipeline = pipelineInstruments{
		starts:   b.counter("pipeline_starts_total", "Start requests received by the download pipeline", "1"),
		runs:     b.counter("downloads_total", "Finished pipeline runs by outcome", "1"),
		active:   b.gauge("downloads_active", "Pipeline runs in progress", "1"),
		duration: b.histogram("download_duration_seconds", "Pipeline run duration", "s"),
		bytes:    b.counter("downloaded_bytes_total", "Bytes written to disk by build downloads", "By"),
		installs: b.counter("installs_total", "Install handoffs of downloaded builds", "1"),
	}

	t.deps = dependencyInstruments{
		clientCalls:  b.counter("client_operations_total", "Calls to the distribution API", "1"),
		clientErrors: b.counter("client_errors_total", "Failed calls to the distribution API", "1"),
		dbCalls:      b.counter("db_operations_total", "Download history queries", "1"),
		dbDuration:   b.histogram("db_operation_duration_seconds", "Download history query latency", "s"),
	}

	if b.err != nil {
		return nil, fmt.Errorf("failed to initialize metrics: %w", b.err)
	}

	return t, nil
}

// instrumentBuilder keeps the first creation error so instruments can be
// declared in one block.
type instrumentBuilder struct {
	meter metric.Meter
	err   error
}

func (b *instrumentBuilder) counter(name, desc, unit string) metric.Int64Counter {
	c, err := b.meter.Int64Counter(name, metric.WithDescription(desc), metric.WithUnit(unit))
	b.keep(name, err)

	return c
}

func (b *instrumentBuilder) gauge(name, desc, unit string) metric.Int64UpDownCounter {
	c, err := b.meter.Int64UpDownCounter(name, metric.WithDescription(desc), metric.WithUnit(unit))
	b.keep(name, err)

	return c
}

func (b *instrumentBuilder) histogram(name, desc, unit string) metric.Float64Histogram {
	h, err := b.meter.Float64Histogram(name, metric.WithDescription(desc), metric.WithUnit(unit))
	b.keep(name, err)

	return h
}

func (b *instrumentBuilder) keep(name string, err error) {
	if err != nil && b.err == nil {
		b.err = fmt.Errorf("create %s: %w", name, err)
	}
}

func (t *Telemetry) enabled() bool {
	return t != nil && t.meterProvider != nil
}

func (t *Telemetry) Tracer() trace.Tracer {
	if t == nil || t.tracer == nil {
		return noop.NewTracerProvider().Tracer("")
	}

	return t.tracer
}

// RecordHTTPRequest counts a served request. path must be a route pattern,
// never a raw URL.
func (t *Telemetry) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	if !t.enabled() {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("path", path),
		attribute.String("status", status),
	)

	t.http.requests.Add(context.Background(), 1, attrs)
	t.http.duration.Record(context.Background(), duration.Seconds(), attrs)
}

func (t *Telemetry) IncrementHTTPInFlight() {
	if t.enabled() {
		t.http.inFlight.Add(context.Background(), 1)
	}
}

func (t *Telemetry) DecrementHTTPInFlight() {
	if t.enabled() {
		t.http.inFlight.Add(context.Background(), -1)
	}
}

// RecordPipelineStart counts start requests; accepted is false when a
// download was already in progress.
func (t *Telemetry) RecordPipelineStart(accepted bool) {
	if t.enabled() {
		t.pipeline.starts.Add(context.Background(), 1, metric.WithAttributes(attribute.Bool("accepted", accepted)))
	}
}

// RecordDownload records the outcome of one pipeline run.
func (t *Telemetry) RecordDownload(status string, duration time.Duration) {
	if !t.enabled() {
		return
	}

	attrs := metric.WithAttributes(attribute.String("status", status))

	t.pipeline.runs.Add(context.Background(), 1, attrs)
	t.pipeline.duration.Record(context.Background(), duration.Seconds(), attrs)
}

func (t *Telemetry) AddDownloadedBytes(n int64) {
	if t.enabled() && n > 0 {
		t.pipeline.bytes.Add(context.Background(), n)
	}
}

func (t *Telemetry) RecordInstall(status string) {
	if t.enabled() {
		t.pipeline.installs.Add(context.Background(), 1, metric.WithAttributes(attribute.String("status", status)))
	}
}

func (t *Telemetry) IncrementActiveDownloads() {
	if t.enabled() {
		t.pipeline.active.Add(context.Background(), 1)
	}
}

func (t *Telemetry) DecrementActiveDownloads() {
	if t.enabled() {
		t.pipeline.active.Add(context.Background(), -1)
	}
}

// RecordClientOperation counts a distribution API call; failures are also
// counted separately.
func (t *Telemetry) RecordClientOperation(client, operation, status string) {
	if !t.enabled() {
		return
	}

	t.deps.clientCalls.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("client", client),
		attribute.String("operation", operation),
		attribute.String("status", status),
	))

	if status == "error" {
		t.deps.clientErrors.Add(context.Background(), 1, metric.WithAttributes(
			attribute.String("client", client),
			attribute.String("operation", operation),
		))
	}
}

func (t *Telemetry) RecordDBOperation(operation, status string, duration time.Duration) {
	if !t.enabled() {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("status", status),
	)

	t.deps.dbCalls.Add(context.Background(), 1, attrs)
	t.deps.dbDuration.Record(context.Background(), duration.Seconds(), attrs)
}

// Handler serves the Prometheus exposition, or 404 when telemetry is off.
func (t *Telemetry) Handler() http.Handler {
	if t == nil || t.registry == nil {
		return http.NotFoundHandler()
	}

	return promhttp.HandlerFor(t.registry, promhttp.HandlerOpts{})
}

// Shutdown flushes and stops the providers.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil {
		return nil
	}

	var errs []error

	if t.meterProvider != nil {
		errs = append(errs, t.meterProvider.Shutdown(ctx))
	}

	if t.tracerProvider != nil {
		errs = append(errs, t.tracerProvider.Shutdown(ctx))
	}

	return errors.Join(errs...)
}
