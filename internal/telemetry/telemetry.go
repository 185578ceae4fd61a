package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	otelruntime "go.opentelemetry.io/contrib/instrumentation/runtime"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/trace"
)

// Telemetry holds all telemetry instruments and providers.
type Telemetry struct {
	meterProvider *sdkmetric.MeterProvider
	tracer        trace.Tracer
	meter         metric.Meter
	exporter      *prometheus.Exporter

	// RED Metrics (Rate, Errors, Duration)
	httpRequestsTotal    metric.Int64Counter
	httpRequestDuration  metric.Float64Histogram
	httpRequestsInFlight metric.Int64UpDownCounter

	// Queue Metrics
	itemsTotal    metric.Int64Counter
	itemDuration  metric.Float64Histogram
	queueLength   metric.Int64Gauge
	actionsActive metric.Int64UpDownCounter
	batchesTotal  metric.Int64Counter

	// Collaborator Metrics
	sourceOperationsTotal metric.Int64Counter
	sourceErrors          metric.Int64Counter
	dbOperationsTotal     metric.Int64Counter
	dbOperationDuration   metric.Float64Histogram

	// System health
	systemErrors metric.Int64Counter
	systemUptime metric.Float64Gauge
}

// Config holds telemetry configuration.
type Config struct {
	Enabled        bool
	ServiceName    string
	ServiceVersion string
	// OTLPEndpoint enables a push exporter next to the Prometheus pull endpoint.
	OTLPEndpoint string
	OTLPInterval time.Duration
}

// New creates a new telemetry instance. A disabled config yields a Telemetry
// whose recorders are no-ops.
func New(ctx context.Context, cfg Config) (*Telemetry, error) {
	if !cfg.Enabled {
		return &Telemetry{}, nil
	}

	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	opts := []sdkmetric.Option{sdkmetric.WithReader(exporter)}

	if cfg.OTLPEndpoint != "" {
		otlpExporter, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlpmetricgrpc.WithInsecure(),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create otlp exporter: %w", err)
		}

		interval := cfg.OTLPInterval
		if interval <= 0 {
			interval = 30 * time.Second
		}

		opts = append(opts, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(otlpExporter, sdkmetric.WithInterval(interval))))
	}

	meterProvider := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(meterProvider)

	if err := otelruntime.Start(otelruntime.WithMeterProvider(meterProvider)); err != nil {
		return nil, fmt.Errorf("failed to start runtime instrumentation: %w", err)
	}

	t := &Telemetry{
		meterProvider: meterProvider,
		tracer:        otel.Tracer(cfg.ServiceName),
		meter:         meterProvider.Meter(cfg.ServiceName, metric.WithInstrumentationVersion(cfg.ServiceVersion)),
		exporter:      exporter,
	}

	if err := t.initializeMetrics(); err != nil {
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}

	go t.collectSystemMetrics(ctx)

	return t, nil
}

// Tracer returns the OpenTelemetry tracer.
func (t *Telemetry) Tracer() trace.Tracer {
	if t == nil || t.tracer == nil {
		return otel.Tracer("novel_downloader")
	}

	return t.tracer
}

// RecordHTTPRequest records HTTP request metrics.
func (t *Telemetry) RecordHTTPRequest(ctx context.Context, method, path, status string, duration time.Duration) {
	if t == nil || t.httpRequestsTotal == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("path", path),
		attribute.String("status", status),
	)

	t.httpRequestsTotal.Add(ctx, 1, attrs)
	t.httpRequestDuration.Record(ctx, duration.Seconds(), attrs)
}

// AddHTTPInFlight moves the in-flight HTTP request gauge by delta.
func (t *Telemetry) AddHTTPInFlight(ctx context.Context, delta int64) {
	if t == nil || t.httpRequestsInFlight == nil {
		return
	}

	t.httpRequestsInFlight.Add(ctx, delta)
}

// RecordItem records the outcome of one queue item.
func (t *Telemetry) RecordItem(ctx context.Context, action, status string, duration time.Duration) {
	if t == nil || t.itemsTotal == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("action", action),
		attribute.String("status", status),
	)

	t.itemsTotal.Add(ctx, 1, attrs)
	t.itemDuration.Record(ctx, duration.Seconds(), attrs)
}

// SetQueueLength records the last observed length of an action's queue.
func (t *Telemetry) SetQueueLength(ctx context.Context, action string, length int) {
	if t == nil || t.queueLength == nil {
		return
	}

	t.queueLength.Record(ctx, int64(length), metric.WithAttributes(attribute.String("action", action)))
}

// AddActiveActions moves the running background action gauge by delta.
func (t *Telemetry) AddActiveActions(ctx context.Context, action string, delta int64) {
	if t == nil || t.actionsActive == nil {
		return
	}

	t.actionsActive.Add(ctx, delta, metric.WithAttributes(attribute.String("action", action)))
}

// RecordBatch records how a processor batch ended ("drained", "stopped", "error").
func (t *Telemetry) RecordBatch(ctx context.Context, action, outcome string) {
	if t == nil || t.batchesTotal == nil {
		return
	}

	t.batchesTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("action", action),
		attribute.String("outcome", outcome),
	))
}

// RecordSourceOperation records content source operation metrics.
func (t *Telemetry) RecordSourceOperation(ctx context.Context, operation, status string) {
	if t == nil || t.sourceOperationsTotal == nil {
		return
	}

	t.sourceOperationsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("status", status),
	))

	if status == "error" {
		t.sourceErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("operation", operation)))
	}
}

// RecordDBOperation records database operation metrics.
func (t *Telemetry) RecordDBOperation(ctx context.Context, operation, status string, duration time.Duration) {
	if t == nil || t.dbOperationsTotal == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("status", status),
	)

	t.dbOperationsTotal.Add(ctx, 1, attrs)
	t.dbOperationDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordSystemError records system error metrics.
func (t *Telemetry) RecordSystemError(ctx context.Context, component, errorType string) {
	if t == nil || t.systemErrors == nil {
		return
	}

	t.systemErrors.Add(ctx, 1, metric.WithAttributes(
		attribute.String("component", component),
		attribute.String("error_type", errorType),
	))
}

// Handler returns the HTTP handler for metrics endpoint.
func (t *Telemetry) Handler() http.Handler {
	if t == nil || t.exporter == nil {
		return http.NotFoundHandler()
	}

	return promhttp.Handler()
}

// Shutdown flushes and stops the meter provider.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil || t.meterProvider == nil {
		return nil
	}

	return t.meterProvider.Shutdown(ctx)
}

func (t *Telemetry) initializeMetrics() error {
	var errs []error

	counter := func(name, desc string) metric.Int64Counter {
		c, err := t.meter.Int64Counter(name, metric.WithDescription(desc), metric.WithUnit("1"))
		errs = append(errs, err)

		return c
	}

	seconds := func(name, desc string) metric.Float64Histogram {
		h, err := t.meter.Float64Histogram(name, metric.WithDescription(desc), metric.WithUnit("s"))
		errs = append(errs, err)

		return h
	}

	upDown := func(name, desc string) metric.Int64UpDownCounter {
		c, err := t.meter.Int64UpDownCounter(name, metric.WithDescription(desc), metric.WithUnit("1"))
		errs = append(errs, err)

		return c
	}

	t.httpRequestsTotal = counter("http_requests_total", "Total number of HTTP requests")
	t.httpRequestDuration = seconds("http_request_duration_seconds", "HTTP request duration in seconds")
	t.httpRequestsInFlight = upDown("http_requests_in_flight", "Number of HTTP requests currently being processed")

	t.itemsTotal = counter("queue_items_total", "Total number of processed queue items")
	t.itemDuration = seconds("queue_item_duration_seconds", "Queue item execution duration in seconds")
	t.actionsActive = upDown("actions_active", "Number of running background actions")
	t.batchesTotal = counter("batches_total", "Total number of finished processor batches")

	var err error

	t.queueLength, err = t.meter.Int64Gauge("queue_length",
		metric.WithDescription("Last observed number of pending queue items"),
		metric.WithUnit("1"),
	)
	errs = append(errs, err)

	t.sourceOperationsTotal = counter("source_operations_total", "Total number of content source operations")
	t.sourceErrors = counter("source_errors_total", "Total number of content source errors")
	t.dbOperationsTotal = counter("db_operations_total", "Total number of database operations")
	t.dbOperationDuration = seconds("db_operation_duration_seconds", "Database operation duration in seconds")

	t.systemErrors = counter("system_errors_total", "Total number of system errors")

	t.systemUptime, err = t.meter.Float64Gauge("system_uptime_seconds",
		metric.WithDescription("System uptime in seconds"),
		metric.WithUnit("s"),
	)
	errs = append(errs, err)

	return errors.Join(errs...)
}

// collectSystemMetrics records uptime periodically; runtime metrics come from
// the contrib runtime instrumentation.
func (t *Telemetry) collectSystemMetrics(ctx context.Context) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	startTime := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.systemUptime.Record(ctx, time.Since(startTime).Seconds())
		}
	}
}
