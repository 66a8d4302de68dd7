// Package telemetry wires the OpenTelemetry metrics pipeline with a
// Prometheus exporter. A disabled instance is a cheap no-op so callers never
// branch on whether metrics are on.
package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/runtime"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Config holds telemetry configuration.
type Config struct {
	Enabled        bool
	ServiceName    string
	ServiceVersion string
}

// Telemetry holds the meter provider and the instruments the downloader,
// verifier and storage layers record into.
type Telemetry struct {
	meterProvider *sdkmetric.MeterProvider
	tracer        trace.Tracer
	meter         metric.Meter

	downloadsTotal      metric.Int64Counter
	downloadDuration    metric.Float64Histogram
	retriesTotal        metric.Int64Counter
	blobBytesFetched    metric.Int64Counter
	verificationsTotal  metric.Int64Counter
	dbOperationsTotal   metric.Int64Counter
	dbOperationDuration metric.Float64Histogram
}

// New creates a telemetry instance. When cfg.Enabled is false the returned
// instance records nothing.
func New(ctx context.Context, cfg Config) (*Telemetry, error) {
	if !cfg.Enabled {
		return &Telemetry{}, nil
	}

	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	meterProvider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(meterProvider)

	if err := runtime.Start(); err != nil {
		return nil, fmt.Errorf("failed to start runtime instrumentation: %w", err)
	}

	t := &Telemetry{
		meterProvider: meterProvider,
		tracer:        otel.Tracer(cfg.ServiceName),
		meter:         otel.Meter(cfg.ServiceName),
	}

	if err := t.initInstruments(); err != nil {
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}

	return t, nil
}

func (t *Telemetry) initInstruments() error {
	var err error

	if t.downloadsTotal, err = t.meter.Int64Counter("hubfetch_downloads_total",
		metric.WithDescription("Config download outcomes by status")); err != nil {
		return err
	}

	if t.downloadDuration, err = t.meter.Float64Histogram("hubfetch_download_duration_seconds",
		metric.WithDescription("Per-config download duration")); err != nil {
		return err
	}

	if t.retriesTotal, err = t.meter.Int64Counter("hubfetch_retries_total",
		metric.WithDescription("Retry attempts by error class")); err != nil {
		return err
	}

	if t.blobBytesFetched, err = t.meter.Int64Counter("hubfetch_blob_bytes_fetched_total",
		metric.WithDescription("Raw bytes written into the blob store")); err != nil {
		return err
	}

	if t.verificationsTotal, err = t.meter.Int64Counter("hubfetch_verifications_total",
		metric.WithDescription("Blob verification results by status")); err != nil {
		return err
	}

	if t.dbOperationsTotal, err = t.meter.Int64Counter("hubfetch_db_operations_total",
		metric.WithDescription("History database operations by status")); err != nil {
		return err
	}

	if t.dbOperationDuration, err = t.meter.Float64Histogram("hubfetch_db_operation_duration_seconds",
		metric.WithDescription("History database operation duration")); err != nil {
		return err
	}

	return nil
}

// Tracer returns the tracer, a no-op one when telemetry is disabled.
func (t *Telemetry) Tracer() trace.Tracer {
	if t.tracer == nil {
		return noop.NewTracerProvider().Tracer("")
	}

	return t.tracer
}

// Handler returns the HTTP handler for the metrics endpoint.
func (t *Telemetry) Handler() http.Handler {
	return promhttp.Handler()
}

// Shutdown flushes and stops the meter provider.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t.meterProvider == nil {
		return nil
	}

	return t.meterProvider.Shutdown(ctx)
}

// RecordDownload records one config's terminal outcome.
func (t *Telemetry) RecordDownload(ctx context.Context, status string, duration time.Duration) {
	if t.downloadsTotal != nil {
		t.downloadsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
	}

	if t.downloadDuration != nil {
		t.downloadDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attribute.String("status", status)))
	}
}

// RecordRetry records one retry decision.
func (t *Telemetry) RecordRetry(ctx context.Context, class string) {
	if t.retriesTotal != nil {
		t.retriesTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("class", class)))
	}
}

// RecordBlobFetched records bytes written to the blob store.
func (t *Telemetry) RecordBlobFetched(ctx context.Context, bytes int64) {
	if t.blobBytesFetched != nil {
		t.blobBytesFetched.Add(ctx, bytes)
	}
}

// RecordVerification records one blob verification result.
func (t *Telemetry) RecordVerification(ctx context.Context, status string) {
	if t.verificationsTotal != nil {
		t.verificationsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
	}
}

// InstrumentDBOperation wraps a history database call with duration and
// status metrics.
func (t *Telemetry) InstrumentDBOperation(ctx context.Context, operation string, fn func(context.Context) error) error {
	start := time.Now()
	err := fn(ctx)

	status := "ok"
	if err != nil {
		status = "error"
	}

	attrs := metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("status", status),
	)

	if t.dbOperationsTotal != nil {
		t.dbOperationsTotal.Add(ctx, 1, attrs)
	}

	if t.dbOperationDuration != nil {
		t.dbOperationDuration.Record(ctx, time.Since(start).Seconds(), attrs)
	}

	return err
}
