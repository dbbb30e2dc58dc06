// Package telemetry wires OpenTelemetry metrics for import runs.
//
// Metrics are off by default; Setup then returns a no-op provider and the
// instruments cost nothing. When enabled, readings are exported periodically
// to a writer (stdout in the CLI) through the stdout exporter.
package telemetry

import (
	"context"
	"fmt"
	"io"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/sdk/resource"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

const scope = "github.com/agentic-research/bulkfs/import"

// Outcomes recorded on bulkfs.import.items.
const (
	OutcomeCreated   = "created"
	OutcomeReplaced  = "replaced"
	OutcomeVersioned = "versioned"
	OutcomeSkipped   = "skipped"
	OutcomeFailed    = "failed"
)

// Setup returns the meter provider for the process and a shutdown func that
// flushes pending readings.
func Setup(enabled bool, w io.Writer, interval time.Duration) (metric.MeterProvider, func(context.Context) error, error) {
	if !enabled {
		return metricnoop.NewMeterProvider(), func(context.Context) error { return nil }, nil
	}
	exp, err := stdoutmetric.New(stdoutmetric.WithWriter(w))
	if err != nil {
		return nil, nil, fmt.Errorf("telemetry: stdout exporter: %w", err)
	}
	if interval <= 0 {
		interval = 15 * time.Second
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(resource.NewSchemaless(attribute.String("service.name", "bulkfs"))),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(interval))),
	)
	return mp, mp.Shutdown, nil
}

// Metrics holds the importer's instruments.
type Metrics struct {
	items   metric.Int64Counter
	bytes   metric.Int64Counter
	batch   metric.Float64Histogram
	retries metric.Int64Counter
}

// NewMetrics registers the instruments on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(scope)
	items, err := m.Int64Counter("bulkfs.import.items",
		metric.WithDescription("Items processed, by outcome"))
	if err != nil {
		return nil, err
	}
	bytes, err := m.Int64Counter("bulkfs.import.bytes",
		metric.WithDescription("Content bytes written"),
		metric.WithUnit("By"))
	if err != nil {
		return nil, err
	}
	batch, err := m.Float64Histogram("bulkfs.import.batch.duration",
		metric.WithDescription("Batch transaction duration in milliseconds"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}
	retries, err := m.Int64Counter("bulkfs.import.retries",
		metric.WithDescription("Batch transactions re-run after a transient failure"))
	if err != nil {
		return nil, err
	}
	return &Metrics{items: items, bytes: bytes, batch: batch, retries: retries}, nil
}

// Noop returns instruments bound to a no-op provider.
func Noop() *Metrics {
	m, _ := NewMetrics(metricnoop.NewMeterProvider())
	return m
}

// Item counts one processed item.
func (m *Metrics) Item(ctx context.Context, outcome string) {
	m.items.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// Bytes counts written content.
func (m *Metrics) Bytes(ctx context.Context, n int64) {
	if n > 0 {
		m.bytes.Add(ctx, n)
	}
}

// Batch records one committed (or abandoned) batch transaction.
func (m *Metrics) Batch(ctx context.Context, d time.Duration, ok bool) {
	m.batch.Record(ctx, float64(d.Microseconds())/1000, metric.WithAttributes(attribute.Bool("ok", ok)))
}

// Retry counts one transaction re-run.
func (m *Metrics) Retry(ctx context.Context) {
	m.retries.Add(ctx, 1)
}
