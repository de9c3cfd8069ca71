// Package telemetry provides OpenTelemetry instrumentation for the sync service.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	// QueueMetricsMeterName is the name used for the queue metrics meter
	QueueMetricsMeterName = "github.com/aligntrack/portal-sync/queue"

	// SyncMetricsMeterName is the name used for the sync metrics meter
	SyncMetricsMeterName = "github.com/aligntrack/portal-sync/sync"
)

// QueueMetrics holds the OpenTelemetry instruments for queue inspection metrics
type QueueMetrics struct {
	queueDepth metric.Int64Gauge
}

// NewQueueMetrics creates a new QueueMetrics instance with the given meter provider.
// If provider is nil, it returns nil (no-op metrics).
func NewQueueMetrics(provider metric.MeterProvider) (*QueueMetrics, error) {
	if provider == nil {
		return nil, nil
	}

	meter := provider.Meter(QueueMetricsMeterName)

	queueDepth, err := meter.Int64Gauge(
		"portal_sync_queue_depth",
		metric.WithDescription("Number of sync queue items in each status"),
		metric.WithUnit("{item}"),
	)
	if err != nil {
		return nil, err
	}

	return &QueueMetrics{
		queueDepth: queueDepth,
	}, nil
}

// RecordQueueDepth records the current number of queue items in one status
func (m *QueueMetrics) RecordQueueDepth(ctx context.Context, status string, count int64) {
	if m == nil || m.queueDepth == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("status", status),
	}

	m.queueDepth.Record(ctx, count, metric.WithAttributes(attrs...))
}

// SyncMetrics holds the OpenTelemetry instruments for sync operation metrics
type SyncMetrics struct {
	itemsProcessed metric.Int64Counter
	drainDuration  metric.Float64Histogram
	reverseApplies metric.Int64Counter
	pollDuration   metric.Float64Histogram
	pollErrors     metric.Int64Counter
}

// NewSyncMetrics creates a new SyncMetrics instance with the given meter provider.
// If provider is nil, it returns nil (no-op metrics).
func NewSyncMetrics(provider metric.MeterProvider) (*SyncMetrics, error) {
	if provider == nil {
		return nil, nil
	}

	meter := provider.Meter(SyncMetricsMeterName)

	itemsProcessed, err := meter.Int64Counter(
		"portal_sync_items_total",
		metric.WithDescription("Queue items processed by the forward drain"),
		metric.WithUnit("{item}"),
	)
	if err != nil {
		return nil, err
	}

	drainDuration, err := meter.Float64Histogram(
		"portal_sync_drain_duration_seconds",
		metric.WithDescription("Duration of forward queue drains in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300),
	)
	if err != nil {
		return nil, err
	}

	reverseApplies, err := meter.Int64Counter(
		"portal_sync_reverse_applies_total",
		metric.WithDescription("Reverse changes handled, by table and outcome"),
		metric.WithUnit("{change}"),
	)
	if err != nil {
		return nil, err
	}

	pollDuration, err := meter.Float64Histogram(
		"portal_sync_poll_duration_seconds",
		metric.WithDescription("Duration of reverse poll cycles in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300),
	)
	if err != nil {
		return nil, err
	}

	pollErrors, err := meter.Int64Counter(
		"portal_sync_poll_errors_total",
		metric.WithDescription("Per-record errors hit during reverse poll cycles"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, err
	}

	return &SyncMetrics{
		itemsProcessed: itemsProcessed,
		drainDuration:  drainDuration,
		reverseApplies: reverseApplies,
		pollDuration:   pollDuration,
		pollErrors:     pollErrors,
	}, nil
}

// RecordItemProcessed records the outcome of one forward queue item
func (m *SyncMetrics) RecordItemProcessed(ctx context.Context, table string, outcome string) {
	if m == nil || m.itemsProcessed == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("table", table),
		attribute.String("outcome", outcome),
	}

	m.itemsProcessed.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordDrainDuration records the duration of one forward queue drain
func (m *SyncMetrics) RecordDrainDuration(ctx context.Context, duration time.Duration, success bool) {
	if m == nil || m.drainDuration == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.Bool("success", success),
	}

	m.drainDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// RecordReverseApply records the outcome of one reverse change
func (m *SyncMetrics) RecordReverseApply(ctx context.Context, table string, outcome string) {
	if m == nil || m.reverseApplies == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("table", table),
		attribute.String("outcome", outcome),
	}

	m.reverseApplies.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordPollCycle records the duration and error count of one poll cycle
func (m *SyncMetrics) RecordPollCycle(ctx context.Context, duration time.Duration, errorCount int) {
	if m == nil || m.pollDuration == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.Bool("success", errorCount == 0),
	}

	m.pollDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	if errorCount > 0 {
		m.pollErrors.Add(ctx, int64(errorCount), metric.WithAttributes())
	}
}
