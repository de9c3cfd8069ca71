package replica

import (
	"context"
	"errors"
	"time"

	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/aligntrack/portal-sync/internal/otel"
)

// TracerName identifies the portal client tracer.
const TracerName = "github.com/aligntrack/portal-sync/store/replica"

// tracingClient wraps a Client so every portal round trip shows up as a
// span carrying the table and row counts.
type tracingClient struct {
	inner  Client
	tracer trace.Tracer
}

// WithTracing decorates client with span instrumentation. A nil tracer
// yields no-op spans, so callers can wrap unconditionally.
func WithTracing(client Client, tracer trace.Tracer) Client {
	return &tracingClient{inner: client, tracer: tracer}
}

func (c *tracingClient) Upsert(ctx context.Context, table string, rows []map[string]any, conflictKey string) error {
	ctx, span := otel.StartSpan(ctx, c.tracer, "replica.Upsert",
		trace.WithAttributes(
			semconv.DBSystemPostgreSQL,
			otel.AttrTable.String(table),
			otel.AttrRowCount.Int(len(rows)),
		))
	defer span.End()

	err := c.inner.Upsert(ctx, table, rows, conflictKey)
	otel.RecordError(span, err)
	return err
}

func (c *tracingClient) DeleteByKey(ctx context.Context, table string, key string, value any) error {
	ctx, span := otel.StartSpan(ctx, c.tracer, "replica.DeleteByKey",
		trace.WithAttributes(
			semconv.DBSystemPostgreSQL,
			otel.AttrTable.String(table),
		))
	defer span.End()

	err := c.inner.DeleteByKey(ctx, table, key, value)
	otel.RecordError(span, err)
	return err
}

func (c *tracingClient) SelectByKey(ctx context.Context, table string, key string, value any) (map[string]any, error) {
	ctx, span := otel.StartSpan(ctx, c.tracer, "replica.SelectByKey",
		trace.WithAttributes(
			semconv.DBSystemPostgreSQL,
			otel.AttrTable.String(table),
		))
	defer span.End()

	row, err := c.inner.SelectByKey(ctx, table, key, value)
	// An absent row is an answer, not a failure.
	if !errors.Is(err, ErrNoRows) {
		otel.RecordError(span, err)
	}
	return row, err
}

func (c *tracingClient) SelectSince(ctx context.Context, table string, tsColumn string, since time.Time, limit int) ([]map[string]any, error) {
	ctx, span := otel.StartSpan(ctx, c.tracer, "replica.SelectSince",
		trace.WithAttributes(
			semconv.DBSystemPostgreSQL,
			otel.AttrTable.String(table),
		))
	defer span.End()

	rows, err := c.inner.SelectSince(ctx, table, tsColumn, since, limit)
	if err == nil {
		span.SetAttributes(otel.AttrRowCount.Int(len(rows)))
	}
	otel.RecordError(span, err)
	return rows, err
}

func (c *tracingClient) Ping(ctx context.Context) error {
	ctx, span := otel.StartSpan(ctx, c.tracer, "replica.Ping",
		trace.WithAttributes(semconv.DBSystemPostgreSQL))
	defer span.End()

	err := c.inner.Ping(ctx)
	otel.RecordError(span, err)
	return err
}
