package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Span attributes must stay low-cardinality: operation names, outcome and status values,
// client and component names. Item ids, display names, run labels and error messages
// belong in logs (correlated through trace_id/run_id), never in attributes.

// InstrumentedFunc represents a function that can be instrumented.
type InstrumentedFunc func(ctx context.Context) error

// InstrumentOperation wraps fn in a span carrying component, operation and status.
func (t *Telemetry) InstrumentOperation(ctx context.Context, operationName, component string, fn InstrumentedFunc) error {
	if t == nil || t.tracer == nil {
		return fn(ctx)
	}

	start := time.Now()
	ctx, span := t.tracer.Start(ctx, operationName)

	defer span.End()

	span.SetAttributes(
		attribute.String("component", component),
		attribute.String("operation", operationName),
	)

	err := fn(ctx)

	status := "success"
	if err != nil {
		status = "error"

		span.SetAttributes(attribute.Bool("error", true))
		span.SetStatus(codes.Error, err.Error())
	}

	span.SetAttributes(
		attribute.String("status", status),
		attribute.Float64("duration_seconds", time.Since(start).Seconds()),
	)

	return err
}

// InstrumentDBOperation instruments history store operations.
func (t *Telemetry) InstrumentDBOperation(ctx context.Context, operation string, fn InstrumentedFunc) error {
	if t == nil {
		return fn(ctx)
	}

	start := time.Now()
	err := t.InstrumentOperation(ctx, "db_"+operation, "database", fn)

	status := "success"
	if err != nil {
		status = "error"
	}

	t.RecordDBOperation(operation, status, time.Since(start))

	return err
}

// InstrumentClientOperation instruments calls to the remote transfer API.
func (t *Telemetry) InstrumentClientOperation(ctx context.Context, client, operation string, fn InstrumentedFunc) error {
	if t == nil {
		return fn(ctx)
	}

	err := t.InstrumentOperation(ctx, "client_"+operation, "transfer_client", func(ctx context.Context) error {
		trace.SpanFromContext(ctx).SetAttributes(
			attribute.String("client.type", client),
			attribute.String("client.operation", operation),
		)

		return fn(ctx)
	})

	status := "success"
	if err != nil {
		status = "error"
	}

	t.RecordClientOperation(client, operation, status)

	return err
}

// InstrumentItem wraps a single item transfer. fn reports the classified outcome
// (success, skipped, failed, not_started) which becomes the metric label.
func (t *Telemetry) InstrumentItem(ctx context.Context, fn func(ctx context.Context) string) string {
	if t == nil {
		return fn(ctx)
	}

	start := time.Now()

	if t.itemsInFlight != nil {
		t.itemsInFlight.Add(ctx, 1)
		defer t.itemsInFlight.Add(ctx, -1)
	}

	var outcome string

	_ = t.InstrumentOperation(ctx, "item_transfer", "downloader", func(ctx context.Context) error {
		outcome = fn(ctx)
		trace.SpanFromContext(ctx).SetAttributes(attribute.String("outcome", outcome))

		return nil
	})

	t.RecordItem(outcome, time.Since(start))

	return outcome
}
