package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Span attributes must stay low cardinality: operation names, components, statuses, platforms
// and quality tiers are fine. Download ids, URLs, titles and paths belong in logs.

// InstrumentedFunc represents a function that can be instrumented.
type InstrumentedFunc func(ctx context.Context) error

// InstrumentOperation wraps fn in a span named operationName.
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

// InstrumentDBOperation instruments ledger operations.
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

// InstrumentExtractorOperation instruments calls into the extraction capability.
func (t *Telemetry) InstrumentExtractorOperation(ctx context.Context, extractor, operation string, fn InstrumentedFunc) error {
	if t == nil {
		return fn(ctx)
	}

	err := t.InstrumentOperation(ctx, "extractor_"+operation, "extractor", func(ctx context.Context) error {
		ctx, span := t.Tracer().Start(ctx, "extractor_"+operation)
		defer span.End()

		span.SetAttributes(
			attribute.String("extractor.type", extractor),
			attribute.String("extractor.operation", operation),
		)

		return fn(ctx)
	})

	status := "success"
	if err != nil {
		status = "error"
	}

	t.RecordExtractorOperation(extractor, operation, status)

	return err
}

// InstrumentDownload tracks a background download from start to terminal status.
// statusOf maps the returned error to the status label of the downloads_total metric.
func (t *Telemetry) InstrumentDownload(ctx context.Context, platform, quality string, fn InstrumentedFunc, statusOf func(error) string) error {
	if t == nil {
		return fn(ctx)
	}

	start := time.Now()

	t.IncrementActiveDownloads()
	defer t.DecrementActiveDownloads()

	err := t.InstrumentOperation(ctx, "download", "orchestrator", func(ctx context.Context) error {
		ctx, span := t.Tracer().Start(ctx, "fetch_media")
		defer span.End()

		span.SetAttributes(
			attribute.String("download.platform", platform),
			attribute.String("download.quality", quality),
		)

		return fn(ctx)
	})

	t.RecordDownload(statusOf(err), time.Since(start))

	return err
}
