package monitoring

import (
	"context"
	"fmt"
	"os"

	"go.opentelemetry.io/contrib/exporters/autoexport"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"sigs.k8s.io/controller-runtime/pkg/log"
)

// tracerName is the instrumentation scope name registered with OTel.
const tracerName = "site-controller"

// Tracer is the package-level OTel tracer for the controller.
// It returns a noop tracer when no TracerProvider is registered,
// making instrumentation zero-cost in the default configuration.
var Tracer = otel.Tracer(tracerName)

// InitTracing installs a global TracerProvider exporting spans through the
// exporter selected by the standard OTEL_* environment variables. When
// OTEL_EXPORTER_OTLP_ENDPOINT is unset tracing stays disabled and the
// returned shutdown function does nothing.
func InitTracing(
	ctx context.Context,
	serviceName, version string,
) (func(context.Context) error, error) {
	if os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") == "" {
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := autoexport.NewSpanExporter(ctx)
	if err != nil {
		return nil, fmt.Errorf("creating OTLP exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithTelemetrySDK(),
		resource.WithAttributes(
			attribute.String("service.name", serviceName),
			attribute.String("service.version", version),
		),
	)
	if err != nil {
		_ = exporter.Shutdown(ctx)
		return nil, fmt.Errorf("creating OTel resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	// Tracer was acquired from the noop provider at init time.
	Tracer = otel.Tracer(tracerName)

	return tp.Shutdown, nil
}

// StartReconcileSpan starts a new span for one engine step on a site.
// The span is annotated with the site id, slug and lifecycle state.
// Callers must call span.End() when the operation completes.
func StartReconcileSpan(ctx context.Context, spanName, siteID, slug, state string) (context.Context, trace.Span) {
	ctx, span := Tracer.Start(ctx, spanName,
		trace.WithAttributes(
			attribute.String("site.id", siteID),
			attribute.String("site.slug", slug),
			attribute.String("site.state", state),
		),
	)
	return ctx, span
}

// StartChildSpan starts a child span under the current trace context.
// Use this for sub-operations within a step (e.g., Adapter.route, Quota.Reserve).
func StartChildSpan(ctx context.Context, spanName string) (context.Context, trace.Span) {
	return Tracer.Start(ctx, spanName)
}

// RecordSpanError records an error on a span and sets the span status to Error.
// If err is nil, this is a no-op.
func RecordSpanError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// EnrichLoggerWithTrace adds trace_id and span_id of the active span to the
// logger carried by ctx. Without a valid span ctx is returned unchanged.
func EnrichLoggerWithTrace(ctx context.Context) context.Context {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if !sc.IsValid() {
		return ctx
	}
	logger := log.FromContext(ctx).WithValues(
		"trace_id", sc.TraceID().String(),
		"span_id", sc.SpanID().String(),
	)
	return log.IntoContext(ctx, logger)
}
