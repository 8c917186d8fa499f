package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope of every forcealign span.
const tracerName = "github.com/MrWong99/forcealign"

// AttrJobID is the span attribute carrying the alignment job a span works on.
const AttrJobID = attribute.Key("forcealign.job_id")

type jobKey struct{}

// WithJob tags ctx with a service job ID. Spans started by [StartSpan] and
// loggers returned by [Logger] under ctx carry it, so the decoder and
// multipass logs of one upload can be grepped together.
func WithJob(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, jobKey{}, id)
}

// JobID returns the job ID set by [WithJob], or "".
func JobID(ctx context.Context) string {
	id, _ := ctx.Value(jobKey{}).(string)
	return id
}

// Tracer returns the forcealign tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a span named after the pipeline stage, e.g.
// "stream.Transcribe". The caller must end it.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if id := JobID(ctx); id != "" {
		opts = append(opts, trace.WithAttributes(AttrJobID.String(id)))
	}
	return Tracer().Start(ctx, name, opts...)
}

// CorrelationID returns the trace ID of the span in ctx, or "" without one.
// The HTTP layer echoes it as X-Correlation-ID so a job submission can be
// matched to its pipeline logs.
func CorrelationID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns the default logger enriched with the job ID and the
// trace_id/span_id of the span in ctx, whichever are present.
func Logger(ctx context.Context) *slog.Logger {
	l := slog.Default()
	if id := JobID(ctx); id != "" {
		l = l.With(slog.String("job", id))
	}
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		l = l.With(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	return l
}
