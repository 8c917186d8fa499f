// Package observe provides application-wide observability primitives for
// forcealign: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all forcealign metrics.
const meterName = "github.com/MrWong99/forcealign"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// ChunkDuration tracks push-chunk plus get-final round trips of the
	// streaming pass.
	ChunkDuration metric.Float64Histogram

	// SpanDuration tracks multipass refinement of a single span, including
	// graph compilation and decoder start-up.
	SpanDuration metric.Float64Histogram

	// CompileDuration tracks decoding graph compilation.
	CompileDuration metric.Float64Histogram

	// AlignDuration tracks a complete alignment run.
	AlignDuration metric.Float64Histogram

	// --- Counters ---

	// ChunksDecoded counts streaming chunks. Use with attribute:
	//   attribute.String("status", "ok"|"silent"|"error")
	ChunksDecoded metric.Int64Counter

	// SpansRefined counts multipass spans. Use with attribute:
	//   attribute.String("outcome", "ok"|"rejected"|"error"|"circuit_open"|"skipped")
	SpansRefined metric.Int64Counter

	// WorkerRestarts counts dead decoder workers. Use with attributes:
	//   attribute.String("pool", ...), attribute.String("outcome", "replaced"|"retired")
	WorkerRestarts metric.Int64Counter

	// Alignments counts finished alignment runs. Use with attribute:
	//   attribute.String("status", "ok"|"error")
	Alignments metric.Int64Counter

	// --- Gauges ---

	// BusyWorkers tracks decoder workers currently checked out. Use with
	// attribute attribute.String("pool", ...).
	BusyWorkers metric.Int64UpDownCounter

	// ActiveJobs tracks alignment jobs currently running in serve mode.
	ActiveJobs metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// decoder round trips over chunks of tens of seconds.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120,
}

// runBuckets covers whole alignment runs, which scale with audio length.
var runBuckets = []float64{
	1, 5, 10, 30, 60, 120, 300, 600, 1800, 3600,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.ChunkDuration, err = m.Float64Histogram("forcealign.chunk.duration",
		metric.WithDescription("Latency of decoding one streaming chunk."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SpanDuration, err = m.Float64Histogram("forcealign.span.duration",
		metric.WithDescription("Latency of refining one unaligned span."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.CompileDuration, err = m.Float64Histogram("forcealign.graph_compile.duration",
		metric.WithDescription("Latency of decoding graph compilation."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.AlignDuration, err = m.Float64Histogram("forcealign.align.duration",
		metric.WithDescription("Latency of a complete alignment run."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(runBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.ChunksDecoded, err = m.Int64Counter("forcealign.chunks",
		metric.WithDescription("Total streaming chunks by status."),
	); err != nil {
		return nil, err
	}
	if met.SpansRefined, err = m.Int64Counter("forcealign.spans",
		metric.WithDescription("Total multipass spans by outcome."),
	); err != nil {
		return nil, err
	}
	if met.WorkerRestarts, err = m.Int64Counter("forcealign.worker.restarts",
		metric.WithDescription("Total dead decoder workers by pool and outcome."),
	); err != nil {
		return nil, err
	}
	if met.Alignments, err = m.Int64Counter("forcealign.alignments",
		metric.WithDescription("Total alignment runs by status."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.BusyWorkers, err = m.Int64UpDownCounter("forcealign.busy_workers",
		metric.WithDescription("Number of decoder workers currently checked out."),
	); err != nil {
		return nil, err
	}
	if met.ActiveJobs, err = m.Int64UpDownCounter("forcealign.active_jobs",
		metric.WithDescription("Number of alignment jobs currently running."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("forcealign.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordChunk records one streaming chunk with its decode latency. Silent
// chunks carry no latency.
func (m *Metrics) RecordChunk(ctx context.Context, status string, seconds float64) {
	attrs := metric.WithAttributes(attribute.String("status", status))
	m.ChunksDecoded.Add(ctx, 1, attrs)
	if status != "silent" {
		m.ChunkDuration.Record(ctx, seconds, attrs)
	}
}

// RecordSpan records one multipass span outcome. Skipped spans carry no
// latency.
func (m *Metrics) RecordSpan(ctx context.Context, outcome string, seconds float64) {
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	m.SpansRefined.Add(ctx, 1, attrs)
	if outcome != "skipped" {
		m.SpanDuration.Record(ctx, seconds, attrs)
	}
}

// RecordAlignment records a finished alignment run.
func (m *Metrics) RecordAlignment(ctx context.Context, status string, seconds float64) {
	attrs := metric.WithAttributes(attribute.String("status", status))
	m.Alignments.Add(ctx, 1, attrs)
	m.AlignDuration.Record(ctx, seconds, attrs)
}

// PoolObserver reports worker pool occupancy into [Metrics]. It satisfies the
// observer interface of the worker pool.
type PoolObserver struct {
	m    *Metrics
	pool attribute.KeyValue
}

// PoolObserver returns an observer labelling measurements with the pool name.
func (m *Metrics) PoolObserver(pool string) *PoolObserver {
	return &PoolObserver{m: m, pool: attribute.String("pool", pool)}
}

// PoolChanged adjusts the busy worker gauge.
func (o *PoolObserver) PoolChanged(ctx context.Context, busyDelta int64) {
	o.m.BusyWorkers.Add(ctx, busyDelta, metric.WithAttributes(o.pool))
}

// WorkerReplaced counts a dead worker that was replaced.
func (o *PoolObserver) WorkerReplaced(ctx context.Context) {
	o.m.WorkerRestarts.Add(ctx, 1, metric.WithAttributes(o.pool, attribute.String("outcome", "replaced")))
}

// WorkerRetired counts a dead worker whose slot was dropped.
func (o *PoolObserver) WorkerRetired(ctx context.Context) {
	o.m.WorkerRestarts.Add(ctx, 1, metric.WithAttributes(o.pool, attribute.String("outcome", "retired")))
}
