package observe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"

	"github.com/MrWong99/forcealign/internal/config"
)

type providerOptions struct {
	version    string
	output     io.Writer
	exporter   sdktrace.SpanExporter
	registerer prometheus.Registerer
}

// ProviderOption tunes [InitProvider] beyond what the config file sets.
type ProviderOption func(*providerOptions)

// WithServiceVersion sets the service.version resource attribute.
func WithServiceVersion(v string) ProviderOption {
	return func(o *providerOptions) { o.version = v }
}

// WithTraceOutput redirects the stdout trace exporter. Default: os.Stderr.
func WithTraceOutput(w io.Writer) ProviderOption {
	return func(o *providerOptions) { o.output = w }
}

// WithSpanExporter installs exp in place of the configured trace exporter.
func WithSpanExporter(exp sdktrace.SpanExporter) ProviderOption {
	return func(o *providerOptions) { o.exporter = exp }
}

// WithRegisterer sets where the Prometheus bridge registers its collector.
// Default: the global Prometheus registry served on /metrics.
func WithRegisterer(r prometheus.Registerer) ProviderOption {
	return func(o *providerOptions) { o.registerer = r }
}

// InitProvider installs the global OTel meter and tracer providers described
// by cfg. Metrics go through a Prometheus bridge so they can be scraped on
// /metrics. Spans are sampled at cfg's ratio and sent to the configured
// exporter; with "none" they are recorded but never leave the process.
//
// The returned function flushes and closes both providers.
func InitProvider(ctx context.Context, cfg config.TelemetryConfig, opts ...ProviderOption) (shutdown func(context.Context) error, err error) {
	o := providerOptions{output: os.Stderr, registerer: prometheus.DefaultRegisterer}
	for _, opt := range opts {
		opt(&o)
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = config.DefaultServiceName
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(o.version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("observe: build resource: %w", err)
	}

	exp := o.exporter
	if exp == nil {
		switch cfg.TraceExporter {
		case "", config.TraceNone:
		case config.TraceStdout:
			exp, err = stdouttrace.New(stdouttrace.WithWriter(o.output))
			if err != nil {
				return nil, fmt.Errorf("observe: stdout trace exporter: %w", err)
			}
		default:
			return nil, fmt.Errorf("observe: unknown trace exporter %q", cfg.TraceExporter)
		}
	}

	promExp, err := promexporter.New(promexporter.WithRegisterer(o.registerer))
	if err != nil {
		return nil, fmt.Errorf("observe: prometheus exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(promExp),
	)

	tpOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.Ratio()))),
	}
	if exp != nil {
		tpOpts = append(tpOpts, sdktrace.WithBatcher(exp))
	}
	tp := sdktrace.NewTracerProvider(tpOpts...)

	otel.SetMeterProvider(mp)
	otel.SetTracerProvider(tp)

	return func(ctx context.Context) error {
		// Flush spans before metrics.
		return errors.Join(tp.Shutdown(ctx), mp.Shutdown(ctx))
	}, nil
}
