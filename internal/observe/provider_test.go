package observe

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"

	"github.com/MrWong99/forcealign/internal/config"
)

// restoreGlobals puts back the OTel providers replaced by InitProvider.
func restoreGlobals(t *testing.T) {
	t.Helper()
	tp, mp := otel.GetTracerProvider(), otel.GetMeterProvider()
	t.Cleanup(func() {
		otel.SetTracerProvider(tp)
		otel.SetMeterProvider(mp)
	})
}

func TestInitProvider_StdoutExporter(t *testing.T) {
	restoreGlobals(t)
	ctx := context.Background()

	var out bytes.Buffer
	shutdown, err := InitProvider(ctx,
		config.TelemetryConfig{ServiceName: "aligner-test", TraceExporter: config.TraceStdout},
		WithTraceOutput(&out),
		WithServiceVersion("1.2.3"),
		WithRegisterer(prometheus.NewRegistry()),
	)
	if err != nil {
		t.Fatalf("InitProvider: %v", err)
	}
	_, span := StartSpan(ctx, "aligner.Align")
	span.End()
	if err := shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	got := out.String()
	for _, want := range []string{`"Name":"aligner.Align"`, "aligner-test", "1.2.3"} {
		if !strings.Contains(got, want) {
			t.Errorf("exported spans missing %q:\n%s", want, got)
		}
	}
}

func TestInitProvider_ZeroRatioDropsSpans(t *testing.T) {
	restoreGlobals(t)
	ctx := context.Background()

	zero := 0.0
	var out bytes.Buffer
	shutdown, err := InitProvider(ctx,
		config.TelemetryConfig{TraceExporter: config.TraceStdout, SampleRatio: &zero},
		WithTraceOutput(&out),
		WithRegisterer(prometheus.NewRegistry()),
	)
	if err != nil {
		t.Fatalf("InitProvider: %v", err)
	}
	_, span := StartSpan(ctx, "stream.Transcribe")
	sampled := span.SpanContext().IsSampled()
	span.End()
	if err := shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if sampled || out.Len() != 0 {
		t.Errorf("sampled = %v, exported %q; want nothing at ratio 0", sampled, out.String())
	}
}

func TestInitProvider_UnknownExporter(t *testing.T) {
	restoreGlobals(t)
	_, err := InitProvider(context.Background(),
		config.TelemetryConfig{TraceExporter: "jaeger"},
		WithRegisterer(prometheus.NewRegistry()),
	)
	if err == nil || !strings.Contains(err.Error(), "jaeger") {
		t.Errorf("err = %v, want unknown exporter error", err)
	}
}
