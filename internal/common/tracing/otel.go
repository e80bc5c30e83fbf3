// Package tracing owns the OTel tracer for the daemon loop, session
// spawning, and the ops endpoint. The provider initializes lazily on the
// first Tracer call and only when OTEL_EXPORTER_OTLP_ENDPOINT is set;
// otherwise every span is a no-op.
package tracing

import (
	"context"
	"os"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

var (
	initOnce sync.Once
	provider trace.TracerProvider = noop.NewTracerProvider()
	sdkTP    *sdktrace.TracerProvider
)

// Tracer returns a named tracer from the shared provider.
func Tracer(name string) trace.Tracer {
	initOnce.Do(setup)
	return provider.Tracer(name)
}

// Shutdown flushes pending spans. A no-op when tracing never initialized.
func Shutdown(ctx context.Context) error {
	if sdkTP == nil {
		return nil
	}
	return sdkTP.Shutdown(ctx)
}

func setup() {
	endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if endpoint == "" {
		return
	}
	tp, err := buildProvider(context.Background(), endpoint)
	if err != nil {
		return
	}
	sdkTP = tp
	provider = tp
	otel.SetTracerProvider(tp)
}

func buildProvider(ctx context.Context, endpoint string) (*sdktrace.TracerProvider, error) {
	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(stripScheme(endpoint)),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName(serviceName())),
	)
	if err != nil {
		res = resource.Default()
	}

	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	), nil
}

func serviceName() string {
	if name := os.Getenv("OTEL_SERVICE_NAME"); name != "" {
		return name
	}
	return "stoneforged"
}

// stripScheme drops http(s):// because otlptracehttp wants a bare host.
func stripScheme(endpoint string) string {
	if rest, ok := strings.CutPrefix(endpoint, "https://"); ok {
		return rest
	}
	if rest, ok := strings.CutPrefix(endpoint, "http://"); ok {
		return rest
	}
	return endpoint
}
