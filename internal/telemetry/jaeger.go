package telemetry

import (
	"context"
	"fmt"
	"log"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

/*
LEARNING: WHAT THE GATEWAY TRACES

  HTTP request span (middleware)
    └─ Relay.SendMessage
         └─ store calls
  Orchestrator.Generate (own root, outlives the request)
    events: generation_timeout, generation_finished

Websocket events get a span each (Realtime.<event>) under a background
context, so one long-lived connection does not become one endless trace.
*/

// ShutdownFunc flushes and stops the tracer provider.
type ShutdownFunc func(context.Context) error

// InitJaeger installs a global tracer provider exporting to jaegerEndpoint.
// sampleRatio below 1 samples that fraction of new traces; child spans follow
// their parent's decision.
func InitJaeger(serviceName, version, jaegerEndpoint string, sampleRatio float64) (ShutdownFunc, error) {
	exp, err := jaeger.New(
		jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(jaegerEndpoint)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create Jaeger exporter: %w", err)
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(samplerFor(sampleRatio)),
	)
	otel.SetTracerProvider(tp)

	log.Printf("✓ Jaeger tracing initialized: %s (sample ratio %.2f)", jaegerEndpoint, sampleRatio)
	return tp.Shutdown, nil
}

// Noop is the shutdown used when tracing could not be started.
func Noop(context.Context) error { return nil }

func samplerFor(ratio float64) sdktrace.Sampler {
	if ratio >= 1 || ratio <= 0 {
		return sdktrace.AlwaysSample()
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
}
