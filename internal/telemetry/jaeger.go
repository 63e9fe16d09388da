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
LEARNING: JAEGER INTEGRATION FOR DISTRIBUTED TRACING

Architecture:
  crdt-sync → OpenTelemetry SDK → Jaeger Exporter → Jaeger Collector → Jaeger UI

Sampling follows the caller: a request that arrives with a sampled parent
span is always traced, root requests are sampled at TRACE_SAMPLE_RATIO.
Websocket sessions start their spans from the upgrade request, so one
session's messages share the sampling decision of its connect span.
*/

// ShutdownFunc flushes and stops the exporter
type ShutdownFunc func(context.Context) error

// InitJaeger installs the global tracer provider. An empty endpoint leaves
// the default no-op provider in place.
func InitJaeger(serviceName, jaegerEndpoint string, sampleRatio float64) (ShutdownFunc, error) {
	if jaegerEndpoint == "" {
		log.Println("⚠️  JAEGER_ENDPOINT not set, tracing disabled")
		return func(context.Context) error { return nil }, nil
	}

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
			semconv.ServiceVersion("1.0.0"),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(newSampler(sampleRatio)),
	)
	otel.SetTracerProvider(tp)

	log.Printf("✓ Jaeger tracing initialized: %s (sample ratio %g)", jaegerEndpoint, sampleRatio)

	return tp.Shutdown, nil
}

func newSampler(ratio float64) sdktrace.Sampler {
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
}
