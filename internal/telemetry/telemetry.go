// Package telemetry sets up OpenTelemetry tracing.
package telemetry

import (
	"context"
	"fmt"
	"log"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/aristath/taskforge/internal/config"
)

// Telemetry owns the tracer provider for the process.
type Telemetry struct {
	provider trace.TracerProvider
	shutdown func(context.Context) error
	name     string
}

// Setup exports spans over OTLP/gRPC to cfg.Endpoint. With no endpoint
// configured, tracing is a no-op.
func Setup(ctx context.Context, cfg config.TelemetryConfig) (*Telemetry, error) {
	name := cfg.ServiceName
	if name == "" {
		name = "taskforge"
	}
	if cfg.Endpoint == "" {
		return &Telemetry{
			provider: noop.NewTracerProvider(),
			shutdown: func(context.Context) error { return nil },
			name:     name,
		}, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("creating OTLP exporter: %w", err)
	}

	t, err := newWithExporter(ctx, name, sdktrace.WithBatcher(exporter))
	if err != nil {
		return nil, err
	}
	log.Printf("Tracing enabled, exporting to %s", cfg.Endpoint)
	return t, nil
}

// newWithExporter builds an SDK provider around the given span processor
// and installs it globally.
func newWithExporter(ctx context.Context, name string, processor sdktrace.TracerProviderOption) (*Telemetry, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			attribute.String("service.name", name),
		),
		resource.WithHost(),
		resource.WithProcessPID(),
	)
	if err != nil {
		return nil, fmt.Errorf("building resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		processor,
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &Telemetry{provider: tp, shutdown: tp.Shutdown, name: name}, nil
}

// Tracer returns the service tracer.
func (t *Telemetry) Tracer() trace.Tracer {
	return t.provider.Tracer(t.name)
}

// Shutdown flushes pending spans, giving up after five seconds.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := t.shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down tracer provider: %w", err)
	}
	return nil
}
