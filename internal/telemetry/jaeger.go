package telemetry

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

/*
LEARNING: JAEGER INTEGRATION FOR DISTRIBUTED TRACING

  Relay → OpenTelemetry SDK → Jaeger Exporter → Jaeger Collector → Jaeger UI

Spans produced by the relay:
  - one per HTTP request (middleware.Tracing)
  - WebSocket.Connect per upgrade
  - Subscription.HandleFrame per inbound frame
*/

// InstanceID identifies this relay process in traces and the health endpoint
var InstanceID = uuid.NewString()

// InitJaeger initializes Jaeger tracing exporter
// Returns a cleanup function that should be called on shutdown
func InitJaeger(serviceName, jaegerEndpoint string) (func(context.Context) error, error) {
	exp, err := jaeger.New(
		jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(jaegerEndpoint)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create Jaeger exporter: %w", err)
	}

	// resource.Default is built on the SDK's older semconv schema and would
	// conflict with this one in resource.Merge
	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(serviceName),
		semconv.ServiceVersion("1.0.0"),
		semconv.ServiceInstanceID(InstanceID),
	)

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())),
	)

	otel.SetTracerProvider(tp)

	slog.Info("jaeger tracing initialized", "endpoint", jaegerEndpoint, "instance", InstanceID)

	return tp.Shutdown, nil
}
