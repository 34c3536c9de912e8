// Package observability wires OpenTelemetry tracing for the turn pipeline.
// Spans are exported over OTLP HTTP to a local collector; the collector,
// not the application, holds backend credentials.
package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/parchment-ai/parchment/internal/config"
	"github.com/parchment-ai/parchment/internal/log"
)

// DefaultEndpoint is the conventional local OTLP HTTP endpoint.
const DefaultEndpoint = "localhost:4318"

// Setup installs the global tracer provider according to cfg and returns
// a shutdown function that flushes pending spans.
//
// Tracing failures never take the application down: when the exporter
// cannot be created the returned shutdown is a no-op and spans simply go
// nowhere.
func Setup(ctx context.Context, cfg config.TracingConfig, logger log.Logger) (func(context.Context) error, error) {
	noop := func(context.Context) error { return nil }
	if logger == nil {
		logger = log.NewNop()
	}
	if !cfg.Enabled {
		return noop, nil
	}

	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}

	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(endpoint),
		// The endpoint is a local collector; TLS terminates there.
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		logger.Warn("trace exporter unavailable, tracing disabled",
			"endpoint", endpoint, "error", err)
		return noop, nil
	}

	attrs := []attribute.KeyValue{
		attribute.String("service.name", serviceName(cfg)),
	}
	if cfg.Environment != "" {
		attrs = append(attrs, attribute.String("deployment.environment", cfg.Environment))
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewSchemaless(attrs...)),
	)
	otel.SetTracerProvider(provider)

	logger.Debug("tracing enabled",
		"endpoint", endpoint, "service", serviceName(cfg), "environment", cfg.Environment)
	return provider.Shutdown, nil
}

func serviceName(cfg config.TracingConfig) string {
	if cfg.ServiceName != "" {
		return cfg.ServiceName
	}
	return "parchment"
}
