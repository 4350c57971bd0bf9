package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Span and attribute names used across the run engine.
const (
	AttrProvider         = "llm.provider"
	AttrModel            = "llm.model"
	AttrAgentID          = "agent.id"
	AttrSchemaID         = "agent.schema_id"
	AttrRunID            = "run.id"
	AttrToolName         = "tool.name"
	AttrTokensInput      = "llm.tokens.input"
	AttrTokensOutput     = "llm.tokens.output"
	AttrAttempt          = "llm.attempt"
	AttrCacheHit         = "run.cache_hit"
	AttrErrorKind        = "error.kind"
	SpanRun              = "run.execute"
	SpanProviderRequest  = "run.provider_request"
	SpanToolExecution    = "run.tool_execution"
	SpanFileOffload      = "run.file_offload"
	SpanCacheLookup      = "run.cache_lookup"
	DefaultServiceName   = "relay"
)

// TracerConfig configures the OTLP trace exporter.
type TracerConfig struct {
	Enabled      bool    `yaml:"enabled"`
	EndpointURL  string  `yaml:"endpoint_url"`
	SamplingRate float64 `yaml:"sampling_rate"`
	ServiceName  string  `yaml:"service_name"`
}

// InitGlobalTracer installs a global tracer provider. When disabled, a noop
// provider is installed so instrumentation sites stay unconditional.
func InitGlobalTracer(ctx context.Context, cfg TracerConfig) (trace.TracerProvider, error) {
	if !cfg.Enabled {
		tp := noop.NewTracerProvider()
		otel.SetTracerProvider(tp)
		return tp, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.EndpointURL),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	name := cfg.ServiceName
	if name == "" {
		name = DefaultServiceName
	}
	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(name)))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	rate := cfg.SamplingRate
	if rate <= 0 {
		rate = 1.0
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(rate)),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	return tp, nil
}

// GetTracer returns a named tracer from the global provider.
func GetTracer(name string) trace.Tracer {
	return otel.Tracer(name)
}
