// Package observability wires the bridge into OpenTelemetry tracing.
package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

type TracerConfig struct {
	Enabled      bool    `yaml:"enabled"`
	EndpointURL  string  `yaml:"endpoint_url"`
	SamplingRate float64 `yaml:"sampling_rate"`
	ServiceName  string  `yaml:"service_name"`
}

func (c *TracerConfig) SetDefaults() {
	if c.ServiceName == "" {
		c.ServiceName = "llmbridge"
	}
	if c.SamplingRate == 0 {
		c.SamplingRate = 1.0
	}
}

// InitGlobalTracer installs a tracer provider. When tracing is disabled it
// installs a no-op provider so instrumented call sites stay unconditional.
func InitGlobalTracer(ctx context.Context, cfg TracerConfig) (trace.TracerProvider, error) {
	cfg.SetDefaults()

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

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(cfg.SamplingRate)),
		sdktrace.WithResource(res),
	)

	otel.SetTracerProvider(tp)
	return tp, nil
}

func GetTracer(name string) trace.Tracer {
	return otel.Tracer(name)
}

// StartProviderCall opens a span covering a single provider HTTP exchange.
func StartProviderCall(ctx context.Context, provider, model string, stream bool) (context.Context, trace.Span) {
	return GetTracer("llmbridge/provider").Start(ctx, "provider.call",
		trace.WithAttributes(
			attribute.String("llm.provider", provider),
			attribute.String("llm.model", model),
			attribute.Bool("llm.stream", stream),
		),
	)
}

// StartToolExecution opens a span covering a single tool invocation.
func StartToolExecution(ctx context.Context, toolName, callID string) (context.Context, trace.Span) {
	return GetTracer("llmbridge/tools").Start(ctx, "tool.execute",
		trace.WithAttributes(
			attribute.String("tool.name", toolName),
			attribute.String("tool.call_id", callID),
		),
	)
}

// StartAgentIteration opens a span covering one multi-turn iteration.
func StartAgentIteration(ctx context.Context, iteration int) (context.Context, trace.Span) {
	return GetTracer("llmbridge/agent").Start(ctx, "agent.iteration",
		trace.WithAttributes(
			attribute.Int("agent.iteration", iteration),
		),
	)
}

// AddTokenUsage annotates a span with token accounting.
func AddTokenUsage(span trace.Span, promptTokens, completionTokens int) {
	span.SetAttributes(
		attribute.Int("llm.usage.prompt_tokens", promptTokens),
		attribute.Int("llm.usage.completion_tokens", completionTokens),
	)
}

// AddTerminationReason annotates a span with the unified termination reason.
func AddTerminationReason(span trace.Span, reason string) {
	span.SetAttributes(attribute.String("llm.termination.reason", reason))
}

// RecordError marks a span failed and records the error event.
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
