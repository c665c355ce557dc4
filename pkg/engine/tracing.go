package engine

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

// Tracer wraps an OpenTelemetry tracer with the handful of span shapes the
// turn engine needs (turns, model streams, tool dispatch, sub-agent runs),
// generalizing the wrapper haasonsaas-nexus builds around the same SDK
// (internal/observability/tracing.go) from a multi-channel-bot's message
// pipeline into the engine's turn/tool/delegate pipeline. A zero-value
// TraceConfig (no endpoint) yields a no-op tracer with zero overhead, the
// same "tracing off by default" posture the source wrapper takes.
type Tracer struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// TraceConfig configures the OTLP exporter. An empty Endpoint disables
// export entirely; Start still returns usable no-op spans.
type TraceConfig struct {
	ServiceName    string
	ServiceVersion string
	Endpoint       string
	SamplingRate   float64
	Insecure       bool
}

// NewTracer builds a Tracer per cfg and a shutdown func that must be called
// on exit to flush any buffered spans.
func NewTracer(cfg TraceConfig) (*Tracer, func(context.Context) error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "turnengine"
	}
	if cfg.Endpoint == "" {
		return &Tracer{tracer: otel.Tracer(cfg.ServiceName)}, func(context.Context) error { return nil }
	}

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptrace.New(context.Background(), otlptracegrpc.NewClient(opts...))
	if err != nil {
		return &Tracer{tracer: otel.Tracer(cfg.ServiceName)}, func(context.Context) error { return nil }
	}

	res, err := resource.New(context.Background(), resource.WithAttributes(
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
	))
	if err != nil {
		res = resource.Default()
	}

	sampler := sdktrace.AlwaysSample()
	if cfg.SamplingRate > 0 && cfg.SamplingRate < 1.0 {
		sampler = sdktrace.TraceIDRatioBased(cfg.SamplingRate)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)
	otel.SetTracerProvider(provider)

	return &Tracer{provider: provider, tracer: provider.Tracer(cfg.ServiceName)}, provider.Shutdown
}

func (t *Tracer) start(ctx context.Context, name string, kind trace.SpanKind, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, trace.WithSpanKind(kind), trace.WithAttributes(attrs...))
}

// TraceTurn spans one orchestrator turn.
func (t *Tracer) TraceTurn(ctx context.Context, sessionID, agentID, submissionID string) (context.Context, trace.Span) {
	return t.start(ctx, "turn", trace.SpanKindInternal,
		attribute.String("session_id", sessionID),
		attribute.String("agent_id", agentID),
		attribute.String("submission_id", submissionID),
	)
}

// TraceModelStream spans one streamOnce attempt against a resolved model.
func (t *Tracer) TraceModelStream(ctx context.Context, model string, attempt int) (context.Context, trace.Span) {
	return t.start(ctx, fmt.Sprintf("model.stream %s", model), trace.SpanKindClient,
		attribute.String("model", model),
		attribute.Int("attempt", attempt),
	)
}

// TraceToolDispatch spans one tool call's validate/approve/execute pipeline.
func (t *Tracer) TraceToolDispatch(ctx context.Context, toolName, callID string) (context.Context, trace.Span) {
	return t.start(ctx, fmt.Sprintf("tool.%s", toolName), trace.SpanKindInternal,
		attribute.String("tool.name", toolName),
		attribute.String("tool.call_id", callID),
	)
}

// TraceSubAgent spans one supervised child session's run.
func (t *Tracer) TraceSubAgent(ctx context.Context, agentID, goal string) (context.Context, trace.Span) {
	return t.start(ctx, "subagent.run", trace.SpanKindInternal,
		attribute.String("agent_id", agentID),
		attribute.String("goal", goal),
	)
}

// End finishes span, recording err (if any) as a span error first.
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// noopTracer is used by components constructed without a Tracer (tests,
// embedders that don't care about tracing) so call sites never need a nil
// check of their own. otel.Tracer returns a functioning no-op tracer until
// a real TracerProvider is registered via NewTracer, so no separate noop
// provider needs constructing.
func noopTracer() *Tracer { return &Tracer{tracer: otel.Tracer("turnengine")} }
