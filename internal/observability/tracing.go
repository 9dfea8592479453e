package observability

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

// ServiceName identifies the API process in traces.
const ServiceName = "forum-api"

// Span attributes shared by the HTTP layer, the services and the sweeper.
const (
	AttrPostID        = attribute.Key("forum.post_id")
	AttrCommentID     = attribute.Key("forum.comment_id")
	AttrHandle        = attribute.Key("forum.handle")
	AttrUID           = attribute.Key("forum.uid")
	AttrRole          = attribute.Key("forum.role")
	AttrVoteDirection = attribute.Key("forum.vote.direction")
	AttrMirrorSynced  = attribute.Key("forum.vote.mirror_synced")
	AttrRequestID     = attribute.Key("forum.request_id")
	AttrErrorCode     = attribute.Key("forum.error_code")
)

// Tracer is swapped by InitTracing once the provider is configured.
var Tracer trace.Tracer = otel.Tracer(ServiceName)

// TracingConfig holds configuration for initializing the tracer.
type TracingConfig struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	Enabled        bool
	Exporter       string // "stdout" or "otlp"
	OTLPEndpoint   string
	SamplerRatio   float64
}

// InitTracing installs the tracer provider and the W3C propagators and
// returns the provider's shutdown function.
func InitTracing(cfg TracingConfig) (func(context.Context) error, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = ServiceName
	}
	if !cfg.Enabled {
		Tracer = otel.Tracer(cfg.ServiceName)
		return func(context.Context) error { return nil }, nil
	}

	ctx := context.Background()
	exporter, err := newExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create tracing exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
			semconv.DeploymentEnvironment(cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(samplerFor(cfg.SamplerRatio)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	Tracer = tp.Tracer(cfg.ServiceName)

	return tp.Shutdown, nil
}

func newExporter(ctx context.Context, cfg TracingConfig) (sdktrace.SpanExporter, error) {
	if cfg.Exporter == "otlp" {
		return otlptracehttp.New(ctx,
			otlptracehttp.WithEndpoint(cfg.OTLPEndpoint),
			otlptracehttp.WithInsecure(),
		)
	}
	return stdouttrace.New(stdouttrace.WithPrettyPrint())
}

// samplerFor keeps parent decisions so a sampled client trace stays whole.
func samplerFor(ratio float64) sdktrace.Sampler {
	if ratio >= 1 {
		return sdktrace.AlwaysSample()
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
}

// Operation is the span around one forum write or sweep.
type Operation struct {
	span trace.Span
}

// StartOperation opens an internal span named "forum.<name>", e.g.
// "forum.post.create".
func StartOperation(ctx context.Context, name string, attrs ...attribute.KeyValue) (*Operation, context.Context) {
	ctx, span := Tracer.Start(ctx, "forum."+name,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)
	return &Operation{span: span}, ctx
}

// Annotate adds attributes learned after the operation started.
func (o *Operation) Annotate(attrs ...attribute.KeyValue) {
	if o.span != nil {
		o.span.SetAttributes(attrs...)
	}
}

// coded is satisfied by errors that carry a forum error code.
type coded interface {
	ErrorCode() string
}

// Finish ends the span, marking it failed when *err is set. Meant for
// defer with a named error result.
func (o *Operation) Finish(err *error) {
	if o.span == nil {
		return
	}
	if err != nil && *err != nil {
		o.span.RecordError(*err)
		o.span.SetStatus(codes.Error, (*err).Error())
		var c coded
		if errors.As(*err, &c) {
			o.span.SetAttributes(AttrErrorCode.String(c.ErrorCode()))
		}
	}
	o.span.End()
}
