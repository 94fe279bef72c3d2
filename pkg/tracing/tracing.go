// Package tracing provides the IngestionPipeline's distributed tracing:
// a span per ingest→stage→cold transition, recorded through the OTel
// SDK and logged on completion via a logrus-backed span processor rather
// than shipped to a collector.
package tracing

import (
	"context"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	oteltrace "go.opentelemetry.io/otel/trace"
)

const defaultServiceName = "cloud-logging"

// Config configures the tracer provider.
type Config struct {
	Enabled        bool
	ServiceName    string
	ServiceVersion string
}

// Manager owns the process-wide TracerProvider and exposes the single
// Tracer the pipeline instruments itself with.
type Manager struct {
	config   Config
	provider *sdktrace.TracerProvider
	tracer   oteltrace.Tracer
}

// New builds a Manager. When cfg.Enabled is false, Tracer() returns a
// no-op tracer so call sites never need their own enabled check.
func New(cfg Config, logger *logrus.Logger) (*Manager, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = defaultServiceName
	}
	if !cfg.Enabled {
		return &Manager{config: cfg, tracer: otel.Tracer("noop")}, nil
	}

	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		semconv.ServiceNameKey.String(cfg.ServiceName),
		semconv.ServiceVersionKey.String(cfg.ServiceVersion),
	))
	if err != nil {
		return nil, err
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(&logSpanProcessor{logger: logger}),
	)

	return &Manager{
		config:   cfg,
		provider: provider,
		tracer:   provider.Tracer(cfg.ServiceName),
	}, nil
}

// Tracer returns the tracer pipeline components start spans on.
func (m *Manager) Tracer() oteltrace.Tracer {
	return m.tracer
}

// Shutdown flushes and releases the tracer provider. A no-op when
// tracing is disabled.
func (m *Manager) Shutdown(ctx context.Context) error {
	if m.provider == nil {
		return nil
	}
	return m.provider.Shutdown(ctx)
}

// StartSpan starts a span named operation with attrs, returning the
// derived context and the span so the caller can RecordError/SetStatus
// and End it.
func StartSpan(ctx context.Context, tracer oteltrace.Tracer, operation string, attrs ...attribute.KeyValue) (context.Context, oteltrace.Span) {
	return tracer.Start(ctx, operation, oteltrace.WithAttributes(attrs...))
}

// EndSpan records err on span (if non-nil) before ending it.
func EndSpan(span oteltrace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// logSpanProcessor logs a line per completed span instead of exporting
// to a collector, since this service runs without a tracing backend
// configured.
type logSpanProcessor struct {
	logger *logrus.Logger
}

func (p *logSpanProcessor) OnStart(context.Context, sdktrace.ReadWriteSpan) {}

func (p *logSpanProcessor) OnEnd(s sdktrace.ReadOnlySpan) {
	p.logger.WithFields(logrus.Fields{
		"span":       s.Name(),
		"duration":   s.EndTime().Sub(s.StartTime()),
		"status":     s.Status().Code.String(),
		"span_id":    s.SpanContext().SpanID().String(),
		"trace_id":   s.SpanContext().TraceID().String(),
	}).Debug("tracing: span completed")
}

func (p *logSpanProcessor) Shutdown(context.Context) error   { return nil }
func (p *logSpanProcessor) ForceFlush(context.Context) error { return nil }

var _ sdktrace.SpanProcessor = (*logSpanProcessor)(nil)
