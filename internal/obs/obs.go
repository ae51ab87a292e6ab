// Package obs wraps OpenTelemetry tracing and metrics for the core: a span
// per connection handshake and per dispatch call, counters for dropped
// events, access denials, and active mappings.
package obs

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

const (
	// TracerName is the instrumentation scope name for core traces.
	TracerName = "mwcore"
	// MeterName is the instrumentation scope name for core metrics.
	MeterName = "mwcore"
)

// Config mirrors internal/config.ObsConfig; duplicated here (rather than
// imported) so obs has no dependency on the config package's yaml tags.
type Config struct {
	Enabled     bool
	Exporter    string
	Endpoint    string
	ServiceName string
	SampleRate  float64
}

// Provider wraps the OTel tracer/meter providers plus the core's metric
// instruments, with a single Shutdown.
type Provider struct {
	Tracer  trace.Tracer
	Meter   metric.Meter
	Metrics *Metrics

	shutdown func(context.Context) error
}

// Init sets up OpenTelemetry per cfg. If cfg.Enabled is false, returns a
// fully no-op provider.
func Init(ctx context.Context, cfg Config) (*Provider, error) {
	if !cfg.Enabled {
		tracer := nooptrace.NewTracerProvider().Tracer(TracerName)
		meter := noop.NewMeterProvider().Meter(MeterName)
		m, _ := NewMetrics(meter)
		return &Provider{
			Tracer:   tracer,
			Meter:    meter,
			Metrics:  m,
			shutdown: func(context.Context) error { return nil },
		}, nil
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "mwcore"
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName(serviceName)),
	)
	if err != nil {
		return nil, fmt.Errorf("obs: create resource: %w", err)
	}

	exporter, err := createExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("obs: create exporter: %w", err)
	}

	sampleRate := cfg.SampleRate
	if sampleRate <= 0 {
		sampleRate = 1.0
	}
	sampler := sdktrace.ParentBased(sdktrace.TraceIDRatioBased(sampleRate))

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)
	otel.SetTracerProvider(tp)

	mp := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res))
	meter := mp.Meter(MeterName)
	m, err := NewMetrics(meter)
	if err != nil {
		return nil, fmt.Errorf("obs: create metrics: %w", err)
	}

	return &Provider{
		Tracer:  tp.Tracer(TracerName),
		Meter:   meter,
		Metrics: m,
		shutdown: func(ctx context.Context) error {
			tErr := tp.Shutdown(ctx)
			mErr := mp.Shutdown(ctx)
			if tErr != nil {
				return tErr
			}
			return mErr
		},
	}, nil
}

// Shutdown flushes and shuts down the provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.shutdown == nil {
		return nil
	}
	return p.shutdown(ctx)
}

func createExporter(ctx context.Context, cfg Config) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case "otlp", "otlp-http", "":
		endpoint := cfg.Endpoint
		if endpoint == "" {
			endpoint = "localhost:4318"
		}
		return otlptracehttp.New(ctx,
			otlptracehttp.WithEndpoint(endpoint),
			otlptracehttp.WithInsecure(),
		)
	case "stdout":
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	case "none":
		return &noopExporter{}, nil
	default:
		return nil, fmt.Errorf("obs: unknown exporter %q (supported: otlp, stdout, none)", cfg.Exporter)
	}
}

type noopExporter struct{}

func (e *noopExporter) ExportSpans(context.Context, []sdktrace.ReadOnlySpan) error { return nil }
func (e *noopExporter) Shutdown(context.Context) error                            { return nil }

// Standard attribute keys for core spans.
var (
	AttrConnID     = attribute.Key("mw.conn.id")
	AttrEndpointID = attribute.Key("mw.endpoint.id")
	AttrMsgID      = attribute.Key("mw.msg.id")
	AttrModule     = attribute.Key("mw.transport.module")
	AttrFunctionID = attribute.Key("mw.dispatch.function_id")
)

// StartHandshakeSpan starts a span covering one connection's HELLO/AUTH/MAP
// handshake.
func StartHandshakeSpan(ctx context.Context, tracer trace.Tracer, connID string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	all := append([]attribute.KeyValue{AttrConnID.String(connID)}, attrs...)
	return tracer.Start(ctx, "mw.handshake", trace.WithAttributes(all...), trace.WithSpanKind(trace.SpanKindInternal))
}

// StartDispatchSpan starts a span covering one dispatch-table invocation.
func StartDispatchSpan(ctx context.Context, tracer trace.Tracer, functionID string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	all := append([]attribute.KeyValue{AttrFunctionID.String(functionID)}, attrs...)
	return tracer.Start(ctx, "mw.dispatch", trace.WithAttributes(all...), trace.WithSpanKind(trace.SpanKindInternal))
}
