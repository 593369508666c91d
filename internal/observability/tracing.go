package observability

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/jkaninda/mcpforge/internal/config"
)

const defaultServiceName = "mcpforge"

// Span attribute keys shared by every span that concerns a child server.
const (
	AttrServerID       = attribute.Key("mcpforge.server.id")
	AttrServerLanguage = attribute.Key("mcpforge.server.language")
	AttrToolName       = attribute.Key("mcpforge.tool.name")
	AttrToolStatus     = attribute.Key("mcpforge.tool.status")
	AttrBuildStep      = attribute.Key("mcpforge.build.step")
	AttrBuildDir       = attribute.Key("mcpforge.build.dir")
	AttrBuildExitCode  = attribute.Key("mcpforge.build.exit_code")
)

// ServerAttrs identifies a child server on a span.
func ServerAttrs(serverID, language string) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, 2)
	if serverID != "" {
		attrs = append(attrs, AttrServerID.String(serverID))
	}
	if language != "" {
		attrs = append(attrs, AttrServerLanguage.String(language))
	}
	return attrs
}

// TracerSetup holds the OTel TracerProvider and the broker's tracer.
// Not set as global; injected where spans are recorded.
type TracerSetup struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// NewTracerSetup creates a TracerProvider exporting over OTLP. It returns
// nil when tracing is disabled.
func NewTracerSetup(cfg *config.TracingConfig) (*TracerSetup, error) {
	if cfg == nil || !cfg.Enabled {
		return nil, nil
	}
	ctx := context.Background()

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = defaultServiceName
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String(serviceName)),
		resource.WithHost(),
		resource.WithProcessPID(),
	)
	if err != nil {
		return nil, fmt.Errorf("creating resource: %w", err)
	}

	exporter, err := newExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("creating OTLP exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(sampleRate(cfg.SampleRate)))),
	)
	return &TracerSetup{
		provider: tp,
		tracer:   tp.Tracer(serviceName),
	}, nil
}

// newExporter picks the OTLP transport. Endpoints with a scheme are passed
// as URLs, bare host:port values as endpoints.
func newExporter(ctx context.Context, cfg *config.TracingConfig) (sdktrace.SpanExporter, error) {
	isURL := strings.Contains(cfg.Endpoint, "://")

	if cfg.Protocol == "http" {
		var opts []otlptracehttp.Option
		switch {
		case cfg.Endpoint == "":
		case isURL:
			opts = append(opts, otlptracehttp.WithEndpointURL(cfg.Endpoint))
		default:
			opts = append(opts, otlptracehttp.WithEndpoint(cfg.Endpoint))
		}
		if cfg.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		return otlptracehttp.New(ctx, opts...)
	}

	var opts []otlptracegrpc.Option
	switch {
	case cfg.Endpoint == "":
	case isURL:
		opts = append(opts, otlptracegrpc.WithEndpointURL(cfg.Endpoint))
	default:
		opts = append(opts, otlptracegrpc.WithEndpoint(cfg.Endpoint))
	}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	return otlptracegrpc.New(ctx, opts...)
}

// sampleRate clamps a configured ratio into (0, 1]; unset means sample all.
func sampleRate(rate float64) float64 {
	if rate <= 0 || rate > 1 {
		return 1
	}
	return rate
}

// Tracer returns the broker's tracer, or a no-op tracer when t is nil.
func (t *TracerSetup) Tracer() trace.Tracer {
	if t == nil {
		return noop.NewTracerProvider().Tracer("")
	}
	return t.tracer
}

// StartServerSpan starts a span tagged with the server it concerns.
func (t *TracerSetup) StartServerSpan(ctx context.Context, name, serverID, language string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(ServerAttrs(serverID, language), attrs...)
	return t.Tracer().Start(ctx, name, trace.WithAttributes(attrs...))
}

// Shutdown flushes pending spans and stops the provider.
func (t *TracerSetup) Shutdown(ctx context.Context) error {
	if t == nil || t.provider == nil {
		return nil
	}
	return t.provider.Shutdown(ctx)
}
