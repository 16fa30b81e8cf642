package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// TracerName is the instrumentation name used for boardsync spans
const TracerName = "github.com/developer-mesh/boardsync"

// TracingConfig configures span export over OTLP/gRPC
type TracingConfig struct {
	Enabled     bool    `json:"enabled" mapstructure:"enabled"`
	ServiceName string  `json:"service_name,omitempty" mapstructure:"service_name"`
	Endpoint    string  `json:"endpoint,omitempty" mapstructure:"endpoint"`
	SampleRatio float64 `json:"sample_ratio,omitempty" mapstructure:"sample_ratio" validate:"min=0,max=1"`
}

// InitTracing installs a global tracer provider exporting to cfg.Endpoint.
// The returned function flushes and shuts the provider down. When tracing is
// disabled the global tracer stays a no-op.
func InitTracing(ctx context.Context, cfg TracingConfig, environment string, logger Logger) (func(), error) {
	logger = OrNoop(logger)
	if !cfg.Enabled {
		logger.Debug("Tracing is disabled", nil)
		return func() {}, nil
	}

	if cfg.ServiceName == "" {
		cfg.ServiceName = "boardsync-relay"
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = "localhost:4317"
	}
	if cfg.SampleRatio == 0 {
		cfg.SampleRatio = 1
	}

	conn, err := grpc.NewClient(cfg.Endpoint, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to create gRPC connection to collector: %w", err)
	}

	exporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			attribute.String("service.name", cfg.ServiceName),
			attribute.String("environment", environment),
		),
	)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))),
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter),
	)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	logger.Info("Tracing initialized", map[string]interface{}{
		"service":  cfg.ServiceName,
		"endpoint": cfg.Endpoint,
	})

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(ctx); err != nil {
			logger.Warn("Error shutting down tracer provider", map[string]interface{}{"error": err.Error()})
		}
		_ = conn.Close()
	}, nil
}

// StartSpan starts a span on the global OpenTelemetry tracer. Without a
// configured provider the global tracer is a no-op.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(TracerName).Start(ctx, name, trace.WithAttributes(attrs...))
}

// EndSpan records err on span (if any) and ends it
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
