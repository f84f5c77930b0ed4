// Package telemetry provides OpenTelemetry tracing and metrics for the gwi
// services. Traces export over OTLP gRPC when an endpoint is configured and
// to stdout in development. Metrics bridge into the Prometheus registry so a
// single /metrics endpoint serves everything.
//
// The package-level helpers (Counter, Histogram, Duration, StartSpan) are
// safe to call before Init: the global OpenTelemetry providers delegate to
// the real ones once they are installed.
package telemetry

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.34.0"

	"github.com/gitwithintent/gwi/core"
)

// Config controls exporter selection
type Config struct {
	// ServiceName identifies the service in exported telemetry
	ServiceName string

	// Endpoint is the OTLP gRPC collector address. Empty selects the
	// stdout exporter in development.
	Endpoint string

	// Insecure disables TLS on the OTLP connection
	Insecure bool

	// Enabled turns span export on. When false spans are still created
	// for context propagation but never exported.
	Enabled bool
}

// Provider owns the tracer and meter providers created by Init
type Provider struct {
	traceProvider *sdktrace.TracerProvider
	meterProvider *sdkmetric.MeterProvider
	logger        core.Logger
}

// Init installs global OpenTelemetry providers according to cfg.
// Call Shutdown before process exit to flush buffered spans.
func Init(ctx context.Context, cfg Config, logger core.Logger) (*Provider, error) {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("gwi/telemetry")
	}

	res, err := buildResource(cfg.ServiceName)
	if err != nil {
		return nil, fmt.Errorf("failed to create telemetry resource: %w", err)
	}

	tp, err := setupTraceProvider(ctx, cfg, res)
	if err != nil {
		return nil, err
	}

	// Metrics read through the Prometheus bridge into the default
	// registry, alongside the counters registered directly.
	reader, err := otelprom.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus bridge: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(reader),
	)

	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	logger.Info("Telemetry initialized", map[string]interface{}{
		"service":  cfg.ServiceName,
		"endpoint": cfg.Endpoint,
		"enabled":  cfg.Enabled,
	})

	return &Provider{
		traceProvider: tp,
		meterProvider: mp,
		logger:        logger,
	}, nil
}

// Shutdown flushes and stops the providers
func (p *Provider) Shutdown(ctx context.Context) error {
	var firstErr error
	if err := p.traceProvider.Shutdown(ctx); err != nil {
		firstErr = err
	}
	if err := p.meterProvider.Shutdown(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func buildResource(serviceName string) (*resource.Resource, error) {
	if serviceName == "" {
		serviceName = os.Getenv("OTEL_SERVICE_NAME")
		if serviceName == "" {
			serviceName = "gwi"
		}
	}

	return resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String(serviceName),
			semconv.ServiceVersionKey.String(core.Version),
			semconv.DeploymentEnvironmentNameKey.String(deploymentEnvironment()),
			semconv.K8SNamespaceNameKey.String(os.Getenv("KUBERNETES_NAMESPACE")),
			semconv.K8SPodNameKey.String(os.Getenv("HOSTNAME")),
		),
	)
}

func setupTraceProvider(ctx context.Context, cfg Config, res *resource.Resource) (*sdktrace.TracerProvider, error) {
	if !cfg.Enabled {
		// Spans still propagate context but are never exported.
		return sdktrace.NewTracerProvider(sdktrace.WithResource(res)), nil
	}

	var exporter sdktrace.SpanExporter
	var err error
	if cfg.Endpoint != "" {
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		exporter, err = otlptracegrpc.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
		}
	} else {
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("failed to create stdout exporter: %w", err)
		}
	}

	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler()),
	), nil
}

func sampler() sdktrace.Sampler {
	if os.Getenv("OTEL_TRACES_SAMPLER") == "traceidratio" {
		if ratio, err := strconv.ParseFloat(os.Getenv("OTEL_TRACES_SAMPLER_ARG"), 64); err == nil {
			return sdktrace.TraceIDRatioBased(ratio)
		}
	}
	return sdktrace.AlwaysSample()
}

func deploymentEnvironment() string {
	if env := os.Getenv("DEPLOYMENT_ENVIRONMENT"); env != "" {
		return env
	}
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "production"
	}
	return "development"
}
