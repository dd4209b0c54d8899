// Package otel provides OpenTelemetry tracer provider initialization and management.
package otel

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.uber.org/zap"

	"github.com/mrzor/net-tracer/internal/config"
)

// exportTimeout bounds a single OTLP export.
const exportTimeout = 10 * time.Second

// InitProvider creates a tracer provider exporting spans over OTLP/HTTP.
//
// The HTTP client honors HTTP_PROXY, HTTPS_PROXY and NO_PROXY through the
// standard net/http transport.
func InitProvider(ctx context.Context, cfg *config.OTELConfig, logger *zap.Logger) (*sdktrace.TracerProvider, error) {
	ctx, cancel := context.WithTimeout(ctx, exportTimeout)
	defer cancel()

	endpoint, err := cfg.ParseEndpoint()
	if err != nil {
		return nil, err
	}
	logger.Info("OTEL configuration",
		zap.String("service_name", cfg.ServiceName),
		zap.String("endpoint", endpoint.HostPort),
		zap.String("path", endpoint.Path),
		zap.Bool("tls", endpoint.Secure),
		zap.String("resource_attributes", cfg.ResourceAttributes),
		zap.String("http_proxy", proxyFromEnv("HTTP_PROXY")),
		zap.String("https_proxy", proxyFromEnv("HTTPS_PROXY")),
	)

	exporter, err := otlptracehttp.New(ctx, exporterOptions(endpoint)...)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP trace exporter: %w", err)
	}

	res, err := NewResource(ctx, cfg)
	if err != nil {
		return nil, err
	}

	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	), nil
}

func exporterOptions(endpoint config.Endpoint) []otlptracehttp.Option {
	opts := []otlptracehttp.Option{
		otlptracehttp.WithEndpoint(endpoint.HostPort),
		otlptracehttp.WithURLPath(endpoint.Path),
		otlptracehttp.WithTimeout(exportTimeout),
	}
	if !endpoint.Secure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	return opts
}

// NewResource describes the agent: its service name plus the configured
// resource attributes.
func NewResource(ctx context.Context, cfg *config.OTELConfig) (*resource.Resource, error) {
	attrs, err := cfg.Resource()
	if err != nil {
		return nil, err
	}
	opts := []resource.Option{
		resource.WithAttributes(semconv.ServiceName(cfg.ServiceName)),
	}
	if len(attrs) > 0 {
		opts = append(opts, resource.WithAttributes(attrs...))
	}

	res, err := resource.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}
	return res, nil
}

// ShutdownProvider gracefully shuts down the tracer provider, flushing any remaining spans.
func ShutdownProvider(ctx context.Context, tp *sdktrace.TracerProvider) error {
	if tp == nil {
		return nil
	}
	if err := tp.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown tracer provider: %w", err)
	}
	return nil
}

func proxyFromEnv(name string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return os.Getenv(strings.ToLower(name))
}
