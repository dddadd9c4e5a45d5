// Package otel sets up the tracer used for control-plane spans: session
// setup, counter attachment, probe attach and detach.
package otel

import (
	"context"
	"fmt"
	"time"

	"github.com/mrzor/flextrace/internal/config"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
)

// TracerName is the instrumentation scope of flextrace spans.
const TracerName = "github.com/mrzor/flextrace"

const exportTimeout = 10 * time.Second

// Provider wraps the tracer provider and its shutdown.
type Provider struct {
	tp  trace.TracerProvider
	sdk *sdktrace.TracerProvider
}

// Tracer returns the flextrace tracer.
func (p *Provider) Tracer() trace.Tracer {
	return p.tp.Tracer(TracerName)
}

// Shutdown flushes pending spans. It is a no-op without an exporter.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.sdk == nil {
		return nil
	}
	if err := p.sdk.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down tracer provider: %w", err)
	}
	return nil
}

// Noop returns a Provider that records nothing.
func Noop() *Provider {
	return &Provider{tp: noop.NewTracerProvider()}
}

// InitProvider exports spans over OTLP/HTTP when cfg names an endpoint and
// returns Noop otherwise. The HTTP client honours HTTP_PROXY, HTTPS_PROXY
// and NO_PROXY.
func InitProvider(ctx context.Context, cfg *config.OTELConfig, logger *zap.Logger) (*Provider, error) {
	if !cfg.Enabled() {
		logger.Debug("no OTLP endpoint configured, tracing disabled")
		return Noop(), nil
	}

	endpoint := cfg.Endpoint()
	logger.Info("exporting spans",
		zap.String("endpoint", endpoint),
		zap.String("service", cfg.ServiceName),
		zap.Bool("insecure", cfg.UseInsecure()),
	)

	exporter, err := otlptracehttp.New(ctx, exporterOptions(cfg)...)
	if err != nil {
		return nil, fmt.Errorf("creating OTLP trace exporter: %w", err)
	}

	attrs := append(cfg.ParseResourceAttributes(), semconv.ServiceName(cfg.ServiceName))
	res, err := resource.New(ctx, resource.WithAttributes(attrs...))
	if err != nil {
		return nil, fmt.Errorf("creating resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	return &Provider{tp: tp, sdk: tp}, nil
}

func exporterOptions(cfg *config.OTELConfig) []otlptracehttp.Option {
	opts := []otlptracehttp.Option{otlptracehttp.WithTimeout(exportTimeout)}
	if cfg.IsURL() {
		// the scheme selects TLS and the path is kept
		return append(opts, otlptracehttp.WithEndpointURL(cfg.Endpoint()))
	}
	opts = append(opts, otlptracehttp.WithEndpoint(cfg.Endpoint()))
	if cfg.UseInsecure() {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	return opts
}
