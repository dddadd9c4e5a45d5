package config

import (
	"fmt"
	"strings"

	"github.com/caarlos0/env/v11"
	"go.opentelemetry.io/otel/attribute"
)

// OTELConfig holds the standard OpenTelemetry environment variables.
type OTELConfig struct {
	ServiceName        string `env:"OTEL_SERVICE_NAME" envDefault:"flextrace"`
	ResourceAttributes string `env:"OTEL_RESOURCE_ATTRIBUTES" envDefault:""`
	ExporterEndpoint   string `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:""`
	TracesEndpoint     string `env:"OTEL_EXPORTER_OTLP_TRACES_ENDPOINT" envDefault:""`
	Insecure           bool   `env:"OTEL_EXPORTER_OTLP_INSECURE" envDefault:"false"`
}

// ParseOTELConfig reads OTELConfig from environ.
func ParseOTELConfig(environ []string) (*OTELConfig, error) {
	var cfg OTELConfig
	if err := env.ParseWithOptions(&cfg, env.Options{Environment: env.ToMap(environ)}); err != nil {
		return nil, fmt.Errorf("parsing OTEL config: %w", err)
	}
	return &cfg, nil
}

// Enabled reports whether an exporter endpoint is configured. Without one
// spans go to a no-op tracer.
func (c *OTELConfig) Enabled() bool {
	return c.Endpoint() != ""
}

// Endpoint returns the traces endpoint as configured, preferring
// OTEL_EXPORTER_OTLP_TRACES_ENDPOINT over OTEL_EXPORTER_OTLP_ENDPOINT.
func (c *OTELConfig) Endpoint() string {
	if c.TracesEndpoint != "" {
		return c.TracesEndpoint
	}
	return c.ExporterEndpoint
}

// IsURL reports whether Endpoint carries an http or https scheme. A URL
// endpoint is used as is, path included; a bare host:port gets the default
// traces path.
func (c *OTELConfig) IsURL() bool {
	ep := c.Endpoint()
	return strings.HasPrefix(ep, "http://") || strings.HasPrefix(ep, "https://")
}

// UseInsecure reports whether spans are exported over plain HTTP. The
// scheme decides for URL endpoints; OTEL_EXPORTER_OTLP_INSECURE decides for
// host:port endpoints.
func (c *OTELConfig) UseInsecure() bool {
	if c.IsURL() {
		return strings.HasPrefix(c.Endpoint(), "http://")
	}
	return c.Insecure
}

// ParseResourceAttributes parses OTEL_RESOURCE_ATTRIBUTES
// (key1=value1,key2=value2). Malformed pairs are skipped.
func (c *OTELConfig) ParseResourceAttributes() []attribute.KeyValue {
	if c.ResourceAttributes == "" {
		return nil
	}

	var attrs []attribute.KeyValue
	for _, pair := range strings.Split(c.ResourceAttributes, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(pair), "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			continue
		}
		attrs = append(attrs, attribute.String(key, strings.TrimSpace(value)))
	}
	return attrs
}
