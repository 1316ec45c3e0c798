package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"go.opentelemetry.io/otel/attribute"
)

// DefaultOTLPEndpoint is used when neither OTLP endpoint variable is set.
const DefaultOTLPEndpoint = "localhost:4318"

// DefaultExportTimeout bounds one OTLP export request.
const DefaultExportTimeout = 10 * time.Second

// OTELConfig controls span export of drained records. The OTEL_* variables
// follow the OpenTelemetry conventions; the PROBESTAT_* ones are specific to
// the record span sink.
type OTELConfig struct {
	ServiceName        string `env:"OTEL_SERVICE_NAME" envDefault:"probestat"`
	ResourceAttributes string `env:"OTEL_RESOURCE_ATTRIBUTES" envDefault:""`
	ExporterEndpoint   string `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:""`
	TracesEndpoint     string `env:"OTEL_EXPORTER_OTLP_TRACES_ENDPOINT" envDefault:""`

	// TracerName is the instrumentation scope of record spans.
	TracerName    string        `env:"PROBESTAT_TRACER_NAME" envDefault:"probestat"`
	ExportTimeout time.Duration `env:"PROBESTAT_OTLP_TIMEOUT" envDefault:"10s"`
	// Insecure exports over plain HTTP.
	Insecure bool `env:"PROBESTAT_OTLP_INSECURE" envDefault:"true"`
}

// ParseOTELConfig parses and validates the OTEL configuration from the
// environment.
func ParseOTELConfig() (*OTELConfig, error) {
	var cfg OTELConfig
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse OTEL config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the exporter cannot run with.
func (c *OTELConfig) Validate() error {
	var errs []error
	if strings.TrimSpace(c.TracerName) == "" {
		errs = append(errs, errors.New("PROBESTAT_TRACER_NAME must not be empty"))
	}
	if c.ExportTimeout <= 0 {
		errs = append(errs, fmt.Errorf("PROBESTAT_OTLP_TIMEOUT must be positive, got %s", c.ExportTimeout))
	}
	return errors.Join(errs...)
}

// GetEndpoint returns the traces endpoint.
// Priority: OTEL_EXPORTER_OTLP_TRACES_ENDPOINT > OTEL_EXPORTER_OTLP_ENDPOINT > DefaultOTLPEndpoint.
func (c *OTELConfig) GetEndpoint() string {
	if c.TracesEndpoint != "" {
		return c.TracesEndpoint
	}
	if c.ExporterEndpoint != "" {
		return c.ExporterEndpoint
	}
	return DefaultOTLPEndpoint
}

// Timeout returns ExportTimeout, or DefaultExportTimeout when unset.
func (c *OTELConfig) Timeout() time.Duration {
	if c.ExportTimeout <= 0 {
		return DefaultExportTimeout
	}
	return c.ExportTimeout
}

// ParseResourceAttributes parses OTEL_RESOURCE_ATTRIBUTES, a list of
// key=value pairs separated by commas. Values are percent-decoded; pairs
// without a key or with a malformed escape are skipped.
func (c *OTELConfig) ParseResourceAttributes() []attribute.KeyValue {
	if c.ResourceAttributes == "" {
		return nil
	}

	var attrs []attribute.KeyValue
	for _, pair := range strings.Split(c.ResourceAttributes, ",") {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			continue
		}
		value, err := url.PathUnescape(strings.TrimSpace(value))
		if err != nil {
			continue
		}
		attrs = append(attrs, attribute.String(key, value))
	}
	return attrs
}
