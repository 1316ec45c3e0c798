// Package config resolves runtime configuration from the environment, CLI
// flags and the probe site file.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/mrzor/probestat/internal/pipeline"
	"github.com/mrzor/probestat/internal/report"
)

// EnvPrefix prefixes every probestat environment variable.
const EnvPrefix = "PROBESTAT_"

// ErrNoSites is returned when no probe site is configured.
var ErrNoSites = errors.New("no probe sites configured")

// CustomAttribute is a span attribute computed from an expression.
type CustomAttribute struct {
	Name       string
	Expression string
}

// Config holds the resolved configuration.
type Config struct {
	ObjectPath string `env:"OBJECT"`
	SitesFile  string `env:"SITES"`

	PollInterval time.Duration `env:"POLL_INTERVAL" envDefault:"5s"`
	Mode         string        `env:"MODE" envDefault:"cumulative"`

	CorrelationCapacity int           `env:"CORRELATION_CAPACITY" envDefault:"10240"`
	ProbeWindow         int           `env:"PROBE_WINDOW" envDefault:"32"`
	Buckets             int           `env:"BUCKETS" envDefault:"64"`
	Unit                string        `env:"UNIT" envDefault:"us"`
	EntityCapacity      int           `env:"ENTITY_CAPACITY" envDefault:"4096"`
	Shards              int           `env:"SHARDS" envDefault:"0"`
	EmitterCapacity     int           `env:"EMITTER_CAPACITY" envDefault:"4096"`
	DrainTimeout        time.Duration `env:"DRAIN_TIMEOUT" envDefault:"100ms"`
	MaxInterval         time.Duration `env:"MAX_INTERVAL" envDefault:"1s"`

	Filter     string `env:"FILTER"`
	Attributes string `env:"ATTRIBUTES"`

	MetricsAddr string `env:"METRICS_ADDR"`
	EnableSpans bool   `env:"SPANS" envDefault:"false"`
	Quantiles   bool   `env:"QUANTILES" envDefault:"true"`

	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	Development bool   `env:"LOG_DEVELOPMENT" envDefault:"false"`
}

// Load reads the configuration from PROBESTAT_* environment variables,
// applying defaults for unset ones.
func Load() (*Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}

// Validate checks values that flags and env cannot constrain.
func (c *Config) Validate() error {
	var errs []error
	if c.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("poll interval must be positive, got %s", c.PollInterval))
	}
	if _, err := c.ReportMode(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.UnitDuration(); err != nil {
		errs = append(errs, err)
	}
	if c.Buckets < 1 || c.Buckets > 64 {
		errs = append(errs, fmt.Errorf("buckets must be in [1, 64], got %d", c.Buckets))
	}
	if c.CorrelationCapacity < 1 {
		errs = append(errs, fmt.Errorf("correlation capacity must be positive, got %d", c.CorrelationCapacity))
	}
	if c.ProbeWindow < 1 {
		errs = append(errs, fmt.Errorf("probe window must be positive, got %d", c.ProbeWindow))
	}
	if c.EmitterCapacity < 1 {
		errs = append(errs, fmt.Errorf("emitter capacity must be positive, got %d", c.EmitterCapacity))
	}
	if c.Shards < 0 {
		errs = append(errs, fmt.Errorf("shards must not be negative, got %d", c.Shards))
	}
	if _, err := ParseAttributeString(c.Attributes); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// ReportMode parses Mode.
func (c *Config) ReportMode() (report.Mode, error) {
	m, ok := report.ParseMode(c.Mode)
	if !ok {
		return m, fmt.Errorf("invalid report mode %q (want cumulative or delta)", c.Mode)
	}
	return m, nil
}

// UnitDuration parses the histogram unit.
func (c *Config) UnitDuration() (time.Duration, error) {
	switch strings.ToLower(c.Unit) {
	case "ns":
		return time.Nanosecond, nil
	case "us", "µs":
		return time.Microsecond, nil
	case "ms":
		return time.Millisecond, nil
	}
	return 0, fmt.Errorf("invalid histogram unit %q (want ns, us or ms)", c.Unit)
}

// CustomAttributes parses Attributes. Call Validate first.
func (c *Config) CustomAttributes() []CustomAttribute {
	attrs, _ := ParseAttributeString(c.Attributes)
	return attrs
}

// Pipeline returns the sizing of the shared structures.
func (c *Config) Pipeline() pipeline.Config {
	unit, _ := c.UnitDuration()
	return pipeline.Config{
		CorrelationCapacity: c.CorrelationCapacity,
		ProbeWindow:         c.ProbeWindow,
		Buckets:             c.Buckets,
		Unit:                unit,
		EntityCapacity:      c.EntityCapacity,
		Shards:              c.Shards,
		EmitterCapacity:     c.EmitterCapacity,
		MaxInterval:         c.MaxInterval,
	}
}

// ParseAttributeString parses "name=expr;name2=expr2". Empty sections are
// skipped.
func ParseAttributeString(s string) ([]CustomAttribute, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}

	var attrs []CustomAttribute
	for _, part := range strings.Split(s, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, expression, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("invalid attribute format %q: expected name=expression", part)
		}
		name = strings.TrimSpace(name)
		expression = strings.TrimSpace(expression)
		if name == "" {
			return nil, fmt.Errorf("invalid attribute %q: name cannot be empty", part)
		}
		if expression == "" {
			return nil, fmt.Errorf("invalid attribute %q: expression cannot be empty", part)
		}
		attrs = append(attrs, CustomAttribute{Name: name, Expression: expression})
	}
	return attrs, nil
}
