package config

import (
	"testing"
	"time"

	"github.com/mrzor/probestat/internal/report"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 5*time.Second, cfg.PollInterval)
	assert.Equal(t, "cumulative", cfg.Mode)
	assert.Equal(t, 10240, cfg.CorrelationCapacity)
	assert.Equal(t, 32, cfg.ProbeWindow)
	assert.Equal(t, 64, cfg.Buckets)
	assert.Equal(t, "us", cfg.Unit)
	assert.Equal(t, 4096, cfg.EntityCapacity)
	assert.Equal(t, 4096, cfg.EmitterCapacity)
	assert.Equal(t, 100*time.Millisecond, cfg.DrainTimeout)
	assert.Equal(t, time.Second, cfg.MaxInterval)
	assert.Equal(t, "info", cfg.LogLevel)
	require.NoError(t, cfg.Validate())
}

func TestLoad_FromEnvironment(t *testing.T) {
	t.Setenv("PROBESTAT_POLL_INTERVAL", "1s")
	t.Setenv("PROBESTAT_MODE", "delta")
	t.Setenv("PROBESTAT_UNIT", "ns")
	t.Setenv("PROBESTAT_SHARDS", "3")
	t.Setenv("PROBESTAT_ATTRIBUTES", "slow=latency_us > 1000")

	cfg, err := Load()
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	mode, err := cfg.ReportMode()
	require.NoError(t, err)
	assert.Equal(t, report.Delta, mode)

	pc := cfg.Pipeline()
	assert.Equal(t, time.Nanosecond, pc.Unit)
	assert.Equal(t, 3, pc.Shards)
	assert.Equal(t, time.Second, cfg.PollInterval)
	assert.Equal(t, []CustomAttribute{{Name: "slow", Expression: "latency_us > 1000"}}, cfg.CustomAttributes())
}

func TestLoad_BadEnvironment(t *testing.T) {
	t.Setenv("PROBESTAT_BUCKETS", "many")
	_, err := Load()
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{name: "bad mode", mutate: func(c *Config) { c.Mode = "rolling" }, errMsg: "invalid report mode"},
		{name: "bad unit", mutate: func(c *Config) { c.Unit = "s" }, errMsg: "invalid histogram unit"},
		{name: "zero interval", mutate: func(c *Config) { c.PollInterval = 0 }, errMsg: "poll interval"},
		{name: "too many buckets", mutate: func(c *Config) { c.Buckets = 65 }, errMsg: "buckets"},
		{name: "no emitter room", mutate: func(c *Config) { c.EmitterCapacity = 0 }, errMsg: "emitter capacity"},
		{name: "negative shards", mutate: func(c *Config) { c.Shards = -1 }, errMsg: "shards"},
		{name: "bad attribute", mutate: func(c *Config) { c.Attributes = "nope" }, errMsg: "invalid attribute format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load()
			require.NoError(t, err)
			tt.mutate(cfg)

			err = cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestUnitDuration(t *testing.T) {
	for unit, want := range map[string]time.Duration{
		"ns": time.Nanosecond,
		"us": time.Microsecond,
		"µs": time.Microsecond,
		"MS": time.Millisecond,
	} {
		cfg := &Config{Unit: unit}
		got, err := cfg.UnitDuration()
		require.NoError(t, err, unit)
		assert.Equal(t, want, got, unit)
	}
}

func TestParseAttributeString_Valid(t *testing.T) {
	attrStr := "slow=latency_us > 1000;dev=key;site=site"
	attrs, err := ParseAttributeString(attrStr)

	require.NoError(t, err)
	require.Len(t, attrs, 3)
	assert.Equal(t, "slow", attrs[0].Name)
	assert.Equal(t, "latency_us > 1000", attrs[0].Expression)
	assert.Equal(t, "dev", attrs[1].Name)
	assert.Equal(t, "key", attrs[1].Expression)
}

func TestParseAttributeString_Empty(t *testing.T) {
	attrs, err := ParseAttributeString("")
	require.NoError(t, err)
	assert.Nil(t, attrs)
}

func TestParseAttributeString_InvalidFormat(t *testing.T) {
	_, err := ParseAttributeString("invalid_no_equals")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid attribute format")
}

func TestParseAttributeString_EmptyName(t *testing.T) {
	_, err := ParseAttributeString("=value")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "name cannot be empty")
}

func TestParseAttributeString_EmptyExpression(t *testing.T) {
	_, err := ParseAttributeString("name=")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expression cannot be empty")
}

func TestParseAttributeString_Whitespace(t *testing.T) {
	attrs, err := ParseAttributeString("  foo  =  bar  ;  baz  =  qux  ;;")

	require.NoError(t, err)
	require.Len(t, attrs, 2)
	assert.Equal(t, CustomAttribute{Name: "foo", Expression: "bar"}, attrs[0])
	assert.Equal(t, CustomAttribute{Name: "baz", Expression: "qux"}, attrs[1])
}

func TestParseAttributeString_EqualsInExpression(t *testing.T) {
	attrs, err := ParseAttributeString(`is_done=site == "done"`)
	require.NoError(t, err)
	require.Len(t, attrs, 1)
	assert.Equal(t, `site == "done"`, attrs[0].Expression)
}
