package attributes

import (
	"testing"

	"github.com/mrzor/probestat/internal/emitter"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFilter(t *testing.T) {
	slow := emitter.Record{Latency: 5_000_000, CPU: 1}
	fast := emitter.Record{Latency: 800, CPU: 2}

	tests := []struct {
		expression string
		record     emitter.Record
		site       string
		want       bool
	}{
		{expression: "", record: fast, want: true},
		{expression: "latency_ms >= 1", record: slow, want: true},
		{expression: "latency_ms >= 1", record: fast, want: false},
		{expression: "latency_ns < 1000 && cpu == 2", record: fast, want: true},
		{expression: `site startsWith "blk"`, record: fast, site: "blk_account_io_completion", want: true},
		{expression: `site in ["sync"]`, record: fast, site: "done", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.expression, func(t *testing.T) {
			f, err := NewFilter(tt.expression)
			require.NoError(t, err)
			assert.Equal(t, tt.expression, f.String())

			got, err := f.Match(RecordEnv(tt.record, tt.site))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFilter_CompileErrors(t *testing.T) {
	_, err := NewFilter("latency_ns +")
	assert.Error(t, err)

	_, err = NewFilter("site")
	assert.Error(t, err, "non-boolean filter must be rejected")

	_, err = NewFilter("pid == 1")
	assert.Error(t, err, "unknown variable")

	_, err = NewFilter(`entity == "eth0"`)
	assert.Error(t, err, "records carry no interface name")
}

func TestFilter_RuntimeError(t *testing.T) {
	f, err := NewFilter("int(site) > 0")
	require.NoError(t, err)

	_, err = f.Match(RecordEnv(emitter.Record{}, "abc"))
	assert.Error(t, err)
}
