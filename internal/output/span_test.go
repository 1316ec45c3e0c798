package output

import (
	"context"
	"testing"
	"time"

	"github.com/mrzor/probestat/internal/attributes"
	"github.com/mrzor/probestat/internal/config"
	"github.com/mrzor/probestat/internal/emitter"
	"github.com/mrzor/probestat/internal/timesync"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap/zaptest"
)

func TestSpanSink_ExplicitTimestamps(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	boot := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	evaluator, err := attributes.NewEvaluator([]config.CustomAttribute{
		{Name: "slow", Expression: `latency_us > 100`},
	}, zaptest.NewLogger(t))
	require.NoError(t, err)

	sink := NewSpanSink(tp.Tracer("test"), timesync.NewConverterAt(boot), evaluator)

	rec := emitter.Record{Timestamp: 2_000_000_000, Site: 1, CPU: 3, Key: 0xbeef, Latency: 500_000}
	env := attributes.RecordEnv(rec, "blk_account_io_completion")
	require.NoError(t, sink.HandleRecord(context.Background(), rec, env))

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	s := spans[0]
	assert.Equal(t, "blk_account_io_completion", s.Name())
	assert.Equal(t, boot.Add(2*time.Second), s.EndTime())
	assert.Equal(t, boot.Add(2*time.Second-500*time.Microsecond), s.StartTime())

	attrs := make(map[string]string)
	for _, kv := range s.Attributes() {
		attrs[string(kv.Key)] = kv.Value.Emit()
	}
	assert.Equal(t, "0xbeef", attrs["probe.key"])
	assert.Equal(t, "3", attrs["probe.cpu"])
	assert.Equal(t, "true", attrs["slow"])
}

func TestSpanSink_SkipsRecordsWithoutLatency(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	sink := NewSpanSink(tp.Tracer("test"), timesync.NewConverterAt(time.Unix(0, 0)), nil)
	require.NoError(t, sink.HandleRecord(context.Background(), emitter.Record{Timestamp: 10}, nil))
	assert.Empty(t, recorder.Ended())
}
