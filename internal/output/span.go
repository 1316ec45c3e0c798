package output

import (
	"context"
	"strconv"
	"time"

	"github.com/mrzor/probestat/internal/attributes"
	"github.com/mrzor/probestat/internal/emitter"
	"github.com/mrzor/probestat/internal/timesync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// SpanSink turns each correlated record into a span whose start and end
// are the probe timestamps.
type SpanSink struct {
	tracer    trace.Tracer
	clock     *timesync.Converter
	evaluator *attributes.Evaluator
}

// NewSpanSink creates a SpanSink. evaluator may be nil.
func NewSpanSink(tracer trace.Tracer, clock *timesync.Converter, evaluator *attributes.Evaluator) *SpanSink {
	return &SpanSink{tracer: tracer, clock: clock, evaluator: evaluator}
}

// HandleRecord emits one span for rec. Records without a latency have no
// start and are skipped.
func (s *SpanSink) HandleRecord(ctx context.Context, rec emitter.Record, env map[string]interface{}) error {
	if rec.Latency == 0 {
		return nil
	}

	endTime := s.clock.MonotonicToWallClock(rec.Timestamp)
	//nolint:gosec // latencies are far below the int64 range
	startTime := endTime.Add(-time.Duration(rec.Latency))

	name, _ := env["site"].(string)
	if name == "" {
		name = "probe"
	}

	_, span := s.tracer.Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithTimestamp(startTime),
	)

	span.SetAttributes(
		attribute.Int64("probe.site_id", int64(rec.Site)),
		attribute.Int64("probe.cpu", int64(rec.CPU)),
		attribute.String("probe.key", "0x"+strconv.FormatUint(rec.Key, 16)),
		//nolint:gosec // latencies are far below the int64 range
		attribute.Int64("probe.latency_ns", int64(rec.Latency)),
	)
	if s.evaluator != nil {
		if attrs := s.evaluator.Evaluate(env); len(attrs) > 0 {
			span.SetAttributes(attrs...)
		}
	}

	span.SetStatus(codes.Ok, "")
	span.End(trace.WithTimestamp(endTime))
	return nil
}
