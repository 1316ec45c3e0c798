package output

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mrzor/probestat/internal/emitter"
	"github.com/mrzor/probestat/internal/poller"
	"github.com/mrzor/probestat/internal/report"

	"github.com/DataDog/sketches-go/ddsketch"
)

// RelativeAccuracy is the relative error of the quantile sketch.
const RelativeAccuracy = 0.01

// DefaultQuantiles are reported when none are configured.
var DefaultQuantiles = []float64{0.50, 0.95, 0.99}

// QuantileSink keeps a sketch of the latencies drained since the last
// report.
type QuantileSink struct {
	unit      time.Duration
	quantiles []float64

	mu     sync.Mutex
	sketch *ddsketch.DDSketch
}

// NewQuantileSink creates a sink reporting quantiles in unit.
func NewQuantileSink(unit time.Duration, quantiles ...float64) (*QuantileSink, error) {
	if unit <= 0 {
		unit = time.Nanosecond
	}
	if len(quantiles) == 0 {
		quantiles = DefaultQuantiles
	}
	sketch, err := ddsketch.NewDefaultDDSketch(RelativeAccuracy)
	if err != nil {
		return nil, fmt.Errorf("creating sketch: %w", err)
	}
	return &QuantileSink{unit: unit, quantiles: quantiles, sketch: sketch}, nil
}

// HandleRecord adds the latency of rec.
func (q *QuantileSink) HandleRecord(_ context.Context, rec emitter.Record, _ map[string]interface{}) error {
	if rec.Latency == 0 {
		return nil
	}
	v := float64(rec.Latency) / float64(q.unit)

	q.mu.Lock()
	defer q.mu.Unlock()
	return q.sketch.Add(v)
}

// Take returns the quantiles of the latencies seen since the previous
// call and starts a new window. It returns nil when nothing was seen.
func (q *QuantileSink) Take() ([]report.Quantile, error) {
	fresh, err := ddsketch.NewDefaultDDSketch(RelativeAccuracy)
	if err != nil {
		return nil, fmt.Errorf("creating sketch: %w", err)
	}

	q.mu.Lock()
	sketch := q.sketch
	q.sketch = fresh
	q.mu.Unlock()

	if sketch.IsEmpty() {
		return nil, nil
	}
	values, err := sketch.GetValuesAtQuantiles(q.quantiles)
	if err != nil {
		return nil, fmt.Errorf("reading quantiles: %w", err)
	}
	out := make([]report.Quantile, len(values))
	for i, v := range values {
		out[i] = report.Quantile{Q: q.quantiles[i], Value: v}
	}
	return out, nil
}

// Source wraps src so every collected report carries the quantiles of the
// window it covers.
func (q *QuantileSink) Source(src poller.Source) poller.Source {
	return quantileSource{src: src, sink: q}
}

type quantileSource struct {
	src  poller.Source
	sink *QuantileSink
}

func (s quantileSource) Collect(mode report.Mode) (report.Report, error) {
	r, err := s.src.Collect(mode)
	if err != nil {
		return r, err
	}
	r.Quantiles, err = s.sink.Take()
	return r, err
}
