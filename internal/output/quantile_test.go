package output

import (
	"context"
	"testing"
	"time"

	"github.com/mrzor/probestat/internal/emitter"
	"github.com/mrzor/probestat/internal/poller"
	"github.com/mrzor/probestat/internal/report"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQuantileSink_Take(t *testing.T) {
	q, err := NewQuantileSink(time.Microsecond)
	require.NoError(t, err)

	for i := 1; i <= 100; i++ {
		require.NoError(t, q.HandleRecord(context.Background(), emitter.Record{Latency: uint64(i) * 1000}, nil))
	}

	got, err := q.Take()
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, 0.50, got[0].Q)
	assert.InEpsilon(t, 50, got[0].Value, 0.03)
	assert.InEpsilon(t, 95, got[1].Value, 0.03)
	assert.InEpsilon(t, 99, got[2].Value, 0.03)

	// window restarted
	got, err = q.Take()
	require.NoError(t, err)
	assert.Nil(t, got)
}

type staticSource struct{ r report.Report }

func (s staticSource) Collect(mode report.Mode) (report.Report, error) {
	s.r.Mode = mode
	return s.r, nil
}

func TestQuantileSink_Source(t *testing.T) {
	q, err := NewQuantileSink(time.Millisecond, 0.9)
	require.NoError(t, err)
	require.NoError(t, q.HandleRecord(context.Background(), emitter.Record{Latency: 4_000_000}, nil))

	var src poller.Source = q.Source(staticSource{r: report.Report{Pending: 2}})
	r, err := src.Collect(report.Delta)
	require.NoError(t, err)

	assert.Equal(t, report.Delta, r.Mode)
	assert.Equal(t, 2, r.Pending)
	require.Len(t, r.Quantiles, 1)
	assert.InEpsilon(t, 4, r.Quantiles[0].Value, 0.02)
}
