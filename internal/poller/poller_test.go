package poller

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mrzor/probestat/internal/report"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeSource struct {
	mu    sync.Mutex
	calls int
	modes []report.Mode
	errs  map[int]error
}

func (s *fakeSource) Collect(mode report.Mode) (report.Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.modes = append(s.modes, mode)
	if err := s.errs[s.calls]; err != nil {
		return report.Report{}, err
	}
	return report.Report{Mode: mode, Pending: s.calls}, nil
}

type recordingExporter struct {
	mu      sync.Mutex
	reports []report.Report
	err     error
}

func (e *recordingExporter) Export(_ context.Context, r report.Report) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.reports = append(e.reports, r)
	return e.err
}

func (e *recordingExporter) len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.reports)
}

func TestTick(t *testing.T) {
	mock := clock.NewMock()
	mock.Set(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))
	src := &fakeSource{}
	exp := &recordingExporter{}
	p := New(src, exp, time.Second, report.Delta, mock, zaptest.NewLogger(t))

	require.NoError(t, p.Tick(context.Background()))
	require.Len(t, exp.reports, 1)
	assert.Equal(t, report.Delta, exp.reports[0].Mode)
	assert.Equal(t, mock.Now(), exp.reports[0].Time)
	assert.Equal(t, uint64(1), p.Ticks())
}

func TestTick_ReadFailureIsNotFatal(t *testing.T) {
	readErr := errors.New("store torn down")
	src := &fakeSource{errs: map[int]error{1: readErr}}
	exp := &recordingExporter{}
	p := New(src, exp, time.Second, report.Cumulative, clock.NewMock(), zaptest.NewLogger(t))

	assert.ErrorIs(t, p.Tick(context.Background()), readErr)
	assert.Empty(t, exp.reports)

	assert.NoError(t, p.Tick(context.Background()))
	assert.Len(t, exp.reports, 1)
	assert.Equal(t, uint64(1), p.Failures())
}

func TestTick_ExportFailure(t *testing.T) {
	exp := &recordingExporter{err: errors.New("sink down")}
	p := New(&fakeSource{}, exp, time.Second, report.Cumulative, clock.NewMock(), zaptest.NewLogger(t))

	assert.Error(t, p.Tick(context.Background()))
	assert.Equal(t, uint64(1), p.Failures())
}

func TestRun_TicksOnInterval(t *testing.T) {
	mock := clock.NewMock()
	src := &fakeSource{errs: map[int]error{2: errors.New("transient")}}
	exp := &recordingExporter{}
	p := New(src, exp, 5*time.Second, report.Cumulative, mock, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		p.Run(ctx)
	}()

	// The ticker is created inside Run; keep advancing until ticks land.
	require.Eventually(t, func() bool {
		mock.Add(5 * time.Second)
		return exp.len() >= 3
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	assert.GreaterOrEqual(t, p.Failures(), uint64(1), "failed tick did not stop the loop")
	for _, m := range src.modes {
		assert.Equal(t, report.Cumulative, m)
	}
}

func TestExporterFunc(t *testing.T) {
	var got report.Report
	f := ExporterFunc(func(_ context.Context, r report.Report) error {
		got = r
		return nil
	})
	require.NoError(t, f.Export(context.Background(), report.Report{Pending: 3}))
	assert.Equal(t, 3, got.Pending)
}
