// Package poller reads the aggregates on a fixed interval and hands each
// report to an exporter.
//
// A failed read or export is logged and the poller carries on with the next
// tick. Only context cancellation ends Run.
package poller

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/mrzor/probestat/internal/report"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// Source produces a report. In Delta mode it resets what it reports.
type Source interface {
	Collect(mode report.Mode) (report.Report, error)
}

// Exporter renders or ships a report.
type Exporter interface {
	Export(ctx context.Context, r report.Report) error
}

// ExporterFunc adapts a function to Exporter.
type ExporterFunc func(ctx context.Context, r report.Report) error

// Export calls f.
func (f ExporterFunc) Export(ctx context.Context, r report.Report) error {
	return f(ctx, r)
}

// Poller is the consumer loop for aggregate state.
type Poller struct {
	source   Source
	exporter Exporter
	interval time.Duration
	mode     report.Mode
	clock    clock.Clock
	logger   *zap.Logger

	ticks    atomic.Uint64
	failures atomic.Uint64
}

// New creates a poller. clk may be nil for the wall clock.
func New(source Source, exporter Exporter, interval time.Duration, mode report.Mode, clk clock.Clock, logger *zap.Logger) *Poller {
	if clk == nil {
		clk = clock.New()
	}
	return &Poller{
		source:   source,
		exporter: exporter,
		interval: interval,
		mode:     mode,
		clock:    clk,
		logger:   logger,
	}
}

// Run ticks until ctx is done.
func (p *Poller) Run(ctx context.Context) {
	ticker := p.clock.Ticker(p.interval)
	defer ticker.Stop()

	p.logger.Info("poller started",
		zap.Duration("interval", p.interval),
		zap.Stringer("mode", p.mode))

	for {
		select {
		case <-ctx.Done():
			p.logger.Debug("poller stopped", zap.Uint64("ticks", p.ticks.Load()))
			return
		case <-ticker.C:
			_ = p.Tick(ctx)
		}
	}
}

// Tick collects and exports one report. Errors are logged and returned.
func (p *Poller) Tick(ctx context.Context) error {
	p.ticks.Add(1)

	r, err := p.source.Collect(p.mode)
	if err != nil {
		p.failures.Add(1)
		p.logger.Warn("snapshot read failed, skipping tick", zap.Error(err))
		return err
	}
	r.Time = p.clock.Now()

	if err := p.exporter.Export(ctx, r); err != nil {
		p.failures.Add(1)
		p.logger.Warn("export failed", zap.Error(err))
		return err
	}
	return nil
}

// Ticks returns the number of ticks run.
func (p *Poller) Ticks() uint64 {
	return p.ticks.Load()
}

// Failures returns the number of ticks that failed to read or export.
func (p *Poller) Failures() uint64 {
	return p.failures.Load()
}
