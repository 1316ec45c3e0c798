package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mrzor/probestat/internal/correlate"
	"github.com/mrzor/probestat/internal/counters"
	"github.com/mrzor/probestat/internal/emitter"
	"github.com/mrzor/probestat/internal/histogram"
	"github.com/mrzor/probestat/internal/probe"
	"github.com/mrzor/probestat/internal/report"

	"go.uber.org/zap"
)

var (
	// ErrNotRunning is returned by Collect before Start.
	ErrNotRunning = errors.New("pipeline not running")
	// ErrStopped is returned by Collect once the state has been released.
	ErrStopped = errors.New("pipeline stopped")
	// ErrRunning is returned by Start on a running pipeline.
	ErrRunning = errors.New("pipeline already running")
)

// Config sizes the shared structures.
type Config struct {
	CorrelationCapacity int
	ProbeWindow         int
	Buckets             int
	Unit                time.Duration
	EntityCapacity      int
	Shards              int
	EmitterCapacity     int
	MaxInterval         time.Duration
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithEntityNames resolves counter entity ids to names in reports.
func WithEntityNames(fn func(counters.EntityID) string) Option {
	return func(p *Pipeline) { p.names = fn }
}

// WithDropSource adds drop counters kept outside the pipeline, e.g. by the
// event router or the record drainer.
func WithDropSource(fn func(*report.Drops)) Option {
	return func(p *Pipeline) { p.dropSources = append(p.dropSources, fn) }
}

type rate struct {
	site    string
	counter *counters.Counter
}

// aggregates is the state owned by one generation.
type aggregates struct {
	gen       uint64
	store     *correlate.Store
	intervals *correlate.Store
	hist      *histogram.Histogram
	table     *counters.Table
	rates     map[uint32]*rate
	rateOrder []uint32
	events    *emitter.Emitter
}

// Pipeline ties sites to the aggregation state.
type Pipeline struct {
	cfg      Config
	sites    []probe.Site
	attacher probe.Attacher
	logger   *zap.Logger

	names       func(counters.EntityID) string
	dropSources []func(*report.Drops)

	// generation is odd while running.
	generation atomic.Uint64
	inflight   atomic.Int64

	mu      sync.RWMutex
	agg     *aggregates
	handles []probe.Handle
	final   *report.Report
}

// New creates a pipeline for sites. Nothing is allocated or attached until
// Start.
func New(cfg Config, sites []probe.Site, attacher probe.Attacher, logger *zap.Logger, opts ...Option) *Pipeline {
	p := &Pipeline{
		cfg:      cfg,
		sites:    sites,
		attacher: attacher,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Running reports whether the pipeline is between Start and Stop.
func (p *Pipeline) Running() bool {
	return p.generation.Load()%2 == 1
}

// Generation returns the current generation counter.
func (p *Pipeline) Generation() uint64 {
	return p.generation.Load()
}

// Start allocates the shared state and attaches every site.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.Running() {
		return ErrRunning
	}
	if p.agg != nil {
		return fmt.Errorf("starting pipeline: generation %d not released, call Stop again", p.generation.Load())
	}

	agg := &aggregates{
		gen:       p.generation.Load() + 1,
		store:     correlate.New(p.cfg.CorrelationCapacity, p.cfg.ProbeWindow),
		intervals: correlate.New(p.cfg.CorrelationCapacity, p.cfg.ProbeWindow),
		hist:      histogram.New(p.cfg.Buckets, p.cfg.Unit),
		table:     counters.New(p.cfg.EntityCapacity, p.cfg.Shards),
		rates:     make(map[uint32]*rate),
		events:    emitter.New(p.cfg.EmitterCapacity),
	}
	for _, s := range p.sites {
		if s.Role == probe.RoleCount {
			agg.rates[s.ID] = &rate{site: s.Name, counter: counters.NewCounter(p.cfg.Shards)}
			agg.rateOrder = append(agg.rateOrder, s.ID)
		}
	}

	p.agg = agg
	p.final = nil
	p.generation.Store(agg.gen)

	for _, s := range p.sites {
		if err := ctx.Err(); err != nil {
			return p.abort(fmt.Errorf("starting pipeline: %w", err))
		}
		h, err := p.handler(agg, s)
		if err != nil {
			return p.abort(err)
		}
		handle, err := p.attacher.Attach(s, p.guard(agg.gen, h))
		if err != nil {
			return p.abort(fmt.Errorf("attaching %s: %w", s, err))
		}
		p.handles = append(p.handles, handle)
		p.logger.Debug("attached site", zap.Stringer("site", s), zap.String("role", string(s.Role)))
	}

	p.logger.Info("pipeline started",
		zap.Int("sites", len(p.sites)),
		zap.Uint64("generation", agg.gen),
		zap.Int("correlation_capacity", agg.store.Capacity()),
		zap.Int("shards", agg.table.Shards()),
		zap.Int("emitter_capacity", agg.events.Capacity()))
	return nil
}

// abort undoes a partial Start. Called with mu held.
func (p *Pipeline) abort(err error) error {
	p.generation.Add(1)
	derr := p.detachAll()
	_ = p.waitIdle(context.Background())
	p.agg.events.Close()
	p.agg = nil
	return errors.Join(err, derr)
}

func (p *Pipeline) detachAll() error {
	var errs []error
	for _, h := range p.handles {
		if err := p.attacher.Detach(h); err != nil {
			errs = append(errs, fmt.Errorf("detaching site %d: %w", h.Site, err))
		}
	}
	p.handles = nil
	return errors.Join(errs...)
}

// guard registers the producer as in flight before checking the
// generation, so Stop either sees it in flight or it sees the new
// generation.
func (p *Pipeline) guard(gen uint64, h probe.Handler) probe.Handler {
	return func(ev probe.Event) {
		p.inflight.Add(1)
		if p.generation.Load() == gen {
			h(ev)
		}
		p.inflight.Add(-1)
	}
}

func (p *Pipeline) handler(a *aggregates, s probe.Site) (probe.Handler, error) {
	switch s.Role {
	case probe.RoleStart:
		return func(ev probe.Event) {
			a.store.OnStart(correlate.Key(ev.Key), ev.Timestamp)
		}, nil

	case probe.RoleEnd:
		return func(ev probe.Event) {
			d, ok := a.store.OnEnd(correlate.Key(ev.Key), ev.Timestamp)
			if !ok {
				return
			}
			a.hist.Record(d)
			a.events.Emit(emitter.Record{
				Timestamp: ev.Timestamp,
				Site:      ev.Site,
				CPU:       ev.CPU,
				Key:       ev.Key,
				Latency:   d,
			})
		}, nil

	case probe.RoleInterval:
		limit := uint64(p.cfg.MaxInterval)
		return func(ev probe.Event) {
			k := correlate.Key(ev.Key)
			d, ok := a.intervals.OnEnd(k, ev.Timestamp)
			a.intervals.OnStart(k, ev.Timestamp)
			if !ok {
				return
			}
			a.hist.Record(d)
			if limit == 0 || d < limit {
				a.events.Emit(emitter.Record{
					Timestamp: ev.Timestamp,
					Site:      ev.Site,
					CPU:       ev.CPU,
					Key:       ev.Key,
					Latency:   d,
				})
			}
		}, nil

	case probe.RoleCount:
		c := a.rates[s.ID].counter
		return func(ev probe.Event) {
			c.Add(ev.CPU, 1)
		}, nil

	case probe.RoleTrafficTX, probe.RoleTrafficRX:
		dir := counters.TX
		if s.Role == probe.RoleTrafficRX {
			dir = counters.RX
		}
		return func(ev probe.Event) {
			a.table.Increment(ev.CPU, counters.EntityID(ev.Key), dir, 1, ev.Length)
		}, nil
	}
	return nil, fmt.Errorf("site %s: unknown role %q", s, s.Role)
}

// Stop detaches every site, waits for in-flight producers to finish and
// releases the shared state. If ctx ends before quiescence the state is
// kept and the error says so; Stop can be called again.
func (p *Pipeline) Stop(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.agg == nil {
		return nil
	}

	var errs []error
	if p.Running() {
		p.generation.Add(1)
		if err := p.detachAll(); err != nil {
			errs = append(errs, err)
		}
	}

	if err := p.waitIdle(ctx); err != nil {
		errs = append(errs, fmt.Errorf("waiting for quiescence: %w", err))
		return errors.Join(errs...)
	}

	final := p.collect(p.agg, report.Cumulative)
	p.final = &final
	p.agg.events.Close()
	p.agg = nil

	p.logger.Info("pipeline stopped",
		zap.Uint64("generation", p.generation.Load()),
		zap.Uint64("samples", final.Histogram.Total()),
		zap.Uint64("correlation_miss", final.Drops.CorrelationMiss),
		zap.Uint64("buffer_full", final.Drops.BufferFull))

	return errors.Join(errs...)
}

func (p *Pipeline) waitIdle(ctx context.Context) error {
	if p.inflight.Load() == 0 {
		return nil
	}
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for p.inflight.Load() != 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

// Events returns the emitter of the running generation, nil when stopped.
func (p *Pipeline) Events() *emitter.Emitter {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.agg == nil {
		return nil
	}
	return p.agg.events
}

// Collect reads the aggregates. In Delta mode the histogram, counter table
// and rate counters are drained; drop counters are always cumulative.
func (p *Pipeline) Collect(mode report.Mode) (report.Report, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.agg == nil {
		if p.final != nil {
			return report.Report{}, ErrStopped
		}
		return report.Report{}, ErrNotRunning
	}
	return p.collect(p.agg, mode), nil
}

// Final returns the cumulative report taken when the pipeline stopped.
func (p *Pipeline) Final() (report.Report, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.final == nil {
		return report.Report{}, false
	}
	return *p.final, true
}

// Stats returns the drop counters of the running or last stopped
// generation.
func (p *Pipeline) Stats() report.Drops {
	p.mu.RLock()
	defer p.mu.RUnlock()
	switch {
	case p.agg != nil:
		return p.drops(p.agg)
	case p.final != nil:
		return p.final.Drops
	}
	return report.Drops{}
}

func (p *Pipeline) collect(a *aggregates, mode report.Mode) report.Report {
	r := report.Report{
		Time:  time.Now(),
		Mode:  mode,
		Drops: p.drops(a),
	}

	var table map[counters.EntityID]counters.Totals
	if mode == report.Delta {
		r.Histogram = a.hist.Drain()
		table = a.table.Drain()
	} else {
		r.Histogram = a.hist.Snapshot()
		table = a.table.ReadAll()
	}
	r.Entities = report.EntitiesFrom(table, p.names)

	for _, id := range a.rateOrder {
		rt := a.rates[id]
		n := rt.counter.Load()
		if mode == report.Delta {
			n = rt.counter.Drain()
		}
		r.Rates = append(r.Rates, report.Rate{Site: rt.site, Count: n})
	}

	r.Pending = a.store.Stats().Live
	return r
}

func (p *Pipeline) drops(a *aggregates) report.Drops {
	st := a.store.Stats()
	d := report.Drops{
		CorrelationMiss:  st.Misses,
		CapacityExceeded: st.Rejected + a.intervals.Stats().Rejected,
		BufferFull:       a.events.Dropped(),
		CounterOverflow:  a.table.Overflows(),
	}
	for _, fn := range p.dropSources {
		fn(&d)
	}
	return d
}
