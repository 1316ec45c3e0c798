package eventstream

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/mrzor/probestat/internal/attributes"
	"github.com/mrzor/probestat/internal/emitter"
	"github.com/mrzor/probestat/internal/logging"

	"go.uber.org/zap"
)

// RecordSink receives drained records that passed the filter.
type RecordSink interface {
	HandleRecord(ctx context.Context, rec emitter.Record, env map[string]interface{}) error
}

// DrainerConfig configures a Drainer.
type DrainerConfig struct {
	Timeout  time.Duration
	Filter   *attributes.Filter
	Sinks    []RecordSink
	SiteName func(uint32) string
}

// Drainer is the single consumer of an emitter.
type Drainer struct {
	events *emitter.Emitter
	cfg    DrainerConfig
	logger *zap.Logger

	drained  atomic.Uint64
	filtered atomic.Uint64
	dropLog  logging.DropLogger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewDrainer creates a drainer for events.
func NewDrainer(events *emitter.Emitter, cfg DrainerConfig, logger *zap.Logger) *Drainer {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 100 * time.Millisecond
	}
	if cfg.Filter == nil {
		cfg.Filter, _ = attributes.NewFilter("")
	}
	return &Drainer{
		events: events,
		cfg:    cfg,
		logger: logger,
		dropLog: logging.DropLogger{
			Logger: logger,
			Msg:    "event records dropped, ring buffer full",
		},
		done: make(chan struct{}),
	}
}

// Start runs the drain loop in a goroutine.
func (d *Drainer) Start(ctx context.Context) error {
	ctx, d.cancel = context.WithCancel(ctx)
	go func() {
		defer close(d.done)
		d.Run(ctx)
	}()
	return nil
}

// Stop ends the drain loop and waits for it.
func (d *Drainer) Stop() error {
	if d.cancel != nil {
		d.cancel()
		<-d.done
	}
	return nil
}

// Done is closed when the loop started by Start has exited.
func (d *Drainer) Done() <-chan struct{} {
	return d.done
}

// Run polls until ctx is done or the emitter is closed and empty.
func (d *Drainer) Run(ctx context.Context) {
	for ctx.Err() == nil {
		d.DrainOnce(ctx)
		if d.events.Err() != nil {
			d.logger.Debug("emitter closed, drainer exiting", zap.Uint64("drained", d.drained.Load()))
			return
		}
	}
}

// DrainOnce polls the emitter once, waiting up to the configured timeout.
func (d *Drainer) DrainOnce(ctx context.Context) {
	for rec := range d.events.Poll(ctx, d.cfg.Timeout) {
		d.drained.Add(1)
		d.handle(ctx, rec)
	}
	d.dropLog.Observe(d.events.Dropped())
}

func (d *Drainer) handle(ctx context.Context, rec emitter.Record) {
	var site string
	if d.cfg.SiteName != nil {
		site = d.cfg.SiteName(rec.Site)
	}
	env := attributes.RecordEnv(rec, site)

	ok, err := d.cfg.Filter.Match(env)
	if err != nil {
		d.logger.Debug("filter failed, dropping record", zap.Error(err))
	}
	if !ok {
		d.filtered.Add(1)
		return
	}

	for _, sink := range d.cfg.Sinks {
		if err := sink.HandleRecord(ctx, rec, env); err != nil {
			d.logger.Debug("sink failed", zap.Error(err))
		}
	}
}

// Drained returns the number of records taken from the emitter.
func (d *Drainer) Drained() uint64 {
	return d.drained.Load()
}

// Filtered returns the number of records rejected by the filter.
func (d *Drainer) Filtered() uint64 {
	return d.filtered.Load()
}
