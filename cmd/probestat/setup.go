package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/mrzor/probestat/internal/attributes"
	"github.com/mrzor/probestat/internal/config"
	"github.com/mrzor/probestat/internal/eventprocessor"
	"github.com/mrzor/probestat/internal/eventstream"
	"github.com/mrzor/probestat/internal/ifmeta"
	"github.com/mrzor/probestat/internal/logging"
	"github.com/mrzor/probestat/internal/otel"
	"github.com/mrzor/probestat/internal/output"
	"github.com/mrzor/probestat/internal/pipeline"
	"github.com/mrzor/probestat/internal/poller"
	"github.com/mrzor/probestat/internal/probe"
	"github.com/mrzor/probestat/internal/report"
	"github.com/mrzor/probestat/internal/timesync"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const shutdownTimeout = 5 * time.Second

// setupLogger validates cfg and builds the logger.
func setupLogger(cfg *config.Config) (*zap.Logger, func(), error) {
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}
	logger, err := logging.New(cfg.LogLevel, cfg.Development)
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() {
		_ = logger.Sync() //nolint:errcheck // stderr sync fails on some terminals
	}
	return logger, cleanup, nil
}

// loadSites reads the sites file, or uses defaults when none is configured.
func loadSites(cfg *config.Config, defaults func() []config.SiteSpec) ([]probe.Site, error) {
	specs := defaults()
	if cfg.SitesFile != "" {
		var err error
		if specs, err = config.LoadSites(cfg.SitesFile); err != nil {
			return nil, err
		}
	}
	return config.BuildSites(specs)
}

// setupOTEL initializes the OTEL provider and returns a tracer and cleanup function.
func setupOTEL(ctx context.Context, logger *zap.Logger) (trace.Tracer, func(), error) {
	otelCfg, err := config.ParseOTELConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse OTEL config: %w", err)
	}

	versionInfo := fmt.Sprintf("%s (%s)", version, commit)
	tp, err := otel.InitProvider(ctx, otelCfg, versionInfo, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize OTEL provider: %w", err)
	}

	cleanup := func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := otel.ShutdownProvider(shutdownCtx, tp); err != nil {
			logger.Warn("shutting down OTEL provider", zap.Error(err))
		}
	}

	return tp.Tracer(otelCfg.TracerName), cleanup, nil
}

// setupSinks builds the record sinks the drainer feeds. quantiles is nil
// when disabled.
func setupSinks(ctx context.Context, cfg *config.Config, logger *zap.Logger) ([]eventstream.RecordSink, *output.QuantileSink, func(), error) {
	var sinks []eventstream.RecordSink
	cleanup := func() {}

	var quantiles *output.QuantileSink
	if cfg.Quantiles {
		unit, _ := cfg.UnitDuration()
		q, err := output.NewQuantileSink(unit)
		if err != nil {
			return nil, nil, nil, err
		}
		quantiles = q
		sinks = append(sinks, q)
	}

	if cfg.EnableSpans {
		evaluator, err := attributes.NewEvaluator(cfg.CustomAttributes(), logger)
		if err != nil {
			return nil, nil, nil, err
		}
		converter, err := timesync.NewConverter()
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to create time converter: %w", err)
		}
		tracer, cleanupOTEL, err := setupOTEL(ctx, logger)
		if err != nil {
			return nil, nil, nil, err
		}
		cleanup = cleanupOTEL
		sinks = append(sinks, output.NewSpanSink(tracer, converter, evaluator))
	}

	return sinks, quantiles, cleanup, nil
}

// setupExporter builds the report exporters and starts the metrics server
// when an address is configured. The server stops with ctx.
func setupExporter(ctx context.Context, cfg *config.Config, logger *zap.Logger) poller.Exporter {
	exporters := output.Multi{
		output.NewTextExporter(os.Stdout),
		output.NewLogExporter(logger),
	}

	if cfg.MetricsAddr != "" {
		collector := output.NewPromCollector()
		exporters = append(exporters, collector)
		go func() {
			if err := output.ServeMetrics(ctx, cfg.MetricsAddr, collector.Handler(), logger); err != nil {
				logger.Error("metrics server failed", zap.Error(err))
			}
		}()
	}
	return exporters
}

// startFunc starts whatever feeds the attached handlers and returns a
// function stopping it.
type startFunc func(ctx context.Context) (stop func(), err error)

// runPipeline starts the pipeline, the drainer and the poller, waits for
// ctx to end and shuts everything down in order, exporting a last report.
func runPipeline(
	ctx context.Context,
	cfg *config.Config,
	logger *zap.Logger,
	sites []probe.Site,
	attacher probe.Attacher,
	processor *eventprocessor.Processor,
	ifaces *ifmeta.Manager,
	start startFunc,
) error {
	mode, err := cfg.ReportMode()
	if err != nil {
		return err
	}
	filter, err := attributes.NewFilter(cfg.Filter)
	if err != nil {
		return err
	}

	sinks, quantiles, cleanupSinks, err := setupSinks(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer cleanupSinks()

	exporter := setupExporter(ctx, cfg, logger)

	var drainer *eventstream.Drainer
	p := pipeline.New(cfg.Pipeline(), sites, attacher, logger,
		pipeline.WithEntityNames(ifaces.Name),
		pipeline.WithDropSource(func(d *report.Drops) {
			d.Unrouted = processor.Unrouted()
			if drainer != nil {
				d.Filtered = drainer.Filtered()
			}
		}),
	)
	if err := p.Start(ctx); err != nil {
		return err
	}

	siteNames := make(map[uint32]string, len(sites))
	for _, s := range sites {
		siteNames[s.ID] = s.Name
	}
	drainer = eventstream.NewDrainer(p.Events(), eventstream.DrainerConfig{
		Timeout:  cfg.DrainTimeout,
		Filter:   filter,
		Sinks:    sinks,
		SiteName: func(id uint32) string { return siteNames[id] },
	}, logger)

	stopProducers, err := start(ctx)
	if err != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return errors.Join(err, p.Stop(stopCtx))
	}

	// The drainer outlives ctx so records emitted before Stop still reach
	// the sinks; it exits once the emitter is closed and empty.
	if err := drainer.Start(context.WithoutCancel(ctx)); err != nil {
		stopProducers()
		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return errors.Join(err, p.Stop(stopCtx))
	}

	var source poller.Source = p
	if quantiles != nil {
		source = quantiles.Source(p)
	}
	pl := poller.New(source, exporter, cfg.PollInterval, mode, nil, logger)

	pollCtx, cancelPoll := context.WithCancel(ctx)
	pollDone := make(chan struct{})
	go func() {
		defer close(pollDone)
		pl.Run(pollCtx)
	}()

	logger.Info("probestat running",
		zap.Int("sites", len(sites)),
		zap.Duration("interval", cfg.PollInterval),
		zap.Stringer("mode", mode),
		zap.String("filter", filter.String()))

	<-ctx.Done()
	logger.Info("shutting down")

	cancelPoll()
	<-pollDone
	stopProducers()

	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs []error
	if err := p.Stop(stopCtx); err != nil {
		errs = append(errs, fmt.Errorf("stopping pipeline: %w", err))
	} else {
		select {
		case <-drainer.Done():
		case <-stopCtx.Done():
			logger.Warn("records left undrained at shutdown", zap.Uint64("drained", drainer.Drained()))
		}
	}
	if err := drainer.Stop(); err != nil {
		errs = append(errs, err)
	}

	if final, ok := p.Final(); ok {
		final.Mode = mode
		if quantiles != nil {
			final.Quantiles, _ = quantiles.Take()
		}
		if err := exporter.Export(stopCtx, final); err != nil {
			errs = append(errs, fmt.Errorf("exporting final report: %w", err))
		}
	}

	logger.Info("probestat stopped",
		zap.Uint64("ticks", pl.Ticks()),
		zap.Uint64("export_failures", pl.Failures()),
		zap.Uint64("records_drained", drainer.Drained()))
	return errors.Join(errs...)
}
