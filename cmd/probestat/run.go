package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/mrzor/probestat/internal/bpfloader"
	"github.com/mrzor/probestat/internal/config"
	"github.com/mrzor/probestat/internal/eventprocessor"
	"github.com/mrzor/probestat/internal/eventstream"
	"github.com/mrzor/probestat/internal/ifmeta"
	"github.com/mrzor/probestat/internal/probe"

	"github.com/cilium/ebpf/ringbuf"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newRunCmd(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Attach the probe sites of a compiled BPF object and report",
		Long: `Loads the compiled BPF object, attaches one program per probe site and
reports the aggregates every interval until interrupted. Without --sites the
block I/O latency sites are used.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runKernel(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVar(&cfg.ObjectPath, "object", cfg.ObjectPath, "compiled BPF object to load")
	return cmd
}

// setupBPF loads the BPF object and opens its ring buffer.
// Returns loader, ring buffer reader, and cleanup function.
func setupBPF(objectPath string, processor *eventprocessor.Processor, ifaces *ifmeta.Manager, logger *zap.Logger) (*bpfloader.Loader, *ringbuf.Reader, func(), error) {
	loader, err := bpfloader.New(objectPath, processor, ifaces, logger)
	if err != nil {
		return nil, nil, nil, err
	}

	rd, err := loader.OpenRingBuffer()
	if err != nil {
		if closeErr := loader.Close(); closeErr != nil {
			logger.Warn("closing loader after ring buffer open failure", zap.Error(closeErr))
		}
		return nil, nil, nil, err
	}

	cleanup := func() {
		if err := rd.Close(); err != nil {
			logger.Debug("closing ring buffer", zap.Error(err))
		}
		if err := loader.Close(); err != nil {
			logger.Warn("closing loader", zap.Error(err))
		}
	}

	return loader, rd, cleanup, nil
}

func runKernel(ctx context.Context, cfg *config.Config) error {
	if cfg.ObjectPath == "" {
		return errors.New("no BPF object given, set --object or PROBESTAT_OBJECT")
	}

	logger, cleanupLogger, err := setupLogger(cfg)
	if err != nil {
		return err
	}
	defer cleanupLogger()

	logger.Info("starting probestat",
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("built", date))

	sites, err := loadSites(cfg, config.DefaultSites)
	if err != nil {
		return err
	}

	ifaces := ifmeta.NewManager()
	if err := ifaces.LoadSystem(); err != nil {
		logger.Warn("listing network interfaces, entity names fall back to indexes", zap.Error(err))
	}

	processor := eventprocessor.NewProcessor()
	loader, rd, cleanupBPF, err := setupBPF(cfg.ObjectPath, processor, ifaces, logger)
	if err != nil {
		return err
	}
	defer cleanupBPF()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return runPipeline(ctx, cfg, logger, sites, loader, processor, ifaces, func(ctx context.Context) (func(), error) {
		markTrafficSites(sites, ifaces, logger)

		stream := eventstream.New(rd, loader, logger)
		if err := stream.Start(ctx); err != nil {
			return nil, err
		}
		return func() {
			if err := stream.Stop(); err != nil {
				logger.Debug("stopping stream", zap.Error(err))
			}
		}, nil
	})
}

// markTrafficSites records which interfaces have tc programs attached.
func markTrafficSites(sites []probe.Site, ifaces *ifmeta.Manager, logger *zap.Logger) {
	for _, s := range sites {
		if s.Kind != probe.TCIngress && s.Kind != probe.TCEgress {
			continue
		}
		if err := ifaces.MarkAttached(s.Interface, s.Kind == probe.TCIngress); err != nil {
			logger.Debug("marking interface", zap.String("site", s.Name), zap.Error(err))
		}
	}
}
