package main

import (
	"context"
	"fmt"
	"math/rand/v2"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/mrzor/probestat/internal/config"
	"github.com/mrzor/probestat/internal/eventprocessor"
	"github.com/mrzor/probestat/internal/ifmeta"
	"github.com/mrzor/probestat/internal/probe"
	"github.com/mrzor/probestat/internal/timesync"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type simOptions struct {
	duration    time.Duration
	producers   int
	rate        int
	meanLatency time.Duration
}

func newSimulateCmd(cfg *config.Config) *cobra.Command {
	opts := simOptions{
		producers:   runtime.NumCPU(),
		rate:        1000,
		meanLatency: 200 * time.Microsecond,
	}

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Drive the pipeline with synthetic in-process producers",
		Long: `Runs the same pipeline as "run" but attaches handlers in-process and feeds
them from goroutines standing in for CPUs. Useful to try reporting, filters
and exporters without privileges.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSimulation(cmd.Context(), cfg, opts)
		},
	}

	cmd.Flags().DurationVar(&opts.duration, "duration", 0, "stop after this long, 0 to run until interrupted")
	cmd.Flags().IntVar(&opts.producers, "producers", opts.producers, "concurrent producers")
	cmd.Flags().IntVar(&opts.rate, "rate", opts.rate, "events per second per producer and site")
	cmd.Flags().DurationVar(&opts.meanLatency, "mean-latency", opts.meanLatency, "mean synthetic start-to-end latency")
	return cmd
}

// simulationSites exercises every role.
func simulationSites() []config.SiteSpec {
	return []config.SiteSpec{
		{Name: "blk_start_request", Kind: "kprobe", Role: "start", Symbol: "blk_start_request"},
		{Name: "blk_mq_start_request", Kind: "kprobe", Role: "start", Symbol: "blk_mq_start_request"},
		{Name: "blk_account_io_completion", Kind: "kprobe", Role: "end", Symbol: "blk_account_io_completion"},
		{Name: "do_sync", Kind: "kprobe", Role: "interval", Symbol: "ksys_sync"},
		{Name: "sync_calls", Kind: "kprobe", Role: "count", Symbol: "ksys_sync"},
		{Name: "sim0_egress", Kind: "tc_egress", Role: "traffic_tx", Interface: "sim0"},
		{Name: "sim0_ingress", Kind: "tc_ingress", Role: "traffic_rx", Interface: "sim0"},
		{Name: "sim1_egress", Kind: "tc_egress", Role: "traffic_tx", Interface: "sim1"},
	}
}

func runSimulation(ctx context.Context, cfg *config.Config, opts simOptions) error {
	if opts.producers < 1 || opts.rate < 1 {
		return fmt.Errorf("producers and rate must be positive, got %d and %d", opts.producers, opts.rate)
	}

	logger, cleanupLogger, err := setupLogger(cfg)
	if err != nil {
		return err
	}
	defer cleanupLogger()

	sites, err := loadSites(cfg, simulationSites)
	if err != nil {
		return err
	}

	ifaces := ifmeta.NewManager()
	registerSimulatedInterfaces(sites, ifaces)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if opts.duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.duration)
		defer cancel()
	}

	logger.Info("starting simulation",
		zap.Int("producers", opts.producers),
		zap.Int("rate", opts.rate),
		zap.Duration("mean_latency", opts.meanLatency),
		zap.Duration("duration", opts.duration))

	processor := eventprocessor.NewProcessor()
	return runPipeline(ctx, cfg, logger, sites, processor, processor, ifaces, func(ctx context.Context) (func(), error) {
		sim := newSimulator(sites, processor, ifaces, opts)
		prodCtx, cancel := context.WithCancel(ctx)
		sim.start(prodCtx)
		return func() {
			cancel()
			sim.wait()
			logger.Info("simulation producers stopped", zap.Uint64("events", sim.events()))
		}, nil
	})
}

// registerSimulatedInterfaces gives every tc interface without a known
// index a synthetic one.
func registerSimulatedInterfaces(sites []probe.Site, ifaces *ifmeta.Manager) {
	next := uint32(1000)
	for _, s := range sites {
		if s.Interface == "" {
			continue
		}
		if _, ok := ifaces.Lookup(s.Interface); ok {
			continue
		}
		ifaces.Set(&ifmeta.Interface{Index: next, Name: s.Interface, Up: true})
		next++
	}
	markTrafficSites(sites, ifaces, zap.NewNop())
}

// simulator feeds a Processor from goroutines standing in for CPUs.
type simulator struct {
	sites     []probe.Site
	starts    []uint32
	ifindex   map[uint32]uint64
	processor *eventprocessor.Processor
	opts      simOptions

	wg    sync.WaitGroup
	mu    sync.Mutex
	count uint64
}

func newSimulator(sites []probe.Site, processor *eventprocessor.Processor, ifaces *ifmeta.Manager, opts simOptions) *simulator {
	s := &simulator{
		sites:     sites,
		ifindex:   make(map[uint32]uint64),
		processor: processor,
		opts:      opts,
	}
	for _, site := range sites {
		if site.Role == probe.RoleStart {
			s.starts = append(s.starts, site.ID)
		}
		if idx, ok := ifaces.Lookup(site.Interface); ok {
			s.ifindex[site.ID] = uint64(idx)
		}
	}
	return s
}

func (s *simulator) start(ctx context.Context) {
	for i := 0; i < s.opts.producers; i++ {
		s.wg.Add(1)
		go func(cpu uint32) {
			defer s.wg.Done()
			n := s.produce(ctx, cpu)
			s.mu.Lock()
			s.count += n
			s.mu.Unlock()
		}(uint32(i)) //nolint:gosec // producer count is small
	}
}

func (s *simulator) wait() {
	s.wg.Wait()
}

func (s *simulator) events() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

// produce emits one event per site every tick until ctx is done and
// returns the number of events dispatched.
func (s *simulator) produce(ctx context.Context, cpu uint32) uint64 {
	rng := rand.New(rand.NewPCG(uint64(cpu), uint64(time.Now().UnixNano()))) //nolint:gosec // synthetic load
	ticker := time.NewTicker(time.Second / time.Duration(s.opts.rate))
	defer ticker.Stop()

	var seq, n uint64
	for {
		select {
		case <-ctx.Done():
			return n
		case <-ticker.C:
		}
		seq++
		n += s.step(rng, cpu, seq, timesync.Monotonic())
	}
}

// step dispatches one round of events at time now.
func (s *simulator) step(rng *rand.Rand, cpu uint32, seq, now uint64) uint64 {
	var n uint64
	for _, site := range s.sites {
		ev := probe.Event{Site: site.ID, CPU: cpu, Timestamp: now}

		switch site.Role {
		case probe.RoleStart:
			continue
		case probe.RoleEnd:
			if len(s.starts) == 0 {
				continue
			}
			key := uint64(cpu)<<32 | seq&0xffffffff
			latency := uint64(rng.ExpFloat64() * float64(s.opts.meanLatency))
			s.processor.Dispatch(probe.Event{
				Site:      s.starts[seq%uint64(len(s.starts))],
				CPU:       cpu,
				Key:       key,
				Timestamp: now,
			})
			ev.Key = key
			ev.Timestamp = now + latency
			n++
		case probe.RoleInterval:
			ev.Key = uint64(cpu)
		case probe.RoleTrafficTX, probe.RoleTrafficRX:
			ev.Key = s.ifindex[site.ID]
			ev.Length = 64 + rng.Uint64N(1437)
		}

		s.processor.Dispatch(ev)
		n++
	}
	return n
}
