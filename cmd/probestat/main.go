// probestat aggregates kernel probe events into latency histograms, traffic
// counters and per-event records, and reports them periodically.
package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/mrzor/probestat/internal/config"

	"github.com/spf13/cobra"
)

// Version information injected by GoReleaser at build time.
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if err := newRootCmd(cfg).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(cfg *config.Config) *cobra.Command {
	root := &cobra.Command{
		Use:           "probestat",
		Short:         "Aggregate kernel probe events into histograms and counters",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	// Environment values are the flag defaults, so a flag set on the
	// command line wins.
	flags := root.PersistentFlags()
	flags.StringVar(&cfg.SitesFile, "sites", cfg.SitesFile, "YAML file listing probe sites")
	flags.DurationVar(&cfg.PollInterval, "interval", cfg.PollInterval, "report interval")
	flags.StringVar(&cfg.Mode, "mode", cfg.Mode, "report mode: cumulative or delta")
	flags.IntVar(&cfg.CorrelationCapacity, "correlation-capacity", cfg.CorrelationCapacity, "maximum in-flight start events")
	flags.IntVar(&cfg.ProbeWindow, "probe-window", cfg.ProbeWindow, "correlation store probe window")
	flags.IntVar(&cfg.Buckets, "buckets", cfg.Buckets, "number of log2 histogram buckets")
	flags.StringVar(&cfg.Unit, "unit", cfg.Unit, "histogram unit: ns, us or ms")
	flags.IntVar(&cfg.EntityCapacity, "entity-capacity", cfg.EntityCapacity, "counter entities per shard")
	flags.IntVar(&cfg.Shards, "shards", cfg.Shards, "counter shards, 0 for one per CPU")
	flags.IntVar(&cfg.EmitterCapacity, "emitter-capacity", cfg.EmitterCapacity, "per-event record buffer size")
	flags.DurationVar(&cfg.DrainTimeout, "drain-timeout", cfg.DrainTimeout, "record poll timeout")
	flags.DurationVar(&cfg.MaxInterval, "max-interval", cfg.MaxInterval, "intervals at or above this are not emitted as records, 0 to emit all")
	flags.StringVar(&cfg.Filter, "filter", cfg.Filter, "expression selecting the records passed to sinks")
	flags.StringVar(&cfg.Attributes, "attributes", cfg.Attributes, "span attributes as name=expr;name2=expr2")
	flags.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "serve prometheus metrics on this address")
	flags.BoolVar(&cfg.EnableSpans, "spans", cfg.EnableSpans, "export one OpenTelemetry span per record")
	flags.BoolVar(&cfg.Quantiles, "quantiles", cfg.Quantiles, "report p50/p95/p99 from drained records")
	flags.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level: debug, info, warn or error")
	flags.BoolVar(&cfg.Development, "log-development", cfg.Development, "human-readable development logging")

	root.AddCommand(
		newRunCmd(cfg),
		newSimulateCmd(cfg),
		newVersionCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "probestat %s (commit: %s, built: %s, %s)\n",
				version, commit, date, runtime.Version())
		},
	}
}
