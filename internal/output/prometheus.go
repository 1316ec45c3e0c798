package output

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/mrzor/probestat/internal/counters"
	"github.com/mrzor/probestat/internal/histogram"
	"github.com/mrzor/probestat/internal/report"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const namespace = "probestat"

// PromCollector is a prometheus.Collector serving the latest report. Delta
// reports are accumulated so the exposed counters stay monotonic.
type PromCollector struct {
	latencyDesc  *prometheus.Desc
	quantileDesc *prometheus.Desc
	packetsDesc  *prometheus.Desc
	bytesDesc    *prometheus.Desc
	eventsDesc   *prometheus.Desc
	dropsDesc    *prometheus.Desc
	pendingDesc  *prometheus.Desc

	mutex     sync.RWMutex
	hist      histogram.Snapshot
	entities  map[counters.EntityID]report.Entity
	rates     map[string]uint64
	rateOrder []string
	drops     report.Drops
	pending   int
	quantiles []report.Quantile
}

var _ prometheus.Collector = (*PromCollector)(nil)

// NewPromCollector creates an empty collector.
func NewPromCollector() *PromCollector {
	return &PromCollector{
		latencyDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "latency_seconds"),
			"Latency between correlated start and end events.",
			nil, nil),
		quantileDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "latency_quantile_seconds"),
			"Latency quantiles over the records drained during the last report interval.",
			[]string{"quantile"}, nil),
		packetsDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "entity", "packets_total"),
			"Packets counted per entity and direction.",
			[]string{"entity", "direction"}, nil),
		bytesDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "entity", "bytes_total"),
			"Bytes counted per entity and direction.",
			[]string{"entity", "direction"}, nil),
		eventsDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "site", "events_total"),
			"Events counted per count site.",
			[]string{"site"}, nil),
		dropsDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "drops_total"),
			"Producer-side events dropped, by reason.",
			[]string{"reason"}, nil),
		pendingDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "correlation", "pending"),
			"Start events waiting for their end event.",
			nil, nil),
		entities: make(map[counters.EntityID]report.Entity),
		rates:    make(map[string]uint64),
	}
}

// Export folds r into the collector state.
func (c *PromCollector) Export(_ context.Context, r report.Report) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if r.Mode == report.Delta && len(c.hist.Buckets) == len(r.Histogram.Buckets) {
		c.hist = c.hist.Add(r.Histogram)
	} else {
		c.hist = r.Histogram
	}

	if r.Mode != report.Delta {
		clear(c.entities)
		clear(c.rates)
		c.rateOrder = c.rateOrder[:0]
	}
	for _, e := range r.Entities {
		prev := c.entities[e.ID]
		e.Totals = prev.Totals.Add(e.Totals)
		c.entities[e.ID] = e
	}
	for _, rt := range r.Rates {
		if _, ok := c.rates[rt.Site]; !ok {
			c.rateOrder = append(c.rateOrder, rt.Site)
		}
		c.rates[rt.Site] += rt.Count
	}

	c.drops = r.Drops
	c.pending = r.Pending
	c.quantiles = r.Quantiles
	return nil
}

// Describe implements prometheus.Collector.
func (c *PromCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.latencyDesc
	ch <- c.quantileDesc
	ch <- c.packetsDesc
	ch <- c.bytesDesc
	ch <- c.eventsDesc
	ch <- c.dropsDesc
	ch <- c.pendingDesc
}

// Collect implements prometheus.Collector.
func (c *PromCollector) Collect(ch chan<- prometheus.Metric) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	if len(c.hist.Buckets) > 0 {
		count, sum, buckets := promBuckets(c.hist)
		ch <- prometheus.MustNewConstHistogram(c.latencyDesc, count, sum, buckets)
	}

	unit := unitSeconds(c.hist.Unit)
	for _, q := range c.quantiles {
		ch <- prometheus.MustNewConstMetric(c.quantileDesc, prometheus.GaugeValue,
			q.Value*unit, strconv.FormatFloat(q.Q, 'f', -1, 64))
	}

	for _, e := range c.entities {
		name := e.Name
		if name == "" {
			name = strconv.FormatUint(uint64(e.ID), 10)
		}
		t := e.Totals
		ch <- prometheus.MustNewConstMetric(c.packetsDesc, prometheus.CounterValue, float64(t.TxPackets), name, counters.TX.String())
		ch <- prometheus.MustNewConstMetric(c.packetsDesc, prometheus.CounterValue, float64(t.RxPackets), name, counters.RX.String())
		ch <- prometheus.MustNewConstMetric(c.bytesDesc, prometheus.CounterValue, float64(t.TxBytes), name, counters.TX.String())
		ch <- prometheus.MustNewConstMetric(c.bytesDesc, prometheus.CounterValue, float64(t.RxBytes), name, counters.RX.String())
	}

	for _, site := range c.rateOrder {
		if n, ok := c.rates[site]; ok {
			ch <- prometheus.MustNewConstMetric(c.eventsDesc, prometheus.CounterValue, float64(n), site)
		}
	}

	d := c.drops
	for reason, n := range map[string]uint64{
		"correlation_miss":  d.CorrelationMiss,
		"capacity_exceeded": d.CapacityExceeded,
		"buffer_full":       d.BufferFull,
		"counter_overflow":  d.CounterOverflow,
		"unrouted":          d.Unrouted,
		"filtered":          d.Filtered,
	} {
		ch <- prometheus.MustNewConstMetric(c.dropsDesc, prometheus.CounterValue, float64(n), reason)
	}

	ch <- prometheus.MustNewConstMetric(c.pendingDesc, prometheus.GaugeValue, float64(c.pending))
}

// promBuckets converts log2 buckets to cumulative prometheus buckets keyed
// by upper bound in seconds. The sum is estimated from bucket midpoints.
func promBuckets(s histogram.Snapshot) (uint64, float64, map[float64]uint64) {
	unit := unitSeconds(s.Unit)
	buckets := make(map[float64]uint64, len(s.Buckets))
	var count uint64
	var sum float64
	for i, b := range s.Buckets {
		count += b.Count
		sum += float64(b.Count) * (float64(b.Low) + float64(b.High)) / 2 * unit
		if i == len(s.Buckets)-1 {
			break
		}
		buckets[float64(b.High)*unit] = count
	}
	return count, sum, buckets
}

func unitSeconds(u time.Duration) float64 {
	if u <= 0 {
		u = time.Nanosecond
	}
	return u.Seconds()
}

// Handler returns an HTTP handler exposing only this collector.
func (c *PromCollector) Handler() http.Handler {
	reg := prometheus.NewRegistry()
	reg.MustRegister(c)
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// ServeMetrics serves handler on addr under /metrics until ctx is done.
func ServeMetrics(ctx context.Context, addr string, handler http.Handler, logger *zap.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting prometheus metrics endpoint", zap.String("address", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serving metrics on %s: %w", addr, err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutting down metrics server: %w", err)
		}
		return nil
	}
}
