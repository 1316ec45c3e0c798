package output

import (
	"context"

	"github.com/mrzor/probestat/internal/report"

	"go.uber.org/zap"
)

// LogExporter logs a summary line per report and one debug line per
// entity.
type LogExporter struct {
	logger *zap.Logger
}

// NewLogExporter creates a LogExporter.
func NewLogExporter(logger *zap.Logger) *LogExporter {
	return &LogExporter{logger: logger}
}

// Export logs r.
func (l *LogExporter) Export(_ context.Context, r report.Report) error {
	fields := []zap.Field{
		zap.Time("time", r.Time),
		zap.Stringer("mode", r.Mode),
		zap.Uint64("samples", r.Histogram.Total()),
		zap.Int("entities", len(r.Entities)),
		zap.Int("pending", r.Pending),
		zap.Uint64("correlation_miss", r.Drops.CorrelationMiss),
		zap.Uint64("capacity_exceeded", r.Drops.CapacityExceeded),
		zap.Uint64("buffer_full", r.Drops.BufferFull),
		zap.Uint64("counter_overflow", r.Drops.CounterOverflow),
		zap.Uint64("unrouted", r.Drops.Unrouted),
		zap.Uint64("filtered", r.Drops.Filtered),
	}
	if !r.Histogram.Empty() {
		fields = append(fields,
			zap.Float64("p50", r.Histogram.Quantile(0.50)),
			zap.Float64("p99", r.Histogram.Quantile(0.99)))
	}
	for _, rt := range r.Rates {
		fields = append(fields, zap.Uint64("rate."+rt.Site, rt.Count))
	}
	l.logger.Info("report", fields...)

	for _, e := range r.Entities {
		l.logger.Debug("entity",
			zap.Uint64("id", uint64(e.ID)),
			zap.String("name", e.Name),
			zap.Uint64("tx_packets", e.Totals.TxPackets),
			zap.Uint64("tx_bytes", e.Totals.TxBytes),
			zap.Uint64("rx_packets", e.Totals.RxPackets),
			zap.Uint64("rx_bytes", e.Totals.RxBytes))
	}
	return nil
}
