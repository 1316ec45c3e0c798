package output

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mrzor/probestat/internal/histogram"
	"github.com/mrzor/probestat/internal/report"
)

const starWidth = 40

// TextExporter writes reports in the layout of the bcc tools.
type TextExporter struct {
	mu sync.Mutex
	w  io.Writer
}

// NewTextExporter creates a TextExporter writing to w.
func NewTextExporter(w io.Writer) *TextExporter {
	return &TextExporter{w: w}
}

// Export writes r.
func (t *TextExporter) Export(_ context.Context, r report.Report) error {
	var buf bytes.Buffer

	fmt.Fprintf(&buf, "%s (%s)\n", r.Time.Format("15:04:05"), r.Mode)

	if !r.Histogram.Empty() {
		WriteHistogram(&buf, r.Histogram)
	}
	for _, q := range r.Quantiles {
		fmt.Fprintf(&buf, "p%s = %.1f %s\n", strconv.FormatFloat(q.Q*100, 'f', -1, 64), q.Value, unitLabel(r.Histogram.Unit))
	}
	for _, e := range r.Entities {
		name := e.Name
		if name == "" {
			name = strconv.FormatUint(uint64(e.ID), 10)
		}
		fmt.Fprintf(&buf, "%s: tx(%d, %d B), rx(%d, %d B)\n",
			name, e.Totals.TxPackets, e.Totals.TxBytes, e.Totals.RxPackets, e.Totals.RxBytes)
	}
	for _, rt := range r.Rates {
		fmt.Fprintf(&buf, "%s: %d events\n", rt.Site, rt.Count)
	}
	if d := r.Drops; d != (report.Drops{}) {
		fmt.Fprintf(&buf, "drops: correlation_miss=%d capacity_exceeded=%d buffer_full=%d counter_overflow=%d unrouted=%d filtered=%d\n",
			d.CorrelationMiss, d.CapacityExceeded, d.BufferFull, d.CounterOverflow, d.Unrouted, d.Filtered)
	}
	buf.WriteByte('\n')

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, err := t.w.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("writing text report: %w", err)
	}
	return nil
}

// WriteHistogram renders the non-empty range of s as
// "low -> high : count |stars|" rows.
func WriteHistogram(w io.Writer, s histogram.Snapshot) {
	rows := s.Trimmed()
	if len(rows) == 0 {
		return
	}

	var peak uint64
	for _, b := range rows {
		peak = max(peak, b.Count)
	}

	fmt.Fprintf(w, "%10s%-14s : count     distribution\n", unitLabel(s.Unit), "")
	for _, b := range rows {
		fmt.Fprintf(w, "%10d -> %-10d : %-8d |%-*s|\n",
			b.Low, b.High-1, b.Count, starWidth, stars(b.Count, peak))
	}
}

func stars(v, peak uint64) string {
	if peak == 0 {
		return ""
	}
	return strings.Repeat("*", int(v*starWidth/peak))
}

func unitLabel(u time.Duration) string {
	switch u {
	case time.Nanosecond, 0:
		return "nsecs"
	case time.Microsecond:
		return "usecs"
	case time.Millisecond:
		return "msecs"
	case time.Second:
		return "secs"
	}
	return u.String()
}
