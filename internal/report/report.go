// Package report holds the snapshot handed from the poller to exporters.
package report

import (
	"sort"
	"time"

	"github.com/mrzor/probestat/internal/counters"
	"github.com/mrzor/probestat/internal/histogram"
)

// Mode selects whether each report carries totals since start or since the
// previous report.
type Mode int

const (
	Cumulative Mode = iota
	Delta
)

func (m Mode) String() string {
	if m == Delta {
		return "delta"
	}
	return "cumulative"
}

// ParseMode parses "cumulative" or "delta".
func ParseMode(s string) (Mode, bool) {
	switch s {
	case "cumulative", "":
		return Cumulative, true
	case "delta":
		return Delta, true
	}
	return Cumulative, false
}

// Drops are the counted, never surfaced, producer-side failures.
type Drops struct {
	CorrelationMiss  uint64
	CapacityExceeded uint64
	BufferFull       uint64
	CounterOverflow  uint64
	Unrouted         uint64
	Filtered         uint64
}

// Entity is one counter table row.
type Entity struct {
	ID     counters.EntityID
	Name   string
	Totals counters.Totals
}

// Rate is the event count of one count site.
type Rate struct {
	Site  string
	Count uint64
}

// Quantile is a latency estimate in the histogram unit.
type Quantile struct {
	Q     float64
	Value float64
}

// Report is one poller tick.
type Report struct {
	Time      time.Time
	Mode      Mode
	Histogram histogram.Snapshot
	Entities  []Entity
	Rates     []Rate
	Drops     Drops
	Pending   int // live correlation entries
	Quantiles []Quantile
}

// EntitiesFrom turns a counter table read into rows ordered by id. name may
// be nil.
func EntitiesFrom(m map[counters.EntityID]counters.Totals, name func(counters.EntityID) string) []Entity {
	out := make([]Entity, 0, len(m))
	for id, t := range m {
		e := Entity{ID: id, Totals: t}
		if name != nil {
			e.Name = name(id)
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
