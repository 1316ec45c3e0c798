package counters

import (
	"runtime"
	"sync/atomic"
)

type cell struct {
	n atomic.Uint64
	_ [56]byte
}

// Counter is a single sharded event counter.
type Counter struct {
	cells []cell
}

// NewCounter creates a counter with one cell per shard. shards of 0 uses
// one cell per CPU.
func NewCounter(shards int) *Counter {
	if shards <= 0 {
		shards = runtime.NumCPU()
	}
	return &Counter{cells: make([]cell, shards)}
}

// Add increments the cell owned by ctx.
func (c *Counter) Add(ctx uint32, n uint64) {
	c.cells[int(ctx)%len(c.cells)].n.Add(n)
}

// Load sums every cell.
func (c *Counter) Load() uint64 {
	var sum uint64
	for i := range c.cells {
		sum += c.cells[i].n.Load()
	}
	return sum
}

// Drain sums and zeroes every cell.
func (c *Counter) Drain() uint64 {
	var sum uint64
	for i := range c.cells {
		sum += c.cells[i].n.Swap(0)
	}
	return sum
}
