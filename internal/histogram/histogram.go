// Package histogram aggregates latency samples into log2-scaled buckets.
//
// Bucket i counts values in [2^i, 2^(i+1)) after the value is divided by
// the histogram unit; 0 and 1 both land in bucket 0. Values past the last
// bucket are clamped into it. Record is a single atomic add and is safe
// from any number of producer contexts.
package histogram

import (
	"math/bits"
	"sync/atomic"
	"time"
)

// DefaultBuckets covers the whole uint64 range.
const DefaultBuckets = 64

// Histogram is a fixed array of log2 buckets.
type Histogram struct {
	buckets []atomic.Uint64
	unit    time.Duration
}

// New creates a histogram with n buckets whose samples are divided by
// unit before bucketing. A unit of 0 or 1ns records raw values.
func New(n int, unit time.Duration) *Histogram {
	if n <= 0 || n > DefaultBuckets {
		n = DefaultBuckets
	}
	if unit <= 0 {
		unit = time.Nanosecond
	}
	return &Histogram{
		buckets: make([]atomic.Uint64, n),
		unit:    unit,
	}
}

// Len returns the number of buckets.
func (h *Histogram) Len() int {
	return len(h.buckets)
}

// Unit returns the divisor applied to recorded values.
func (h *Histogram) Unit() time.Duration {
	return h.unit
}

// BucketOf returns the index value v lands in, already scaled.
func (h *Histogram) BucketOf(v uint64) int {
	if v == 0 {
		return 0
	}
	i := bits.Len64(v) - 1
	if i >= len(h.buckets) {
		i = len(h.buckets) - 1
	}
	return i
}

// Record adds one sample of v nanoseconds.
func (h *Histogram) Record(v uint64) {
	if h.unit > time.Nanosecond {
		v /= uint64(h.unit)
	}
	h.buckets[h.BucketOf(v)].Add(1)
}

// Snapshot reads every bucket without resetting it.
func (h *Histogram) Snapshot() Snapshot {
	out := h.newSnapshot()
	for i := range h.buckets {
		out.Buckets[i].Count = h.buckets[i].Load()
	}
	return out
}

// Reset zeroes all buckets.
func (h *Histogram) Reset() {
	for i := range h.buckets {
		h.buckets[i].Swap(0)
	}
}

// Drain returns the counts accumulated since the previous Drain or Reset
// and zeroes them. Each bucket is swapped atomically, so an increment that
// races the drain is reported in exactly one window.
func (h *Histogram) Drain() Snapshot {
	out := h.newSnapshot()
	for i := range h.buckets {
		out.Buckets[i].Count = h.buckets[i].Swap(0)
	}
	return out
}

func (h *Histogram) newSnapshot() Snapshot {
	out := Snapshot{
		Unit:    h.unit,
		Buckets: make([]Bucket, len(h.buckets)),
	}
	for i := range out.Buckets {
		out.Buckets[i] = Bucket{Index: i, Low: Low(i), High: High(i)}
	}
	return out
}

// Low is the inclusive lower bound of bucket i.
func Low(i int) uint64 {
	if i == 0 {
		return 0
	}
	return uint64(1) << uint(i)
}

// High is the exclusive upper bound of bucket i.
func High(i int) uint64 {
	if i >= 63 {
		return ^uint64(0)
	}
	return uint64(1) << uint(i+1)
}
