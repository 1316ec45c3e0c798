// Package counters keeps per-entity packet and byte totals.
//
// Producers increment one shard per execution context, so two contexts
// never contend on the same counter words. Readers sum every shard. Each
// counter is monotonically non-decreasing between resets; a read racing
// with increments may miss the in-flight ones but never reports a value
// that goes backwards. The packet and byte words of one increment are not
// updated together, so a read can see its packet delta without its byte
// delta.
package counters

import (
	"encoding/binary"
	"fmt"
	"runtime"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
)

// EntityID identifies a counted entity, e.g. an interface index.
type EntityID uint64

// Direction is the traffic direction of an increment.
type Direction uint8

const (
	TX Direction = iota
	RX
)

func (d Direction) String() string {
	switch d {
	case TX:
		return "tx"
	case RX:
		return "rx"
	default:
		return fmt.Sprintf("direction(%d)", uint8(d))
	}
}

// DefaultCapacity is the number of entities each shard can hold.
const DefaultCapacity = 4096

const probeWindow = 16

// Totals are the summed counters of one entity.
type Totals struct {
	TxPackets uint64
	TxBytes   uint64
	RxPackets uint64
	RxBytes   uint64
}

// Add returns the element-wise sum of t and o.
func (t Totals) Add(o Totals) Totals {
	return Totals{
		TxPackets: t.TxPackets + o.TxPackets,
		TxBytes:   t.TxBytes + o.TxBytes,
		RxPackets: t.RxPackets + o.RxPackets,
		RxBytes:   t.RxBytes + o.RxBytes,
	}
}

// Zero reports whether all counters are zero.
func (t Totals) Zero() bool {
	return t == Totals{}
}

type entry struct {
	id        atomic.Uint64 // 0 = free, otherwise EntityID+1
	txPackets atomic.Uint64
	txBytes   atomic.Uint64
	rxPackets atomic.Uint64
	rxBytes   atomic.Uint64
	_         [24]byte
}

type shard struct {
	entries []entry
	mask    uint64
}

// Table is a sharded per-entity counter table.
type Table struct {
	shards   []shard
	overflow atomic.Uint64
}

// New creates a table with the given per-shard capacity. shards of 0 uses
// one shard per CPU.
func New(capacity, shards int) *Table {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if shards <= 0 {
		shards = runtime.NumCPU()
	}

	size := uint64(1)
	for size < uint64(capacity) {
		size <<= 1
	}

	t := &Table{shards: make([]shard, shards)}
	for i := range t.shards {
		t.shards[i] = shard{
			entries: make([]entry, size),
			mask:    size - 1,
		}
	}
	return t
}

// Shards returns the number of shards.
func (t *Table) Shards() int {
	return len(t.shards)
}

func hashID(id EntityID) uint64 {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(id))
	return xxhash.Sum64(b[:])
}

// lookupOrInit returns the entry for id in s, claiming a free one if needed.
// Two contexts racing on the same shard may each claim a slot for id; the
// duplicates are summed on read.
func (s *shard) lookupOrInit(id EntityID) *entry {
	enc := uint64(id) + 1
	h := hashID(id) & s.mask
	window := uint64(probeWindow)
	if window > s.mask+1 {
		window = s.mask + 1
	}

	for i := uint64(0); i < window; i++ {
		e := &s.entries[(h+i)&s.mask]
		cur := e.id.Load()
		if cur == enc {
			return e
		}
		if cur == 0 && (e.id.CompareAndSwap(0, enc) || e.id.Load() == enc) {
			return e
		}
	}
	return nil
}

// Increment adds packets and bytes for id in direction dir to the shard
// selected by ctx. It returns false when the shard has no room for id.
func (t *Table) Increment(ctx uint32, id EntityID, dir Direction, packets, bytes uint64) bool {
	if uint64(id) == ^uint64(0) {
		t.overflow.Add(1)
		return false
	}

	s := &t.shards[int(ctx)%len(t.shards)]
	e := s.lookupOrInit(id)
	if e == nil {
		t.overflow.Add(1)
		return false
	}

	switch dir {
	case RX:
		e.rxPackets.Add(packets)
		e.rxBytes.Add(bytes)
	default:
		e.txPackets.Add(packets)
		e.txBytes.Add(bytes)
	}
	return true
}

// ReadAll sums all shards into one entry per entity.
func (t *Table) ReadAll() map[EntityID]Totals {
	return t.collect(false)
}

// Drain sums and zeroes all shards. Each counter word is swapped, so an
// increment racing with the drain lands in exactly one window.
func (t *Table) Drain() map[EntityID]Totals {
	return t.collect(true)
}

// Reset zeroes every counter and keeps the entity slots.
func (t *Table) Reset() {
	t.collect(true)
}

// Overflows returns the number of increments dropped for lack of room.
func (t *Table) Overflows() uint64 {
	return t.overflow.Load()
}

func (t *Table) collect(swap bool) map[EntityID]Totals {
	out := make(map[EntityID]Totals)
	read := func(c *atomic.Uint64) uint64 {
		if swap {
			return c.Swap(0)
		}
		return c.Load()
	}

	for si := range t.shards {
		entries := t.shards[si].entries
		for i := range entries {
			e := &entries[i]
			enc := e.id.Load()
			if enc == 0 {
				continue
			}
			id := EntityID(enc - 1)
			out[id] = out[id].Add(Totals{
				TxPackets: read(&e.txPackets),
				TxBytes:   read(&e.txBytes),
				RxPackets: read(&e.rxPackets),
				RxBytes:   read(&e.rxBytes),
			})
		}
	}
	return out
}
