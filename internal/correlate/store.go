package correlate

import (
	"encoding/binary"
	"math"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
)

// Key identifies an in-flight operation, e.g. a block request pointer.
// math.MaxUint64 is reserved and cannot be stored.
type Key uint64

const (
	// DefaultCapacity bounds the number of operations tracked at once.
	DefaultCapacity = 10240
	// DefaultWindow is the number of slots probed per key.
	DefaultWindow = 32

	// published marks a start word as readable. Monotonic timestamps stay
	// far below 2^63, so the top bit is free.
	published = uint64(1) << 63
	// retiring marks a start word taken by the remover of the slot.
	retiring = uint64(1)
)

// A slot moves through (0,0) free, (key,0) claimed, (key,published|ts)
// live, (key,retiring) and (0,retiring) back to free. Only the owner of an
// unpublished start word may change it.
type slot struct {
	key   atomic.Uint64 // 0 = free, otherwise Key+1
	start atomic.Uint64 // published|timestamp, 0 or retiring otherwise
	_     [48]byte
}

// Stats are the drop counters of a Store.
type Stats struct {
	Misses   uint64 // ends with no matching start
	Rejected uint64 // starts dropped because the probe window was full
	Live     int    // approximate number of pending entries
}

// Store maps keys to pending start timestamps.
type Store struct {
	slots  []slot
	mask   uint64
	window int

	misses   atomic.Uint64
	rejected atomic.Uint64
}

// New creates a store with room for at least capacity entries. Capacity is
// rounded up to a power of two. window is the number of consecutive slots
// probed for a key and is clamped to the capacity.
func New(capacity, window int) *Store {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if window <= 0 {
		window = DefaultWindow
	}

	size := uint64(1)
	for size < uint64(capacity) {
		size <<= 1
	}
	if uint64(window) > size {
		window = int(size)
	}

	return &Store{
		slots:  make([]slot, size),
		mask:   size - 1,
		window: window,
	}
}

// Capacity returns the number of slots.
func (s *Store) Capacity() int {
	return len(s.slots)
}

func encode(k Key) uint64 {
	return uint64(k) + 1
}

func (s *Store) home(k Key) uint64 {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(k))
	return xxhash.Sum64(b[:]) & s.mask
}

// OnStart records now as the start of k. An existing entry for k is
// overwritten. It returns false when the start had to be dropped.
func (s *Store) OnStart(k Key, now uint64) bool {
	if uint64(k) == math.MaxUint64 {
		s.rejected.Add(1)
		return false
	}

	enc := encode(k)
	val := now | published
	h := s.home(k)

	for i := 0; i < s.window; i++ {
		sl := &s.slots[(h+uint64(i))&s.mask]
		if sl.key.Load() != enc {
			continue
		}
		for {
			cur := sl.start.Load()
			if cur&published == 0 || sl.key.Load() != enc {
				break
			}
			if sl.start.CompareAndSwap(cur, val) {
				return true
			}
		}
	}

	for i := 0; i < s.window; i++ {
		idx := (h + uint64(i)) & s.mask
		sl := &s.slots[idx]
		if sl.key.Load() != 0 || sl.start.Load() != 0 || !sl.key.CompareAndSwap(0, enc) {
			continue
		}
		sl.start.Store(val)
		s.collapse(h, idx, enc)
		return true
	}

	s.rejected.Add(1)
	return false
}

// collapse resolves two concurrent claims of the same key: the lower slot
// of the probe window keeps the entry, with the later of both timestamps.
// Slots being removed are skipped.
func (s *Store) collapse(h, claimed, enc uint64) {
	mine := &s.slots[claimed]
	for i := 0; i < s.window; i++ {
		idx := (h + uint64(i)) & s.mask
		if idx == claimed {
			return
		}
		other := &s.slots[idx]
		if other.key.Load() != enc {
			continue
		}
		cur := other.start.Load()
		if cur == retiring {
			continue
		}

		v := mine.start.Load()
		if v&published == 0 || !mine.start.CompareAndSwap(v, retiring) {
			// Already ended.
			return
		}
		if cur == 0 {
			// The other claim publishes its own start.
			release(mine, enc)
			return
		}
		if !raise(other, enc, v) {
			mine.start.Store(v)
			return
		}
		release(mine, enc)
		return
	}
}

// raise moves a live start word up to v. It fails once the slot stops
// holding a live entry for enc.
func raise(sl *slot, enc, v uint64) bool {
	for {
		cur := sl.start.Load()
		if cur&published == 0 || sl.key.Load() != enc {
			return false
		}
		if cur >= v || sl.start.CompareAndSwap(cur, v) {
			return true
		}
	}
}

// release frees a slot whose start word is retiring.
func release(sl *slot, enc uint64) {
	sl.key.CompareAndSwap(enc, 0)
	sl.start.CompareAndSwap(retiring, 0)
}

// OnEnd removes the entry for k and returns now minus its start. ok is
// false when no start is pending for k; the miss is counted.
func (s *Store) OnEnd(k Key, now uint64) (delta uint64, ok bool) {
	if uint64(k) != math.MaxUint64 {
		enc := encode(k)
		h := s.home(k)
		for i := 0; i < s.window; i++ {
			sl := &s.slots[(h+uint64(i))&s.mask]
			if sl.key.Load() != enc {
				continue
			}
			v := sl.start.Load()
			if v&published == 0 || !sl.start.CompareAndSwap(v, retiring) {
				continue
			}
			release(sl, enc)

			start := v &^ published
			if now < start {
				return 0, true
			}
			return now - start, true
		}
	}

	s.misses.Add(1)
	return 0, false
}

// Pending reports whether a start is recorded for k.
func (s *Store) Pending(k Key) bool {
	if uint64(k) == math.MaxUint64 {
		return false
	}
	enc := encode(k)
	h := s.home(k)
	for i := 0; i < s.window; i++ {
		sl := &s.slots[(h+uint64(i))&s.mask]
		if sl.key.Load() == enc && sl.start.Load()&published != 0 {
			return true
		}
	}
	return false
}

// Stats returns the drop counters and an approximate live count. It scans
// the whole table and is meant for the consumer side.
func (s *Store) Stats() Stats {
	live := 0
	for i := range s.slots {
		if s.slots[i].key.Load() != 0 {
			live++
		}
	}
	return Stats{
		Misses:   s.misses.Load(),
		Rejected: s.rejected.Load(),
		Live:     live,
	}
}
