package correlate

import (
	"math"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_StartThenEnd(t *testing.T) {
	tests := []struct {
		name  string
		start uint64
		end   uint64
		want  uint64
	}{
		{name: "zero start", start: 0, end: 500_000, want: 500_000},
		{name: "same instant", start: 42, end: 42, want: 0},
		{name: "large timestamps", start: 1 << 50, end: 1<<50 + 7, want: 7},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New(16, 4)
			require.True(t, s.OnStart(1, tt.start))

			got, ok := s.OnEnd(1, tt.end)
			require.True(t, ok)
			assert.Equal(t, tt.want, got)

			_, ok = s.OnEnd(1, tt.end+1)
			assert.False(t, ok, "second end must not match")
			assert.Equal(t, uint64(1), s.Stats().Misses)
		})
	}
}

func TestStore_EndWithoutStart(t *testing.T) {
	s := New(16, 4)

	_, ok := s.OnEnd(2, 100)
	assert.False(t, ok)

	stats := s.Stats()
	assert.Equal(t, uint64(1), stats.Misses)
	assert.Equal(t, 0, stats.Live)
}

func TestStore_LastStartWins(t *testing.T) {
	s := New(16, 4)
	require.True(t, s.OnStart(7, 100))
	require.True(t, s.OnStart(7, 250))

	assert.Equal(t, 1, s.Stats().Live)

	got, ok := s.OnEnd(7, 300)
	require.True(t, ok)
	assert.Equal(t, uint64(50), got)
}

func TestStore_EndBeforeStartClampsToZero(t *testing.T) {
	s := New(16, 4)
	require.True(t, s.OnStart(3, 1000))

	got, ok := s.OnEnd(3, 10)
	require.True(t, ok)
	assert.Equal(t, uint64(0), got)
}

func TestStore_RejectsWhenFull(t *testing.T) {
	s := New(4, 4)
	for k := Key(1); k <= 4; k++ {
		require.True(t, s.OnStart(k, uint64(k)))
	}

	assert.False(t, s.OnStart(5, 5), "full table must reject new keys")
	assert.True(t, s.OnStart(2, 20), "existing keys can still be overwritten")
	assert.Equal(t, uint64(1), s.Stats().Rejected)

	_, ok := s.OnEnd(1, 10)
	require.True(t, ok)
	assert.True(t, s.OnStart(5, 5), "freed slot is reused")
	assert.False(t, s.Pending(1))
	assert.True(t, s.Pending(5))
}

func TestStore_ReservedKey(t *testing.T) {
	s := New(4, 4)
	assert.False(t, s.OnStart(Key(math.MaxUint64), 1))
	_, ok := s.OnEnd(Key(math.MaxUint64), 2)
	assert.False(t, ok)
}

func TestStore_CapacityRoundsUp(t *testing.T) {
	assert.Equal(t, 16, New(10, 4).Capacity())
	assert.Equal(t, 16384, New(0, 0).Capacity())
	assert.Equal(t, 2, New(2, 8).window)
}

func TestStore_ConcurrentDistinctKeys(t *testing.T) {
	const (
		workers = 8
		perKey  = 500
	)
	s := New(1024, 64)

	var wg sync.WaitGroup
	var matched atomic.Uint64
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perKey; i++ {
				k := Key(w*1_000_000 + i%64)
				if !s.OnStart(k, uint64(i)) {
					continue
				}
				if d, ok := s.OnEnd(k, uint64(i)+10); ok && d == 10 {
					matched.Add(1)
				}
			}
		}(w)
	}
	wg.Wait()

	assert.Equal(t, uint64(workers*perKey), matched.Load())
	stats := s.Stats()
	assert.Zero(t, stats.Misses)
	assert.Zero(t, stats.Live)
}

func TestStore_ConcurrentDuplicateEnd(t *testing.T) {
	const contenders = 16

	for round := 0; round < 50; round++ {
		s := New(64, 8)
		require.True(t, s.OnStart(9, 1))

		var wg sync.WaitGroup
		var wins atomic.Int32
		for i := 0; i < contenders; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, ok := s.OnEnd(9, 2); ok {
					wins.Add(1)
				}
			}()
		}
		wg.Wait()

		require.Equal(t, int32(1), wins.Load(), "exactly one end may match")
		require.Equal(t, uint64(contenders-1), s.Stats().Misses)
	}
}

func TestStore_ConcurrentDuplicateStartKeepsOneEntry(t *testing.T) {
	for round := 0; round < 50; round++ {
		s := New(64, 8)

		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(ts uint64) {
				defer wg.Done()
				s.OnStart(11, ts)
			}(uint64(100 + i))
		}
		wg.Wait()

		require.Equal(t, 1, s.Stats().Live)
		_, ok := s.OnEnd(11, 1000)
		require.True(t, ok)
		require.False(t, s.Pending(11))
	}
}

func TestStore_StartDuringEndIsKept(t *testing.T) {
	s := New(16, 4)
	k := Key(21)
	enc := encode(k)
	require.True(t, s.OnStart(k, 100))

	var sl *slot
	for i := range s.slots {
		if s.slots[i].key.Load() == enc {
			sl = &s.slots[i]
		}
	}
	require.NotNil(t, sl)

	// An end takes the start word, then a new start lands before the end
	// frees the key.
	v := sl.start.Load()
	require.True(t, sl.start.CompareAndSwap(v, retiring))
	require.True(t, s.OnStart(k, 200))
	release(sl, enc)

	assert.True(t, s.Pending(k))
	assert.Zero(t, sl.key.Load())
	assert.Zero(t, sl.start.Load(), "freed slot must not keep a timestamp")

	got, ok := s.OnEnd(k, 300)
	require.True(t, ok)
	assert.Equal(t, uint64(100), got)
	assert.Zero(t, s.Stats().Live)
}

func TestStore_FreedSlotHasNoStaleStart(t *testing.T) {
	s := New(16, 4)
	k := Key(21)
	enc := encode(k)
	require.True(t, s.OnStart(k, 100))

	idx := s.home(k)
	sl := &s.slots[idx]
	require.Equal(t, enc, sl.key.Load())

	v := sl.start.Load()
	require.True(t, sl.start.CompareAndSwap(v, retiring))
	require.True(t, s.OnStart(k, 200))
	release(sl, enc)

	other := Key(1000)
	for s.home(other) != idx {
		other++
	}
	// other claims the freed slot but has not stored its start yet.
	require.True(t, sl.key.CompareAndSwap(0, encode(other)))
	assert.False(t, s.Pending(other))
	_, ok := s.OnEnd(other, 250)
	assert.False(t, ok)
	assert.Equal(t, uint64(1), s.Stats().Misses)
}

func TestStore_ConcurrentStartEndSameKey(t *testing.T) {
	for round := 0; round < 20; round++ {
		s := New(64, 8)

		var wg sync.WaitGroup
		for w := 0; w < 4; w++ {
			wg.Add(1)
			go func(w int) {
				defer wg.Done()
				for i := 0; i < 200; i++ {
					ts := uint64(w*1000 + i + 1)
					if i%2 == 0 {
						s.OnStart(13, ts)
					} else {
						s.OnEnd(13, ts)
					}
				}
			}(w)
		}
		wg.Wait()

		for s.Pending(13) {
			_, ok := s.OnEnd(13, 1<<40)
			require.True(t, ok)
		}
		for i := range s.slots {
			if s.slots[i].key.Load() == 0 {
				require.Zero(t, s.slots[i].start.Load(), "slot %d", i)
			}
		}
		require.Zero(t, s.Stats().Live)
	}
}
