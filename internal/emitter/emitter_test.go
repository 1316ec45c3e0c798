package emitter

import (
	"context"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drain(e *Emitter, timeout time.Duration) []Record {
	return slices.Collect(e.Poll(context.Background(), timeout))
}

func TestEmit_CapacityOne(t *testing.T) {
	e := New(1)

	assert.True(t, e.Emit(Record{Key: 1}))
	assert.False(t, e.Emit(Record{Key: 2}), "second emit before drain must drop")
	assert.Equal(t, uint64(1), e.Dropped())

	got := drain(e, time.Millisecond)
	require.Len(t, got, 1)
	assert.Equal(t, uint64(1), got[0].Key)

	assert.True(t, e.Emit(Record{Key: 3}), "drained slot is reusable")
}

func TestPoll_TimesOutWhenEmpty(t *testing.T) {
	e := New(8)
	start := time.Now()
	assert.Empty(t, drain(e, 20*time.Millisecond))
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestPoll_WakesOnEmit(t *testing.T) {
	e := New(8)
	go func() {
		time.Sleep(10 * time.Millisecond)
		e.Emit(Record{Key: 42})
	}()

	got := drain(e, 5*time.Second)
	require.Len(t, got, 1)
	assert.Equal(t, uint64(42), got[0].Key)
}

func TestPoll_StopsOnBreak(t *testing.T) {
	e := New(8)
	for i := 0; i < 5; i++ {
		require.True(t, e.Emit(Record{Key: uint64(i)}))
	}

	var first []uint64
	for r := range e.Poll(context.Background(), time.Millisecond) {
		first = append(first, r.Key)
		if len(first) == 2 {
			break
		}
	}
	assert.Equal(t, []uint64{0, 1}, first)

	rest := drain(e, time.Millisecond)
	assert.Len(t, rest, 3)
}

func TestPoll_ContextCancelled(t *testing.T) {
	e := New(8)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Empty(t, slices.Collect(e.Poll(ctx, time.Hour)))
}

func TestEmit_WrapsAround(t *testing.T) {
	e := New(4)
	var keys []uint64
	for round := 0; round < 10; round++ {
		for i := 0; i < 3; i++ {
			require.True(t, e.Emit(Record{Key: uint64(round*3 + i)}))
		}
		for _, r := range drain(e, time.Millisecond) {
			keys = append(keys, r.Key)
		}
	}
	require.Len(t, keys, 30)
	for i, k := range keys {
		assert.Equal(t, uint64(i), k)
	}
}

func TestEmit_ConcurrentProducersKeepPerProducerOrder(t *testing.T) {
	const (
		producers = 8
		perProd   = 2000
	)
	e := New(producers * perProd)

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p uint32) {
			defer wg.Done()
			for i := 0; i < perProd; i++ {
				assert.True(t, e.Emit(Record{CPU: p, Key: uint64(i)}))
			}
		}(uint32(p))
	}
	wg.Wait()

	last := make(map[uint32]int)
	count := 0
	for r := range e.Poll(context.Background(), time.Millisecond) {
		prev, seen := last[r.CPU]
		if seen {
			require.Greater(t, int(r.Key), prev, "producer %d reordered", r.CPU)
		}
		last[r.CPU] = int(r.Key)
		count++
	}
	assert.Equal(t, producers*perProd, count)
	assert.Zero(t, e.Dropped())
}

func TestEmit_ConcurrentWithConsumerAccountsForEveryRecord(t *testing.T) {
	const (
		producers = 4
		perProd   = 5000
	)
	e := New(64)

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perProd; i++ {
				e.Emit(Record{Key: uint64(i)})
			}
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	received := 0
	for {
		for range e.Poll(context.Background(), time.Millisecond) {
			received++
		}
		select {
		case <-done:
			received += len(drain(e, time.Millisecond))
			assert.Equal(t, uint64(producers*perProd), uint64(received)+e.Dropped())
			assert.Equal(t, e.Emitted(), uint64(received))
			return
		default:
		}
	}
}

func TestClose(t *testing.T) {
	e := New(4)
	require.True(t, e.Emit(Record{Key: 1}))
	e.Close()

	assert.True(t, e.Closed())
	assert.False(t, e.Emit(Record{Key: 2}))
	assert.NoError(t, e.Err())

	assert.Len(t, drain(e, time.Hour), 1, "records emitted before close remain")
	assert.ErrorIs(t, e.Err(), ErrClosed)

	start := time.Now()
	assert.Empty(t, drain(e, time.Hour))
	assert.Less(t, time.Since(start), time.Second)
}
