// Package emitter moves per-event records from producers to one consumer
// through a bounded ring buffer.
//
// Emit never blocks: when the ring is full the record is dropped and
// counted. Records from one producer keep their submission order; records
// from different producers may interleave in any order.
package emitter

import (
	"context"
	"errors"
	"iter"
	"sync/atomic"
	"time"
)

// DefaultCapacity is the ring size used when none is configured.
const DefaultCapacity = 4096

// ErrClosed is returned by Poll after Close.
var ErrClosed = errors.New("emitter closed")

// Record is one completed operation.
type Record struct {
	Timestamp uint64 // monotonic ns at completion
	Site      uint32
	CPU       uint32
	Key       uint64
	Latency   uint64 // ns, 0 for records without a start
	Value     uint64 // site-specific payload, e.g. byte count
}

type cell struct {
	turn atomic.Uint64
	rec  Record
}

// Emitter is a multi-producer single-consumer ring of Records.
//
// Slot i serves ticket t when i == t % capacity. A slot is free for round
// r = t / capacity when turn == 2r and holds a record when turn == 2r+1.
type Emitter struct {
	cells   []cell
	head    atomic.Uint64 // next producer ticket
	tail    uint64        // next consumer ticket, owned by the consumer
	notify  chan struct{}
	closed  atomic.Bool
	dropped atomic.Uint64
	emitted atomic.Uint64
}

// New creates an emitter holding at most capacity records.
func New(capacity int) *Emitter {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Emitter{
		cells:  make([]cell, capacity),
		notify: make(chan struct{}, 1),
	}
}

// Capacity returns the ring size.
func (e *Emitter) Capacity() int {
	return len(e.cells)
}

// Emit pushes r and reports whether it was accepted.
func (e *Emitter) Emit(r Record) bool {
	if e.closed.Load() {
		e.dropped.Add(1)
		return false
	}

	n := uint64(len(e.cells))
	for {
		t := e.head.Load()
		c := &e.cells[t%n]
		if c.turn.Load() != 2*(t/n) {
			if e.head.Load() == t {
				e.dropped.Add(1)
				return false
			}
			continue
		}
		if !e.head.CompareAndSwap(t, t+1) {
			continue
		}
		c.rec = r
		c.turn.Store(2*(t/n) + 1)
		e.emitted.Add(1)

		select {
		case e.notify <- struct{}{}:
		default:
		}
		return true
	}
}

// Dropped returns the number of records rejected because the ring was full
// or closed.
func (e *Emitter) Dropped() uint64 {
	return e.dropped.Load()
}

// Emitted returns the number of accepted records.
func (e *Emitter) Emitted() uint64 {
	return e.emitted.Load()
}

// Len returns the number of records ready for the consumer. Only the
// consumer may call it.
func (e *Emitter) Len() int {
	return int(e.head.Load() - e.tail)
}

func (e *Emitter) pop() (Record, bool) {
	n := uint64(len(e.cells))
	c := &e.cells[e.tail%n]
	round := e.tail / n
	if c.turn.Load() != 2*round+1 {
		return Record{}, false
	}
	r := c.rec
	c.turn.Store(2 * (round + 1))
	e.tail++
	return r, true
}

// Poll waits up to timeout for at least one record, then yields every
// record available. Iteration stops early when ctx is done or the caller
// breaks. Only one goroutine may poll.
func (e *Emitter) Poll(ctx context.Context, timeout time.Duration) iter.Seq[Record] {
	return func(yield func(Record) bool) {
		r, ok := e.pop()
		if !ok {
			if e.closed.Load() {
				return
			}
			timer := time.NewTimer(timeout)
			defer timer.Stop()
			for !ok {
				select {
				case <-ctx.Done():
					return
				case <-timer.C:
					r, ok = e.pop()
					if !ok {
						return
					}
				case <-e.notify:
					r, ok = e.pop()
					if !ok && e.closed.Load() {
						return
					}
				}
			}
		}

		for ok {
			if ctx.Err() != nil || !yield(r) {
				return
			}
			r, ok = e.pop()
		}
	}
}

// Close stops accepting records. Records already in the ring can still be
// polled.
func (e *Emitter) Close() {
	if e.closed.CompareAndSwap(false, true) {
		select {
		case e.notify <- struct{}{}:
		default:
		}
	}
}

// Closed reports whether Close was called.
func (e *Emitter) Closed() bool {
	return e.closed.Load()
}

// Err returns ErrClosed once the emitter is closed and drained.
func (e *Emitter) Err() error {
	if e.closed.Load() && e.Len() == 0 {
		return ErrClosed
	}
	return nil
}
