// Package eventstream runs the consumer loops that move events out of
// buffers: Stream reads raw probe events from a kernel ring buffer and
// Drainer delivers emitted records to sinks.
package eventstream

import (
	"context"
	"errors"
	"sync"

	"github.com/mrzor/probestat/internal/bpf"
	"github.com/mrzor/probestat/internal/eventprocessor"

	"github.com/cilium/ebpf/ringbuf"
	"go.uber.org/zap"
)

// RecordReader is the part of *ringbuf.Reader the stream uses.
type RecordReader interface {
	Read() (ringbuf.Record, error)
	Close() error
}

// Stream reads events from a ringbuffer and dispatches them to a handler.
type Stream struct {
	reader  RecordReader
	handler eventprocessor.EventHandler
	logger  *zap.Logger

	stopOnce sync.Once
	done     chan struct{}
}

// New creates a new Stream with the given ringbuffer reader and event handler.
func New(reader RecordReader, handler eventprocessor.EventHandler, logger *zap.Logger) *Stream {
	return &Stream{
		reader:  reader,
		handler: handler,
		logger:  logger,
		done:    make(chan struct{}),
	}
}

// Start begins reading events from the ringbuffer in a goroutine.
// It returns immediately and processes events in the background until
// the context is cancelled or Stop is called.
func (s *Stream) Start(ctx context.Context) error {
	go s.processEvents()
	go func() {
		select {
		case <-ctx.Done():
			_ = s.Stop()
		case <-s.done:
		}
	}()
	return nil
}

// Stop closes the reader, which unblocks the pending Read, and waits for
// the loop to exit.
func (s *Stream) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		err = s.reader.Close()
	})
	<-s.done
	return err
}

// processEvents is the main event loop that reads and processes events.
func (s *Stream) processEvents() {
	defer close(s.done)

	var event bpf.RawEvent
	for {
		record, err := s.reader.Read()
		if err != nil {
			if errors.Is(err, ringbuf.ErrClosed) {
				return
			}
			s.logger.Warn("reading from ring buffer", zap.Error(err))
			continue
		}

		if err := event.Decode(record.RawSample); err != nil {
			s.logger.Warn("parsing event", zap.Error(err))
			continue
		}

		if err := s.handler.HandleEvent(&event); err != nil {
			s.logger.Debug("handling event", zap.Error(err))
		}
	}
}
