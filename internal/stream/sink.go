package stream

import (
	"errors"
	"sync"
)

// Event is one queued outbound message for a subscriber sink.
type Event struct {
	Name string
	Data []byte
}

var (
	// ErrSinkOverflow is returned by Write when the sink buffer is full.
	ErrSinkOverflow = errors.New("stream: sink buffer overflow")
	// ErrSinkClosed is returned by Write after the sink has been closed.
	ErrSinkClosed = errors.New("stream: sink closed")
)

// Sink is the write side of one attached connection. Writes must not
// block; a failed write causes the owning subscriber to be detached.
type Sink interface {
	Write(event string, data []byte) error
}

// BufferedSink is a bounded non-blocking Sink backed by a channel. The
// reader side (the SSE handler) consumes Events; a full buffer fails the
// write instead of stalling the broadcaster.
type BufferedSink struct {
	mu     sync.Mutex
	ch     chan Event
	closed bool
}

// NewBufferedSink creates a sink with the given buffer capacity.
func NewBufferedSink(capacity int) *BufferedSink {
	if capacity <= 0 {
		capacity = 64
	}
	return &BufferedSink{ch: make(chan Event, capacity)}
}

// Write queues an event. It never blocks: a full buffer returns
// ErrSinkOverflow and a closed sink returns ErrSinkClosed.
func (s *BufferedSink) Write(event string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSinkClosed
	}
	select {
	case s.ch <- Event{Name: event, Data: data}:
		return nil
	default:
		return ErrSinkOverflow
	}
}

// Events returns the channel the reader side consumes. It is closed when
// the sink is closed; queued events remain readable until drained.
func (s *BufferedSink) Events() <-chan Event {
	return s.ch
}

// Close closes the sink. Subsequent writes fail with ErrSinkClosed.
func (s *BufferedSink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}
