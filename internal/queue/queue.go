// Package queue implements the per-request message queue: a bounded,
// closable, ordered sequence of events with exactly one consumer. Producers
// are the connection registry's inbound message demux; the consumer is the
// request handler assembling a streaming response.
package queue

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/aistudio-proxy/aistudio-proxy/internal/logging"
)

// EventType identifies one kind of queued event.
type EventType int

const (
	EventHeaders EventType = iota
	EventChunk
	EventErr
	EventStreamEnd
)

func (t EventType) String() string {
	switch t {
	case EventHeaders:
		return "headers"
	case EventChunk:
		return "chunk"
	case EventErr:
		return "error"
	case EventStreamEnd:
		return "STREAM_END"
	default:
		return "unknown"
	}
}

// Event is one record flowing through a request's message queue.
type Event struct {
	Type    EventType
	Headers map[string]string
	Chunk   []byte
	Err     error
}

// Headers wraps a response_headers event.
func Headers(h map[string]string) Event { return Event{Type: EventHeaders, Headers: h} }

// Chunk wraps a chunk event.
func Chunk(data []byte) Event { return Event{Type: EventChunk, Chunk: data} }

// Errorf wraps an error event.
func Errorf(err error) Event { return Event{Type: EventErr, Err: err} }

// StreamEnd is the terminal event produced by a stream_close record or by
// Close on an otherwise idle queue.
var StreamEnd = Event{Type: EventStreamEnd}

// Queue is a bounded FIFO of Events with a single consumer. Close unblocks
// any pending Dequeue with a synthetic EventStreamEnd; Enqueue after Close is
// a no-op.
type Queue struct {
	mu     sync.Mutex
	closed bool
	buf    chan Event
	log    *logging.Logger
}

// New creates a Queue with room for capacity buffered events before new
// enqueues are dropped.
func New(capacity int, log *logging.Logger) *Queue {
	if capacity <= 0 {
		capacity = 64
	}
	if log == nil {
		log = logging.Default()
	}
	return &Queue{buf: make(chan Event, capacity), log: log}
}

// Enqueue appends e. It is a no-op once the queue has been closed. If the
// queue is full, the event is dropped and logged rather than blocking the
// caller, which is the registry's inbound demux goroutine and must never
// stall on a slow or abandoned consumer.
func (q *Queue) Enqueue(e Event) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	select {
	case q.buf <- e:
	default:
		q.log.Warn("message queue full, dropping event", zap.String("type", e.Type.String()))
	}
}

// Dequeue blocks until an event is available, the queue is closed, or ctx is
// done. Once closed, every subsequent call returns EventStreamEnd
// immediately (the channel is closed, not drained and recreated).
func (q *Queue) Dequeue(ctx context.Context) (Event, error) {
	select {
	case e, ok := <-q.buf:
		if !ok {
			return StreamEnd, nil
		}
		return e, nil
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
}

// Close marks the queue closed and unblocks any pending Dequeue. Safe to
// call more than once.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	select {
	case q.buf <- StreamEnd:
	default:
		// Buffer full of events the consumer hasn't drained yet; those are
		// delivered first, and the channel close below still guarantees a
		// StreamEnd is synthesized once they're exhausted.
	}
	close(q.buf)
}
