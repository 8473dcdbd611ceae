package session

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/lexiqai/speechstream/internal/observability"
)

// DefaultEventBufferSize bounds the dispatcher queue when the configuration
// does not specify one
const DefaultEventBufferSize = 64

// Dispatcher delivers recognition events to a single subscriber channel in
// publication order. The internal queue is bounded; when the subscriber
// falls behind, the oldest undelivered events are discarded and the next
// delivery is preceded by a BackpressureDropped event carrying the count.
//
// Publishing never blocks the protocol goroutines.
type Dispatcher struct {
	logger zerolog.Logger
	out    chan Event
	wake   chan struct{}

	mu      sync.Mutex
	queue   []Event
	cap     int
	dropped int
	closed  bool
}

// NewDispatcher creates a dispatcher with a bounded queue of size capacity
// and starts its delivery loop
func NewDispatcher(capacity int, logger zerolog.Logger) *Dispatcher {
	if capacity <= 0 {
		capacity = DefaultEventBufferSize
	}
	d := &Dispatcher{
		logger: logger.With().Str("component", "dispatcher").Logger(),
		out:    make(chan Event),
		wake:   make(chan struct{}, 1),
		cap:    capacity,
	}
	go d.deliver()
	return d
}

// Events returns the subscriber channel. It is closed after Close once all
// buffered events have been delivered.
func (d *Dispatcher) Events() <-chan Event {
	return d.out
}

// Publish enqueues an event for delivery. When the queue is full the oldest
// event is discarded to make room.
func (d *Dispatcher) Publish(e Event) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	if len(d.queue) >= d.cap {
		evicted := d.queue[0]
		copy(d.queue, d.queue[1:])
		d.queue = d.queue[:len(d.queue)-1]
		d.dropped++
		observability.RecordDroppedEvent()
		d.logger.Warn().
			Str("kind", evicted.Kind.String()).
			Msg("Dropped oldest event under backpressure")
	}
	d.queue = append(d.queue, e)
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Close stops intake and closes the subscriber channel once the remaining
// buffered events are delivered
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) deliver() {
	for {
		d.mu.Lock()
		if d.dropped > 0 && len(d.queue) > 0 {
			n := d.dropped
			d.dropped = 0
			d.mu.Unlock()
			d.out <- Event{Kind: EventBackpressureDropped, Dropped: n}
			continue
		}
		if len(d.queue) > 0 {
			e := d.queue[0]
			copy(d.queue, d.queue[1:])
			d.queue = d.queue[:len(d.queue)-1]
			d.mu.Unlock()
			d.out <- e
			continue
		}
		if d.closed {
			d.mu.Unlock()
			close(d.out)
			return
		}
		d.mu.Unlock()
		<-d.wake
	}
}
