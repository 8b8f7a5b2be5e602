// Package notify delivers engine events to outbound sinks. Publishing never
// blocks the trading loop: events go through a bounded queue drained by one
// goroutine, and a full queue drops the event.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"autotrade/internal/domain"
)

// Sink is one delivery target.
type Sink interface {
	Name() string
	Send(ctx context.Context, ev domain.Event) error
}

// DefaultQueueSize is used when NewDispatcher is given a non-positive size.
const DefaultQueueSize = 64

// sendTimeout bounds a single sink delivery.
const sendTimeout = 5 * time.Second

// Dispatcher fans events out to its sinks. Delivery failures are logged and
// otherwise ignored.
type Dispatcher struct {
	sinks []Sink
	log   *slog.Logger

	mu     sync.RWMutex
	queue  chan domain.Event
	closed bool

	dropped atomic.Int64
	sent    atomic.Int64
	done    chan struct{}
}

// NewDispatcher creates a Dispatcher with a queue of size events. Call
// Start before publishing and Close on shutdown.
func NewDispatcher(size int, sinks ...Sink) *Dispatcher {
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &Dispatcher{
		sinks: sinks,
		queue: make(chan domain.Event, size),
		done:  make(chan struct{}),
		log:   slog.Default().With("component", "notify"),
	}
}

// Start launches the delivery goroutine.
func (d *Dispatcher) Start() {
	go d.run()
}

// Publish enqueues ev. It never blocks; when the queue is full or the
// dispatcher is closed the event is dropped.
func (d *Dispatcher) Publish(ev domain.Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.dropped.Add(1)
		return
	}
	select {
	case d.queue <- ev:
	default:
		n := d.dropped.Add(1)
		d.log.Warn("notification queue full, event dropped", "type", ev.Type, "symbol", ev.Symbol, "dropped", n)
	}
}

// Close stops accepting events, delivers what is queued and waits for the
// delivery goroutine to exit or ctx to end.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()

	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dropped returns the number of events dropped so far.
func (d *Dispatcher) Dropped() int64 { return d.dropped.Load() }

// Sent returns the number of successful sink deliveries so far.
func (d *Dispatcher) Sent() int64 { return d.sent.Load() }

func (d *Dispatcher) run() {
	defer close(d.done)
	for ev := range d.queue {
		for _, s := range d.sinks {
			ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
			err := s.Send(ctx, ev)
			cancel()
			if err != nil {
				d.log.Error("notification delivery failed", "sink", s.Name(), "type", ev.Type, "symbol", ev.Symbol, "error", err)
				continue
			}
			d.sent.Add(1)
		}
	}
}

// Format renders ev as a single human-readable line.
func Format(ev domain.Event) string {
	msg := "[" + string(ev.Type) + "]"
	if ev.Symbol != "" {
		msg += " " + ev.Symbol
	}
	if ev.Reason != "" {
		msg += fmt.Sprintf(" (%s)", ev.Reason)
	}
	if ev.Message != "" {
		msg += " " + ev.Message
	}
	return msg
}
