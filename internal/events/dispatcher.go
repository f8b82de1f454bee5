package events

import (
	"context"
	"log/slog"
	"time"
)

// Subscriber consumes lifecycle events out-of-band. Errors are logged and
// dropped; delivery is at-most-once by design.
type Subscriber interface {
	Name() string
	Handle(ctx context.Context, event LifecycleEvent) error
}

// Dispatcher buffers events from the orchestrator and fans them out to
// subscribers on a background worker. Emit never blocks the caller: when the
// buffer is full the event is dropped with a log line, which is acceptable
// because no orchestrator invariant depends on delivery.
type Dispatcher struct {
	inbox  chan LifecycleEvent
	subs   []Subscriber
	logger *slog.Logger
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = logger }
}

// WithBuffer sets the inbox capacity.
func WithBuffer(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.inbox = make(chan LifecycleEvent, n)
		}
	}
}

// NewDispatcher creates a dispatcher over the given subscribers.
func NewDispatcher(subs []Subscriber, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		inbox:  make(chan LifecycleEvent, 256),
		subs:   subs,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Emit queues an event without blocking.
func (d *Dispatcher) Emit(event LifecycleEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	select {
	case d.inbox <- event:
	default:
		d.logger.Warn("event buffer full, dropping lifecycle event",
			"event", event.Name,
			"session_id", event.SessionID,
		)
	}
}

// Run drains the inbox until ctx is cancelled, delivering each event to all
// subscribers. A subscriber failure is logged and never stops the loop or
// other subscribers.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event := <-d.inbox:
			for _, sub := range d.subs {
				if err := sub.Handle(ctx, event); err != nil {
					d.logger.Error("event subscriber failed",
						"subscriber", sub.Name(),
						"event", event.Name,
						"session_id", event.SessionID,
						"error", err.Error(),
					)
				}
			}
		}
	}
}
