package history

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"
)

// EventType defines the kind of task lifecycle event.
type EventType string

const (
	EventActivated EventType = "activated"
	EventStarted   EventType = "started"
	EventCompleted EventType = "completed"
	EventKilled    EventType = "killed"
	EventFailed    EventType = "failed"
)

// Event is one task lifecycle event exported to external systems.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Task       string    `json:"task"`
	PID        int       `json:"pid,omitempty"`
	Status     string    `json:"status"`
	Host       string    `json:"host,omitempty"`
	Message    string    `json:"message,omitempty"`
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// DefaultQueueSize bounds the events waiting for delivery.
const DefaultQueueSize = 256

// Dispatcher fans events out to sinks on a background goroutine so a slow
// sink never stalls task handling. Events beyond the queue are dropped.
type Dispatcher struct {
	sinks   []Sink
	logger  *slog.Logger
	timeout time.Duration

	queue     chan Event
	done      chan struct{}
	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
}

// NewDispatcher starts delivery to sinks. With no sinks Emit is a no-op.
func NewDispatcher(logger *slog.Logger, sinks ...Sink) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		sinks:   sinks,
		logger:  logger,
		timeout: 5 * time.Second,
		queue:   make(chan Event, DefaultQueueSize),
		done:    make(chan struct{}),
	}
	go d.loop()
	return d
}

// Emit queues e for every sink.
func (d *Dispatcher) Emit(e Event) {
	if d == nil || len(d.sinks) == 0 {
		return
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return
	}
	select {
	case d.queue <- e:
	default:
		d.logger.Warn("history queue full, event dropped", "type", e.Type, "task", e.Task)
	}
}

func (d *Dispatcher) loop() {
	defer close(d.done)
	for e := range d.queue {
		for _, s := range d.sinks {
			ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
			if err := s.Send(ctx, e); err != nil {
				d.logger.Warn("history sink send failed", "type", e.Type, "task", e.Task, "error", err)
			}
			cancel()
		}
	}
}

// Close drains queued events, waiting at most until ctx is done, and then
// closes every sink that implements io.Closer.
func (d *Dispatcher) Close(ctx context.Context) error {
	if d == nil {
		return nil
	}
	d.closeOnce.Do(func() {
		d.mu.Lock()
		d.closed = true
		close(d.queue)
		d.mu.Unlock()
	})
	select {
	case <-d.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	var errs []error
	for _, s := range d.sinks {
		if c, ok := s.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
