package history

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"
)

const (
	defaultBuffer      = 256
	defaultSendTimeout = 5 * time.Second
)

// Dispatcher fans events out to sinks from a single background goroutine so
// that the caller never blocks on a slow database. When the buffer is full,
// events are dropped with a warning.
type Dispatcher struct {
	sinks   []Sink
	logger  *slog.Logger
	timeout time.Duration

	ch     chan Event
	done   chan struct{}
	once   sync.Once
	mu     sync.RWMutex
	closed bool
}

type DispatcherOption func(*Dispatcher)

func WithBuffer(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.ch = make(chan Event, n)
		}
	}
}

func WithLogger(l *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

func WithSendTimeout(t time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if t > 0 {
			d.timeout = t
		}
	}
}

func NewDispatcher(sinks []Sink, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		sinks:   sinks,
		logger:  slog.Default(),
		timeout: defaultSendTimeout,
		ch:      make(chan Event, defaultBuffer),
		done:    make(chan struct{}),
	}
	for _, o := range opts {
		o(d)
	}
	go d.loop()
	return d
}

// Publish enqueues e without blocking. It reports whether the event was accepted.
func (d *Dispatcher) Publish(e Event) bool {
	if d == nil {
		return false
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return false
	}
	select {
	case d.ch <- e:
		return true
	default:
		d.logger.Warn("history buffer full, dropping event", "node", e.Record.Node, "type", e.Type)
		return false
	}
}

func (d *Dispatcher) loop() {
	defer close(d.done)
	for e := range d.ch {
		for _, s := range d.sinks {
			ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
			if err := s.Send(ctx, e); err != nil {
				d.logger.Warn("history sink failed", "node", e.Record.Node, "type", e.Type, "error", err)
			}
			cancel()
		}
	}
}

// Close stops accepting events, drains the buffer and closes sinks that
// implement io.Closer.
func (d *Dispatcher) Close() error {
	if d == nil {
		return nil
	}
	var errs []error
	d.once.Do(func() {
		d.mu.Lock()
		d.closed = true
		close(d.ch)
		d.mu.Unlock()
		<-d.done
		for _, s := range d.sinks {
			if c, ok := s.(io.Closer); ok {
				if err := c.Close(); err != nil {
					errs = append(errs, err)
				}
			}
		}
	})
	return errors.Join(errs...)
}
