// Package serial provides per-key single-writer execution: all work
// submitted for one key runs sequentially in submission order, while work
// for different keys proceeds fully in parallel.
//
// The session and room layers use it to serialize mutations per object
// without a global lock. Callers must not submit work that blocks on a
// synchronous cluster call for the same key: the section would stall every
// queued mutation behind a remote round-trip.
package serial

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned when work is submitted after Close.
var ErrClosed = errors.New("serial: executor closed")

// Option configures an Executor.
type Option func(*config)

type config struct {
	queueSize int
}

// WithQueueSize sets the pending-work buffer per key (default 64).
func WithQueueSize(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.queueSize = n
		}
	}
}

// Executor runs submitted functions such that, per key, execution is
// sequential and in submission order.
type Executor[K comparable] struct {
	mu        sync.Mutex
	lanes     map[K]*lane
	closed    bool
	inflight  sync.WaitGroup
	queueSize int
}

type lane struct {
	queue chan *unit
}

type unit struct {
	fn   func() error
	done chan error
}

// New creates an Executor.
func New[K comparable](opts ...Option) *Executor[K] {
	cfg := config{queueSize: 64}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Executor[K]{
		lanes:     make(map[K]*lane),
		queueSize: cfg.queueSize,
	}
}

// Do runs fn in key's lane and blocks until it finishes, returning its
// error. If ctx is cancelled while waiting, Do returns the context error;
// an already enqueued fn still executes.
func (e *Executor[K]) Do(ctx context.Context, key K, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	e.inflight.Add(1)
	l := e.laneLocked(key)
	e.mu.Unlock()

	u := &unit{fn: fn, done: make(chan error, 1)}

	select {
	case l.queue <- u:
	case <-ctx.Done():
		e.inflight.Done()
		return ctx.Err()
	}

	select {
	case err := <-u.done:
		e.inflight.Done()
		return err
	case <-ctx.Done():
		e.inflight.Done()
		return ctx.Err()
	}
}

// Close stops accepting work. Queued work still runs.
func (e *Executor[K]) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.mu.Unlock()

	// wait for in-flight Do calls to finish enqueueing before closing lanes
	e.inflight.Wait()

	e.mu.Lock()
	for _, l := range e.lanes {
		close(l.queue)
	}
	e.lanes = nil
	e.mu.Unlock()
}

func (e *Executor[K]) laneLocked(key K) *lane {
	l, ok := e.lanes[key]
	if ok {
		return l
	}
	l = &lane{queue: make(chan *unit, e.queueSize)}
	e.lanes[key] = l
	go func() {
		for u := range l.queue {
			u.done <- u.fn()
		}
	}()
	return l
}
