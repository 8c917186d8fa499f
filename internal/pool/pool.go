// Package pool provides a fixed-capacity resource pool for decoder workers.
//
// Callers [Pool.Checkout] an item, own it exclusively, and hand it back with
// [Pool.Return] together with a readiness future: the item becomes grabbable
// again only once that future resolves. This lets a caller start a long
// decoder round, return the worker immediately, and move on, while the next
// caller blocks until some worker actually finishes.
//
// Items whose future resolves with an error and which then fail the health
// check are either replaced through the configured replace function or retired
// from the pool, so a crashed decoder never wedges other callers.
//
// All methods are safe for concurrent use.
package pool

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

var (
	// ErrNoWorkers is returned by [Pool.Checkout] when no item is idle, busy,
	// or pending return, so waiting could never succeed.
	ErrNoWorkers = errors.New("pool: no workers available")

	// ErrClosed is returned by [Pool.Checkout] after [Pool.Close].
	ErrClosed = errors.New("pool: closed")
)

// defaultReplaceTimeout bounds how long replacing or stopping an item may
// take outside a caller's context.
const defaultReplaceTimeout = 30 * time.Second

// Stats is a point-in-time snapshot of pool occupancy.
type Stats struct {
	Idle     int // ready to be checked out
	Busy     int // checked out and not yet returned
	Pending  int // returned, waiting for the readiness future
	Retired  int // dropped after dying with no replacement
	Replaced int // dead items swapped for fresh ones
}

// Observer receives occupancy changes, e.g. to feed metrics.
type Observer interface {
	PoolChanged(ctx context.Context, busyDelta int64)
	WorkerReplaced(ctx context.Context)
	WorkerRetired(ctx context.Context)
}

// Option configures a [Pool].
type Option[T any] func(*Pool[T])

// WithHealth sets the liveness check applied to items whose readiness future
// failed and to idle items at checkout.
func WithHealth[T any](healthy func(T) bool) Option[T] {
	return func(p *Pool[T]) { p.healthy = healthy }
}

// WithReplace sets the function used to create a fresh item when one dies.
// Without it dead items are retired.
func WithReplace[T any](replace func(ctx context.Context) (T, error)) Option[T] {
	return func(p *Pool[T]) { p.replace = replace }
}

// WithStop sets the function used to release items on [Pool.Close] and when
// dead items are discarded.
func WithStop[T any](stop func(ctx context.Context, item T) error) Option[T] {
	return func(p *Pool[T]) { p.stop = stop }
}

// WithObserver registers an [Observer].
func WithObserver[T any](o Observer) Option[T] {
	return func(p *Pool[T]) { p.observer = o }
}

// WithName sets the label used in log messages.
func WithName[T any](name string) Option[T] {
	return func(p *Pool[T]) { p.name = name }
}

// Pool is a bounded pool of items of type T.
type Pool[T any] struct {
	name     string
	healthy  func(T) bool
	replace  func(context.Context) (T, error)
	stop     func(context.Context, T) error
	observer Observer

	mu       sync.Mutex
	idle     []T
	busy     int
	pending  int
	retired  int
	replaced int
	closed   bool
	changed  chan struct{}
}

// New creates a pool holding items. The pool never grows beyond len(items).
func New[T any](items []T, opts ...Option[T]) *Pool[T] {
	p := &Pool[T]{
		name:    "pool",
		idle:    append([]T(nil), items...),
		changed: make(chan struct{}),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// notifyLocked wakes every waiter. Must be called with p.mu held.
func (p *Pool[T]) notifyLocked() {
	close(p.changed)
	p.changed = make(chan struct{})
}

// Checkout returns an idle item, blocking until a pending return resolves if
// none is idle. Checkout fails with [ErrNoWorkers] only when nothing is idle,
// busy, or pending.
func (p *Pool[T]) Checkout(ctx context.Context) (T, error) {
	var zero T
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return zero, ErrClosed
		}
		if n := len(p.idle); n > 0 {
			item := p.idle[n-1]
			p.idle = p.idle[:n-1]
			p.busy++
			p.mu.Unlock()

			if p.healthy != nil && !p.healthy(item) {
				// Died while idle. The slot stays counted as busy while it is
				// being replaced so waiters do not give up prematurely.
				fresh, ok := p.replaceDead(ctx, item)
				if !ok {
					p.mu.Lock()
					p.busy--
					p.retired++
					p.notifyLocked()
					p.mu.Unlock()
					continue
				}
				item = fresh
			}
			p.observe(ctx, 1)
			return item, nil
		}
		if p.busy == 0 && p.pending == 0 {
			p.mu.Unlock()
			return zero, ErrNoWorkers
		}
		wait := p.changed
		p.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
}

// Return hands item back to the pool. The item becomes available once ready
// yields a value or is closed; a nil ready channel means immediately. If ready
// yields an error and the health check fails, the item is replaced or retired.
func (p *Pool[T]) Return(item T, ready <-chan error) {
	p.mu.Lock()
	p.busy--
	p.pending++
	p.mu.Unlock()
	p.observe(context.Background(), -1)

	if ready == nil {
		p.settle(item, nil)
		return
	}
	go func() {
		p.settle(item, <-ready)
	}()
}

// settle moves a pending item back to idle, or replaces/retires it.
func (p *Pool[T]) settle(item T, err error) {
	if err != nil {
		slog.Debug("pool: item returned with error", "pool", p.name, "err", err)
	}
	if err != nil && p.healthy != nil && !p.healthy(item) {
		// The slot stays pending until recovery is over, so Drain covers it.
		ctx, cancel := context.WithTimeout(context.Background(), defaultReplaceTimeout)
		defer cancel()
		fresh, ok := p.replaceDead(ctx, item)
		p.mu.Lock()
		p.pending--
		if ok {
			p.pushLocked(fresh)
		} else {
			p.retired++
		}
		p.notifyLocked()
		p.mu.Unlock()
		return
	}

	p.mu.Lock()
	p.pending--
	p.pushLocked(item)
	p.notifyLocked()
	p.mu.Unlock()
}

// pushLocked makes item idle, or stops it if the pool has been closed.
// Must be called with p.mu held.
func (p *Pool[T]) pushLocked(item T) {
	if p.closed {
		if p.stop != nil {
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), defaultReplaceTimeout)
				defer cancel()
				if err := p.stop(ctx, item); err != nil {
					slog.Warn("pool: stop after close failed", "pool", p.name, "err", err)
				}
			}()
		}
		return
	}
	p.idle = append(p.idle, item)
}

// replaceDead discards a dead item and tries to replace it. Slot accounting is
// left to the caller.
func (p *Pool[T]) replaceDead(ctx context.Context, dead T) (T, bool) {
	if p.stop != nil {
		if err := p.stop(ctx, dead); err != nil {
			slog.Debug("pool: stopping dead item failed", "pool", p.name, "err", err)
		}
	}

	if p.replace != nil {
		fresh, err := p.replace(ctx)
		if err == nil {
			p.mu.Lock()
			p.replaced++
			p.mu.Unlock()
			if p.observer != nil {
				p.observer.WorkerReplaced(ctx)
			}
			slog.Warn("pool: replaced dead worker", "pool", p.name)
			return fresh, true
		}
		slog.Error("pool: failed to replace dead worker, retiring slot", "pool", p.name, "err", err)
	} else {
		slog.Warn("pool: retiring dead worker", "pool", p.name)
	}
	if p.observer != nil {
		p.observer.WorkerRetired(ctx)
	}
	var zero T
	return zero, false
}

// Drain blocks until every pending return has resolved, including recovery
// of items that died.
func (p *Pool[T]) Drain(ctx context.Context) error {
	for {
		p.mu.Lock()
		if p.pending == 0 {
			p.mu.Unlock()
			return nil
		}
		wait := p.changed
		p.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close drains the pool, then stops every idle item. Items still checked out
// are stopped when they are returned. Close is idempotent.
func (p *Pool[T]) Close(ctx context.Context) error {
	if err := p.Drain(ctx); err != nil {
		return err
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.notifyLocked()
	p.mu.Unlock()

	var errs []error
	if p.stop != nil {
		for _, item := range idle {
			if err := p.stop(ctx, item); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// Stats returns a snapshot of the pool's occupancy.
func (p *Pool[T]) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Idle:     len(p.idle),
		Busy:     p.busy,
		Pending:  p.pending,
		Retired:  p.retired,
		Replaced: p.replaced,
	}
}

// Size returns the number of live items, whatever their state.
func (p *Pool[T]) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle) + p.busy + p.pending
}

func (p *Pool[T]) observe(ctx context.Context, delta int64) {
	if p.observer != nil {
		p.observer.PoolChanged(ctx, delta)
	}
}
