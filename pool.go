package collectz

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/zoobzio/clockz"
	"github.com/zoobzio/metricz"
	"go.uber.org/zap"
)

// Observability constants for the pool.
const (
	PoolCheckoutsTotal       = metricz.Key("pool.checkouts.total")
	PoolReleasesTotal        = metricz.Key("pool.releases.total")
	PoolInvalidReleasesTotal = metricz.Key("pool.releases.invalid.total")
	PoolWaitsTotal           = metricz.Key("pool.waits.total")
	PoolCheckedOut           = metricz.Key("pool.checked_out")
	PoolCapacity             = metricz.Key("pool.capacity")
)

// MaxPoolSize is the hard safety ceiling for derived pool sizes. Derived
// sizes above it are replaced by ReducedPoolSize.
const (
	MaxPoolSize     = 100
	ReducedPoolSize = 60
)

// Pool is a fixed-capacity set of reusable items. Every item is built once
// when the pool is created and is owned by the pool for its whole lifetime,
// except while checked out to exactly one caller.
//
// At all times the checked-out and free sets are disjoint and together hold
// exactly Cap items. Releasing an item the pool did not hand out is logged
// and ignored.
//
// Example:
//
//	pool, err := collectz.NewPool("cas", 8, collectz.NewCASFactory())
//	item, err := pool.Checkout(ctx, time.Second)
//	defer pool.Release(item)
//
// Once closed, checkouts fail with ErrPoolClosed; releases are still
// accepted so late holders can return their items.
type Pool[T Item] struct {
	clock      clockz.Clock
	metrics    *metricz.Registry
	logger     *zap.Logger
	checkedOut map[T]struct{}
	notify     chan struct{}
	name       Name
	free       []T
	capacity   int
	closed     bool
	mu         sync.Mutex
}

// NewPool builds capacity items with factory.
func NewPool[T Item](name Name, capacity int, factory func() (T, error)) (*Pool[T], error) {
	if capacity < 1 {
		return nil, fmt.Errorf("pool %q: capacity must be positive, got %d", name, capacity)
	}
	if factory == nil {
		return nil, fmt.Errorf("pool %q: nil factory", name)
	}

	free := make([]T, 0, capacity)
	for i := 0; i < capacity; i++ {
		item, err := factory()
		if err != nil {
			return nil, fmt.Errorf("pool %q: build item %d: %w", name, i, err)
		}
		free = append(free, item)
	}

	metrics := metricz.New()
	metrics.Counter(PoolCheckoutsTotal)
	metrics.Counter(PoolReleasesTotal)
	metrics.Counter(PoolInvalidReleasesTotal)
	metrics.Counter(PoolWaitsTotal)
	metrics.Gauge(PoolCheckedOut)
	metrics.Gauge(PoolCapacity).Set(float64(capacity))

	return &Pool[T]{
		name:       name,
		capacity:   capacity,
		free:       free,
		checkedOut: make(map[T]struct{}, capacity),
		notify:     make(chan struct{}),
		metrics:    metrics,
		logger:     zap.NewNop(),
	}, nil
}

// DerivePoolSize computes the pool size needed to keep every queue slot of
// every worker busy, plus a small margin, capped at the safety ceiling.
func DerivePoolSize(fetchSize, inputQueue, outputQueue, workers int) int {
	size := fetchSize*(inputQueue+outputQueue)*workers + 3
	if size > MaxPoolSize {
		size = ReducedPoolSize
	}
	return size
}

// Name returns the pool name.
func (p *Pool[T]) Name() Name { return p.name }

// Cap returns the pool capacity.
func (p *Pool[T]) Cap() int { return p.capacity }

// CheckedOut returns the number of items currently checked out.
func (p *Pool[T]) CheckedOut() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.checkedOut)
}

// Free returns the number of items available for checkout.
func (p *Pool[T]) Free() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}

// TryCheckout hands out a free item without blocking.
func (p *Pool[T]) TryCheckout() (T, bool) {
	item, ok, _, _ := p.take()
	return item, ok
}

// Checkout blocks until an item is free, timeout elapses, or ctx is done.
// A zero timeout waits until ctx is done.
func (p *Pool[T]) Checkout(ctx context.Context, timeout time.Duration) (T, error) {
	clock := p.getClock()
	var deadline time.Time
	if timeout > 0 {
		deadline = clock.Now().Add(timeout)
	}

	waited := false
	for {
		item, ok, wait, closed := p.take()
		if ok {
			return item, nil
		}
		if closed {
			var zero T
			return zero, ErrPoolClosed
		}
		if !waited {
			waited = true
			p.metrics.Counter(PoolWaitsTotal).Inc()
		}

		var expire <-chan time.Time
		if timeout > 0 {
			remaining := deadline.Sub(clock.Now())
			if remaining <= 0 {
				var zero T
				return zero, ErrPoolTimeout
			}
			expire = clock.After(remaining)
		}

		select {
		case <-wait:
		case <-expire:
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		}
	}
}

// Release resets item and returns it to the free set. It returns false and
// changes nothing if item is not currently checked out from this pool.
func (p *Pool[T]) Release(item T) bool {
	p.mu.Lock()
	if _, ok := p.checkedOut[item]; !ok {
		p.mu.Unlock()
		p.metrics.Counter(PoolInvalidReleasesTotal).Inc()
		p.logger.Warn("release of item not checked out from pool", zap.String("pool", p.name))
		return false
	}
	delete(p.checkedOut, item)
	item.Reset()
	p.free = append(p.free, item)
	out := len(p.checkedOut)
	p.signalLocked()
	p.mu.Unlock()

	p.metrics.Counter(PoolReleasesTotal).Inc()
	p.metrics.Gauge(PoolCheckedOut).Set(float64(out))
	return true
}

// ReleaseAll releases every item and returns how many were accepted.
func (p *Pool[T]) ReleaseAll(items []T) int {
	n := 0
	for _, item := range items {
		if p.Release(item) {
			n++
		}
	}
	return n
}

// Wake wakes every goroutine blocked in Checkout so it re-checks its context.
func (p *Pool[T]) Wake() {
	p.mu.Lock()
	p.signalLocked()
	p.mu.Unlock()
}

// Close rejects further checkouts and wakes every waiting caller.
func (p *Pool[T]) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	p.signalLocked()
}

// Metrics returns the pool metrics registry.
func (p *Pool[T]) Metrics() *metricz.Registry {
	return p.metrics
}

// WithClock sets a custom clock for testing.
func (p *Pool[T]) WithClock(clock clockz.Clock) *Pool[T] {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clock = clock
	return p
}

// WithLogger sets the logger.
func (p *Pool[T]) WithLogger(logger *zap.Logger) *Pool[T] {
	p.mu.Lock()
	defer p.mu.Unlock()
	if logger != nil {
		p.logger = logger
	}
	return p
}

func (p *Pool[T]) take() (T, bool, <-chan struct{}, bool) {
	p.mu.Lock()
	n := len(p.free)
	if n == 0 || p.closed {
		wait, closed := p.notify, p.closed
		p.mu.Unlock()
		var zero T
		return zero, false, wait, closed
	}
	item := p.free[n-1]
	var zero T
	p.free[n-1] = zero
	p.free = p.free[:n-1]
	p.checkedOut[item] = struct{}{}
	out := len(p.checkedOut)
	p.mu.Unlock()

	p.metrics.Counter(PoolCheckoutsTotal).Inc()
	p.metrics.Gauge(PoolCheckedOut).Set(float64(out))
	return item, true, nil, false
}

func (p *Pool[T]) signalLocked() {
	close(p.notify)
	p.notify = make(chan struct{})
}

// getClock returns the clock to use.
func (p *Pool[T]) getClock() clockz.Clock {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.clock == nil {
		return clockz.RealClock
	}
	return p.clock
}
