package collectz

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ThrottleMode selects what a throttled stage does when no token is free.
type ThrottleMode int

const (
	// ThrottleWait blocks until a token is available.
	ThrottleWait ThrottleMode = iota
	// ThrottleDrop skips the bundle immediately.
	ThrottleDrop
)

// ErrRateLimited is the cause of bundles skipped by a dropping throttle.
var ErrRateLimited = errors.New("rate limit exceeded")

// Throttle limits how often a stage is invoked, across every container
// instance sharing it.
//
// In wait mode the stage blocks the worker until a token frees up, which
// propagates backpressure to the producer. In drop mode bundles over the
// limit are skipped with ErrRateLimited.
//
// Example:
//
//	api := collectz.NewThrottle(enrich, 50, 5)
//	container, err := collectz.NewContainer("enrich", collectz.Shared[*collectz.CAS](api), 4)
type Throttle[T Item] struct {
	stage   Stage[T]
	limiter *rate.Limiter
	mode    ThrottleMode
	mu      sync.RWMutex
}

// NewThrottle wraps stage with a token bucket of perSecond tokens and the
// given burst.
func NewThrottle[T Item](stage Stage[T], perSecond float64, burst int) *Throttle[T] {
	if burst < 1 {
		burst = 1
	}
	return &Throttle[T]{
		stage:   stage,
		limiter: rate.NewLimiter(rate.Limit(perSecond), burst),
	}
}

// Name returns the wrapped stage name.
func (t *Throttle[T]) Name() Name { return t.stage.Name() }

// Format returns the wrapped stage format.
func (t *Throttle[T]) Format() Format {
	if fd, ok := t.stage.(FormatDeclarer); ok {
		return fd.Format()
	}
	return FormatObject
}

// Process waits for or claims a token and then runs the wrapped stage.
func (t *Throttle[T]) Process(ctx context.Context, b *Bundle[T]) error {
	t.mu.RLock()
	limiter, mode := t.limiter, t.mode
	t.mu.RUnlock()

	switch mode {
	case ThrottleDrop:
		if !limiter.Allow() {
			return SkipItem(fmt.Errorf("%s: %w", t.stage.Name(), ErrRateLimited))
		}
	default:
		if err := limiter.Wait(ctx); err != nil {
			return err
		}
	}
	return t.stage.Process(ctx, b)
}

// Close closes the wrapped stage if it is a Closer.
func (t *Throttle[T]) Close() error {
	if c, ok := t.stage.(Closer); ok {
		return c.Close()
	}
	return nil
}

// SetRate changes the tokens per second.
func (t *Throttle[T]) SetRate(perSecond float64) *Throttle[T] {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.limiter.SetLimit(rate.Limit(perSecond))
	return t
}

// SetBurst changes the bucket size.
func (t *Throttle[T]) SetBurst(burst int) *Throttle[T] {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.limiter.SetBurst(burst)
	return t
}

// SetMode switches between waiting and dropping.
func (t *Throttle[T]) SetMode(mode ThrottleMode) *Throttle[T] {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.mode = mode
	return t
}

// Rate returns the tokens per second.
func (t *Throttle[T]) Rate() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return float64(t.limiter.Limit())
}

// Burst returns the bucket size.
func (t *Throttle[T]) Burst() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.limiter.Burst()
}

// Timeout bounds each invocation of a stage with a deadline. The stage still
// runs on the calling worker: it must honor ctx, because its items go back
// to the pool as soon as it returns.
type Timeout[T Item] struct {
	stage    Stage[T]
	duration time.Duration
}

// NewTimeout wraps stage with a per-invocation deadline.
func NewTimeout[T Item](stage Stage[T], d time.Duration) *Timeout[T] {
	return &Timeout[T]{stage: stage, duration: d}
}

// Name returns the wrapped stage name.
func (t *Timeout[T]) Name() Name { return t.stage.Name() }

// Format returns the wrapped stage format.
func (t *Timeout[T]) Format() Format {
	if fd, ok := t.stage.(FormatDeclarer); ok {
		return fd.Format()
	}
	return FormatObject
}

// Process runs the wrapped stage under the deadline.
func (t *Timeout[T]) Process(ctx context.Context, b *Bundle[T]) error {
	ctx, cancel := context.WithTimeout(ctx, t.duration)
	defer cancel()
	err := t.stage.Process(ctx, b)
	if err == nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", t.stage.Name(), context.DeadlineExceeded)
	}
	return err
}

// Close closes the wrapped stage if it is a Closer.
func (t *Timeout[T]) Close() error {
	if c, ok := t.stage.(Closer); ok {
		return c.Close()
	}
	return nil
}
