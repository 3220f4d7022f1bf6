package collectz

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/zoobzio/clockz"
	"github.com/zoobzio/metricz"
	"go.uber.org/zap"
)

// Observability constants for stage containers.
const (
	StageProcessedTotal  = metricz.Key("stage.processed.total")
	StageFilteredTotal   = metricz.Key("stage.filtered.total")
	StageErrorsTotal     = metricz.Key("stage.errors.total")
	StageRetriesTotal    = metricz.Key("stage.retries.total")
	StageRestartsTotal   = metricz.Key("stage.restarts.total")
	StageReconnectsTotal = metricz.Key("stage.reconnects.total")
	StageDurationMs      = metricz.Key("stage.duration.ms")
)

// Status is the runtime status of a stage container.
type Status int

const (
	StatusReady Status = iota
	StatusRunning
	StatusPaused
	StatusDisabled
	StatusKilled
	StatusCompleted
)

func (s Status) String() string {
	switch s {
	case StatusReady:
		return "ready"
	case StatusRunning:
		return "running"
	case StatusPaused:
		return "paused"
	case StatusDisabled:
		return "disabled"
	case StatusKilled:
		return "killed"
	case StatusCompleted:
		return "completed"
	default:
		return "unknown"
	}
}

// Active reports whether bundles are routed through a container in this
// status.
func (s Status) Active() bool {
	return s == StatusReady || s == StatusRunning
}

// ContainerStats is a point-in-time snapshot of a container.
type ContainerStats struct {
	Name      Name          `json:"name"`
	Status    string        `json:"status"`
	Format    string        `json:"format"`
	Instances int           `json:"instances"`
	Processed int64         `json:"processed"`
	Filtered  int64         `json:"filtered"`
	Errors    int64         `json:"errors"`
	Retries   int64         `json:"retries"`
	Restarts  int64         `json:"restarts"`
	Aborted   int64         `json:"aborted"`
	BytesIn   int64         `json:"bytes_in"`
	BytesOut  int64         `json:"bytes_out"`
	TotalTime time.Duration `json:"total_time"`
}

// Container is the runtime wrapper around one stage.
//
// It owns a sub-pool of stage instances so that parallel workers never share
// an instance, gates bundles with an optional filter, counts throughput and
// failures, and turns failures into outcomes according to its ErrorPolicy.
// For reconnectable stages it coordinates a single reconnecting worker while
// every other worker waits for the stage to resume.
type Container[T Item] struct {
	clock     clockz.Clock
	metrics   *metricz.Registry
	logger    *zap.Logger
	factory   StageFactory[T]
	filter    func(*Bundle[T]) bool
	instances chan Stage[T]
	resumed   chan struct{}
	name      Name
	all       []Stage[T]
	stats     ContainerStats
	policy    ErrorPolicy

	// Counters driving the error policy.
	windowErrors    int
	windowProcessed int
	retries         int
	restarts        int

	format       Format
	status       Status
	reconnecting bool
	mu           sync.Mutex
}

// NewContainer builds a container with count instances from factory.
func NewContainer[T Item](name Name, factory StageFactory[T], count int) (*Container[T], error) {
	if factory == nil {
		return nil, fmt.Errorf("container %q: nil stage factory", name)
	}
	if count < 1 {
		count = 1
	}

	c := &Container[T]{
		name:      name,
		factory:   factory,
		instances: make(chan Stage[T], count),
		policy:    DefaultErrorPolicy(),
		logger:    zap.NewNop(),
		metrics:   newStageMetrics(),
	}
	for i := 0; i < count; i++ {
		stage, err := factory()
		if err != nil {
			_ = c.Close() //nolint:errcheck // construction already failed
			return nil, fmt.Errorf("container %q: build instance %d: %w", name, i, err)
		}
		if i == 0 {
			if fd, ok := stage.(FormatDeclarer); ok {
				c.format = fd.Format()
			}
		}
		c.all = append(c.all, stage)
		c.instances <- stage
	}
	return c, nil
}

// Contain wraps a single stage instance in a container named after it.
func Contain[T Item](stage Stage[T]) *Container[T] {
	c, _ := NewContainer(stage.Name(), func() (Stage[T], error) { return stage, nil }, 1) //nolint:errcheck // factory cannot fail
	return c
}

func newStageMetrics() *metricz.Registry {
	metrics := metricz.New()
	metrics.Counter(StageProcessedTotal)
	metrics.Counter(StageFilteredTotal)
	metrics.Counter(StageErrorsTotal)
	metrics.Counter(StageRetriesTotal)
	metrics.Counter(StageRestartsTotal)
	metrics.Counter(StageReconnectsTotal)
	metrics.Gauge(StageDurationMs)
	return metrics
}

// Name returns the container name.
func (c *Container[T]) Name() Name { return c.name }

// Format returns the representation the wrapped stage requires.
func (c *Container[T]) Format() Format { return c.format }

// Instances returns the instance count.
func (c *Container[T]) Instances() int { return len(c.all) }

// Status returns the current status.
func (c *Container[T]) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// SetStatus changes the status.
func (c *Container[T]) SetStatus(s Status) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status = s
}

// Policy returns the error policy.
func (c *Container[T]) Policy() ErrorPolicy {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.policy
}

// WithPolicy sets the error policy.
func (c *Container[T]) WithPolicy(p ErrorPolicy) *Container[T] {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.policy = p.normalized()
	return c
}

// WithFilter sets a predicate; bundles it rejects bypass the stage.
func (c *Container[T]) WithFilter(fn func(*Bundle[T]) bool) *Container[T] {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.filter = fn
	return c
}

// WithClock sets a custom clock for testing.
func (c *Container[T]) WithClock(clock clockz.Clock) *Container[T] {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clock = clock
	return c
}

// WithLogger sets the logger.
func (c *Container[T]) WithLogger(logger *zap.Logger) *Container[T] {
	c.mu.Lock()
	defer c.mu.Unlock()
	if logger != nil {
		c.logger = logger
	}
	return c
}

// Metrics returns the container metrics registry.
func (c *Container[T]) Metrics() *metricz.Registry {
	return c.metrics
}

// Accepts applies the filter. A container without a filter accepts every
// bundle; rejected bundles are counted as filtered.
func (c *Container[T]) Accepts(b *Bundle[T]) bool {
	c.mu.Lock()
	filter := c.filter
	c.mu.Unlock()
	if filter == nil || filter(b) {
		return true
	}
	c.mu.Lock()
	c.stats.Filtered++
	c.mu.Unlock()
	c.metrics.Counter(StageFilteredTotal).Inc()
	return false
}

// Checkout takes an idle stage instance, blocking until one is free.
func (c *Container[T]) Checkout(ctx context.Context) (Stage[T], error) {
	select {
	case s := <-c.instances:
		return s, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Release returns an instance taken with Checkout.
func (c *Container[T]) Release(s Stage[T]) {
	if s == nil {
		return
	}
	select {
	case c.instances <- s:
	default:
		c.logger.Warn("stage instance released twice", zap.String("stage", c.name))
	}
}

// Invoke runs the bundle through one instance of the stage. Failures come
// back as a *StageError; panics are recovered into a *PanicError cause.
func (c *Container[T]) Invoke(ctx context.Context, b *Bundle[T], index int) error {
	stage, err := c.Checkout(ctx)
	if err != nil {
		return &StageError{
			Err:        err,
			Stage:      c.name,
			StageIndex: index,
			BundleID:   b.ID(),
			Timestamp:  c.getClock().Now(),
			Timeout:    errors.Is(err, context.DeadlineExceeded),
			Canceled:   errors.Is(err, context.Canceled),
		}
	}
	defer c.Release(stage)

	clock := c.getClock()
	bytesIn := b.Size()
	start := clock.Now()
	c.mu.Lock()
	if c.status == StatusReady {
		c.status = StatusRunning
	}
	c.mu.Unlock()

	err = c.call(ctx, stage, b)
	elapsed := clock.Since(start)

	c.mu.Lock()
	if c.status == StatusRunning {
		c.status = StatusReady
	}
	c.stats.TotalTime += elapsed
	c.stats.BytesIn += int64(bytesIn)
	c.mu.Unlock()
	c.metrics.Gauge(StageDurationMs).Set(float64(elapsed.Milliseconds()))

	if err != nil {
		return &StageError{
			Err:        err,
			Stage:      c.name,
			StageIndex: index,
			BundleID:   b.ID(),
			Duration:   elapsed,
			Timestamp:  clock.Now(),
			Timeout:    errors.Is(err, context.DeadlineExceeded),
			Canceled:   errors.Is(err, context.Canceled),
		}
	}

	bytesOut := b.Size()
	c.mu.Lock()
	c.stats.BytesOut += int64(bytesOut)
	c.mu.Unlock()
	return nil
}

func (*Container[T]) call(ctx context.Context, stage Stage[T], b *Bundle[T]) (err error) {
	defer recoverFromPanic(&err, stage.Name())
	return stage.Process(ctx, b)
}

// RecordSuccess counts a processed bundle. When resetRetries is set the
// retry and restart counters start over.
func (c *Container[T]) RecordSuccess(resetRetries bool) {
	c.mu.Lock()
	c.stats.Processed++
	c.advanceWindowLocked()
	if resetRetries {
		c.retries = 0
		c.restarts = 0
	}
	c.mu.Unlock()
	c.metrics.Counter(StageProcessedTotal).Inc()
}

// Classify counts a failure and decides its outcome.
//
// Explicit outcomes win. A reconnect within the error threshold counts a
// restart and escalates through ActionOnMaxRestarts once restarts exceed
// MaxRestarts. Beyond MaxErrors errors in the sample window the
// ActionOnMaxErrors applies. Anything else is retried until the bundle has
// used MaxRetries attempts, after which it is skipped.
func (c *Container[T]) Classify(err error) Outcome {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stats.Errors++
	c.windowErrors++
	c.advanceWindowLocked()
	c.metrics.Counter(StageErrorsTotal).Inc()

	explicit, marked := OutcomeOf(err)
	if marked && explicit != OutcomeReconnect && explicit != OutcomeRetry {
		if explicit == OutcomeAbort {
			c.stats.Aborted++
		}
		return explicit
	}

	overThreshold := c.policy.MaxErrors > 0 && c.windowErrors > c.policy.MaxErrors

	if marked && explicit == OutcomeReconnect && !overThreshold {
		c.restarts++
		c.stats.Restarts++
		c.metrics.Counter(StageRestartsTotal).Inc()
		if c.restarts > c.policy.MaxRestarts {
			c.restarts = 0
			return c.policy.ActionOnMaxRestarts.outcome()
		}
		return OutcomeReconnect
	}

	if overThreshold {
		if c.policy.ActionOnMaxErrors == ActionContinue {
			c.windowErrors = 0
			return OutcomeSkip
		}
		if c.policy.ActionOnMaxErrors == ActionTerminate {
			c.stats.Aborted++
		}
		return c.policy.ActionOnMaxErrors.outcome()
	}

	c.retries++
	c.stats.Retries++
	c.metrics.Counter(StageRetriesTotal).Inc()
	if c.retries > c.policy.MaxRetries {
		c.retries = 0
		return OutcomeSkip
	}
	return OutcomeRetry
}

// advanceWindowLocked closes the error sample window once SampleSize
// invocations have been seen.
func (c *Container[T]) advanceWindowLocked() {
	if c.policy.SampleSize <= 0 {
		return
	}
	c.windowProcessed++
	if c.windowProcessed >= c.policy.SampleSize {
		c.windowProcessed = 0
		c.windowErrors = 0
	}
}

// Pause marks the container as reconnecting. Exactly one caller gets true
// and owns the reconnection; everyone else must AwaitResume.
func (c *Container[T]) Pause() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.reconnecting || !c.status.Active() {
		return false
	}
	c.reconnecting = true
	c.status = StatusPaused
	c.resumed = make(chan struct{})
	return true
}

// Paused reports whether a reconnection is in progress.
func (c *Container[T]) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reconnecting
}

// Resume ends a reconnection and wakes every waiting worker.
func (c *Container[T]) Resume() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.reconnecting {
		return
	}
	c.reconnecting = false
	if c.status == StatusPaused {
		c.status = StatusReady
	}
	close(c.resumed)
}

// AwaitResume blocks while a reconnection is in progress.
func (c *Container[T]) AwaitResume(ctx context.Context) error {
	c.mu.Lock()
	if !c.reconnecting {
		c.mu.Unlock()
		return nil
	}
	ch := c.resumed
	c.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Reconnect re-establishes every instance. It collects all instances first,
// so no invocation is in flight while reconnecting, then calls Reconnect on
// instances implementing Reconnector and rebuilds the rest from the factory.
// Each instance is attempted with exponential backoff starting at the
// policy's ReconnectBackoff.
func (c *Container[T]) Reconnect(ctx context.Context) error {
	c.mu.Lock()
	policy := c.policy
	factory := c.factory
	n := len(c.all)
	c.mu.Unlock()

	held := make([]Stage[T], 0, n)
	for len(held) < n {
		s, err := c.Checkout(ctx)
		if err != nil {
			for _, h := range held {
				c.Release(h)
			}
			return err
		}
		held = append(held, s)
	}

	attempts := policy.MaxRestarts
	if attempts < 1 {
		attempts = 1
	}

	var firstErr error
	for i, s := range held {
		fresh, err := c.reconnectOne(ctx, s, factory, attempts, policy.ReconnectBackoff)
		if err != nil && firstErr == nil {
			firstErr = err
		}
		held[i] = fresh
	}

	c.mu.Lock()
	c.all = append(c.all[:0], held...)
	c.mu.Unlock()
	for _, s := range held {
		c.Release(s)
	}

	c.metrics.Counter(StageReconnectsTotal).Inc()
	if firstErr != nil {
		return fmt.Errorf("container %q: reconnect: %w", c.name, firstErr)
	}
	c.logger.Info("stage reconnected", zap.String("stage", c.name), zap.Int("instances", n))
	return nil
}

func (c *Container[T]) reconnectOne(ctx context.Context, s Stage[T], factory StageFactory[T], attempts int, baseDelay time.Duration) (Stage[T], error) {
	clock := c.getClock()
	delay := baseDelay
	var lastErr error

	for i := 0; i < attempts; i++ {
		var err error
		if r, ok := s.(Reconnector); ok {
			err = r.Reconnect(ctx)
			if err == nil {
				return s, nil
			}
		} else {
			fresh, ferr := factory()
			if ferr == nil {
				if cl, ok := s.(Closer); ok {
					_ = cl.Close() //nolint:errcheck // the replaced instance is discarded
				}
				return fresh, nil
			}
			err = ferr
		}
		lastErr = err

		if i < attempts-1 {
			select {
			case <-clock.After(delay):
				delay *= 2
			case <-ctx.Done():
				return s, ctx.Err()
			}
		}
	}
	return s, lastErr
}

// Stats returns a snapshot of the container counters.
func (c *Container[T]) Stats() ContainerStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Name = c.name
	s.Status = c.status.String()
	s.Format = c.format.String()
	s.Instances = len(c.all)
	return s
}

// Close closes every instance implementing Closer.
func (c *Container[T]) Close() error {
	c.mu.Lock()
	all := append([]Stage[T](nil), c.all...)
	c.mu.Unlock()

	var errs []error
	for _, s := range all {
		if cl, ok := s.(Closer); ok {
			if err := cl.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// getClock returns the clock to use.
func (c *Container[T]) getClock() clockz.Clock {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.clock == nil {
		return clockz.RealClock
	}
	return c.clock
}
