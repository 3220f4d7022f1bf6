package collectz

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/zoobzio/clockz"
	"github.com/zoobzio/metricz"
	"go.uber.org/zap"
)

// Observability constants for queues.
const (
	QueueEnqueuedTotal = metricz.Key("queue.enqueued.total")
	QueueDequeuedTotal = metricz.Key("queue.dequeued.total")
	QueueBlockedTotal  = metricz.Key("queue.blocked.total")
	QueueDepth         = metricz.Key("queue.depth")
)

// DefaultPollInterval bounds every blocking wait inside a queue.
const DefaultPollInterval = 50 * time.Millisecond

// selector picks which buffered message satisfies a dequeue. It runs with
// the queue lock held; settle runs after the lock is released.
type selector[T Item] interface {
	selectIndex(items []Message[T], now time.Time) (int, bool)
	settle()
}

type fifo[T Item] struct{}

func (fifo[T]) selectIndex(items []Message[T], _ time.Time) (int, bool) {
	return 0, len(items) > 0
}

func (fifo[T]) settle() {}

// Queue is a bounded, blocking FIFO of messages.
//
// Enqueue blocks while the queue is full, waking in bounded slices to
// re-check the liveness of the engine. EndOfStream is always accepted, even
// when the queue is full, so shutdown can never be blocked by backlog.
//
// Example:
//
//	q := collectz.NewQueue[*collectz.CAS]("input", 10)
//	_ = q.Enqueue(ctx, collectz.Deliver(bundle))
//	msg, ok := q.Dequeue(ctx, time.Second)
type Queue[T Item] struct {
	sel      selector[T]
	live     Liveness
	clock    clockz.Clock
	metrics  *metricz.Registry
	logger   *zap.Logger
	notify   chan struct{}
	name     Name
	items    []Message[T]
	capacity int
	poll     time.Duration
	mu       sync.Mutex
}

// NewQueue creates a queue holding at most capacity bundles.
func NewQueue[T Item](name Name, capacity int) *Queue[T] {
	q := newQueue[T](name, capacity)
	q.sel = fifo[T]{}
	return q
}

func newQueue[T Item](name Name, capacity int) *Queue[T] {
	if capacity < 1 {
		capacity = 1
	}
	metrics := metricz.New()
	metrics.Counter(QueueEnqueuedTotal)
	metrics.Counter(QueueDequeuedTotal)
	metrics.Counter(QueueBlockedTotal)
	metrics.Gauge(QueueDepth)

	return &Queue[T]{
		name:     name,
		capacity: capacity,
		items:    make([]Message[T], 0, capacity),
		notify:   make(chan struct{}),
		live:     alwaysLive{},
		poll:     DefaultPollInterval,
		metrics:  metrics,
		logger:   zap.NewNop(),
	}
}

// Name returns the queue name.
func (q *Queue[T]) Name() Name { return q.name }

// Cap returns the configured capacity.
func (q *Queue[T]) Cap() int { return q.capacity }

// Len returns the number of buffered messages. A queue whose head is
// EndOfStream reports 0 so the marker never counts as backlog.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) > 0 && q.items[0].EOF() {
		return 0
	}
	return len(q.items)
}

// Enqueue appends a message, blocking while the queue is full.
// It returns ErrQueueHalted if the engine was killed, in which case the
// caller still owns the bundle.
func (q *Queue[T]) Enqueue(ctx context.Context, msg Message[T]) error {
	clock := q.getClock()
	blocked := false
	for {
		if !msg.EOF() && q.live.Killed() {
			return ErrQueueHalted
		}

		q.mu.Lock()
		if msg.EOF() || len(q.items) < q.capacity {
			q.items = append(q.items, msg)
			depth := len(q.items)
			q.signalLocked()
			q.mu.Unlock()

			q.metrics.Counter(QueueEnqueuedTotal).Inc()
			q.metrics.Gauge(QueueDepth).Set(float64(depth))
			return nil
		}
		wait := q.notify
		q.mu.Unlock()

		if !blocked {
			blocked = true
			q.metrics.Counter(QueueBlockedTotal).Inc()
			q.logger.Debug("queue full, producer waiting", zap.String("queue", q.name), zap.Int("capacity", q.capacity))
		}

		select {
		case <-wait:
		case <-clock.After(q.poll):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// TryDequeue removes the next deliverable message without blocking.
func (q *Queue[T]) TryDequeue() (Message[T], bool) {
	msg, ok, _ := q.take()
	return msg, ok
}

// Dequeue blocks up to timeout for a deliverable message. A zero timeout
// waits until ctx is done. Once the engine stops running the wait is capped
// to a short slice so callers re-check shutdown promptly.
func (q *Queue[T]) Dequeue(ctx context.Context, timeout time.Duration) (Message[T], bool) {
	clock := q.getClock()
	var deadline time.Time
	if timeout > 0 {
		deadline = clock.Now().Add(timeout)
	}

	for {
		msg, ok, wait := q.take()
		if ok {
			return msg, true
		}

		slice := q.poll
		if timeout > 0 {
			remaining := deadline.Sub(clock.Now())
			if remaining <= 0 {
				return Message[T]{}, false
			}
			if remaining < slice {
				slice = remaining
			}
		}
		stopped := !q.live.Running()
		if stopped {
			slice = q.shortSlice()
		}

		select {
		case <-wait:
			continue
		case <-clock.After(slice):
		case <-ctx.Done():
			return Message[T]{}, false
		}
		if stopped {
			msg, ok, _ := q.take()
			return msg, ok
		}
	}
}

// Drain removes and returns every buffered message.
func (q *Queue[T]) Drain() []Message[T] {
	q.mu.Lock()
	out := q.items
	q.items = make([]Message[T], 0, q.capacity)
	q.signalLocked()
	q.mu.Unlock()

	q.metrics.Gauge(QueueDepth).Set(0)
	return out
}

// Metrics returns the queue metrics registry.
func (q *Queue[T]) Metrics() *metricz.Registry {
	return q.metrics
}

// WithClock sets a custom clock for testing.
func (q *Queue[T]) WithClock(clock clockz.Clock) *Queue[T] {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.clock = clock
	return q
}

// WithLiveness binds the queue to an engine's run state.
func (q *Queue[T]) WithLiveness(live Liveness) *Queue[T] {
	q.mu.Lock()
	defer q.mu.Unlock()
	if live != nil {
		q.live = live
	}
	return q
}

// WithPollInterval sets the bounded wait slice.
func (q *Queue[T]) WithPollInterval(d time.Duration) *Queue[T] {
	q.mu.Lock()
	defer q.mu.Unlock()
	if d > 0 {
		q.poll = d
	}
	return q
}

// WithLogger sets the logger.
func (q *Queue[T]) WithLogger(logger *zap.Logger) *Queue[T] {
	q.mu.Lock()
	defer q.mu.Unlock()
	if logger != nil {
		q.logger = logger
	}
	return q
}

func (q *Queue[T]) take() (Message[T], bool, <-chan struct{}) {
	now := q.getClock().Now()

	q.mu.Lock()
	idx, ok := q.sel.selectIndex(q.items, now)
	var msg Message[T]
	if ok {
		msg = q.items[idx]
		q.items = slices.Delete(q.items, idx, idx+1)
		q.signalLocked()
	}
	depth := len(q.items)
	wait := q.notify
	q.mu.Unlock()

	q.sel.settle()
	if ok {
		q.metrics.Counter(QueueDequeuedTotal).Inc()
		q.metrics.Gauge(QueueDepth).Set(float64(depth))
	}
	return msg, ok, wait
}

// signalLocked wakes every waiter. Callers hold q.mu.
func (q *Queue[T]) signalLocked() {
	close(q.notify)
	q.notify = make(chan struct{})
}

func (q *Queue[T]) shortSlice() time.Duration {
	s := q.poll / 10
	if s < time.Millisecond {
		s = time.Millisecond
	}
	return s
}

// getClock returns the clock to use.
func (q *Queue[T]) getClock() clockz.Clock {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.clock == nil {
		return clockz.RealClock
	}
	return q.clock
}
