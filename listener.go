package collectz

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/zoobzio/clockz"
	"go.uber.org/zap"
)

// ItemEvent reports the final disposition of one item, or a chunk series
// timeout when HasItem is false. Item is only valid for the duration of the
// callback: the pool reuses it right after.
type ItemEvent[T Item] struct {
	Timestamp time.Time
	Item      T
	Err       error
	BundleID  string
	Stage     Name
	HasItem   bool
}

// Success reports whether the item completed the pipeline.
func (e ItemEvent[T]) Success() bool { return e.Err == nil }

// Summary is delivered once at the end of a run.
type Summary struct {
	Err       error
	Stats     Stats
	RunID     string
	Duration  time.Duration
	Completed int64
	Failed    int64
}

// Listener receives per-item notifications and the end-of-run summary.
// Callbacks run synchronously on engine goroutines and must return quickly.
type Listener[T Item] interface {
	ItemComplete(ctx context.Context, event ItemEvent[T])
	RunComplete(ctx context.Context, summary Summary)
}

// ListenerFuncs adapts plain functions to Listener. Nil fields are skipped.
type ListenerFuncs[T Item] struct {
	OnItem func(context.Context, ItemEvent[T])
	OnRun  func(context.Context, Summary)
}

// ItemComplete implements Listener.
func (l ListenerFuncs[T]) ItemComplete(ctx context.Context, event ItemEvent[T]) {
	if l.OnItem != nil {
		l.OnItem(ctx, event)
	}
}

// RunComplete implements Listener.
func (l ListenerFuncs[T]) RunComplete(ctx context.Context, summary Summary) {
	if l.OnRun != nil {
		l.OnRun(ctx, summary)
	}
}

// listenerSet fans notifications out to every registered listener.
type listenerSet[T Item] struct {
	clock     clockz.Clock
	logger    *zap.Logger
	listeners []Listener[T]
	mu        sync.RWMutex
}

func (s *listenerSet[T]) add(l Listener[T]) {
	if l == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

func (s *listenerSet[T]) snapshot() []Listener[T] {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Listener[T](nil), s.listeners...)
}

func (s *listenerSet[T]) item(ctx context.Context, event ItemEvent[T]) {
	if event.Timestamp.IsZero() {
		event.Timestamp = s.now()
	}
	for _, l := range s.snapshot() {
		s.safely("item", func() { l.ItemComplete(ctx, event) })
	}
}

// items reports the same outcome for every item of a bundle.
func (s *listenerSet[T]) items(ctx context.Context, b *Bundle[T], stage Name, err error) {
	now := s.now()
	for _, item := range b.Items() {
		s.item(ctx, ItemEvent[T]{
			Item:      item,
			HasItem:   true,
			BundleID:  b.ID(),
			Stage:     stage,
			Err:       err,
			Timestamp: now,
		})
	}
}

func (s *listenerSet[T]) chunkTimeout(ctx context.Context, meta ChunkMetadata) {
	s.item(ctx, ItemEvent[T]{Err: &ChunkTimeoutError{Chunk: meta}})
}

func (s *listenerSet[T]) run(ctx context.Context, summary Summary) {
	for _, l := range s.snapshot() {
		s.safely("run", func() { l.RunComplete(ctx, summary) })
	}
}

func (s *listenerSet[T]) now() time.Time {
	if s.clock == nil {
		return clockz.RealClock.Now()
	}
	return s.clock.Now()
}

func (s *listenerSet[T]) safely(kind string, fn func()) {
	defer func() {
		if r := recover(); r != nil && s.logger != nil {
			s.logger.Error("listener panicked", zap.String("callback", kind), zap.String("panic", fmt.Sprint(r)))
		}
	}()
	fn()
}
