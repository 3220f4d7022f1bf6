package collectz

import (
	"sync"
	"time"

	"github.com/zoobzio/metricz"
	"go.uber.org/zap"
)

// Observability constants for sequenced queues.
const (
	SequencedTimeoutsTotal     = metricz.Key("sequenced.timeouts.total")
	SequencedTimedOutTotal     = metricz.Key("sequenced.timedout.delivered.total")
	SequencedInvalidatedTotal  = metricz.Key("sequenced.invalidated.total")
	SequencedOutOfOrderSkipped = metricz.Key("sequenced.skipped.total")
)

// Defaults for chunk series handling.
const (
	DefaultSeriesTimeout    = 10 * time.Second
	DefaultTimedOutLifespan = 10 * time.Second
)

type pendingSeries struct {
	deadline time.Time
	meta     ChunkMetadata
}

// SequencedQueue is a Queue that delivers the chunks of one document strictly
// in sequence order.
//
// Bundles without chunk metadata keep plain FIFO order. A chunk satisfies a
// dequeue only when it is sequence 1 of a new series, or the next sequence of
// the series currently being tracked; everything else is skipped in place
// until its turn comes.
//
// Every series has an absolute deadline, armed when tracking begins or when
// one of its chunks is first found waiting for an earlier sequence. Once a
// deadline passes the document is timed out: a single timeout notification
// fires and every buffered or late chunk of that document is delivered with
// Bundle.TimedOut set so it can be released instead of consumed.
//
// EndOfStream is held back while a series is still incomplete so buffered
// chunks are never stranded behind it; after a hard kill it is released at
// once.
type SequencedQueue[T Item] struct {
	*Queue[T]
	onTimeout func(ChunkMetadata)
	timedOut  map[string]time.Time
	pending   map[string]pendingSeries
	notified  map[string]struct{}
	deadline  time.Time
	expected  ChunkMetadata
	fired     []ChunkMetadata
	timeout   time.Duration
	lifespan  time.Duration
	tracking  bool
	hookMu    sync.Mutex
}

// NewSequencedQueue creates a sequenced queue whose series expire after
// seriesTimeout.
func NewSequencedQueue[T Item](name Name, capacity int, seriesTimeout time.Duration) *SequencedQueue[T] {
	if seriesTimeout <= 0 {
		seriesTimeout = DefaultSeriesTimeout
	}
	q := newQueue[T](name, capacity)
	q.metrics.Counter(SequencedTimeoutsTotal)
	q.metrics.Counter(SequencedTimedOutTotal)
	q.metrics.Counter(SequencedInvalidatedTotal)
	q.metrics.Counter(SequencedOutOfOrderSkipped)

	s := &SequencedQueue[T]{
		Queue:    q,
		timedOut: make(map[string]time.Time),
		pending:  make(map[string]pendingSeries),
		notified: make(map[string]struct{}),
		timeout:  seriesTimeout,
		lifespan: DefaultTimedOutLifespan,
	}
	q.sel = s
	return s
}

// OnChunkTimeout registers the handler invoked once per timed-out series.
// The handler runs on the dequeuing goroutine after the queue lock is
// released.
func (s *SequencedQueue[T]) OnChunkTimeout(fn func(ChunkMetadata)) {
	s.hookMu.Lock()
	defer s.hookMu.Unlock()
	s.onTimeout = fn
}

// WithTimedOutLifespan sets how long a timed-out document is remembered.
func (s *SequencedQueue[T]) WithTimedOutLifespan(d time.Duration) *SequencedQueue[T] {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d > 0 {
		s.lifespan = d
	}
	return s
}

// SeriesTimeout returns the configured series timeout.
func (s *SequencedQueue[T]) SeriesTimeout() time.Duration {
	return s.timeout
}

// Invalidate abandons the series of every chunk in the bundle. Remaining
// chunks of those documents are delivered flagged as timed out. No timeout
// notification fires for an invalidated series.
func (s *SequencedQueue[T]) Invalidate(b *Bundle[T]) {
	if b == nil {
		return
	}
	ids := b.documentIDs()
	if len(ids) == 0 {
		return
	}
	now := s.getClock().Now()

	s.mu.Lock()
	for _, id := range ids {
		k := docKey(id)
		s.timedOut[k] = now.Add(s.lifespan)
		s.notified[k] = struct{}{}
		delete(s.pending, k)
		if s.tracking && docKey(s.expected.DocumentID) == k {
			s.resetLocked()
		}
	}
	s.signalLocked()
	s.mu.Unlock()

	s.metrics.Counter(SequencedInvalidatedTotal).Inc()
	s.logger.Debug("series invalidated", zap.String("queue", s.name), zap.Strings("documents", ids))
}

// TimedOut reports whether a document is currently considered timed out.
func (s *SequencedQueue[T]) TimedOut(documentID string) bool {
	now := s.getClock().Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	exp, ok := s.timedOut[docKey(documentID)]
	return ok && now.Before(exp)
}

// Tracking returns the last delivered chunk of the series being tracked.
func (s *SequencedQueue[T]) Tracking() (ChunkMetadata, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.expected, s.tracking
}

// selectIndex implements selector. Caller holds s.mu.
func (s *SequencedQueue[T]) selectIndex(items []Message[T], now time.Time) (int, bool) {
	s.purgeLocked(items, now)
	s.expireLocked(now)

	for i, msg := range items {
		if msg.EOF() {
			return s.selectEOFLocked(items, i, now)
		}

		meta, ok := msg.chunk()
		if !ok {
			return i, true
		}
		k := docKey(meta.DocumentID)

		if s.isTimedOutLocked(k) {
			msg.bundle.timedOut = true
			s.metrics.Counter(SequencedTimedOutTotal).Inc()
			return i, true
		}

		if s.tracking {
			if meta.SameDocument(s.expected) && meta.Sequence == s.expected.Sequence+1 {
				if meta.Last {
					s.resetLocked()
				} else {
					s.expected = meta
				}
				return i, true
			}
			continue
		}

		if meta.Sequence == 1 {
			delete(s.pending, k)
			if !meta.Last {
				s.tracking = true
				s.expected = meta
				s.deadline = now.Add(s.timeout)
			}
			return i, true
		}

		if _, armed := s.pending[k]; !armed {
			s.pending[k] = pendingSeries{
				deadline: now.Add(s.timeout),
				meta: ChunkMetadata{
					DocumentID: meta.DocumentID,
					ThrottleID: meta.ThrottleID,
				},
			}
			s.metrics.Counter(SequencedOutOfOrderSkipped).Inc()
		}
	}
	return 0, false
}

// selectEOFLocked decides whether the EndOfStream at index i may be
// delivered. Everything ahead of it is an undeliverable chunk.
func (s *SequencedQueue[T]) selectEOFLocked(items []Message[T], i int, now time.Time) (int, bool) {
	if i == 0 && !s.tracking {
		return 0, true
	}
	if !s.live.Killed() {
		return 0, false
	}

	if s.tracking {
		s.markLocked(s.expected, now)
	}
	for _, ahead := range items[:i] {
		if meta, ok := ahead.chunk(); ok {
			s.markLocked(ChunkMetadata{DocumentID: meta.DocumentID, ThrottleID: meta.ThrottleID}, now)
		}
	}
	if i == 0 {
		return 0, true
	}
	items[0].bundle.timedOut = true
	s.metrics.Counter(SequencedTimedOutTotal).Inc()
	return 0, true
}

// expireLocked times out every series whose deadline has passed.
func (s *SequencedQueue[T]) expireLocked(now time.Time) {
	if s.tracking && !now.Before(s.deadline) {
		s.markLocked(s.expected, now)
	}
	for k, p := range s.pending {
		if !now.Before(p.deadline) {
			s.markLocked(p.meta, now)
			delete(s.pending, k)
		}
	}
}

// markLocked records a document as timed out and queues its notification.
func (s *SequencedQueue[T]) markLocked(meta ChunkMetadata, now time.Time) {
	k := docKey(meta.DocumentID)
	s.timedOut[k] = now.Add(s.lifespan)
	delete(s.pending, k)
	if s.tracking && docKey(s.expected.DocumentID) == k {
		s.resetLocked()
	}
	if _, done := s.notified[k]; done {
		return
	}
	s.notified[k] = struct{}{}
	s.fired = append(s.fired, meta)
}

// purgeLocked forgets expired timed-out documents that have nothing left
// buffered.
func (s *SequencedQueue[T]) purgeLocked(items []Message[T], now time.Time) {
	for k, exp := range s.timedOut {
		if now.Before(exp) {
			continue
		}
		buffered := false
		for _, msg := range items {
			if meta, ok := msg.chunk(); ok && docKey(meta.DocumentID) == k {
				buffered = true
				break
			}
		}
		if !buffered {
			delete(s.timedOut, k)
		}
	}
}

func (s *SequencedQueue[T]) isTimedOutLocked(k string) bool {
	_, ok := s.timedOut[k]
	return ok
}

func (s *SequencedQueue[T]) resetLocked() {
	s.tracking = false
	s.expected = ChunkMetadata{}
	s.deadline = time.Time{}
}

// settle implements selector by firing queued timeout notifications.
func (s *SequencedQueue[T]) settle() {
	s.mu.Lock()
	fired := s.fired
	s.fired = nil
	s.mu.Unlock()
	if len(fired) == 0 {
		return
	}

	s.hookMu.Lock()
	handler := s.onTimeout
	s.hookMu.Unlock()

	for _, meta := range fired {
		s.metrics.Counter(SequencedTimeoutsTotal).Inc()
		s.logger.Warn("chunk series timed out",
			zap.String("queue", s.name),
			zap.String("document", meta.DocumentID),
			zap.String("throttle", meta.ThrottleID),
			zap.Int("expected_sequence", meta.Sequence+1),
		)
		if handler != nil {
			handler(meta)
		}
	}
}
