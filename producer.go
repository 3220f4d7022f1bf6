package collectz

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// producer reads the source into pooled items and feeds the input queue.
// It is the only component that checks items out of the pool.
type producer[T Item] struct {
	engine    *Engine[T]
	source    Source[T]
	pool      *Pool[T]
	out       queue[T]
	invalid   map[string]struct{}
	logger    *zap.Logger
	lastDoc   string
	fetchSize int
	max       int64
	produced  atomic.Int64
	seq       atomic.Int64
	eofOnce   sync.Once
	mu        sync.Mutex
}

func newProducer[T Item](e *Engine[T], out queue[T]) *producer[T] {
	return &producer[T]{
		engine:    e,
		source:    e.source,
		pool:      e.pool,
		out:       out,
		invalid:   make(map[string]struct{}),
		logger:    e.logger.Named("producer"),
		fetchSize: e.cfg.fetchSize,
		max:       e.cfg.maxItems,
	}
}

// Produced returns the number of items consumed from the source.
func (p *producer[T]) Produced() int64 {
	return p.produced.Load()
}

// Invalidate records the documents of a bundle so their remaining chunks are
// dropped instead of produced.
func (p *producer[T]) Invalidate(b *Bundle[T]) {
	ids := b.documentIDs()
	if len(ids) == 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, id := range ids {
		p.invalid[docKey(id)] = struct{}{}
	}
}

// InvalidateDocument records one document id.
func (p *producer[T]) InvalidateDocument(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.invalid[docKey(id)] = struct{}{}
}

// LastDocument returns the document id of the most recent chunk produced.
func (p *producer[T]) LastDocument() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastDoc
}

func (p *producer[T]) invalidated(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.invalid[docKey(id)]
	return ok
}

// remaining returns how many more items may be produced, or -1 when
// unbounded.
func (p *producer[T]) remaining() int64 {
	if p.max < 0 {
		return -1
	}
	left := p.max - p.produced.Load()
	if left < 0 {
		left = 0
	}
	return left
}

// Prefill synchronously fills the input queue up to its capacity without
// blocking on the pool. It returns the number of bundles enqueued.
func (p *producer[T]) Prefill(ctx context.Context) int {
	n := 0
	for p.out.Len() < p.out.Cap() {
		b, more := p.next(ctx, false)
		if b != nil {
			if !p.enqueue(ctx, b) {
				return n
			}
			n++
		}
		if !more {
			break
		}
	}
	if n > 0 {
		p.logger.Debug("input queue prefilled", zap.Int("bundles", n))
	}
	return n
}

// Run feeds the queue until the source is exhausted, the maximum is reached
// or the engine stops, then places EndOfStream exactly once.
func (p *producer[T]) Run(ctx context.Context) {
	defer p.finish(ctx)
	e := p.engine

	for {
		if err := e.life.waitWhilePaused(e.stopCtx); err != nil {
			return
		}
		if !e.life.Running() {
			return
		}
		b, more := p.next(ctx, true)
		if b != nil {
			if !p.enqueue(ctx, b) {
				return
			}
		}
		if !more {
			return
		}
	}
}

func (p *producer[T]) finish(ctx context.Context) {
	p.eofOnce.Do(func() {
		if err := p.out.Enqueue(ctx, EndOfStream[T]()); err != nil {
			p.logger.Error("failed to place end of stream", zap.Error(err))
		}
		p.logger.Info("producer finished", zap.Int64("produced", p.produced.Load()))
	})
}

func (p *producer[T]) enqueue(ctx context.Context, b *Bundle[T]) bool {
	b.seq = p.seq.Add(1)
	if err := p.out.Enqueue(ctx, Deliver(b)); err != nil {
		p.engine.discard(ctx, b, fmt.Errorf("%w: %w", ErrReleasedOnShutdown, err))
		return false
	}
	p.engine.metrics.Counter(EngineBundlesProducedTotal).Inc()
	return true
}

// next produces one bundle. It returns a nil bundle when nothing was
// produced this round and more=false once production must end.
func (p *producer[T]) next(ctx context.Context, block bool) (*Bundle[T], bool) {
	e := p.engine
	left := p.remaining()
	if left == 0 || !p.source.HasNext() {
		return nil, false
	}
	want := int64(p.fetchSize)
	if left > 0 && want > left {
		want = left
	}

	items := make([]T, 0, want)
	for int64(len(items)) < want {
		if !e.life.Running() {
			p.pool.ReleaseAll(items)
			return nil, false
		}
		if !block {
			item, ok := p.pool.TryCheckout()
			if !ok {
				p.pool.ReleaseAll(items)
				return nil, false
			}
			items = append(items, item)
			continue
		}
		item, err := p.pool.Checkout(e.stopCtx, 0)
		if err != nil {
			p.pool.ReleaseAll(items)
			return nil, false
		}
		items = append(items, item)
	}

	spanCtx, span := e.tracer.StartSpan(ctx, EngineFetchSpan)
	span.SetTag(EngineTagItems, strconv.Itoa(len(items)))
	start := e.clock.Now()

	filled := 0
	var fetchErr error
	for _, item := range items {
		if filled > 0 && !p.source.HasNext() {
			break
		}
		if err := p.source.Next(spanCtx, item); err != nil {
			fetchErr = err
			break
		}
		filled++
	}
	elapsed := e.clock.Since(start)
	e.trace.Record("producer", TraceFetch, elapsed, fetchErr != nil)

	if fetchErr != nil {
		span.SetTag(EngineTagSuccess, "false")
		span.SetTag(EngineTagError, fetchErr.Error())
		span.Finish()
		p.produced.Add(int64(len(items)))
		p.fetchFailed(ctx, items, fetchErr)
		return nil, p.continueAfter(fetchErr)
	}
	span.SetTag(EngineTagSuccess, "true")
	span.Finish()

	// Unused items from a short final fetch go straight back.
	p.pool.ReleaseAll(items[filled:])
	items = items[:filled]
	p.produced.Add(int64(filled))

	kept := p.dropInvalidated(ctx, items)
	if len(kept) == 0 {
		return nil, true
	}
	if meta, ok := kept[len(kept)-1].Chunk(); ok {
		p.mu.Lock()
		p.lastDoc = meta.DocumentID
		p.mu.Unlock()
	}
	return NewBundle(kept...), true
}

// fetchFailed notifies listeners for every acquired item and releases them.
func (p *producer[T]) fetchFailed(ctx context.Context, items []T, err error) {
	e := p.engine
	e.metrics.Counter(EngineFetchErrorsTotal).Inc()
	p.logger.Warn("source fetch failed", zap.Int("items", len(items)), zap.Error(err))

	b := NewBundle(items...)
	e.discard(ctx, b, fmt.Errorf("fetch: %w", err))

	if o, ok := OutcomeOf(err); ok && o == OutcomeAbort {
		e.abort(ctx, err)
	}
}

func (*producer[T]) continueAfter(err error) bool {
	o, ok := OutcomeOf(err)
	return !ok || (o != OutcomeAbort && o != OutcomeKillWorker)
}

// dropInvalidated releases chunks of documents that were invalidated or
// that already timed out downstream.
func (p *producer[T]) dropInvalidated(ctx context.Context, items []T) []T {
	e := p.engine
	kept := items[:0]
	for _, item := range items {
		meta, ok := item.Chunk()
		if ok && (p.invalidated(meta.DocumentID) || e.documentTimedOut(meta.DocumentID)) {
			p.logger.Debug("dropping chunk of abandoned document",
				zap.String("document", meta.DocumentID),
				zap.Int("sequence", meta.Sequence))
			b := NewBundle(item)
			e.discard(ctx, b, fmt.Errorf("%w: document %s sequence %d", ErrDroppedInvalidated, meta.DocumentID, meta.Sequence))
			continue
		}
		kept = append(kept, item)
	}
	return kept
}
