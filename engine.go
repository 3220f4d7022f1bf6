package collectz

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/zoobzio/clockz"
	"github.com/zoobzio/hookz"
	"github.com/zoobzio/metricz"
	"github.com/zoobzio/tracez"
	"go.uber.org/zap"
)

// Engine orchestrates one collection-processing run.
//
// It owns the pool, the input queue, the output queue (only when consumer
// stages exist), N pipeline workers, one consumer and the producer. Workers
// and the consumer start first and the producer last, so the producer can
// never hold every pooled item before anything is able to release one.
//
// Shutdown is driven by EndOfStream: the producer places it once, each
// pipeline worker that observes it hands it back to its siblings, and the
// last worker to finish passes it to the output queue, so the consumer ends
// only after every in-flight bundle has reached it.
//
// Example:
//
//	engine, err := collectz.NewEngine("ingest", source, collectz.NewCASFactory(),
//	    collectz.WithWorkers(4),
//	    collectz.WithFetchSize(2),
//	)
//	engine.AddStages(collectz.Contain(tokenize)).AddConsumers(collectz.Contain(writer))
//	err = engine.Run(ctx)
//
// # Observability
//
// Metrics:
//   - engine.bundles.produced.total: Counter of bundles placed on the input queue
//   - engine.items.completed.total: Counter of items that completed the pipeline
//   - engine.items.failed.total: Counter of items released after a failure
//   - engine.fetch.errors.total: Counter of source fetch failures
//   - engine.chunk.timeouts.total: Counter of timed-out chunk series
//   - engine.aborts.total: Counter of aborted runs
//   - engine.workers.active: Gauge of live pipeline workers
//
// Traces:
//   - engine.stage: Span per stage invocation
//   - engine.fetch: Span per source fetch
//
// Events (via hooks):
//   - engine.started, engine.paused, engine.resumed, engine.stopping
//   - engine.killed, engine.aborted, engine.completed
//   - engine.chunk_timeout, engine.stage_disabled, engine.worker_exited
type Engine[T Item] struct {
	converter  Converter[T]
	source     Source[T]
	clock      clockz.Clock
	err        error
	stopCtx    context.Context
	killCtx    context.Context
	input      queue[T]
	output     queue[T]
	factory    func() (T, error)
	startedAt  time.Time
	seq        *SequencedQueue[T]
	pool       *Pool[T]
	producer   *producer[T]
	life       *lifecycle
	trace      *Trace
	metrics    *metricz.Registry
	tracer     *tracez.Tracer
	hooks      *hookz.Hooks[EngineEvent]
	logger     *zap.Logger
	stopCancel context.CancelFunc
	killCancel context.CancelFunc
	done       chan struct{}
	quit       chan struct{}
	name       Name
	runID      string
	listeners  listenerSet[T]
	stages     []*Container[T]
	consumers  []*Container[T]
	cfg        settings
	wg         sync.WaitGroup
	aux        sync.WaitGroup
	completed  atomic.Int64
	failed     atomic.Int64
	active     int
	offset     int64
	started    atomic.Bool
	abortOnce  sync.Once
	mu         sync.Mutex
}

// NewEngine creates an engine reading source into items built by factory.
func NewEngine[T Item](name Name, source Source[T], factory func() (T, error), opts ...Option) (*Engine[T], error) {
	if source == nil {
		return nil, fmt.Errorf("engine %q: nil source", name)
	}
	if factory == nil {
		return nil, fmt.Errorf("engine %q: nil item factory", name)
	}

	cfg := defaultSettings()
	for _, opt := range opts {
		opt(&cfg)
	}
	clock := cfg.clock
	if clock == nil {
		clock = clockz.RealClock
	}

	metrics := metricz.New()
	metrics.Counter(EngineBundlesProducedTotal)
	metrics.Counter(EngineItemsCompletedTotal)
	metrics.Counter(EngineItemsFailedTotal)
	metrics.Counter(EngineFetchErrorsTotal)
	metrics.Counter(EngineChunkTimeoutsTotal)
	metrics.Counter(EngineAbortsTotal)
	metrics.Gauge(EngineWorkersActive)
	metrics.Gauge(EnginePoolCheckedOut)
	metrics.Gauge(EngineInputDepth)
	metrics.Gauge(EngineOutputDepth)

	runID := uuid.NewString()
	logger := cfg.logger.Named("engine").With(zap.String("engine", name), zap.String("run", runID))

	e := &Engine[T]{
		name:    name,
		runID:   runID,
		source:  source,
		factory: factory,
		cfg:     cfg,
		clock:   clock,
		life:    newLifecycle(),
		trace:   NewTrace(),
		metrics: metrics,
		tracer:  tracez.New(),
		hooks:   hookz.New[EngineEvent](),
		logger:  logger,
		done:    make(chan struct{}),
		quit:    make(chan struct{}),
	}
	e.listeners.logger = logger.Named("listeners")
	e.listeners.clock = clock
	if conv, ok := defaultConverter[T](); ok {
		e.converter = conv
	}
	return e, nil
}

// AddStages appends pipeline stages. Must be called before Start.
func (e *Engine[T]) AddStages(containers ...*Container[T]) *Engine[T] {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stages = append(e.stages, containers...)
	return e
}

// AddConsumers appends consumer stages. Must be called before Start.
func (e *Engine[T]) AddConsumers(containers ...*Container[T]) *Engine[T] {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.consumers = append(e.consumers, containers...)
	return e
}

// AddListener registers a listener.
func (e *Engine[T]) AddListener(l Listener[T]) *Engine[T] {
	e.listeners.add(l)
	return e
}

// WithConverter sets the item/record converter used by record stages.
func (e *Engine[T]) WithConverter(conv Converter[T]) *Engine[T] {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.converter = conv
	return e
}

// Name returns the engine name.
func (e *Engine[T]) Name() Name { return e.name }

// RunID returns the unique id of this run.
func (e *Engine[T]) RunID() string { return e.runID }

// State returns the lifecycle state.
func (e *Engine[T]) State() State { return e.life.State() }

// Trace returns the shared timing trace.
func (e *Engine[T]) Trace() *Trace { return e.trace }

// Metrics returns the engine metrics registry.
func (e *Engine[T]) Metrics() *metricz.Registry { return e.metrics }

// Tracer returns the engine tracer.
func (e *Engine[T]) Tracer() *tracez.Tracer { return e.tracer }

// Pool returns the item pool once the engine has started.
func (e *Engine[T]) Pool() *Pool[T] {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pool
}

// Done is closed once the engine reaches StateTerminated.
func (e *Engine[T]) Done() <-chan struct{} { return e.done }

// Run starts the engine and waits for it to terminate.
func (e *Engine[T]) Run(ctx context.Context) error {
	if err := e.Start(ctx); err != nil {
		return err
	}
	return e.Wait()
}

// Start builds the pool and queues and launches every goroutine. It returns
// once the run is underway; cancelling ctx kills the run.
func (e *Engine[T]) Start(ctx context.Context) error {
	if !e.started.CompareAndSwap(false, true) {
		return ErrNotStartable
	}

	base := context.WithoutCancel(ctx)
	e.killCtx, e.killCancel = context.WithCancel(base)
	e.stopCtx, e.stopCancel = context.WithCancel(e.killCtx)

	workers, consumer, err := e.build(ctx)
	if err != nil {
		e.life.transition(StateTerminated)
		e.mu.Lock()
		e.err = err
		e.mu.Unlock()
		e.killCancel()
		close(e.done)
		return err
	}

	e.mu.Lock()
	e.startedAt = e.clock.Now()
	e.mu.Unlock()
	e.life.transition(StateRunning, StateCreated)
	e.emit(ctx, EngineEventStarted, EngineEvent{})
	e.logger.Info("engine started",
		zap.Int("workers", len(workers)),
		zap.Int("stages", len(e.stages)),
		zap.Int("consumers", len(e.consumers)),
		zap.Int("pool", e.pool.Cap()),
		zap.Int64("total", e.sourceTotal()),
		zap.Bool("single_threaded", e.cfg.singleThreaded))

	if e.cfg.singleThreaded {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.runSingle(base, workers[0])
		}()
	} else {
		e.spawn(base, workers, consumer)
	}

	if e.cfg.checkpointer != nil {
		e.aux.Add(1)
		go e.checkpointLoop()
	}
	go e.watch(ctx)
	go e.await()
	return nil
}

// build creates the pool, queues, workers and producer.
func (e *Engine[T]) build(ctx context.Context) ([]*worker[T], *worker[T], error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	cfg := e.cfg

	hasConsumers := len(e.consumers) > 0
	outCap := 0
	if hasConsumers && !cfg.singleThreaded {
		outCap = cfg.outputQueue
	}
	size := cfg.poolSize
	if size == 0 {
		size = DerivePoolSize(cfg.fetchSize, cfg.inputQueue, outCap, cfg.workers)
	}
	pool, err := NewPool(e.name+".pool", size, e.factory)
	if err != nil {
		return nil, nil, err
	}
	e.pool = pool.WithClock(e.clock).WithLogger(cfg.logger.Named("pool"))

	for _, c := range append(append([]*Container[T](nil), e.stages...), e.consumers...) {
		c.WithClock(e.clock).WithLogger(cfg.logger.Named("stage"))
	}

	if err := e.restore(ctx); err != nil {
		return nil, nil, err
	}

	if cfg.singleThreaded {
		// One synchronous chain: pipeline then consumers, no queues.
		e.producer = newProducer(e, nil)
		pipeline, err := newWorker(e, 0, "pipeline", e.stages, false)
		if err != nil {
			return nil, nil, err
		}
		if hasConsumers {
			consumer, err := newWorker(e, 0, "consumer", e.consumers, true)
			if err != nil {
				return nil, nil, err
			}
			consumer.releaseOnCompletion = true
			pipeline.next = consumer
		} else {
			pipeline.releaseOnCompletion = true
		}
		return []*worker[T]{pipeline}, nil, nil
	}

	input := NewQueue[T](e.name+".input", cfg.inputQueue).
		WithClock(e.clock).
		WithLiveness(e.life).
		WithPollInterval(cfg.pollInterval).
		WithLogger(cfg.logger.Named("queue"))
	e.input = input

	if hasConsumers {
		if cfg.sequenced {
			sq := NewSequencedQueue[T](e.name+".output", cfg.outputQueue, cfg.seriesTimeout)
			sq.WithClock(e.clock).
				WithLiveness(e.life).
				WithPollInterval(cfg.pollInterval).
				WithLogger(cfg.logger.Named("queue"))
			sq.WithTimedOutLifespan(cfg.timedOutLifespan)
			sq.OnChunkTimeout(e.chunkTimedOut)
			e.seq = sq
			e.output = sq
		} else {
			e.output = NewQueue[T](e.name+".output", cfg.outputQueue).
				WithClock(e.clock).
				WithLiveness(e.life).
				WithPollInterval(cfg.pollInterval).
				WithLogger(cfg.logger.Named("queue"))
		}
	}

	workers := make([]*worker[T], 0, cfg.workers)
	for i := 0; i < cfg.workers; i++ {
		w, err := newWorker(e, i, "worker", e.stages, false)
		if err != nil {
			return nil, nil, err
		}
		w.in = e.input
		if e.output != nil {
			w.out = e.output
		} else {
			w.releaseOnCompletion = true
		}
		workers = append(workers, w)
	}
	e.active = len(workers)

	var consumer *worker[T]
	if hasConsumers {
		consumer, err = newWorker(e, 0, "consumer", e.consumers, true)
		if err != nil {
			return nil, nil, err
		}
		consumer.in = e.output
		consumer.releaseOnCompletion = true
	}

	e.producer = newProducer(e, e.input)
	return workers, consumer, nil
}

// spawn launches consumer and workers, then the producer, which prefills
// the input queue before its main loop.
func (e *Engine[T]) spawn(base context.Context, workers []*worker[T], consumer *worker[T]) {
	e.metrics.Gauge(EngineWorkersActive).Set(float64(len(workers)))

	if consumer != nil {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			consumer.run(base)
		}()
	}
	for _, w := range workers {
		e.wg.Add(1)
		go func(w *worker[T]) {
			defer e.wg.Done()
			w.run(base)
		}(w)
	}

	// Prefill runs on the producer goroutine so a slow source never holds
	// up Start.
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.producer.Prefill(e.killCtx)
		e.producer.Run(e.killCtx)
	}()
}

// runSingle drives fetch, pipeline and consumers in one loop.
func (e *Engine[T]) runSingle(base context.Context, pipeline *worker[T]) {
	for {
		if err := e.life.waitWhilePaused(e.stopCtx); err != nil {
			return
		}
		if !e.life.Running() {
			return
		}
		b, more := e.producer.next(e.killCtx, false)
		if b != nil {
			b.seq = e.producer.seq.Add(1)
			e.metrics.Counter(EngineBundlesProducedTotal).Inc()
			if pipeline.handle(base, b) == stepExit {
				e.logger.Warn("pipeline killed by stage outcome")
				e.life.transition(StateStopping, StateRunning, StatePaused)
				return
			}
			continue
		}
		if !more {
			return
		}
		if e.pool.Free() == 0 {
			e.logger.Error("pool exhausted in single-threaded mode", zap.Int("capacity", e.pool.Cap()))
			return
		}
	}
}

// sourceTotal is the number of items the source holds, or 0 when it does
// not say.
func (e *Engine[T]) sourceTotal() int64 {
	if sz, ok := e.source.(Sizer); ok {
		return sz.Total()
	}
	return 0
}

func (e *Engine[T]) watch(ctx context.Context) {
	select {
	case <-ctx.Done():
		e.logger.Info("context canceled, killing engine")
		e.Kill()
	case <-e.done:
	}
}

// await waits for every goroutine, then tears the run down.
func (e *Engine[T]) await() {
	e.wg.Wait()
	close(e.quit)
	e.aux.Wait()
	e.teardown()
}

func (e *Engine[T]) teardown() {
	ctx := context.WithoutCancel(e.killCtx)

	// Anything still queued never reached a worker.
	for _, q := range []queue[T]{e.input, e.output} {
		if q == nil {
			continue
		}
		for _, msg := range q.Drain() {
			if b := msg.Bundle(); b != nil {
				e.discard(ctx, b, ErrReleasedOnShutdown)
			}
		}
	}

	e.saveCheckpoint(ctx)
	e.stopCancel()
	e.killCancel()

	for _, c := range append(append([]*Container[T](nil), e.stages...), e.consumers...) {
		if err := c.Close(); err != nil {
			e.logger.Warn("stage close failed", zap.String("stage", c.Name()), zap.Error(err))
		}
	}

	e.mu.Lock()
	runErr := e.err
	e.mu.Unlock()

	stats := e.Stats()
	summary := Summary{
		RunID:     e.runID,
		Err:       runErr,
		Stats:     stats,
		Duration:  stats.Elapsed,
		Completed: stats.Completed,
		Failed:    stats.Failed,
	}
	e.listeners.run(ctx, summary)

	if out := e.pool.CheckedOut(); out != 0 {
		e.logger.Error("items still checked out at teardown", zap.Int("checked_out", out))
	}
	e.pool.Close()
	e.life.transition(StateTerminated)
	e.emit(ctx, EngineEventCompleted, EngineEvent{Err: runErr})
	e.logger.Info("engine terminated",
		zap.Int64("completed", summary.Completed),
		zap.Int64("failed", summary.Failed),
		zap.Duration("elapsed", summary.Duration))
	close(e.done)
}

// Wait blocks until the engine terminates and returns the abort cause, if
// any.
func (e *Engine[T]) Wait() error {
	<-e.done
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

// Pause suspends the producer and workers at their next pause check.
func (e *Engine[T]) Pause() bool {
	if _, ok := e.life.transition(StatePaused, StateRunning); !ok {
		return false
	}
	e.logger.Info("engine paused")
	e.emit(context.Background(), EngineEventPaused, EngineEvent{})
	return true
}

// Resume continues a paused engine.
func (e *Engine[T]) Resume() bool {
	if _, ok := e.life.transition(StateRunning, StatePaused); !ok {
		return false
	}
	e.logger.Info("engine resumed")
	e.emit(context.Background(), EngineEventResumed, EngineEvent{})
	return true
}

// Stop ends the run gracefully: the producer stops reading and everything
// already queued drains through the pipeline.
func (e *Engine[T]) Stop() bool {
	if _, ok := e.life.transition(StateStopping, StateRunning, StatePaused); !ok {
		return false
	}
	e.stopCancel()
	e.logger.Info("engine stopping")
	e.emit(context.Background(), EngineEventStopping, EngineEvent{})
	return true
}

// Kill ends the run immediately: queued work is discarded and every blocked
// goroutine is released.
func (e *Engine[T]) Kill() bool {
	return e.kill(context.Background())
}

func (e *Engine[T]) kill(ctx context.Context) bool {
	if _, ok := e.life.transition(StateKilled, StateRunning, StatePaused, StateStopping); !ok {
		return false
	}
	e.killCancel()
	e.logger.Warn("engine killed")

	sawEOF := false
	for _, q := range []queue[T]{e.input, e.output} {
		if q == nil {
			continue
		}
		for _, msg := range q.Drain() {
			if b := msg.Bundle(); b != nil {
				e.discard(ctx, b, ErrReleasedOnShutdown)
			} else if q == e.output {
				sawEOF = true
			}
		}
	}
	if e.pool != nil {
		e.pool.Wake()
	}
	if e.input != nil {
		_ = e.input.Enqueue(ctx, EndOfStream[T]()) //nolint:errcheck // end of stream bypasses capacity
	}
	if sawEOF {
		_ = e.output.Enqueue(ctx, EndOfStream[T]()) //nolint:errcheck // end of stream bypasses capacity
	}
	e.emit(ctx, EngineEventKilled, EngineEvent{})
	return true
}

// abort reports a catastrophic error once and kills the engine.
func (e *Engine[T]) abort(ctx context.Context, err error) {
	e.abortOnce.Do(func() {
		e.mu.Lock()
		e.err = err
		e.mu.Unlock()
		e.metrics.Counter(EngineAbortsTotal).Inc()
		e.logger.Error("engine aborted", zap.Error(err))
		e.emit(ctx, EngineEventAborted, EngineEvent{Err: err})
		e.kill(ctx)
	})
}

// workerExited accounts for a finished worker and returns how many
// pipeline workers remain. When the last pipeline worker dies without
// seeing EndOfStream the engine stops and unprocessed input is released.
func (e *Engine[T]) workerExited(ctx context.Context, w *worker[T], killed bool) int {
	e.emit(ctx, EngineEventWorkerExited, EngineEvent{Worker: w.id, Stage: w.name})
	if w.consumer {
		return 0
	}

	e.mu.Lock()
	e.active--
	remaining := e.active
	e.mu.Unlock()
	e.metrics.Gauge(EngineWorkersActive).Set(float64(remaining))

	if killed && remaining <= 0 {
		e.pipelineDead(ctx)
	}
	return remaining
}

func (e *Engine[T]) pipelineDead(ctx context.Context) {
	e.logger.Error("all pipeline workers killed, stopping engine")
	if _, ok := e.life.transition(StateStopping, StateRunning, StatePaused); ok {
		e.stopCancel()
		e.emit(ctx, EngineEventStopping, EngineEvent{})
	}
	for _, msg := range e.input.Drain() {
		if b := msg.Bundle(); b != nil {
			e.discard(ctx, b, ErrReleasedOnShutdown)
		}
	}
	if e.output != nil {
		_ = e.output.Enqueue(ctx, EndOfStream[T]()) //nolint:errcheck // end of stream bypasses capacity
	}
}

// release returns every item of a bundle to the pool.
func (e *Engine[T]) release(b *Bundle[T]) {
	e.trace.Record("pool", TraceRelease, 0, false)
	e.pool.ReleaseAll(b.Items())
	e.metrics.Gauge(EnginePoolCheckedOut).Set(float64(e.pool.CheckedOut()))
}

// discard reports every item of a bundle as failed with cause and releases
// it.
func (e *Engine[T]) discard(ctx context.Context, b *Bundle[T], cause error) {
	e.listeners.items(ctx, b, "", cause)
	e.failed.Add(int64(b.Len()))
	for range b.Len() {
		e.metrics.Counter(EngineItemsFailedTotal).Inc()
	}
	e.release(b)
}

// invalidate abandons the chunk series of a failed bundle upstream and
// downstream.
func (e *Engine[T]) invalidate(b *Bundle[T]) {
	if e.producer != nil {
		e.producer.Invalidate(b)
	}
	if e.seq != nil {
		e.seq.Invalidate(b)
	}
}

func (e *Engine[T]) documentTimedOut(id string) bool {
	return e.seq != nil && e.seq.TimedOut(id)
}

// chunkTimedOut is the sequenced queue's timeout handler.
func (e *Engine[T]) chunkTimedOut(meta ChunkMetadata) {
	ctx := context.WithoutCancel(e.killCtx)
	e.metrics.Counter(EngineChunkTimeoutsTotal).Inc()
	if e.producer != nil {
		e.producer.InvalidateDocument(meta.DocumentID)
	}
	e.listeners.chunkTimeout(ctx, meta)
	m := meta
	e.emit(ctx, EngineEventChunkTimeout, EngineEvent{Chunk: &m, Err: &ChunkTimeoutError{Chunk: meta}})
}

func (e *Engine[T]) stageDisabled(ctx context.Context, c *Container[T], err error) {
	e.logger.Warn("stage disabled", zap.String("stage", c.Name()), zap.Error(err))
	e.emit(ctx, EngineEventStageDisabled, EngineEvent{Stage: c.Name(), Err: err})
}

// ErrUnknownStage is returned when a stage name does not exist.
var ErrUnknownStage = errors.New("unknown stage")

// EnableStage routes bundles through a disabled stage again.
func (e *Engine[T]) EnableStage(name Name) error {
	c := e.container(name)
	if c == nil {
		return fmt.Errorf("%w: %s", ErrUnknownStage, name)
	}
	c.SetStatus(StatusReady)
	e.logger.Info("stage enabled", zap.String("stage", name))
	return nil
}

// DisableStage stops routing bundles through a stage.
func (e *Engine[T]) DisableStage(name Name) error {
	c := e.container(name)
	if c == nil {
		return fmt.Errorf("%w: %s", ErrUnknownStage, name)
	}
	c.SetStatus(StatusDisabled)
	e.stageDisabled(context.Background(), c, nil)
	return nil
}

func (e *Engine[T]) container(name Name) *Container[T] {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, c := range e.stages {
		if c.Name() == name {
			return c
		}
	}
	for _, c := range e.consumers {
		if c.Name() == name {
			return c
		}
	}
	return nil
}

func (e *Engine[T]) emit(ctx context.Context, key hookz.Key, ev EngineEvent) {
	ev.Name = e.name
	ev.RunID = e.runID
	ev.State = e.life.State()
	ev.Timestamp = e.clock.Now()
	_ = e.hooks.Emit(ctx, key, ev) //nolint:errcheck
}

// Close releases the tracer and hooks. Call it after the engine terminated.
func (e *Engine[T]) Close() error {
	if e.tracer != nil {
		e.tracer.Close()
	}
	e.hooks.Close()
	return nil
}

// OnStarted registers a handler for engine start.
func (e *Engine[T]) OnStarted(handler func(context.Context, EngineEvent) error) error {
	_, err := e.hooks.Hook(EngineEventStarted, handler)
	return err
}

// OnPaused registers a handler for pauses.
func (e *Engine[T]) OnPaused(handler func(context.Context, EngineEvent) error) error {
	_, err := e.hooks.Hook(EngineEventPaused, handler)
	return err
}

// OnResumed registers a handler for resumes.
func (e *Engine[T]) OnResumed(handler func(context.Context, EngineEvent) error) error {
	_, err := e.hooks.Hook(EngineEventResumed, handler)
	return err
}

// OnStopping registers a handler for graceful stops.
func (e *Engine[T]) OnStopping(handler func(context.Context, EngineEvent) error) error {
	_, err := e.hooks.Hook(EngineEventStopping, handler)
	return err
}

// OnKilled registers a handler for hard kills.
func (e *Engine[T]) OnKilled(handler func(context.Context, EngineEvent) error) error {
	_, err := e.hooks.Hook(EngineEventKilled, handler)
	return err
}

// OnAborted registers a handler for catastrophic failures. It fires at most
// once per run.
func (e *Engine[T]) OnAborted(handler func(context.Context, EngineEvent) error) error {
	_, err := e.hooks.Hook(EngineEventAborted, handler)
	return err
}

// OnCompleted registers a handler for run termination.
func (e *Engine[T]) OnCompleted(handler func(context.Context, EngineEvent) error) error {
	_, err := e.hooks.Hook(EngineEventCompleted, handler)
	return err
}

// OnChunkTimeout registers a handler for timed-out chunk series.
func (e *Engine[T]) OnChunkTimeout(handler func(context.Context, EngineEvent) error) error {
	_, err := e.hooks.Hook(EngineEventChunkTimeout, handler)
	return err
}

// OnStageDisabled registers a handler for disabled stages.
func (e *Engine[T]) OnStageDisabled(handler func(context.Context, EngineEvent) error) error {
	_, err := e.hooks.Hook(EngineEventStageDisabled, handler)
	return err
}

// OnWorkerExited registers a handler for worker termination.
func (e *Engine[T]) OnWorkerExited(handler func(context.Context, EngineEvent) error) error {
	_, err := e.hooks.Hook(EngineEventWorkerExited, handler)
	return err
}
