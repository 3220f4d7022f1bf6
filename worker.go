package collectz

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"
)

// queue is the behaviour shared by Queue and SequencedQueue.
type queue[T Item] interface {
	Enqueue(ctx context.Context, msg Message[T]) error
	Dequeue(ctx context.Context, timeout time.Duration) (Message[T], bool)
	TryDequeue() (Message[T], bool)
	Drain() []Message[T]
	Len() int
	Cap() int
	Name() Name
}

// step is what the worker does after one container.
type step int

const (
	stepNext step = iota
	stepDropped
	stepExit
)

// worker runs bundles from its input queue through an ordered list of
// containers. Pipeline workers forward finished bundles to the output
// queue; the consumer, and pipeline workers when there are no consumers,
// release them instead.
type worker[T Item] struct {
	engine              *Engine[T]
	in                  queue[T]
	out                 queue[T]
	next                *worker[T]
	logger              *zap.Logger
	name                Name
	containers          []*Container[T]
	plan                []formatAdapter[T]
	finish              formatAdapter[T]
	id                  int
	consumer            bool
	releaseOnCompletion bool
}

func newWorker[T Item](e *Engine[T], id int, name Name, containers []*Container[T], consumer bool) (*worker[T], error) {
	plan, err := planFormats(containers, e.converter)
	if err != nil {
		return nil, err
	}
	return &worker[T]{
		engine:     e,
		id:         id,
		name:       name,
		containers: containers,
		plan:       plan,
		finish:     toObjects(e.converter),
		consumer:   consumer,
		logger:     e.logger.Named(name).With(zap.Int("worker", id)),
	}, nil
}

// run is the worker main loop. It ends when EndOfStream is observed or the
// worker is killed by a stage outcome.
func (w *worker[T]) run(ctx context.Context) {
	e := w.engine
	w.logger.Debug("worker started")

	for {
		if err := e.life.waitWhilePaused(ctx); err != nil {
			return
		}
		msg, ok := w.in.Dequeue(ctx, e.cfg.maxWait)
		if !ok {
			if ctx.Err() != nil {
				return
			}
			continue
		}
		if msg.EOF() {
			w.endOfStream(ctx)
			return
		}
		if w.handle(ctx, msg.Bundle()) == stepExit {
			w.logger.Warn("worker killed by stage outcome")
			e.workerExited(ctx, w, true)
			return
		}
	}
}

// endOfStream propagates the marker: siblings get it back on the input
// queue, and the last pipeline worker hands it to the output queue.
func (w *worker[T]) endOfStream(ctx context.Context) {
	e := w.engine
	remaining := e.workerExited(ctx, w, false)
	if w.consumer {
		return
	}
	if remaining > 0 {
		if err := w.in.Enqueue(ctx, EndOfStream[T]()); err != nil {
			w.logger.Error("failed to re-enqueue end of stream", zap.Error(err))
		}
		return
	}
	if w.out != nil {
		if err := w.out.Enqueue(ctx, EndOfStream[T]()); err != nil {
			w.logger.Error("failed to pass end of stream downstream", zap.Error(err))
		}
	}
}

// handle processes one bundle and guarantees its items are released or
// handed on, whatever happens inside.
func (w *worker[T]) handle(ctx context.Context, b *Bundle[T]) (result step) {
	e := w.engine
	owned := true
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("worker recovered from panic", zap.String("panic", fmt.Sprint(r)))
			if owned {
				e.discard(ctx, b, &PanicError{Stage: w.name, Value: r})
			}
			result = stepDropped
		}
	}()

	if b.TimedOut() {
		meta, _ := b.Chunk()
		e.discard(ctx, b, &ChunkTimeoutError{Chunk: meta, Err: ErrDroppedTimedOut})
		owned = false
		return stepDropped
	}
	if e.life.Killed() {
		e.discard(ctx, b, ErrReleasedOnShutdown)
		owned = false
		return stepDropped
	}

	for i, c := range w.containers {
		s := w.runContainer(ctx, i, c, b)
		if s != stepNext {
			owned = false
			return s
		}
	}

	owned = false
	w.complete(ctx, b)
	return stepNext
}

// runContainer drives one container for one bundle, retrying and escalating
// failures per the container's policy.
func (w *worker[T]) runContainer(ctx context.Context, i int, c *Container[T], b *Bundle[T]) step {
	e := w.engine
	stageCtx := e.killCtx

	for {
		if err := c.AwaitResume(stageCtx); err != nil {
			e.discard(ctx, b, ErrReleasedOnShutdown)
			return stepDropped
		}
		status := c.Status()
		if status == StatusKilled {
			w.fail(ctx, c, b, fmt.Errorf("%w: %s", ErrStageKilled, c.Name()))
			return stepDropped
		}
		if !status.Active() {
			return stepNext
		}
		if !c.Accepts(b) {
			e.trace.Record(c.Name(), TraceFilter, 0, false)
			w.logger.Debug("bundle filtered", zap.String("stage", c.Name()), zap.String("bundle", b.ID()))
			return stepNext
		}
		if err := w.plan[i](b); err != nil {
			w.fail(ctx, c, b, err)
			return stepDropped
		}

		spanCtx, span := e.tracer.StartSpan(stageCtx, EngineStageSpan)
		span.SetTag(EngineTagStage, c.Name())
		span.SetTag(EngineTagBundle, b.ID())
		span.SetTag(EngineTagWorker, strconv.Itoa(w.id))

		start := e.clock.Now()
		err := c.Invoke(spanCtx, b, i)
		e.trace.Record(c.Name(), TraceProcess, e.clock.Since(start), err != nil)

		if err == nil {
			span.SetTag(EngineTagSuccess, "true")
			span.Finish()
			c.RecordSuccess(!e.cfg.dropOnException)
			return stepNext
		}
		span.SetTag(EngineTagSuccess, "false")
		span.SetTag(EngineTagError, err.Error())

		if e.life.Killed() {
			span.SetTag(EngineTagOutcome, "shutdown")
			span.Finish()
			e.discard(ctx, b, fmt.Errorf("%w: %w", ErrReleasedOnShutdown, err))
			return stepDropped
		}

		outcome := c.Classify(err)
		if e.cfg.dropOnException && (outcome == OutcomeRetry || outcome == OutcomeReconnect) {
			outcome = OutcomeDrop
		}
		span.SetTag(EngineTagOutcome, outcome.String())
		span.Finish()

		w.logger.Warn("stage failed",
			zap.String("stage", c.Name()),
			zap.String("bundle", b.ID()),
			zap.Stringer("outcome", outcome),
			zap.Error(err))

		if s, retry := w.escalate(ctx, c, b, err, outcome); !retry {
			return s
		}
	}
}

// escalate applies an outcome. It returns retry=true when the same
// container should be invoked again with the same bundle.
func (w *worker[T]) escalate(ctx context.Context, c *Container[T], b *Bundle[T], err error, outcome Outcome) (step, bool) {
	e := w.engine
	for {
		switch outcome {
		case OutcomeRetry:
			return stepNext, true

		case OutcomeReconnect:
			if !c.Pause() {
				// Another worker owns the reconnection.
				return stepNext, true
			}
			rerr := c.Reconnect(e.killCtx)
			c.Resume()
			if rerr == nil {
				return stepNext, true
			}
			w.logger.Error("stage reconnect failed", zap.String("stage", c.Name()), zap.Error(rerr))
			outcome = c.Policy().ActionOnMaxRestarts.outcome()
			err = errors.Join(err, rerr)

		case OutcomeDisable:
			c.SetStatus(StatusDisabled)
			e.stageDisabled(ctx, c, err)
			return stepNext, false

		case OutcomeAbort:
			c.SetStatus(StatusKilled)
			w.fail(ctx, c, b, err)
			e.abort(ctx, err)
			return stepDropped, false

		case OutcomeKillWorker:
			w.fail(ctx, c, b, err)
			return stepExit, false

		default: // OutcomeSkip, OutcomeDrop
			w.fail(ctx, c, b, err)
			return stepDropped, false
		}
	}
}

// fail abandons a bundle: its chunk series is invalidated, listeners hear
// about every item, and the items go back to the pool.
func (w *worker[T]) fail(ctx context.Context, c *Container[T], b *Bundle[T], err error) {
	e := w.engine
	if _, chunked := b.Chunk(); chunked {
		e.invalidate(b)
	}
	e.listeners.items(ctx, b, c.Name(), err)
	e.failed.Add(int64(b.Len()))
	for range b.Len() {
		e.metrics.Counter(EngineItemsFailedTotal).Inc()
	}
	e.release(b)
}

// complete hands a finished bundle on or retires it.
func (w *worker[T]) complete(ctx context.Context, b *Bundle[T]) {
	e := w.engine
	switch {
	case w.next != nil:
		w.next.handle(ctx, b)
	case w.releaseOnCompletion:
		if err := w.finish(b); err != nil {
			e.discard(ctx, b, err)
			return
		}
		e.listeners.items(ctx, b, "", nil)
		e.completed.Add(int64(b.Len()))
		for range b.Len() {
			e.metrics.Counter(EngineItemsCompletedTotal).Inc()
		}
		e.release(b)
	case e.life.Killed():
		e.discard(ctx, b, ErrReleasedOnShutdown)
	default:
		if err := w.out.Enqueue(ctx, Deliver(b)); err != nil {
			e.discard(ctx, b, fmt.Errorf("%w: %w", ErrReleasedOnShutdown, err))
		}
	}
}
