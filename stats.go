package collectz

import "time"

// Stats is a point-in-time view of a run.
type Stats struct {
	Name           Name             `json:"name"`
	RunID          string           `json:"run_id"`
	State          string           `json:"state"`
	Stages         []ContainerStats `json:"stages"`
	Consumers      []ContainerStats `json:"consumers"`
	Trace          []TraceEvent     `json:"trace"`
	Elapsed        time.Duration    `json:"elapsed"`
	Total          int64            `json:"total,omitempty"`
	Produced       int64            `json:"produced"`
	Completed      int64            `json:"completed"`
	Failed         int64            `json:"failed"`
	Filtered       int64            `json:"filtered"`
	PoolCapacity   int              `json:"pool_capacity"`
	PoolCheckedOut int              `json:"pool_checked_out"`
	InputDepth     int              `json:"input_depth"`
	OutputDepth    int              `json:"output_depth"`
	Workers        int              `json:"workers"`
	ActiveWorkers  int              `json:"active_workers"`
}

// Stats returns a snapshot of the run. It is safe to call at any time,
// including before Start.
func (e *Engine[T]) Stats() Stats {
	e.mu.Lock()
	stages := append([]*Container[T](nil), e.stages...)
	consumers := append([]*Container[T](nil), e.consumers...)
	pool, input, output, prod := e.pool, e.input, e.output, e.producer
	active, startedAt := e.active, e.startedAt
	e.mu.Unlock()

	s := Stats{
		Name:          e.name,
		RunID:         e.runID,
		State:         e.life.State().String(),
		Completed:     e.completed.Load(),
		Failed:        e.failed.Load(),
		Total:         e.sourceTotal(),
		Workers:       e.cfg.workers,
		ActiveWorkers: active,
		Trace:         e.trace.Snapshot(),
	}
	if !startedAt.IsZero() {
		s.Elapsed = e.clock.Since(startedAt)
	}
	if prod != nil {
		s.Produced = prod.Produced()
	}
	if pool != nil {
		s.PoolCapacity = pool.Cap()
		s.PoolCheckedOut = pool.CheckedOut()
		e.metrics.Gauge(EnginePoolCheckedOut).Set(float64(s.PoolCheckedOut))
	}
	if input != nil {
		s.InputDepth = input.Len()
		e.metrics.Gauge(EngineInputDepth).Set(float64(s.InputDepth))
	}
	if output != nil {
		s.OutputDepth = output.Len()
		e.metrics.Gauge(EngineOutputDepth).Set(float64(s.OutputDepth))
	}
	for _, c := range stages {
		cs := c.Stats()
		s.Filtered += cs.Filtered
		s.Stages = append(s.Stages, cs)
	}
	for _, c := range consumers {
		cs := c.Stats()
		s.Filtered += cs.Filtered
		s.Consumers = append(s.Consumers, cs)
	}
	return s
}
