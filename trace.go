package collectz

import (
	"sync"
	"time"
)

// Trace events recorded by the engine.
const (
	TraceProcess = "process"
	TraceFetch   = "fetch"
	TraceFilter  = "filter"
	TraceRelease = "release"
)

// TraceEvent aggregates every occurrence of one event for one component.
type TraceEvent struct {
	Component Name          `json:"component"`
	Event     string        `json:"event"`
	Count     int64         `json:"count"`
	Failures  int64         `json:"failures"`
	Total     time.Duration `json:"total"`
	Max       time.Duration `json:"max"`
}

// Mean returns the average duration.
func (e TraceEvent) Mean() time.Duration {
	if e.Count == 0 {
		return 0
	}
	return e.Total / time.Duration(e.Count)
}

type traceKey struct {
	component Name
	event     string
}

// Trace is the timing sink shared by every worker of an engine. Records
// are aggregated in place under a single lock.
type Trace struct {
	events map[traceKey]*TraceEvent
	order  []traceKey
	mu     sync.Mutex
}

// NewTrace creates an empty trace.
func NewTrace() *Trace {
	return &Trace{events: make(map[traceKey]*TraceEvent)}
}

// Record aggregates one occurrence.
func (t *Trace) Record(component Name, event string, d time.Duration, failed bool) {
	k := traceKey{component: component, event: event}

	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.events[k]
	if !ok {
		e = &TraceEvent{Component: component, Event: event}
		t.events[k] = e
		t.order = append(t.order, k)
	}
	e.Count++
	e.Total += d
	if d > e.Max {
		e.Max = d
	}
	if failed {
		e.Failures++
	}
}

// Snapshot returns the aggregated events in first-seen order.
func (t *Trace) Snapshot() []TraceEvent {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]TraceEvent, 0, len(t.order))
	for _, k := range t.order {
		out = append(out, *t.events[k])
	}
	return out
}

// Lookup returns the aggregate for one component and event.
func (t *Trace) Lookup(component Name, event string) (TraceEvent, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.events[traceKey{component: component, event: event}]
	if !ok {
		return TraceEvent{}, false
	}
	return *e, true
}
