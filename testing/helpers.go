// Package testing provides test utilities and helpers for collectz engines.
//
// This package includes mock stages, scripted sources, recording listeners,
// chaos stages and assertion helpers that make engine scenarios short to
// write and deterministic to run.
//
// Example usage:
//
//	func TestMyPipeline(t *testing.T) {
//		mock := ctest.NewMockStage[*collectz.CAS](t, "mock-stage")
//		source := ctest.NewSliceSource("a", "b", "c")
//
//		engine, _ := collectz.NewEngine("test", source, collectz.NewCASFactory())
//		engine.AddStages(collectz.Contain[*collectz.CAS](mock))
//		require.NoError(t, engine.Run(context.Background()))
//
//		ctest.AssertProcessed(t, mock, 3)
//	}
package testing

import (
	"context"
	"errors"
	"fmt"
	mathrand "math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/zoobzio/collectz"
)

// MockStage provides a configurable mock implementation of collectz.Stage[T].
// It records every call, can return a scripted sequence of errors, and
// implements Reconnector and Closer so container behavior around them can be
// observed.
type MockStage[T collectz.Item] struct { //nolint:govet // fieldalignment: Test helper struct optimized for functionality over memory efficiency
	t              *testing.T
	name           collectz.Name
	format         collectz.Format
	callCount      int64
	reconnectCount int64
	closeCount     int64
	script         []error
	returnErr      error
	reconnectErrs  []error
	delay          time.Duration
	panicMsg       string
	fn             func(context.Context, *collectz.Bundle[T]) error
	calls          []MockCall
	maxHistory     int
	mu             sync.Mutex
}

// MockCall represents a single invocation of a mock stage.
type MockCall struct {
	Timestamp time.Time
	BundleID  string
	Documents []string
	Seq       int64
	Items     int
	TimedOut  bool
}

// NewMockStage creates a new mock stage. It succeeds on every call until
// configured otherwise.
func NewMockStage[T collectz.Item](t *testing.T, name collectz.Name) *MockStage[T] {
	return &MockStage[T]{
		t:          t,
		name:       name,
		format:     collectz.FormatObject,
		maxHistory: 1000,
	}
}

// WithReturn makes every call without a scripted error return err.
func (m *MockStage[T]) WithReturn(err error) *MockStage[T] {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.returnErr = err
	return m
}

// WithErrors scripts the errors of the next calls, one per call. A nil entry
// is a success. Once the script runs out, WithReturn applies.
func (m *MockStage[T]) WithErrors(errs ...error) *MockStage[T] {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.script = append(m.script, errs...)
	return m
}

// WithDelay waits d (or until ctx is done) before returning.
func (m *MockStage[T]) WithDelay(d time.Duration) *MockStage[T] {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
	return m
}

// WithPanic makes every call panic with msg.
func (m *MockStage[T]) WithPanic(msg string) *MockStage[T] {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.panicMsg = msg
	return m
}

// WithFunc runs fn on every call after the call is recorded. Its error is
// used when no scripted or configured error applies.
func (m *MockStage[T]) WithFunc(fn func(context.Context, *collectz.Bundle[T]) error) *MockStage[T] {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fn = fn
	return m
}

// WithFormat declares the representation the stage consumes.
func (m *MockStage[T]) WithFormat(f collectz.Format) *MockStage[T] {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.format = f
	return m
}

// WithReconnectErrors scripts the results of successive Reconnect calls.
func (m *MockStage[T]) WithReconnectErrors(errs ...error) *MockStage[T] {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reconnectErrs = append(m.reconnectErrs, errs...)
	return m
}

// Name implements collectz.Stage.
func (m *MockStage[T]) Name() collectz.Name {
	return m.name
}

// Format implements collectz.FormatDeclarer.
func (m *MockStage[T]) Format() collectz.Format {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.format
}

// Process implements collectz.Stage. It records the call and returns the
// configured result, potentially after a delay or panic.
func (m *MockStage[T]) Process(ctx context.Context, b *collectz.Bundle[T]) error {
	atomic.AddInt64(&m.callCount, 1)

	call := MockCall{
		Timestamp: time.Now(),
		BundleID:  b.ID(),
		Seq:       b.Seq(),
		Items:     b.Len(),
		TimedOut:  b.TimedOut(),
	}
	for _, item := range b.Items() {
		if meta, ok := item.Chunk(); ok {
			call.Documents = append(call.Documents, fmt.Sprintf("%s/%d", meta.DocumentID, meta.Sequence))
		}
	}

	m.mu.Lock()
	if m.maxHistory > 0 {
		m.calls = append(m.calls, call)
		if len(m.calls) > m.maxHistory {
			m.calls = m.calls[1:]
		}
	}
	var scripted error
	hasScripted := len(m.script) > 0
	if hasScripted {
		scripted = m.script[0]
		m.script = m.script[1:]
	}
	delay := m.delay
	returnErr := m.returnErr
	panicMsg := m.panicMsg
	fn := m.fn
	m.mu.Unlock()

	if panicMsg != "" {
		panic(panicMsg)
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	var fnErr error
	if fn != nil {
		fnErr = fn(ctx, b)
	}
	switch {
	case hasScripted:
		return scripted
	case returnErr != nil:
		return returnErr
	default:
		return fnErr
	}
}

// Reconnect implements collectz.Reconnector.
func (m *MockStage[T]) Reconnect(_ context.Context) error {
	atomic.AddInt64(&m.reconnectCount, 1)
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.reconnectErrs) == 0 {
		return nil
	}
	err := m.reconnectErrs[0]
	m.reconnectErrs = m.reconnectErrs[1:]
	return err
}

// Close implements collectz.Closer.
func (m *MockStage[T]) Close() error {
	atomic.AddInt64(&m.closeCount, 1)
	return nil
}

// CallCount returns the number of times Process has been called.
func (m *MockStage[T]) CallCount() int {
	return int(atomic.LoadInt64(&m.callCount))
}

// ReconnectCount returns the number of Reconnect calls.
func (m *MockStage[T]) ReconnectCount() int {
	return int(atomic.LoadInt64(&m.reconnectCount))
}

// CloseCount returns the number of Close calls.
func (m *MockStage[T]) CloseCount() int {
	return int(atomic.LoadInt64(&m.closeCount))
}

// Calls returns a copy of the recorded calls.
func (m *MockStage[T]) Calls() []MockCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	calls := make([]MockCall, len(m.calls))
	copy(calls, m.calls)
	return calls
}

// Documents returns "document/sequence" for every chunk seen, in call order.
func (m *MockStage[T]) Documents() []string {
	var docs []string
	for _, c := range m.Calls() {
		docs = append(docs, c.Documents...)
	}
	return docs
}

// Reset clears call tracking and scripted behavior.
func (m *MockStage[T]) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	atomic.StoreInt64(&m.callCount, 0)
	atomic.StoreInt64(&m.reconnectCount, 0)
	m.calls = nil
	m.script = nil
	m.reconnectErrs = nil
	m.returnErr = nil
}

// Assertion Helpers

// AssertProcessed verifies that a mock stage was called exactly n times.
func AssertProcessed[T collectz.Item](t *testing.T, mock *MockStage[T], expectedCalls int) {
	t.Helper()
	actualCalls := mock.CallCount()
	if actualCalls != expectedCalls {
		t.Errorf("expected mock stage %s to be called %d times, but was called %d times",
			mock.name, expectedCalls, actualCalls)
	}
}

// AssertNotProcessed verifies that a mock stage was never called.
func AssertNotProcessed[T collectz.Item](t *testing.T, mock *MockStage[T]) {
	t.Helper()
	AssertProcessed(t, mock, 0)
}

// AssertProcessedBetween verifies that a mock stage was called between min
// and max times.
func AssertProcessedBetween[T collectz.Item](t *testing.T, mock *MockStage[T], minCalls, maxCalls int) {
	t.Helper()
	actualCalls := mock.CallCount()
	if actualCalls < minCalls || actualCalls > maxCalls {
		t.Errorf("expected mock stage %s to be called between %d and %d times, but was called %d times",
			mock.name, minCalls, maxCalls, actualCalls)
	}
}

// AssertPoolDrained verifies that every pooled item was returned.
func AssertPoolDrained[T collectz.Item](t *testing.T, pool *collectz.Pool[T]) {
	t.Helper()
	if pool == nil {
		t.Error("expected a pool, got nil")
		return
	}
	if out := pool.CheckedOut(); out != 0 {
		t.Errorf("expected pool %s to be fully released, %d of %d items still checked out",
			pool.Name(), out, pool.Cap())
	}
}

// Eventually polls cond every 5ms until it holds or timeout elapses.
func Eventually(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !cond() {
		t.Fatalf("condition not met within %s: %s", timeout, msg)
	}
}

// ChaosStage introduces seeded failures and panics in front of a wrapped
// stage. The same seed always produces the same sequence of faults.
type ChaosStage[T collectz.Item] struct { //nolint:govet // fieldalignment: Test helper struct optimized for functionality over memory efficiency
	wrapped     collectz.Stage[T]
	failureRate float64
	panicRate   float64
	rng         *mathrand.Rand
	mu          sync.Mutex
	totalCalls  int64
	failedCalls int64
	panicCalls  int64
}

// ChaosConfig holds configuration for chaos testing.
type ChaosConfig struct {
	FailureRate float64 // Probability of returning an error (0.0 to 1.0)
	PanicRate   float64 // Probability of panicking (0.0 to 1.0)
	Seed        int64   // Random seed for reproducible chaos
}

// ErrChaos is returned for injected failures.
var ErrChaos = errors.New("chaos stage induced failure")

// NewChaosStage wraps a stage with fault injection.
func NewChaosStage[T collectz.Item](wrapped collectz.Stage[T], config ChaosConfig) *ChaosStage[T] {
	return &ChaosStage[T]{
		wrapped:     wrapped,
		failureRate: config.FailureRate,
		panicRate:   config.PanicRate,
		rng:         mathrand.New(mathrand.NewSource(config.Seed)), //nolint:gosec // G404: Test utility uses weak RNG for deterministic chaos scenarios
	}
}

// Name returns the wrapped stage name.
func (c *ChaosStage[T]) Name() collectz.Name {
	return c.wrapped.Name()
}

// Process implements collectz.Stage with fault injection.
func (c *ChaosStage[T]) Process(ctx context.Context, b *collectz.Bundle[T]) error {
	atomic.AddInt64(&c.totalCalls, 1)

	c.mu.Lock()
	doPanic := c.rng.Float64() < c.panicRate
	doFail := c.rng.Float64() < c.failureRate
	c.mu.Unlock()

	if doPanic {
		atomic.AddInt64(&c.panicCalls, 1)
		panic("chaos stage induced panic")
	}
	if doFail {
		atomic.AddInt64(&c.failedCalls, 1)
		return collectz.SkipItem(ErrChaos)
	}
	return c.wrapped.Process(ctx, b)
}

// Stats returns statistics about chaos injection.
func (c *ChaosStage[T]) Stats() ChaosStats {
	return ChaosStats{
		TotalCalls:  atomic.LoadInt64(&c.totalCalls),
		FailedCalls: atomic.LoadInt64(&c.failedCalls),
		PanicCalls:  atomic.LoadInt64(&c.panicCalls),
	}
}

// ChaosStats holds statistics about chaos injection.
type ChaosStats struct {
	TotalCalls  int64
	FailedCalls int64
	PanicCalls  int64
}

// Faults returns the number of injected failures and panics.
func (s ChaosStats) Faults() int64 {
	return s.FailedCalls + s.PanicCalls
}
