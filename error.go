package collectz

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Sentinel errors reported by engine components.
var (
	ErrQueueHalted        = errors.New("queue halted: engine killed")
	ErrPoolTimeout        = errors.New("pool checkout timed out")
	ErrPoolClosed         = errors.New("pool closed")
	ErrReleasedOnShutdown = errors.New("released before processing due to premature shutdown")
	ErrDroppedTimedOut    = errors.New("dropped: chunk series timed out")
	ErrDroppedInvalidated = errors.New("dropped: document invalidated")
	ErrNotStartable       = errors.New("engine can only be started once")
	ErrStageKilled        = errors.New("stage killed")
)

// Outcome is the escalation decided for a failed stage invocation.
type Outcome int

const (
	// OutcomeRetry retries the same stage with the same bundle.
	OutcomeRetry Outcome = iota
	// OutcomeReconnect pauses the stage while one worker reconnects it.
	OutcomeReconnect
	// OutcomeSkip drops the bundle from the remaining stages.
	OutcomeSkip
	// OutcomeDisable disables the stage; the bundle continues.
	OutcomeDisable
	// OutcomeAbort kills the engine.
	OutcomeAbort
	// OutcomeKillWorker terminates the worker that saw the failure.
	OutcomeKillWorker
	// OutcomeDrop releases the bundle without retry under drop-on-exception.
	OutcomeDrop
)

func (o Outcome) String() string {
	switch o {
	case OutcomeRetry:
		return "retry"
	case OutcomeReconnect:
		return "reconnect"
	case OutcomeSkip:
		return "skip"
	case OutcomeDisable:
		return "disable"
	case OutcomeAbort:
		return "abort"
	case OutcomeKillWorker:
		return "kill-worker"
	case OutcomeDrop:
		return "drop"
	default:
		return "unknown"
	}
}

type outcomeError struct {
	err     error
	outcome Outcome
}

func (e *outcomeError) Error() string {
	if e.err == nil {
		return e.outcome.String()
	}
	return e.err.Error()
}

func (e *outcomeError) Unwrap() error { return e.err }

// SkipItem marks err as dropping the current bundle from remaining stages.
func SkipItem(err error) error { return &outcomeError{err: err, outcome: OutcomeSkip} }

// DisableStage marks err as disabling the failing stage.
func DisableStage(err error) error { return &outcomeError{err: err, outcome: OutcomeDisable} }

// AbortEngine marks err as catastrophic for the whole run.
func AbortEngine(err error) error { return &outcomeError{err: err, outcome: OutcomeAbort} }

// KillWorker marks err as terminating the current worker.
func KillWorker(err error) error { return &outcomeError{err: err, outcome: OutcomeKillWorker} }

// Reconnect marks err as a lost connection to the stage's backing service.
func Reconnect(err error) error { return &outcomeError{err: err, outcome: OutcomeReconnect} }

// OutcomeOf returns the outcome an error was explicitly marked with.
func OutcomeOf(err error) (Outcome, bool) {
	var oe *outcomeError
	if errors.As(err, &oe) {
		return oe.outcome, true
	}
	return OutcomeRetry, false
}

// StageError provides context about a failed stage invocation: which stage,
// which bundle, how long it ran, and whether it ended through the context.
type StageError struct {
	Timestamp  time.Time
	Err        error
	Stage      Name
	BundleID   string
	Duration   time.Duration
	StageIndex int
	Timeout    bool
	Canceled   bool
}

// Error implements the error interface.
func (e *StageError) Error() string {
	location := fmt.Sprintf("stage %q (index %d)", e.Stage, e.StageIndex)

	if e.Timeout {
		return fmt.Sprintf("%s timed out after %v: %v", location, e.Duration, e.Err)
	}
	if e.Canceled {
		return fmt.Sprintf("%s canceled after %v: %v", location, e.Duration, e.Err)
	}
	return fmt.Sprintf("%s failed after %v: %v", location, e.Duration, e.Err)
}

// Unwrap returns the underlying error.
func (e *StageError) Unwrap() error {
	return e.Err
}

// IsTimeout returns true if the error was caused by a timeout.
func (e *StageError) IsTimeout() bool {
	return e.Timeout || errors.Is(e.Err, context.DeadlineExceeded)
}

// IsCanceled returns true if the error was caused by cancellation.
func (e *StageError) IsCanceled() bool {
	return e.Canceled || errors.Is(e.Err, context.Canceled)
}

// ChunkTimeoutError reports a chunk series that did not complete in time.
// On the timeout notification Chunk is the last chunk released in order.
// On a bundle dropped because its series already timed out, Chunk is the
// bundle's own chunk and Err is ErrDroppedTimedOut.
type ChunkTimeoutError struct {
	Err   error
	Chunk ChunkMetadata
}

func (e *ChunkTimeoutError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%v: document %q sequence %d", e.Err, e.Chunk.DocumentID, e.Chunk.Sequence)
	}
	return fmt.Sprintf("chunk series timed out: document %q (throttle %q) expecting sequence %d",
		e.Chunk.DocumentID, e.Chunk.ThrottleID, e.Chunk.Sequence+1)
}

// Unwrap returns the drop cause, if any.
func (e *ChunkTimeoutError) Unwrap() error { return e.Err }

// PanicError carries a recovered panic value.
type PanicError struct {
	Value any
	Stage Name
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("stage %q panicked: %v", e.Stage, e.Value)
}

// recoverFromPanic converts a panic in a stage into an error.
func recoverFromPanic(err *error, stage Name) {
	if r := recover(); r != nil {
		*err = &PanicError{Stage: stage, Value: r}
	}
}
