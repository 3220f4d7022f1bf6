package collectz

import (
	"context"
	"sync"
)

// State is the engine lifecycle state.
//
//	Created -> Running <-> Paused -> Stopping | Killed -> Terminated
type State int32

const (
	StateCreated State = iota
	StateRunning
	StatePaused
	StateStopping
	StateKilled
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	case StateStopping:
		return "stopping"
	case StateKilled:
		return "killed"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Liveness reports the engine run state to blocking operations.
type Liveness interface {
	// Running is true while new work may still be started.
	Running() bool
	// Killed is true once a hard kill was requested.
	Killed() bool
}

type alwaysLive struct{}

func (alwaysLive) Running() bool { return true }
func (alwaysLive) Killed() bool  { return false }

// lifecycle is the single state machine shared by every engine goroutine.
// Each transition closes the current changed channel and installs a new one,
// waking every waiter at once.
type lifecycle struct {
	changed chan struct{}
	mu      sync.Mutex
	state   State
	killed  bool
}

func newLifecycle() *lifecycle {
	return &lifecycle{changed: make(chan struct{})}
}

// State returns the current state.
func (l *lifecycle) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Running implements Liveness.
func (l *lifecycle) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state == StateRunning || l.state == StatePaused
}

// Killed implements Liveness.
func (l *lifecycle) Killed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.killed
}

// Changed returns a channel closed on the next transition.
func (l *lifecycle) Changed() <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.changed
}

// transition moves to next if the current state is one of from.
// It returns the previous state and whether the move happened.
func (l *lifecycle) transition(next State, from ...State) (State, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	prev := l.state
	allowed := len(from) == 0
	for _, s := range from {
		if s == prev {
			allowed = true
			break
		}
	}
	if !allowed || prev == next {
		return prev, false
	}
	l.state = next
	if next == StateKilled {
		l.killed = true
	}
	close(l.changed)
	l.changed = make(chan struct{})
	return prev, true
}

// waitWhilePaused blocks while the engine is paused. Every wake re-checks
// the state, so a resume, stop or kill all release the waiter.
func (l *lifecycle) waitWhilePaused(ctx context.Context) error {
	for {
		l.mu.Lock()
		if l.state != StatePaused {
			l.mu.Unlock()
			return nil
		}
		ch := l.changed
		l.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
