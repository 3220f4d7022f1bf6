package collectz

import (
	"fmt"
	"strings"
	"time"
)

// Action is what a container does once an error threshold is crossed.
type Action int

const (
	// ActionTerminate aborts the engine.
	ActionTerminate Action = iota
	// ActionDisable disables the stage and lets bundles bypass it.
	ActionDisable
	// ActionContinue resets the threshold window and skips the bundle.
	ActionContinue
	// ActionKillWorker terminates the worker that crossed the threshold.
	ActionKillWorker
)

func (a Action) String() string {
	switch a {
	case ActionTerminate:
		return "terminate"
	case ActionDisable:
		return "disable"
	case ActionContinue:
		return "continue"
	case ActionKillWorker:
		return "kill-worker"
	default:
		return "unknown"
	}
}

// ParseAction parses the textual form of an Action.
func ParseAction(s string) (Action, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "terminate", "abort":
		return ActionTerminate, nil
	case "disable":
		return ActionDisable, nil
	case "continue", "skip", "":
		return ActionContinue, nil
	case "kill-worker", "kill-pipeline", "kill":
		return ActionKillWorker, nil
	default:
		return ActionContinue, fmt.Errorf("unknown action %q", s)
	}
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Action) UnmarshalText(text []byte) error {
	v, err := ParseAction(string(text))
	if err != nil {
		return err
	}
	*a = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (a Action) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

func (a Action) outcome() Outcome {
	switch a {
	case ActionTerminate:
		return OutcomeAbort
	case ActionDisable:
		return OutcomeDisable
	case ActionKillWorker:
		return OutcomeKillWorker
	default:
		return OutcomeSkip
	}
}

// ErrorPolicy configures how a container escalates stage failures.
//
// MaxErrors errors within SampleSize processed bundles trip
// ActionOnMaxErrors; a zero MaxErrors disables the threshold. Each bundle is
// retried at most MaxRetries times before it is skipped. Reconnect failures
// count restarts; more than MaxRestarts trips ActionOnMaxRestarts.
type ErrorPolicy struct {
	ReconnectBackoff    time.Duration `yaml:"reconnect_backoff"`
	MaxRetries          int           `yaml:"max_retries"`
	MaxErrors           int           `yaml:"max_errors"`
	SampleSize          int           `yaml:"sample_size"`
	MaxRestarts         int           `yaml:"max_restarts"`
	ActionOnMaxErrors   Action        `yaml:"action_on_max_errors"`
	ActionOnMaxRestarts Action        `yaml:"action_on_max_restarts"`
}

// DefaultErrorPolicy returns the policy used when none is configured.
func DefaultErrorPolicy() ErrorPolicy {
	return ErrorPolicy{
		MaxRetries:          3,
		MaxRestarts:         3,
		ReconnectBackoff:    100 * time.Millisecond,
		ActionOnMaxErrors:   ActionTerminate,
		ActionOnMaxRestarts: ActionDisable,
	}
}

func (p ErrorPolicy) normalized() ErrorPolicy {
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.MaxRestarts < 0 {
		p.MaxRestarts = 0
	}
	if p.MaxErrors < 0 {
		p.MaxErrors = 0
	}
	if p.SampleSize < 0 {
		p.SampleSize = 0
	}
	if p.ReconnectBackoff <= 0 {
		p.ReconnectBackoff = 100 * time.Millisecond
	}
	return p
}
