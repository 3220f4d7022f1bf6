package collectz

import (
	"time"

	"github.com/zoobzio/clockz"
	"go.uber.org/zap"
)

// Engine defaults.
const (
	DefaultWorkers         = 1
	DefaultFetchSize       = 1
	DefaultQueueSize       = 10
	DefaultMaxWait         = 500 * time.Millisecond
	DefaultCheckpointEvery = 30 * time.Second
	// Unbounded is the MaxItems value for sources read until exhausted.
	Unbounded int64 = -1
)

type settings struct {
	clock              clockz.Clock
	logger             *zap.Logger
	checkpointer       Checkpointer
	workers            int
	fetchSize          int
	inputQueue         int
	outputQueue        int
	poolSize           int
	maxItems           int64
	maxWait            time.Duration
	pollInterval       time.Duration
	seriesTimeout      time.Duration
	timedOutLifespan   time.Duration
	checkpointInterval time.Duration
	dropOnException    bool
	sequenced          bool
	singleThreaded     bool
}

func defaultSettings() settings {
	return settings{
		workers:            DefaultWorkers,
		fetchSize:          DefaultFetchSize,
		inputQueue:         DefaultQueueSize,
		outputQueue:        DefaultQueueSize,
		maxItems:           Unbounded,
		maxWait:            DefaultMaxWait,
		pollInterval:       DefaultPollInterval,
		seriesTimeout:      DefaultSeriesTimeout,
		timedOutLifespan:   DefaultTimedOutLifespan,
		checkpointInterval: DefaultCheckpointEvery,
		logger:             zap.NewNop(),
	}
}

// Option configures an Engine.
type Option func(*settings)

// WithWorkers sets the number of parallel pipeline workers.
func WithWorkers(n int) Option {
	return func(s *settings) {
		if n > 0 {
			s.workers = n
		}
	}
}

// WithFetchSize sets how many items each bundle holds.
func WithFetchSize(n int) Option {
	return func(s *settings) {
		if n > 0 {
			s.fetchSize = n
		}
	}
}

// WithQueueSizes sets the input and output queue capacities.
func WithQueueSizes(input, output int) Option {
	return func(s *settings) {
		if input > 0 {
			s.inputQueue = input
		}
		if output > 0 {
			s.outputQueue = output
		}
	}
}

// WithPoolSize fixes the pool capacity instead of deriving it.
func WithPoolSize(n int) Option {
	return func(s *settings) {
		if n > 0 {
			s.poolSize = n
		}
	}
}

// WithMaxItems bounds the number of items read from the source.
// Unbounded reads until the source is exhausted; 0 reads nothing.
func WithMaxItems(n int64) Option {
	return func(s *settings) {
		if n < 0 {
			n = Unbounded
		}
		s.maxItems = n
	}
}

// WithMaxWait sets how long a worker waits on its queue per attempt.
func WithMaxWait(d time.Duration) Option {
	return func(s *settings) {
		if d > 0 {
			s.maxWait = d
		}
	}
}

// WithPollInterval sets the bounded wait slice used by queues.
func WithPollInterval(d time.Duration) Option {
	return func(s *settings) {
		if d > 0 {
			s.pollInterval = d
		}
	}
}

// WithDropOnException releases a failed bundle immediately instead of
// retrying it.
func WithDropOnException(drop bool) Option {
	return func(s *settings) {
		s.dropOnException = drop
	}
}

// WithSequencedOutput makes the output queue deliver chunk series in order.
func WithSequencedOutput(timeout time.Duration) Option {
	return func(s *settings) {
		s.sequenced = true
		if timeout > 0 {
			s.seriesTimeout = timeout
		}
	}
}

// WithTimedOutLifespan sets how long a timed-out document is remembered.
func WithTimedOutLifespan(d time.Duration) Option {
	return func(s *settings) {
		if d > 0 {
			s.timedOutLifespan = d
		}
	}
}

// WithSingleThreaded runs the whole pipeline in one synchronous loop.
func WithSingleThreaded(single bool) Option {
	return func(s *settings) {
		s.singleThreaded = single
	}
}

// WithCheckpointer enables checkpoint load at start and periodic snapshots.
func WithCheckpointer(cp Checkpointer, every time.Duration) Option {
	return func(s *settings) {
		s.checkpointer = cp
		if every > 0 {
			s.checkpointInterval = every
		}
	}
}

// WithClock sets a custom clock for testing.
func WithClock(clock clockz.Clock) Option {
	return func(s *settings) {
		s.clock = clock
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *settings) {
		if logger != nil {
			s.logger = logger
		}
	}
}
