package collectz

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/kelseyhightower/envconfig"
)

// EnvPrefix prefixes every environment override, e.g. COLLECTZ_ENGINE_FETCH_SIZE.
const EnvPrefix = "COLLECTZ"

// Config describes a complete engine run. It is loaded from YAML and then
// overridden from the environment.
//
//	name: ingest
//	engine:
//	  workers: 4
//	  fetch_size: 2
//	  sequenced: true
//	source:
//	  kind: lines
//	  params: {path: input.txt, chunk_lines: "10"}
//	stages:
//	  - name: tokenize
//	    kind: tokenize
//	    instances: 4
//	consumers:
//	  - name: out
//	    kind: jsonl
//	    params: {path: out.jsonl}
type Config struct {
	Name       string           `yaml:"name" split_words:"true"`
	Source     SourceConfig     `yaml:"source" ignored:"true"`
	Stages     []StageConfig    `yaml:"stages" ignored:"true"`
	Consumers  []StageConfig    `yaml:"consumers" ignored:"true"`
	Log        LogConfig        `yaml:"log"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	Engine     EngineConfig     `yaml:"engine"`
}

// EngineConfig holds the engine tuning knobs.
type EngineConfig struct {
	MaxWait          time.Duration `yaml:"max_wait" split_words:"true"`
	PollInterval     time.Duration `yaml:"poll_interval" split_words:"true"`
	SeriesTimeout    time.Duration `yaml:"series_timeout" split_words:"true"`
	TimedOutLifespan time.Duration `yaml:"timed_out_lifespan" split_words:"true"`
	MaxItems         int64         `yaml:"max_items" split_words:"true"`
	Workers          int           `yaml:"workers" split_words:"true"`
	FetchSize        int           `yaml:"fetch_size" split_words:"true"`
	InputQueue       int           `yaml:"input_queue" split_words:"true"`
	OutputQueue      int           `yaml:"output_queue" split_words:"true"`
	PoolSize         int           `yaml:"pool_size" split_words:"true"`
	DropOnException  bool          `yaml:"drop_on_exception" split_words:"true"`
	Sequenced        bool          `yaml:"sequenced" split_words:"true"`
	SingleThreaded   bool          `yaml:"single_threaded" split_words:"true"`
}

// CheckpointConfig enables file checkpoints when Path is set.
type CheckpointConfig struct {
	Path     string        `yaml:"path" split_words:"true"`
	Interval time.Duration `yaml:"interval" split_words:"true"`
}

// SourceConfig names the source kind and its parameters.
type SourceConfig struct {
	Params map[string]string `yaml:"params"`
	Kind   string            `yaml:"kind"`
}

// StageConfig declares one stage or consumer.
type StageConfig struct {
	Params    map[string]string `yaml:"params"`
	Policy    *ErrorPolicy      `yaml:"policy"`
	Name      Name              `yaml:"name"`
	Kind      string            `yaml:"kind"`
	Instances int               `yaml:"instances"`
}

// Param returns a stage parameter or def when it is unset.
func (s StageConfig) Param(key, def string) string {
	if v, ok := s.Params[key]; ok && v != "" {
		return v
	}
	return def
}

// Param returns a source parameter or def when it is unset.
func (s SourceConfig) Param(key, def string) string {
	if v, ok := s.Params[key]; ok && v != "" {
		return v
	}
	return def
}

// DefaultConfig returns a config with every engine default filled in.
func DefaultConfig() Config {
	return Config{
		Name: "collectz",
		Log:  DefaultLogConfig(),
		Checkpoint: CheckpointConfig{
			Interval: DefaultCheckpointEvery,
		},
		Engine: EngineConfig{
			Workers:          DefaultWorkers,
			FetchSize:        DefaultFetchSize,
			InputQueue:       DefaultQueueSize,
			OutputQueue:      DefaultQueueSize,
			MaxItems:         Unbounded,
			MaxWait:          DefaultMaxWait,
			PollInterval:     DefaultPollInterval,
			SeriesTimeout:    DefaultSeriesTimeout,
			TimedOutLifespan: DefaultTimedOutLifespan,
		},
	}
}

// LoadConfig applies defaults, then the YAML file at path (if any), then
// environment overrides, and validates the result.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return Config{}, fmt.Errorf("environment overrides: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every problem in the config at once.
func (c Config) Validate() error {
	var errs []error
	e := c.Engine
	if e.Workers < 1 {
		errs = append(errs, fmt.Errorf("engine.workers must be at least 1, got %d", e.Workers))
	}
	if e.FetchSize < 1 {
		errs = append(errs, fmt.Errorf("engine.fetch_size must be at least 1, got %d", e.FetchSize))
	}
	if e.InputQueue < 1 {
		errs = append(errs, fmt.Errorf("engine.input_queue must be at least 1, got %d", e.InputQueue))
	}
	if e.OutputQueue < 1 {
		errs = append(errs, fmt.Errorf("engine.output_queue must be at least 1, got %d", e.OutputQueue))
	}
	if e.PoolSize < 0 {
		errs = append(errs, fmt.Errorf("engine.pool_size must not be negative, got %d", e.PoolSize))
	}
	if e.PoolSize > 0 && e.PoolSize < e.FetchSize {
		errs = append(errs, fmt.Errorf("engine.pool_size %d is smaller than fetch_size %d", e.PoolSize, e.FetchSize))
	}
	if e.PoolSize > MaxPoolSize {
		errs = append(errs, fmt.Errorf("engine.pool_size %d exceeds %d", e.PoolSize, MaxPoolSize))
	}
	if e.Sequenced && e.SeriesTimeout <= 0 {
		errs = append(errs, errors.New("engine.series_timeout must be positive for sequenced output"))
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}

	seen := make(map[string]bool)
	check := func(section string, list []StageConfig) {
		for i, s := range list {
			if s.Name == "" {
				errs = append(errs, fmt.Errorf("%s[%d]: name is required", section, i))
				continue
			}
			if s.Kind == "" {
				errs = append(errs, fmt.Errorf("%s[%d] %q: kind is required", section, i, s.Name))
			}
			key := strings.ToLower(s.Name)
			if seen[key] {
				errs = append(errs, fmt.Errorf("%s[%d]: duplicate stage name %q", section, i, s.Name))
			}
			seen[key] = true
		}
	}
	check("stages", c.Stages)
	check("consumers", c.Consumers)
	return errors.Join(errs...)
}

// Options converts the config into engine options.
func (c Config) Options() []Option {
	e := c.Engine
	opts := []Option{
		WithWorkers(e.Workers),
		WithFetchSize(e.FetchSize),
		WithQueueSizes(e.InputQueue, e.OutputQueue),
		WithMaxItems(e.MaxItems),
		WithMaxWait(e.MaxWait),
		WithPollInterval(e.PollInterval),
		WithTimedOutLifespan(e.TimedOutLifespan),
		WithDropOnException(e.DropOnException),
		WithSingleThreaded(e.SingleThreaded),
	}
	if e.PoolSize > 0 {
		opts = append(opts, WithPoolSize(e.PoolSize))
	}
	if e.Sequenced {
		opts = append(opts, WithSequencedOutput(e.SeriesTimeout))
	}
	if c.Checkpoint.Path != "" {
		opts = append(opts, WithCheckpointer(NewFileCheckpointer(c.Checkpoint.Path), c.Checkpoint.Interval))
	}
	return opts
}
