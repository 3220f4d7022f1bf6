package collectz

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

const sampleConfig = `
name: ingest
engine:
  workers: 3
  fetch_size: 2
  input_queue: 4
  sequenced: true
  series_timeout: 2s
log:
  level: debug
source:
  kind: lines
  params:
    path: input.txt
stages:
  - name: tokenize
    kind: tokenize
    instances: 2
    policy:
      max_retries: 1
      action_on_max_errors: disable
consumers:
  - name: out
    kind: jsonl
    params:
      path: out.jsonl
`

func TestLoadConfig(t *testing.T) {
	t.Run("Defaults Without A File", func(t *testing.T) {
		cfg, err := LoadConfig("")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if cfg.Engine.Workers != DefaultWorkers || cfg.Engine.MaxItems != Unbounded {
			t.Errorf("unexpected defaults %+v", cfg.Engine)
		}
		if cfg.Log.Level != "info" {
			t.Errorf("expected info logging, got %q", cfg.Log.Level)
		}
	})

	t.Run("Reads YAML", func(t *testing.T) {
		cfg, err := LoadConfig(writeFile(t, "collectz.yaml", sampleConfig))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if cfg.Name != "ingest" || cfg.Engine.Workers != 3 || cfg.Engine.FetchSize != 2 {
			t.Errorf("unexpected engine config %+v", cfg.Engine)
		}
		if cfg.Engine.SeriesTimeout != 2*time.Second || !cfg.Engine.Sequenced {
			t.Errorf("expected sequenced output with 2s timeout, got %+v", cfg.Engine)
		}
		if cfg.Engine.OutputQueue != DefaultQueueSize {
			t.Errorf("unset keys must keep defaults, got %d", cfg.Engine.OutputQueue)
		}
		if cfg.Source.Param("path", "") != "input.txt" || cfg.Source.Param("missing", "x") != "x" {
			t.Errorf("unexpected source params %+v", cfg.Source)
		}
		if len(cfg.Stages) != 1 || cfg.Stages[0].Instances != 2 {
			t.Fatalf("unexpected stages %+v", cfg.Stages)
		}
		policy := cfg.Stages[0].Policy
		if policy == nil || policy.MaxRetries != 1 || policy.ActionOnMaxErrors != ActionDisable {
			t.Errorf("unexpected stage policy %+v", policy)
		}
		if cfg.Consumers[0].Param("path", "") != "out.jsonl" {
			t.Errorf("unexpected consumer %+v", cfg.Consumers[0])
		}
	})

	t.Run("Environment Overrides YAML", func(t *testing.T) {
		t.Setenv("COLLECTZ_ENGINE_WORKERS", "7")
		t.Setenv("COLLECTZ_ENGINE_DROP_ON_EXCEPTION", "true")
		t.Setenv("COLLECTZ_ENGINE_MAX_WAIT", "250ms")
		t.Setenv("COLLECTZ_LOG_LEVEL", "warn")
		t.Setenv("COLLECTZ_CHECKPOINT_PATH", "/tmp/collectz.ckpt")

		cfg, err := LoadConfig(writeFile(t, "collectz.yaml", sampleConfig))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if cfg.Engine.Workers != 7 || !cfg.Engine.DropOnException || cfg.Engine.MaxWait != 250*time.Millisecond {
			t.Errorf("environment not applied: %+v", cfg.Engine)
		}
		if cfg.Log.Level != "warn" || cfg.Checkpoint.Path != "/tmp/collectz.ckpt" {
			t.Errorf("nested overrides not applied: %+v %+v", cfg.Log, cfg.Checkpoint)
		}
		if cfg.Engine.FetchSize != 2 {
			t.Errorf("yaml value lost, got %d", cfg.Engine.FetchSize)
		}
	})

	t.Run("Bad Environment Value", func(t *testing.T) {
		t.Setenv("COLLECTZ_ENGINE_WORKERS", "many")
		if _, err := LoadConfig(""); err == nil {
			t.Error("expected error for non-numeric workers")
		}
	})

	t.Run("Missing File", func(t *testing.T) {
		if _, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
			t.Error("expected error for missing file")
		}
	})

	t.Run("Malformed YAML", func(t *testing.T) {
		if _, err := LoadConfig(writeFile(t, "bad.yaml", "engine: [workers")); err == nil {
			t.Error("expected parse error")
		}
	})
}

func TestConfigValidate(t *testing.T) {
	t.Run("Reports Every Problem", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Engine.Workers = 0
		cfg.Engine.FetchSize = 5
		cfg.Engine.PoolSize = 2
		cfg.Log.Level = "loud"
		cfg.Stages = []StageConfig{
			{Name: "a", Kind: "tokenize"},
			{Name: "A", Kind: "uppercase"},
			{Kind: "tokenize"},
		}
		cfg.Consumers = []StageConfig{{Name: "out"}}

		err := cfg.Validate()
		if err == nil {
			t.Fatal("expected validation errors")
		}
		for _, want := range []string{
			"engine.workers",
			"pool_size 2 is smaller than fetch_size 5",
			"log.level",
			`duplicate stage name "A"`,
			"stages[2]: name is required",
			`consumers[0] "out": kind is required`,
		} {
			if !strings.Contains(err.Error(), want) {
				t.Errorf("expected %q in %v", want, err)
			}
		}
	})

	t.Run("Pool Ceiling", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Engine.PoolSize = MaxPoolSize + 1
		if err := cfg.Validate(); err == nil {
			t.Error("expected error above the pool ceiling")
		}
	})

	t.Run("Defaults Are Valid", func(t *testing.T) {
		if err := DefaultConfig().Validate(); err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	})

	t.Run("Options Reflect Config", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Engine.Workers = 3
		cfg.Engine.PoolSize = 9
		cfg.Engine.Sequenced = true
		cfg.Engine.SeriesTimeout = time.Second
		cfg.Checkpoint.Path = filepath.Join(t.TempDir(), "run.ckpt")

		s := defaultSettings()
		for _, opt := range cfg.Options() {
			opt(&s)
		}
		if s.workers != 3 || s.poolSize != 9 || !s.sequenced || s.seriesTimeout != time.Second {
			t.Errorf("unexpected settings %+v", s)
		}
		fc, ok := s.checkpointer.(*FileCheckpointer)
		if !ok || fc.Path() != cfg.Checkpoint.Path {
			t.Errorf("expected file checkpointer at %s", cfg.Checkpoint.Path)
		}
	})
}

func TestRegistry(t *testing.T) {
	passthrough := func(cfg StageConfig) (StageFactory[*CAS], error) {
		return func() (Stage[*CAS], error) {
			return &fakeStage{name: cfg.Name}, nil
		}, nil
	}

	t.Run("Kinds Are Case Insensitive And Unique", func(t *testing.T) {
		r := NewRegistry[*CAS]()
		if err := r.Register("Tokenize", passthrough); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if err := r.Register("tokenize", passthrough); err == nil {
			t.Error("expected duplicate registration to fail")
		}
		if err := r.Register("nil", nil); err == nil {
			t.Error("expected nil builder to fail")
		}
		r.MustRegister("alpha", passthrough)
		if kinds := r.Kinds(); strings.Join(kinds, ",") != "alpha,tokenize" {
			t.Errorf("unexpected kinds %v", kinds)
		}
	})

	t.Run("Must Register Panics On Duplicate", func(t *testing.T) {
		defer func() {
			if recover() == nil {
				t.Error("expected panic")
			}
		}()
		NewRegistry[*CAS]().MustRegister("x", passthrough).MustRegister("X", passthrough)
	})

	t.Run("Builds Containers With Policy", func(t *testing.T) {
		r := NewRegistry[*CAS]().MustRegister("tokenize", passthrough)
		policy := DefaultErrorPolicy()
		policy.MaxRetries = 9
		c, err := r.Container(StageConfig{Name: "tok", Kind: "TOKENIZE", Instances: 3, Policy: &policy})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if c.Name() != "tok" || c.Instances() != 3 || c.Policy().MaxRetries != 9 {
			t.Errorf("unexpected container %s instances=%d policy=%+v", c.Name(), c.Instances(), c.Policy())
		}
	})

	t.Run("Unknown Kind", func(t *testing.T) {
		_, err := NewRegistry[*CAS]().Container(StageConfig{Name: "x", Kind: "missing"})
		if !errors.Is(err, ErrUnknownKind) {
			t.Errorf("expected ErrUnknownKind, got %v", err)
		}
	})

	t.Run("Build Closes On Failure", func(t *testing.T) {
		var built []*fakeStage
		r := NewRegistry[*CAS]().MustRegister("tracked", func(cfg StageConfig) (StageFactory[*CAS], error) {
			return func() (Stage[*CAS], error) {
				s := &fakeStage{name: cfg.Name}
				built = append(built, s)
				return s, nil
			}, nil
		})
		cfg := DefaultConfig()
		cfg.Stages = []StageConfig{{Name: "one", Kind: "tracked"}}
		cfg.Consumers = []StageConfig{{Name: "two", Kind: "unknown"}}

		if _, _, err := r.Build(cfg); !errors.Is(err, ErrUnknownKind) {
			t.Fatalf("expected ErrUnknownKind, got %v", err)
		}
		if len(built) != 1 || built[0].closes.Load() != 1 {
			t.Error("expected the built stage to be closed")
		}
	})

	t.Run("Build Resolves Both Sections", func(t *testing.T) {
		r := NewRegistry[*CAS]().MustRegister("tokenize", passthrough).MustRegister("jsonl", passthrough)
		cfg, err := LoadConfig(writeFile(t, "collectz.yaml", sampleConfig))
		if err != nil {
			t.Fatalf("load: %v", err)
		}
		stages, consumers, err := r.Build(cfg)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(stages) != 1 || len(consumers) != 1 || consumers[0].Name() != "out" {
			t.Errorf("unexpected build %d stages %d consumers", len(stages), len(consumers))
		}
	})
}

func TestFileCheckpointer(t *testing.T) {
	ctx := context.Background()

	t.Run("Load Without File", func(t *testing.T) {
		cp := NewFileCheckpointer(filepath.Join(t.TempDir(), "none.ckpt"))
		_, found, err := cp.Load(ctx)
		if err != nil || found {
			t.Errorf("expected no checkpoint, got found=%v err=%v", found, err)
		}
	})

	t.Run("Save Then Load", func(t *testing.T) {
		dir := t.TempDir()
		cp := NewFileCheckpointer(filepath.Join(dir, "run.ckpt"))
		want := Checkpoint{
			Timestamp:    time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
			RunID:        "run-1",
			LastDocument: "doc-9",
			Produced:     42,
			Completed:    40,
			Failed:       2,
		}
		if err := cp.Save(ctx, want); err != nil {
			t.Fatalf("save: %v", err)
		}
		got, found, err := cp.Load(ctx)
		if err != nil || !found {
			t.Fatalf("load: found=%v err=%v", found, err)
		}
		if got.RunID != want.RunID || got.Produced != 42 || got.LastDocument != "doc-9" || !got.Timestamp.Equal(want.Timestamp) {
			t.Errorf("expected %+v, got %+v", want, got)
		}
		entries, _ := os.ReadDir(dir)
		if len(entries) != 1 {
			t.Errorf("expected no temporary files left, found %d entries", len(entries))
		}
	})

	t.Run("Corrupt File", func(t *testing.T) {
		cp := NewFileCheckpointer(writeFile(t, "bad.ckpt", "produced: [oops"))
		if _, _, err := cp.Load(ctx); err == nil {
			t.Error("expected decode error")
		}
	})

	t.Run("Engine Resumes From Checkpoint", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "engine.ckpt")
		first := newMemSource(10)
		e, _ := NewEngine("resume", first, NewCASFactory(),
			WithMaxItems(4), WithCheckpointer(NewFileCheckpointer(path), time.Hour))
		if err := e.Run(ctx); err != nil {
			t.Fatalf("first run: %v", err)
		}

		second := newMemSource(10)
		rec := &recorder{}
		e2, _ := NewEngine("resume", second, NewCASFactory(),
			WithCheckpointer(NewFileCheckpointer(path), time.Hour))
		e2.AddListener(rec)
		if err := e2.Run(ctx); err != nil {
			t.Fatalf("second run: %v", err)
		}
		if len(second.seeks) != 1 || second.seeks[0].Produced != 4 || second.seeks[0].RunID != e.RunID() {
			t.Fatalf("expected a seek to the first run, got %+v", second.seeks)
		}
		if ok, _, _ := rec.counts(); ok != 6 {
			t.Errorf("expected the remaining 6 items, got %d", ok)
		}

		saved, _, _ := NewFileCheckpointer(path).Load(ctx)
		if saved.Produced != 10 || saved.RunID != e2.RunID() {
			t.Errorf("expected the final checkpoint at 10, got %+v", saved)
		}
	})
}
