package collectz

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/zoobzio/clockz"
)

// fakeStage is a scriptable stage for container and engine tests.
type fakeStage struct {
	process    func(context.Context, *Bundle[*CAS]) error
	reconnect  func() error
	name       Name
	calls      atomic.Int64
	reconnects atomic.Int64
	closes     atomic.Int64
}

func (s *fakeStage) Name() Name { return s.name }

func (s *fakeStage) Process(ctx context.Context, b *Bundle[*CAS]) error {
	s.calls.Add(1)
	if s.process != nil {
		return s.process(ctx, b)
	}
	return nil
}

func (s *fakeStage) Close() error {
	s.closes.Add(1)
	return nil
}

type reconnectingStage struct {
	*fakeStage
}

func (s reconnectingStage) Reconnect(context.Context) error {
	s.reconnects.Add(1)
	if s.reconnect != nil {
		return s.reconnect()
	}
	return nil
}

func TestContainerClassify(t *testing.T) {
	newContainer := func(t *testing.T, policy ErrorPolicy) *Container[*CAS] {
		t.Helper()
		c, err := NewContainer[*CAS]("classify", Shared[*CAS](&fakeStage{name: "classify"}), 1)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		return c.WithPolicy(policy)
	}
	boom := errors.New("boom")

	t.Run("Retries Until Exhausted Then Skips", func(t *testing.T) {
		c := newContainer(t, DefaultErrorPolicy())
		for i := 1; i <= 3; i++ {
			if got := c.Classify(boom); got != OutcomeRetry {
				t.Fatalf("attempt %d: expected retry, got %v", i, got)
			}
		}
		if got := c.Classify(boom); got != OutcomeSkip {
			t.Errorf("expected skip after retries exhausted, got %v", got)
		}
		if got := c.Classify(boom); got != OutcomeRetry {
			t.Errorf("expected the next bundle to start retrying again, got %v", got)
		}
		stats := c.Stats()
		if stats.Errors != 5 || stats.Retries != 5 {
			t.Errorf("expected 5 errors and 5 retries, got %+v", stats)
		}
	})

	t.Run("Success Resets Retries", func(t *testing.T) {
		c := newContainer(t, DefaultErrorPolicy())
		c.Classify(boom)
		c.Classify(boom)
		c.RecordSuccess(true)
		for i := 1; i <= 3; i++ {
			if got := c.Classify(boom); got != OutcomeRetry {
				t.Fatalf("attempt %d: expected retry after reset, got %v", i, got)
			}
		}
	})

	t.Run("Explicit Outcomes Win", func(t *testing.T) {
		c := newContainer(t, DefaultErrorPolicy())
		tests := []struct {
			err  error
			want Outcome
		}{
			{SkipItem(boom), OutcomeSkip},
			{DisableStage(boom), OutcomeDisable},
			{KillWorker(boom), OutcomeKillWorker},
			{AbortEngine(boom), OutcomeAbort},
		}
		for _, tt := range tests {
			if got := c.Classify(tt.err); got != tt.want {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		}
		if c.Stats().Aborted != 1 {
			t.Errorf("expected one abort counted, got %d", c.Stats().Aborted)
		}
	})

	t.Run("Outcomes Survive Wrapping", func(t *testing.T) {
		c := newContainer(t, DefaultErrorPolicy())
		wrapped := &StageError{Stage: "x", Err: SkipItem(boom)}
		if got := c.Classify(wrapped); got != OutcomeSkip {
			t.Errorf("expected skip through StageError, got %v", got)
		}
		if !errors.Is(wrapped, boom) {
			t.Error("expected cause to stay reachable")
		}
	})

	t.Run("Reconnect Escalates After Max Restarts", func(t *testing.T) {
		c := newContainer(t, DefaultErrorPolicy())
		for i := 1; i <= 3; i++ {
			if got := c.Classify(Reconnect(boom)); got != OutcomeReconnect {
				t.Fatalf("restart %d: expected reconnect, got %v", i, got)
			}
		}
		if got := c.Classify(Reconnect(boom)); got != OutcomeDisable {
			t.Errorf("expected disable once restarts exceeded, got %v", got)
		}
		if c.Stats().Restarts != 4 {
			t.Errorf("expected 4 restarts counted, got %d", c.Stats().Restarts)
		}
	})

	t.Run("Error Threshold Aborts", func(t *testing.T) {
		policy := DefaultErrorPolicy()
		policy.MaxErrors = 2
		policy.MaxRetries = 10
		c := newContainer(t, policy)
		c.Classify(boom)
		c.Classify(boom)
		if got := c.Classify(boom); got != OutcomeAbort {
			t.Errorf("expected abort past threshold, got %v", got)
		}
	})

	t.Run("Error Threshold Continue Skips And Restarts Window", func(t *testing.T) {
		policy := DefaultErrorPolicy()
		policy.MaxErrors = 1
		policy.MaxRetries = 10
		policy.ActionOnMaxErrors = ActionContinue
		c := newContainer(t, policy)
		c.Classify(boom)
		if got := c.Classify(boom); got != OutcomeSkip {
			t.Errorf("expected skip past threshold, got %v", got)
		}
		if got := c.Classify(boom); got != OutcomeRetry {
			t.Errorf("expected window restarted, got %v", got)
		}
	})

	t.Run("Sample Window Forgives Old Errors", func(t *testing.T) {
		policy := DefaultErrorPolicy()
		policy.MaxErrors = 1
		policy.SampleSize = 2
		policy.MaxRetries = 10
		c := newContainer(t, policy)
		c.Classify(boom)
		c.RecordSuccess(false)
		if got := c.Classify(boom); got != OutcomeRetry {
			t.Errorf("expected retry in a fresh window, got %v", got)
		}
	})

	t.Run("Reconnect Past Error Threshold Uses Error Action", func(t *testing.T) {
		policy := DefaultErrorPolicy()
		policy.MaxErrors = 1
		policy.ActionOnMaxErrors = ActionKillWorker
		c := newContainer(t, policy)
		c.Classify(boom)
		if got := c.Classify(Reconnect(boom)); got != OutcomeKillWorker {
			t.Errorf("expected kill-worker, got %v", got)
		}
	})
}

func TestContainer(t *testing.T) {
	t.Run("Needs A Factory", func(t *testing.T) {
		if _, err := NewContainer[*CAS]("nil", nil, 1); err == nil {
			t.Error("expected error for nil factory")
		}
	})

	t.Run("Factory Failure Closes Built Instances", func(t *testing.T) {
		var built []*fakeStage
		calls := 0
		_, err := NewContainer[*CAS]("partial", func() (Stage[*CAS], error) {
			calls++
			if calls == 3 {
				return nil, errors.New("no more")
			}
			s := &fakeStage{name: "partial"}
			built = append(built, s)
			return s, nil
		}, 3)
		if err == nil {
			t.Fatal("expected construction error")
		}
		for i, s := range built {
			if s.closes.Load() != 1 {
				t.Errorf("instance %d not closed", i)
			}
		}
	})

	t.Run("Invoke Records Stats", func(t *testing.T) {
		clock := clockz.NewFakeClock()
		stage := &fakeStage{name: "upper", process: func(_ context.Context, b *Bundle[*CAS]) error {
			for _, c := range b.Items() {
				c.Text = strings.ToUpper(c.Text)
				clock.Advance(5 * time.Millisecond)
			}
			return nil
		}}
		c := Contain[*CAS](stage).WithClock(clock)
		b := textBundle("a", "b")
		if err := c.Invoke(context.Background(), b, 0); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		c.RecordSuccess(true)
		if b.Items()[0].Text != "A" {
			t.Errorf("expected stage applied, got %q", b.Items()[0].Text)
		}
		stats := c.Stats()
		if stats.Processed != 1 || stats.TotalTime != 10*time.Millisecond {
			t.Errorf("unexpected stats %+v", stats)
		}
		if stats.BytesIn == 0 || stats.BytesOut == 0 {
			t.Errorf("expected byte counts, got %+v", stats)
		}
		if stats.Status != "ready" || stats.Instances != 1 {
			t.Errorf("unexpected status %+v", stats)
		}
	})

	t.Run("Invoke Wraps Errors", func(t *testing.T) {
		boom := errors.New("boom")
		c := Contain[*CAS](&fakeStage{name: "failing", process: func(context.Context, *Bundle[*CAS]) error { return boom }})
		b := textBundle("a")
		err := c.Invoke(context.Background(), b, 2)
		var se *StageError
		if !errors.As(err, &se) {
			t.Fatalf("expected StageError, got %T", err)
		}
		if se.Stage != "failing" || se.StageIndex != 2 || se.BundleID != b.ID() {
			t.Errorf("unexpected stage error %+v", se)
		}
		if !errors.Is(err, boom) {
			t.Error("expected cause preserved")
		}
	})

	t.Run("Invoke Recovers Panics", func(t *testing.T) {
		c := Contain[*CAS](&fakeStage{name: "panicky", process: func(context.Context, *Bundle[*CAS]) error { panic("bad input") }})
		err := c.Invoke(context.Background(), textBundle("a"), 0)
		var pe *PanicError
		if !errors.As(err, &pe) {
			t.Fatalf("expected PanicError, got %v", err)
		}
		if pe.Stage != "panicky" || pe.Value != "bad input" {
			t.Errorf("unexpected panic error %+v", pe)
		}
		if _, err := c.Checkout(context.Background()); err != nil {
			t.Error("instance must be released after a panic")
		}
	})

	t.Run("Instances Are Never Shared", func(t *testing.T) {
		var mu sync.Mutex
		inUse := map[*fakeStage]bool{}
		var overlap atomic.Bool
		stage := func() (Stage[*CAS], error) {
			s := &fakeStage{name: "exclusive"}
			s.process = func(context.Context, *Bundle[*CAS]) error {
				mu.Lock()
				if inUse[s] {
					overlap.Store(true)
				}
				inUse[s] = true
				mu.Unlock()
				time.Sleep(time.Millisecond)
				mu.Lock()
				inUse[s] = false
				mu.Unlock()
				return nil
			}
			return s, nil
		}
		c, err := NewContainer[*CAS]("exclusive", stage, 2)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		var wg sync.WaitGroup
		for range 6 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for range 5 {
					_ = c.Invoke(context.Background(), textBundle("x"), 0)
				}
			}()
		}
		wg.Wait()
		if overlap.Load() {
			t.Error("an instance was used by two workers at once")
		}
	})

	t.Run("Filter Counts Rejections", func(t *testing.T) {
		c := Contain[*CAS](&fakeStage{name: "filtered"}).WithFilter(func(b *Bundle[*CAS]) bool {
			return b.Items()[0].Text != "skip"
		})
		if !c.Accepts(textBundle("keep")) {
			t.Error("expected bundle accepted")
		}
		if c.Accepts(textBundle("skip")) {
			t.Error("expected bundle rejected")
		}
		if c.Stats().Filtered != 1 {
			t.Errorf("expected 1 filtered, got %d", c.Stats().Filtered)
		}
	})

	t.Run("Format Comes From First Instance", func(t *testing.T) {
		c := Contain(RecordStage[*CAS]("records", func(context.Context, []Record) error { return nil }))
		if c.Format() != FormatRecord {
			t.Errorf("expected record format, got %v", c.Format())
		}
	})

	t.Run("Close Closes Every Instance", func(t *testing.T) {
		var built []*fakeStage
		c, _ := NewContainer[*CAS]("closing", func() (Stage[*CAS], error) {
			s := &fakeStage{name: "closing"}
			built = append(built, s)
			return s, nil
		}, 3)
		if err := c.Close(); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		for i, s := range built {
			if s.closes.Load() != 1 {
				t.Errorf("instance %d not closed", i)
			}
		}
	})
}

func TestContainerReconnect(t *testing.T) {
	t.Run("Exactly One Worker Owns The Pause", func(t *testing.T) {
		c := Contain[*CAS](&fakeStage{name: "paused"})
		var owners atomic.Int32
		var wg sync.WaitGroup
		for range 10 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if c.Pause() {
					owners.Add(1)
				}
			}()
		}
		wg.Wait()
		if owners.Load() != 1 {
			t.Errorf("expected one owner, got %d", owners.Load())
		}
		if !c.Paused() || c.Status() != StatusPaused {
			t.Error("expected container paused")
		}
	})

	t.Run("Waiters Resume Together", func(t *testing.T) {
		c := Contain[*CAS](&fakeStage{name: "waiting"})
		c.Pause()

		var released atomic.Int32
		var wg sync.WaitGroup
		for range 3 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := c.AwaitResume(context.Background()); err == nil {
					released.Add(1)
				}
			}()
		}
		time.Sleep(10 * time.Millisecond)
		if released.Load() != 0 {
			t.Fatal("waiters returned before resume")
		}
		c.Resume()
		wg.Wait()
		if released.Load() != 3 {
			t.Errorf("expected 3 resumed waiters, got %d", released.Load())
		}
		if c.Status() != StatusReady {
			t.Errorf("expected ready after resume, got %v", c.Status())
		}
	})

	t.Run("Disabled Container Cannot Pause", func(t *testing.T) {
		c := Contain[*CAS](&fakeStage{name: "disabled"})
		c.SetStatus(StatusDisabled)
		if c.Pause() {
			t.Error("disabled container must not pause")
		}
		if err := c.AwaitResume(context.Background()); err != nil {
			t.Errorf("await on a running container should return at once: %v", err)
		}
	})

	t.Run("Reconnects Every Instance", func(t *testing.T) {
		var built []reconnectingStage
		c, _ := NewContainer[*CAS]("remote", func() (Stage[*CAS], error) {
			s := reconnectingStage{&fakeStage{name: "remote"}}
			built = append(built, s)
			return s, nil
		}, 3)
		if err := c.Reconnect(context.Background()); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		for i, s := range built {
			if s.reconnects.Load() != 1 {
				t.Errorf("instance %d reconnected %d times", i, s.reconnects.Load())
			}
		}
		if c.Instances() != 3 {
			t.Errorf("expected 3 instances, got %d", c.Instances())
		}
	})

	t.Run("Reconnect Retries With Backoff", func(t *testing.T) {
		clock := clockz.NewFakeClock()
		var attempts atomic.Int32
		stage := reconnectingStage{&fakeStage{name: "flaky", reconnect: func() error {
			if attempts.Add(1) == 1 {
				return errors.New("still down")
			}
			return nil
		}}}
		policy := DefaultErrorPolicy()
		policy.ReconnectBackoff = 100 * time.Millisecond
		c := Contain[*CAS](stage).WithClock(clock).WithPolicy(policy)

		done := make(chan error, 1)
		go func() { done <- c.Reconnect(context.Background()) }()

		time.Sleep(10 * time.Millisecond)
		clock.Advance(100 * time.Millisecond)
		clock.BlockUntilReady()

		select {
		case err := <-done:
			if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		case <-time.After(time.Second):
			t.Fatal("reconnect did not finish after backoff")
		}
		if attempts.Load() != 2 {
			t.Errorf("expected 2 attempts, got %d", attempts.Load())
		}
	})

	t.Run("Plain Stages Are Rebuilt", func(t *testing.T) {
		var built []*fakeStage
		c, _ := NewContainer[*CAS]("rebuilt", func() (Stage[*CAS], error) {
			s := &fakeStage{name: "rebuilt"}
			built = append(built, s)
			return s, nil
		}, 2)
		if err := c.Reconnect(context.Background()); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(built) != 4 {
			t.Fatalf("expected 2 rebuilt instances, built %d total", len(built))
		}
		if built[0].closes.Load() != 1 || built[1].closes.Load() != 1 {
			t.Error("replaced instances must be closed")
		}
		if v := c.Metrics().Counter(StageReconnectsTotal).Value(); v != 1 {
			t.Errorf("expected 1 reconnect, got %v", v)
		}
	})

	t.Run("Reconnect Waits For In Flight Work", func(t *testing.T) {
		release := make(chan struct{})
		stage := reconnectingStage{&fakeStage{name: "busy"}}
		stage.process = func(context.Context, *Bundle[*CAS]) error {
			<-release
			return nil
		}
		c := Contain[*CAS](stage)

		go func() { _ = c.Invoke(context.Background(), textBundle("a"), 0) }()
		time.Sleep(10 * time.Millisecond)

		done := make(chan error, 1)
		go func() { done <- c.Reconnect(context.Background()) }()

		select {
		case <-done:
			t.Fatal("reconnect must wait for the busy instance")
		case <-time.After(20 * time.Millisecond):
		}
		close(release)
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		case <-time.After(time.Second):
			t.Fatal("reconnect never acquired the instance")
		}
	})
}

func TestErrorPolicy(t *testing.T) {
	t.Run("Parse Action", func(t *testing.T) {
		tests := map[string]Action{
			"terminate":   ActionTerminate,
			"Abort":       ActionTerminate,
			"disable":     ActionDisable,
			"":            ActionContinue,
			"skip":        ActionContinue,
			" kill-worker": ActionKillWorker,
		}
		for in, want := range tests {
			got, err := ParseAction(in)
			if err != nil || got != want {
				t.Errorf("%q: expected %v, got %v (%v)", in, want, got, err)
			}
		}
		if _, err := ParseAction("explode"); err == nil {
			t.Error("expected error for unknown action")
		}
	})

	t.Run("Text Round Trip", func(t *testing.T) {
		var a Action
		if err := a.UnmarshalText([]byte("disable")); err != nil || a != ActionDisable {
			t.Errorf("unexpected unmarshal %v %v", a, err)
		}
		text, _ := ActionKillWorker.MarshalText()
		if string(text) != "kill-worker" {
			t.Errorf("unexpected text %q", text)
		}
	})

	t.Run("Normalized Clamps Negatives", func(t *testing.T) {
		p := ErrorPolicy{MaxRetries: -1, MaxRestarts: -2, MaxErrors: -3, SampleSize: -4}.normalized()
		if p.MaxRetries != 0 || p.MaxRestarts != 0 || p.MaxErrors != 0 || p.SampleSize != 0 {
			t.Errorf("expected zeroes, got %+v", p)
		}
		if p.ReconnectBackoff <= 0 {
			t.Error("expected default backoff")
		}
	})
}

func TestStages(t *testing.T) {
	t.Run("Item Stage Reports Failing Position", func(t *testing.T) {
		stage := ItemStage[*CAS]("picky", func(_ context.Context, c *CAS) error {
			if c.Text == "bad" {
				return errors.New("rejected")
			}
			return nil
		})
		err := stage.Process(context.Background(), textBundle("ok", "bad"))
		if err == nil || !strings.Contains(err.Error(), "item 1") {
			t.Errorf("expected failure at item 1, got %v", err)
		}
	})

	t.Run("Record Round Trip Through Bundle", func(t *testing.T) {
		conv, ok := defaultConverter[*CAS]()
		if !ok {
			t.Fatal("CAS must have a default converter")
		}
		b := textBundle("hello")
		b.Items()[0].Set("lang", "en")
		b.Items()[0].SetChunk(ChunkMetadata{DocumentID: "hello", Sequence: 1, Last: true})

		if err := toRecords(conv)(b); err != nil {
			t.Fatalf("to records: %v", err)
		}
		if b.Format() != FormatRecord || len(b.Records()) != 1 {
			t.Fatalf("expected record format, got %v", b.Format())
		}
		b.Records()[0].Text = "HELLO"
		b.Records()[0].Fields["upper"] = true

		if err := toObjects(conv)(b); err != nil {
			t.Fatalf("to objects: %v", err)
		}
		item := b.Items()[0]
		if item.Text != "HELLO" || item.Features["lang"] != "en" || item.Features["upper"] != true {
			t.Errorf("record changes lost: %+v", item)
		}
		if meta, ok := item.Chunk(); !ok || meta.Sequence != 1 {
			t.Error("chunk metadata lost in conversion")
		}
		if b.Records() != nil {
			t.Error("records must be dropped after converting back")
		}
	})

	t.Run("Record Stage Without Converter Fails Planning", func(t *testing.T) {
		c := Contain(RecordStage[*CAS]("records", func(context.Context, []Record) error { return nil }))
		if _, err := planFormats([]*Container[*CAS]{c}, nil); !errors.Is(err, ErrNoConverter) {
			t.Errorf("expected ErrNoConverter, got %v", err)
		}
	})
}
