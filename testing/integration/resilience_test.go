package integration

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zoobzio/collectz"
	ctest "github.com/zoobzio/collectz/testing"
)

func TestResilience(t *testing.T) {
	t.Run("Chaos Under Drop On Exception Settles Every Item", func(t *testing.T) {
		inner := ctest.NewMockStage[*collectz.CAS](t, "inner")
		chaos := ctest.NewChaosStage[*collectz.CAS](inner, ctest.ChaosConfig{
			FailureRate: 0.2,
			PanicRate:   0.1,
			Seed:        7,
		})
		listener := ctest.NewRecordingListener[*collectz.CAS]()
		engine, err := collectz.NewEngine("chaos", ctest.NewSliceSource(texts(200)...), collectz.NewCASFactory(),
			collectz.WithWorkers(4), collectz.WithDropOnException(true))
		require.NoError(t, err)
		engine.AddStages(collectz.Contain[*collectz.CAS](chaos)).AddListener(listener)

		require.NoError(t, engine.Run(context.Background()))

		stats := chaos.Stats()
		assert.Equal(t, int64(200), stats.TotalCalls, "dropped bundles are never retried")
		assert.Positive(t, stats.Faults())
		assert.Len(t, listener.Events(), 200, "one final event per item")
		assert.Len(t, listener.Failures(), int(stats.Faults()))
		assert.Len(t, listener.FailuresMatching(ctest.ErrChaos), int(stats.FailedCalls))
		assert.Equal(t, int(stats.TotalCalls-stats.Faults()), inner.CallCount())
		ctest.AssertPoolDrained(t, engine.Pool())
	})

	t.Run("Transient Failures Are Retried", func(t *testing.T) {
		transient := errors.New("transient")
		flaky := ctest.NewMockStage[*collectz.CAS](t, "flaky").WithErrors(transient, transient)
		listener := ctest.NewRecordingListener[*collectz.CAS]()
		engine, err := collectz.NewEngine("retry", ctest.NewSliceSource("only"), collectz.NewCASFactory())
		require.NoError(t, err)
		engine.AddStages(collectz.Contain[*collectz.CAS](flaky)).AddListener(listener)

		require.NoError(t, engine.Run(context.Background()))
		ctest.AssertProcessed(t, flaky, 3)
		assert.Len(t, listener.Successes(), 1)
	})

	t.Run("Exhausted Retries Skip The Bundle", func(t *testing.T) {
		broken := errors.New("broken")
		stage := ctest.NewMockStage[*collectz.CAS](t, "broken").WithErrors(broken, broken, broken, broken)
		listener := ctest.NewRecordingListener[*collectz.CAS]()
		engine, err := collectz.NewEngine("exhausted", ctest.NewSliceSource("one", "two"), collectz.NewCASFactory())
		require.NoError(t, err)
		engine.AddStages(collectz.Contain[*collectz.CAS](stage)).AddListener(listener)

		require.NoError(t, engine.Run(context.Background()))
		ctest.AssertProcessed(t, stage, 5)
		assert.Len(t, listener.FailuresMatching(broken), 1)
		assert.Len(t, listener.Successes(), 1)
	})

	t.Run("Abort Stops The Run Once", func(t *testing.T) {
		fatal := errors.New("schema mismatch")
		stage := ctest.NewMockStage[*collectz.CAS](t, "fatal").WithReturn(collectz.AbortEngine(fatal))
		engine, err := collectz.NewEngine("abort", ctest.NewSliceSource(texts(40)...), collectz.NewCASFactory(),
			collectz.WithWorkers(4))
		require.NoError(t, err)
		engine.AddStages(collectz.Contain[*collectz.CAS](stage))
		var aborts atomic.Int32
		_ = engine.OnAborted(func(context.Context, collectz.EngineEvent) error { //nolint:errcheck
			aborts.Add(1)
			return nil
		})
		defer engine.Close()

		err = engine.Run(context.Background())
		require.ErrorIs(t, err, fatal)
		assert.Eventually(t, func() bool { return aborts.Load() == 1 }, time.Second, 5*time.Millisecond)
		time.Sleep(20 * time.Millisecond)
		assert.Equal(t, int32(1), aborts.Load())
		assert.Equal(t, collectz.StateTerminated, engine.State())
		ctest.AssertPoolDrained(t, engine.Pool())
	})

	t.Run("Disabled Stage Lets Items Through", func(t *testing.T) {
		optional := ctest.NewMockStage[*collectz.CAS](t, "optional").WithErrors(collectz.DisableStage(errors.New("license expired")))
		after := ctest.NewMockStage[*collectz.CAS](t, "after")
		listener := ctest.NewRecordingListener[*collectz.CAS]()
		engine, err := collectz.NewEngine("disable", ctest.NewSliceSource(texts(5)...), collectz.NewCASFactory())
		require.NoError(t, err)
		optionalContainer := collectz.Contain[*collectz.CAS](optional)
		engine.AddStages(optionalContainer, collectz.Contain[*collectz.CAS](after)).AddListener(listener)

		require.NoError(t, engine.Run(context.Background()))
		ctest.AssertProcessed(t, optional, 1)
		ctest.AssertProcessed(t, after, 5)
		assert.Len(t, listener.Successes(), 5)
		assert.Equal(t, collectz.StatusDisabled, optionalContainer.Status())
	})

	t.Run("Reconnect Happens Once Across Workers", func(t *testing.T) {
		remote := ctest.NewMockStage[*collectz.CAS](t, "remote").
			WithErrors(collectz.Reconnect(errors.New("connection reset"))).
			WithDelay(2 * time.Millisecond)
		listener := ctest.NewRecordingListener[*collectz.CAS]()
		engine, err := collectz.NewEngine("reconnect", ctest.NewSliceSource(texts(12)...), collectz.NewCASFactory(),
			collectz.WithWorkers(3))
		require.NoError(t, err)
		engine.AddStages(collectz.Contain[*collectz.CAS](remote)).AddListener(listener)

		require.NoError(t, engine.Run(context.Background()))
		assert.Equal(t, 1, remote.ReconnectCount())
		assert.Len(t, listener.Successes(), 12)
	})

	t.Run("Panics Become Failures", func(t *testing.T) {
		stage := ctest.NewMockStage[*collectz.CAS](t, "panics").WithPanic("nil map")
		listener := ctest.NewRecordingListener[*collectz.CAS]()
		engine, err := collectz.NewEngine("panic", ctest.NewSliceSource(texts(3)...), collectz.NewCASFactory(),
			collectz.WithDropOnException(true))
		require.NoError(t, err)
		engine.AddStages(collectz.Contain[*collectz.CAS](stage)).AddListener(listener)

		require.NoError(t, engine.Run(context.Background()))
		failures := listener.Failures()
		require.Len(t, failures, 3)
		for _, ev := range failures {
			var pe *collectz.PanicError
			assert.ErrorAs(t, ev.Err, &pe)
			assert.Equal(t, "panics", ev.Stage)
		}
		ctest.AssertPoolDrained(t, engine.Pool())
	})

	t.Run("Missing Chunk Times Out And Flags Late Chunks", func(t *testing.T) {
		doc := ctest.Chunks("report", 3)
		doc[1].Err = collectz.SkipItem(errors.New("page unreadable"))
		sink := ctest.NewMockStage[*collectz.CAS](t, "sink")
		listener := ctest.NewRecordingListener[*collectz.CAS]()

		engine, err := collectz.NewEngine("timeouts", ctest.NewEntrySource(doc...), collectz.NewCASFactory(),
			collectz.WithSequencedOutput(50*time.Millisecond))
		require.NoError(t, err)
		engine.AddConsumers(collectz.Contain[*collectz.CAS](sink)).AddListener(listener)
		timeouts := make(chan collectz.EngineEvent, 4)
		_ = engine.OnChunkTimeout(func(_ context.Context, ev collectz.EngineEvent) error { //nolint:errcheck
			timeouts <- ev
			return nil
		})
		defer engine.Close()

		require.NoError(t, engine.Run(context.Background()))

		select {
		case ev := <-timeouts:
			var cte *collectz.ChunkTimeoutError
			require.ErrorAs(t, ev.Err, &cte)
			assert.Equal(t, "report", ev.Chunk.DocumentID)
		case <-time.After(time.Second):
			t.Fatal("chunk timeout never reported")
		}
		assert.Equal(t, []string{"report/1"}, sink.Documents())
		late := listener.FailuresMatching(collectz.ErrDroppedTimedOut)
		require.Len(t, late, 1, "chunk 3 arrives after the timeout")
		var dropped *collectz.ChunkTimeoutError
		require.ErrorAs(t, late[0].Err, &dropped)
		assert.Equal(t, "report", dropped.Chunk.DocumentID)
		assert.Equal(t, 3, dropped.Chunk.Sequence)
		ctest.AssertPoolDrained(t, engine.Pool())
	})
}
