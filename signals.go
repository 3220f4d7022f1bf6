package collectz

import (
	"time"

	"github.com/zoobzio/hookz"
	"github.com/zoobzio/metricz"
	"github.com/zoobzio/tracez"
)

// Observability constants for the engine.
const (
	// Metrics.
	EngineBundlesProducedTotal = metricz.Key("engine.bundles.produced.total")
	EngineItemsCompletedTotal  = metricz.Key("engine.items.completed.total")
	EngineItemsFailedTotal     = metricz.Key("engine.items.failed.total")
	EngineFetchErrorsTotal     = metricz.Key("engine.fetch.errors.total")
	EngineChunkTimeoutsTotal   = metricz.Key("engine.chunk.timeouts.total")
	EngineAbortsTotal          = metricz.Key("engine.aborts.total")
	EngineWorkersActive        = metricz.Key("engine.workers.active")
	EnginePoolCheckedOut       = metricz.Key("engine.pool.checked_out")
	EngineInputDepth           = metricz.Key("engine.input.depth")
	EngineOutputDepth          = metricz.Key("engine.output.depth")

	// Spans.
	EngineStageSpan = tracez.Key("engine.stage")
	EngineFetchSpan = tracez.Key("engine.fetch")

	// Tags.
	EngineTagStage   = tracez.Tag("engine.stage")
	EngineTagBundle  = tracez.Tag("engine.bundle")
	EngineTagWorker  = tracez.Tag("engine.worker")
	EngineTagItems   = tracez.Tag("engine.items")
	EngineTagSuccess = tracez.Tag("engine.success")
	EngineTagOutcome = tracez.Tag("engine.outcome")
	EngineTagError   = tracez.Tag("engine.error")

	// Hook event keys.
	EngineEventStarted       = hookz.Key("engine.started")
	EngineEventPaused        = hookz.Key("engine.paused")
	EngineEventResumed       = hookz.Key("engine.resumed")
	EngineEventStopping      = hookz.Key("engine.stopping")
	EngineEventKilled        = hookz.Key("engine.killed")
	EngineEventAborted       = hookz.Key("engine.aborted")
	EngineEventCompleted     = hookz.Key("engine.completed")
	EngineEventChunkTimeout  = hookz.Key("engine.chunk_timeout")
	EngineEventStageDisabled = hookz.Key("engine.stage_disabled")
	EngineEventWorkerExited  = hookz.Key("engine.worker_exited")
)

// EngineEvent is emitted via hookz on lifecycle transitions and on
// engine-level failures. Handlers run asynchronously and never block the
// engine.
type EngineEvent struct {
	Timestamp time.Time      // When the event occurred
	Err       error          // Cause for aborts and disables
	Chunk     *ChunkMetadata // Series for chunk timeouts
	Name      Name           // Engine name
	RunID     string         // Run identifier
	Stage     Name           // Stage for stage events
	State     State          // Engine state after the event
	Worker    int            // Worker id for worker events
}
