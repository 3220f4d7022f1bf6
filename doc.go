// Package collectz provides a bounded, pooled collection-processing engine in Go.
//
// # Overview
//
// collectz streams bundles of heavy, reusable items from a Source through an
// ordered list of processing stages and then through optional consumer stages.
// A fixed-capacity pool owns every item and bounded queues connect the moving
// parts, so the total amount of in-flight work is always bounded by
// configuration: the producer blocks once downstream falls behind and workers
// block once the pool is exhausted.
//
// # Core Concepts
//
// The engine is built from a small number of components:
//
//   - Pool[T]: fixed-capacity set of reusable items with checkout/release
//   - Queue[T]: bounded FIFO of Message[T] with a shutdown sentinel that bypasses capacity
//   - SequencedQueue[T]: Queue[T] that delivers chunks of one document strictly in order
//   - Container[T]: runtime wrapper around a Stage[T] with status, instance sub-pool and error policy
//   - Engine[T]: orchestrator wiring producer, workers and consumer with a lifecycle
//
// Data flows in one direction only:
//
//	Source -> Producer -> input queue -> N workers -> output queue -> consumer
//
// All cross-goroutine communication happens through the queues and the pool.
//
// # Stages
//
// Stages implement a single interface:
//
//	type Stage[T Item] interface {
//	    Name() Name
//	    Process(context.Context, *Bundle[T]) error
//	}
//
// Adapters wrap plain functions:
//
//	upper := collectz.ItemStage("upper", func(_ context.Context, c *collectz.CAS) error {
//	    c.Text = strings.ToUpper(c.Text)
//	    return nil
//	})
//
// A stage that prefers the record representation declares it with
// RecordStage; conversion between representations happens only at
// transitions and is planned when the pipeline is built.
//
// # Error Handling
//
// Stage failures are classified into outcomes. The default for a plain error
// is a bounded retry; typed wrappers escalate:
//
//	return collectz.SkipItem(err)     // drop this bundle, keep going
//	return collectz.DisableStage(err) // stop calling this stage
//	return collectz.AbortEngine(err)  // kill the whole run
//	return collectz.KillWorker(err)   // end the current worker
//	return collectz.Reconnect(err)    // pause the stage and reconnect once
//
// Every failure reaches listeners before any engine-level action is taken and
// every pooled item is released on every exit path.
//
// # Lifecycle
//
//	engine, err := collectz.NewEngine("ingest", source, collectz.NewCASFactory(),
//	    collectz.WithWorkers(4),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	engine.AddStages(collectz.Contain(tokenize), collectz.Contain(classify)).
//	    AddConsumers(collectz.Contain(writer))
//	if err := engine.Run(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
// Pause, Resume, Stop and Kill may be called from any goroutine while the
// engine runs. Stop drains what is already queued; Kill releases it.
//
// # Configuration
//
// Pipelines can also be declared in YAML and resolved through a Registry:
//
//	cfg, err := collectz.LoadConfig("pipeline.yaml")
//	stages, consumers, err := registry.Build(cfg)
//	engine, err := collectz.NewEngine(cfg.Name, source, factory, cfg.Options()...)
package collectz
