package collectz

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/goccy/go-yaml"
	"go.uber.org/zap"
)

// Checkpoint is a snapshot of run progress used to resume a source.
type Checkpoint struct {
	Timestamp    time.Time `yaml:"timestamp"`
	RunID        string    `yaml:"run_id"`
	LastDocument string    `yaml:"last_document,omitempty"`
	Produced     int64     `yaml:"produced"`
	Completed    int64     `yaml:"completed"`
	Failed       int64     `yaml:"failed"`
}

// Checkpointer persists checkpoints between runs.
type Checkpointer interface {
	// Load returns the last saved checkpoint; found is false when none exists.
	Load(ctx context.Context) (cp Checkpoint, found bool, err error)
	Save(ctx context.Context, cp Checkpoint) error
}

// FileCheckpointer stores a checkpoint as a YAML file. Saves write a
// temporary file in the same directory and rename it over the target, so a
// crash never leaves a partial checkpoint behind.
type FileCheckpointer struct {
	path string
	mu   sync.Mutex
}

// NewFileCheckpointer creates a checkpointer writing to path.
func NewFileCheckpointer(path string) *FileCheckpointer {
	return &FileCheckpointer{path: path}
}

// Path returns the checkpoint file path.
func (f *FileCheckpointer) Path() string { return f.path }

// Load reads the checkpoint file.
func (f *FileCheckpointer) Load(_ context.Context) (Checkpoint, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return Checkpoint{}, false, nil
	}
	if err != nil {
		return Checkpoint{}, false, fmt.Errorf("read checkpoint: %w", err)
	}
	var cp Checkpoint
	if err := yaml.Unmarshal(data, &cp); err != nil {
		return Checkpoint{}, false, fmt.Errorf("decode checkpoint %s: %w", f.path, err)
	}
	return cp, true, nil
}

// Save writes the checkpoint atomically.
func (f *FileCheckpointer) Save(ctx context.Context, cp Checkpoint) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := yaml.Marshal(cp)
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	dir := filepath.Dir(f.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(f.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create checkpoint: %w", err)
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()     //nolint:errcheck // write already failed
		_ = os.Remove(name) //nolint:errcheck // best effort
		return fmt.Errorf("write checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(name) //nolint:errcheck // best effort
		return fmt.Errorf("close checkpoint: %w", err)
	}
	if err := os.Rename(name, f.path); err != nil {
		_ = os.Remove(name) //nolint:errcheck // best effort
		return fmt.Errorf("commit checkpoint: %w", err)
	}
	return nil
}

// restore loads the last checkpoint and seeks the source to it.
func (e *Engine[T]) restore(ctx context.Context) error {
	cp := e.cfg.checkpointer
	if cp == nil {
		return nil
	}
	last, found, err := cp.Load(ctx)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}
	seeker, ok := e.source.(Seeker)
	if !ok {
		e.logger.Info("checkpoint found but source cannot seek", zap.String("previous_run", last.RunID))
		return nil
	}
	if err := seeker.SeekTo(last); err != nil {
		return fmt.Errorf("seek to checkpoint: %w", err)
	}
	e.offset = last.Produced
	e.logger.Info("resumed from checkpoint",
		zap.String("previous_run", last.RunID),
		zap.Int64("produced", last.Produced),
		zap.String("last_document", last.LastDocument))
	return nil
}

// checkpoint builds a snapshot of the current progress. Produced counts from
// the start of the source, including what resumed runs skipped.
func (e *Engine[T]) checkpoint() Checkpoint {
	cp := Checkpoint{
		Timestamp: e.clock.Now(),
		RunID:     e.runID,
		Completed: e.completed.Load(),
		Failed:    e.failed.Load(),
	}
	if e.producer != nil {
		cp.Produced = e.offset + e.producer.Produced()
		cp.LastDocument = e.producer.LastDocument()
	}
	return cp
}

func (e *Engine[T]) saveCheckpoint(ctx context.Context) {
	cp := e.cfg.checkpointer
	if cp == nil {
		return
	}
	if err := cp.Save(ctx, e.checkpoint()); err != nil {
		e.logger.Warn("checkpoint save failed", zap.Error(err))
	}
}

func (e *Engine[T]) checkpointLoop() {
	defer e.aux.Done()
	ctx := context.WithoutCancel(e.killCtx)
	for {
		select {
		case <-e.clock.After(e.cfg.checkpointInterval):
			e.saveCheckpoint(ctx)
		case <-e.quit:
			return
		}
	}
}
