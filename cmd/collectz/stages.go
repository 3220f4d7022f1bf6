package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/bytedance/sonic"

	"github.com/zoobzio/collectz"
)

type cas = *collectz.CAS

func newRegistry() *collectz.Registry[cas] {
	return collectz.NewRegistry[cas]().
		MustRegister("tokenize", buildTokenize).
		MustRegister("uppercase", buildUppercase).
		MustRegister("throttle", buildThrottle).
		MustRegister("fail-every", buildFailEvery).
		MustRegister("jsonl", buildJSONL)
}

func buildTokenize(cfg collectz.StageConfig) (collectz.StageFactory[cas], error) {
	sep := cfg.Param("separator", " ")
	return func() (collectz.Stage[cas], error) {
		return collectz.ItemStage(cfg.Name, func(_ context.Context, c cas) error {
			tokens := strings.Split(c.Text, sep)
			c.Set("tokens", len(tokens))
			return nil
		}), nil
	}, nil
}

func buildUppercase(cfg collectz.StageConfig) (collectz.StageFactory[cas], error) {
	return collectz.Shared(collectz.RecordStage[cas](cfg.Name, func(_ context.Context, recs []collectz.Record) error {
		for i := range recs {
			recs[i].Text = strings.ToUpper(recs[i].Text)
		}
		return nil
	})), nil
}

// buildThrottle limits bundles per second across every instance.
func buildThrottle(cfg collectz.StageConfig) (collectz.StageFactory[cas], error) {
	rps, err := strconv.ParseFloat(cfg.Param("per_second", "10"), 64)
	if err != nil {
		return nil, fmt.Errorf("per_second: %w", err)
	}
	burst, err := strconv.Atoi(cfg.Param("burst", "1"))
	if err != nil {
		return nil, fmt.Errorf("burst: %w", err)
	}
	pass := collectz.StageFunc(cfg.Name, func(context.Context, *collectz.Bundle[cas]) error { return nil })
	throttle := collectz.NewThrottle(pass, rps, burst)
	if cfg.Param("mode", "wait") == "drop" {
		throttle.SetMode(collectz.ThrottleDrop)
	}
	return collectz.Shared[cas](throttle), nil
}

// buildFailEvery fails every nth bundle with the configured outcome. It
// exists to exercise error policies from the command line.
func buildFailEvery(cfg collectz.StageConfig) (collectz.StageFactory[cas], error) {
	n, err := strconv.ParseInt(cfg.Param("n", "10"), 10, 64)
	if err != nil || n < 1 {
		return nil, fmt.Errorf("n: must be a positive integer")
	}
	wrap, err := outcomeWrapper(cfg.Param("outcome", "retry"))
	if err != nil {
		return nil, err
	}
	var count atomic.Int64
	return collectz.Shared(collectz.StageFunc(cfg.Name, func(_ context.Context, b *collectz.Bundle[cas]) error {
		if count.Add(1)%n != 0 {
			return nil
		}
		return wrap(fmt.Errorf("injected failure for bundle %s", b.ID()))
	})), nil
}

func outcomeWrapper(name string) (func(error) error, error) {
	switch name {
	case "retry":
		return func(err error) error { return err }, nil
	case "skip":
		return collectz.SkipItem, nil
	case "disable":
		return collectz.DisableStage, nil
	case "abort":
		return collectz.AbortEngine, nil
	case "kill-worker":
		return collectz.KillWorker, nil
	default:
		return nil, fmt.Errorf("outcome %q: want retry, skip, disable, abort or kill-worker", name)
	}
}

// jsonlWriter appends one JSON line per item. Instances share the file.
type jsonlWriter struct {
	file *os.File
	buf  *bufio.Writer
	name collectz.Name
	mu   sync.Mutex
}

type jsonlRow struct {
	Features map[string]any          `json:"features,omitempty"`
	Chunk    *collectz.ChunkMetadata `json:"chunk,omitempty"`
	Document string                  `json:"document"`
	Text     string                  `json:"text"`
}

func buildJSONL(cfg collectz.StageConfig) (collectz.StageFactory[cas], error) {
	path := cfg.Param("path", "")
	if path == "" {
		return nil, errors.New("path is required")
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	w := &jsonlWriter{name: cfg.Name, file: f, buf: bufio.NewWriter(f)}
	return collectz.Shared[cas](w), nil
}

func (w *jsonlWriter) Name() collectz.Name { return w.name }

func (w *jsonlWriter) Process(_ context.Context, b *collectz.Bundle[cas]) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, c := range b.Items() {
		row := jsonlRow{Document: c.DocumentID, Text: c.Text, Features: c.Features}
		if meta, ok := c.Chunk(); ok {
			row.Chunk = &meta
		}
		data, err := sonic.Marshal(row)
		if err != nil {
			return collectz.SkipItem(err)
		}
		if _, err := w.buf.Write(append(data, '\n')); err != nil {
			return err
		}
	}
	return w.buf.Flush()
}

// Close flushes and closes the file. Instances share one writer, so only
// the first close does anything.
func (w *jsonlWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := errors.Join(w.buf.Flush(), w.file.Close())
	w.file = nil
	return err
}
