package main

import (
	"bufio"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/bytedance/sonic"

	"github.com/zoobzio/collectz"
)

func writeTemp(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func drain(t *testing.T, src collectz.Source[*collectz.CAS]) []*collectz.CAS {
	t.Helper()
	var out []*collectz.CAS
	for src.HasNext() {
		c := collectz.NewCAS()
		if err := src.Next(context.Background(), c); err != nil {
			t.Fatalf("next: %v", err)
		}
		out = append(out, c)
	}
	return out
}

func TestLineSource(t *testing.T) {
	path := writeTemp(t, "input.txt", "one\ntwo\nthree\nfour\nfive\n")

	t.Run("One Document Per Line", func(t *testing.T) {
		src, err := newSource(collectz.SourceConfig{Kind: "lines", Params: map[string]string{"path": path}})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		items := drain(t, src)
		if len(items) != 5 || items[4].Text != "five" {
			t.Fatalf("unexpected items %d", len(items))
		}
		if _, chunked := items[0].Chunk(); chunked {
			t.Error("expected unchunked items")
		}
	})

	t.Run("Lines Grouped Into Chunks", func(t *testing.T) {
		src, err := newSource(collectz.SourceConfig{Params: map[string]string{"path": path, "lines_per_document": "2"}})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		items := drain(t, src)
		var got []string
		for _, c := range items {
			meta, _ := c.Chunk()
			mark := ""
			if meta.Last {
				mark = "!"
			}
			got = append(got, strings.TrimPrefix(meta.DocumentID, path)+":"+strconv.Itoa(meta.Sequence)+mark)
		}
		if strings.Join(got, " ") != "#0:1 #0:2! #1:1 #1:2! #2:1!" {
			t.Errorf("unexpected chunking %v", got)
		}
	})

	t.Run("Seek Resumes Mid File", func(t *testing.T) {
		src, _ := newLineSource(path, 0)
		if err := src.SeekTo(collectz.Checkpoint{Produced: 3}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if items := drain(t, src); len(items) != 2 || items[0].Text != "four" {
			t.Errorf("expected the last two lines, got %d", len(items))
		}
		if err := src.SeekTo(collectz.Checkpoint{Produced: 6}); err == nil {
			t.Error("expected error seeking past the end")
		}
	})

	t.Run("Bad Parameters", func(t *testing.T) {
		for _, cfg := range []collectz.SourceConfig{
			{Kind: "lines"},
			{Kind: "lines", Params: map[string]string{"path": path, "lines_per_document": "x"}},
			{Kind: "generate", Params: map[string]string{"count": "x"}},
			{Kind: "ftp"},
		} {
			if _, err := newSource(cfg); err == nil {
				t.Errorf("expected error for %+v", cfg)
			}
		}
	})

	t.Run("Generated Source", func(t *testing.T) {
		src, err := newSource(collectz.SourceConfig{Kind: "generate", Params: map[string]string{"count": "4", "chunks": "4"}})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		items := drain(t, src)
		meta, _ := items[3].Chunk()
		if len(items) != 4 || meta.Sequence != 4 || !meta.Last {
			t.Errorf("expected one document of four chunks, got %+v", meta)
		}
	})
}

func TestStageBuilders(t *testing.T) {
	t.Run("Registry Knows Every Kind", func(t *testing.T) {
		kinds := strings.Join(newRegistry().Kinds(), ",")
		if kinds != "fail-every,jsonl,throttle,tokenize,uppercase" {
			t.Errorf("unexpected kinds %s", kinds)
		}
	})

	t.Run("Fail Every Uses Outcome", func(t *testing.T) {
		factory, err := buildFailEvery(collectz.StageConfig{Name: "f", Params: map[string]string{"n": "2", "outcome": "skip"}})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		stage, _ := factory()
		b := collectz.NewBundle(collectz.NewCAS())
		if err := stage.Process(context.Background(), b); err != nil {
			t.Errorf("first call should pass: %v", err)
		}
		err = stage.Process(context.Background(), b)
		if outcome, ok := collectz.OutcomeOf(err); !ok || outcome != collectz.OutcomeSkip {
			t.Errorf("expected skip, got %v", err)
		}
		if _, err := buildFailEvery(collectz.StageConfig{Params: map[string]string{"outcome": "explode"}}); err == nil {
			t.Error("expected unknown outcome error")
		}
	})

	t.Run("Throttle Parameters", func(t *testing.T) {
		if _, err := buildThrottle(collectz.StageConfig{Params: map[string]string{"per_second": "fast"}}); err == nil {
			t.Error("expected parse error")
		}
	})

	t.Run("JSONL Requires Path", func(t *testing.T) {
		if _, err := buildJSONL(collectz.StageConfig{Name: "out"}); err == nil {
			t.Error("expected missing path error")
		}
	})
}

func TestRunPipeline(t *testing.T) {
	dir := t.TempDir()
	input := writeTemp(t, "input.txt", "alpha beta\ngamma delta epsilon\nzeta\n")
	output := filepath.Join(dir, "out.jsonl")
	configPath = writeTemp(t, "pipeline.yaml", `
name: cli
log:
  level: warn
source:
  kind: lines
  params:
    path: `+input+`
stages:
  - name: tokenize
    kind: tokenize
  - name: upper
    kind: uppercase
consumers:
  - name: out
    kind: jsonl
    params:
      path: `+output+`
`)
	t.Cleanup(func() { configPath = "" })

	if err := runPipeline(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	f, err := os.Open(output)
	if err != nil {
		t.Fatalf("open output: %v", err)
	}
	defer f.Close()
	var rows []jsonlRow
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var row jsonlRow
		if err := sonic.Unmarshal(sc.Bytes(), &row); err != nil {
			t.Fatalf("decode %q: %v", sc.Text(), err)
		}
		rows = append(rows, row)
	}
	if len(rows) != 3 {
		t.Fatalf("expected 3 rows, got %d", len(rows))
	}
	for _, row := range rows {
		if row.Text != strings.ToUpper(row.Text) {
			t.Errorf("expected uppercase text, got %q", row.Text)
		}
		if _, ok := row.Features["tokens"]; !ok {
			t.Errorf("expected token count on %q", row.Text)
		}
	}

	configPath = writeTemp(t, "broken.yaml", "engine:\n  workers: 0\n")
	if err := runPipeline(context.Background()); err == nil {
		t.Error("expected validation error")
	} else if errors.Is(err, context.Canceled) {
		t.Errorf("unexpected error kind %v", err)
	}
}
