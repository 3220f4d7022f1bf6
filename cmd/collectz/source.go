package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"

	"github.com/zoobzio/collectz"
)

func sourceKinds() []string { return []string{"lines", "generate"} }

func newSource(cfg collectz.SourceConfig) (collectz.Source[*collectz.CAS], error) {
	switch cfg.Kind {
	case "lines", "":
		path := cfg.Param("path", "")
		if path == "" {
			return nil, errors.New("source lines: path is required")
		}
		per, err := strconv.Atoi(cfg.Param("lines_per_document", "0"))
		if err != nil {
			return nil, fmt.Errorf("source lines: lines_per_document: %w", err)
		}
		return newLineSource(path, per)
	case "generate":
		n, err := strconv.Atoi(cfg.Param("count", "100"))
		if err != nil {
			return nil, fmt.Errorf("source generate: count: %w", err)
		}
		per, err := strconv.Atoi(cfg.Param("chunks", "0"))
		if err != nil {
			return nil, fmt.Errorf("source generate: chunks: %w", err)
		}
		lines := make([]string, n)
		for i := range lines {
			lines[i] = "document line " + strconv.Itoa(i)
		}
		return &lineSource{name: "generated", lines: lines, perDocument: per}, nil
	default:
		return nil, fmt.Errorf("unknown source kind %q", cfg.Kind)
	}
}

// lineSource turns each line of a file into one item. With perDocument > 0,
// consecutive lines form the chunks of one document.
type lineSource struct {
	name        string
	lines       []string
	next        int
	perDocument int
	mu          sync.Mutex
}

func newLineSource(path string, perDocument int) (*lineSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("source lines: %w", err)
	}
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("source lines: %w", err)
	}
	return &lineSource{name: path, lines: lines, perDocument: perDocument}, nil
}

func (s *lineSource) HasNext() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next < len(s.lines)
}

func (s *lineSource) Next(ctx context.Context, into *collectz.CAS) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.next >= len(s.lines) {
		return errors.New("source exhausted")
	}
	i := s.next
	s.next++

	into.Text = s.lines[i]
	if s.perDocument <= 0 {
		into.DocumentID = s.name + "#" + strconv.Itoa(i)
		return nil
	}
	doc := i / s.perDocument
	seq := i%s.perDocument + 1
	into.DocumentID = s.name + "#" + strconv.Itoa(doc)
	into.SetChunk(collectz.ChunkMetadata{
		DocumentID: into.DocumentID,
		Sequence:   seq,
		Last:       seq == s.perDocument || i == len(s.lines)-1,
	})
	return nil
}

// Total implements collectz.Sizer.
func (s *lineSource) Total() int64 {
	return int64(len(s.lines))
}

// SeekTo implements collectz.Seeker by skipping what a previous run already
// produced.
func (s *lineSource) SeekTo(cp collectz.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cp.Produced < 0 || cp.Produced > int64(len(s.lines)) {
		return fmt.Errorf("checkpoint position %d outside source of %d lines", cp.Produced, len(s.lines))
	}
	s.next = int(cp.Produced)
	return nil
}
