package testing

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/zoobzio/collectz"
)

// ErrExhausted is returned by Next once a scripted source has no more items.
var ErrExhausted = errors.New("source exhausted")

// Entry is one scripted item. A non-nil Chunk marks it as part of a series;
// a non-nil Err makes the fetch fail instead.
type Entry struct {
	Err        error
	Chunk      *collectz.ChunkMetadata
	DocumentID string
	Text       string
}

// SliceSource replays a fixed list of entries into CAS items.
type SliceSource struct {
	gate    chan struct{}
	entries []Entry
	seeks   []collectz.Checkpoint
	next    int
	fetched int
	mu      sync.Mutex
}

// NewSliceSource creates a source yielding one unchunked document per text.
func NewSliceSource(texts ...string) *SliceSource {
	entries := make([]Entry, len(texts))
	for i, text := range texts {
		entries[i] = Entry{DocumentID: fmt.Sprintf("doc-%d", i), Text: text}
	}
	return &SliceSource{entries: entries}
}

// NewEntrySource creates a source from explicit entries.
func NewEntrySource(entries ...Entry) *SliceSource {
	return &SliceSource{entries: append([]Entry(nil), entries...)}
}

// Chunks builds the entries of one document split into n chunks, numbered
// from 1, in order.
func Chunks(documentID string, n int) []Entry {
	entries := make([]Entry, n)
	for i := range entries {
		entries[i] = Entry{
			DocumentID: documentID,
			Text:       fmt.Sprintf("%s chunk %d", documentID, i+1),
			Chunk: &collectz.ChunkMetadata{
				DocumentID: documentID,
				Sequence:   i + 1,
				Last:       i == n-1,
			},
		}
	}
	return entries
}

// Gate makes every Next block until Release is called for it. It lets tests
// hold the producer at a precise point.
func (s *SliceSource) Gate() *SliceSource {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gate = make(chan struct{}, len(s.entries)+1)
	return s
}

// Release lets n gated fetches proceed.
func (s *SliceSource) Release(n int) {
	s.mu.Lock()
	gate := s.gate
	s.mu.Unlock()
	for range n {
		gate <- struct{}{}
	}
}

// HasNext implements collectz.Source.
func (s *SliceSource) HasNext() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next < len(s.entries)
}

// Next implements collectz.Source.
func (s *SliceSource) Next(ctx context.Context, into *collectz.CAS) error {
	s.mu.Lock()
	gate := s.gate
	s.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.next >= len(s.entries) {
		return ErrExhausted
	}
	e := s.entries[s.next]
	s.next++
	s.fetched++
	if e.Err != nil {
		return e.Err
	}
	into.DocumentID = e.DocumentID
	into.Text = e.Text
	if e.Chunk != nil {
		into.SetChunk(*e.Chunk)
	}
	return nil
}

// Total implements collectz.Sizer.
func (s *SliceSource) Total() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.entries))
}

// SeekTo implements collectz.Seeker by skipping already produced entries.
func (s *SliceSource) SeekTo(cp collectz.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cp.Produced > int64(len(s.entries)) {
		return fmt.Errorf("checkpoint at %d beyond %d entries", cp.Produced, len(s.entries))
	}
	s.next = int(cp.Produced)
	s.seeks = append(s.seeks, cp)
	return nil
}

// Fetched returns how many Next calls consumed an entry.
func (s *SliceSource) Fetched() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fetched
}

// Seeks returns every checkpoint passed to SeekTo.
func (s *SliceSource) Seeks() []collectz.Checkpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]collectz.Checkpoint(nil), s.seeks...)
}

// RecordingListener captures every event an engine reports.
type RecordingListener[T collectz.Item] struct {
	done    chan struct{}
	items   []collectz.ItemEvent[T]
	summary collectz.Summary
	runs    int
	mu      sync.Mutex
}

// NewRecordingListener creates an empty listener.
func NewRecordingListener[T collectz.Item]() *RecordingListener[T] {
	return &RecordingListener[T]{done: make(chan struct{})}
}

// ItemComplete implements collectz.Listener.
func (l *RecordingListener[T]) ItemComplete(_ context.Context, event collectz.ItemEvent[T]) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.items = append(l.items, event)
}

// RunComplete implements collectz.Listener.
func (l *RecordingListener[T]) RunComplete(_ context.Context, summary collectz.Summary) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.summary = summary
	l.runs++
	if l.runs == 1 {
		close(l.done)
	}
}

// Done is closed on the first RunComplete.
func (l *RecordingListener[T]) Done() <-chan struct{} { return l.done }

// Events returns a copy of every item event.
func (l *RecordingListener[T]) Events() []collectz.ItemEvent[T] {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]collectz.ItemEvent[T](nil), l.items...)
}

// Successes returns the item events without an error.
func (l *RecordingListener[T]) Successes() []collectz.ItemEvent[T] {
	var out []collectz.ItemEvent[T]
	for _, e := range l.Events() {
		if e.Success() {
			out = append(out, e)
		}
	}
	return out
}

// Failures returns the item events carrying an error.
func (l *RecordingListener[T]) Failures() []collectz.ItemEvent[T] {
	var out []collectz.ItemEvent[T]
	for _, e := range l.Events() {
		if !e.Success() {
			out = append(out, e)
		}
	}
	return out
}

// FailuresMatching returns the failures whose error matches target.
func (l *RecordingListener[T]) FailuresMatching(target error) []collectz.ItemEvent[T] {
	var out []collectz.ItemEvent[T]
	for _, e := range l.Failures() {
		if errors.Is(e.Err, target) {
			out = append(out, e)
		}
	}
	return out
}

// Summary returns the run summary and how many times RunComplete fired.
func (l *RecordingListener[T]) Summary() (collectz.Summary, int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.summary, l.runs
}
