package collectz

import "github.com/google/uuid"

// Bundle is an ordered group of pooled items processed as one unit.
// A bundle may also carry a cached record representation; the items stay
// attached regardless of format so they can always be released to the pool.
type Bundle[T Item] struct {
	id       string
	items    []T
	records  []Record
	seq      int64
	format   Format
	timedOut bool
}

// NewBundle creates a bundle owning the given items.
func NewBundle[T Item](items ...T) *Bundle[T] {
	return &Bundle[T]{
		id:    uuid.NewString(),
		items: items,
	}
}

// ID returns the run-unique bundle id.
func (b *Bundle[T]) ID() string { return b.id }

// Seq returns the producer sequence number.
func (b *Bundle[T]) Seq() int64 { return b.seq }

// Items returns the pooled items. Stages may modify the items but must not
// retain them.
func (b *Bundle[T]) Items() []T { return b.items }

// Len returns the number of items.
func (b *Bundle[T]) Len() int { return len(b.items) }

// Records returns the record representation when the bundle is in
// FormatRecord, nil otherwise.
func (b *Bundle[T]) Records() []Record { return b.records }

// Format returns the current representation.
func (b *Bundle[T]) Format() Format { return b.format }

// TimedOut reports whether the bundle belongs to a chunk series that timed
// out before completing.
func (b *Bundle[T]) TimedOut() bool { return b.timedOut }

// Chunk returns the chunk metadata of the first chunked item.
func (b *Bundle[T]) Chunk() (ChunkMetadata, bool) {
	for _, item := range b.items {
		if meta, ok := item.Chunk(); ok {
			return meta, true
		}
	}
	return ChunkMetadata{}, false
}

// Size estimates the bundle content size in bytes.
func (b *Bundle[T]) Size() int {
	if b.format == FormatRecord {
		n := 0
		for _, r := range b.records {
			n += r.Size()
		}
		return n
	}
	n := 0
	for _, item := range b.items {
		if s, ok := any(item).(interface{ Size() int }); ok {
			n += s.Size()
		}
	}
	return n
}

// documentIDs returns the distinct document ids of chunked items.
func (b *Bundle[T]) documentIDs() []string {
	var ids []string
	seen := make(map[string]struct{})
	for _, item := range b.items {
		meta, ok := item.Chunk()
		if !ok || meta.DocumentID == "" {
			continue
		}
		k := docKey(meta.DocumentID)
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		ids = append(ids, meta.DocumentID)
	}
	return ids
}

// Message is the unit carried by queues: either a bundle or EndOfStream.
type Message[T Item] struct {
	bundle *Bundle[T]
	eof    bool
}

// Deliver wraps a bundle in a message.
func Deliver[T Item](b *Bundle[T]) Message[T] {
	return Message[T]{bundle: b}
}

// EndOfStream returns the termination marker.
func EndOfStream[T Item]() Message[T] {
	return Message[T]{eof: true}
}

// EOF reports whether the message is the termination marker.
func (m Message[T]) EOF() bool { return m.eof }

// Bundle returns the carried bundle, nil for EndOfStream.
func (m Message[T]) Bundle() *Bundle[T] { return m.bundle }

func (m Message[T]) chunk() (ChunkMetadata, bool) {
	if m.eof || m.bundle == nil {
		return ChunkMetadata{}, false
	}
	return m.bundle.Chunk()
}
