package collectz

import (
	"context"
	"strings"
)

// Name is the type used for stage, queue and engine names.
type Name = string

// Item is the constraint satisfied by pooled, reusable data units.
// Items are compared by identity, so implementations are normally pointers.
// Reset must return the item to a clean state; the pool calls it on every
// release before the item re-enters the free set.
type Item interface {
	comparable
	Reset()
	Chunk() (ChunkMetadata, bool)
}

// ChunkMetadata identifies an item as one piece of a larger document.
// Sequence numbers start at 1 and Last marks the final chunk of the series.
type ChunkMetadata struct {
	DocumentID string `yaml:"document_id"`
	ThrottleID string `yaml:"throttle_id,omitempty"`
	Sequence   int    `yaml:"sequence"`
	Last       bool   `yaml:"last"`
}

// SameDocument reports whether both chunks belong to the same document.
// Document ids compare case-insensitively.
func (c ChunkMetadata) SameDocument(other ChunkMetadata) bool {
	return strings.EqualFold(c.DocumentID, other.DocumentID)
}

// docKey normalizes a document id for map lookups.
func docKey(id string) string {
	return strings.ToLower(id)
}

// Format is the representation a stage operates on.
type Format int

const (
	// FormatObject is the native item representation.
	FormatObject Format = iota
	// FormatRecord is the flattened Record representation.
	FormatRecord
)

func (f Format) String() string {
	switch f {
	case FormatObject:
		return "object"
	case FormatRecord:
		return "record"
	default:
		return "unknown"
	}
}

// Stage is one pluggable processing step. Process runs on a whole bundle and
// reports failure through its error; see Outcome for how errors escalate.
type Stage[T Item] interface {
	Name() Name
	Process(ctx context.Context, bundle *Bundle[T]) error
}

// StageFactory builds one stage instance. Containers call it once per
// configured instance and again when an instance must be rebuilt after a
// failed reconnect.
type StageFactory[T Item] func() (Stage[T], error)

// FormatDeclarer is implemented by stages that require a representation other
// than FormatObject.
type FormatDeclarer interface {
	Format() Format
}

// Reconnector is implemented by stages backed by an external service.
type Reconnector interface {
	Reconnect(ctx context.Context) error
}

// Closer is implemented by stages holding resources released at teardown.
type Closer interface {
	Close() error
}

// Source produces the content of pooled items.
// Next populates the provided item, which the producer checked out of the pool.
type Source[T Item] interface {
	HasNext() bool
	Next(ctx context.Context, into T) error
}

// Seeker is implemented by sources that can resume from a checkpoint.
type Seeker interface {
	SeekTo(cp Checkpoint) error
}

// Sizer is implemented by sources that know how many items they hold.
type Sizer interface {
	Total() int64
}
