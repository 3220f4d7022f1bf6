package collectz

import (
	"errors"
	"fmt"
)

// ErrNoConverter is returned when a record stage is configured but the item
// type has no record representation.
var ErrNoConverter = errors.New("item type has no record converter")

// Record is the flattened, data-only representation of an item.
type Record struct {
	Fields     map[string]any `yaml:"fields,omitempty"`
	Chunk      *ChunkMetadata `yaml:"chunk,omitempty"`
	DocumentID string         `yaml:"document_id"`
	Text       string         `yaml:"text"`
}

// Size estimates the record size in bytes.
func (r Record) Size() int {
	n := len(r.DocumentID) + len(r.Text)
	for k, v := range r.Fields {
		n += len(k) + len(fmt.Sprint(v))
	}
	return n
}

// Recordable is implemented by items that convert themselves.
type Recordable interface {
	ToRecord() Record
	FromRecord(Record) error
}

// Converter maps items to and from records.
type Converter[T Item] interface {
	ToRecord(item T) (Record, error)
	FromRecord(rec Record, into T) error
}

type recordableConverter[T Item] struct{}

func (recordableConverter[T]) ToRecord(item T) (Record, error) {
	r, ok := any(item).(Recordable)
	if !ok {
		return Record{}, ErrNoConverter
	}
	return r.ToRecord(), nil
}

func (recordableConverter[T]) FromRecord(rec Record, into T) error {
	r, ok := any(into).(Recordable)
	if !ok {
		return ErrNoConverter
	}
	return r.FromRecord(rec)
}

// defaultConverter returns a converter for item types implementing Recordable.
func defaultConverter[T Item]() (Converter[T], bool) {
	var zero T
	if _, ok := any(zero).(Recordable); ok {
		return recordableConverter[T]{}, true
	}
	return nil, false
}

// formatAdapter brings a bundle into the representation a stage expects.
type formatAdapter[T Item] func(b *Bundle[T]) error

// planFormats selects one adapter per container from the declared stage
// formats. It runs once when a pipeline is built.
func planFormats[T Item](containers []*Container[T], conv Converter[T]) ([]formatAdapter[T], error) {
	plan := make([]formatAdapter[T], len(containers))
	for i, c := range containers {
		switch c.Format() {
		case FormatRecord:
			if conv == nil {
				return nil, fmt.Errorf("stage %q: %w", c.Name(), ErrNoConverter)
			}
			plan[i] = toRecords(conv)
		default:
			plan[i] = toObjects(conv)
		}
	}
	return plan, nil
}

func toRecords[T Item](conv Converter[T]) formatAdapter[T] {
	return func(b *Bundle[T]) error {
		if b.format == FormatRecord {
			return nil
		}
		recs := make([]Record, len(b.items))
		for i, item := range b.items {
			rec, err := conv.ToRecord(item)
			if err != nil {
				return fmt.Errorf("convert item %d to record: %w", i, err)
			}
			recs[i] = rec
		}
		b.records = recs
		b.format = FormatRecord
		return nil
	}
}

func toObjects[T Item](conv Converter[T]) formatAdapter[T] {
	return func(b *Bundle[T]) error {
		if b.format == FormatObject {
			return nil
		}
		if conv == nil {
			return ErrNoConverter
		}
		for i, rec := range b.records {
			if i >= len(b.items) {
				break
			}
			if err := conv.FromRecord(rec, b.items[i]); err != nil {
				return fmt.Errorf("convert record %d to item: %w", i, err)
			}
		}
		b.records = nil
		b.format = FormatObject
		return nil
	}
}
