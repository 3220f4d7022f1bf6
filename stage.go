package collectz

import (
	"context"
	"fmt"
)

type funcStage[T Item] struct {
	fn     func(context.Context, *Bundle[T]) error
	name   Name
	format Format
}

func (s *funcStage[T]) Name() Name { return s.name }

func (s *funcStage[T]) Format() Format { return s.format }

func (s *funcStage[T]) Process(ctx context.Context, b *Bundle[T]) error {
	return s.fn(ctx, b)
}

// StageFunc creates a Stage from a function over a whole bundle.
// Use it when the stage needs to see every item of the bundle at once, such
// as cross-item aggregation or batched calls to an external service.
//
// Example:
//
//	count := collectz.StageFunc("count", func(_ context.Context, b *collectz.Bundle[*collectz.CAS]) error {
//	    total.Add(int64(b.Len()))
//	    return nil
//	})
func StageFunc[T Item](name Name, fn func(context.Context, *Bundle[T]) error) Stage[T] {
	return &funcStage[T]{name: name, fn: fn, format: FormatObject}
}

// ItemStage creates a Stage from a function applied to each item in turn.
// Processing stops at the first failing item and the error reports its
// position in the bundle.
//
// Example:
//
//	lower := collectz.ItemStage("lower", func(_ context.Context, c *collectz.CAS) error {
//	    c.Text = strings.ToLower(c.Text)
//	    return nil
//	})
func ItemStage[T Item](name Name, fn func(context.Context, T) error) Stage[T] {
	return &funcStage[T]{
		name:   name,
		format: FormatObject,
		fn: func(ctx context.Context, b *Bundle[T]) error {
			for i, item := range b.Items() {
				if err := ctx.Err(); err != nil {
					return err
				}
				if err := fn(ctx, item); err != nil {
					return fmt.Errorf("item %d: %w", i, err)
				}
			}
			return nil
		},
	}
}

// RecordStage creates a Stage operating on the record representation.
// The engine converts bundles to records before the stage runs; records may
// be modified in place.
func RecordStage[T Item](name Name, fn func(context.Context, []Record) error) Stage[T] {
	return &funcStage[T]{
		name:   name,
		format: FormatRecord,
		fn: func(ctx context.Context, b *Bundle[T]) error {
			return fn(ctx, b.Records())
		},
	}
}

// Shared returns a factory that hands out the same stage for every instance.
// Only use it for stages that are safe for concurrent use.
func Shared[T Item](stage Stage[T]) StageFactory[T] {
	return func() (Stage[T], error) {
		return stage, nil
	}
}
