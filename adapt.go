package rollbackz

import (
	"context"
	"iter"
)

// Condition creates a Selector from a predicate that cannot fail.
// Use it for the common case where eligibility is a pure check on the value.
//
// Example:
//
//	odd := rollbackz.Condition(func(_ context.Context, n int) bool {
//	    return n%2 != 0
//	})
func Condition[E any](fn func(context.Context, E) bool) Selector[E] {
	return func(ctx context.Context, e E) (bool, error) {
		return fn(ctx, e), nil
	}
}

// Modify creates a Mutator from an in-place edit that cannot fail.
//
// Example:
//
//	double := rollbackz.Modify(func(_ context.Context, n *int) {
//	    *n *= 2
//	})
func Modify[E any](fn func(context.Context, *E)) Mutator[E] {
	return func(ctx context.Context, e *E) error {
		fn(ctx, e)
		return nil
	}
}

// Update creates a Mutator from a value-returning function that may fail.
// The element is only overwritten when fn succeeds, so a failing Update
// never leaves a half-written element behind.
//
// Example:
//
//	parse := rollbackz.Update(func(_ context.Context, r Record) (Record, error) {
//	    n, err := strconv.Atoi(r.Raw)
//	    if err != nil {
//	        return r, fmt.Errorf("record %s: %w", r.ID, err)
//	    }
//	    r.Value = n
//	    return r, nil
//	})
func Update[E any](fn func(context.Context, E) (E, error)) Mutator[E] {
	return func(ctx context.Context, e *E) error {
		next, err := fn(ctx, *e)
		if err != nil {
			return err
		}
		*e = next
		return nil
	}
}

// Slice returns a Range over the elements of s in index order.
// The slice must not be resized while a transform runs over it.
func Slice[E any](s []E) Range[E] {
	return func(yield func(*E) bool) {
		for i := range s {
			if !yield(&s[i]) {
				return
			}
		}
	}
}

// Seq adapts any forward traversal that yields element slots, such as a
// linked list walker, into a Range.
func Seq[E any](seq iter.Seq[*E]) Range[E] {
	return Range[E](seq)
}
