package rollbackz

import (
	"context"
	"iter"
)

// Name is a type alias for transformer names.
// Names appear in Error[E].Path and in emitted events, so storing them
// as constants keeps failures easy to attribute.
//
// Example:
//
//	const (
//	    NormalizePricesName Name = "normalize-prices"
//	    ExpireSessionsName  Name = "expire-sessions"
//	)
type Name = string

// DefaultName is the name reported by TransformIf.
const DefaultName Name = "transform_if"

// Selector decides whether an element is eligible for mutation.
// It receives a copy of the element and must not modify the range.
// A returned error stops the transform and triggers rollback.
type Selector[E any] func(context.Context, E) (bool, error)

// Mutator transforms a selected element in place.
// A returned error stops the transform and triggers rollback; the element
// passed in may have been partially modified when the error is returned.
type Mutator[E any] func(context.Context, *E) error

// Range is a forward-only traversal over the slots of a linear range.
// Each yielded pointer must remain a valid, stable handle to its element
// for the whole call, since rollback writes through it after traversal
// has moved on.
//
// Build ranges with Slice for slices or Seq for any other container.
type Range[E any] iter.Seq[*E]

// Chainable is implemented by anything that processes a value of type T
// under a name. Transformer[E] satisfies Chainable[[]E], which lets it sit
// inside a larger processing pipeline next to other stages.
type Chainable[T any] interface {
	Process(context.Context, T) (T, error)
	Name() Name
}
