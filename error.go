package rollbackz

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Argument errors returned before any element is visited.
var (
	ErrNilRange    = errors.New("range is nil")
	ErrNilSelector = errors.New("selector is nil")
	ErrNilMutator  = errors.New("mutator is nil")
)

// ErrShallowCopy is returned by the default copy for element types that
// share storage through fields it cannot reach. Such elements are mutated
// without a backup and reported in Error.Unprotected.
var ErrShallowCopy = errors.New("element cannot be deep-copied")

// Kind identifies which capability raised a transform failure.
type Kind uint8

const (
	// SelectorFailure means the selector failed. The element under test
	// was not mutated.
	SelectorFailure Kind = iota + 1

	// MutatorFailure means the mutator failed. The element under test may
	// have been partially mutated before rollback restored it.
	MutatorFailure
)

// String returns the kind as used in error messages and span tags.
func (k Kind) String() string {
	switch k {
	case SelectorFailure:
		return "selector"
	case MutatorFailure:
		return "mutator"
	default:
		return "unknown"
	}
}

// Error describes a failed transform after rollback has completed.
// Err is exactly the error (or *PanicError) raised by the selector or
// mutator; rollback never replaces it. InputData is the failing element as
// it was before the call; when its backup failed it is a shallow copy and
// may share storage with the mutated element.
//
// Rollback bookkeeping:
//   - Restored counts elements written back from their backups.
//   - Unprotected lists positions that were mutated without a backup
//     because the copy failed. They may still hold mutated values.
//   - Unrestored lists positions whose backup existed but whose write-back
//     failed. They may still hold mutated values.
//
// Example:
//
//	err := rollbackz.TransformIf(ctx, rollbackz.Slice(prices), selector, mutator)
//	var txErr *rollbackz.Error[Price]
//	if errors.As(err, &txErr) {
//	    log.Printf("%s failed at %d: %v", txErr.Kind, txErr.Position, txErr.Err)
//	}
type Error[E any] struct {
	Timestamp   time.Time
	InputData   E
	Err         error
	Path        []Name
	Unprotected []int
	Unrestored  []int
	Duration    time.Duration
	Position    int
	Restored    int
	Kind        Kind
	Timeout     bool
	Canceled    bool
}

// Error implements the error interface.
func (e *Error[E]) Error() string {
	var b strings.Builder
	if len(e.Path) > 0 {
		b.WriteString(strings.Join(e.Path, " -> "))
		b.WriteString(": ")
	}
	outcome := "failed"
	switch {
	case e.Timeout:
		outcome = "timed out"
	case e.Canceled:
		outcome = "canceled"
	}
	fmt.Fprintf(&b, "%s %s at position %d after %v: %v", e.Kind, outcome, e.Position, e.Duration, e.Err)
	if n := len(e.Unprotected) + len(e.Unrestored); n > 0 {
		fmt.Fprintf(&b, " [restored %d, %d not restorable]", e.Restored, n)
	}
	return b.String()
}

// Unwrap returns the original selector or mutator failure.
func (e *Error[E]) Unwrap() error {
	return e.Err
}

// IsTimeout reports whether the failure was a deadline expiry.
func (e *Error[E]) IsTimeout() bool {
	return e.Timeout || errors.Is(e.Err, context.DeadlineExceeded)
}

// IsCanceled reports whether the failure was a cancellation.
func (e *Error[E]) IsCanceled() bool {
	return e.Canceled || errors.Is(e.Err, context.Canceled)
}

// IsSelectorFailure reports whether the selector raised the failure.
func (e *Error[E]) IsSelectorFailure() bool {
	return e.Kind == SelectorFailure
}

// IsMutatorFailure reports whether the mutator raised the failure.
func (e *Error[E]) IsMutatorFailure() bool {
	return e.Kind == MutatorFailure
}

// FullyRestored reports whether every mutated element is back at its value
// from call entry.
func (e *Error[E]) FullyRestored() bool {
	return len(e.Unprotected) == 0 && len(e.Unrestored) == 0
}

// PanicError carries a value recovered from a panicking selector or mutator.
type PanicError struct {
	Value any
}

// Error implements the error interface.
func (p *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", p.Value)
}

// Unwrap exposes the panic value when it was itself an error.
func (p *PanicError) Unwrap() error {
	if err, ok := p.Value.(error); ok {
		return err
	}
	return nil
}
