package rollbackz

import (
	"context"
	"errors"
	"time"

	"github.com/zoobzio/clockz"
)

// TransformIf applies mutator in place to every element of rng for which
// selector returns true, visiting elements strictly in range order.
//
// Before each mutation a backup of the element is taken. If the selector or
// the mutator fails, every backed-up element is written back to its value
// from call entry and the failure is returned as an *Error[E] whose Err is
// the original failure. Elements after the failing one are never visited.
//
// Taking a backup is best-effort: when copying an element fails, the
// element is still mutated but cannot be restored should a later element
// fail. Such positions are listed in Error.Unprotected. Backup failures on
// their own never fail the call.
//
// Panics raised by selector or mutator are recovered and reported as a
// failure of the matching Kind carrying a *PanicError.
//
// Example:
//
//	nums := []int{1, 2, 3, 4}
//	err := rollbackz.TransformIf(ctx, rollbackz.Slice(nums),
//	    rollbackz.Condition(func(_ context.Context, n int) bool { return n%2 != 0 }),
//	    rollbackz.Modify(func(_ context.Context, n *int) { *n *= 2 }),
//	)
//	// nums: [2 2 6 4], err: nil
func TransformIf[E any](ctx context.Context, rng Range[E], selector Selector[E], mutator Mutator[E]) error {
	return TransformIfWith(ctx, rng, selector, mutator, DefaultTraits[E]())
}

// TransformIfWith is TransformIf with explicit element traits, for element
// types whose copy or write-back semantics differ from a plain assignment.
func TransformIfWith[E any](ctx context.Context, rng Range[E], selector Selector[E], mutator Mutator[E], traits Traits[E]) error {
	if err := validate(rng, selector, mutator); err != nil {
		return err
	}
	en := &engine[E]{
		name:     DefaultName,
		selector: selector,
		mutator:  mutator,
		traits:   traits.withDefaults(),
		clock:    clockz.RealClock,
	}
	if _, failure := en.run(ctx, rng); failure != nil {
		return failure
	}
	return nil
}

func validate[E any](rng Range[E], selector Selector[E], mutator Mutator[E]) error {
	switch {
	case rng == nil:
		return ErrNilRange
	case selector == nil:
		return ErrNilSelector
	case mutator == nil:
		return ErrNilMutator
	}
	return nil
}

// runHooks lets a caller observe a run. Every field is optional.
type runHooks struct {
	selected      func(position int)
	mutated       func(position int)
	backupFailed  func(position int, err error)
	restoreFailed func(position int, err error)
	// rollback is called before restoring; the returned func, if any, is
	// called once restoring is done.
	rollback func(kind Kind, position int) func(restored int, unrestored []int)
}

type runStats struct {
	visited         int
	selected        int
	mutated         int
	backupFailures  int
	restoreFailures int
	ledgerPeak      int
}

// engine holds everything one run needs. It is built per call and never
// shared.
type engine[E any] struct {
	clock    clockz.Clock
	selector Selector[E]
	mutator  Mutator[E]
	traits   Traits[E]
	hooks    runHooks
	name     Name
}

func (en *engine[E]) run(ctx context.Context, rng Range[E]) (stats runStats, failure *Error[E]) {
	start := en.clock.Now()
	led := newLedger(en.traits.Assign)

	// The ledger is drained on every way out of this function. A panic here
	// can only come from the traversal itself, since capabilities are
	// guarded; the range is restored before the panic continues.
	defer func() {
		stats.ledgerPeak = led.peak
		if r := recover(); r != nil {
			led.restoreAllAndClear(en.restoreFailed(&stats))
			panic(r)
		}
		led.discard()
	}()

	var unprotected []int
	position := -1
	for slot := range rng {
		position++
		stats.visited++
		current := *slot

		var selected bool
		err := guard(func() (err error) {
			selected, err = en.selector(ctx, current)
			return err
		})
		if err != nil {
			failure = en.fail(led, &stats, SelectorFailure, position, current, err, unprotected, start)
			break
		}
		if !selected {
			continue
		}
		stats.selected++
		if en.hooks.selected != nil {
			en.hooks.selected(position)
		}

		var saved E
		err = guard(func() (err error) {
			saved, err = en.traits.Copy(*slot)
			return err
		})
		if err != nil {
			stats.backupFailures++
			unprotected = append(unprotected, position)
			if en.hooks.backupFailed != nil {
				en.hooks.backupFailed(position, err)
			}
		} else {
			led.append(position, slot, saved)
			// The shallow view may share storage with the slot.
			current = saved
		}

		err = guard(func() error {
			return en.mutator(ctx, slot)
		})
		if err != nil {
			failure = en.fail(led, &stats, MutatorFailure, position, current, err, unprotected, start)
			break
		}
		stats.mutated++
		if en.hooks.mutated != nil {
			en.hooks.mutated(position)
		}
	}
	return stats, failure
}

// fail rolls the ledger back and builds the error reported to the caller.
func (en *engine[E]) fail(led *ledger[E], stats *runStats, kind Kind, position int, input E, cause error, unprotected []int, start time.Time) *Error[E] {
	var done func(restored int, unrestored []int)
	if en.hooks.rollback != nil {
		done = en.hooks.rollback(kind, position)
	}
	restored, unrestored := led.restoreAllAndClear(en.restoreFailed(stats))
	if done != nil {
		done(restored, unrestored)
	}
	return &Error[E]{
		Path:        []Name{en.name},
		Kind:        kind,
		Position:    position,
		InputData:   input,
		Err:         cause,
		Restored:    restored,
		Unprotected: unprotected,
		Unrestored:  unrestored,
		Timestamp:   en.clock.Now(),
		Duration:    en.clock.Since(start),
		Timeout:     errors.Is(cause, context.DeadlineExceeded),
		Canceled:    errors.Is(cause, context.Canceled),
	}
}

func (en *engine[E]) restoreFailed(stats *runStats) func(int, error) {
	return func(position int, err error) {
		stats.restoreFailures++
		if en.hooks.restoreFailed != nil {
			en.hooks.restoreFailed(position, err)
		}
	}
}
