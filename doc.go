// Package rollbackz provides a conditional in-place transform over a linear
// range that rolls back its own changes when it fails partway through.
//
// # Overview
//
// TransformIf visits the elements of a range in order, asks a Selector
// whether each one should change and, if so, applies a Mutator to it in
// place. Before every mutation the element is copied into a ledger. If the
// selector or the mutator fails, the ledger is replayed so that every
// backed-up element holds its value from call entry again, and the original
// failure is returned.
//
//	nums := []int{1, 2, 3}
//	err := rollbackz.TransformIf(ctx, rollbackz.Slice(nums),
//	    func(_ context.Context, n int) (bool, error) {
//	        if n == 3 {
//	            return false, errors.New("three is not allowed")
//	        }
//	        return true, nil
//	    },
//	    rollbackz.Modify(func(_ context.Context, n *int) { *n += 2 }),
//	)
//	// nums: [1 2 3] again, err wraps "three is not allowed"
//
// # Guarantees
//
//   - On success, selected elements hold the mutator's output and every
//     other element is untouched.
//   - On failure, every element whose backup was taken is restored.
//   - The error returned is an *Error[E] whose Err is exactly what the
//     selector or mutator returned (or a *PanicError if it panicked).
//   - Nothing after the failing position is visited.
//   - The ledger is released on every path out of the call.
//
// Backups are best-effort. An element type may make its copy fallible by
// implementing TryCloner, or callers may supply Traits with a fallible Copy.
// A failed copy does not fail the call: the element is mutated anyway and is
// listed in Error.Unprotected if a later failure triggers rollback. Restoring
// is best-effort in the same way; a failed write-back is listed in
// Error.Unrestored and the remaining entries are still restored.
//
// # Ranges
//
// A Range is a forward-only iter.Seq of element slots. Slice covers slices;
// Seq adapts any container that can yield stable pointers to its elements,
// such as a linked list.
//
// # Transformer
//
// Transformer wraps a selector and mutator under a name and adds metrics,
// tracing and hooks for completed runs, rollbacks, and failed backups or
// restores. It also satisfies Chainable[[]E] so it can be used as a
// processing stage over slices.
package rollbackz
