package rollbackz

// backup is one saved original value and the slot it came from.
type backup[E any] struct {
	slot     *E
	original E
	position int
}

// ledger records backups for the elements a single transform has mutated.
// It is append-only while the transform moves forward and is emptied
// exactly once, either by discard on success or by restoreAllAndClear on
// failure.
type ledger[E any] struct {
	assign  func(*E, E) error
	entries []backup[E]
	peak    int
}

func newLedger[E any](assign func(*E, E) error) *ledger[E] {
	return &ledger[E]{assign: assign}
}

// append saves original as the restore value for the element at slot.
func (l *ledger[E]) append(position int, slot *E, original E) {
	l.entries = append(l.entries, backup[E]{
		slot:     slot,
		original: original,
		position: position,
	})
	if len(l.entries) > l.peak {
		l.peak = len(l.entries)
	}
}

// restoreAllAndClear writes every saved value back. A failing write is
// reported through onFailure and skipped; the rest are still attempted.
// Entries are replayed newest first, so the element that was being mutated
// when the transform failed is restored before the earlier ones.
func (l *ledger[E]) restoreAllAndClear(onFailure func(position int, err error)) (restored int, unrestored []int) {
	for i := len(l.entries) - 1; i >= 0; i-- {
		entry := &l.entries[i]
		err := guard(func() error {
			return l.assign(entry.slot, entry.original)
		})
		if err != nil {
			unrestored = append(unrestored, entry.position)
			if onFailure != nil {
				onFailure(entry.position, err)
			}
			continue
		}
		restored++
	}
	l.reset()
	return restored, unrestored
}

// discard drops every entry without restoring.
func (l *ledger[E]) discard() {
	l.reset()
}

func (l *ledger[E]) reset() {
	l.entries = nil
}
