package integration

import (
	"context"
	"errors"
	"fmt"
	mathrand "math/rand"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zoobzio/rollbackz"
	rbtest "github.com/zoobzio/rollbackz/testing"
)

// Ledger is an element with reference-typed state, so a shallow copy would
// alias the backup with the live element.
type Ledger struct {
	Entries []int
	Tags    map[string]string
	ID      int
}

func (l Ledger) Clone() Ledger {
	tags := make(map[string]string, len(l.Tags))
	for k, v := range l.Tags {
		tags[k] = v
	}
	return Ledger{ID: l.ID, Entries: slices.Clone(l.Entries), Tags: tags}
}

func (l Ledger) Equal(o Ledger) bool {
	if l.ID != o.ID || !slices.Equal(l.Entries, o.Entries) || len(l.Tags) != len(o.Tags) {
		return false
	}
	for k, v := range l.Tags {
		if o.Tags[k] != v {
			return false
		}
	}
	return true
}

func newLedgers(n int) []Ledger {
	v := make([]Ledger, n)
	for i := range v {
		v[i] = Ledger{ID: i, Entries: []int{i}, Tags: map[string]string{"state": "open"}}
	}
	return v
}

func cloneLedgers(v []Ledger) []Ledger {
	out := make([]Ledger, len(v))
	for i := range v {
		out[i] = v[i].Clone()
	}
	return out
}

// TestRandomFailurePlacement checks the rollback contract over many random
// combinations of failing element, failing copies and failing write-backs.
func TestRandomFailurePlacement(t *testing.T) {
	rng := mathrand.New(mathrand.NewSource(20241015)) //nolint:gosec // G404: deterministic test data

	for round := 0; round < 200; round++ {
		t.Run(fmt.Sprintf("Round %d", round), func(t *testing.T) {
			size := 1 + rng.Intn(64)
			failAt := rng.Intn(size)
			failSelector := rng.Intn(2) == 0
			copyRate := rng.Float64() * 0.5
			assignRate := rng.Float64() * 0.3
			seed := rng.Int63() + 1

			data := newLedgers(size)
			before := cloneLedgers(data)

			selector := func(_ context.Context, l Ledger) (bool, error) {
				if failSelector && l.ID == failAt {
					return false, rbtest.ErrInjected
				}
				return l.ID%3 != 1, nil
			}
			mutator := func(_ context.Context, l *Ledger) error {
				l.Entries = append(l.Entries, -1)
				l.Tags["state"] = "closed"
				if !failSelector && l.ID == failAt {
					return rbtest.ErrInjected
				}
				return nil
			}
			chaos := rbtest.NewChaosTraits(rollbackz.Traits[Ledger]{}, rbtest.ChaosConfig{
				CopyFailureRate:   copyRate,
				AssignFailureRate: assignRate,
				Seed:              seed,
			})

			err := rollbackz.TransformIfWith(context.Background(), rollbackz.Slice(data),
				selector, mutator, chaos.Traits())

			mutatorFails := !failSelector && before[failAt].ID%3 != 1
			if !failSelector && !mutatorFails {
				require.NoError(t, err)
				return
			}
			kind := rollbackz.SelectorFailure
			if mutatorFails {
				kind = rollbackz.MutatorFailure
			}
			txErr := rbtest.AssertFailure[Ledger](t, err, kind, rbtest.ErrInjected)
			assert.Equal(t, failAt, txErr.Position)
			if !slices.Contains(txErr.Unprotected, failAt) {
				assert.True(t, before[failAt].Equal(txErr.InputData), "failure input is not the pre-call value")
			}

			lost := append(slices.Clone(txErr.Unprotected), txErr.Unrestored...)
			for i := range data {
				switch {
				case slices.Contains(lost, i):
					assert.False(t, before[i].Equal(data[i]), "lost position %d was not mutated", i)
				case !before[i].Equal(data[i]):
					t.Errorf("position %d: expected %+v, got %+v", i, before[i], data[i])
				}
			}
			for _, p := range lost {
				assert.LessOrEqual(t, p, failAt, "reported position %d is past the failure", p)
			}
			assert.Equal(t, int(chaos.Stats().Assigns), txErr.Restored+len(txErr.Unrestored))
		})
	}
}

// TestBackupIsIndependentCopy ensures the saved original is unaffected by
// in-place edits that reach into shared storage.
func TestBackupIsIndependentCopy(t *testing.T) {
	data := newLedgers(3)
	before := cloneLedgers(data)

	mut := rbtest.NewMockMutator[Ledger](t, "close").
		WithEdit(func(l *Ledger) {
			l.Entries[0] = 999
			l.Tags["state"] = "closed"
		}).
		FailOnCall(3, nil)

	err := rollbackz.TransformIf(context.Background(), rollbackz.Slice(data),
		rbtest.NewMockSelector[Ledger](t, "all").Selector(), mut.Mutator())

	rbtest.AssertFailure[Ledger](t, err, rollbackz.MutatorFailure, rbtest.ErrInjected)
	for i := range data {
		assert.True(t, before[i].Equal(data[i]), "position %d: expected %+v, got %+v", i, before[i], data[i])
	}
}

// TestAllBackupsFail covers the weakest outcome: every copy fails, so a
// late failure leaves every earlier selected element mutated.
func TestAllBackupsFail(t *testing.T) {
	data := []int{1, 2, 3, 4, 5}
	chaos := rbtest.NewChaosTraits(rollbackz.Traits[int]{}, rbtest.ChaosConfig{CopyFailureRate: 1, Seed: 3})
	mut := rbtest.NewMockMutator[int](t, "inc").
		WithEdit(func(n *int) { *n += 10 }).
		FailOnCall(5, nil)

	err := rollbackz.TransformIfWith(context.Background(), rollbackz.Slice(data),
		rbtest.NewMockSelector[int](t, "all").Selector(), mut.Mutator(), chaos.Traits())

	txErr := rbtest.AssertFailure[int](t, err, rollbackz.MutatorFailure, nil)
	assert.Equal(t, []int{0, 1, 2, 3, 4}, txErr.Unprotected)
	assert.Zero(t, txErr.Restored)
	assert.Equal(t, []int{11, 12, 13, 14, 15}, data)
	assert.Zero(t, chaos.Stats().Assigns)
}

// TestFailureAtEveryPosition moves a single mutator failure across a range
// and checks the range is fully restored each time.
func TestFailureAtEveryPosition(t *testing.T) {
	const size = 32
	for failAt := 0; failAt < size; failAt++ {
		data := sequence(size)
		before := slices.Clone(data)
		mut := rbtest.NewMockMutator[int](t, "neg").
			WithEdit(func(n *int) { *n = -*n - 1 }).
			FailOnCall(failAt+1, errors.New("late"))

		err := rollbackz.TransformIf(context.Background(), rollbackz.Slice(data),
			rbtest.NewMockSelector[int](t, "all").Selector(), mut.Mutator())

		txErr := rbtest.AssertFailure[int](t, err, rollbackz.MutatorFailure, nil)
		assert.Equal(t, failAt, txErr.Position)
		assert.Equal(t, failAt+1, txErr.Restored)
		rbtest.AssertUnchanged(t, before, data)
	}
}
