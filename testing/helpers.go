// Package testing provides test utilities for code built on rollbackz.
//
// It includes mock selectors and mutators that record their calls and fail
// on demand, chaos traits that make backups and restores fail, and
// assertions for the rollback guarantees.
//
// Example usage:
//
//	func TestRepricing(t *testing.T) {
//		sel := rbtest.NewMockSelector[Price](t, "all")
//		mut := rbtest.NewMockMutator[Price](t, "reprice").
//			WithEdit(func(p *Price) { p.Amount *= 2 }).
//			FailOnCall(3, errors.New("pricing service down"))
//
//		before := slices.Clone(prices)
//		err := rollbackz.TransformIf(ctx, rollbackz.Slice(prices), sel.Selector(), mut.Mutator())
//
//		rbtest.AssertFailure[Price](t, err, rollbackz.MutatorFailure, nil)
//		rbtest.AssertUnchanged(t, before, prices)
//		rbtest.AssertCalled(t, mut, 3)
//	}
package testing

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	mathrand "math/rand"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zoobzio/rollbackz"
)

// Errors injected by the helpers.
var (
	ErrInjected      = errors.New("injected failure")
	ErrChaosCopy     = errors.New("chaos copy failure")
	ErrChaosAssign   = errors.New("chaos assign failure")
	errPanicInjected = "injected panic"
)

// MockCall represents a single call to a mock selector or mutator.
type MockCall[E any] struct {
	Input     E
	Timestamp time.Time
	Context   context.Context
}

// mockCore holds the bookkeeping shared by MockSelector and MockMutator.
type mockCore[E any] struct { //nolint:govet // fieldalignment: Test helper struct optimized for functionality over memory efficiency
	t           *testing.T
	name        string
	callCount   int64
	failOn      map[int]error
	panicOn     map[int]string
	lastInput   E
	mu          sync.RWMutex
	callHistory []MockCall[E]
	maxHistory  int
}

func newMockCore[E any](t *testing.T, name string) mockCore[E] {
	return mockCore[E]{
		t:          t,
		name:       name,
		failOn:     make(map[int]error),
		panicOn:    make(map[int]string),
		maxHistory: 100, // Keep last 100 calls by default
	}
}

// record registers a call and reports whether it must fail or panic.
func (m *mockCore[E]) record(ctx context.Context, input E) (call int, failErr error, panicMsg string) {
	call = int(atomic.AddInt64(&m.callCount, 1))

	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastInput = input
	if m.maxHistory > 0 {
		m.callHistory = append(m.callHistory, MockCall[E]{
			Input:     input,
			Timestamp: time.Now(),
			Context:   ctx,
		})
		if len(m.callHistory) > m.maxHistory {
			m.callHistory = m.callHistory[1:] // Remove oldest
		}
	}
	return call, m.failOn[call], m.panicOn[call]
}

// Name returns the name of the mock.
func (m *mockCore[E]) Name() rollbackz.Name {
	return rollbackz.Name(m.name)
}

// CallCount returns the number of calls made so far.
func (m *mockCore[E]) CallCount() int {
	return int(atomic.LoadInt64(&m.callCount))
}

// LastInput returns the input of the most recent call.
func (m *mockCore[E]) LastInput() E {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastInput
}

// CallHistory returns a copy of all recorded calls.
// Returns nil if history tracking is disabled.
func (m *mockCore[E]) CallHistory() []MockCall[E] {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.maxHistory == 0 {
		return nil
	}
	history := make([]MockCall[E], len(m.callHistory))
	copy(history, m.callHistory)
	return history
}

// Reset clears call tracking. Configured behavior is kept.
func (m *mockCore[E]) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	atomic.StoreInt64(&m.callCount, 0)
	m.lastInput = *new(E)
	m.callHistory = nil
}

func (m *mockCore[E]) setFailure(call int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		err = ErrInjected
	}
	m.failOn[call] = err
}

func (m *mockCore[E]) setPanic(call int, msg string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if msg == "" {
		msg = errPanicInjected
	}
	m.panicOn[call] = msg
}

func (m *mockCore[E]) setHistorySize(size int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.maxHistory = size
	if size == 0 {
		m.callHistory = nil
	} else if len(m.callHistory) > size {
		m.callHistory = m.callHistory[len(m.callHistory)-size:]
	}
}

// MockSelector is a configurable selector that records every element it is
// asked about. By default it selects everything.
type MockSelector[E any] struct {
	decide func(E) bool
	mockCore[E]
}

// NewMockSelector creates a selector mock that accepts every element.
func NewMockSelector[E any](t *testing.T, name string) *MockSelector[E] {
	return &MockSelector[E]{
		mockCore: newMockCore[E](t, name),
		decide:   func(E) bool { return true },
	}
}

// WithDecision sets the predicate used to answer calls.
func (m *MockSelector[E]) WithDecision(fn func(E) bool) *MockSelector[E] {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.decide = fn
	return m
}

// FailOnCall makes the n-th call (1-based) return err, or ErrInjected if
// err is nil.
func (m *MockSelector[E]) FailOnCall(n int, err error) *MockSelector[E] {
	m.setFailure(n, err)
	return m
}

// PanicOnCall makes the n-th call (1-based) panic with msg.
func (m *MockSelector[E]) PanicOnCall(n int, msg string) *MockSelector[E] {
	m.setPanic(n, msg)
	return m
}

// WithHistorySize configures how many calls to keep in history.
// Set to 0 to disable history tracking.
func (m *MockSelector[E]) WithHistorySize(size int) *MockSelector[E] {
	m.setHistorySize(size)
	return m
}

// Selector returns the rollbackz.Selector backed by this mock.
func (m *MockSelector[E]) Selector() rollbackz.Selector[E] {
	return func(ctx context.Context, e E) (bool, error) {
		_, failErr, panicMsg := m.record(ctx, e)
		if panicMsg != "" {
			panic(panicMsg)
		}
		if failErr != nil {
			return false, failErr
		}
		m.mu.RLock()
		decide := m.decide
		m.mu.RUnlock()
		return decide(e), nil
	}
}

// MockMutator is a configurable mutator that records the value of every
// element it is applied to, as seen before the edit. By default it leaves
// elements unchanged.
type MockMutator[E any] struct {
	edit func(*E)
	mockCore[E]
}

// NewMockMutator creates a mutator mock whose edit is a no-op.
func NewMockMutator[E any](t *testing.T, name string) *MockMutator[E] {
	return &MockMutator[E]{
		mockCore: newMockCore[E](t, name),
		edit:     func(*E) {},
	}
}

// WithEdit sets the in-place edit applied on every call.
func (m *MockMutator[E]) WithEdit(fn func(*E)) *MockMutator[E] {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.edit = fn
	return m
}

// FailOnCall makes the n-th call (1-based) fail with err, or ErrInjected if
// err is nil. The edit is applied before failing, so the element is left
// partially mutated the way a real mutator failing midway would leave it.
func (m *MockMutator[E]) FailOnCall(n int, err error) *MockMutator[E] {
	m.setFailure(n, err)
	return m
}

// PanicOnCall makes the n-th call (1-based) panic with msg after applying
// the edit.
func (m *MockMutator[E]) PanicOnCall(n int, msg string) *MockMutator[E] {
	m.setPanic(n, msg)
	return m
}

// WithHistorySize configures how many calls to keep in history.
// Set to 0 to disable history tracking.
func (m *MockMutator[E]) WithHistorySize(size int) *MockMutator[E] {
	m.setHistorySize(size)
	return m
}

// Mutator returns the rollbackz.Mutator backed by this mock.
func (m *MockMutator[E]) Mutator() rollbackz.Mutator[E] {
	return func(ctx context.Context, e *E) error {
		_, failErr, panicMsg := m.record(ctx, *e)
		m.mu.RLock()
		edit := m.edit
		m.mu.RUnlock()
		edit(e)
		if panicMsg != "" {
			panic(panicMsg)
		}
		return failErr
	}
}

// Counter is satisfied by MockSelector and MockMutator.
type Counter interface {
	Name() rollbackz.Name
	CallCount() int
}

// Assertion Helpers

// AssertCalled verifies that a mock was called exactly n times.
func AssertCalled(t *testing.T, mock Counter, expectedCalls int) {
	t.Helper()
	assert.Equal(t, expectedCalls, mock.CallCount(),
		"expected mock %s to be called %d times", mock.Name(), expectedCalls)
}

// AssertNotCalled verifies that a mock was never called.
func AssertNotCalled(t *testing.T, mock Counter) {
	t.Helper()
	AssertCalled(t, mock, 0)
}

// AssertUnchanged verifies that a range holds exactly the values it held
// before the transform.
func AssertUnchanged[E any](t *testing.T, before, after []E) {
	t.Helper()
	assert.Equal(t, before, after, "expected range to be unchanged")
}

// AssertRestoredExcept verifies that every position other than the given
// ones holds its value from before the transform.
func AssertRestoredExcept[E any](t *testing.T, before, after []E, positions ...int) {
	t.Helper()
	require.Len(t, after, len(before), "range length changed")
	for i := range before {
		if slices.Contains(positions, i) {
			continue
		}
		assert.Equal(t, before[i], after[i], "position %d was not restored", i)
	}
}

// AssertTransformed verifies the success outcome: every element for which
// selected holds equals want applied to its old value, every other element
// is unchanged.
func AssertTransformed[E any](t *testing.T, before, after []E, selected func(E) bool, want func(E) E) {
	t.Helper()
	require.Len(t, after, len(before), "range length changed")
	for i, old := range before {
		if selected(old) {
			assert.Equal(t, want(old), after[i], "position %d was not transformed", i)
			continue
		}
		assert.Equal(t, old, after[i], "unselected position %d changed", i)
	}
}

// AssertFailure verifies that err is a rollback failure of the given kind
// and, when cause is non-nil, that it carries cause. It returns the
// *rollbackz.Error for further checks.
func AssertFailure[E any](t *testing.T, err error, kind rollbackz.Kind, cause error) *rollbackz.Error[E] {
	t.Helper()
	var txErr *rollbackz.Error[E]
	require.ErrorAs(t, err, &txErr)
	assert.Equal(t, kind, txErr.Kind, "unexpected failure kind")
	if cause != nil {
		assert.ErrorIs(t, err, cause)
	}
	return txErr
}

// ChaosTraits wraps element traits and makes copies and write-backs fail,
// either at random or on specific calls.
type ChaosTraits[E any] struct { //nolint:govet // fieldalignment: Test helper struct optimized for functionality over memory efficiency
	base              rollbackz.Traits[E]
	copyFailureRate   float64
	assignFailureRate float64
	panicRate         float64
	failCopies        map[int]bool
	failAssigns       map[int]bool
	rng               *mathrand.Rand
	mu                sync.Mutex
	copies            int64
	copyFailures      int64
	assigns           int64
	assignFailures    int64
	panics            int64
}

// ChaosConfig holds configuration for chaos traits.
type ChaosConfig struct {
	CopyFailureRate   float64 // Probability of a copy failing (0.0 to 1.0)
	AssignFailureRate float64 // Probability of a write-back failing (0.0 to 1.0)
	PanicRate         float64 // Probability that an injected failure panics instead of returning an error
	Seed              int64   // Random seed for reproducible chaos (0 for random seed)
}

// NewChaosTraits wraps base, which defaults to rollbackz.DefaultTraits when
// its fields are nil.
func NewChaosTraits[E any](base rollbackz.Traits[E], config ChaosConfig) *ChaosTraits[E] {
	seed := config.Seed
	if seed == 0 {
		// Use crypto/rand for better randomness
		var seedBytes [8]byte
		if _, err := rand.Read(seedBytes[:]); err != nil {
			seed = time.Now().UnixNano()
		} else {
			for _, b := range seedBytes {
				seed = seed<<8 | int64(b)
			}
		}
	}

	defaults := rollbackz.DefaultTraits[E]()
	if base.Copy == nil {
		base.Copy = defaults.Copy
	}
	if base.Assign == nil {
		base.Assign = defaults.Assign
	}

	return &ChaosTraits[E]{
		base:              base,
		copyFailureRate:   config.CopyFailureRate,
		assignFailureRate: config.AssignFailureRate,
		panicRate:         config.PanicRate,
		failCopies:        make(map[int]bool),
		failAssigns:       make(map[int]bool),
		rng:               mathrand.New(mathrand.NewSource(seed)), //nolint:gosec // G404: Test utility uses weak RNG for deterministic chaos scenarios
	}
}

// FailCopyOn makes the given copy calls (1-based) fail.
func (c *ChaosTraits[E]) FailCopyOn(calls ...int) *ChaosTraits[E] {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, n := range calls {
		c.failCopies[n] = true
	}
	return c
}

// FailAssignOn makes the given write-back calls (1-based) fail.
func (c *ChaosTraits[E]) FailAssignOn(calls ...int) *ChaosTraits[E] {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, n := range calls {
		c.failAssigns[n] = true
	}
	return c
}

// inject decides whether the current call fails and whether it panics.
func (c *ChaosTraits[E]) inject(call int, scheduled map[int]bool, rate float64) (fail, panics bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fail = scheduled[call] || c.rng.Float64() < rate
	if fail {
		panics = c.rng.Float64() < c.panicRate
	}
	return fail, panics
}

// Traits returns the rollbackz.Traits with chaos injected.
func (c *ChaosTraits[E]) Traits() rollbackz.Traits[E] {
	return rollbackz.Traits[E]{
		Copy: func(e E) (E, error) {
			call := int(atomic.AddInt64(&c.copies, 1))
			if fail, panics := c.inject(call, c.failCopies, c.copyFailureRate); fail {
				atomic.AddInt64(&c.copyFailures, 1)
				if panics {
					atomic.AddInt64(&c.panics, 1)
					panic(ErrChaosCopy)
				}
				var zero E
				return zero, ErrChaosCopy
			}
			return c.base.Copy(e)
		},
		Assign: func(dst *E, src E) error {
			call := int(atomic.AddInt64(&c.assigns, 1))
			if fail, panics := c.inject(call, c.failAssigns, c.assignFailureRate); fail {
				atomic.AddInt64(&c.assignFailures, 1)
				if panics {
					atomic.AddInt64(&c.panics, 1)
					panic(ErrChaosAssign)
				}
				return ErrChaosAssign
			}
			return c.base.Assign(dst, src)
		},
	}
}

// Stats returns statistics about chaos injection.
func (c *ChaosTraits[E]) Stats() ChaosStats {
	return ChaosStats{
		Copies:         atomic.LoadInt64(&c.copies),
		CopyFailures:   atomic.LoadInt64(&c.copyFailures),
		Assigns:        atomic.LoadInt64(&c.assigns),
		AssignFailures: atomic.LoadInt64(&c.assignFailures),
		Panics:         atomic.LoadInt64(&c.panics),
	}
}

// ChaosStats holds statistics about chaos injection.
type ChaosStats struct {
	Copies         int64
	CopyFailures   int64
	Assigns        int64
	AssignFailures int64
	Panics         int64
}

// CopyFailureRate returns the observed copy failure rate.
func (s ChaosStats) CopyFailureRate() float64 {
	if s.Copies == 0 {
		return 0
	}
	return float64(s.CopyFailures) / float64(s.Copies)
}

// AssignFailureRate returns the observed write-back failure rate.
func (s ChaosStats) AssignFailureRate() float64 {
	if s.Assigns == 0 {
		return 0
	}
	return float64(s.AssignFailures) / float64(s.Assigns)
}

// String returns a human-readable representation of the stats.
func (s ChaosStats) String() string {
	return fmt.Sprintf("ChaosStats{Copies: %d, CopyFailures: %d (%.1f%%), Assigns: %d, AssignFailures: %d (%.1f%%), Panics: %d}",
		s.Copies, s.CopyFailures, s.CopyFailureRate()*100,
		s.Assigns, s.AssignFailures, s.AssignFailureRate()*100,
		s.Panics)
}

// Helper Functions

// ParallelTest runs a test function in parallel with multiple goroutines.
// Each goroutine should work on its own range.
func ParallelTest(t *testing.T, goroutines int, testFunc func(int)) {
	t.Helper()

	var wg sync.WaitGroup
	wg.Add(goroutines)

	for i := 0; i < goroutines; i++ {
		go func(id int) {
			defer wg.Done()
			testFunc(id)
		}(i)
	}

	wg.Wait()
}

// MeasureLatency measures the latency of a function call.
func MeasureLatency(fn func()) time.Duration {
	start := time.Now()
	fn()
	return time.Since(start)
}
