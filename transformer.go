package rollbackz

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/zoobzio/clockz"
	"github.com/zoobzio/hookz"
	"github.com/zoobzio/metricz"
	"github.com/zoobzio/tracez"
)

// Observability constants for the Transformer.
const (
	// Metrics.
	TransformProcessedTotal       = metricz.Key("transform.processed.total")
	TransformSuccessesTotal       = metricz.Key("transform.successes.total")
	TransformFailuresTotal        = metricz.Key("transform.failures.total")
	TransformSelectedTotal        = metricz.Key("transform.selected.total")
	TransformMutatedTotal         = metricz.Key("transform.mutated.total")
	TransformBackupFailuresTotal  = metricz.Key("transform.backup.failures.total")
	TransformRestoreFailuresTotal = metricz.Key("transform.restore.failures.total")
	TransformRollbacksTotal       = metricz.Key("transform.rollbacks.total")
	TransformDurationMs           = metricz.Key("transform.duration.ms")
	TransformLedgerPeak           = metricz.Key("transform.ledger.peak")

	// Spans.
	TransformProcessSpan  = tracez.Key("transform.process")
	TransformRollbackSpan = tracez.Key("transform.rollback")

	// Tags.
	TransformTagName        = tracez.Tag("transform.name")
	TransformTagVisited     = tracez.Tag("transform.visited")
	TransformTagSuccess     = tracez.Tag("transform.success")
	TransformTagError       = tracez.Tag("transform.error")
	TransformTagKind        = tracez.Tag("transform.kind")
	TransformTagPosition    = tracez.Tag("transform.position")
	TransformTagRestored    = tracez.Tag("transform.restored")
	TransformTagUnrestored  = tracez.Tag("transform.unrestored")
	TransformTagUnprotected = tracez.Tag("transform.unprotected")

	// Hook event keys.
	TransformEventCompleted     = hookz.Key("transform.completed")
	TransformEventRollback      = hookz.Key("transform.rollback")
	TransformEventBackupFailed  = hookz.Key("transform.backup_failed")
	TransformEventRestoreFailed = hookz.Key("transform.restore_failed")
)

// TransformEvent is emitted via hookz at the end of a run and whenever a
// backup or a restore fails inside one.
type TransformEvent struct {
	Timestamp   time.Time     // When the event occurred
	Error       error         // Failure that caused rollback, or the backup/restore error
	Name        Name          // Transformer name
	Unprotected []int         // Positions mutated without a backup (rollback only)
	Unrestored  []int         // Positions whose restore failed (rollback only)
	Duration    time.Duration // Run time up to the event (completed and rollback only)
	Position    int           // Failing position, or the position of the backup/restore failure
	Visited     int           // Elements visited by the run
	Selected    int           // Elements the selector accepted
	Mutated     int           // Elements the mutator completed on
	Restored    int           // Elements written back (rollback only)
	Kind        Kind          // Failure kind (rollback only)
}

// Transformer runs TransformIf with a fixed selector and mutator and
// reports what each run did.
//
// Transformer is safe for concurrent use: its configuration can be changed
// at runtime while runs are in flight, and each run takes a snapshot of the
// configuration when it starts. A single run is still single-threaded and
// owns the range it was given.
//
// Example:
//
//	expire := rollbackz.NewTransformer("expire-sessions",
//	    rollbackz.Condition(func(_ context.Context, s Session) bool {
//	        return s.LastSeen.Before(cutoff)
//	    }),
//	    func(ctx context.Context, s *Session) error {
//	        s.State = Expired
//	        return store.Revoke(ctx, s.Token)
//	    },
//	)
//	defer expire.Close()
//
//	expire.OnRollback(func(_ context.Context, ev rollbackz.TransformEvent) error {
//	    log.Printf("expiry rolled back at %d: %v", ev.Position, ev.Error)
//	    return nil
//	})
//
//	if err := expire.Apply(ctx, rollbackz.Slice(sessions)); err != nil {
//	    return err
//	}
//
// # Observability
//
// Metrics:
//   - transform.processed.total: Counter of runs
//   - transform.successes.total: Counter of runs that completed
//   - transform.failures.total: Counter of runs that rolled back
//   - transform.selected.total: Counter of elements the selector accepted
//   - transform.mutated.total: Counter of completed mutations
//   - transform.backup.failures.total: Counter of failed backups
//   - transform.restore.failures.total: Counter of failed write-backs
//   - transform.rollbacks.total: Counter of rollbacks performed
//   - transform.duration.ms: Gauge of the last run's duration
//   - transform.ledger.peak: Gauge of the largest ledger in the last run
//
// Traces:
//   - transform.process: Span for a whole run
//   - transform.rollback: Child span for the rollback of a failed run
//
// Events (via hooks):
//   - transform.completed: Fired when a run completes without failure
//   - transform.rollback: Fired after a failed run has been rolled back
//   - transform.backup_failed: Fired for each element whose backup failed
//   - transform.restore_failed: Fired for each backup that could not be written back
type Transformer[E any] struct {
	clock    clockz.Clock
	selector Selector[E]
	mutator  Mutator[E]
	traits   Traits[E]
	name     Name
	mu       sync.RWMutex

	// Observability
	metrics *metricz.Registry
	tracer  *tracez.Tracer
	hooks   *hookz.Hooks[TransformEvent]
}

// NewTransformer creates a Transformer using the default element traits.
func NewTransformer[E any](name Name, selector Selector[E], mutator Mutator[E]) *Transformer[E] {
	// Initialize observability
	metrics := metricz.New()
	metrics.Counter(TransformProcessedTotal)
	metrics.Counter(TransformSuccessesTotal)
	metrics.Counter(TransformFailuresTotal)
	metrics.Counter(TransformSelectedTotal)
	metrics.Counter(TransformMutatedTotal)
	metrics.Counter(TransformBackupFailuresTotal)
	metrics.Counter(TransformRestoreFailuresTotal)
	metrics.Counter(TransformRollbacksTotal)
	metrics.Gauge(TransformDurationMs)
	metrics.Gauge(TransformLedgerPeak)

	return &Transformer[E]{
		name:     name,
		selector: selector,
		mutator:  mutator,
		traits:   DefaultTraits[E](),
		metrics:  metrics,
		tracer:   tracez.New(),
		hooks:    hookz.New[TransformEvent](),
	}
}

// Apply runs the transform over rng. See TransformIf for the guarantees.
func (t *Transformer[E]) Apply(ctx context.Context, rng Range[E]) error {
	t.mu.RLock()
	en := &engine[E]{
		name:     t.name,
		selector: t.selector,
		mutator:  t.mutator,
		traits:   t.traits,
		clock:    t.getClock(),
	}
	t.mu.RUnlock()

	if err := validate(rng, en.selector, en.mutator); err != nil {
		return err
	}

	t.metrics.Counter(TransformProcessedTotal).Inc()

	ctx, span := t.tracer.StartSpan(ctx, TransformProcessSpan)
	defer span.Finish()
	span.SetTag(TransformTagName, en.name)

	en.hooks = t.runHooks(ctx, en.name, en.clock)

	start := en.clock.Now()
	stats, failure := en.run(ctx, rng)
	elapsed := en.clock.Since(start)

	t.metrics.Gauge(TransformDurationMs).Set(float64(elapsed.Milliseconds()))
	t.metrics.Gauge(TransformLedgerPeak).Set(float64(stats.ledgerPeak))
	span.SetTag(TransformTagVisited, strconv.Itoa(stats.visited))

	if failure != nil {
		t.metrics.Counter(TransformFailuresTotal).Inc()
		span.SetTag(TransformTagSuccess, "false")
		span.SetTag(TransformTagKind, failure.Kind.String())
		span.SetTag(TransformTagError, failure.Err.Error())
		span.SetTag(TransformTagUnprotected, strconv.Itoa(len(failure.Unprotected)))

		_ = t.hooks.Emit(ctx, TransformEventRollback, TransformEvent{ //nolint:errcheck
			Name:        en.name,
			Kind:        failure.Kind,
			Position:    failure.Position,
			Error:       failure.Err,
			Visited:     stats.visited,
			Selected:    stats.selected,
			Mutated:     stats.mutated,
			Restored:    failure.Restored,
			Unprotected: failure.Unprotected,
			Unrestored:  failure.Unrestored,
			Duration:    elapsed,
			Timestamp:   en.clock.Now(),
		})
		return failure
	}

	t.metrics.Counter(TransformSuccessesTotal).Inc()
	span.SetTag(TransformTagSuccess, "true")

	_ = t.hooks.Emit(ctx, TransformEventCompleted, TransformEvent{ //nolint:errcheck
		Name:      en.name,
		Position:  stats.visited - 1,
		Visited:   stats.visited,
		Selected:  stats.selected,
		Mutated:   stats.mutated,
		Duration:  elapsed,
		Timestamp: en.clock.Now(),
	})
	return nil
}

// Process implements Chainable[[]E]. The slice is transformed in place and
// returned; on failure it is returned after rollback.
func (t *Transformer[E]) Process(ctx context.Context, data []E) ([]E, error) {
	return data, t.Apply(ctx, Slice(data))
}

// runHooks wires a run's internal events to metrics, spans and hooks.
func (t *Transformer[E]) runHooks(ctx context.Context, name Name, clock clockz.Clock) runHooks {
	return runHooks{
		selected: func(int) {
			t.metrics.Counter(TransformSelectedTotal).Inc()
		},
		mutated: func(int) {
			t.metrics.Counter(TransformMutatedTotal).Inc()
		},
		backupFailed: func(position int, err error) {
			t.metrics.Counter(TransformBackupFailuresTotal).Inc()
			_ = t.hooks.Emit(ctx, TransformEventBackupFailed, TransformEvent{ //nolint:errcheck
				Name:      name,
				Position:  position,
				Error:     err,
				Timestamp: clock.Now(),
			})
		},
		restoreFailed: func(position int, err error) {
			t.metrics.Counter(TransformRestoreFailuresTotal).Inc()
			_ = t.hooks.Emit(ctx, TransformEventRestoreFailed, TransformEvent{ //nolint:errcheck
				Name:      name,
				Position:  position,
				Error:     err,
				Timestamp: clock.Now(),
			})
		},
		rollback: func(kind Kind, position int) func(int, []int) {
			t.metrics.Counter(TransformRollbacksTotal).Inc()
			_, span := t.tracer.StartSpan(ctx, TransformRollbackSpan)
			span.SetTag(TransformTagKind, kind.String())
			span.SetTag(TransformTagPosition, strconv.Itoa(position))
			return func(restored int, unrestored []int) {
				span.SetTag(TransformTagRestored, strconv.Itoa(restored))
				span.SetTag(TransformTagUnrestored, strconv.Itoa(len(unrestored)))
				span.Finish()
			}
		},
	}
}

// SetSelector replaces the selector used by subsequent runs.
func (t *Transformer[E]) SetSelector(selector Selector[E]) *Transformer[E] {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.selector = selector
	return t
}

// SetMutator replaces the mutator used by subsequent runs.
func (t *Transformer[E]) SetMutator(mutator Mutator[E]) *Transformer[E] {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.mutator = mutator
	return t
}

// WithTraits sets the element traits used to take and replay backups.
// Nil fields fall back to the defaults.
func (t *Transformer[E]) WithTraits(traits Traits[E]) *Transformer[E] {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.traits = traits.withDefaults()
	return t
}

// WithClock sets a custom clock for testing.
func (t *Transformer[E]) WithClock(clock clockz.Clock) *Transformer[E] {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.clock = clock
	return t
}

// getClock returns the clock to use.
func (t *Transformer[E]) getClock() clockz.Clock {
	if t.clock == nil {
		return clockz.RealClock
	}
	return t.clock
}

// Selector returns the current selector.
func (t *Transformer[E]) Selector() Selector[E] {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.selector
}

// Mutator returns the current mutator.
func (t *Transformer[E]) Mutator() Mutator[E] {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.mutator
}

// Traits returns the current element traits.
func (t *Transformer[E]) Traits() Traits[E] {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.traits
}

// Name returns the name of this transformer.
func (t *Transformer[E]) Name() Name {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.name
}

// Metrics returns the metrics registry for this transformer.
func (t *Transformer[E]) Metrics() *metricz.Registry {
	return t.metrics
}

// Tracer returns the tracer for this transformer.
func (t *Transformer[E]) Tracer() *tracez.Tracer {
	return t.tracer
}

// Close gracefully shuts down observability components.
func (t *Transformer[E]) Close() error {
	if t.tracer != nil {
		t.tracer.Close()
	}
	t.hooks.Close()
	return nil
}

// OnCompleted registers a handler for runs that finish without failure.
// The handler is called asynchronously.
func (t *Transformer[E]) OnCompleted(handler func(context.Context, TransformEvent) error) error {
	_, err := t.hooks.Hook(TransformEventCompleted, handler)
	return err
}

// OnRollback registers a handler for runs that failed and were rolled back.
// The handler is called asynchronously after restoring has finished.
func (t *Transformer[E]) OnRollback(handler func(context.Context, TransformEvent) error) error {
	_, err := t.hooks.Hook(TransformEventRollback, handler)
	return err
}

// OnBackupFailed registers a handler for elements whose backup could not be
// taken. The handler is called asynchronously.
func (t *Transformer[E]) OnBackupFailed(handler func(context.Context, TransformEvent) error) error {
	_, err := t.hooks.Hook(TransformEventBackupFailed, handler)
	return err
}

// OnRestoreFailed registers a handler for backups that could not be written
// back during rollback. The handler is called asynchronously.
func (t *Transformer[E]) OnRestoreFailed(handler func(context.Context, TransformEvent) error) error {
	_, err := t.hooks.Hook(TransformEventRestoreFailed, handler)
	return err
}
