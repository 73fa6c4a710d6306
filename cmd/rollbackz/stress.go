package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	mathrand "math/rand"
	"runtime"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/zoobzio/rollbackz"
)

var stressCmd = &cobra.Command{
	Use:   "stress",
	Short: "Run an iterative stress test over large ranges",
	Long: `Run the same failing transform over a fresh large range many times.

Each iteration fills a range with random values, selects the even ones and
rewrites them until the mutator fails at the configured threshold. After
every iteration the range is checked against its original values. Heap usage
is sampled after the first and last iteration to show that backups do not
accumulate across runs.

Flags override values from the config file.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		sc := cfg.Stress
		flags := cmd.Flags()
		if flags.Changed("size") {
			sc.Size, _ = flags.GetInt("size")
		}
		if flags.Changed("iterations") {
			sc.Iterations, _ = flags.GetInt("iterations")
		}
		if flags.Changed("threshold") {
			sc.Threshold, _ = flags.GetInt("threshold")
		}
		if flags.Changed("backup-failure-every") {
			sc.BackupFailureEvery, _ = flags.GetInt("backup-failure-every")
		}
		if flags.Changed("seed") {
			sc.Seed, _ = flags.GetInt64("seed")
		}
		if err := sc.Validate(); err != nil {
			return err
		}

		report, err := runStress(cmd.Context(), sc, logger)
		if err != nil {
			return fmt.Errorf("stress run %s: %w", report.RunID, err)
		}
		report.Print(cmd.OutOrStdout())
		return nil
	},
}

func init() {
	defaults := DefaultConfig().Stress
	stressCmd.Flags().Int("size", defaults.Size, "Elements per range")
	stressCmd.Flags().Int("iterations", defaults.Iterations, "Number of transforms to run")
	stressCmd.Flags().Int("threshold", defaults.Threshold, "Mutator call that fails")
	stressCmd.Flags().Int("backup-failure-every", defaults.BackupFailureEvery, "Fail every n-th backup copy (0 disables)")
	stressCmd.Flags().Int64("seed", defaults.Seed, "Seed for element values (0 for random)")
}

var errThreshold = errors.New("mutation threshold reached")

// stressReport summarizes a stress run.
type stressReport struct {
	RunID       string
	Config      StressConfig
	Duration    time.Duration
	HeapFirst   uint64
	HeapLast    uint64
	Failures    int
	Successes   int
	Restored    int
	Unprotected int
	Unrestored  int
	LedgerPeak  float64
}

// HeapGrowth returns how much the heap grew between the first and last
// iteration, or zero if it shrank.
func (r stressReport) HeapGrowth() uint64 {
	if r.HeapLast > r.HeapFirst {
		return r.HeapLast - r.HeapFirst
	}
	return 0
}

// Print writes a human-readable summary to w.
func (r stressReport) Print(w io.Writer) {
	fmt.Fprintln(w, colorCyan+"═══ STRESS RUN "+r.RunID+" ═══"+colorReset)
	fmt.Fprintf(w, "  size:          %d\n", r.Config.Size)
	fmt.Fprintf(w, "  iterations:    %d (%d rolled back, %d completed)\n", r.Config.Iterations, r.Failures, r.Successes)
	fmt.Fprintf(w, "  restored:      %d\n", r.Restored)
	fmt.Fprintf(w, "  unprotected:   %d\n", r.Unprotected)
	fmt.Fprintf(w, "  unrestored:    %d\n", r.Unrestored)
	fmt.Fprintf(w, "  ledger peak:   %.0f\n", r.LedgerPeak)
	fmt.Fprintf(w, "  heap first:    %d bytes\n", r.HeapFirst)
	fmt.Fprintf(w, "  heap last:     %d bytes\n", r.HeapLast)
	fmt.Fprintf(w, "  heap growth:   %d bytes\n", r.HeapGrowth())
	fmt.Fprintf(w, "  duration:      %s\n", r.Duration.Round(time.Millisecond))
}

// stressRun holds the per-iteration counters the transformer's capabilities
// share.
type stressRun struct {
	calls  int
	copies int
	cfg    StressConfig
}

func (s *stressRun) reset() {
	s.calls = 0
}

func (s *stressRun) mutate(_ context.Context, n *int64) error {
	*n = *n*3 + 1
	s.calls++
	if s.calls >= s.cfg.Threshold {
		return errThreshold
	}
	return nil
}

func (s *stressRun) copy(n int64) (int64, error) {
	s.copies++
	if s.cfg.BackupFailureEvery > 0 && s.copies%s.cfg.BackupFailureEvery == 0 {
		return 0, fmt.Errorf("backup copy %d refused", s.copies)
	}
	return n, nil
}

func isEven(_ context.Context, n int64) bool { return n%2 == 0 }

// runStress runs the configured number of iterations and verifies every
// range after its transform.
func runStress(ctx context.Context, sc StressConfig, log *slog.Logger) (stressReport, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	report := stressReport{RunID: uuid.NewString(), Config: sc}
	log = log.With("run_id", report.RunID)

	seed := sc.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	rng := mathrand.New(mathrand.NewSource(seed)) //nolint:gosec // G404: element values only

	run := &stressRun{cfg: sc}
	tr := rollbackz.NewTransformer[int64]("stress", rollbackz.Condition(isEven), run.mutate).
		WithTraits(rollbackz.Traits[int64]{Copy: run.copy})
	defer tr.Close()

	if err := bridgeEvents(tr, log); err != nil {
		return report, err
	}

	log.Info("stress run started",
		"size", sc.Size,
		"iterations", sc.Iterations,
		"threshold", sc.Threshold,
		"backup_failure_every", sc.BackupFailureEvery,
		"seed", seed)

	var m runtime.MemStats
	start := time.Now()
	data := make([]int64, sc.Size)
	for i := 0; i < sc.Iterations; i++ {
		for j := range data {
			data[j] = rng.Int63n(1 << 40)
		}
		original := slices.Clone(data)
		run.reset()

		err := tr.Apply(ctx, rollbackz.Slice(data))
		if verr := verifyIteration(original, data, err, sc.Threshold); verr != nil {
			log.Error("iteration failed verification", "iteration", i, "error", verr)
			return report, fmt.Errorf("iteration %d: %w", i, verr)
		}

		var txErr *rollbackz.Error[int64]
		if errors.As(err, &txErr) {
			report.Failures++
			report.Restored += txErr.Restored
			report.Unprotected += len(txErr.Unprotected)
			report.Unrestored += len(txErr.Unrestored)
			log.Debug("iteration rolled back",
				"iteration", i,
				"position", txErr.Position,
				"restored", txErr.Restored,
				"unprotected", len(txErr.Unprotected))
		} else {
			report.Successes++
			log.Debug("iteration completed", "iteration", i)
		}

		if i == 0 || i == sc.Iterations-1 {
			original = nil
			runtime.GC()
			runtime.ReadMemStats(&m)
			if i == 0 {
				report.HeapFirst = m.HeapAlloc
			}
			report.HeapLast = m.HeapAlloc
		}
	}
	report.Duration = time.Since(start)
	report.LedgerPeak = tr.Metrics().Gauge(rollbackz.TransformLedgerPeak).Value()

	log.Info("stress run finished",
		"failures", report.Failures,
		"successes", report.Successes,
		"restored", report.Restored,
		"unprotected", report.Unprotected,
		"heap_growth", report.HeapGrowth(),
		"duration", report.Duration)
	return report, nil
}

// verifyIteration checks one transformed range against its original values.
// After a failure every position not reported as lost must hold its
// original value. After a success every even value must have been
// rewritten and every odd value left alone.
func verifyIteration(original, data []int64, err error, threshold int) error {
	if err == nil {
		var mutated int
		for i, old := range original {
			want := old
			if old%2 == 0 {
				want = old*3 + 1
				mutated++
			}
			if data[i] != want {
				return fmt.Errorf("position %d: expected %d, got %d", i, want, data[i])
			}
		}
		if mutated >= threshold {
			return fmt.Errorf("expected a failure after %d mutations, got success", threshold)
		}
		return nil
	}

	var txErr *rollbackz.Error[int64]
	if !errors.As(err, &txErr) {
		return fmt.Errorf("unexpected error: %w", err)
	}
	if !errors.Is(err, errThreshold) {
		return fmt.Errorf("unexpected failure cause: %w", txErr.Err)
	}
	for i, old := range original {
		if slices.Contains(txErr.Unprotected, i) || slices.Contains(txErr.Unrestored, i) {
			continue
		}
		if data[i] != old {
			return fmt.Errorf("position %d: expected %d after rollback, got %d", i, old, data[i])
		}
	}
	return nil
}

// bridgeEvents forwards the transformer's events into the log.
func bridgeEvents(tr *rollbackz.Transformer[int64], log *slog.Logger) error {
	if err := tr.OnRollback(func(_ context.Context, ev rollbackz.TransformEvent) error {
		log.Info("transform rolled back",
			"kind", ev.Kind.String(),
			"position", ev.Position,
			"visited", ev.Visited,
			"restored", ev.Restored,
			"unprotected", len(ev.Unprotected),
			"unrestored", len(ev.Unrestored),
			"duration", ev.Duration)
		return nil
	}); err != nil {
		return fmt.Errorf("register rollback hook: %w", err)
	}
	if err := tr.OnBackupFailed(func(_ context.Context, ev rollbackz.TransformEvent) error {
		log.Debug("backup failed", "position", ev.Position, "error", ev.Error)
		return nil
	}); err != nil {
		return fmt.Errorf("register backup hook: %w", err)
	}
	if err := tr.OnRestoreFailed(func(_ context.Context, ev rollbackz.TransformEvent) error {
		log.Warn("restore failed", "position", ev.Position, "error", ev.Error)
		return nil
	}); err != nil {
		return fmt.Errorf("register restore hook: %w", err)
	}
	if err := tr.OnCompleted(func(_ context.Context, ev rollbackz.TransformEvent) error {
		log.Info("transform completed",
			"visited", ev.Visited,
			"selected", ev.Selected,
			"mutated", ev.Mutated,
			"duration", ev.Duration)
		return nil
	}); err != nil {
		return fmt.Errorf("register completed hook: %w", err)
	}
	return nil
}
