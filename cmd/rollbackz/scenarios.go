package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/zoobzio/rollbackz"
)

var scenariosCmd = &cobra.Command{
	Use:   "scenarios",
	Short: "Run the reference rollback scenarios",
	Long: `Run a fixed set of scenarios that check the rollback guarantees:

  odd-doubling        full success, only selected elements change
  selector-failure    a failing selector leaves the range unchanged
  backup-failure      a failing backup copy does not fail the transform
  restore-on-failure  elements mutated before a selector failure are restored
  large-range         a late mutator failure restores a large range
  uppercase           every byte of a string is transformed
  reciprocal          division skips the element it cannot handle`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runScenarios(cmd.Context(), cmd.OutOrStdout(), logger)
	},
}

type scenario struct {
	name string
	run  func(ctx context.Context) error
}

var errScenario = errors.New("scenario failure")

func allScenarios() []scenario {
	return []scenario{
		{name: "odd-doubling", run: scenarioOddDoubling},
		{name: "selector-failure", run: scenarioSelectorFailure},
		{name: "backup-failure", run: scenarioBackupFailure},
		{name: "restore-on-failure", run: scenarioRestoreOnFailure},
		{name: "large-range", run: scenarioLargeRange},
		{name: "uppercase", run: scenarioUppercase},
		{name: "reciprocal", run: scenarioReciprocal},
	}
}

// runScenarios runs every scenario, printing one line per scenario to w.
func runScenarios(ctx context.Context, w io.Writer, log *slog.Logger) error {
	if ctx == nil {
		ctx = context.Background()
	}
	list := allScenarios()
	var failed int
	for _, s := range list {
		start := time.Now()
		err := s.run(ctx)
		elapsed := time.Since(start)
		if err != nil {
			failed++
			fmt.Fprintf(w, "%sFAIL%s %-20s %v\n", colorRed, colorReset, s.name, err)
			log.Error("scenario failed", "scenario", s.name, "error", err, "duration", elapsed)
			continue
		}
		fmt.Fprintf(w, "%sPASS%s %-20s %s%s%s\n", colorGreen, colorReset, s.name, colorGray, elapsed.Round(time.Microsecond), colorReset)
		log.Debug("scenario passed", "scenario", s.name, "duration", elapsed)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d scenarios failed", failed, len(list))
	}
	fmt.Fprintf(w, "%sall %d scenarios passed%s\n", colorCyan, len(list), colorReset)
	return nil
}

func expectValues[E comparable](got, want []E) error {
	if !slices.Equal(got, want) {
		return fmt.Errorf("expected %v, got %v", want, got)
	}
	return nil
}

// expectFailure checks err is a rollback failure of kind carrying cause.
func expectFailure[E any](err error, kind rollbackz.Kind, cause error) error {
	var txErr *rollbackz.Error[E]
	if !errors.As(err, &txErr) {
		return fmt.Errorf("expected a rollback failure, got %v", err)
	}
	if txErr.Kind != kind {
		return fmt.Errorf("expected %s failure, got %s", kind, txErr.Kind)
	}
	if !errors.Is(err, cause) {
		return fmt.Errorf("expected cause %v, got %v", cause, txErr.Err)
	}
	return nil
}

func scenarioOddDoubling(ctx context.Context) error {
	v := []int{1, 2, 3, 4}
	err := rollbackz.TransformIf(ctx, rollbackz.Slice(v),
		rollbackz.Condition(func(_ context.Context, n int) bool { return n%2 != 0 }),
		rollbackz.Modify(func(_ context.Context, n *int) { *n *= 2 }))
	if err != nil {
		return err
	}
	return expectValues(v, []int{2, 2, 6, 4})
}

func scenarioSelectorFailure(ctx context.Context) error {
	v := []string{"aba", "caba"}
	err := rollbackz.TransformIf(ctx, rollbackz.Slice(v),
		func(_ context.Context, s string) (bool, error) {
			if len(s) == 4 {
				return false, errScenario
			}
			return true, nil
		},
		rollbackz.Modify(func(_ context.Context, s *string) { *s = strings.ToUpper(*s) }))
	if err := expectFailure[string](err, rollbackz.SelectorFailure, errScenario); err != nil {
		return err
	}
	return expectValues(v, []string{"aba", "caba"})
}

func scenarioBackupFailure(ctx context.Context) error {
	v := []int{1, 2, 3, 4, 5}
	var copies int
	traits := rollbackz.Traits[int]{
		Copy: func(n int) (int, error) {
			copies++
			if copies == 3 {
				return 0, errScenario
			}
			return n, nil
		},
	}
	err := rollbackz.TransformIfWith(ctx, rollbackz.Slice(v),
		rollbackz.Condition(func(context.Context, int) bool { return true }),
		rollbackz.Modify(func(_ context.Context, n *int) { *n *= *n }),
		traits)
	if err != nil {
		return fmt.Errorf("backup failure must not fail the transform: %w", err)
	}
	return expectValues(v, []int{1, 4, 9, 16, 25})
}

func scenarioRestoreOnFailure(ctx context.Context) error {
	v := []int{1, 2, 3}
	err := rollbackz.TransformIf(ctx, rollbackz.Slice(v),
		func(_ context.Context, n int) (bool, error) {
			if n == 3 {
				return false, errScenario
			}
			return true, nil
		},
		rollbackz.Modify(func(_ context.Context, n *int) { *n += 2 }))
	if err := expectFailure[int](err, rollbackz.SelectorFailure, errScenario); err != nil {
		return err
	}
	return expectValues(v, []int{1, 2, 3})
}

func scenarioLargeRange(ctx context.Context) error {
	const (
		size      = 100_000
		threshold = 10_000
	)
	v := make([]int, size)
	for i := range v {
		v[i] = i
	}
	var counter int
	err := rollbackz.TransformIf(ctx, rollbackz.Slice(v),
		rollbackz.Condition(func(_ context.Context, n int) bool { return n%2 == 0 }),
		func(_ context.Context, n *int) error {
			*n = -*n
			counter++
			if counter >= threshold {
				return errScenario
			}
			return nil
		})
	if err := expectFailure[int](err, rollbackz.MutatorFailure, errScenario); err != nil {
		return err
	}
	for i := 0; i <= 2*(threshold-1); i++ {
		if v[i] != i {
			return fmt.Errorf("position %d holds %d after rollback", i, v[i])
		}
	}
	return nil
}

func scenarioUppercase(ctx context.Context) error {
	s := []byte("abracadabra")
	err := rollbackz.TransformIf(ctx, rollbackz.Slice(s),
		rollbackz.Condition(func(context.Context, byte) bool { return true }),
		rollbackz.Modify(func(_ context.Context, b *byte) { *b -= 'a' - 'A' }))
	if err != nil {
		return err
	}
	if string(s) != "ABRACADABRA" {
		return fmt.Errorf("expected ABRACADABRA, got %s", s)
	}
	return nil
}

func scenarioReciprocal(ctx context.Context) error {
	v := []int{-42, 0, 42}
	err := rollbackz.TransformIf(ctx, rollbackz.Slice(v),
		rollbackz.Condition(func(_ context.Context, n int) bool { return n != 0 }),
		rollbackz.Modify(func(_ context.Context, n *int) { *n = 42 / *n }))
	if err != nil {
		return err
	}
	return expectValues(v, []int{-1, 0, 1})
}
