package rollbackz

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestError(t *testing.T) {
	t.Run("Error Message Formatting", func(t *testing.T) {
		baseErr := errors.New("something went wrong")

		t.Run("Mutator Failure", func(t *testing.T) {
			err := &Error[string]{
				Err:       baseErr,
				Kind:      MutatorFailure,
				Path:      []string{"pipeline", "normalize"},
				Position:  3,
				InputData: "test data",
				Duration:  100 * time.Millisecond,
				Timestamp: time.Now(),
			}

			msg := err.Error()
			if !strings.Contains(msg, "pipeline -> normalize") {
				t.Errorf("expected path elements joined in error, got: %s", msg)
			}
			if !strings.Contains(msg, "mutator failed at position 3 after 100ms") {
				t.Errorf("expected kind, position and duration in error, got: %s", msg)
			}
			if !strings.Contains(msg, "something went wrong") {
				t.Errorf("expected base error in message, got: %s", msg)
			}
			if strings.Contains(msg, "restorable") {
				t.Errorf("did not expect restoration note for full restore, got: %s", msg)
			}
		})

		t.Run("Timeout Error", func(t *testing.T) {
			err := &Error[string]{
				Err:      context.DeadlineExceeded,
				Kind:     SelectorFailure,
				Path:     []string{"lookup"},
				Timeout:  true,
				Duration: 5 * time.Second,
			}

			msg := err.Error()
			if !strings.Contains(msg, "lookup: selector timed out at position 0 after 5s") {
				t.Errorf("expected timeout message, got: %s", msg)
			}
		})

		t.Run("Canceled Error", func(t *testing.T) {
			err := &Error[string]{
				Err:      context.Canceled,
				Kind:     MutatorFailure,
				Canceled: true,
				Duration: 200 * time.Millisecond,
			}

			msg := err.Error()
			if !strings.HasPrefix(msg, "mutator canceled at position 0 after 200ms") {
				t.Errorf("expected canceled message without path, got: %s", msg)
			}
		})

		t.Run("Partial Restoration", func(t *testing.T) {
			err := &Error[int]{
				Err:         baseErr,
				Kind:        MutatorFailure,
				Restored:    4,
				Unprotected: []int{1},
				Unrestored:  []int{2, 5},
			}

			msg := err.Error()
			if !strings.Contains(msg, "[restored 4, 3 not restorable]") {
				t.Errorf("expected restoration summary, got: %s", msg)
			}
		})
	})

	t.Run("Unwrap Preserves Original", func(t *testing.T) {
		baseErr := errors.New("original")
		var err error = &Error[int]{Err: fmt.Errorf("context: %w", baseErr), Kind: SelectorFailure}

		if !errors.Is(err, baseErr) {
			t.Error("expected errors.Is to find the original error")
		}

		var txErr *Error[int]
		if !errors.As(err, &txErr) {
			t.Fatal("expected errors.As to find *Error[int]")
		}
		if !txErr.IsSelectorFailure() || txErr.IsMutatorFailure() {
			t.Errorf("expected selector failure, got %s", txErr.Kind)
		}
	})

	t.Run("Timeout And Cancel Detection", func(t *testing.T) {
		timeout := &Error[int]{Err: fmt.Errorf("wrapped: %w", context.DeadlineExceeded)}
		if !timeout.IsTimeout() {
			t.Error("expected wrapped deadline to be detected")
		}
		if timeout.IsCanceled() {
			t.Error("did not expect cancellation")
		}

		canceled := &Error[int]{Err: context.Canceled}
		if !canceled.IsCanceled() {
			t.Error("expected cancellation to be detected")
		}
	})

	t.Run("Fully Restored", func(t *testing.T) {
		if !(&Error[int]{Restored: 3}).FullyRestored() {
			t.Error("expected full restoration with no unprotected or unrestored positions")
		}
		if (&Error[int]{Unprotected: []int{0}}).FullyRestored() {
			t.Error("expected unprotected position to break full restoration")
		}
		if (&Error[int]{Unrestored: []int{0}}).FullyRestored() {
			t.Error("expected unrestored position to break full restoration")
		}
	})
}

func TestKind_String(t *testing.T) {
	if SelectorFailure.String() != "selector" {
		t.Errorf("expected 'selector', got %q", SelectorFailure.String())
	}
	if MutatorFailure.String() != "mutator" {
		t.Errorf("expected 'mutator', got %q", MutatorFailure.String())
	}
	if Kind(0).String() != "unknown" {
		t.Errorf("expected 'unknown', got %q", Kind(0).String())
	}
}

func TestPanicError(t *testing.T) {
	t.Run("Message", func(t *testing.T) {
		err := &PanicError{Value: "boom"}
		if err.Error() != "panic: boom" {
			t.Errorf("expected 'panic: boom', got %q", err.Error())
		}
		if err.Unwrap() != nil {
			t.Error("expected nil unwrap for non-error panic value")
		}
	})

	t.Run("Unwraps Error Values", func(t *testing.T) {
		inner := errors.New("inner")
		var err error = &PanicError{Value: inner}
		if !errors.Is(err, inner) {
			t.Error("expected errors.Is to reach the panicked error")
		}
	})

	t.Run("Guard Recovers", func(t *testing.T) {
		err := guard(func() error { panic(42) })
		var panicErr *PanicError
		if !errors.As(err, &panicErr) {
			t.Fatalf("expected *PanicError, got %v", err)
		}
		if panicErr.Value != 42 {
			t.Errorf("expected panic value 42, got %v", panicErr.Value)
		}
	})

	t.Run("Guard Passes Errors Through", func(t *testing.T) {
		sentinel := errors.New("plain")
		if err := guard(func() error { return sentinel }); err != sentinel {
			t.Errorf("expected sentinel, got %v", err)
		}
		if err := guard(func() error { return nil }); err != nil {
			t.Errorf("expected nil, got %v", err)
		}
	})
}
