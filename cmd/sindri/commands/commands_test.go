package commands

import (
	"errors"
	"fmt"
	"testing"

	"github.com/sindri-dev/sindri/pkg/lifecycle"
	"github.com/sindri-dev/sindri/pkg/restore"
)

func TestExitCodeMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"success", nil, ExitOK},
		{"generic", errors.New("boom"), ExitFailure},
		{"usage", &usageError{err: errors.New("bad flag")}, ExitUsage},
		{"wrapped usage", fmt.Errorf("context: %w", &usageError{err: errors.New("bad")}), ExitUsage},
		{
			"protected extension",
			lifecycle.NewPermanentError("protected", nil).WithCode(lifecycle.ErrCodeProtectedExtension),
			ExitPrecondition,
		},
		{
			"blocked by dependents",
			lifecycle.NewConflictError("dependents", nil).WithCode(lifecycle.ErrCodeRemoveBlocked),
			ExitPrecondition,
		},
		{
			"version not local",
			lifecycle.NewPermanentError("gone", nil).WithCode(lifecycle.ErrCodeVersionNotLocal),
			ExitPrecondition,
		},
		{
			"ledger busy",
			lifecycle.NewThrottledError("locked", nil).WithCode(lifecycle.ErrCodeBusy),
			ExitPrecondition,
		},
		{
			"lifecycle generic",
			lifecycle.NewTransientError("fetch", nil).WithCode(lifecycle.ErrCodeFetchFailed),
			ExitFailure,
		},
		{
			"restore precondition",
			&restore.PreconditionError{Reason: "workspace missing"},
			ExitPrecondition,
		},
		{
			"incompatible manifest",
			&restore.IncompatibleManifestError{Version: "9.0"},
			ExitPrecondition,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExitCode(tt.err); got != tt.want {
				t.Errorf("ExitCode(%v) = %d, want %d", tt.err, got, tt.want)
			}
		})
	}
}

func TestArgValidatorsWrapUsageErrors(t *testing.T) {
	if err := exactArgs(1)(nil, []string{"a", "b"}); err == nil {
		t.Fatal("Expected an error for extra arguments")
	} else if ExitCode(err) != ExitUsage {
		t.Errorf("Expected usage exit code, got %d", ExitCode(err))
	}

	if err := minimumArgs(1)(nil, nil); err == nil {
		t.Fatal("Expected an error for missing arguments")
	} else if ExitCode(err) != ExitUsage {
		t.Errorf("Expected usage exit code, got %d", ExitCode(err))
	}

	if err := maximumArgs(1)(nil, []string{"a"}); err != nil {
		t.Errorf("Expected one argument to pass, got %v", err)
	}
}

func TestParseMode(t *testing.T) {
	for _, s := range []string{"safe", "merge", "full"} {
		if _, err := parseMode(s); err != nil {
			t.Errorf("parseMode(%q) failed: %v", s, err)
		}
	}

	_, err := parseMode("yolo")
	if err == nil {
		t.Fatal("Expected invalid mode to fail")
	}
	if ExitCode(err) != ExitUsage {
		t.Errorf("Expected usage exit code, got %d", ExitCode(err))
	}
}
