package activationerrors

import (
	"errors"
	"testing"
)

func TestModeMismatchError(t *testing.T) {
	t.Parallel()
	err := &ModeMismatch{Existing: "dev", Requested: "run", RunningProcesses: []int{100, 101}}
	msg := err.Error()
	if msg == "" {
		t.Fatal("Error() returned empty string")
	}
	want := `mode mismatch: environment is active in "dev" mode, requested "run" mode (held by pids [100 101])`
	if msg != want {
		t.Errorf("Error() = %q, want %q", msg, want)
	}
}

func TestUnwrapChains(t *testing.T) {
	t.Parallel()
	sentinel := errors.New("boom")

	cases := []error{
		&LockUnavailable{Path: "/tmp/x", Err: sentinel},
		&StateSchemaError{Path: "/tmp/x", Err: sentinel},
		&ExecutiveStartupFailed{PID: 1, Err: sentinel},
		&HookFailed{Err: sentinel},
		&RegistryIO{Path: "/tmp/x", Err: sentinel},
		&CleanupBestEffort{Step: "rename", Err: sentinel},
	}

	for _, err := range cases {
		if !errors.Is(err, sentinel) {
			t.Errorf("errors.Is(%T, sentinel) = false, want true", err)
		}
	}
}

func TestExecutiveStartupFailedWithoutErr(t *testing.T) {
	t.Parallel()
	err := &ExecutiveStartupFailed{PID: 42, ExitCode: 7}
	want := "executive (pid 42) exited with code 7 before becoming ready"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}
