// Package activationerrors defines the typed error taxonomy from
// spec.md §7. Each type carries whatever structured data its recovery
// path needs; all of them are wrappable with fmt.Errorf's %w and
// unwrappable with errors.As.
package activationerrors

import "fmt"

// LockUnavailable means the lock file could not be opened or flock'd.
// Recovery: surface to the user; no retry.
type LockUnavailable struct {
	Path string
	Err  error
}

func (e *LockUnavailable) Error() string {
	return fmt.Sprintf("lock unavailable at %s: %v", e.Path, e.Err)
}

func (e *LockUnavailable) Unwrap() error { return e.Err }

// StateSchemaError means state.json carries an unknown or unparsable
// version. Recovery: surface with version info; user removes the file.
type StateSchemaError struct {
	Path           string
	FoundVersion   int
	WantMaxVersion int
	Err            error
}

func (e *StateSchemaError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("state schema error in %s: %v", e.Path, e.Err)
	}
	return fmt.Sprintf("state schema error in %s: version %d unsupported (this build understands up to %d)",
		e.Path, e.FoundVersion, e.WantMaxVersion)
}

func (e *StateSchemaError) Unwrap() error { return e.Err }

// ModeMismatch means an invocation's mode disagrees with the existing
// state document's immutable mode. Recovery: none automatic; the
// running PIDs are surfaced so the user can decide what to do.
type ModeMismatch struct {
	Existing        string
	Requested       string
	RunningProcesses []int
}

func (e *ModeMismatch) Error() string {
	return fmt.Sprintf("mode mismatch: environment is active in %q mode, requested %q mode (held by pids %v)",
		e.Existing, e.Requested, e.RunningProcesses)
}

// ExecutiveStartupFailed means the spawned executive exited (SIGCHLD)
// before signalling SIGUSR1. Recovery: surfaced; the next invocation
// recovers via executive-liveness-gated state reuse since the recorded
// PID is no longer alive.
type ExecutiveStartupFailed struct {
	PID      int
	ExitCode int
	Err      error
}

func (e *ExecutiveStartupFailed) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("executive (pid %d) failed to start: %v", e.PID, e.Err)
	}
	return fmt.Sprintf("executive (pid %d) exited with code %d before becoming ready", e.PID, e.ExitCode)
}

func (e *ExecutiveStartupFailed) Unwrap() error { return e.Err }

// HookFailed means the on-activate script exited nonzero. Recovery:
// surfaced; the executive aborts and signals the front command with
// SIGUSR2.
type HookFailed struct {
	ExitCode int
	Err      error
}

func (e *HookFailed) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("on-activate hook failed: %v", e.Err)
	}
	return fmt.Sprintf("on-activate hook exited with code %d", e.ExitCode)
}

func (e *HookFailed) Unwrap() error { return e.Err }

// ServiceRuntimeTimeout means the service-runtime socket never became
// ready within the configured timeout. Recovery: surfaced; activation
// is considered failed.
type ServiceRuntimeTimeout struct {
	SocketPath string
	Timeout    string
}

func (e *ServiceRuntimeTimeout) Error() string {
	return fmt.Sprintf("service runtime at %s did not become ready within %s", e.SocketPath, e.Timeout)
}

// RegistryIO means the state document could not be read or written.
// Recovery: surfaced; any leftover state is cleaned up on the next run.
type RegistryIO struct {
	Path string
	Err  error
}

func (e *RegistryIO) Error() string {
	return fmt.Sprintf("registry I/O error on %s: %v", e.Path, e.Err)
}

func (e *RegistryIO) Unwrap() error { return e.Err }

// CleanupBestEffort wraps a failure during teardown (service shutdown,
// directory rename) that is logged but never propagated as fatal —
// cleanup proceeds with its remaining steps regardless.
type CleanupBestEffort struct {
	Step string
	Err  error
}

func (e *CleanupBestEffort) Error() string {
	return fmt.Sprintf("cleanup step %q failed (continuing): %v", e.Step, e.Err)
}

func (e *CleanupBestEffort) Unwrap() error { return e.Err }
