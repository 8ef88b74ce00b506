// Package handshake implements the shell-facing front command of
// spec.md §4.4: it loads an invocation context, drives start-or-attach
// to a terminal decision, spawns or waits on the executive, and decides
// how the invocation ends (exec, exec -c, or emit replay text).
package handshake

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/flox/flactivate/internal/activationerrors"
	"github.com/flox/flactivate/internal/clock"
	"github.com/flox/flactivate/internal/registry"
	"github.com/flox/flactivate/internal/startattach"
)

// InvocationType is the tagged variant of spec.md §4.4/§9 "Inheritance
// and variants": Interactive, ShellCommand or InPlace. The switches over
// it (readyWaitTimeout here, runStart in cmd/flactivate) name InPlace and
// ShellCommand explicitly and handle every other value, including an
// unrecognised one, as Interactive.
type InvocationType int

const (
	Interactive InvocationType = iota
	ShellCommand
	InPlace
)

// InvocationContext is the context struct spec.md §4.4 describes as
// read from a JSON file path (`--activate-data`).
type InvocationContext struct {
	Mode           registry.Mode   `json:"mode"`
	StorePath      string          `json:"store_path"`
	RuntimeDir     string          `json:"runtime_dir"`
	EnvIdentity    string          `json:"env_identity"`
	ServiceSocket  string          `json:"service_socket,omitempty"`
	InvocationType *InvocationType `json:"invocation_type,omitempty"`
	CommandArgs    []string        `json:"command_args,omitempty"`
	Shell          string          `json:"shell,omitempty"`
}

// Tunables holds the magic numbers spec.md §9 flags as implementer
// tunables rather than hardcoded constants.
type Tunables struct {
	RetryInterval           time.Duration
	WarningInterval         time.Duration
	InteractiveReadyTimeout time.Duration
}

// DefaultTunables matches spec.md §4.4/§9's stated defaults.
func DefaultTunables() Tunables {
	return Tunables{
		RetryInterval:           200 * time.Millisecond,
		WarningInterval:         5 * time.Second,
		InteractiveReadyTimeout: 10 * time.Second,
	}
}

// Starter spawns the executive and returns once it is either ready
// (decision outcome "ready") or has failed. It is the seam between this
// package's pure retry loop and internal/executive's real process spawn.
type Starter interface {
	StartExecutive(ctx context.Context, state *registry.State, id registry.StartIdentifier, callerPID int) error
}

// Waiter is consulted while blocking an Attach to a not-yet-ready start
// (the Open Question resolution: Interactive blocks, InPlace does not).
type Waiter interface {
	WaitUntilReady(ctx context.Context, envDir string, id registry.StartIdentifier, timeout time.Duration) error
}

// Notifier reports the user-visible "still waiting" message at most
// once per WarningInterval (spec.md §4.4 step 2's AlreadyStarting case).
type Notifier func(ownerPID int, id registry.StartIdentifier)

// LoadContext reads and parses the context file at path, removing it
// afterward unless keepFile is true (spec.md §4.4 step 1 / §6
// "_FLOX_NO_REMOVE_ACTIVATION_FILES"). If InvocationType is absent, it
// is inferred: no CommandArgs -> Interactive, else ShellCommand.
func LoadContext(path string, keepFile bool) (InvocationContext, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return InvocationContext{}, fmt.Errorf("read activation context %s: %w", path, err)
	}
	var ic InvocationContext
	if err := json.Unmarshal(data, &ic); err != nil {
		return InvocationContext{}, fmt.Errorf("parse activation context %s: %w", path, err)
	}
	if !keepFile {
		_ = os.Remove(path)
	}
	if ic.InvocationType == nil {
		inferred := Interactive
		if len(ic.CommandArgs) > 0 {
			inferred = ShellCommand
		}
		ic.InvocationType = &inferred
	}
	return ic, nil
}

// Outcome is what Run produces once the handshake completes.
type Outcome struct {
	Decision startattach.Decision
	EnvDir   string
}

// Run implements spec.md §4.4 step 2's retry loop: read, reset-if-dead,
// mode-check, decide, and either start/attach/retry. The lock is
// acquired and released once per iteration via registry.Read/Write; on
// AlreadyStarting the lock is dropped (Write is never called) before
// sleeping, satisfying §4.3's tie-breaking note.
func Run(ctx context.Context, ic InvocationContext, callerPID int, c clock.Clock, tun Tunables, starter Starter, waiter Waiter, notify Notifier) (Outcome, error) {
	envDir := registry.EnvDir(ic.RuntimeDir, ic.EnvIdentity)
	lastWarning := time.Time{}

	for {
		locked, err := registry.Read(envDir)
		if err != nil {
			return Outcome{}, &activationerrors.RegistryIO{Path: envDir, Err: err}
		}

		state := startattach.ResetIfExecutiveDead(locked.State, ic.Mode, c)
		if locked.State != nil && locked.State.Mode != ic.Mode && state.ExecutiveRunning(c) {
			running := pidsFor(state)
			locked.Unlock()
			return Outcome{}, &activationerrors.ModeMismatch{
				Existing:         string(locked.State.Mode),
				Requested:        string(ic.Mode),
				RunningProcesses: running,
			}
		}

		decision := startattach.Decide(state, callerPID, ic.StorePath, c)

		switch decision.Kind {
		case startattach.Start:
			if err := registry.Write(state, locked); err != nil {
				return Outcome{}, &activationerrors.RegistryIO{Path: envDir, Err: err}
			}
			if starter != nil {
				if err := starter.StartExecutive(ctx, state, decision.StartID, callerPID); err != nil {
					return Outcome{}, err
				}
				if err := markStartReady(envDir, decision.StartID); err != nil {
					return Outcome{}, err
				}
			}
			return Outcome{Decision: decision, EnvDir: envDir}, nil

		case startattach.Attach:
			ready := state.IsReady(decision.StartID)
			if err := registry.Write(state, locked); err != nil {
				return Outcome{}, &activationerrors.RegistryIO{Path: envDir, Err: err}
			}
			if !ready && waiter != nil {
				timeout := readyWaitTimeout(ic, tun)
				if timeout > 0 {
					if err := waiter.WaitUntilReady(ctx, envDir, decision.StartID, timeout); err != nil {
						return Outcome{}, err
					}
				}
			}
			return Outcome{Decision: decision, EnvDir: envDir}, nil

		case startattach.AlreadyStarting:
			locked.Unlock()
			if notify != nil && time.Since(lastWarning) >= tun.WarningInterval {
				notify(decision.OwnerPID, decision.StartID)
				lastWarning = time.Now()
			}
			select {
			case <-ctx.Done():
				return Outcome{}, ctx.Err()
			case <-time.After(tun.RetryInterval):
			}
		}
	}
}

// markStartReady implements spec.md §4.5 step 6: once the starter
// confirms the executive is up, reacquire the lock, promote
// starting->active, mark the start ready, and persist. This is the
// only place Active and Ready are ever set in the real flow, and is
// what makes the Attach branch of Decide reachable for later callers.
func markStartReady(envDir string, id registry.StartIdentifier) error {
	locked, err := registry.Read(envDir)
	if err != nil {
		return &activationerrors.RegistryIO{Path: envDir, Err: err}
	}
	state := locked.State
	if state == nil {
		locked.Unlock()
		return &activationerrors.RegistryIO{Path: envDir, Err: fmt.Errorf("no activation state after start")}
	}
	if state.StartingNow != nil && state.StartingNow.StartID.Equal(id) {
		state.StartingNow = nil
	}
	state.Active = &id
	state.SetReady(id)
	if err := registry.Write(state, locked); err != nil {
		return &activationerrors.RegistryIO{Path: envDir, Err: err}
	}
	return nil
}

// readyWaitTimeout resolves the Open Question decision recorded in
// SPEC_FULL.md: Interactive invocations block up to a bounded timeout
// waiting for readiness; InPlace invocations proceed immediately and
// rely on the attach subcommand's expiration grace instead.
func readyWaitTimeout(ic InvocationContext, tun Tunables) time.Duration {
	if ic.InvocationType == nil {
		return tun.InteractiveReadyTimeout
	}
	switch *ic.InvocationType {
	case InPlace:
		return 0
	default:
		return tun.InteractiveReadyTimeout
	}
}

func pidsFor(state *registry.State) []int {
	if state == nil {
		return nil
	}
	seen := make(map[int]bool)
	var pids []int
	for _, attachments := range state.AttachmentsByStartID() {
		for _, a := range attachments {
			if !seen[a.PID] {
				seen[a.PID] = true
				pids = append(pids, a.PID)
			}
		}
	}
	return pids
}

// QuoteShellCommandArg applies spec.md §4.4's quoting rule: wrap in
// double quotes only if the argument contains whitespace, `"`, or a
// backtick; inside quotes, `"` and `` ` `` are backslash-escaped;
// nothing else (notably `$`) is escaped.
func QuoteShellCommandArg(arg string) string {
	needsQuoting := false
	for _, r := range arg {
		switch r {
		case ' ', '\t', '\n', '"', '`':
			needsQuoting = true
		}
	}
	if !needsQuoting {
		return arg
	}
	out := make([]byte, 0, len(arg)+2)
	out = append(out, '"')
	for i := 0; i < len(arg); i++ {
		switch arg[i] {
		case '"', '`':
			out = append(out, '\\', arg[i])
		default:
			out = append(out, arg[i])
		}
	}
	out = append(out, '"')
	return string(out)
}
