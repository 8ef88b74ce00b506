// Package clock seams wall-clock time and process liveness so the
// activation state machine can be driven deterministically in tests.
package clock

import (
	"syscall"
	"time"
)

// Clock is the oracle the registry, start-or-attach protocol, and
// watcher use instead of calling time.Now / os.FindProcess directly.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// NowMillis returns the current time as Unix milliseconds, the unit
	// StartIdentifier timestamps are minted in.
	NowMillis() int64

	// PIDAlive reports whether pid refers to a live process.
	PIDAlive(pid int) bool
}

// System is the real Clock, backed by the OS.
type System struct{}

// New returns the real, OS-backed Clock.
func New() System { return System{} }

func (System) Now() time.Time { return time.Now() }

func (System) NowMillis() int64 { return time.Now().UnixMilli() }

// PIDAlive sends signal 0 to pid, which performs the kernel's existence
// and permission checks without actually delivering a signal. A PID
// reused by an unrelated process after the original exited is
// indistinguishable from "still alive" by this check alone; callers
// tolerate that per spec.md invariant 2 ("best-effort").
func (System) PIDAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, syscall.Signal(0))
	if err == nil {
		return true
	}
	return err != syscall.ESRCH
}
