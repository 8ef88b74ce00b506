// Package watcher implements the executive's attachment-monitoring loop
// of spec.md §4.6/§4.7: poll the registry and the PID oracle until every
// attachment for a start is gone, then hand cleanup back to the caller
// while still holding the registry lock.
package watcher

import (
	"sync"
	"time"

	"github.com/flox/flactivate/internal/clock"
	"github.com/flox/flactivate/internal/registry"
)

// DefaultPollInterval is the watcher's fixed poll interval (spec.md §4.7).
const DefaultPollInterval = 500 * time.Millisecond

// Outcome discriminates the three exit conditions of wait_for_termination.
type Outcome int

const (
	// CleanUp means every attachment is gone; the caller holds the lock
	// and must proceed straight to teardown.
	CleanUp Outcome = iota
	// Terminate means a terminal signal was raised; state is left as-is
	// for recovery by a future invocation.
	Terminate
	// Err means the registry was unreadable or the lock could not be
	// acquired; Result.Err carries the cause.
	Err
)

// Result is what WaitForTermination returns.
type Result struct {
	Outcome Outcome
	// Locked is set only for CleanUp: the still-locked registry read, so
	// the caller can remove the document's directory atomically with
	// respect to other invocations.
	Locked *registry.Locked
	Err    error
}

// Drainer reaps SIGCHLD-eligible children. It is satisfied by a
// subreaper's waitpid(-1, WNOHANG) sweep; tests may use a no-op.
type Drainer interface {
	DrainExited()
}

// Watcher runs the poll loop of spec.md §4.7 for a single start.
type Watcher struct {
	EnvDir       string
	StartID      registry.StartIdentifier
	Clock        clock.Clock
	Drainer      Drainer
	PollInterval time.Duration

	mu        sync.Mutex
	shutdown  bool
	cleanup   bool
}

// New constructs a Watcher with spec.md's default poll interval.
func New(envDir string, id registry.StartIdentifier, c clock.Clock, d Drainer) *Watcher {
	return &Watcher{
		EnvDir:       envDir,
		StartID:      id,
		Clock:        c,
		Drainer:      d,
		PollInterval: DefaultPollInterval,
	}
}

// RequestTerminate sets the shutdown flag, causing the next loop
// iteration to return Terminate; a poll sleep already in progress is
// not interrupted. Safe to call from a signal handler goroutine.
func (w *Watcher) RequestTerminate() {
	w.mu.Lock()
	w.shutdown = true
	w.mu.Unlock()
}

// RequestCleanup sets the cleanup flag, short-circuiting straight to a
// locked read and CleanUp without waiting for the next poll's pruning to
// naturally empty the attachment list. The executive calls it when it
// receives SIGUSR1.
func (w *Watcher) RequestCleanup() {
	w.mu.Lock()
	w.cleanup = true
	w.mu.Unlock()
}

func (w *Watcher) flags() (shutdown, cleanup bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.shutdown, w.cleanup
}

// WaitForTermination runs the loop of spec.md §4.7 until one of the
// three outcomes is reached.
func (w *Watcher) WaitForTermination() Result {
	interval := w.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	for {
		if shutdown, cleanup := w.flags(); shutdown {
			return Result{Outcome: Terminate}
		} else if cleanup {
			locked, err := registry.Read(w.EnvDir)
			if err != nil {
				return Result{Outcome: Err, Err: err}
			}
			return Result{Outcome: CleanUp, Locked: locked}
		}

		if w.Drainer != nil {
			w.Drainer.DrainExited()
		}

		locked, err := registry.Read(w.EnvDir)
		if err != nil {
			return Result{Outcome: Err, Err: err}
		}
		if locked.State == nil {
			// The document vanished under us (another invocation already
			// tore it down); nothing left to watch.
			return Result{Outcome: CleanUp, Locked: locked}
		}

		// Every start in the document is pruned, not only w.StartID: a
		// document can hold attachments for several starts, and cleanup
		// removes the whole environment directory, so it may only run once
		// the document-wide attachment set is empty (spec.md §4.7).
		nowMs := w.Clock.NowMillis()
		remaining := 0
		for id := range locked.State.AttachmentsByStartID() {
			remaining += locked.State.PruneAttachments(id, w.Clock, nowMs)
		}
		if remaining == 0 {
			return Result{Outcome: CleanUp, Locked: locked}
		}

		if err := registry.Write(locked.State, locked); err != nil {
			return Result{Outcome: Err, Err: err}
		}

		time.Sleep(interval)
	}
}
