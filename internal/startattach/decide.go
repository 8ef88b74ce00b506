// Package startattach implements the pure start-or-attach decision
// function of spec.md §4.3: given a registry snapshot and a caller, it
// decides whether the caller boots a new activation or joins an
// existing one.
package startattach

import (
	"github.com/flox/flactivate/internal/clock"
	"github.com/flox/flactivate/internal/registry"
)

// Kind discriminates the three possible decisions.
type Kind int

const (
	Start Kind = iota
	Attach
	AlreadyStarting
)

// Decision is the outcome of Decide.
type Decision struct {
	Kind Kind

	// StartID is set for Start and Attach.
	StartID registry.StartIdentifier

	// OwnerPID and StartID (the one already starting) are set for
	// AlreadyStarting.
	OwnerPID int
}

// ResetIfExecutiveDead implements the recovery policy of spec.md §4.2:
// "executive liveness gates state reuse". If state is nil (no document
// existed) or its recorded executive is no longer alive, a fresh
// in-memory State is returned instead — this is the sole recovery path
// after an executive crash (spec.md §8 property 6).
func ResetIfExecutiveDead(state *registry.State, mode registry.Mode, c clock.Clock) *registry.State {
	if state == nil {
		return registry.New(mode)
	}
	if state.StartingNow != nil {
		// A start is in flight and its executive hasn't recorded its PID
		// yet (spec.md §4.5 step 6 runs only after readiness). Decide
		// itself judges staleness here, via the owning caller's liveness
		// (rule 2) — this gate must not discard the in-flight marker out
		// from under it.
		return state
	}
	if !state.ExecutiveRunning(c) {
		return registry.New(mode)
	}
	return state
}

// Decide implements spec.md §4.3's four rules in order, mutating state
// in place to reflect the decision (clearing a stale `starting`,
// appending the caller's attachment, or minting a new start). The
// caller is responsible for persisting state afterward and for holding
// the registry lock for the duration of this call, per §4.3's tie
// breaking note: the lock linearises races, and a caller that gets
// AlreadyStarting must drop the lock before sleeping.
func Decide(state *registry.State, callerPID int, storePath string, c clock.Clock) Decision {
	if state.StartingNow != nil {
		if c.PIDAlive(state.StartingNow.OwnerPID) {
			return Decision{
				Kind:     AlreadyStarting,
				StartID:  state.StartingNow.StartID,
				OwnerPID: state.StartingNow.OwnerPID,
			}
		}
		// Stale start: owner is dead. Clear it and fall through to the
		// remaining rules (spec.md §4.3 rule 2).
		state.StartingNow = nil
	}

	if state.Active != nil && state.Active.StorePath == storePath {
		id := *state.Active
		state.AddAttachment(id, callerPID, nil)
		return Decision{Kind: Attach, StartID: id}
	}

	id := registry.StartIdentifier{StorePath: storePath, TimestampMs: c.NowMillis()}
	state.StartingNow = &registry.Starting{StartID: id, OwnerPID: callerPID}
	state.AddAttachment(id, callerPID, nil)
	return Decision{Kind: Start, StartID: id}
}
