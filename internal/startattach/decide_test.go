package startattach

import (
	"testing"
	"time"

	"github.com/flox/flactivate/internal/clock"
	"github.com/flox/flactivate/internal/registry"
)

// TestS1SoloStartAndExit exercises spec.md §8 scenario S1: an empty
// runtime, a single caller, Start decision with the expected state.
func TestS1SoloStartAndExit(t *testing.T) {
	t.Parallel()
	c := clock.NewFake(time.UnixMilli(1000))
	c.SetAlive(100, true)

	state := registry.New(registry.ModeDev)
	dec := Decide(state, 100, "/nix/store/aaa", c)

	if dec.Kind != Start {
		t.Fatalf("Decide() kind = %v, want Start", dec.Kind)
	}
	wantID := registry.StartIdentifier{StorePath: "/nix/store/aaa", TimestampMs: 1000}
	if !dec.StartID.Equal(wantID) {
		t.Fatalf("Decide() StartID = %+v, want %+v", dec.StartID, wantID)
	}
	attachments := state.AttachmentsFor(wantID)
	if len(attachments) != 1 || attachments[0].PID != 100 {
		t.Fatalf("attachments after Start = %+v, want [{100 nil}]", attachments)
	}
	if state.StartingNow == nil || state.StartingNow.OwnerPID != 100 {
		t.Fatalf("StartingNow = %+v, want owner 100", state.StartingNow)
	}
}

// TestS2SecondCallerAttaches exercises spec.md §8 scenario S2: once
// active, a second caller with the same store path attaches rather
// than starting.
func TestS2SecondCallerAttaches(t *testing.T) {
	t.Parallel()
	c := clock.NewFake(time.UnixMilli(2000))
	c.SetAlive(101, true)

	state := registry.New(registry.ModeDev)
	id := registry.StartIdentifier{StorePath: "/nix/store/aaa", TimestampMs: 1000}
	state.Active = &id
	state.AddAttachment(id, 100, nil)

	dec := Decide(state, 101, "/nix/store/aaa", c)

	if dec.Kind != Attach {
		t.Fatalf("Decide() kind = %v, want Attach", dec.Kind)
	}
	if !dec.StartID.Equal(id) {
		t.Fatalf("Decide() StartID = %+v, want %+v", dec.StartID, id)
	}
	attachments := state.AttachmentsFor(id)
	if len(attachments) != 2 {
		t.Fatalf("attachments after Attach = %+v, want 2 entries", attachments)
	}
}

// TestS3BlockedStart exercises spec.md §8 scenario S3: a racing caller
// observes AlreadyStarting while the first caller's start is still in
// flight and owned by a live PID.
func TestS3BlockedStart(t *testing.T) {
	t.Parallel()
	c := clock.NewFake(time.UnixMilli(3000))
	c.SetAlive(200, true)
	c.SetAlive(201, true)

	state := registry.New(registry.ModeDev)
	decA := Decide(state, 200, "/nix/store/aaa", c)
	if decA.Kind != Start {
		t.Fatalf("caller A Decide() kind = %v, want Start", decA.Kind)
	}

	c.Advance(time.Millisecond)
	decB := Decide(state, 201, "/nix/store/aaa", c)
	if decB.Kind != AlreadyStarting {
		t.Fatalf("caller B Decide() kind = %v, want AlreadyStarting", decB.Kind)
	}
	if decB.OwnerPID != 200 {
		t.Fatalf("caller B Decide() OwnerPID = %d, want 200", decB.OwnerPID)
	}
	if !decB.StartID.Equal(decA.StartID) {
		t.Fatalf("caller B Decide() StartID = %+v, want %+v", decB.StartID, decA.StartID)
	}

	// Once A completes (marks active, clears starting), B's next try attaches.
	state.StartingNow = nil
	state.Active = &decA.StartID
	decB2 := Decide(state, 201, "/nix/store/aaa", c)
	if decB2.Kind != Attach {
		t.Fatalf("caller B retry Decide() kind = %v, want Attach", decB2.Kind)
	}
}

// TestS4ModeMismatchIsNotStartAttachConcern documents that §4.3 never
// inspects mode — mode checking happens one layer up in the handshake
// (spec.md §4.4 step 2), before Decide is ever called. This test
// exists so a future change to Decide's signature is deliberate.
func TestS4ModeMismatchIsNotStartAttachConcern(t *testing.T) {
	t.Parallel()
	c := clock.NewFake(time.UnixMilli(4000))
	state := registry.New(registry.ModeRun)
	if state.Mode != registry.ModeRun {
		t.Fatal("setup: expected ModeRun")
	}
	dec := Decide(state, 100, "/nix/store/aaa", c)
	if dec.Kind != Start {
		t.Fatalf("Decide() kind = %v, want Start", dec.Kind)
	}
	if state.Mode != registry.ModeRun {
		t.Fatalf("Decide() changed Mode to %q, want %q", state.Mode, registry.ModeRun)
	}
}

// TestS5DeadExecutiveRecovery exercises spec.md §8 scenario S5: a dead
// executive PID causes ResetIfExecutiveDead to discard prior state, so
// the next Decide mints a fresh start regardless of prior Active.
func TestS5DeadExecutiveRecovery(t *testing.T) {
	t.Parallel()
	c := clock.NewFake(time.UnixMilli(5000))
	c.SetAlive(999, false) // recorded executive is dead
	c.SetAlive(400, true)

	stale := registry.New(registry.ModeDev)
	stale.ExecutivePID = 999
	bbb := registry.StartIdentifier{StorePath: "/nix/store/bbb", TimestampMs: 4000}
	stale.Active = &bbb
	stale.AddAttachment(bbb, 300, nil)

	fresh := ResetIfExecutiveDead(stale, registry.ModeDev, c)
	if fresh.Active != nil {
		t.Fatalf("ResetIfExecutiveDead() kept stale Active = %+v, want nil", fresh.Active)
	}
	if len(fresh.Attachments) != 0 {
		t.Fatalf("ResetIfExecutiveDead() kept stale attachments = %v, want none", fresh.Attachments)
	}

	dec := Decide(fresh, 400, "/nix/store/ccc", c)
	if dec.Kind != Start {
		t.Fatalf("Decide() after recovery kind = %v, want Start", dec.Kind)
	}
	wantID := registry.StartIdentifier{StorePath: "/nix/store/ccc", TimestampMs: 5000}
	if !dec.StartID.Equal(wantID) {
		t.Fatalf("Decide() after recovery StartID = %+v, want %+v", dec.StartID, wantID)
	}
}

func TestResetIfExecutiveDeadKeepsLiveState(t *testing.T) {
	t.Parallel()
	c := clock.NewFake(time.UnixMilli(1000))
	c.SetAlive(42, true)

	s := registry.New(registry.ModeDev)
	s.ExecutivePID = 42
	id := registry.StartIdentifier{StorePath: "/nix/store/aaa", TimestampMs: 500}
	s.Active = &id

	got := ResetIfExecutiveDead(s, registry.ModeDev, c)
	if got != s {
		t.Fatal("ResetIfExecutiveDead() replaced state even though the executive is alive")
	}
}

func TestResetIfExecutiveDeadOnNilState(t *testing.T) {
	t.Parallel()
	c := clock.NewFake(time.UnixMilli(1000))
	got := ResetIfExecutiveDead(nil, registry.ModeRun, c)
	if got == nil || got.Mode != registry.ModeRun {
		t.Fatalf("ResetIfExecutiveDead(nil) = %+v, want fresh ModeRun state", got)
	}
}

func TestStaleStartingIsClearedThenStartWins(t *testing.T) {
	t.Parallel()
	c := clock.NewFake(time.UnixMilli(1000))
	c.SetAlive(500, false) // the stale owner is dead
	c.SetAlive(501, true)

	state := registry.New(registry.ModeDev)
	state.StartingNow = &registry.Starting{
		StartID:  registry.StartIdentifier{StorePath: "/nix/store/zzz", TimestampMs: 900},
		OwnerPID: 500,
	}

	dec := Decide(state, 501, "/nix/store/aaa", c)
	if dec.Kind != Start {
		t.Fatalf("Decide() kind = %v, want Start (stale starting should be cleared)", dec.Kind)
	}
	if state.StartingNow == nil || state.StartingNow.OwnerPID != 501 {
		t.Fatalf("StartingNow after stale clear = %+v, want owner 501", state.StartingNow)
	}
}
