package clock

import (
	"os"
	"testing"
	"time"
)

func TestSystemPIDAliveSelf(t *testing.T) {
	t.Parallel()
	c := New()
	if !c.PIDAlive(os.Getpid()) {
		t.Fatal("PIDAlive(self) = false, want true")
	}
}

func TestSystemPIDAliveZeroAndNegative(t *testing.T) {
	t.Parallel()
	c := New()
	for _, pid := range []int{0, -1, -100} {
		if c.PIDAlive(pid) {
			t.Errorf("PIDAlive(%d) = true, want false", pid)
		}
	}
}

func TestFakeAdvance(t *testing.T) {
	t.Parallel()
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	f := NewFake(start)

	if got := f.Now(); !got.Equal(start) {
		t.Fatalf("Now() = %v, want %v", got, start)
	}
	if got := f.NowMillis(); got != start.UnixMilli() {
		t.Fatalf("NowMillis() = %d, want %d", got, start.UnixMilli())
	}

	f.Advance(5 * time.Second)
	want := start.Add(5 * time.Second)
	if got := f.Now(); !got.Equal(want) {
		t.Fatalf("Now() after Advance = %v, want %v", got, want)
	}
}

func TestFakePIDAlive(t *testing.T) {
	t.Parallel()
	f := NewFake(time.Now())

	if f.PIDAlive(100) {
		t.Error("PIDAlive(100) = true before SetAlive, want false")
	}

	f.SetAlive(100, true)
	if !f.PIDAlive(100) {
		t.Error("PIDAlive(100) = false after SetAlive(true), want true")
	}

	f.SetAlive(100, false)
	if f.PIDAlive(100) {
		t.Error("PIDAlive(100) = true after SetAlive(false), want false")
	}
}
