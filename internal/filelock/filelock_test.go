package filelock

import (
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestAcquireReleaseRoundTrip(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "nested", "state.lock")

	h, err := Acquire(path)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if err := h.Release(); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	t.Parallel()
	h, err := Acquire(filepath.Join(t.TempDir(), "state.lock"))
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if err := h.Release(); err != nil {
		t.Fatalf("first Release() error = %v", err)
	}
	if err := h.Release(); err != nil {
		t.Fatalf("second Release() error = %v", err)
	}
}

// TestLinearisation mirrors spec.md invariant 1: concurrent acquirers of
// the same path never hold the lock simultaneously.
func TestLinearisation(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "state.lock")

	const workers = 8
	var (
		wg        sync.WaitGroup
		inSection int32
		sawOverlap int32
	)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := Acquire(path)
			if err != nil {
				t.Errorf("Acquire() error = %v", err)
				return
			}
			if atomic.AddInt32(&inSection, 1) != 1 {
				atomic.StoreInt32(&sawOverlap, 1)
			}
			time.Sleep(2 * time.Millisecond)
			atomic.AddInt32(&inSection, -1)
			if err := h.Release(); err != nil {
				t.Errorf("Release() error = %v", err)
			}
		}()
	}
	wg.Wait()

	if atomic.LoadInt32(&sawOverlap) != 0 {
		t.Fatal("two holders were in the critical section at once")
	}
}
