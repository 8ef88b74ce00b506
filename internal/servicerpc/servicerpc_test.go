package servicerpc

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func TestStartAndShutdownRoundTrip(t *testing.T) {
	t.Parallel()
	sockPath := filepath.Join(t.TempDir(), "runtime.sock")

	var mu sync.Mutex
	var started []string
	shutdown := false

	server := NewServer(sockPath,
		WithStartHandler(func(names []string) error {
			mu.Lock()
			started = append(started, names...)
			mu.Unlock()
			return nil
		}),
		WithShutdownHandler(func() error {
			mu.Lock()
			shutdown = true
			mu.Unlock()
			return nil
		}),
	)

	ctx, cancel := context.WithCancel(context.Background())
	serveDone := make(chan error, 1)
	go func() { serveDone <- server.Serve(ctx) }()

	if err := WaitReady(context.Background(), sockPath, 2*time.Second); err != nil {
		t.Fatalf("WaitReady() error = %v", err)
	}

	client := NewClient(sockPath)
	if err := client.StartServices(context.Background(), []string{"web", "worker"}); err != nil {
		t.Fatalf("StartServices() error = %v", err)
	}
	if err := client.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	mu.Lock()
	gotStarted := append([]string(nil), started...)
	gotShutdown := shutdown
	mu.Unlock()

	if len(gotStarted) != 2 || gotStarted[0] != "web" || gotStarted[1] != "worker" {
		t.Fatalf("started services = %v, want [web worker]", gotStarted)
	}
	if !gotShutdown {
		t.Fatal("shutdown handler was never invoked")
	}

	cancel()
	select {
	case err := <-serveDone:
		if err != nil {
			t.Fatalf("Serve() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve() did not return after context cancellation")
	}
}

func TestWaitReadyTimesOutWhenSocketAbsent(t *testing.T) {
	t.Parallel()
	sockPath := filepath.Join(t.TempDir(), "never-created.sock")

	err := WaitReady(context.Background(), sockPath, 100*time.Millisecond)
	if err == nil {
		t.Fatal("WaitReady() succeeded against a socket that was never created")
	}
}
