// Package servicerpc models the narrow interface the executive speaks to
// the external service runtime (spec.md §6 "Service runtime"): start
// services by name, and shut down. The runtime itself is out of scope;
// this package only defines the two operations and the client/server
// halves that exercise them over a Unix-domain socket, in the shape of
// net/http.
package servicerpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"
)

// StartRequest names the services to bring up.
type StartRequest struct {
	Names []string `json:"names"`
}

// Server is the executive-side listener. It is a thin wrapper around
// net/http, modeled on the doublezerod API manager: a Unix-domain
// net.Listener feeding an *http.Server with a small mux.
type Server struct {
	httpServer *http.Server
	sockPath   string
	onStart    func(names []string) error
	onShutdown func() error
}

// Option configures a Server.
type Option func(*Server)

// WithStartHandler sets the callback invoked by POST /start.
func WithStartHandler(f func(names []string) error) Option {
	return func(s *Server) { s.onStart = f }
}

// WithShutdownHandler sets the callback invoked by POST /shutdown.
func WithShutdownHandler(f func() error) Option {
	return func(s *Server) { s.onShutdown = f }
}

// NewServer builds a Server listening at sockPath once Serve is called.
func NewServer(sockPath string, opts ...Option) *Server {
	s := &Server{sockPath: sockPath}
	for _, o := range opts {
		o(s)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /start", s.handleStart)
	mux.HandleFunc("POST /shutdown", s.handleShutdown)
	s.httpServer = &http.Server{Handler: mux}
	return s
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req StartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if s.onStart == nil {
		w.WriteHeader(http.StatusOK)
		return
	}
	if err := s.onStart(req.Names); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	if s.onShutdown == nil {
		w.WriteHeader(http.StatusOK)
		return
	}
	if err := s.onShutdown(); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// Serve binds the socket and blocks until ctx is cancelled or Serve
// fails. The socket file is removed before binding (stale file from a
// crashed prior instance) and unlinked on exit.
func (s *Server) Serve(ctx context.Context) error {
	_ = os.Remove(s.sockPath)
	lis, err := net.Listen("unix", s.sockPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.sockPath, err)
	}
	defer os.Remove(s.sockPath)

	errCh := make(chan error, 1)
	go func() { errCh <- s.httpServer.Serve(lis) }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

// Client is the front-command/executive-side caller. Socket absence
// means "runtime not yet started" (spec.md §6); Client surfaces that as
// the dial's *net.OpError wrapped in the *url.Error that http.Client
// returns, which callers can test
// with os.IsNotExist after unwrapping, or simply treat as not-ready.
type Client struct {
	httpClient *http.Client
	sockPath   string
}

// NewClient builds a Client that dials sockPath for every request.
func NewClient(sockPath string) *Client {
	return &Client{
		sockPath: sockPath,
		httpClient: &http.Client{
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					var d net.Dialer
					return d.DialContext(ctx, "unix", sockPath)
				},
			},
		},
	}
}

// StartServices asks the runtime to start the named services.
func (c *Client) StartServices(ctx context.Context, names []string) error {
	body, err := json.Marshal(StartRequest{Names: names})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://unix/start", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("start services: status %d", resp.StatusCode)
	}
	return nil
}

// Shutdown asks the runtime to stop. Per spec.md §7 CleanupBestEffort,
// callers should log failures here rather than treat them as fatal.
func (c *Client) Shutdown(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://unix/shutdown", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("shutdown: status %d", resp.StatusCode)
	}
	return nil
}

// WaitReady polls for sockPath to exist and accept a connection, bounded
// by timeout (spec.md §6, default 2s, overridable by
// _FLOX_SERVICES_ACTIVATE_TIMEOUT).
func WaitReady(ctx context.Context, sockPath string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	var d net.Dialer
	for {
		conn, err := d.DialContext(ctx, "unix", sockPath)
		if err == nil {
			conn.Close()
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("service socket %s not ready after %s: %w", sockPath, timeout, err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}
