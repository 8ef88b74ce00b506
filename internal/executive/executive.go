// Package executive implements the detached supervisor process of
// spec.md §4.6: it becomes its own session leader, optionally becomes a
// subreaper, handles the signal contract with the front command and the
// OS, runs the on-activate hook, optionally brings up the service
// runtime, and drives the attachment watcher through to teardown.
//
// Grounded on the signal-channel-plus-Wait4-drain loop of
// other_examples' Metropolis node init (SIGCHLD draining via
// unix.Wait4(-1, ..., WNOHANG)) and on the daemon spawn shape of
// baiirun-aetherflow's internal/daemon (SysProcAttr{Setsid: true}).
package executive

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/flox/flactivate/internal/activationerrors"
	"github.com/flox/flactivate/internal/clock"
	"github.com/flox/flactivate/internal/hookrunner"
	"github.com/flox/flactivate/internal/proctitle"
	"github.com/flox/flactivate/internal/registry"
	"github.com/flox/flactivate/internal/servicerpc"
	"github.com/flox/flactivate/internal/watcher"
	"golang.org/x/sys/unix"
)

// Context is the executive's serialised startup context (spec.md §4.6
// step d and §6 "Executive context file").
type Context struct {
	EnvDir            string                   `json:"env_dir"`
	EnvIdentity       string                   `json:"env_identity"`
	Mode              registry.Mode            `json:"mode"`
	StartID           registry.StartIdentifier `json:"start_id"`
	ParentPID         int                      `json:"parent_pid"`
	HookPath          string                   `json:"hook_path"`
	HookEnv           []string                 `json:"hook_env,omitempty"`
	ServiceSockPath   string                   `json:"service_sock_path,omitempty"`
	ServiceNames      []string                 `json:"service_names,omitempty"`
	ServiceTimeout    time.Duration            `json:"service_timeout,omitempty"`
	RunMonitoringLoop bool                     `json:"run_monitoring_loop"`
}

// DefaultServiceTimeout is spec.md §4.6g's default socket-readiness
// timeout, overridable by _FLOX_SERVICES_ACTIVATE_TIMEOUT.
const DefaultServiceTimeout = 2 * time.Second

// Run executes spec.md §4.6's startup sequence (a-h) and, unless
// RunMonitoringLoop is false, drives the watcher loop (step i) through
// to teardown. It returns the outcome for logging/exit-code purposes;
// a failed teardown step is logged and then returned as a
// CleanupBestEffort error (spec.md §7).
func Run(execCtx context.Context, c Context, clk clock.Clock, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	proctitle.Set(logger, fmt.Sprintf("flactivate: %s [executive]", c.EnvIdentity))

	if err := becomeSessionLeader(); err != nil {
		logger.Warn("executive: setsid failed (already session leader?)", "error", err)
	}
	subreaperEnabled := becomeSubreaper(logger)
	if subreaperEnabled {
		defer reapAll(logger)
	}

	sigCh := make(chan os.Signal, 8)
	signal.Notify(sigCh, syscall.SIGCHLD, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT, syscall.SIGUSR1)
	defer signal.Stop(sigCh)

	terminate := make(chan struct{})
	cleanupNow := make(chan struct{})
	go watchSignals(sigCh, logger, terminate, cleanupNow)

	hookResult, err := hookrunner.Run(execCtx, c.HookPath, c.HookEnv, os.Stdout, os.Stderr)
	if err != nil {
		signalParent(c.ParentPID, syscall.SIGUSR2, logger)
		return &activationerrors.HookFailed{Err: err}
	}
	if hookResult.ExitCode != 0 {
		signalParent(c.ParentPID, syscall.SIGUSR2, logger)
		return &activationerrors.HookFailed{ExitCode: hookResult.ExitCode}
	}

	startDir := registry.StartDir(c.EnvDir, c.StartID)
	if len(c.ServiceNames) > 0 && c.ServiceSockPath != "" {
		if err := hookrunner.WriteSnapshots(startDir, hookResult); err != nil {
			logger.Warn("executive: failed to persist env snapshots", "error", err)
		}

		timeout := c.ServiceTimeout
		if timeout <= 0 {
			timeout = DefaultServiceTimeout
		}
		if err := servicerpc.WaitReady(execCtx, c.ServiceSockPath, timeout); err != nil {
			signalParent(c.ParentPID, syscall.SIGUSR2, logger)
			return &activationerrors.ServiceRuntimeTimeout{SocketPath: c.ServiceSockPath, Timeout: timeout.String()}
		}
		client := servicerpc.NewClient(c.ServiceSockPath)
		if err := client.StartServices(execCtx, c.ServiceNames); err != nil {
			signalParent(c.ParentPID, syscall.SIGUSR2, logger)
			return &activationerrors.ServiceRuntimeTimeout{SocketPath: c.ServiceSockPath, Timeout: timeout.String()}
		}
	} else if err := hookrunner.WriteSnapshots(startDir, hookResult); err != nil {
		logger.Warn("executive: failed to persist env snapshots", "error", err)
	}

	signalParent(c.ParentPID, syscall.SIGUSR1, logger)

	if !c.RunMonitoringLoop {
		return nil
	}

	w := watcher.New(c.EnvDir, c.StartID, clk, waitpidDrainer{logger: logger})
	go func() {
		select {
		case <-terminate:
			w.RequestTerminate()
		case <-cleanupNow:
			w.RequestCleanup()
		}
	}()

	result := w.WaitForTermination()
	switch result.Outcome {
	case watcher.Terminate:
		logger.Info("executive: terminating without cleanup")
		return nil
	case watcher.Err:
		logger.Error("executive: watcher error, exiting without cleanup", "error", result.Err)
		return &activationerrors.RegistryIO{Path: c.EnvDir, Err: result.Err}
	default: // watcher.CleanUp
		return teardown(execCtx, c, result.Locked, logger)
	}
}

func teardown(ctx context.Context, c Context, locked *registry.Locked, logger *slog.Logger) error {
	defer locked.Unlock()

	if locked.State != nil && len(locked.State.Attachments) != 0 {
		panic("executive: teardown invariant violated: attachments non-empty")
	}

	if c.ServiceSockPath != "" {
		if _, err := os.Stat(c.ServiceSockPath); err == nil {
			client := servicerpc.NewClient(c.ServiceSockPath)
			shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			if err := client.Shutdown(shutdownCtx); err != nil {
				logger.Warn("executive: service runtime shutdown failed (best-effort)", "error", err)
			}
			cancel()
		}
	}

	graveyard, err := registry.Graveyard(c.EnvDir, os.Getpid())
	if err != nil {
		logger.Warn("executive: graveyard rename failed (best-effort)", "error", err)
		return &activationerrors.CleanupBestEffort{Step: "graveyard-rename", Err: err}
	}
	if err := registry.RemoveGraveyard(graveyard); err != nil {
		logger.Warn("executive: graveyard removal failed (best-effort)", "error", err)
		return &activationerrors.CleanupBestEffort{Step: "graveyard-remove", Err: err}
	}
	return nil
}

func becomeSessionLeader() error {
	_, err := unix.Setsid()
	return err
}

// becomeSubreaper marks this process as a child subreaper on platforms
// that support prctl(PR_SET_CHILD_SUBREAPER) (spec.md §4.6b). Absence of
// support is not an error: orphans simply reparent to PID 1 instead
// (spec.md §9 "Detaching from terminal").
func becomeSubreaper(logger *slog.Logger) bool {
	if err := unix.Prctl(unix.PR_SET_CHILD_SUBREAPER, 1, 0, 0, 0); err != nil {
		logger.Debug("executive: subreaper unavailable", "error", err)
		return false
	}
	return true
}

// reapAll does a final waitpid(-1, WNOHANG) sweep, per spec.md §4.6b
// "on drop, perform a final sweep".
func reapAll(logger *slog.Logger) {
	drainExited(logger)
}

type waitpidDrainer struct {
	logger *slog.Logger
}

func (w waitpidDrainer) DrainExited() { drainExited(w.logger) }

// drainExited reaps every reapable child without blocking, per spec.md
// §4.7's SIGCHLD-drain requirement (subreaped grandchildren must not
// accumulate as zombies even though the executive's own hook child has
// already been waited on).
func drainExited(logger *slog.Logger) {
	var status unix.WaitStatus
	for {
		pid, err := unix.Wait4(-1, &status, unix.WNOHANG, nil)
		if err != nil {
			if err != unix.ECHILD && logger != nil {
				logger.Debug("executive: wait4 error during drain", "error", err)
			}
			return
		}
		if pid <= 0 {
			return
		}
	}
}

// watchSignals implements spec.md §4.6c's handler table. Note the
// apparent overlap with §6's signal table, which documents a *second*,
// narrower meaning for front→executive SIGUSR1 ("start a new
// service-runtime instance") — the two source branches the spec's open
// questions section describes disagree here too. This port follows
// §4.6c literally: SIGUSR1 always requests watcher cleanup-now.
func watchSignals(sigCh chan os.Signal, logger *slog.Logger, terminate, cleanupNow chan struct{}) {
	for sig := range sigCh {
		switch sig {
		case syscall.SIGCHLD:
			drainExited(logger)
		case syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT:
			select {
			case terminate <- struct{}{}:
			default:
			}
		case syscall.SIGUSR1:
			select {
			case cleanupNow <- struct{}{}:
			default:
			}
		}
	}
}

func signalParent(pid int, sig syscall.Signal, logger *slog.Logger) {
	if pid <= 0 {
		return
	}
	if err := syscall.Kill(pid, sig); err != nil {
		logger.Warn("executive: failed to signal parent", "pid", pid, "signal", sig, "error", err)
	}
}

// ContextPath derives the ephemeral executive-context filename written
// by the front command, per spec.md §6.
func ContextPath(startDir string) string {
	return filepath.Join(startDir, fmt.Sprintf("executive_ctx_%d.json", os.Getpid()))
}
