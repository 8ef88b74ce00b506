package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/flox/flactivate/internal/clock"
	"github.com/flox/flactivate/internal/config"
	"github.com/flox/flactivate/internal/executive"
	"github.com/flox/flactivate/internal/handshake"
	"github.com/flox/flactivate/internal/hookrunner"
	"github.com/flox/flactivate/internal/rcgen"
	"github.com/flox/flactivate/internal/registry"
)

var (
	activateDataPath string
	keepActivateData bool
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start or attach to an environment's activation (front command)",
	RunE:  runStart,
}

func init() {
	startCmd.Flags().StringVar(&activateDataPath, "activate-data", "", "path to the invocation context JSON file")
	startCmd.Flags().BoolVar(&keepActivateData, "keep-activate-data", false, "do not remove the context file after reading it (_FLOX_NO_REMOVE_ACTIVATION_FILES)")
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	if activateDataPath == "" {
		return fmt.Errorf("--activate-data is required")
	}
	keep := keepActivateData || os.Getenv("_FLOX_NO_REMOVE_ACTIVATION_FILES") == "true"

	ic, err := handshake.LoadContext(activateDataPath, keep)
	if err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	tun := handshake.Tunables{
		RetryInterval:           cfg.Retry.Interval,
		WarningInterval:         cfg.Retry.WarningInterval,
		InteractiveReadyTimeout: cfg.Retry.InteractiveReadyTimeout,
	}

	c := clock.New()
	starter := &cliStarter{cfg: cfg, envIdentity: ic.EnvIdentity}
	waiter := &pollWaiter{clock: c, pollInterval: tun.RetryInterval}

	out, err := handshake.Run(cmd.Context(), ic, os.Getpid(), c, tun, starter, waiter, notifyStillStarting)
	if err != nil {
		return err
	}

	switch {
	case ic.InvocationType != nil && *ic.InvocationType == handshake.InPlace:
		return printReplay(out.EnvDir, out.Decision.StartID, ic.Shell)
	case ic.InvocationType != nil && *ic.InvocationType == handshake.ShellCommand:
		return execShellCommand(ic)
	default:
		return execInteractiveShell(ic)
	}
}

func notifyStillStarting(ownerPID int, id registry.StartIdentifier) {
	started := time.UnixMilli(id.TimestampMs)
	fmt.Fprintf(os.Stderr, "flactivate: waiting for pid %d to finish starting (begun %s)\n",
		ownerPID, humanize.Time(started))
}

// cliStarter spawns a detached executive process and waits (bounded by
// the parent's context) for it to signal readiness via SIGUSR1, or
// failure via SIGUSR2, per spec.md §6's signal table.
type cliStarter struct {
	cfg         *config.Config
	envIdentity string
}

func (s *cliStarter) StartExecutive(ctx context.Context, state *registry.State, id registry.StartIdentifier, callerPID int) error {
	envDir := registry.EnvDir(s.cfg.RuntimeDir, s.envIdentity)
	startDir := registry.StartDir(envDir, id)
	if err := os.MkdirAll(startDir, 0700); err != nil {
		return fmt.Errorf("creating start dir: %w", err)
	}

	execCtx := executive.Context{
		EnvDir:            envDir,
		Mode:              state.Mode,
		StartID:           id,
		ParentPID:         callerPID,
		HookPath:          os.Getenv("FLOX_ON_ACTIVATE_SCRIPT"),
		ServiceSockPath:   os.Getenv("FLOX_SERVICE_SOCKET"),
		ServiceTimeout:    s.cfg.Service.ReadyTimeout,
		RunMonitoringLoop: true,
	}

	ctxPath := executive.ContextPath(startDir)
	data, err := json.Marshal(execCtx)
	if err != nil {
		return fmt.Errorf("marshalling executive context: %w", err)
	}
	if err := os.WriteFile(ctxPath, data, 0600); err != nil {
		return fmt.Errorf("writing executive context: %w", err)
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGUSR1, syscall.SIGUSR2)
	defer signal.Stop(sigCh)

	self, err := os.Executable()
	if err != nil {
		self = os.Args[0]
	}
	proc := exec.Command(self, "executive", ctxPath)
	proc.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := proc.Start(); err != nil {
		return fmt.Errorf("spawning executive: %w", err)
	}
	execPID := proc.Process.Pid
	if err := proc.Process.Release(); err != nil {
		return fmt.Errorf("releasing executive process handle: %w", err)
	}
	if err := recordExecutivePID(envDir, execPID); err != nil {
		return err
	}

	select {
	case sig := <-sigCh:
		if sig == syscall.SIGUSR2 {
			return fmt.Errorf("executive reported activation failure")
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// recordExecutivePID persists the spawned executive's PID so that a
// later caller's ResetIfExecutiveDead (spec.md §4.2) can tell a live
// activation from a stale document left behind by a crashed executive.
// It must be set before handshake.Run's post-start critical section
// promotes the start to active, or a concurrent second caller reading
// the registry in between would see ExecutivePID still zero and wrongly
// discard the document as dead.
func recordExecutivePID(envDir string, pid int) error {
	locked, err := registry.Read(envDir)
	if err != nil {
		return fmt.Errorf("reading registry to record executive pid: %w", err)
	}
	if locked.State == nil {
		locked.Unlock()
		return fmt.Errorf("no activation state while recording executive pid")
	}
	locked.State.ExecutivePID = pid
	if err := registry.Write(locked.State, locked); err != nil {
		return fmt.Errorf("writing executive pid: %w", err)
	}
	return nil
}

// pollWaiter blocks an Interactive invocation on the registry's ready
// map until the start becomes ready or timeout elapses, per spec.md
// §9's Open Question resolution (see SPEC_FULL.md).
type pollWaiter struct {
	clock        clock.Clock
	pollInterval time.Duration
}

func (w *pollWaiter) WaitUntilReady(ctx context.Context, envDir string, id registry.StartIdentifier, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		locked, err := registry.Read(envDir)
		if err != nil {
			return err
		}
		ready := locked.State != nil && locked.State.IsReady(id)
		locked.Unlock()
		if ready {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("timed out after %s waiting for activation to become ready", timeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(w.pollInterval):
		}
	}
}

func printReplay(envDir string, id registry.StartIdentifier, shellName string) error {
	startDir := registry.StartDir(envDir, id)
	start, err := loadEnvSnapshot(hookrunner.StartEnvPath(startDir))
	if err != nil {
		return err
	}
	end, err := loadEnvSnapshot(hookrunner.EndEnvPath(startDir))
	if err != nil {
		return err
	}
	dialect := rcgen.ParseDialect(shellName)
	for _, stmt := range rcgen.Replay(dialect, start, end) {
		fmt.Println(stmt)
	}
	return nil
}

func loadEnvSnapshot(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]string{}, nil
		}
		return nil, fmt.Errorf("reading env snapshot %s: %w", path, err)
	}
	var env map[string]string
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("parsing env snapshot %s: %w", path, err)
	}
	return env, nil
}

func execShellCommand(ic handshake.InvocationContext) error {
	shell := ic.Shell
	if shell == "" {
		shell = "/bin/sh"
	}
	quoted := make([]string, len(ic.CommandArgs))
	for i, a := range ic.CommandArgs {
		quoted[i] = handshake.QuoteShellCommandArg(a)
	}
	command := joinSpace(quoted)
	return syscallExec(shell, []string{shell, "-c", command}, os.Environ())
}

func execInteractiveShell(ic handshake.InvocationContext) error {
	shell := ic.Shell
	if shell == "" {
		shell = os.Getenv("SHELL")
	}
	if shell == "" {
		shell = "/bin/sh"
	}
	return syscallExec(shell, []string{shell}, os.Environ())
}

func syscallExec(path string, argv, envv []string) error {
	return syscall.Exec(path, argv, envv)
}

func joinSpace(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += " "
		}
		out += p
	}
	return out
}
