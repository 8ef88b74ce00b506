package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/flox/flactivate/internal/clock"
	"github.com/flox/flactivate/internal/registry"
)

var (
	attachEnvIdentity string
	attachStorePath   string
	attachTimestampMs int64
	attachOldPID      int
	attachNewPID      int
	attachTimeoutMs   int64
	attachRemovePID   int
)

var attachCmd = &cobra.Command{
	Use:   "attach",
	Short: "Replace or remove an attachment record (used by in-place activations)",
	RunE:  runAttach,
}

func init() {
	attachCmd.Flags().StringVar(&attachEnvIdentity, "env-identity", "", "environment identity")
	attachCmd.Flags().StringVar(&attachStorePath, "store-path", "", "activation store path")
	attachCmd.Flags().Int64Var(&attachTimestampMs, "start-ts-ms", 0, "activation start timestamp (ms)")
	attachCmd.Flags().IntVar(&attachOldPID, "old-pid", 0, "PID currently holding the attachment")
	attachCmd.Flags().IntVar(&attachNewPID, "new-pid", 0, "PID to replace it with (default: this process's PID)")
	attachCmd.Flags().Int64Var(&attachTimeoutMs, "timeout-ms", 0, "grace period, in ms, before the attachment expires")
	attachCmd.Flags().IntVar(&attachRemovePID, "remove-pid", 0, "remove this PID's attachment outright, instead of replacing it")
	rootCmd.AddCommand(attachCmd)
}

func runAttach(cmd *cobra.Command, args []string) error {
	if attachTimeoutMs != 0 && attachRemovePID != 0 {
		return fmt.Errorf("--timeout-ms and --remove-pid are mutually exclusive")
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	envDir := registry.EnvDir(cfg.RuntimeDir, attachEnvIdentity)
	id := registry.StartIdentifier{StorePath: attachStorePath, TimestampMs: attachTimestampMs}

	locked, err := registry.Read(envDir)
	if err != nil {
		return err
	}
	if locked.State == nil {
		locked.Unlock()
		return fmt.Errorf("no activation state for %s", envDir)
	}
	state := locked.State

	if attachRemovePID != 0 {
		removeAttachment(state, id, attachRemovePID)
	} else {
		newPID := attachNewPID
		if newPID == 0 {
			newPID = os.Getpid()
		}
		var expiry *int64
		if attachTimeoutMs > 0 {
			e := clock.New().NowMillis() + attachTimeoutMs
			expiry = &e
		}
		if !state.ReplaceAttachment(id, attachOldPID, newPID, expiry) {
			locked.Unlock()
			return fmt.Errorf("pid %d is not attached to %s@%d", attachOldPID, attachStorePath, attachTimestampMs)
		}
	}

	return registry.Write(state, locked)
}

func removeAttachment(state *registry.State, id registry.StartIdentifier, pid int) {
	attachments := state.AttachmentsFor(id)
	kept := attachments[:0]
	for _, a := range attachments {
		if a.PID != pid {
			kept = append(kept, a)
		}
	}
	if state.Attachments == nil {
		return
	}
	state.Attachments[id.String()] = kept
}
