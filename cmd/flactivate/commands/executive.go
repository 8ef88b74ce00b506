package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/flox/flactivate/internal/clock"
	"github.com/flox/flactivate/internal/executive"
)

var executiveCmd = &cobra.Command{
	Use:    "executive <context-file>",
	Short:  "Run the detached activation supervisor (internal, spawned by start)",
	Hidden: true,
	Args:   cobra.ExactArgs(1),
	RunE:   runExecutive,
}

func init() {
	rootCmd.AddCommand(executiveCmd)
}

func runExecutive(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("reading executive context: %w", err)
	}
	var execCtx executive.Context
	if err := json.Unmarshal(data, &execCtx); err != nil {
		return fmt.Errorf("parsing executive context: %w", err)
	}
	_ = os.Remove(args[0])

	return executive.Run(cmd.Context(), execCtx, clock.New(), logger)
}
