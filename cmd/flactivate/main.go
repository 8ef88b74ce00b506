// Command flactivate drives per-environment activation: starting or
// attaching to an executive, running as that executive, and replaying
// the environment for in-place shells.
package main

import (
	"fmt"
	"os"

	"github.com/flox/flactivate/cmd/flactivate/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
