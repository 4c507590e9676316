// Package cli is the cobra command tree for the munition CLI driver. It
// exists to exercise the manager package end to end, not as a build tool
// or REPL — those remain out of scope.
package cli

import (
	"github.com/spf13/cobra"
)

var RootCmd = &cobra.Command{
	Use:   "munition",
	Short: "Run a WASM module under Munition's fuel-metered, capability-attenuated sandbox",
}

func init() {
	RootCmd.AddCommand(runCmd)
}
