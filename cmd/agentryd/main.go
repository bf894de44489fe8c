// Command agentryd is the daemon entrypoint: a small cobra root wiring the
// serve and version subcommands, grounded on the teacher's
// internal/cmd/root.go composition pattern.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "agentryd",
		Short: "Background daemon that runs interactive terminal programs under PTY control",
		Long:  "agentryd spawns interactive terminal programs inside pseudo-terminals and exposes them to concurrent clients over a local JSON RPC socket: spawn, send, observe, and attach, the way tmux lets a human do the same thing with a keyboard.",
	}

	root.AddCommand(newServeCmd(), newVersionCmd())
	return root
}
