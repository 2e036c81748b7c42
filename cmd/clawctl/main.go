// Command clawctl is the operator-facing diagnostic CLI: a thin cobra
// wrapper whose only subcommand today, doctor, validates the config and
// state directory a dispatcherd instance would start with.
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
	var cfgPath string

	root := &cobra.Command{
		Use:   "clawctl",
		Short: "Diagnostics for the dispatcher orchestrator",
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "./dispatcher.yaml", "path to dispatcher.yaml")

	root.AddCommand(newDoctorCmd(&cfgPath))
	return root
}
