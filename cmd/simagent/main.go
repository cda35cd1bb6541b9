// Package main is the entry point for the simagent local simulation agent.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Global flags.
var (
	envFile string
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "simagent",
		Short: "Local bridge between the browser circuit editor and LTspice/ngspice",
		Long: `simagent listens on a loopback WebSocket, accepts netlists from the
browser editor, runs them through LTspice or ngspice and streams the
decoded waveforms back. Running it without a subcommand starts the agent.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), serveOptions{})
		},
	}

	root.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Path to a dotenv file loaded before configuration")

	root.AddCommand(newServeCmd())
	root.AddCommand(newDecodeCmd())
	root.AddCommand(newDetectCmd())
	root.AddCommand(newVersionCmd())

	return root
}

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
