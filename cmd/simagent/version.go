package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kelicad/simagent/internal/protocol"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "simagent version %s\n", protocol.AgentVersion)
		},
	}
}
