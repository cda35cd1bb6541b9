package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kelicad/simagent/internal/rawfile"
)

func newDecodeCmd() *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "decode <file.raw>",
		Short: "Decode a simulator raw file and print its traces as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := rawfile.ParseFormat(format)
			if err != nil {
				return err
			}
			results, err := rawfile.DecodeFile(args[0], f)
			if err != nil {
				return fmt.Errorf("decoding %s: %w", args[0], err)
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(results)
		},
	}

	cmd.Flags().StringVar(&format, "format", string(rawfile.FormatAuto), "Raw file dialect: auto, ltspice or ngspice")
	return cmd
}
