package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"pkt.systems/cellstate/internal/version"
)

func newVersionCmd() *cobra.Command {
	var verbose bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			if verbose {
				_, err := fmt.Fprintln(cmd.OutOrStdout(), version.Get().String())
				return err
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", version.Module(), version.Current())
			return err
		},
	}
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "include revision and toolchain")
	return cmd
}
