package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Version is replaced at build time with -ldflags "-X castreceiver/cmd.Version=..."
var Version = "dev"

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), Version)
			return err
		},
	}
}
