package cmd

import "github.com/spf13/cobra"

func Execute() error {
	return newRootCmd().Execute()
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "castreceiver",
		Short:         "Screen-cast receiver: discovery, cast sessions and H.264 playback",
		Long:          "castreceiver answers discovery probes on the local network, accepts one screen-cast sender at a time and hands its H.264 stream to a decoder. Running it without a subcommand starts the receiver.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	serve := newServeCmd()
	rootCmd.RunE = serve.RunE
	rootCmd.Flags().AddFlagSet(serve.Flags())

	rootCmd.AddCommand(
		serve,
		newProbeCmd(),
		newVersionCmd(),
	)

	return rootCmd
}
