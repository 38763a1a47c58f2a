package main

import (
	"github.com/spf13/cobra"

	"warden/internal/ipc"
)

func newRootCommand() *cobra.Command {
	var configFlag string
	var senderFlag string

	ctx := newCommandContext(&configFlag, &senderFlag)

	rootCmd := &cobra.Command{
		Use:           "warden [command args...]",
		Short:         "Process supervisor daemon and client",
		Long: `Without arguments warden opens an interactive session with the daemon.
Arguments that do not name a warden subcommand are sent to the daemon as one
Regular message and warden exits without waiting for a result.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.ArbitraryArgs,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if shouldSkipConfig(cmd) {
				return nil
			}
			_, err := ctx.ensureConfig()
			return err
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return runInteractive(cmd, ctx)
			}
			return ctx.send(cmd.Context(), ipc.Regular, args)
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "", "Configuration file path")
	// Flags after the daemon command name belong to that command.
	rootCmd.Flags().SetInterspersed(false)
	rootCmd.PersistentFlags().StringVar(&senderFlag, "sender", "", "Sender name stamped on messages (random when empty)")

	rootCmd.AddCommand(newDaemonRunCommand(ctx))
	for _, cmd := range newDaemonCommands(ctx) {
		rootCmd.AddCommand(cmd)
	}
	for _, cmd := range newMessageCommands(ctx) {
		rootCmd.AddCommand(cmd)
	}
	rootCmd.AddCommand(newConfigCommand())

	return rootCmd
}
