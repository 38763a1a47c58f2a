package main

import (
	"errors"
	"strings"

	"github.com/spf13/cobra"

	"warden/internal/daemonrun"
)

func newDaemonRunCommand(ctx *commandContext) *cobra.Command {
	var logLevel string
	var console bool
	cmd := &cobra.Command{
		Use:   "daemon [-- startup command...]",
		Short: "Run the warden daemon in the foreground",
		Long: "Run the warden daemon in the foreground. Tokens after -- form a command\n" +
			"executed once before the dispatch loop starts, for example:\n\n" +
			"  warden daemon -- attach-process /usr/bin/sleep core:announce 600",
		Annotations:  map[string]string{"skipConfigLoad": "true"},
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) > 0 && cmd.ArgsLenAtDash() != 0 {
				return errors.New("startup command must follow --")
			}
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			return daemonrun.Run(cmd.Context(), cfg, daemonrun.Options{
				ConfigPath:     ctx.configPath,
				LogLevel:       strings.TrimSpace(logLevel),
				Console:        console,
				StartupCommand: args,
			})
		},
	}
	cmd.Flags().StringVar(&logLevel, "log-level", "", "Override logging.level")
	cmd.Flags().BoolVar(&console, "console", true, "Mirror logs to stdout/stderr")
	return cmd
}
