package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"warden/internal/ipc"
	"warden/internal/results"
)

const retrievePollInterval = 100 * time.Millisecond

// newMessageCommands builds the commands that forward a daemon command over
// the channel. Flags after the first argument belong to the daemon command.
func newMessageCommands(ctx *commandContext) []*cobra.Command {
	sendCmd := &cobra.Command{
		Use:   "send <command> [args...]",
		Short: "Queue a command for asynchronous execution (no reply)",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.send(cmd.Context(), ipc.Regular, args)
		},
	}

	immediateCmd := &cobra.Command{
		Use:   "immediate <command> [args...]",
		Short: "Execute a command inline on the dispatch loop (no reply)",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.send(cmd.Context(), ipc.Immediate, args)
		},
	}

	requestCmd := &cobra.Command{
		Use:   "request <command> [args...]",
		Short: "Execute a command and print its result",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			content, err := ctx.request(cmd.Context(), ipc.Request, args)
			if err != nil {
				return err
			}
			return printReply(cmd, content)
		},
	}

	requestCommandCmd := &cobra.Command{
		Use:   "request-command <command> [args...]",
		Short: "Execute a command and print its result one token per line",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			content, err := ctx.request(cmd.Context(), ipc.RequestCommand, args)
			if err != nil {
				return err
			}
			return printReply(cmd, content)
		},
	}

	bufferedCmd := &cobra.Command{
		Use:   "buffered <name> <command> [args...]",
		Short: "Run a command in the background; fetch its result later with retrieve",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			content, err := ctx.request(cmd.Context(), ipc.BufferedRequest, args)
			if err != nil {
				return err
			}
			if len(content) != 1 || content[0] != "true" {
				return fmt.Errorf("result name %q is already in use", args[0])
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Queued as %s\n", args[0])
			return nil
		},
	}

	var wait bool
	var waitTimeout time.Duration
	retrieveCmd := &cobra.Command{
		Use:   "retrieve <name>",
		Short: "Fetch the result of a buffered request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			deadline := time.Now().Add(waitTimeout)
			for {
				content, err := ctx.request(cmd.Context(), ipc.Request, []string{"retrieve", args[0]})
				if err != nil {
					return err
				}
				unfinished := len(content) == 1 && content[0] == results.Unfinished
				if !wait || !unfinished {
					return printReply(cmd, content)
				}
				if time.Now().After(deadline) {
					return errors.New("timed out waiting for buffered result")
				}
				select {
				case <-cmd.Context().Done():
					return cmd.Context().Err()
				case <-time.After(retrievePollInterval):
				}
			}
		},
	}
	retrieveCmd.Flags().BoolVarP(&wait, "wait", "w", false, "Poll until the result is finished")
	retrieveCmd.Flags().DurationVar(&waitTimeout, "timeout", 30*time.Second, "Give up waiting after this long")

	cmds := []*cobra.Command{sendCmd, immediateCmd, requestCmd, requestCommandCmd, bufferedCmd, retrieveCmd}
	for _, c := range cmds {
		c.Flags().SetInterspersed(false)
	}
	return cmds
}

// printReply writes each reply element on its own line. A daemon-side
// failure is returned as an error so the exit status reflects it.
func printReply(cmd *cobra.Command, content []string) error {
	out := strings.Join(content, "\n")
	if strings.HasPrefix(out, "error:") {
		return errors.New(out)
	}
	if out != "" {
		fmt.Fprintln(cmd.OutOrStdout(), out)
	}
	return nil
}
