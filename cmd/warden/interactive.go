package main

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/kballard/go-shellquote"
	"github.com/spf13/cobra"

	"warden/internal/daemon"
	"warden/internal/ipc"
)

const interactivePrompt = "warden> "

// runInteractive announces a session to the daemon, then sends every input
// line as a Request and prints the Response until EOF or "exit".
func runInteractive(cmd *cobra.Command, ctx *commandContext) error {
	client, err := ctx.client()
	if err != nil {
		return err
	}
	reqCtx := cmd.Context()
	if err := client.Send(reqCtx, client.Message(ipc.Immediate, daemon.NewInteractiveCommand)); err != nil {
		return wrapChannelError(err)
	}

	in := cmd.InOrStdin()
	out := cmd.OutOrStdout()
	prompt := isTerminal(in)
	if prompt {
		fmt.Fprintf(out, "Connected as %s. Type help for commands, exit to quit.\n", client.Sender())
	}

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), ipc.MaxFrameSize)
	for {
		if prompt {
			fmt.Fprint(out, interactivePrompt)
		}
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			continue
		case "exit", "quit":
			return nil
		}
		args, err := shellquote.Split(line)
		if err != nil {
			fmt.Fprintf(out, "error: %v\n", err)
			continue
		}
		reply, err := client.Request(reqCtx, client.Message(ipc.Request, args...))
		if err != nil {
			return wrapChannelError(err)
		}
		if text := strings.Join(reply.Content, "\n"); text != "" {
			fmt.Fprintln(out, text)
		}
	}
	if prompt {
		fmt.Fprintln(out)
	}
	return scanner.Err()
}
