package daemon

import (
	"context"
	"log/slog"
	"strconv"
	"strings"

	"github.com/kballard/go-shellquote"

	"warden/internal/ipc"
	"warden/internal/logging"
)

type senderKey struct{}

func withSender(ctx context.Context, sender string) context.Context {
	return context.WithValue(ctx, senderKey{}, sender)
}

func senderFrom(ctx context.Context) string {
	if s, ok := ctx.Value(senderKey{}).(string); ok {
		return s
	}
	return ""
}

// launcher starts an operation joined at the end of the iteration.
type launcher func(name string, fn Action)

// dispatch routes one inbound message by type. Regular messages are
// launched; every other type runs inline on the loop.
func (d *Daemon) dispatch(ctx context.Context, in *ipc.Inbound, launch launcher) {
	msg := in.Message
	ctx = withSender(ctx, msg.Sender)
	logger := d.logger.With(
		logging.String(logging.FieldMessageType, msg.Type.String()),
		logging.String(logging.FieldSender, msg.Sender),
	)
	logger.Debug("message received", logging.Strings(logging.FieldCommand, msg.Content))

	switch msg.Type {
	case ipc.Regular:
		_ = in.Close()
		content := msg.Content
		launch("regular", func(ctx context.Context) error {
			result := d.Call(withSender(ctx, msg.Sender), content)
			logger.Debug("regular command finished", logging.String("result", result))
			return nil
		})

	case ipc.Immediate:
		_ = in.Close()
		d.guard("immediate", func() error {
			d.Call(ctx, msg.Content)
			return nil
		})

	case ipc.Request:
		var result string
		d.guard("request", func() error {
			result = d.Call(ctx, msg.Content)
			return nil
		})
		d.reply(ctx, logger, in, result)
		d.stats.request()

	case ipc.RequestCommand:
		var result string
		d.guard("request_command", func() error {
			result = d.Call(ctx, msg.Content)
			return nil
		})
		d.reply(ctx, logger, in, splitResult(result)...)
		d.stats.request()

	case ipc.BufferedRequest:
		d.buffered(ctx, logger, in)
		d.stats.request()

	default:
		_ = in.Close()
		logging.ErrorWithContext(logger, "unexpected message type on inbox", "unexpected_message_type",
			logging.String(logging.FieldImpact, "message discarded"),
			logging.String(logging.FieldErrorHint, "clients must not send "+msg.Type.String()+" messages to the daemon"),
		)
	}
}

// buffered allocates the result slot named by Content[0], acknowledges with
// "true" or "false", and on success queues Content[1:] whose result fills
// the slot.
func (d *Daemon) buffered(ctx context.Context, logger *slog.Logger, in *ipc.Inbound) {
	msg := in.Message
	if len(msg.Content) == 0 {
		d.reply(ctx, logger, in, strconv.FormatBool(false))
		return
	}
	name := msg.Content[0]
	command := append([]string(nil), msg.Content[1:]...)
	allocated := d.results.Allocate(name)
	if allocated {
		sender := msg.Sender
		d.Invoke(func(ctx context.Context) error {
			d.results.Set(name, d.Call(withSender(ctx, sender), command))
			return nil
		})
	} else {
		logger.Info("buffered result name in use", logging.String("name", name))
	}
	d.reply(ctx, logger, in, strconv.FormatBool(allocated))
}

// reply outlives loop cancellation: a command that already ran still answers
// its client, bounded by the channel lock timeout.
func (d *Daemon) reply(ctx context.Context, logger *slog.Logger, in *ipc.Inbound, content ...string) {
	if err := in.Reply(context.WithoutCancel(ctx), content...); err != nil {
		logger.Warn("reply failed",
			logging.String(logging.FieldEventType, "reply_failed"),
			logging.Error(err),
			logging.String(logging.FieldImpact, "client receives no response"),
		)
	}
}

// splitResult re-tokenizes a command result for RequestCommand replies.
func splitResult(result string) []string {
	tokens, err := shellquote.Split(result)
	if err != nil {
		return strings.Fields(result)
	}
	return tokens
}
