package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/kballard/go-shellquote"
	"github.com/spf13/pflag"

	"warden/internal/handler"
	"warden/internal/journal"
	"warden/internal/logging"
	"warden/internal/proc"
	"warden/internal/results"
)

// NewInteractiveCommand is sent as an Immediate message by interactive
// clients when they connect.
const NewInteractiveCommand = "_newinteractive"

const defaultHistoryLimit = 20

func builtinCommands() *commandSet {
	return newCommandSet(
		attachCommand(),
		detachCommand(),
		listCommand(),
		notifyCommand(),
		boardsCommand(),
		reloadCommand(),
		retrieveCommand(),
		statsCommand(),
		historyCommand(),
		handlersCommand(),
		helpCommand(),
		newInteractiveCommand(),
	)
}

func attachCommand() *Command {
	return &Command{
		Name:    "attach-process",
		Alias:   "ac",
		Usage:   "attach-process [--existing=pid] <path> <handler>[(args)] [process args...]",
		Summary: "Start a process, or adopt an existing one, and attach a handler to it. With --existing the path is omitted. A handler with exactly one ':' is a registered handler; anything else is a Lua script path.",
		Bind: func(d *Daemon, fs *pflag.FlagSet) RunFunc {
			existing := fs.Int("existing", 0, "adopt the running process with this pid")
			return func(ctx context.Context, args []string) (string, error) {
				var (
					p          *proc.Process
					handlerArg string
					err        error
				)
				if *existing != 0 {
					if len(args) < 1 {
						return "", errors.New("handler is required")
					}
					handlerArg = args[0]
					if len(args) > 1 {
						return "", errors.New("process arguments cannot be given for an existing process")
					}
				} else {
					if len(args) < 2 {
						return "", errors.New("path and handler are required")
					}
					handlerArg = args[1]
				}

				name, handlerArgs, err := handler.ParseName(handlerArg)
				if err != nil {
					return "", err
				}
				if !handler.IsStaticName(name) {
					// Validate the script before starting anything.
					if _, err := d.handlers.Resolve(name); err != nil {
						return "", err
					}
				}

				if *existing != 0 {
					p, err = proc.Adopt(*existing, d.logger)
				} else {
					p, err = proc.Start(args[0], args[2:], d.logger)
				}
				if err != nil {
					return "", err
				}

				if err := d.Attach(ctx, p, name, handlerArgs); err != nil {
					if !p.Adopted() && !errors.Is(err, ErrAlreadyAttached) && !p.Exited() {
						_ = p.Terminate(d.Settings().TerminateGrace())
					}
					p.Release()
					d.record(ctx, journal.Event{Kind: journal.KindFailed, PID: p.PID(), Handler: name, Path: p.Path(), Detail: err.Error()})
					return "", err
				}
				verb := "started"
				if p.Adopted() {
					verb = "adopted"
				}
				return fmt.Sprintf("%s pid %d with handler %s", verb, p.PID(), name), nil
			}
		},
	}
}

func detachCommand() *Command {
	return &Command{
		Name:    "detach",
		Usage:   "detach <pid>",
		Summary: "Detach the handler from a process, terminating the process if it is still running.",
		Bind: func(d *Daemon, fs *pflag.FlagSet) RunFunc {
			return func(ctx context.Context, args []string) (string, error) {
				if len(args) != 1 {
					return "", errors.New("pid is required")
				}
				pid, err := strconv.Atoi(args[0])
				if err != nil {
					return "", fmt.Errorf("invalid pid %q", args[0])
				}
				if err := d.Detach(ctx, pid); err != nil {
					return "", err
				}
				return fmt.Sprintf("detached pid %d", pid), nil
			}
		},
	}
}

func listCommand() *Command {
	return &Command{
		Name:    "list",
		Usage:   "list [--json]",
		Summary: "List watched processes, one per line as: pid handler path args...",
		Bind: func(d *Daemon, fs *pflag.FlagSet) RunFunc {
			asJSON := fs.BoolP("json", "j", false, "output JSON")
			return func(ctx context.Context, args []string) (string, error) {
				procs := d.Processes()
				if *asJSON {
					return marshalJSON(procs)
				}
				lines := make([]string, 0, len(procs))
				for _, p := range procs {
					fields := append([]string{strconv.Itoa(p.PID), p.Handler, p.Path}, p.Args...)
					lines = append(lines, shellquote.Join(fields...))
				}
				return strings.Join(lines, "\n"), nil
			}
		},
	}
}

func notifyCommand() *Command {
	return &Command{
		Name:    "notify",
		Alias:   "nf",
		Usage:   "notify <board> <message...>",
		Summary: "Post a message to a board.",
		Bind: func(d *Daemon, fs *pflag.FlagSet) RunFunc {
			return func(ctx context.Context, args []string) (string, error) {
				if len(args) < 1 {
					return "", errors.New("board is required")
				}
				b := d.boards.Board(args[0])
				b.PostAsync(args[1:])
				return fmt.Sprintf("posted to %s (%d subscribers)", b.Name(), b.Subscribers()), nil
			}
		},
	}
}

func boardsCommand() *Command {
	return &Command{
		Name:    "boards",
		Usage:   "boards",
		Summary: "List message boards with their subscriber counts.",
		Bind: func(d *Daemon, fs *pflag.FlagSet) RunFunc {
			return func(ctx context.Context, args []string) (string, error) {
				names := d.boards.BoardNames()
				lines := make([]string, 0, len(names))
				for _, name := range names {
					lines = append(lines, fmt.Sprintf("%s %d", name, d.boards.Board(name).Subscribers()))
				}
				return strings.Join(lines, "\n"), nil
			}
		},
	}
}

func reloadCommand() *Command {
	return &Command{
		Name:    "reload",
		Usage:   "reload [settings|extensions|all]",
		Summary: "Reload settings, extensions or both once the current loop iteration finishes.",
		Bind: func(d *Daemon, fs *pflag.FlagSet) RunFunc {
			return func(ctx context.Context, args []string) (string, error) {
				target := reloadAll
				if len(args) > 0 {
					target = reloadTarget(args[0])
				}
				if !target.valid() {
					return "", fmt.Errorf("unknown reload target %q", target)
				}
				d.EnqueueSensitive(func(ctx context.Context) error {
					return d.Reload(ctx, target)
				})
				return fmt.Sprintf("reload of %s scheduled", target), nil
			}
		},
	}
}

func retrieveCommand() *Command {
	return &Command{
		Name:    "retrieve",
		Usage:   "retrieve <name>",
		Summary: "Retrieve a buffered request result. Prints " + results.Unfinished + " while the request runs; a finished value is returned once.",
		Bind: func(d *Daemon, fs *pflag.FlagSet) RunFunc {
			return func(ctx context.Context, args []string) (string, error) {
				if len(args) != 1 {
					return "", errors.New("name is required")
				}
				value, err := d.results.Retrieve(args[0])
				if err != nil {
					return "", fmt.Errorf("%s: %w", args[0], err)
				}
				return value, nil
			}
		},
	}
}

func statsCommand() *Command {
	return &Command{
		Name:    "stats",
		Usage:   "stats [--json|-j] [--settings]",
		Summary: "Report daemon statistics as JSON; --json prints it on one line.",
		Bind: func(d *Daemon, fs *pflag.FlagSet) RunFunc {
			compact := fs.BoolP("json", "j", false, "single-line JSON")
			settings := fs.Bool("settings", false, "output the current settings instead")
			return func(ctx context.Context, args []string) (string, error) {
				if *settings {
					data, err := json.MarshalIndent(d.Settings(), "", "  ")
					if err != nil {
						return "", fmt.Errorf("encode settings: %w", err)
					}
					return string(data), nil
				}
				return d.Stats().JSON(*compact), nil
			}
		},
	}
}

func historyCommand() *Command {
	return &Command{
		Name:    "history",
		Usage:   "history [--limit N] [--json]",
		Summary: "Show recent process lifecycle events from the journal, newest first.",
		Bind: func(d *Daemon, fs *pflag.FlagSet) RunFunc {
			limit := fs.IntP("limit", "n", defaultHistoryLimit, "number of events")
			asJSON := fs.BoolP("json", "j", false, "output JSON")
			return func(ctx context.Context, args []string) (string, error) {
				if d.journal == nil {
					return "", ErrJournalDisabled
				}
				events, err := d.journal.Recent(ctx, *limit)
				if err != nil {
					return "", err
				}
				if *asJSON {
					return marshalJSON(events)
				}
				lines := make([]string, 0, len(events))
				for _, ev := range events {
					exit := "-"
					if ev.ExitCode != nil {
						exit = strconv.Itoa(*ev.ExitCode)
					}
					line := fmt.Sprintf("%s %-13s pid=%d handler=%s exit=%s", ev.RecordedAt.Local().Format(time.DateTime), ev.Kind, ev.PID, ev.Handler, exit)
					if ev.Detail != "" {
						line += " " + ev.Detail
					}
					lines = append(lines, line)
				}
				return strings.Join(lines, "\n"), nil
			}
		},
	}
}

func handlersCommand() *Command {
	return &Command{
		Name:    "handlers",
		Usage:   "handlers",
		Summary: "List registered handler names.",
		Bind: func(d *Daemon, fs *pflag.FlagSet) RunFunc {
			return func(ctx context.Context, args []string) (string, error) {
				return strings.Join(d.handlers.Names(), "\n"), nil
			}
		},
	}
}

func helpCommand() *Command {
	return &Command{
		Name:    "help",
		Usage:   "help [command]",
		Summary: "Show commands or one command's usage.",
		Bind: func(d *Daemon, fs *pflag.FlagSet) RunFunc {
			return func(ctx context.Context, args []string) (string, error) {
				name := ""
				if len(args) > 0 {
					name = args[0]
				}
				return d.help(name)
			}
		},
	}
}

func newInteractiveCommand() *Command {
	return &Command{
		Name:   NewInteractiveCommand,
		Usage:  NewInteractiveCommand,
		Hidden: true,
		Bind: func(d *Daemon, fs *pflag.FlagSet) RunFunc {
			return func(ctx context.Context, args []string) (string, error) {
				d.logger.Info("interactive client connected",
					logging.String(logging.FieldEventType, "interactive_session"),
					logging.String(logging.FieldSender, senderFrom(ctx)),
				)
				return "", nil
			}
		},
	}
}

func marshalJSON(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode json: %w", err)
	}
	return string(data), nil
}
