package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime/debug"
	"sort"
	"strings"

	"github.com/spf13/pflag"

	"warden/internal/logging"
)

// RunFunc executes a command with its positional arguments after flags have
// been parsed.
type RunFunc func(ctx context.Context, args []string) (string, error)

// Command is a daemon command reachable through Call. Bind declares the
// command's flags on a fresh flag set for each call and returns the runner
// that reads them. Flags must precede positional arguments; everything from
// the first positional argument on is passed through untouched.
type Command struct {
	Name    string
	Alias   string
	Usage   string
	Summary string
	Hidden  bool
	Bind    func(d *Daemon, fs *pflag.FlagSet) RunFunc
}

type commandSet struct {
	byName map[string]*Command
}

func newCommandSet(cmds ...*Command) *commandSet {
	set := &commandSet{byName: make(map[string]*Command)}
	for _, c := range cmds {
		set.byName[c.Name] = c
		if c.Alias != "" {
			set.byName[c.Alias] = c
		}
	}
	return set
}

func (s *commandSet) lookup(name string) (*Command, bool) {
	c, ok := s.byName[name]
	return c, ok
}

// visible lists commands shown by help, in name order.
func (s *commandSet) visible() []*Command {
	seen := make(map[*Command]bool)
	var out []*Command
	for _, c := range s.byName {
		if c.Hidden || seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (c *Command) usage(fs *pflag.FlagSet) string {
	var b strings.Builder
	fmt.Fprintf(&b, "usage: %s\n", c.Usage)
	if c.Alias != "" {
		fmt.Fprintf(&b, "alias: %s\n", c.Alias)
	}
	if c.Summary != "" {
		b.WriteString(c.Summary)
		b.WriteByte('\n')
	}
	if fs != nil && fs.HasFlags() {
		b.WriteString("flags:\n")
		b.WriteString(fs.FlagUsages())
	}
	return strings.TrimRight(b.String(), "\n")
}

// Call runs the command named by args[0] and returns its text result.
// Failures, including panics, are reported as "error: ..." text.
func (d *Daemon) Call(ctx context.Context, args []string) (result string) {
	if len(args) == 0 || strings.TrimSpace(args[0]) == "" {
		return "error: empty command"
	}
	name := args[0]
	logger := d.logger.With(logging.Strings(logging.FieldCommand, args))
	defer func() {
		if r := recover(); r != nil {
			d.stats.failed()
			logging.ErrorWithContext(logger, "command panicked", "command_panic",
				logging.Any("panic", r),
				logging.String("stack", string(debug.Stack())),
				logging.String(logging.FieldImpact, "command aborted; daemon continues"),
			)
			result = fmt.Sprintf("error: %s: internal error", name)
		}
	}()

	cmd, ok := d.commands.lookup(name)
	if !ok {
		return fmt.Sprintf("error: %v: %s", ErrUnknownCommand, name)
	}
	fs := pflag.NewFlagSet(cmd.Name, pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.SetInterspersed(false)
	run := cmd.Bind(d, fs)
	if err := fs.Parse(args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return cmd.usage(fs)
		}
		return fmt.Sprintf("error: %s: %v\n%s", cmd.Name, err, cmd.usage(fs))
	}

	out, err := run(ctx, fs.Args())
	if err != nil {
		logger.Debug("command failed", logging.Error(err))
		return fmt.Sprintf("error: %s: %v", cmd.Name, err)
	}
	return out
}

// help renders the command list or one command's usage.
func (d *Daemon) help(name string) (string, error) {
	if name != "" {
		cmd, ok := d.commands.lookup(name)
		if !ok {
			return "", fmt.Errorf("%w: %s", ErrUnknownCommand, name)
		}
		fs := pflag.NewFlagSet(cmd.Name, pflag.ContinueOnError)
		cmd.Bind(d, fs)
		return cmd.usage(fs), nil
	}
	var b strings.Builder
	b.WriteString("commands:\n")
	for _, c := range d.commands.visible() {
		label := c.Name
		if c.Alias != "" {
			label += " (" + c.Alias + ")"
		}
		fmt.Fprintf(&b, "  %-24s %s\n", label, c.Summary)
	}
	return strings.TrimRight(b.String(), "\n"), nil
}
