package handler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kballard/go-shellquote"

	"warden/internal/board"
	"warden/internal/results"
)

var (
	// ErrUnknownHandler reports a handler name that resolves to nothing.
	ErrUnknownHandler = errors.New("unknown handler")
	// ErrInvalidScript reports a script that fails to load or lacks a
	// required entry point.
	ErrInvalidScript = errors.New("invalid handler script")
)

// Handler governs one supervised process. Start runs once after attach,
// Handle once per dispatch iteration, End exactly once on detach.
type Handler interface {
	Start(ctx context.Context) error
	Handle(ctx context.Context) error
	End()
}

// Process is the view of a supervised process a handler receives.
type Process interface {
	PID() int
	Path() string
	Args() []string
	Adopted() bool
	Terminated() bool
}

// TaskFunc is a recurring task run once per dispatch iteration.
type TaskFunc func(ctx context.Context) error

// Host exposes the daemon services handlers may use.
type Host interface {
	// Call runs a daemon command synchronously and returns its text result.
	Call(ctx context.Context, args []string) string
	// Enqueue schedules a daemon command on the async action queue.
	Enqueue(args []string)
	// Invoke schedules fn on the async action queue.
	Invoke(fn func(ctx context.Context) error)
	RegisterTask(fn TaskFunc) uint64
	RemoveTask(id uint64) bool
	Boards() *board.Hub
	Results() *results.Store
	Logger() *slog.Logger
}

// Constructor builds a handler bound to a process.
type Constructor func(p Process, args []string, host Host) (Handler, error)

// IsStaticName reports whether name addresses the static registry, which is
// the case when it contains exactly one colon.
func IsStaticName(name string) bool {
	return strings.Count(name, ":") == 1
}

// ParseName splits handler notation `name(arg ...)` into the name and its
// shell-tokenized arguments. A bare name has no arguments.
func ParseName(ref string) (string, []string, error) {
	ref = strings.TrimSpace(ref)
	open := strings.IndexByte(ref, '(')
	if open < 0 {
		if ref == "" {
			return "", nil, fmt.Errorf("%w: empty handler name", ErrUnknownHandler)
		}
		return ref, nil, nil
	}
	if !strings.HasSuffix(ref, ")") {
		return "", nil, fmt.Errorf("handler %q: unterminated argument list", ref)
	}
	name := strings.TrimSpace(ref[:open])
	if name == "" {
		return "", nil, fmt.Errorf("%w: empty handler name", ErrUnknownHandler)
	}
	args, err := shellquote.Split(ref[open+1 : len(ref)-1])
	if err != nil {
		return "", nil, fmt.Errorf("handler %q arguments: %w", name, err)
	}
	return name, args, nil
}

// noop is embedded by handlers that only care about some entry points.
type noop struct{}

func (noop) Start(context.Context) error  { return nil }
func (noop) Handle(context.Context) error { return nil }
func (noop) End()                         {}
