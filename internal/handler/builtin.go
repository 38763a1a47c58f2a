package handler

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"warden/internal/logging"
)

// Built-in static handler names.
const (
	NoopName     = "core:noop"
	AnnounceName = "core:announce"
	RestartName  = "core:restart"
)

const announceTickInterval = time.Second

func (r *Registry) registerBuiltins() {
	r.static[NoopName] = func(Process, []string, Host) (Handler, error) {
		return noop{}, nil
	}
	r.static[AnnounceName] = r.newAnnounce
	r.static[RestartName] = r.newRestart
}

// announce posts lifecycle events for its process to a board:
// started, a tick at most once per second while attached, and ended.
type announce struct {
	proc  Process
	host  Host
	board string
	ticks rate.Sometimes
}

func (r *Registry) newAnnounce(p Process, args []string, host Host) (Handler, error) {
	boardName := r.options().AnnounceBoard
	if len(args) > 0 && args[0] != "" {
		boardName = args[0]
	}
	return &announce{
		proc:  p,
		host:  host,
		board: boardName,
		ticks: rate.Sometimes{Interval: announceTickInterval},
	}, nil
}

func (a *announce) post(event string, extra ...string) {
	msg := append([]string{event, strconv.Itoa(a.proc.PID())}, extra...)
	a.host.Boards().Board(a.board).PostAsync(msg)
}

func (a *announce) Start(context.Context) error {
	a.post("started", a.proc.Path())
	return nil
}

func (a *announce) Handle(context.Context) error {
	a.ticks.Do(func() { a.post("tick") })
	return nil
}

func (a *announce) End() {
	reason := "exited"
	if a.proc.Terminated() {
		reason = "terminated"
	}
	a.post("ended", reason)
}

// restart re-attaches its command line with the same handler when the process
// exits on its own. The argument is the number of restarts left; restarts of
// one executable are spaced by the registry's restart interval.
type restart struct {
	noop
	proc      Process
	host      Host
	remaining int
	limiter   *rate.Limiter
	logger    *slog.Logger
}

func (r *Registry) newRestart(p Process, args []string, host Host) (Handler, error) {
	remaining := r.options().MaxRestarts
	if len(args) > 0 {
		n, err := strconv.Atoi(args[0])
		if err != nil || n < 0 {
			return nil, fmt.Errorf("%s: restart count %q must be a non-negative integer", RestartName, args[0])
		}
		remaining = n
	}
	if p.Adopted() {
		return nil, fmt.Errorf("%s: adopted processes have no command line to restart", RestartName)
	}
	logger := host.Logger()
	if logger == nil {
		logger = logging.NewNop()
	}
	return &restart{
		proc:      p,
		host:      host,
		remaining: remaining,
		limiter:   r.restartLimiter(p.Path()),
		logger: logger.With(
			logging.String(logging.FieldHandler, RestartName),
			logging.Int(logging.FieldPID, p.PID()),
		),
	}, nil
}

func (h *restart) End() {
	if h.proc.Terminated() {
		h.logger.Debug("process detached, not restarting")
		return
	}
	if h.remaining <= 0 {
		logging.WarnWithContext(h.logger, "restart limit reached", "restart_exhausted",
			logging.String("path", h.proc.Path()),
			logging.String(logging.FieldImpact, "process stays down"),
			logging.String(logging.FieldErrorHint, "inspect the process output and attach it again"),
		)
		return
	}

	command := append([]string{
		"attach-process",
		h.proc.Path(),
		fmt.Sprintf("%s(%d)", RestartName, h.remaining-1),
	}, h.proc.Args()...)

	delay := h.limiter.Reserve().Delay()
	h.logger.Info("restarting process",
		logging.String(logging.FieldEventType, "process_restart"),
		logging.String("path", h.proc.Path()),
		logging.Int("remaining", h.remaining-1),
		logging.Duration("delay", delay),
	)
	if delay <= 0 {
		h.host.Enqueue(command)
		return
	}
	time.AfterFunc(delay, func() { h.host.Enqueue(command) })
}
