package daemon

import (
	"context"
	"errors"
	"log/slog"
	"os/user"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"warden/internal/board"
	"warden/internal/config"
	"warden/internal/handler"
	"warden/internal/ipc"
	"warden/internal/journal"
	"warden/internal/logging"
	"warden/internal/results"
)

// Inbox is the source of received channel messages.
type Inbox interface {
	Drain() []*ipc.Inbound
}

// Journal records process lifecycle events.
type Journal interface {
	Record(ctx context.Context, ev journal.Event) error
	Recent(ctx context.Context, limit int) ([]journal.Event, error)
}

// Options carries the optional collaborators of a Daemon.
type Options struct {
	// ConfigPath is re-read by reload settings; empty uses the default lookup.
	ConfigPath string
	Inbox      Inbox
	Journal    Journal
	// LevelVar, when set, is updated from logging.level on reload.
	LevelVar *slog.LevelVar
	Handlers *handler.Registry
}

// Daemon is the single context object owning the process registry, action
// queues, statistics, boards, result store and commands. Every command and
// handler receives it explicitly.
type Daemon struct {
	logger    *slog.Logger
	sessionID string
	inbox     Inbox
	journal   Journal
	levelVar  *slog.LevelVar
	cfgPath   string

	settingsMu sync.RWMutex
	settings   *config.Config

	handlers *handler.Registry
	boards   *board.Hub
	results  *results.Store
	commands *commandSet
	procs    *processTable
	tasks    taskList
	stats    stats

	asyncActions     actionQueue
	syncActions      actionQueue
	sensitiveActions actionQueue

	running atomic.Bool
}

// New constructs a daemon from cfg. The inbox may be nil for daemons driven
// only through Call.
func New(cfg *config.Config, logger *slog.Logger, opts Options) (*Daemon, error) {
	if cfg == nil {
		return nil, errors.New("daemon requires config")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	sessionID := uuid.NewString()
	logger = logging.NewComponentLogger(logger, "daemon").With(logging.String(logging.FieldSessionID, sessionID))

	registry := opts.Handlers
	if registry == nil {
		registry = handler.NewRegistry(handlerOptions(cfg), logger)
	}
	d := &Daemon{
		logger:    logger,
		sessionID: sessionID,
		inbox:     opts.Inbox,
		journal:   opts.Journal,
		levelVar:  opts.LevelVar,
		cfgPath:   opts.ConfigPath,
		settings:  cfg,
		handlers:  registry,
		boards:    board.NewHub(cfg.Handlers.BoardFanoutThreshold),
		results:   results.NewStore(),
		procs:     newProcessTable(),
	}
	d.commands = builtinCommands()
	return d, nil
}

func handlerOptions(cfg *config.Config) handler.Options {
	return handler.Options{
		AnnounceBoard: cfg.Handlers.AnnounceBoard,
		MaxRestarts:   cfg.Handlers.MaxRestarts,
	}
}

// Settings returns the active configuration. Callers must not modify it.
func (d *Daemon) Settings() *config.Config {
	d.settingsMu.RLock()
	defer d.settingsMu.RUnlock()
	return d.settings
}

func (d *Daemon) setSettings(cfg *config.Config) {
	d.settingsMu.Lock()
	d.settings = cfg
	d.settingsMu.Unlock()
}

// SessionID identifies this daemon run in logs.
func (d *Daemon) SessionID() string { return d.sessionID }

// Stats returns a snapshot of the daemon statistics.
func (d *Daemon) Stats() Statistics {
	out := d.stats.snapshot(time.Now(), d.procs.len(), d.tasks.len())
	out.BufferedResults = d.results.Len()
	return out
}

// Handlers returns the handler registry.
func (d *Daemon) Handlers() *handler.Registry { return d.handlers }

// Boards implements handler.Host.
func (d *Daemon) Boards() *board.Hub { return d.boards }

// Results implements handler.Host.
func (d *Daemon) Results() *results.Store { return d.results }

// Logger implements handler.Host.
func (d *Daemon) Logger() *slog.Logger { return d.logger }

// Invoke queues an asynchronous action, launched next iteration and joined
// before that iteration ends.
func (d *Daemon) Invoke(fn func(ctx context.Context) error) {
	d.asyncActions.push(fn)
}

// InvokeSync queues an action run inline on the loop next iteration.
func (d *Daemon) InvokeSync(fn func(ctx context.Context) error) {
	d.syncActions.push(fn)
}

// EnqueueSensitive queues an action run after all other work of an iteration.
func (d *Daemon) EnqueueSensitive(fn func(ctx context.Context) error) {
	d.sensitiveActions.push(fn)
}

// Enqueue queues a command for asynchronous execution; its text result is logged.
func (d *Daemon) Enqueue(args []string) {
	command := append([]string(nil), args...)
	d.Invoke(func(ctx context.Context) error {
		result := d.Call(ctx, command)
		d.logger.Debug("queued command finished",
			logging.Strings(logging.FieldCommand, command),
			logging.String("result", result),
		)
		return nil
	})
}

// RegisterTask adds a recurring task run every iteration alongside handler ticks.
func (d *Daemon) RegisterTask(fn handler.TaskFunc) uint64 {
	id, count := d.tasks.add(Action(fn))
	d.stats.taskCount(count)
	return id
}

// RemoveTask unregisters a recurring task.
func (d *Daemon) RemoveTask(id uint64) bool {
	return d.tasks.remove(id)
}

func (d *Daemon) record(ctx context.Context, ev journal.Event) {
	if d.journal == nil {
		return
	}
	if err := d.journal.Record(context.WithoutCancel(ctx), ev); err != nil {
		logging.WarnWithContext(d.logger, "journal write failed", "journal_write_failed",
			logging.Error(err),
			logging.String(logging.FieldImpact, "history omits this event"),
		)
	}
}

func currentUser() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return "uid:" + strconv.Itoa(geteuid())
}

var _ handler.Host = (*Daemon)(nil)
