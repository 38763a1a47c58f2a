package daemonrun

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"warden/internal/config"
	"warden/internal/daemon"
	"warden/internal/ipc"
	"warden/internal/journal"
	"warden/internal/logging"
)

// exitCodeDeadline is the process exit status when shutdown overruns its deadline.
const exitCodeDeadline = 2

// exitProcess is replaced in tests.
var exitProcess = os.Exit

// Options configures daemon process runtime behavior.
type Options struct {
	// ConfigPath is remembered so reload can re-read the same file.
	ConfigPath string
	// LogLevel overrides logging.level when set.
	LogLevel    string
	Development bool
	// Console mirrors logs to stdout and stderr in addition to the run log file.
	Console bool
	// StartupCommand replaces daemon.startup_command when non-empty.
	StartupCommand []string
}

// Run starts the warden daemon and blocks until a signal or ctx cancellation
// stops the dispatch loop.
func Run(cmdCtx context.Context, cfg *config.Config, opts Options) error {
	if cfg == nil {
		return fmt.Errorf("config is required")
	}
	runCfg := *cfg
	if len(opts.StartupCommand) > 0 {
		runCfg.Daemon.StartupCommand = append([]string(nil), opts.StartupCommand...)
	}
	if err := runCfg.EnsureDirectories(); err != nil {
		return fmt.Errorf("ensure directories: %w", err)
	}

	signalCtx, cancel := signal.NotifyContext(cmdCtx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	runID := time.Now().UTC().Format("20060102T150405.000Z")
	logPath := filepath.Join(runCfg.Paths.LogDir, fmt.Sprintf("warden-%s.log", runID))
	level := runCfg.Logging.Level
	if opts.LogLevel != "" {
		level = opts.LogLevel
		runCfg.Logging.Level = opts.LogLevel
	}
	outputs := []string{logPath}
	errorOutputs := []string{logPath}
	if opts.Console {
		outputs = append([]string{"stdout"}, outputs...)
		errorOutputs = append([]string{"stderr"}, errorOutputs...)
	}
	levelVar := new(slog.LevelVar)
	logger, err := logging.New(logging.Options{
		Level:            level,
		Format:           runCfg.Logging.Format,
		OutputPaths:      outputs,
		ErrorOutputPaths: errorOutputs,
		Development:      opts.Development,
		LevelVar:         levelVar,
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	if err := ensureCurrentLogPointer(runCfg.Paths.LogDir, logPath); err != nil {
		fmt.Fprintf(os.Stderr, "warn: unable to update warden.log link: %v\n", err)
	}
	logging.CleanupOldLogs(logger, runCfg.Logging.RetentionDays,
		logging.RetentionTarget{Dir: runCfg.Paths.LogDir, Pattern: "warden-*.log", Exclude: []string{logPath}},
	)

	instance, err := ipc.AcquireInstance(runCfg.InstanceLockPath())
	if err != nil {
		logger.Error("instance lock unavailable",
			logging.String(logging.FieldEventType, "instance_lock_failed"),
			logging.Error(err),
			logging.String("lock_path", runCfg.InstanceLockPath()),
		)
		return err
	}
	defer func() { _ = instance.Release() }()

	pidPath := runCfg.PIDPath()
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	defer os.Remove(pidPath)

	var jnl daemon.Journal
	if runCfg.Journal.Enabled {
		store, err := journal.Open(runCfg.JournalPath(), runCfg.Journal.Retention)
		if err != nil {
			logging.WarnWithContext(logger, "journal unavailable", "journal_open_failed",
				logging.Error(err),
				logging.String(logging.FieldImpact, "lifecycle history is not recorded"),
				logging.String(logging.FieldErrorHint, "check permissions on "+runCfg.JournalPath()),
			)
		} else {
			defer store.Close()
			jnl = store
			if n, err := store.Count(signalCtx); err == nil {
				logger.Debug("journal opened",
					logging.String("path", runCfg.JournalPath()),
					logging.Int("events", n))
			}
		}
	}

	server, err := ipc.NewServer(signalCtx, ipc.ServerOptions{
		SocketPath:    runCfg.SocketPath(),
		WriteLockPath: runCfg.WriteLockPath(),
		PollInterval:  runCfg.InboxInterval(),
		ReadTimeout:   runCfg.ReadTimeout(),
		LockTimeout:   runCfg.LockTimeout(),
	}, logger)
	if err != nil {
		return fmt.Errorf("start IPC server: %w", err)
	}
	defer server.Close()
	server.Serve()

	d, err := daemon.New(&runCfg, logger, daemon.Options{
		ConfigPath: opts.ConfigPath,
		Inbox:      server,
		Journal:    jnl,
		LevelVar:   levelVar,
	})
	if err != nil {
		return fmt.Errorf("create daemon: %w", err)
	}
	if err := d.LoadExtensions(); err != nil {
		logging.WarnWithContext(logger, "some extensions failed to load", "extension_load_failed",
			logging.Error(err),
			logging.String(logging.FieldImpact, "handlers from failed extensions are unavailable"),
		)
	}

	logger.Info("warden daemon starting",
		logging.String(logging.FieldEventType, "daemon_start"),
		logging.Int(logging.FieldPID, os.Getpid()),
		logging.String(logging.FieldSessionID, d.SessionID()),
		logging.String("socket", server.Address()),
		logging.String("log_path", logPath),
		logging.Bool("journal", jnl != nil),
	)

	stopWatchdog := startShutdownWatchdog(signalCtx, runCfg.ShutdownDeadline(), logger)
	defer stopWatchdog()

	runErr := d.Run(signalCtx)
	if runErr != nil {
		logger.Error("daemon loop failed",
			logging.String(logging.FieldEventType, "daemon_run_failed"),
			logging.Error(runErr),
		)
		return runErr
	}
	logger.Info("warden daemon shutting down", logging.String(logging.FieldEventType, "daemon_stop"))
	return nil
}

// startShutdownWatchdog exits the process if shutdown has not completed
// within deadline of ctx being cancelled. The returned func disarms it.
func startShutdownWatchdog(ctx context.Context, deadline time.Duration, logger *slog.Logger) func() {
	done := make(chan struct{})
	go func() {
		select {
		case <-done:
			return
		case <-ctx.Done():
		}
		timer := time.NewTimer(deadline)
		defer timer.Stop()
		select {
		case <-done:
		case <-timer.C:
			logger.Error("shutdown deadline exceeded",
				logging.String(logging.FieldEventType, "shutdown_deadline_exceeded"),
				logging.Duration("deadline", deadline),
				logging.String(logging.FieldImpact, "daemon exits without finishing cleanup"),
			)
			exitProcess(exitCodeDeadline)
		}
	}()
	return func() { close(done) }
}

func ensureCurrentLogPointer(logDir, target string) error {
	if logDir == "" || target == "" {
		return nil
	}
	current := filepath.Join(logDir, "warden.log")
	if err := os.Remove(current); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove existing log pointer: %w", err)
	}
	if err := os.Symlink(target, current); err == nil {
		return nil
	}
	if err := os.Link(target, current); err != nil {
		return fmt.Errorf("link log pointer: %w", err)
	}
	return nil
}

func writePIDFile(path string) error {
	if path == "" {
		return nil
	}
	value := strconv.Itoa(os.Getpid()) + "\n"
	return os.WriteFile(path, []byte(value), 0o644)
}
