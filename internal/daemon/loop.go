package daemon

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"warden/internal/logging"
)

// geteuid is replaced in tests.
var geteuid = unix.Geteuid

// Run executes the dispatch loop until ctx is cancelled. Cancellation is
// observed at the top of each iteration; work already launched completes.
// On return every watched process has been detached.
func (d *Daemon) Run(ctx context.Context) error {
	if !d.running.CompareAndSwap(false, true) {
		return errors.New("daemon loop already running")
	}
	defer d.running.Store(false)

	settings := d.Settings()
	if settings.Daemon.RequireRoot && geteuid() != 0 {
		return fmt.Errorf("%w: effective uid %d", ErrInsufficientPrivilege, geteuid())
	}

	d.stats.start(time.Now(), currentUser())
	d.logger.Info("daemon loop starting",
		logging.String(logging.FieldEventType, "daemon_loop_start"),
		logging.Duration("throttle", settings.Throttle()),
		logging.Int("max_concurrency", settings.Daemon.MaxConcurrency),
	)

	if startup := settings.Daemon.StartupCommand; len(startup) > 0 {
		result := d.Call(ctx, startup)
		d.logger.Info("startup command finished",
			logging.String(logging.FieldEventType, "startup_command"),
			logging.Strings(logging.FieldCommand, startup),
			logging.String("result", result),
		)
	}

	for {
		if ctx.Err() != nil {
			break
		}
		started := time.Now()
		throttle := d.Settings().Throttle()
		d.iterate(ctx, started, throttle)

		if remaining := throttle - time.Since(started); remaining > 0 {
			timer := time.NewTimer(remaining)
			select {
			case <-ctx.Done():
				timer.Stop()
			case <-timer.C:
			}
		}
	}

	d.logger.Info("daemon loop stopping", logging.String(logging.FieldEventType, "daemon_loop_stop"))
	shutdownCtx := context.WithoutCancel(ctx)
	d.detachAll(shutdownCtx)
	d.boards.Wait()
	if held := d.results.Len(); held > 0 {
		d.logger.Info("discarding buffered results",
			logging.String(logging.FieldEventType, "buffered_results_discarded"),
			logging.Int("held", held),
			logging.Strings("unfinished", d.results.Pending()),
		)
		d.results.Clear()
	}
	return nil
}

// iterate runs one pass of the loop: handler ticks and recurring tasks, async
// actions, inbox dispatch, sync actions, join, statistics, then sensitive
// actions.
func (d *Daemon) iterate(ctx context.Context, started time.Time, throttle time.Duration) {
	var group errgroup.Group
	if limit := d.Settings().Daemon.MaxConcurrency; limit > 0 {
		group.SetLimit(limit)
	}
	launched := 0
	launch := func(name string, fn Action) {
		launched++
		group.Go(func() error {
			d.guard(name, func() error { return fn(ctx) })
			return nil
		})
	}

	for _, rec := range d.procs.snapshot() {
		launch("handle", rec.handler.Handle)
	}
	for _, task := range d.tasks.snapshot() {
		launch("task", task)
	}

	for _, action := range d.asyncActions.drain() {
		launch("async_action", action)
	}

	var inbound int
	if d.inbox != nil {
		messages := d.inbox.Drain()
		inbound = len(messages)
		for _, in := range messages {
			d.dispatch(ctx, in, launch)
		}
	}

	syncActions := d.syncActions.drain()
	for _, action := range syncActions {
		d.guard("sync_action", func() error { return action(ctx) })
	}

	_ = group.Wait()

	d.stats.iteration(inbound, len(syncActions), launched, time.Since(started) >= throttle)

	for _, action := range d.sensitiveActions.drain() {
		d.guard("sensitive_action", func() error { return action(ctx) })
	}
}

// guard runs fn, logging and counting its error or panic so one failing
// operation never stops the loop.
func (d *Daemon) guard(name string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			d.stats.failed()
			logging.ErrorWithContext(d.logger, "operation panicked", "operation_panic",
				logging.String("operation", name),
				logging.Any("panic", r),
				logging.String("stack", string(debug.Stack())),
				logging.String(logging.FieldImpact, "operation aborted; daemon continues"),
			)
		}
	}()
	if err := fn(); err != nil {
		d.stats.failed()
		logging.WarnWithContext(d.logger, "operation failed", "operation_failed",
			logging.String("operation", name),
			logging.Error(err),
			logging.String(logging.FieldImpact, "daemon continues"),
		)
	}
}
