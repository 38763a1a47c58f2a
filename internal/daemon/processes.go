package daemon

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"warden/internal/handler"
	"warden/internal/journal"
	"warden/internal/logging"
	"warden/internal/proc"
)

// ProcessInfo describes a watched process.
type ProcessInfo struct {
	PID         int       `json:"pid"`
	Handler     string    `json:"handler"`
	HandlerArgs []string  `json:"handler_args,omitempty"`
	Path        string    `json:"path"`
	Args        []string  `json:"args,omitempty"`
	Adopted     bool      `json:"adopted"`
	AttachedAt  time.Time `json:"attached_at"`
}

// record binds a process to its handler. End runs through once.
type record struct {
	proc       *proc.Process
	handler    handler.Handler
	name       string
	args       []string
	attachedAt time.Time
	stopWatch  context.CancelFunc
	endOnce    sync.Once
}

func (r *record) end() {
	r.endOnce.Do(r.handler.End)
}

func (r *record) info() ProcessInfo {
	return ProcessInfo{
		PID:         r.proc.PID(),
		Handler:     r.name,
		HandlerArgs: append([]string(nil), r.args...),
		Path:        r.proc.Path(),
		Args:        r.proc.Args(),
		Adopted:     r.proc.Adopted(),
		AttachedAt:  r.attachedAt,
	}
}

// processTable maps pid to record. At most one record per live pid.
type processTable struct {
	mu      sync.RWMutex
	records map[int]*record
}

func newProcessTable() *processTable {
	return &processTable{records: make(map[int]*record)}
}

func (t *processTable) insert(r *record) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	pid := r.proc.PID()
	if _, exists := t.records[pid]; exists {
		return false
	}
	t.records[pid] = r
	return true
}

// remove deletes the record for pid. When want is non-nil only that exact
// record is removed, so a stale exit cannot drop a newer attach of the same pid.
func (t *processTable) remove(pid int, want *record) (*record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.records[pid]
	if !ok || (want != nil && r != want) {
		return nil, false
	}
	delete(t.records, pid)
	return r, true
}

func (t *processTable) has(pid int) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.records[pid]
	return ok
}

func (t *processTable) snapshot() []*record {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*record, 0, len(t.records))
	for _, r := range t.records {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].proc.PID() < out[j].proc.PID() })
	return out
}

func (t *processTable) len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.records)
}

// Processes lists watched processes ordered by pid.
func (d *Daemon) Processes() []ProcessInfo {
	records := d.procs.snapshot()
	out := make([]ProcessInfo, 0, len(records))
	for _, r := range records {
		out = append(out, r.info())
	}
	return out
}

// Attach binds p to the named handler, starts watching for its exit and runs
// the handler's Start. A Start failure detaches the process again.
func (d *Daemon) Attach(ctx context.Context, p *proc.Process, name string, args []string) error {
	if d.procs.has(p.PID()) {
		return fmt.Errorf("%w: pid %d", ErrAlreadyAttached, p.PID())
	}
	h, err := d.handlers.New(name, p, args, d)
	if err != nil {
		return err
	}
	watchCtx, stopWatch := context.WithCancel(context.Background())
	rec := &record{
		proc:       p,
		handler:    h,
		name:       name,
		args:       append([]string(nil), args...),
		attachedAt: time.Now(),
		stopWatch:  stopWatch,
	}
	if !d.procs.insert(rec) {
		stopWatch()
		h.End()
		return fmt.Errorf("%w: pid %d", ErrAlreadyAttached, p.PID())
	}
	go d.watch(watchCtx, rec)
	d.stats.attached()

	logger := d.logger.With(logging.Int(logging.FieldPID, p.PID()), logging.String(logging.FieldHandler, name))
	logger.Info("process attached",
		logging.String(logging.FieldEventType, "process_attached"),
		logging.String("path", p.Path()),
		logging.Bool("adopted", p.Adopted()),
	)
	d.record(ctx, journal.Event{Kind: journal.KindAttach, PID: p.PID(), Handler: name, Path: p.Path()})

	if err := h.Start(ctx); err != nil {
		logging.WarnWithContext(logger, "handler start failed", "handler_start_failed",
			logging.Error(err),
			logging.String(logging.FieldImpact, "process detached"),
		)
		if detachErr := d.Detach(ctx, p.PID()); detachErr != nil {
			logger.Debug("detach after failed start", logging.Error(detachErr))
		}
		return fmt.Errorf("start handler %s: %w", name, err)
	}
	return nil
}

// Detach removes the record for pid, terminates the process if it is still
// running and calls End once. Adopted processes are terminated too.
func (d *Daemon) Detach(ctx context.Context, pid int) error {
	rec, ok := d.procs.remove(pid, nil)
	if !ok {
		return fmt.Errorf("%w: pid %d", ErrNotAttached, pid)
	}
	d.release(ctx, rec, true)
	d.record(ctx, journal.Event{Kind: journal.KindDetach, PID: pid, Handler: rec.name, Path: rec.proc.Path()})
	return nil
}

// release stops watching rec, optionally terminates its process and runs End.
func (d *Daemon) release(ctx context.Context, rec *record, terminate bool) {
	rec.stopWatch()
	logger := d.logger.With(logging.Int(logging.FieldPID, rec.proc.PID()), logging.String(logging.FieldHandler, rec.name))
	if terminate && !rec.proc.Exited() {
		if err := rec.proc.Terminate(d.Settings().TerminateGrace()); err != nil {
			logging.WarnWithContext(logger, "terminate failed", "process_terminate_failed", logging.Error(err))
		}
	}
	rec.proc.Release()
	rec.end()
	logger.Info("process detached",
		logging.String(logging.FieldEventType, "process_detached"),
		logging.Bool("exited", rec.proc.Exited()),
	)
}

// watch waits for the process to exit and hands the detach to the loop
// through the sync action queue.
func (d *Daemon) watch(ctx context.Context, rec *record) {
	select {
	case <-ctx.Done():
		return
	case <-rec.proc.Done():
	}
	d.InvokeSync(func(ctx context.Context) error {
		d.exited(ctx, rec)
		return nil
	})
}

func (d *Daemon) exited(ctx context.Context, rec *record) {
	pid := rec.proc.PID()
	if _, ok := d.procs.remove(pid, rec); !ok {
		return
	}
	rec.stopWatch()
	rec.proc.Release()
	rec.end()

	ev := journal.Event{Kind: journal.KindExit, PID: pid, Handler: rec.name, Path: rec.proc.Path()}
	attrs := []logging.Attr{
		logging.String(logging.FieldEventType, "process_exited"),
		logging.Int(logging.FieldPID, pid),
		logging.String(logging.FieldHandler, rec.name),
	}
	if code := rec.proc.ExitCode(); code >= 0 {
		ev.ExitCode = &code
		attrs = append(attrs, logging.Int("exit_code", code))
	}
	if started, ended := rec.proc.StartedAt(), rec.proc.ExitedAt(); !started.IsZero() && !ended.IsZero() {
		ran := ended.Sub(started).Round(time.Millisecond)
		ev.Detail = "ran " + ran.String()
		attrs = append(attrs, logging.Duration("runtime", ran))
	}
	d.logger.Info("process exited", logging.Args(attrs...)...)
	d.record(ctx, ev)
}

// detachAll releases every record at shutdown. Spawned children are
// terminated; adopted processes are left running.
// Records are released concurrently so shutdown takes about one grace period
// however many children ignore SIGTERM.
func (d *Daemon) detachAll(ctx context.Context) {
	var g errgroup.Group
	for _, rec := range d.procs.snapshot() {
		if _, ok := d.procs.remove(rec.proc.PID(), rec); !ok {
			continue
		}
		g.Go(func() error {
			d.release(ctx, rec, !rec.proc.Adopted())
			d.record(ctx, journal.Event{Kind: journal.KindDetach, PID: rec.proc.PID(), Handler: rec.name, Path: rec.proc.Path(), Detail: "shutdown"})
			return nil
		})
	}
	_ = g.Wait()
}
