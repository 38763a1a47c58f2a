package daemon

import (
	"context"
	"errors"
	"log/slog"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/spf13/pflag"

	"warden/internal/board"
	"warden/internal/handler"
	"warden/internal/ipc"
	"warden/internal/journal"
	"warden/internal/logging"
	"warden/internal/results"
	"warden/internal/testsupport"
)

type fakeInbox struct {
	mu      sync.Mutex
	pending []*ipc.Inbound
}

func (f *fakeInbox) push(t ipc.MessageType, content ...string) {
	f.mu.Lock()
	f.pending = append(f.pending, ipc.NewInbound(ipc.NewMessage(t, "test", content...)))
	f.mu.Unlock()
}

func (f *fakeInbox) Drain() []*ipc.Inbound {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.pending
	f.pending = nil
	return out
}

type fakeJournal struct {
	mu     sync.Mutex
	events []journal.Event
}

func (f *fakeJournal) Record(_ context.Context, ev journal.Event) error {
	f.mu.Lock()
	f.events = append(f.events, ev)
	f.mu.Unlock()
	return nil
}

func (f *fakeJournal) Recent(_ context.Context, limit int) ([]journal.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]journal.Event, 0, len(f.events))
	for i := len(f.events) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, f.events[i])
	}
	return out, nil
}

func (f *fakeJournal) kinds() []journal.Kind {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]journal.Kind, 0, len(f.events))
	for _, ev := range f.events {
		out = append(out, ev.Kind)
	}
	return out
}

// recorder collects the order in which trace commands and actions ran.
type recorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *recorder) add(s string) {
	r.mu.Lock()
	r.calls = append(r.calls, s)
	r.mu.Unlock()
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

type harness struct {
	d       *Daemon
	inbox   *fakeInbox
	journal *fakeJournal
	rec     *recorder
}

func newHarness(t *testing.T, opts ...testsupport.ConfigOption) *harness {
	t.Helper()
	cfg := testsupport.NewConfig(t, opts...)
	h := &harness{inbox: &fakeInbox{}, journal: &fakeJournal{}, rec: &recorder{}}
	d, err := New(cfg, logging.NewNop(), Options{Inbox: h.inbox, Journal: h.journal})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	d.commands.byName["trace"] = traceCommand(h.rec)
	h.d = d
	return h
}

// traceCommand records its arguments; "panic" panics and "sensitive" queues a
// sensitive action.
func traceCommand(rec *recorder) *Command {
	return &Command{
		Name:  "trace",
		Usage: "trace <args...>",
		Bind: func(d *Daemon, fs *pflag.FlagSet) RunFunc {
			return func(ctx context.Context, args []string) (string, error) {
				joined := strings.Join(args, " ")
				switch joined {
				case "panic":
					panic("trace panic")
				case "fail":
					return "", errors.New("trace failed")
				case "sensitive":
					d.EnqueueSensitive(func(context.Context) error {
						rec.add("sensitive-action")
						return nil
					})
				}
				rec.add(joined)
				return "trace:" + joined, nil
			}
		},
	}
}

func (h *harness) step() {
	h.d.iterate(context.Background(), time.Now(), h.d.Settings().Throttle())
}

func TestCallReportsErrorsAsText(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if got := h.d.Call(ctx, []string{"bogus"}); got != "error: unknown command: bogus" {
		t.Fatalf("unknown command result = %q", got)
	}
	if got := h.d.Call(ctx, nil); got != "error: empty command" {
		t.Fatalf("empty command result = %q", got)
	}
	if got := h.d.Call(ctx, []string{"trace", "fail"}); got != "error: trace: trace failed" {
		t.Fatalf("failed command result = %q", got)
	}
	if got := h.d.Call(ctx, []string{"detach", "--nope"}); !strings.HasPrefix(got, "error: detach: unknown flag") {
		t.Fatalf("bad flag result = %q", got)
	}
	if got := h.d.Call(ctx, []string{"detach", "--help"}); !strings.HasPrefix(got, "usage: detach") {
		t.Fatalf("help flag result = %q", got)
	}
}

func TestCallRecoversPanics(t *testing.T) {
	h := newHarness(t)
	got := h.d.Call(context.Background(), []string{"trace", "panic"})
	if got != "error: trace: internal error" {
		t.Fatalf("panic result = %q", got)
	}
	if failed := h.d.Stats().FailedOperations; failed != 1 {
		t.Fatalf("failed operations = %d, want 1", failed)
	}
}

func TestCommandAliases(t *testing.T) {
	h := newHarness(t)
	sub := h.d.Boards().Subscriber("watcher")
	sub.Subscribe(h.d.Boards().Board("news"))

	if got := h.d.Call(context.Background(), []string{"nf", "news", "hello", "world"}); !strings.HasPrefix(got, "posted to news") {
		t.Fatalf("notify result = %q", got)
	}
	h.d.Boards().Wait()
	msg, ok := sub.NextMessage()
	if !ok || !reflect.DeepEqual(msg, []string{"hello", "world"}) {
		t.Fatalf("subscriber message = %v, %v", msg, ok)
	}
	if got := h.d.Call(context.Background(), []string{"boards"}); got != "news 1" {
		t.Fatalf("boards = %q", got)
	}
}

func TestIterationRunsSensitiveActionsLast(t *testing.T) {
	h := newHarness(t)
	h.inbox.push(ipc.Regular, "trace", "regular")
	h.inbox.push(ipc.Immediate, "trace", "sensitive")
	h.inbox.push(ipc.Request, "trace", "request")
	h.step()

	calls := h.rec.list()
	if len(calls) != 4 {
		t.Fatalf("calls = %v, want 4 entries", calls)
	}
	if calls[len(calls)-1] != "sensitive-action" {
		t.Fatalf("sensitive action did not run last: %v", calls)
	}
	stats := h.d.Stats()
	if stats.Iterations != 1 || stats.MessagesReceived != 3 || stats.RequestsProcessed != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestBufferedRequestFillsResultSlot(t *testing.T) {
	h := newHarness(t)
	h.inbox.push(ipc.BufferedRequest, "b1", "trace", "work")
	h.inbox.push(ipc.BufferedRequest, "b1", "trace", "again")
	h.step()

	value, err := h.d.Results().Retrieve("b1")
	if err != nil || value != results.Unfinished {
		t.Fatalf("pending retrieve = %q, %v", value, err)
	}

	h.step()
	if held := h.d.Stats().BufferedResults; held != 1 {
		t.Fatalf("buffered results = %d, want 1", held)
	}
	if got := h.d.Call(context.Background(), []string{"retrieve", "b1"}); got != "trace:work" {
		t.Fatalf("retrieve = %q", got)
	}
	if held := h.d.Stats().BufferedResults; held != 0 {
		t.Fatalf("buffered results after retrieve = %d", held)
	}
	if got := h.d.Call(context.Background(), []string{"retrieve", "b1"}); !strings.Contains(got, results.ErrNotFound.Error()) {
		t.Fatalf("second retrieve = %q", got)
	}
	if calls := h.rec.list(); !reflect.DeepEqual(calls, []string{"work"}) {
		t.Fatalf("rejected buffered request executed: %v", calls)
	}
}

func TestUnexpectedMessageTypeIsDiscarded(t *testing.T) {
	h := newHarness(t)
	h.inbox.push(ipc.Response, "trace", "never")
	h.inbox.push(ipc.Immediate, "trace", "after")
	h.step()

	if calls := h.rec.list(); !reflect.DeepEqual(calls, []string{"after"}) {
		t.Fatalf("calls = %v", calls)
	}
}

func TestGuardCountsFailuresAndPanics(t *testing.T) {
	h := newHarness(t)
	h.d.Invoke(func(context.Context) error { return errors.New("boom") })
	h.d.InvokeSync(func(context.Context) error { panic("sync boom") })
	h.step()

	if failed := h.d.Stats().FailedOperations; failed != 2 {
		t.Fatalf("failed operations = %d, want 2", failed)
	}
}

func TestRegisteredTasksRunEachIteration(t *testing.T) {
	h := newHarness(t)
	var mu sync.Mutex
	runs := 0
	id := h.d.RegisterTask(func(context.Context) error {
		mu.Lock()
		runs++
		mu.Unlock()
		return nil
	})
	h.step()
	h.step()
	if !h.d.RemoveTask(id) {
		t.Fatal("RemoveTask reported missing task")
	}
	h.step()

	mu.Lock()
	defer mu.Unlock()
	if runs != 2 {
		t.Fatalf("task runs = %d, want 2", runs)
	}
	stats := h.d.Stats()
	if stats.HighestTaskCount != 1 || stats.RegisteredTasks != 0 {
		t.Fatalf("unexpected task stats: %+v", stats)
	}
}

func TestOverworkedIterationsAreCounted(t *testing.T) {
	h := newHarness(t)
	h.d.iterate(context.Background(), time.Now().Add(-time.Second), 10*time.Millisecond)
	if got := h.d.Stats().OverworkedLoops; got != 1 {
		t.Fatalf("overworked loops = %d, want 1", got)
	}
}

func TestSplitResult(t *testing.T) {
	got := splitResult(`pid 'two words' "three"`)
	want := []string{"pid", "two words", "three"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("splitResult = %v, want %v", got, want)
	}
	if got := splitResult(`unbalanced 'quote`); !reflect.DeepEqual(got, []string{"unbalanced", "'quote"}) {
		t.Fatalf("fallback split = %v", got)
	}
}

func TestRunRequiresRoot(t *testing.T) {
	h := newHarness(t)
	cfg := *h.d.Settings()
	cfg.Daemon.RequireRoot = true
	h.d.setSettings(&cfg)

	original := geteuid
	geteuid = func() int { return 1000 }
	t.Cleanup(func() { geteuid = original })

	if err := h.d.Run(context.Background()); !errors.Is(err, ErrInsufficientPrivilege) {
		t.Fatalf("Run error = %v, want ErrInsufficientPrivilege", err)
	}
}

func TestRunExecutesStartupCommandAndStops(t *testing.T) {
	h := newHarness(t, testsupport.WithStartupCommand("trace", "boot"))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.d.Run(ctx) }()

	h.inbox.push(ipc.Regular, "trace", "tick")
	deadline := time.Now().Add(2 * time.Second)
	for len(h.rec.list()) < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("loop did not process messages: %v", h.rec.list())
		}
		time.Sleep(5 * time.Millisecond)
	}
	if err := h.d.Run(ctx); err == nil {
		t.Fatal("second Run succeeded while loop running")
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
	if calls := h.rec.list(); calls[0] != "boot" {
		t.Fatalf("startup command did not run first: %v", calls)
	}
	if h.d.Stats().StartUser == "" {
		t.Fatal("start user not recorded")
	}
}

// countingHandler tracks lifecycle calls.
type countingHandler struct {
	mu     sync.Mutex
	starts int
	ticks  int
	ends   int
}

func (c *countingHandler) Start(context.Context) error {
	c.mu.Lock()
	c.starts++
	c.mu.Unlock()
	return nil
}

func (c *countingHandler) Handle(context.Context) error {
	c.mu.Lock()
	c.ticks++
	c.mu.Unlock()
	return nil
}

func (c *countingHandler) End() {
	c.mu.Lock()
	c.ends++
	c.mu.Unlock()
}

func (c *countingHandler) counts() (int, int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.starts, c.ticks, c.ends
}

func registerCounting(t *testing.T, d *Daemon) *countingHandler {
	t.Helper()
	counter := &countingHandler{}
	err := d.Handlers().Register("test:count", func(handler.Process, []string, handler.Host) (handler.Handler, error) {
		return counter, nil
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	return counter
}

func TestAttachedProcessExitEndsHandlerOnce(t *testing.T) {
	h := newHarness(t)
	counter := registerCounting(t, h.d)
	script := testsupport.WriteExecutable(t, testsupport.BaseDir(h.d.Settings())+"/quick.sh", "sleep 0.2\nexit 4")

	got := h.d.Call(context.Background(), []string{"attach-process", script, "test:count"})
	if !strings.HasPrefix(got, "started pid ") {
		t.Fatalf("attach result = %q", got)
	}
	if procs := h.d.Processes(); len(procs) != 1 || procs[0].Handler != "test:count" {
		t.Fatalf("processes = %+v", procs)
	}

	deadline := time.Now().Add(3 * time.Second)
	for h.d.procs.len() > 0 {
		if time.Now().After(deadline) {
			t.Fatal("exited process was not detached")
		}
		h.step()
		time.Sleep(10 * time.Millisecond)
	}
	h.step()

	starts, ticks, ends := counter.counts()
	if starts != 1 || ends != 1 || ticks == 0 {
		t.Fatalf("lifecycle counts start=%d tick=%d end=%d", starts, ticks, ends)
	}
	kinds := h.journal.kinds()
	if !reflect.DeepEqual(kinds, []journal.Kind{journal.KindAttach, journal.KindExit}) {
		t.Fatalf("journal kinds = %v", kinds)
	}
	h.journal.mu.Lock()
	exit := h.journal.events[1].ExitCode
	detail := h.journal.events[1].Detail
	h.journal.mu.Unlock()
	if !strings.HasPrefix(detail, "ran ") {
		t.Fatalf("exit detail = %q", detail)
	}
	if exit == nil || *exit != 4 {
		t.Fatalf("journal exit code = %v", exit)
	}
}

func TestDetachTerminatesProcess(t *testing.T) {
	h := newHarness(t)
	counter := registerCounting(t, h.d)
	sleep := testsupport.SleepBinary(t)
	ctx := context.Background()

	got := h.d.Call(ctx, []string{"ac", sleep, "test:count", "30"})
	if !strings.HasPrefix(got, "started pid ") {
		t.Fatalf("attach result = %q", got)
	}
	procs := h.d.Processes()
	if len(procs) != 1 || !reflect.DeepEqual(procs[0].Args, []string{"30"}) {
		t.Fatalf("processes = %+v", procs)
	}
	pid := procs[0].PID
	rec := h.d.procs.snapshot()[0]

	if err := h.d.Detach(ctx, pid); err != nil {
		t.Fatalf("Detach: %v", err)
	}
	if !rec.proc.Exited() || !rec.proc.Terminated() {
		t.Fatal("detached process still running")
	}
	if err := h.d.Detach(ctx, pid); !errors.Is(err, ErrNotAttached) {
		t.Fatalf("second detach = %v, want ErrNotAttached", err)
	}
	// The watcher must not end the handler a second time.
	h.step()
	h.step()
	if _, _, ends := counter.counts(); ends != 1 {
		t.Fatalf("end count = %d, want 1", ends)
	}
}

func TestAttachRejectsUnknownHandler(t *testing.T) {
	h := newHarness(t)
	sleep := testsupport.SleepBinary(t)
	got := h.d.Call(context.Background(), []string{"attach-process", sleep, "core:missing", "30"})
	if !strings.Contains(got, handler.ErrUnknownHandler.Error()) {
		t.Fatalf("attach result = %q", got)
	}
	if h.d.procs.len() != 0 {
		t.Fatal("failed attach left a record")
	}
	if kinds := h.journal.kinds(); !reflect.DeepEqual(kinds, []journal.Kind{journal.KindFailed}) {
		t.Fatalf("journal kinds = %v", kinds)
	}
}

func TestShutdownDetachesEverything(t *testing.T) {
	h := newHarness(t)
	counter := registerCounting(t, h.d)
	sleep := testsupport.SleepBinary(t)
	if got := h.d.Call(context.Background(), []string{"attach-process", sleep, "test:count", "30"}); !strings.HasPrefix(got, "started") {
		t.Fatalf("attach result = %q", got)
	}
	rec := h.d.procs.snapshot()[0]

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := h.d.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if h.d.procs.len() != 0 || !rec.proc.Exited() {
		t.Fatal("shutdown left the process attached")
	}
	if _, _, ends := counter.counts(); ends != 1 {
		t.Fatalf("end count = %d, want 1", ends)
	}
}

func TestReloadSettingsAppliesNewValues(t *testing.T) {
	h := newHarness(t)
	dir := testsupport.BaseDir(h.d.Settings())
	path := testsupport.WriteFile(t, dir+"/config.toml", `
[paths]
runtime_dir = "`+dir+`/elsewhere"

[daemon]
throttle_ms = 25
require_root = false

[handlers]
max_restarts = 2
board_fanout_threshold = 1

[logging]
level = "debug"
`)
	h.d.cfgPath = path
	level := new(slog.LevelVar)
	h.d.levelVar = level

	if got := h.d.Call(context.Background(), []string{"reload", "settings"}); got != "reload of settings scheduled" {
		t.Fatalf("reload result = %q", got)
	}
	h.step()

	cfg := h.d.Settings()
	if cfg.Daemon.ThrottleMS != 25 {
		t.Fatalf("throttle = %d, want 25", cfg.Daemon.ThrottleMS)
	}
	if cfg.Paths.RuntimeDir == dir+"/elsewhere" {
		t.Fatal("runtime dir changed on reload")
	}
	if level.Level() != slog.LevelDebug {
		t.Fatalf("log level = %s, want DEBUG", level.Level())
	}
	hub := h.d.Boards()
	watchers := []*board.Subscriber{hub.Subscriber("w1"), hub.Subscriber("w2")}
	for _, w := range watchers {
		w.Subscribe(hub.Board("tuned"))
	}
	hub.Board("tuned").PostAsync([]string{"ping"})
	hub.Wait()
	if got := watchers[0].Pending(); got != 2 {
		t.Fatalf("deliveries after fanout reload = %d, want 2", got)
	}
	if got := h.d.Call(context.Background(), []string{"reload", "nonsense"}); !strings.HasPrefix(got, "error: reload: unknown reload target") {
		t.Fatalf("bad target result = %q", got)
	}
}

func TestStatsSettingsFlag(t *testing.T) {
	h := newHarness(t)
	got := h.d.Call(context.Background(), []string{"stats", "--settings"})
	if !strings.Contains(got, `"ThrottleMS": 10`) {
		t.Fatalf("settings output = %s", got)
	}
}

func TestShutdownTerminatesStubbornChildrenTogether(t *testing.T) {
	h := newHarness(t)
	dir := testsupport.BaseDir(h.d.Settings())
	grace := h.d.Settings().TerminateGrace()
	for _, name := range []string{"a", "b", "c"} {
		script := testsupport.WriteExecutable(t, dir+"/stubborn-"+name+".sh", "trap '' TERM\nwhile true; do sleep 0.05; done")
		if got := h.d.Call(context.Background(), []string{"attach-process", script, "core:noop"}); !strings.HasPrefix(got, "started") {
			t.Fatalf("attach result = %q", got)
		}
	}
	recs := h.d.procs.snapshot()
	// Give the shells time to install their traps.
	time.Sleep(100 * time.Millisecond)

	start := time.Now()
	h.d.detachAll(context.Background())
	elapsed := time.Since(start)

	if elapsed >= 2*grace {
		t.Fatalf("detachAll took %s for three children with %s grace", elapsed, grace)
	}
	for _, rec := range recs {
		if !rec.proc.Exited() {
			t.Fatalf("pid %d still running after shutdown", rec.proc.PID())
		}
	}
	if n := len(h.journal.kinds()); n != 6 {
		t.Fatalf("journal events = %d, want 3 attach + 3 detach", n)
	}
}

func TestRequestAnsweredWhenLoopCancelledMidDispatch(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithJournalDisabled())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv, err := ipc.NewServer(ctx, ipc.ServerOptions{
		SocketPath:    cfg.SocketPath(),
		WriteLockPath: cfg.WriteLockPath(),
		PollInterval:  cfg.InboxInterval(),
	}, logging.NewNop())
	if err != nil {
		if strings.Contains(err.Error(), "operation not permitted") {
			t.Skipf("unix sockets unavailable: %v", err)
		}
		t.Fatalf("ipc.NewServer: %v", err)
	}
	srv.Serve()
	defer srv.Close()

	d, err := New(cfg, logging.NewNop(), Options{Inbox: srv})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	d.commands.byName["halt"] = &Command{
		Name:  "halt",
		Usage: "halt",
		Bind: func(*Daemon, *pflag.FlagSet) RunFunc {
			return func(context.Context, []string) (string, error) {
				cancel()
				return "done", nil
			}
		},
	}
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	client := ipc.NewClient(ipc.ClientOptions{
		SocketPath:     cfg.SocketPath(),
		WriteLockPath:  cfg.WriteLockPath(),
		ConnectTimeout: time.Second,
	})
	reqCtx, reqCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer reqCancel()
	reply, err := client.Request(reqCtx, client.Message(ipc.Request, "halt"))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if !reflect.DeepEqual(reply.Content, []string{"done"}) {
		t.Fatalf("reply = %q", reply.Content)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("loop did not stop after cancel")
	}
}
