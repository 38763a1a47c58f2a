package handler_test

import (
	"context"
	"path/filepath"
	"reflect"
	"testing"

	"warden/internal/handler"
	"warden/internal/logging"
	"warden/internal/results"
	"warden/internal/testsupport"
)

const lifecycleScript = `
local started = 0

function init()
  initialized = true
end

function start(p, args)
  started = started + 1
  daemon.post("events", "start", tostring(p.pid), p.path, args[1] or "")
end

function handle(p, args)
  daemon.post("events", "handle", tostring(initialized))
end

function finish(p, args)
  daemon.post("events", "finish", tostring(p.pid))
end
`

func newScriptHandler(t *testing.T, body string, host *fakeHost, args ...string) handler.Handler {
	t.Helper()
	path := testsupport.WriteFile(t, filepath.Join(t.TempDir(), "handler.lua"), body)
	reg := handler.NewRegistry(handler.Options{}, logging.NewNop())
	h, err := reg.New(path, &fakeProcess{pid: 42, path: "/usr/bin/worker"}, args, host)
	if err != nil {
		t.Fatalf("New script handler: %v", err)
	}
	return h
}

func TestScriptHandlerLifecycle(t *testing.T) {
	host := newFakeHost()
	sub := observe(host, "events")
	h := newScriptHandler(t, lifecycleScript, host, "first")
	ctx := context.Background()

	if err := h.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := h.Handle(ctx); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	h.End()
	h.End()
	if err := h.Handle(ctx); err != nil {
		t.Fatalf("Handle after End: %v", err)
	}

	got := drain(sub)
	want := [][]string{
		{"start", "42", "/usr/bin/worker", "first"},
		{"handle", "true"},
		{"finish", "42"},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected board traffic\n got: %v\nwant: %v", got, want)
	}
}

func TestScriptHandlerRuntimeErrorIsReturned(t *testing.T) {
	host := newFakeHost()
	h := newScriptHandler(t, `
function init() end
function start(p, a) error("boom") end
function handle(p, a) end
function finish(p, a) end
`, host)
	if err := h.Start(context.Background()); err == nil {
		t.Fatal("expected Start to report the script error")
	}
	h.End()
}

func TestScriptHandlerCommands(t *testing.T) {
	host := newFakeHost()
	sub := observe(host, "out")
	h := newScriptHandler(t, `
function init() end
function start(p, a)
  daemon.post("out", daemon.command("list", "--all"))
  daemon.enqueue("notify", "x", "y")
  daemon.command_async("job", "stats")
end
function handle(p, a)
  local value = daemon.retrieve("job")
  daemon.post("out", value)
end
function finish(p, a) end
`, host)
	ctx := context.Background()

	if err := h.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := h.Handle(ctx); err != nil {
		t.Fatalf("Handle before async completion: %v", err)
	}
	host.runInvoked(t)
	if err := h.Handle(ctx); err != nil {
		t.Fatalf("Handle after async completion: %v", err)
	}
	h.End()

	got := drain(sub)
	want := [][]string{{"ran list --all"}, {results.Unfinished}, {"ran stats"}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected posts\n got: %v\nwant: %v", got, want)
	}
	if len(host.enqueued) != 1 || !reflect.DeepEqual(host.enqueued[0], []string{"notify", "x", "y"}) {
		t.Fatalf("unexpected enqueued commands %v", host.enqueued)
	}
	if host.store.Len() != 0 {
		t.Fatalf("expected retrieved result to be removed, %d left", host.store.Len())
	}
}

func TestScriptHandlerAsyncIDCollision(t *testing.T) {
	host := newFakeHost()
	h := newScriptHandler(t, `
function init() end
function start(p, a)
  daemon.command_async("same", "stats")
  daemon.command_async("same", "stats")
end
function handle(p, a) end
function finish(p, a) end
`, host)
	if err := h.Start(context.Background()); err == nil {
		t.Fatal("expected second command_async with the same id to fail")
	}
	h.End()
}

func TestScriptHandlerSubscriptions(t *testing.T) {
	host := newFakeHost()
	out := observe(host, "out")
	h := newScriptHandler(t, `
function init() end
function start(p, a)
  daemon.subscribe("in")
end
function handle(p, a)
  local msg = daemon.next_message()
  while msg do
    daemon.post("out", "got", msg[1])
    msg = daemon.next_message()
  end
end
function finish(p, a) end
`, host)
	ctx := context.Background()
	if err := h.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	in := host.hub.Board("in")
	if in.Subscribers() != 1 {
		t.Fatalf("expected script subscribed to board, have %d subscribers", in.Subscribers())
	}
	in.Post([]string{"a"})
	in.Post([]string{"b"})
	if err := h.Handle(ctx); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	h.End()
	if in.Subscribers() != 0 {
		t.Fatalf("expected End to unsubscribe, have %d subscribers", in.Subscribers())
	}

	got := drain(out)
	want := [][]string{{"got", "a"}, {"got", "b"}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected posts\n got: %v\nwant: %v", got, want)
	}
}

func TestScriptHandlerRegisteredTasks(t *testing.T) {
	host := newFakeHost()
	out := observe(host, "out")
	h := newScriptHandler(t, `
local runs = 0
function init() end
function start(p, a)
  daemon.register_task(function(p, a)
    runs = runs + 1
    daemon.post("out", "task", tostring(runs))
  end)
end
function handle(p, a) end
function finish(p, a) end
`, host)
	if err := h.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if host.taskCount() != 1 {
		t.Fatalf("expected one registered task, got %d", host.taskCount())
	}
	for _, task := range host.tasks {
		if err := task(context.Background()); err != nil {
			t.Fatalf("task: %v", err)
		}
	}
	h.End()
	if host.taskCount() != 0 {
		t.Fatalf("expected End to remove tasks, %d left", host.taskCount())
	}
	got := drain(out)
	if !reflect.DeepEqual(got, [][]string{{"task", "1"}}) {
		t.Fatalf("unexpected posts %v", got)
	}
}

func TestScriptSandboxHidesUnsafeLibraries(t *testing.T) {
	host := newFakeHost()
	out := observe(host, "out")
	h := newScriptHandler(t, `
function init() end
function start(p, a)
  daemon.post("out", type(os), type(io), type(dofile), type(string.format))
end
function handle(p, a) end
function finish(p, a) end
`, host)
	if err := h.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.End()
	got := drain(out)
	if !reflect.DeepEqual(got, [][]string{{"nil", "nil", "nil", "function"}}) {
		t.Fatalf("unexpected sandbox view %v", got)
	}
}
