package daemon_test

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"warden/internal/config"
	"warden/internal/daemon"
	"warden/internal/ipc"
	"warden/internal/journal"
	"warden/internal/logging"
	"warden/internal/results"
	"warden/internal/testsupport"
)

type running struct {
	cfg    *config.Config
	d      *daemon.Daemon
	client *ipc.Client
}

// startDaemon runs a daemon loop behind a real inbox socket.
func startDaemon(t *testing.T, jnl daemon.Journal) *running {
	t.Helper()
	cfg := testsupport.NewConfig(t)

	ctx, cancel := context.WithCancel(context.Background())
	srv, err := ipc.NewServer(ctx, ipc.ServerOptions{
		SocketPath:    cfg.SocketPath(),
		WriteLockPath: cfg.WriteLockPath(),
		PollInterval:  cfg.InboxInterval(),
		Address:       "warden-test",
	}, logging.NewNop())
	if err != nil {
		cancel()
		if strings.Contains(err.Error(), "operation not permitted") {
			t.Skipf("skipping daemon channel test: %v", err)
		}
		t.Fatalf("ipc.NewServer: %v", err)
	}
	srv.Serve()

	d, err := daemon.New(cfg, logging.NewNop(), daemon.Options{Inbox: srv, Journal: jnl})
	if err != nil {
		cancel()
		srv.Close()
		t.Fatalf("daemon.New: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Run: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("daemon loop did not stop")
		}
		srv.Close()
	})

	client := ipc.NewClient(ipc.ClientOptions{
		SocketPath:     cfg.SocketPath(),
		WriteLockPath:  cfg.WriteLockPath(),
		ConnectTimeout: time.Second,
		Sender:         "tester",
	})
	return &running{cfg: cfg, d: d, client: client}
}

func (r *running) request(t *testing.T, typ ipc.MessageType, content ...string) []string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	reply, err := r.client.Request(ctx, r.client.Message(typ, content...))
	if err != nil {
		t.Fatalf("request %v: %v", content, err)
	}
	if reply.Sender != "warden-test" {
		t.Fatalf("reply sender = %q", reply.Sender)
	}
	return reply.Content
}

func TestStatsRequestReturnsJSON(t *testing.T) {
	r := startDaemon(t, nil)

	content := r.request(t, ipc.Request, "stats")
	if len(content) != 1 {
		t.Fatalf("stats reply has %d elements", len(content))
	}
	var stats daemon.Statistics
	if err := json.Unmarshal([]byte(content[0]), &stats); err != nil {
		t.Fatalf("decode stats: %v\n%s", err, content[0])
	}
	if stats.StartTime.IsZero() {
		t.Fatal("stats missing start time")
	}

	compact := r.request(t, ipc.Request, "stats", "-j")
	if strings.Contains(compact[0], "\n") {
		t.Fatalf("compact stats spans lines: %q", compact[0])
	}
}

func TestRequestCommandSplitsResult(t *testing.T) {
	r := startDaemon(t, nil)

	content := r.request(t, ipc.RequestCommand, "handlers")
	want := []string{"core:announce", "core:noop", "core:restart"}
	if strings.Join(content, ",") != strings.Join(want, ",") {
		t.Fatalf("handlers = %v, want %v", content, want)
	}
}

func TestBufferedRequestOverChannel(t *testing.T) {
	r := startDaemon(t, nil)

	if ack := r.request(t, ipc.BufferedRequest, "b1", "handlers"); len(ack) != 1 || ack[0] != "true" {
		t.Fatalf("first ack = %v", ack)
	}

	deadline := time.Now().Add(3 * time.Second)
	for {
		value := r.request(t, ipc.Request, "retrieve", "b1")
		if len(value) != 1 {
			t.Fatalf("retrieve reply = %v", value)
		}
		if value[0] != results.Unfinished {
			if !strings.Contains(value[0], "core:noop") {
				t.Fatalf("buffered value = %q", value[0])
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("buffered request never finished")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if ack := r.request(t, ipc.BufferedRequest, "b1", "handlers"); ack[0] != "true" {
		t.Fatalf("reuse after consumption ack = %v", ack)
	}
	if ack := r.request(t, ipc.BufferedRequest, "b1", "handlers"); ack[0] != "false" {
		t.Fatalf("duplicate ack = %v", ack)
	}
}

func TestRegularMessageAttachesAndHistoryReports(t *testing.T) {
	cfgDir := testsupport.ShortTempDir(t)
	jnl, err := journal.Open(cfgDir+"/journal.db", 100)
	if err != nil {
		t.Fatalf("journal.Open: %v", err)
	}
	t.Cleanup(func() { _ = jnl.Close() })
	r := startDaemon(t, jnl)
	sleep := testsupport.SleepBinary(t)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := r.client.Send(ctx, r.client.Message(ipc.Regular, "attach-process", sleep, "core:noop", "30")); err != nil {
		t.Fatalf("send: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for len(r.d.Processes()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("regular attach never ran")
		}
		time.Sleep(10 * time.Millisecond)
	}

	listing := r.request(t, ipc.Request, "list")
	if !strings.Contains(listing[0], "core:noop "+sleep+" 30") {
		t.Fatalf("list = %q", listing[0])
	}

	history := r.request(t, ipc.Request, "history", "--json")
	var events []journal.Event
	if err := json.Unmarshal([]byte(history[0]), &events); err != nil {
		t.Fatalf("decode history: %v\n%s", err, history[0])
	}
	if len(events) != 1 || events[0].Kind != journal.KindAttach || events[0].Path != sleep {
		t.Fatalf("history = %+v", events)
	}
}

func TestHistoryWithoutJournal(t *testing.T) {
	r := startDaemon(t, nil)
	got := r.request(t, ipc.Request, "history")
	if !strings.Contains(got[0], daemon.ErrJournalDisabled.Error()) {
		t.Fatalf("history = %q", got[0])
	}
}
