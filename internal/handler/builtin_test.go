package handler_test

import (
	"context"
	"reflect"
	"testing"

	"warden/internal/handler"
	"warden/internal/logging"
)

func TestAnnouncePostsLifecycle(t *testing.T) {
	host := newFakeHost()
	sub := observe(host, "processes")
	reg := handler.NewRegistry(handler.Options{}, logging.NewNop())
	proc := &fakeProcess{pid: 7, path: "/bin/worker"}

	h, err := reg.New(handler.AnnounceName, proc, nil, host)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()
	if err := h.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	// Ticks are limited to one per second, so back-to-back ticks post once.
	for range 3 {
		if err := h.Handle(ctx); err != nil {
			t.Fatalf("Handle: %v", err)
		}
	}
	proc.terminated = true
	h.End()

	got := drain(sub)
	want := [][]string{
		{"started", "7", "/bin/worker"},
		{"tick", "7"},
		{"ended", "7", "terminated"},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected announcements\n got: %v\nwant: %v", got, want)
	}
}

func TestAnnounceBoardArgument(t *testing.T) {
	host := newFakeHost()
	sub := observe(host, "custom")
	reg := handler.NewRegistry(handler.Options{AnnounceBoard: "ignored"}, logging.NewNop())
	h, err := reg.New(handler.AnnounceName, &fakeProcess{pid: 8}, []string{"custom"}, host)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.End()
	got := drain(sub)
	if !reflect.DeepEqual(got, [][]string{{"ended", "8", "exited"}}) {
		t.Fatalf("unexpected announcements %v", got)
	}
}

func TestRestartReattachesOnExit(t *testing.T) {
	host := newFakeHost()
	reg := handler.NewRegistry(handler.Options{}, logging.NewNop())
	proc := &fakeProcess{pid: 9, path: "/opt/app/restart-on-exit", args: []string{"--port", "80"}}

	h, err := reg.New(handler.RestartName, proc, []string{"2"}, host)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.End()

	want := [][]string{{"attach-process", "/opt/app/restart-on-exit", "core:restart(1)", "--port", "80"}}
	if !reflect.DeepEqual(host.enqueued, want) {
		t.Fatalf("unexpected enqueued commands\n got: %v\nwant: %v", host.enqueued, want)
	}
}

func TestRestartSkipsDetachedAndExhausted(t *testing.T) {
	host := newFakeHost()
	reg := handler.NewRegistry(handler.Options{}, logging.NewNop())

	detached := &fakeProcess{pid: 10, path: "/opt/app/detached", terminated: true}
	h, err := reg.New(handler.RestartName, detached, nil, host)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.End()

	exhausted := &fakeProcess{pid: 11, path: "/opt/app/exhausted"}
	h, err = reg.New(handler.RestartName, exhausted, []string{"0"}, host)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.End()

	if len(host.enqueued) != 0 {
		t.Fatalf("expected no restarts, got %v", host.enqueued)
	}
}

func TestRestartRejectsBadArguments(t *testing.T) {
	host := newFakeHost()
	reg := handler.NewRegistry(handler.Options{}, logging.NewNop())
	if _, err := reg.New(handler.RestartName, &fakeProcess{pid: 12, path: "/x"}, []string{"many"}, host); err == nil {
		t.Fatal("expected error for non-numeric restart count")
	}
	if _, err := reg.New(handler.RestartName, &fakeProcess{pid: 13, adopted: true}, nil, host); err == nil {
		t.Fatal("expected error restarting an adopted process")
	}
}
