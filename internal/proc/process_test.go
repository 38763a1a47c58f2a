package proc_test

import (
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"warden/internal/logging"
	"warden/internal/proc"
	"warden/internal/testsupport"
)

func waitDone(t *testing.T, p *proc.Process, within time.Duration) {
	t.Helper()
	select {
	case <-p.Done():
	case <-time.After(within):
		t.Fatalf("pid %d did not exit within %s", p.PID(), within)
	}
}

func TestStartReportsExitCode(t *testing.T) {
	script := testsupport.WriteExecutable(t, filepath.Join(t.TempDir(), "exit3.sh"), "echo hello\nexit 3")

	p, err := proc.Start(script, nil, logging.NewNop())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if p.PID() <= 0 {
		t.Fatalf("unexpected pid %d", p.PID())
	}
	waitDone(t, p, 5*time.Second)
	if !p.Exited() {
		t.Fatal("expected Exited after Done closed")
	}
	if p.ExitCode() != 3 {
		t.Fatalf("expected exit code 3, got %d", p.ExitCode())
	}
	if p.Terminated() {
		t.Fatal("a process that exited on its own is not terminated")
	}
}

func TestStartMissingBinaryFails(t *testing.T) {
	if _, err := proc.Start(filepath.Join(t.TempDir(), "missing"), nil, logging.NewNop()); err == nil {
		t.Fatal("expected error for missing executable")
	}
}

func TestTerminateStopsRunningProcess(t *testing.T) {
	sleep := testsupport.SleepBinary(t)
	p, err := proc.Start(sleep, []string{"30"}, logging.NewNop())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if p.Exited() {
		t.Fatal("process exited immediately")
	}
	if err := p.Terminate(2 * time.Second); err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	waitDone(t, p, 3*time.Second)
	if !p.Terminated() {
		t.Fatal("expected Terminated after Terminate")
	}
	if p.ExitedAt().IsZero() {
		t.Fatal("expected exit time to be recorded")
	}

	// A second terminate on an exited process is a no-op.
	if err := p.Terminate(time.Second); err != nil {
		t.Fatalf("Terminate after exit: %v", err)
	}
}

func TestTerminateEscalatesToKill(t *testing.T) {
	script := testsupport.WriteExecutable(t, filepath.Join(t.TempDir(), "stubborn.sh"), "trap '' TERM\nwhile true; do sleep 0.05; done")
	p, err := proc.Start(script, nil, logging.NewNop())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	if err := p.Terminate(200 * time.Millisecond); err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	waitDone(t, p, 3*time.Second)
}

// running reports whether pid is a live, non-zombie process.
func running(pid int) bool {
	data, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/stat")
	if err != nil {
		return false
	}
	fields := strings.Fields(string(data[strings.LastIndexByte(string(data), ')')+1:]))
	return len(fields) > 0 && fields[0] != "Z"
}

func TestTerminateSignalsWholeProcessGroup(t *testing.T) {
	if _, err := os.Stat("/proc/self/stat"); err != nil {
		t.Skip("procfs unavailable")
	}
	dir := t.TempDir()
	pidFile := filepath.Join(dir, "child.pid")
	script := testsupport.WriteExecutable(t, filepath.Join(dir, "parent.sh"), testsupport.SleepBinary(t)+" 30 &\necho $! > \"$1\"\nwait")
	p, err := proc.Start(script, []string{pidFile}, logging.NewNop())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	var child int
	deadline := time.Now().Add(3 * time.Second)
	for child == 0 {
		if data, err := os.ReadFile(pidFile); err == nil {
			child, _ = strconv.Atoi(strings.TrimSpace(string(data)))
		}
		if time.Now().After(deadline) {
			t.Fatal("child pid not written")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if err := p.Terminate(time.Second); err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	waitDone(t, p, 3*time.Second)
	deadline = time.Now().Add(3 * time.Second)
	for running(child) {
		if time.Now().After(deadline) {
			t.Fatalf("grandchild %d outlived its parent", child)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestAdoptWatchesExternalProcess(t *testing.T) {
	sleep := testsupport.SleepBinary(t)
	cmd := exec.Command(sleep, "30")
	if err := cmd.Start(); err != nil {
		t.Fatalf("start external process: %v", err)
	}
	reaped := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(reaped)
	}()
	t.Cleanup(func() {
		_ = cmd.Process.Kill()
		<-reaped
	})

	p, err := proc.Adopt(cmd.Process.Pid, logging.NewNop())
	if err != nil {
		t.Fatalf("Adopt: %v", err)
	}
	if !p.Adopted() || p.PID() != cmd.Process.Pid {
		t.Fatalf("unexpected adopted process %+v", p.PID())
	}
	if p.Exited() {
		t.Fatal("adopted process reported exited while running")
	}

	_ = cmd.Process.Kill()
	<-reaped
	waitDone(t, p, 3*time.Second)
	if p.ExitCode() != -1 {
		t.Fatalf("adopted processes have no exit code, got %d", p.ExitCode())
	}
}

func TestAdoptUnknownPidFails(t *testing.T) {
	if _, err := proc.Adopt(0, logging.NewNop()); !errors.Is(err, proc.ErrNoProcess) {
		t.Fatalf("expected ErrNoProcess for pid 0, got %v", err)
	}
	sleep := testsupport.SleepBinary(t)
	cmd := exec.Command(sleep, "0")
	if err := cmd.Run(); err != nil {
		t.Fatalf("run: %v", err)
	}
	// The pid of a reaped child is free until reused.
	if _, err := proc.Adopt(cmd.Process.Pid, logging.NewNop()); !errors.Is(err, proc.ErrNoProcess) {
		t.Skipf("pid %d reused before adoption check: %v", cmd.Process.Pid, err)
	}
}

func TestReleaseStopsAdoptedWatch(t *testing.T) {
	sleep := testsupport.SleepBinary(t)
	cmd := exec.Command(sleep, "30")
	if err := cmd.Start(); err != nil {
		t.Fatalf("start external process: %v", err)
	}
	t.Cleanup(func() {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
	})

	p, err := proc.Adopt(cmd.Process.Pid, logging.NewNop())
	if err != nil {
		t.Fatalf("Adopt: %v", err)
	}
	p.Release()
	p.Release()
	if p.Exited() {
		t.Fatal("release must not mark the process exited")
	}
}
