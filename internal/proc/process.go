package proc

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"warden/internal/logging"
)

// ErrNoProcess reports a pid that does not name a live process.
var ErrNoProcess = errors.New("no such process")

const outputWaitDelay = time.Second

// Process is an OS process under supervision, either spawned by warden or
// adopted by pid.
type Process struct {
	pid     int
	path    string
	args    []string
	adopted bool
	started time.Time
	logger  *slog.Logger

	cmd    *exec.Cmd
	output []*lineLogger
	done   chan struct{}
	stop   chan struct{}

	terminated atomic.Bool

	mu       sync.Mutex
	exitCode int
	exitedAt time.Time
	once     sync.Once
}

// Start spawns path with args. Output lines are forwarded to logger.
func Start(path string, args []string, logger *slog.Logger) (*Process, error) {
	logger = logging.NewComponentLogger(logger, "process")
	stdout := newLineLogger(logger.With(logging.String("path", path)), "stdout")
	stderr := newLineLogger(logger.With(logging.String("path", path)), "stderr")
	cmd := exec.Command(path, args...)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = outputWaitDelay
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		stdout.Close()
		stderr.Close()
		return nil, fmt.Errorf("start %s: %w", path, err)
	}

	p := &Process{
		pid:      cmd.Process.Pid,
		path:     path,
		args:     append([]string(nil), args...),
		started:  time.Now(),
		logger:   logger.With(logging.Int(logging.FieldPID, cmd.Process.Pid)),
		cmd:      cmd,
		output:   []*lineLogger{stdout, stderr},
		done:     make(chan struct{}),
		stop:     make(chan struct{}),
		exitCode: -1,
	}
	go p.waitChild()
	return p, nil
}

// Adopt supervises an existing process that warden did not start. Exit is
// observed through a pidfd where the kernel supports it and by polling
// otherwise; the exit code of an adopted process is not available.
func Adopt(pid int, logger *slog.Logger) (*Process, error) {
	if pid <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrNoProcess, pid)
	}
	if !alive(pid) {
		return nil, fmt.Errorf("%w: %d", ErrNoProcess, pid)
	}
	logger = logging.NewComponentLogger(logger, "process")
	path, _ := os.Readlink(filepath.Join("/proc", strconv.Itoa(pid), "exe"))
	p := &Process{
		pid:      pid,
		path:     path,
		adopted:  true,
		started:  time.Now(),
		logger:   logger.With(logging.Int(logging.FieldPID, pid)),
		done:     make(chan struct{}),
		stop:     make(chan struct{}),
		exitCode: -1,
	}
	go p.watchAdopted()
	return p, nil
}

func (p *Process) PID() int { return p.pid }

// Path is the executable; empty for adopted processes whose executable cannot be read.
func (p *Process) Path() string { return p.path }

func (p *Process) Args() []string { return append([]string(nil), p.args...) }

func (p *Process) Adopted() bool { return p.adopted }

func (p *Process) StartedAt() time.Time { return p.started }

// ExitedAt is when the exit was observed; zero while running.
func (p *Process) ExitedAt() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitedAt
}

// Terminated reports whether Terminate was asked to stop a live process.
func (p *Process) Terminated() bool { return p.terminated.Load() }

// Done is closed once the process has exited.
func (p *Process) Done() <-chan struct{} { return p.done }

// Exited reports whether the process has been observed to exit.
func (p *Process) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// ExitCode is the exit status of a spawned process, or -1 while running,
// when killed by a signal, or when adopted.
func (p *Process) ExitCode() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode
}

// Signal delivers sig unless the process has already exited. Spawned
// processes lead their own group and the whole group is signalled; adopted
// processes receive sig alone.
func (p *Process) Signal(sig syscall.Signal) error {
	if p.Exited() {
		return nil
	}
	target := p.pid
	if p.cmd != nil {
		target = -p.pid
	}
	if err := unix.Kill(target, sig); err != nil && !errors.Is(err, unix.ESRCH) {
		return err
	}
	return nil
}

// Terminate sends SIGTERM, waits up to grace for exit, then sends SIGKILL.
// An already exited process is left alone.
func (p *Process) Terminate(grace time.Duration) error {
	if p.Exited() {
		return nil
	}
	p.terminated.Store(true)
	if err := p.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("terminate pid %d: %w", p.pid, err)
	}
	select {
	case <-p.done:
		return nil
	case <-time.After(grace):
	}
	p.logger.Debug("grace period elapsed, killing process", logging.Duration("grace", grace))
	if err := p.Signal(syscall.SIGKILL); err != nil {
		return fmt.Errorf("kill pid %d: %w", p.pid, err)
	}
	select {
	case <-p.done:
	case <-time.After(time.Second):
	}
	return nil
}

// Release stops exit watching for an adopted process. Spawned processes are
// always reaped.
func (p *Process) Release() {
	p.once.Do(func() { close(p.stop) })
}

func (p *Process) waitChild() {
	err := p.cmd.Wait()
	for _, out := range p.output {
		out.Close()
	}
	p.mu.Lock()
	p.exitedAt = time.Now()
	if state := p.cmd.ProcessState; state != nil {
		p.exitCode = state.ExitCode()
	}
	p.mu.Unlock()
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			p.logger.Debug("process wait returned error", logging.Error(err))
		}
	}
	close(p.done)
}

func (p *Process) watchAdopted() {
	if err := watchExit(p.pid, p.stop); err != nil {
		return
	}
	p.mu.Lock()
	p.exitedAt = time.Now()
	p.mu.Unlock()
	close(p.done)
}

// alive checks pid with signal 0. EPERM means the process exists but belongs
// to another user.
func alive(pid int) bool {
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

// pollExit checks liveness on an interval until the process disappears.
func pollExit(pid int, stop <-chan struct{}) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		if !alive(pid) {
			return nil
		}
		select {
		case <-stop:
			return errWatchStopped
		case <-ticker.C:
		}
	}
}

var errWatchStopped = errors.New("exit watch stopped")

const pollInterval = 200 * time.Millisecond

// lineLogger turns child output into one log record per line.
type lineLogger struct {
	pw *io.PipeWriter
}

func newLineLogger(logger *slog.Logger, stream string) *lineLogger {
	pr, pw := io.Pipe()
	go func() {
		scanner := bufio.NewScanner(pr)
		for scanner.Scan() {
			logger.Info(scanner.Text(), logging.String("stream", stream))
		}
		if err := scanner.Err(); err != nil {
			logger.Debug("output stream truncated", logging.String("stream", stream), logging.Error(err))
			_, _ = io.Copy(io.Discard, pr)
		}
		_ = pr.Close()
	}()
	return &lineLogger{pw: pw}
}

func (l *lineLogger) Write(b []byte) (int, error) {
	return l.pw.Write(b)
}

func (l *lineLogger) Close() {
	_ = l.pw.Close()
}
