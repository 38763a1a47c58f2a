package ipc

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"warden/internal/logging"
)

// ServerOptions configures the daemon inbox.
type ServerOptions struct {
	SocketPath    string
	WriteLockPath string
	// PollInterval bounds how long the reader waits for a connection before
	// checking for shutdown.
	PollInterval time.Duration
	ReadTimeout  time.Duration
	LockTimeout  time.Duration
	// Address is the sender stamped on responses.
	Address string
}

// promptWindow is how long the reader waits inline for a client's first byte.
// Clients that stay silent longer are finished on their own goroutine.
const promptWindow = 50 * time.Millisecond

// Inbound is one received message together with its reply endpoint.
type Inbound struct {
	Message    Message
	ReceivedAt time.Time

	conn    net.Conn
	lock    WriteLock
	address string
	done    atomic.Bool
}

// NewInbound wraps a message that arrived outside the socket, such as a
// startup command, so it can flow through dispatch. Replies are discarded.
func NewInbound(msg Message) *Inbound {
	return &Inbound{Message: msg, ReceivedAt: time.Now()}
}

// Reply writes a single Response carrying content and closes the connection.
// Only the first Reply or Close has any effect.
func (in *Inbound) Reply(ctx context.Context, content ...string) error {
	if !in.done.CompareAndSwap(false, true) {
		return nil
	}
	if in.conn == nil {
		return nil
	}
	defer in.conn.Close()
	response := NewMessage(Response, in.address, content...)
	return in.lock.Do(ctx, func() error {
		return WriteMessage(in.conn, response)
	})
}

// Close releases the connection without replying.
func (in *Inbound) Close() error {
	if !in.done.CompareAndSwap(false, true) || in.conn == nil {
		return nil
	}
	return in.conn.Close()
}

// Server is the daemon side of the channel: a single reader goroutine that
// accepts connections, reads one frame from each and queues it. A client that
// has not started writing within promptWindow is read in the background so it
// cannot hold up the clients behind it.
type Server struct {
	path        string
	address     string
	lock        WriteLock
	interval    time.Duration
	readTimeout time.Duration
	logger      *slog.Logger
	listener    *net.UnixListener

	mu      sync.Mutex
	pending []*Inbound

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer binds the inbox socket, replacing any stale socket file.
func NewServer(ctx context.Context, opts ServerOptions, logger *slog.Logger) (*Server, error) {
	if opts.SocketPath == "" {
		return nil, errors.New("ipc server requires a socket path")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	interval := opts.PollInterval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	readTimeout := opts.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = 5 * time.Second
	}
	address := opts.Address
	if address == "" {
		address = opts.SocketPath
	}

	if err := os.RemoveAll(opts.SocketPath); err != nil {
		return nil, fmt.Errorf("remove existing socket: %w", err)
	}
	listener, err := net.ListenUnix("unix", &net.UnixAddr{Name: opts.SocketPath, Net: "unix"})
	if err != nil {
		return nil, fmt.Errorf("listen on socket: %w", err)
	}

	serverCtx, cancel := context.WithCancel(ctx)
	return &Server{
		path:        opts.SocketPath,
		address:     address,
		lock:        WriteLock{Path: opts.WriteLockPath, Timeout: opts.LockTimeout},
		interval:    interval,
		readTimeout: readTimeout,
		logger:      logging.NewComponentLogger(logger, "ipc"),
		listener:    listener,
		ctx:         serverCtx,
		cancel:      cancel,
	}, nil
}

// Address is the sender name used on responses.
func (s *Server) Address() string { return s.address }

// Serve starts the inbox reader.
func (s *Server) Serve() {
	s.logger.Debug("IPC inbox listening", logging.String("socket", s.path))
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.readLoop()
	}()
}

func (s *Server) readLoop() {
	for {
		if s.ctx.Err() != nil {
			return
		}
		_ = s.listener.SetDeadline(time.Now().Add(s.interval))
		conn, err := s.listener.Accept()
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			logging.WarnWithContext(s.logger, "accept failed", "ipc_accept_failed",
				logging.Error(err),
				logging.String(logging.FieldImpact, "IPC clients may fail to connect"),
				logging.String(logging.FieldErrorHint, "check socket permissions and restart the daemon if needed"))
			continue
		}
		s.receive(conn)
	}
}

func (s *Server) receive(conn net.Conn) {
	window := min(promptWindow, s.readTimeout)
	started := time.Now()
	_ = conn.SetReadDeadline(started.Add(window))
	r := bufio.NewReader(conn)
	if _, err := r.Peek(1); err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() && window < s.readTimeout {
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				stop := context.AfterFunc(s.ctx, func() { _ = conn.Close() })
				defer stop()
				s.finish(conn, r, started)
			}()
			return
		}
	}
	s.finish(conn, r, started)
}

func (s *Server) finish(conn net.Conn, r *bufio.Reader, started time.Time) {
	_ = conn.SetReadDeadline(started.Add(s.readTimeout))
	msg, err := ReadMessage(r)
	if err != nil {
		if s.ctx.Err() != nil {
			_ = conn.Close()
			return
		}
		logging.WarnWithContext(s.logger, "discarding malformed frame", "ipc_protocol_error",
			logging.Error(err),
			logging.String(logging.FieldImpact, "the sending client receives no reply"),
			logging.String(logging.FieldErrorHint, "check that the client speaks the same protocol version"))
		_ = conn.Close()
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	in := &Inbound{Message: msg, ReceivedAt: time.Now(), lock: s.lock, address: s.address}
	if msg.Type.ExpectsReply() {
		in.conn = conn
	} else {
		_ = conn.Close()
	}
	s.enqueue(in)
}

// Enqueue adds a locally produced inbound message to the inbox.
func (s *Server) Enqueue(in *Inbound) {
	if in != nil {
		s.enqueue(in)
	}
}

func (s *Server) enqueue(in *Inbound) {
	s.mu.Lock()
	s.pending = append(s.pending, in)
	s.mu.Unlock()
}

// Drain removes and returns every queued message in arrival order. It never blocks.
func (s *Server) Drain() []*Inbound {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.pending
	s.pending = nil
	return out
}

// Close stops the reader, closes pending reply connections and removes the socket file.
func (s *Server) Close() {
	s.cancel()
	_ = s.listener.Close()
	s.wg.Wait()
	for _, in := range s.Drain() {
		_ = in.Close()
	}
	if err := os.RemoveAll(s.path); err != nil {
		logging.WarnWithContext(s.logger, "failed to remove socket", "ipc_socket_cleanup_failed",
			logging.String("socket", s.path),
			logging.Error(err),
			logging.String(logging.FieldImpact, "stale IPC socket may block future starts"),
			logging.String(logging.FieldErrorHint, "remove the socket file manually"))
	}
}
