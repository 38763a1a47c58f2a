package ipc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"time"

	"github.com/google/uuid"
)

const dialRetryDelay = 50 * time.Millisecond

// ClientOptions configures a channel client.
type ClientOptions struct {
	SocketPath     string
	WriteLockPath  string
	ConnectTimeout time.Duration
	LockTimeout    time.Duration
	// Sender identifies this client in every message; a random id is used when empty.
	Sender string
}

// Client sends messages to the daemon, one connection per message.
type Client struct {
	socket         string
	lock           WriteLock
	connectTimeout time.Duration
	sender         string
}

// NewClient builds a client with default 5s connect and lock timeouts.
func NewClient(opts ClientOptions) *Client {
	connectTimeout := opts.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 5 * time.Second
	}
	sender := opts.Sender
	if sender == "" {
		sender = "client-" + uuid.NewString()
	}
	return &Client{
		socket:         opts.SocketPath,
		lock:           WriteLock{Path: opts.WriteLockPath, Timeout: opts.LockTimeout},
		connectTimeout: connectTimeout,
		sender:         sender,
	}
}

// Sender returns the identity stamped on outgoing messages.
func (c *Client) Sender() string { return c.sender }

// Message builds a message of type t from this client.
func (c *Client) Message(t MessageType, content ...string) Message {
	return NewMessage(t, c.sender, content...)
}

// Send delivers one message without waiting for a reply.
func (c *Client) Send(ctx context.Context, msg Message) error {
	conn, err := c.connect(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	return c.write(ctx, conn, msg)
}

// Request delivers msg and blocks for exactly one Response. Anything else
// read back fails with ErrUnexpectedMessageType.
func (c *Client) Request(ctx context.Context, msg Message) (Message, error) {
	conn, err := c.connect(ctx)
	if err != nil {
		return Message{}, err
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
	}

	if err := c.write(ctx, conn, msg); err != nil {
		return Message{}, err
	}
	reply, err := ReadMessage(conn)
	if err != nil {
		if ctx.Err() != nil {
			return Message{}, ctx.Err()
		}
		return Message{}, fmt.Errorf("read response: %w", err)
	}
	if reply.Type != Response {
		return Message{}, fmt.Errorf("%w: got %s", ErrUnexpectedMessageType, reply.Type)
	}
	return reply, nil
}

func (c *Client) write(ctx context.Context, conn net.Conn, msg Message) error {
	if msg.Sender == "" {
		msg.Sender = c.sender
	}
	return c.lock.Do(ctx, func() error {
		if err := WriteMessage(conn, msg); err != nil {
			return fmt.Errorf("write message: %w", err)
		}
		return nil
	})
}

// connect dials until the daemon accepts or the connect timeout passes.
func (c *Client) connect(ctx context.Context) (net.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.connectTimeout)
	defer cancel()

	var dialer net.Dialer
	var lastErr error
	for {
		conn, err := dialer.DialContext(dialCtx, "unix", c.socket)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		if !retryableDialError(err) {
			return nil, fmt.Errorf("connect %s: %w", c.socket, err)
		}
		select {
		case <-dialCtx.Done():
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("%w after %s: %v", ErrConnectTimeout, c.connectTimeout, lastErr)
		case <-time.After(dialRetryDelay):
		}
	}
}

func retryableDialError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return errors.Is(err, syscall.ENOENT) || errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.EAGAIN)
}
