package ipc

import (
	"errors"
	"fmt"
)

var (
	// ErrConnectTimeout reports that no daemon accepted a connection in time.
	ErrConnectTimeout = errors.New("ipc: connect timeout")
	// ErrLockTimeout reports that the channel write lock could not be acquired in time.
	ErrLockTimeout = errors.New("ipc: channel lock timeout")
	// ErrProtocol matches every *ProtocolError.
	ErrProtocol = errors.New("ipc: protocol error")
	// ErrUnexpectedMessageType reports a reply that was not a Response.
	ErrUnexpectedMessageType = errors.New("ipc: unexpected message type")
	// ErrAlreadyRunning reports that another daemon owns the instance lock.
	ErrAlreadyRunning = errors.New("ipc: another warden daemon instance is already running")
)

// ProtocolError describes a malformed frame or message body. The connection
// it was read from must be discarded.
type ProtocolError struct {
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("ipc: protocol error: %s: %v", e.Reason, e.Err)
	}
	return "ipc: protocol error: " + e.Reason
}

func (e *ProtocolError) Unwrap() error { return e.Err }

func (e *ProtocolError) Is(target error) bool { return target == ErrProtocol }

func protocolErrorf(err error, format string, args ...any) error {
	return &ProtocolError{Reason: fmt.Sprintf(format, args...), Err: err}
}
