package daemon

import "errors"

var (
	// ErrAlreadyAttached reports an attach for a pid that already has a handler.
	ErrAlreadyAttached = errors.New("process already attached")
	// ErrNotAttached reports a detach for a pid with no handler.
	ErrNotAttached = errors.New("process not attached")
	// ErrInsufficientPrivilege reports a daemon started without root while
	// daemon.require_root is set.
	ErrInsufficientPrivilege = errors.New("daemon requires root privileges")
	// ErrUnknownCommand reports a command name with no registration.
	ErrUnknownCommand = errors.New("unknown command")
	// ErrJournalDisabled reports a history query with no journal configured.
	ErrJournalDisabled = errors.New("lifecycle journal disabled")
)
