//go:build linux

package proc

import (
	"errors"

	"golang.org/x/sys/unix"
)

// watchExit blocks until pid exits or stop closes. A pidfd becomes readable
// when the process terminates; kernels without pidfd_open fall back to polling.
func watchExit(pid int, stop <-chan struct{}) error {
	fd, err := unix.PidfdOpen(pid, 0)
	if err != nil {
		if errors.Is(err, unix.ESRCH) {
			return nil
		}
		return pollExit(pid, stop)
	}
	defer unix.Close(fd)

	fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
	timeoutMS := int(pollInterval.Milliseconds())
	for {
		select {
		case <-stop:
			return errWatchStopped
		default:
		}
		n, err := unix.Poll(fds, timeoutMS)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return pollExit(pid, stop)
		}
		if n > 0 {
			return nil
		}
	}
}
