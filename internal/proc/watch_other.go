//go:build !linux

package proc

func watchExit(pid int, stop <-chan struct{}) error {
	return pollExit(pid, stop)
}
