// Package proc starts, adopts, watches and terminates the OS processes the
// daemon supervises.
//
// Spawned children are reaped through exec.Cmd; adopted processes are
// watched through a pidfd on Linux and by signal-0 polling elsewhere. Either
// way Done closes exactly once when the process is gone.
package proc
