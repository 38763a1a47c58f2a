// Package daemon owns the warden dispatch loop.
//
// A Daemon holds the process registry, the async, sync and sensitive action
// queues, recurring tasks, statistics, message boards and the buffered result
// store. Each loop iteration ticks every attached handler and registered task,
// launches queued async actions, drains the IPC inbox and dispatches each
// message by type, runs sync actions inline, joins everything it launched,
// and finally runs sensitive actions such as reloads while nothing else is in
// flight. Iterations are paced by the configured throttle.
//
// Commands are plain argument vectors resolved through Call. Each command
// parses its own flags with pflag; results are returned as text so they can
// travel back over the channel unchanged.
package daemon
