// Package logging assembles the structured slog loggers used by the warden
// daemon and CLI.
//
// It owns the console and JSON handlers, the output plumbing for stdout,
// stderr and log files, and the shared level variable that lets a running
// daemon change verbosity when its settings are reloaded. Attribute helpers
// and the standard field keys keep every component emitting records with the
// same shape. A no-op logger is provided for tests and wiring code that has no
// logger to hand.
package logging
