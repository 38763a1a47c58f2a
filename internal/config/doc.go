// Package config loads, normalizes, and validates warden configuration data.
//
// It supplies repository defaults, expands user paths (including tilde
// shortcuts), reads TOML files, and honours the WARDEN_RUNTIME_DIR override.
// The Config type centralizes the dispatch loop timing, channel timeouts,
// handler extension directory and journal settings, and derives the runtime
// file locations (socket, locks, pid file, journal) from one directory so the
// daemon and the CLI always agree on where to meet.
package config
