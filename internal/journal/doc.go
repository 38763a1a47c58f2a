// Package journal records process lifecycle events in a SQLite database so
// operators can review what the daemon attached, detached and saw exit.
//
// The journal is an operator aid, not a recovery log: the daemon never reads
// it back to restore state.
package journal
