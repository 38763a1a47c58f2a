// Command warden is the command-line front end for the warden process
// supervisor. It runs the daemon, starts and stops it in the background,
// and talks to a running daemon over its unix-socket channel. Run without
// arguments it opens an interactive session; any other arguments that are not
// a subcommand are sent to the daemon as one Regular message.
package main
