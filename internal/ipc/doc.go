// Package ipc implements the duplex channel between the warden daemon and its
// short-lived clients.
//
// Messages travel one per connection over a unix domain socket as a frame: a
// four byte big-endian length followed by the binary encoded Message body
// (type, version, content tokens, sender). The daemon runs a single inbox
// reader that accepts connections, decodes one frame from each and queues the
// result for the dispatch loop; request-style messages keep their connection
// open so the loop can write exactly one Response back.
//
// Frame writes on either side are serialized by a cross-process file lock, and
// a second lock file held for the daemon's lifetime doubles as the presence
// detector clients and would-be second instances consult.
package ipc
