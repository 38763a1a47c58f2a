// Package handler defines the process handler contract and resolves handler
// names to implementations.
//
// Names with exactly one colon address static handlers: the core handlers
// registered here and the handlers declared by extensions found under the
// configured extension directory. Any other name is the path of a Lua script
// run by ScriptHandler. Scripts must define the global functions init, start,
// handle and finish and reach the daemon through the global daemon table.
package handler
