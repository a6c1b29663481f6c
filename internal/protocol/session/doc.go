// Package session owns per-connection reliability knobs.
//
// Ownership boundary:
// - handshake/read/write/publish deadlines
// - retry/backoff primitives shared by the worker pool and publishers
package session
