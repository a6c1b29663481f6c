// Package relay is the postpipe IPC server.
//
// Ownership boundary:
// - Unix socket listener lifecycle
// - worker slots and their replacement
// - per-connection handshake, dispatch, and terminal reply
// - admin HTTP surface and the matching client
//
// relay does not know how posts are delivered; that is the publish package.
package relay
