// Package protocol owns the postpipe wire contract.
//
// Ownership boundary:
// - length-prefixed string frames (see frame)
// - wire reply and operation strings
// - connection error taxonomy
// - per-connection timeouts and backoff (see session)
//
// One connection carries, in order: secret, echo or rejection, operation tag,
// READY, payload, terminal status. There is no pipelining.
package protocol
