// Package tools provides local process helpers shared by publish backends.
//
// Ownership boundary:
// - command execution with stdin/env plumbing
// - exit code normalization (127 when the binary is missing)
package tools
