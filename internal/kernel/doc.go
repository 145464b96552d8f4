// Package kernel owns the live connection to one kernel process.
//
// Ownership boundary:
// - connection descriptors (Jupyter connection-file shape)
// - request-side sockets (shell, control) and ordered sends
// - the single broadcast (iopub) subscription and its receive loop
//
// A Link performs no handshake: a successful Connect only means the sockets
// were dialed. Readiness is inferred by callers from status events.
package kernel
