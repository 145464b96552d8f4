// Package bridge serves the client-facing channel: a websocket carrying
// JSON command and event envelopes, plus the HTTP admin surface.
//
// Ownership boundary:
// - decoding client commands into registry and link calls
// - forwarding routed kernel events to the connection that owns a session
// - session inventory and kill over HTTP
package bridge
