// Package gateway maintains one shard's persistent connection to the
// real-time gateway.
//
// A Session dials, waits for Hello, starts a HeartbeatMonitor, then either
// identifies or resumes. When the connection ends it reconnects on its own:
// resumable endings keep the session id and sequence number, other endings
// clear them so the next connection identifies from scratch. A Session only
// stops for good on Close, on an authentication-class close code, or after
// too many consecutive failed dials; Done reports that.
//
// Inbound payloads are handed to an EventHandler in arrival order from a
// dedicated goroutine, so a slow handler never stalls the socket.
package gateway
