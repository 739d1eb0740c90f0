// ABOUTME: Session lifecycle: open, heartbeat, reconnect, close
// ABOUTME: Owns the per-session HMAC key and the active-session registry

// Package session manages authenticated connections to agent hosts. A
// Session moves through Connecting, Authenticating, Active, Reconnecting,
// Reauthenticating, Closing, and Closed. While Active a background goroutine
// probes the server at the heartbeat interval; a missed ack triggers
// reconnection with capped exponential backoff. The Manager keeps the
// registry of live sessions and is the one holder of session HMAC keys.
package session
