// ABOUTME: Connection abstraction between the client and the remote agent
// ABOUTME: WebSocket for production, an in-memory pipe for tests

// Package transport moves protocol messages between the client and the
// remote agent host. A Conn sends and receives decoded messages; the
// WebSocket implementation carries them as JSON text frames, and Pipe
// provides a connected in-memory pair so session and handshake logic can
// be tested without a network.
package transport
