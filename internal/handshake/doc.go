// ABOUTME: Challenge-response authentication over an open connection
// ABOUTME: Drives the client side of the auth message exchange

// Package handshake authenticates a connection to an agent host. The server
// opens with a nonce challenge; the client signs it with an SSH identity and
// the server answers with either a session grant or a rejection. The
// exchange is a strict linear state machine with no internal retries.
// Reconnection policy belongs to the session layer.
package handshake
