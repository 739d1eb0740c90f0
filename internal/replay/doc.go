// ABOUTME: Replay protection and sliding-window failure counting
// ABOUTME: Backs nonce tracking in the handshake and brute-force detection in the gate

// Package replay provides two small synchronized caches used by the security
// core: a TTL nonce cache that rejects reuse of challenge nonces, and a
// sliding failure window that counts recent events per key so repeated
// signature failures can be escalated to a security alert.
package replay
