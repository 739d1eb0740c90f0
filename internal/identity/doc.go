// ABOUTME: SSH identity management: import, fingerprints, lifecycle
// ABOUTME: Private keys are sealed by the signing capability before storage

// Package identity manages the SSH identities used to authenticate sessions.
// Import accepts OpenSSH and PEM encodings of RSA, Ed25519, and ECDSA keys,
// derives a stable SHA-256 fingerprint from the public key, and hands the
// private key to the signing capability for sealing. No other component ever
// sees private key bytes; only signatures cross the boundary.
package identity
