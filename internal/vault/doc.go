// ABOUTME: Encrypted storage for session and API tokens
// ABOUTME: Lazy expiry on access, usage tracking, revocation and rotation

// Package vault stores the tokens issued after successful handshakes. Values
// are sealed by the signing capability before they reach persistence, so the
// database only ever holds ciphertext. Expired tokens are revoked lazily on
// first access rather than by a scheduler; a periodic sweep may additionally
// trim revoked rows to bound storage growth.
package vault
