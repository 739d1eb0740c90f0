// ABOUTME: SQLite-backed persistence for identities, tokens, and audit events
// ABOUTME: Single writer per entity id via transactions, concurrent reads via WAL

// Package store provides the local encrypted-at-rest persistence layer.
// It stores SSH identity records (with private key material already sealed
// by the signing capability), vaulted tokens (values sealed likewise), and
// the append-only audit trail. The store never sees plaintext secrets; it
// persists the opaque ciphertexts handed to it by the callers.
package store
