// ABOUTME: SigningCapability contract over a hardware-backed key store
// ABOUTME: Private key bytes never cross this boundary, only signatures do

// Package signer defines the capability boundary for all private-key
// operations: unlocking (which may block on a user-presence check), signing,
// and sealing/unsealing of secrets at rest. Production builds bind this
// interface to the platform secure enclave; tests and the CLI use the
// in-memory implementation, which keeps key material inside the package and
// releases it as soon as each operation completes.
package signer
