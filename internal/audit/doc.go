// ABOUTME: Append-only audit trail for every security-relevant event
// ABOUTME: Writes happen synchronously before any externally visible response

// Package audit records authentication, key, token, and permission events.
// Append is synchronous so a crash after a decision cannot lose the record
// of it, and metadata is redacted before it reaches storage so the trail
// never contains key material or token values.
package audit
