// ABOUTME: Wire protocol messages exchanged between client and server
// ABOUTME: Tagged-union JSON envelope with exhaustive decoding per message type

// Package protocol defines the messages exchanged over the authenticated
// transport: the challenge-response handshake, heartbeat probes, and
// permission request/response traffic. Every message travels inside an
// Envelope carrying an explicit type discriminant, so decoding is an
// exhaustive switch and unknown types are rejected rather than ignored.
package protocol
