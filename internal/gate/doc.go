// ABOUTME: Permission gate: verifies signed requests and authorizes them
// ABOUTME: Combines HMAC verification, risk scoring, and policy evaluation

// Package gate decides permission requests from the remote agent. Every
// request carries an HMAC over its canonical form keyed by the session key;
// the gate verifies the signature and freshness, scores the request's risk,
// runs the policy engine, and emits a signed response. Critical-risk
// operations always require an explicit confirmed user decision. Every
// verdict is written to the audit trail before it is returned.
package gate
