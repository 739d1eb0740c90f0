// ABOUTME: Ordered policy evaluation for permission requests
// ABOUTME: Tool, time, risk, and frequency policies with a configured default

// Package policy evaluates security policies against incoming permission
// requests. Active policies run in descending priority order; each returns a
// decisive outcome or falls through to the next, and a configured default
// applies when every policy continues. Evaluation is a pure function of the
// ordered policy set and the request, except for frequency policies whose
// sliding-window counters are their own declared state.
package policy
