// Package session owns transport discovery and request/response correlation.
//
// Ownership boundary:
// - one-time transport discovery (native bridge first, fallback channel second)
// - fallback ready handshake and its timeout
// - request id allocation and response demultiplexing
//
// Invariants:
// - at most one discovery runs at a time; callers that arrive while it runs
//   share its outcome, in arrival order
// - the resolved transport is subscribed to the correlation table before any
//   caller can send on it
// - each allocated request id resolves its callback at most once
package session
