// Package guard wraps a docstore.Store with the resilience layer every
// durable memory store goes through: bounded retry with exponential
// backoff and jitter for transient failures, a circuit breaker per
// guarded dependency, and a token-bucket rate limiter keyed by tenant.
//
// When the circuit is open, calls fail fast with docstore.ErrCircuitOpen
// without touching the underlying store. Callers that can degrade (the
// predictor) catch that error and fall back to default guidance instead
// of failing their own caller.
package guard
