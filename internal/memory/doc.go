// Package memory implements the layered memory system of the braind
// learning core.
//
// Four layers, shortest-lived first:
//
//   - Working memory: process-local, mutex-guarded cache of in-flight
//     predictions and their freshest outcomes. Never persisted.
//   - Episodic store: durable per-tenant-per-skill log of individual
//     prediction/outcome pairs, each with an exponentially decaying
//     relevance weight.
//   - Semantic store: durable per-domain generalized patterns
//     (condition -> recommendation) with Bayesian confidence and
//     decay-without-reinforcement.
//   - Procedural store: cross-skill generalizations promoted from
//     corroborated semantic patterns.
//
// The durable layers speak to an abstract document store (see the
// docstore package) and are always wired behind the persistence guard.
// Promotion between layers is driven by the consolidation package.
package memory
