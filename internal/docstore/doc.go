// Package docstore defines the abstract document store consumed by the
// memory and learning layers.
//
// Documents are addressed by hierarchical slash-separated paths:
//
//	tenant/{tenantID}/episodic/{skill}/{episodeID}
//	semantic/{domain}/patterns/{patternID}
//	procedural/{knowledgeID}
//	learningState
//	archive/...            (cold mirror of the episodic/semantic namespaces)
//
// The interface is transport-agnostic. Two implementations are provided:
// MemoryStore (embedded, map-backed, used by tests and single-node
// deployments) and NATSStore (NATS JetStream key-value bucket, used when
// durability across processes is required).
//
// All callers in this repository access a Store through the guard package,
// which layers retry, circuit breaking, and rate limiting on top.
package docstore
