// Package outbox provides the transactional outbox primitives: the entry
// model co-committed with business writes, the lifecycle state machine, and
// the store contract drained by the publisher.
//
// PostgreSQL and in-memory adapters live in the postgres and memory
// subpackages.
package outbox
