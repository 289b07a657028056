// Package postgres persists outbox entries in PostgreSQL.
//
// The store leans on row locks for claim coordination: ClaimBatch updates
// entries selected with FOR UPDATE SKIP LOCKED, so any number of publisher
// instances can poll the same table without handing out the same entry
// twice while a claim is live.
package postgres
