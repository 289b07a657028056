// Package publisher moves outbox entries to the broker.
//
// The publisher is the only component that talks to both the outbox store
// and the broker. Each cycle claims a batch, sends every entry, and records
// the outcome. Delivery is at-least-once by construction: the send happens
// before MarkSent, so a crash between the two redelivers after the claim
// expires and the consumer-side dedupe ledger absorbs the duplicate.
//
// Any number of publisher instances may run against the same store; claims
// are the only coordination between them.
package publisher
