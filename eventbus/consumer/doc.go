// Package consumer dispatches broker deliveries to registered handlers with
// exactly-once application.
//
// The transport is at-least-once, so every handler invocation is wrapped in
// one database transaction together with the dedupe ledger write: either the
// handler's effects and the "applied" record commit together, or neither
// does. Duplicates are detected before the handler runs and acked as no-ops.
//
// Handlers signal outcomes explicitly. Returning nil applies the event,
// ErrSkip acks without applying, and any other error triggers redelivery
// until the retry budget is exhausted and the event is dead-lettered.
package consumer
