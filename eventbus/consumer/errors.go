package consumer

import "errors"

// ErrSkip is returned by handlers to ack an event without applying it. The
// event is not recorded in the dedupe ledger and not retried; a later
// redelivery skips again.
var ErrSkip = errors.New("event skipped by handler")

var (
	ErrSubscriptionRequired = errors.New("subscription is required")
	ErrUnitOfWorkRequired   = errors.New("unit of work is required")
	ErrLedgerRequired       = errors.New("dedupe ledger is required")
	ErrDeadLetterRequired   = errors.New("dead-letter router is required")
	ErrHandlerRequired      = errors.New("handler is required")
	ErrEventTypeRequired    = errors.New("event type is required")
	ErrHandlerExists        = errors.New("handler already registered for event type")
	ErrNoHandlers           = errors.New("subscription has no handlers")
	ErrConnectionRequired   = errors.New("database connection is required")
)
