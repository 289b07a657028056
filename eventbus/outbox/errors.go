package outbox

import "errors"

var (
	ErrEnvelopeRequired   = errors.New("outbox entry envelope is required")
	ErrEntryRequired      = errors.New("outbox entry is required")
	ErrStoreRequired      = errors.New("outbox store is required")
	ErrEntryNotFound      = errors.New("outbox entry not found")
	ErrStatusInvalid      = errors.New("invalid outbox status")
	ErrTransitionInvalid  = errors.New("invalid outbox status transition")
	ErrLimitNotPositive   = errors.New("limit must be greater than zero")
	ErrEventIDRequired    = errors.New("event id is required")
	ErrMaxAttemptsInvalid = errors.New("max attempts must be greater than zero")
)
