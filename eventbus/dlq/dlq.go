// Package dlq holds events a consumer permanently failed to apply.
//
// A dead-lettered event is parked, not discarded: the full envelope and the
// error from every delivery attempt are retained, and an operator can replay
// the event once the handler bug is fixed. Entries survive replay for audit.
package dlq

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/partnerforge/lib-eventbus/eventbus/envelope"
)

var (
	ErrEntryRequired        = errors.New("dlq entry is required")
	ErrEntryNotFound        = errors.New("dlq entry not found")
	ErrEventIDRequired      = errors.New("event id is required")
	ErrConsumerNameRequired = errors.New("consumer name is required")
	ErrStoreRequired        = errors.New("dlq store is required")
	ErrClientRequired       = errors.New("broker client is required")
	ErrLimitNotPositive     = errors.New("limit must be positive")
	ErrAlreadyReplayed      = errors.New("dlq entry already replayed")
)

// Entry is one dead-lettered event.
type Entry struct {
	EventID        uuid.UUID
	Envelope       envelope.Envelope
	ConsumerName   string
	FailureReason  string
	Attempts       int
	AttemptErrors  []string
	DeadLetteredAt time.Time
	ReplayedAt     *time.Time
}

// Store persists dead-lettered events. One event dead-letters at most once
// per consumer in practice, but the store keys on event id alone: the
// dispatcher acks after routing, so a second arrival of the same event id is
// a redelivery race and Add must absorb it.
type Store interface {
	// Add persists the entry. Adding an event id that is already stored is
	// a no-op, not an error.
	Add(ctx context.Context, entry *Entry) error

	// Get loads one entry.
	Get(ctx context.Context, eventID uuid.UUID) (*Entry, error)

	// List returns up to limit entries, most recently dead-lettered first.
	List(ctx context.Context, limit int) ([]*Entry, error)

	// MarkReplayed stamps the entry as replayed. The entry is retained.
	MarkReplayed(ctx context.Context, eventID uuid.UUID) error
}
