package outbox

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/partnerforge/lib-eventbus/eventbus/envelope"
)

// Tx is the transactional handle Append runs inside.
//
// It intentionally aliases *sql.Tx so the business layer can pass its own
// open transaction without an adapter: the entry must commit or roll back
// together with the business writes.
type Tx = *sql.Tx

// Entry is one event awaiting reliable publication. Once created it is owned
// exclusively by the publisher; the originating transaction never touches it
// after insert.
type Entry struct {
	EntryID      int64
	Envelope     envelope.Envelope
	Status       Status
	Attempts     int
	LastError    string
	CreatedAt    time.Time
	SentAt       *time.Time
	ClaimedUntil *time.Time

	// NextAttemptAt is the publish-retry cooldown set by MarkFailed; a FAILED
	// entry is not claimable again before it.
	NextAttemptAt *time.Time
}

// NewEntry wraps an envelope as a pending outbox entry.
func NewEntry(env *envelope.Envelope) (*Entry, error) {
	if env == nil {
		return nil, ErrEnvelopeRequired
	}

	if env.EventID == uuid.Nil {
		return nil, ErrEventIDRequired
	}

	return &Entry{
		Envelope:  *env,
		Status:    StatusPending,
		Attempts:  0,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// Store is the durable record of events-to-publish.
//
// ClaimBatch is the only coordination point between concurrent publisher
// instances: a claim makes entries invisible to other claimers until the
// store's claim TTL expires, after which a crashed publisher's batch becomes
// claimable again (consumers absorb the resulting duplicate send).
type Store interface {
	// Append inserts a PENDING entry using the caller's already-open
	// transaction. It must never open its own: if the surrounding business
	// transaction rolls back, the entry vanishes with it.
	Append(ctx context.Context, tx Tx, entry *Entry) error

	// ClaimBatch atomically claims up to maxN publishable entries (PENDING,
	// retry-eligible FAILED, or expired claims), ordered by created_at
	// ascending. Ordering is per-store, not a global guarantee across
	// aggregates.
	ClaimBatch(ctx context.Context, maxN int) ([]*Entry, error)

	// MarkSent records broker acknowledgment. Idempotent.
	MarkSent(ctx context.Context, eventID uuid.UUID) error

	// MarkFailed increments the attempt count, applies the store's retry
	// cooldown, and returns the entry to the retryable FAILED state, or
	// leaves it terminally FAILED once attempts reach the store's configured
	// maximum. Terminal entries stay operator-visible, never deleted.
	MarkFailed(ctx context.Context, eventID uuid.UUID, errMsg string) error

	// MarkRejected freezes the entry after a permanent broker rejection;
	// retrying a message the broker refuses cannot succeed.
	MarkRejected(ctx context.Context, eventID uuid.UUID, errMsg string) error

	// GetByEventID loads one entry for inspection.
	GetByEventID(ctx context.Context, eventID uuid.UUID) (*Entry, error)
}
