// Package dedupe records which events a consumer has already applied.
//
// At-least-once transport means duplicates arrive; the ledger is what turns
// that into exactly-once application. The PostgreSQL implementation shares
// the handler's transaction, so the dedupe record and the handler's writes
// commit or vanish together.
package dedupe

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrConsumerNameRequired = errors.New("consumer name is required")
	ErrEventIDRequired      = errors.New("event id is required")
)

// Ledger tracks applied (consumer, event) pairs.
type Ledger interface {
	// TryMarkApplied records the pair and reports whether this call was the
	// first to do so. A false result means another delivery already applied
	// the event and the caller must not run its handler.
	//
	// When tx is non-nil the write joins that transaction; implementations
	// without transactional storage ignore it.
	TryMarkApplied(ctx context.Context, tx *sql.Tx, consumerName string, eventID uuid.UUID) (bool, error)

	// AlreadyApplied reports whether the pair is recorded, without writing.
	AlreadyApplied(ctx context.Context, consumerName string, eventID uuid.UUID) (bool, error)

	// Prune deletes records applied before the cutoff and returns how many
	// were removed. Retention must exceed the broker's longest redelivery
	// window or pruned duplicates become visible again.
	Prune(ctx context.Context, appliedBefore time.Time) (int64, error)
}
