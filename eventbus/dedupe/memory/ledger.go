// Package memory provides an in-memory dedupe ledger for tests.
package memory

import (
	"context"
	"database/sql"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/partnerforge/lib-eventbus/eventbus/dedupe"
)

type key struct {
	consumerName string
	eventID      uuid.UUID
}

// Ledger is an in-memory dedupe.Ledger.
type Ledger struct {
	mu      sync.Mutex
	applied map[key]time.Time
	now     func() time.Time
}

// Option configures the in-memory ledger.
type Option func(*Ledger)

// WithClock overrides the time source, for deterministic pruning tests.
func WithClock(now func() time.Time) Option {
	return func(ledger *Ledger) {
		if now != nil {
			ledger.now = now
		}
	}
}

// NewLedger creates an empty in-memory ledger.
func NewLedger(opts ...Option) *Ledger {
	ledger := &Ledger{
		applied: make(map[key]time.Time),
		now:     func() time.Time { return time.Now().UTC() },
	}

	for _, opt := range opts {
		if opt != nil {
			opt(ledger)
		}
	}

	return ledger
}

// TryMarkApplied records the pair; the tx handle is ignored.
func (ledger *Ledger) TryMarkApplied(_ context.Context, _ *sql.Tx, consumerName string, eventID uuid.UUID) (bool, error) {
	if strings.TrimSpace(consumerName) == "" {
		return false, dedupe.ErrConsumerNameRequired
	}

	if eventID == uuid.Nil {
		return false, dedupe.ErrEventIDRequired
	}

	ledger.mu.Lock()
	defer ledger.mu.Unlock()

	k := key{consumerName: consumerName, eventID: eventID}

	if _, exists := ledger.applied[k]; exists {
		return false, nil
	}

	ledger.applied[k] = ledger.now()

	return true, nil
}

// AlreadyApplied reports whether the pair is recorded.
func (ledger *Ledger) AlreadyApplied(_ context.Context, consumerName string, eventID uuid.UUID) (bool, error) {
	if strings.TrimSpace(consumerName) == "" {
		return false, dedupe.ErrConsumerNameRequired
	}

	if eventID == uuid.Nil {
		return false, dedupe.ErrEventIDRequired
	}

	ledger.mu.Lock()
	defer ledger.mu.Unlock()

	_, exists := ledger.applied[key{consumerName: consumerName, eventID: eventID}]

	return exists, nil
}

// Prune removes records applied before the cutoff.
func (ledger *Ledger) Prune(_ context.Context, appliedBefore time.Time) (int64, error) {
	ledger.mu.Lock()
	defer ledger.mu.Unlock()

	var pruned int64

	for k, appliedAt := range ledger.applied {
		if appliedAt.Before(appliedBefore) {
			delete(ledger.applied, k)
			pruned++
		}
	}

	return pruned, nil
}

var _ dedupe.Ledger = (*Ledger)(nil)
