// Package memory provides an in-memory outbox store for tests and the
// publisher test bench. Claims, retry cooldowns, and attempt limits behave
// like the PostgreSQL adapter, minus durability.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/partnerforge/lib-eventbus/eventbus/backoff"
	"github.com/partnerforge/lib-eventbus/eventbus/outbox"
)

const (
	defaultClaimTTL    = 30 * time.Second
	defaultMaxAttempts = 5
)

// Option configures the in-memory store.
type Option func(*Store)

// WithClaimTTL sets the claim visibility timeout.
func WithClaimTTL(ttl time.Duration) Option {
	return func(store *Store) {
		if ttl > 0 {
			store.claimTTL = ttl
		}
	}
}

// WithMaxAttempts sets the publish attempt limit before an entry is frozen.
func WithMaxAttempts(maxAttempts int) Option {
	return func(store *Store) {
		if maxAttempts > 0 {
			store.maxAttempts = maxAttempts
		}
	}
}

// WithRetryBackoff sets the cooldown curve applied by MarkFailed.
func WithRetryBackoff(policy backoff.Policy) Option {
	return func(store *Store) {
		store.retryBackoff = policy
	}
}

// WithClock overrides the time source, for deterministic claim-expiry tests.
func WithClock(now func() time.Time) Option {
	return func(store *Store) {
		if now != nil {
			store.now = now
		}
	}
}

// Store is an in-memory outbox.Store.
type Store struct {
	mu           sync.Mutex
	entries      map[uuid.UUID]*outbox.Entry
	nextEntryID  int64
	claimTTL     time.Duration
	maxAttempts  int
	retryBackoff backoff.Policy
	now          func() time.Time
}

// NewStore creates an empty in-memory store.
func NewStore(opts ...Option) *Store {
	store := &Store{
		entries:      make(map[uuid.UUID]*outbox.Entry),
		claimTTL:     defaultClaimTTL,
		maxAttempts:  defaultMaxAttempts,
		retryBackoff: backoff.DefaultPolicy(),
		now:          func() time.Time { return time.Now().UTC() },
	}

	for _, opt := range opts {
		if opt != nil {
			opt(store)
		}
	}

	return store
}

// Append stores a PENDING entry. The tx handle is accepted for contract
// compatibility and ignored; the in-memory store has no transactions.
func (store *Store) Append(_ context.Context, _ outbox.Tx, entry *outbox.Entry) error {
	if entry == nil {
		return outbox.ErrEntryRequired
	}

	if entry.Envelope.EventID == uuid.Nil {
		return outbox.ErrEventIDRequired
	}

	store.mu.Lock()
	defer store.mu.Unlock()

	store.nextEntryID++

	stored := *entry
	stored.EntryID = store.nextEntryID
	stored.Status = outbox.StatusPending

	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = store.now()
	}

	store.entries[stored.Envelope.EventID] = &stored

	return nil
}

// ClaimBatch claims up to maxN publishable entries ordered by creation time.
func (store *Store) ClaimBatch(_ context.Context, maxN int) ([]*outbox.Entry, error) {
	if maxN <= 0 {
		return nil, outbox.ErrLimitNotPositive
	}

	store.mu.Lock()
	defer store.mu.Unlock()

	now := store.now()

	claimable := make([]*outbox.Entry, 0, maxN)

	for _, entry := range store.entries {
		if store.isClaimable(entry, now) {
			claimable = append(claimable, entry)
		}
	}

	sort.Slice(claimable, func(i, j int) bool {
		if claimable[i].CreatedAt.Equal(claimable[j].CreatedAt) {
			return claimable[i].EntryID < claimable[j].EntryID
		}

		return claimable[i].CreatedAt.Before(claimable[j].CreatedAt)
	})

	if len(claimable) > maxN {
		claimable = claimable[:maxN]
	}

	claimed := make([]*outbox.Entry, 0, len(claimable))

	for _, entry := range claimable {
		entry.Status = outbox.StatusClaimed
		claimedUntil := now.Add(store.claimTTL)
		entry.ClaimedUntil = &claimedUntil

		snapshot := *entry
		claimed = append(claimed, &snapshot)
	}

	return claimed, nil
}

func (store *Store) isClaimable(entry *outbox.Entry, now time.Time) bool {
	switch entry.Status {
	case outbox.StatusPending:
		return true
	case outbox.StatusFailed:
		if entry.Attempts >= store.maxAttempts {
			return false
		}

		return entry.NextAttemptAt == nil || !now.Before(*entry.NextAttemptAt)
	case outbox.StatusClaimed:
		return entry.ClaimedUntil != nil && now.After(*entry.ClaimedUntil)
	default:
		return false
	}
}

// MarkSent records broker acknowledgment. Idempotent.
func (store *Store) MarkSent(_ context.Context, eventID uuid.UUID) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	entry, exists := store.entries[eventID]
	if !exists {
		return outbox.ErrEntryNotFound
	}

	if entry.Status == outbox.StatusSent || entry.Status == outbox.StatusRejected {
		return nil
	}

	entry.Status = outbox.StatusSent
	sentAt := store.now()
	entry.SentAt = &sentAt
	entry.ClaimedUntil = nil
	entry.NextAttemptAt = nil

	return nil
}

// MarkFailed increments attempts and schedules the retry cooldown.
func (store *Store) MarkFailed(_ context.Context, eventID uuid.UUID, errMsg string) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	entry, exists := store.entries[eventID]
	if !exists {
		return outbox.ErrEntryNotFound
	}

	if entry.Status == outbox.StatusSent || entry.Status == outbox.StatusRejected {
		return nil
	}

	entry.Attempts++
	entry.Status = outbox.StatusFailed
	entry.LastError = outbox.BoundErrorMessage(errMsg)
	entry.ClaimedUntil = nil

	nextAttempt := store.now().Add(store.retryBackoff.Delay(entry.Attempts - 1))
	entry.NextAttemptAt = &nextAttempt

	return nil
}

// MarkRejected freezes an entry after a permanent broker rejection.
func (store *Store) MarkRejected(_ context.Context, eventID uuid.UUID, errMsg string) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	entry, exists := store.entries[eventID]
	if !exists {
		return outbox.ErrEntryNotFound
	}

	if entry.Status == outbox.StatusSent || entry.Status == outbox.StatusRejected {
		return nil
	}

	entry.Attempts++
	entry.Status = outbox.StatusRejected
	entry.LastError = outbox.BoundErrorMessage(errMsg)
	entry.ClaimedUntil = nil
	entry.NextAttemptAt = nil

	return nil
}

// GetByEventID returns a snapshot of one entry.
func (store *Store) GetByEventID(_ context.Context, eventID uuid.UUID) (*outbox.Entry, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	entry, exists := store.entries[eventID]
	if !exists {
		return nil, outbox.ErrEntryNotFound
	}

	snapshot := *entry

	return &snapshot, nil
}

var _ outbox.Store = (*Store)(nil)
