// Package memory provides an in-memory dead-letter store for tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/partnerforge/lib-eventbus/eventbus/dlq"
)

// Store is an in-memory dlq.Store.
type Store struct {
	mu      sync.Mutex
	entries map[uuid.UUID]*dlq.Entry
	now     func() time.Time
}

// Option configures the in-memory store.
type Option func(*Store)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(store *Store) {
		if now != nil {
			store.now = now
		}
	}
}

// NewStore creates an empty in-memory store.
func NewStore(opts ...Option) *Store {
	store := &Store{
		entries: make(map[uuid.UUID]*dlq.Entry),
		now:     func() time.Time { return time.Now().UTC() },
	}

	for _, opt := range opts {
		if opt != nil {
			opt(store)
		}
	}

	return store
}

// Add stores the entry; a duplicate event id is absorbed.
func (store *Store) Add(_ context.Context, entry *dlq.Entry) error {
	if entry == nil {
		return dlq.ErrEntryRequired
	}

	if entry.EventID == uuid.Nil {
		return dlq.ErrEventIDRequired
	}

	store.mu.Lock()
	defer store.mu.Unlock()

	if _, exists := store.entries[entry.EventID]; exists {
		return nil
	}

	stored := *entry
	stored.AttemptErrors = append([]string(nil), entry.AttemptErrors...)

	if stored.DeadLetteredAt.IsZero() {
		stored.DeadLetteredAt = store.now()
	}

	store.entries[stored.EventID] = &stored

	return nil
}

// Get returns a snapshot of one entry.
func (store *Store) Get(_ context.Context, eventID uuid.UUID) (*dlq.Entry, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	entry, exists := store.entries[eventID]
	if !exists {
		return nil, dlq.ErrEntryNotFound
	}

	return snapshot(entry), nil
}

// List returns up to limit entries, most recently dead-lettered first.
func (store *Store) List(_ context.Context, limit int) ([]*dlq.Entry, error) {
	if limit <= 0 {
		return nil, dlq.ErrLimitNotPositive
	}

	store.mu.Lock()
	defer store.mu.Unlock()

	entries := make([]*dlq.Entry, 0, len(store.entries))
	for _, entry := range store.entries {
		entries = append(entries, snapshot(entry))
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].DeadLetteredAt.After(entries[j].DeadLetteredAt)
	})

	if len(entries) > limit {
		entries = entries[:limit]
	}

	return entries, nil
}

// MarkReplayed stamps the entry as replayed.
func (store *Store) MarkReplayed(_ context.Context, eventID uuid.UUID) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	entry, exists := store.entries[eventID]
	if !exists {
		return dlq.ErrEntryNotFound
	}

	replayedAt := store.now()
	entry.ReplayedAt = &replayedAt

	return nil
}

func snapshot(entry *dlq.Entry) *dlq.Entry {
	copied := *entry
	copied.AttemptErrors = append([]string(nil), entry.AttemptErrors...)

	if entry.ReplayedAt != nil {
		replayedAt := *entry.ReplayedAt
		copied.ReplayedAt = &replayedAt
	}

	return &copied
}

var _ dlq.Store = (*Store)(nil)
