// Package redis implements the dedupe ledger on Redis.
//
// This ledger is best-effort: the SetNX write cannot join the handler's
// database transaction, so a crash between the handler's commit and the
// ledger write reprocesses the event, and a crash after the ledger write but
// before the commit drops it. Use it only for handlers whose effects are
// themselves idempotent or that have no relational store to anchor on; the
// postgres ledger is the exactly-once implementation.
package redis

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/partnerforge/lib-eventbus/eventbus/dedupe"
)

// DefaultRetention keeps applied records for a week, which should exceed any
// sane broker redelivery window.
const DefaultRetention = 7 * 24 * time.Hour

const keyPrefix = "eventbus:dedupe:"

var ErrClientRequired = errors.New("redis client is required")

// Option configures the Redis ledger.
type Option func(*Ledger)

// WithRetention sets how long applied records live before Redis expires them.
func WithRetention(retention time.Duration) Option {
	return func(ledger *Ledger) {
		if retention > 0 {
			ledger.retention = retention
		}
	}
}

// Ledger is a Redis dedupe.Ledger.
type Ledger struct {
	client    redis.UniversalClient
	retention time.Duration
}

// NewLedger creates a Redis ledger on an existing client.
func NewLedger(client redis.UniversalClient, opts ...Option) (*Ledger, error) {
	if client == nil {
		return nil, ErrClientRequired
	}

	ledger := &Ledger{
		client:    client,
		retention: DefaultRetention,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(ledger)
		}
	}

	return ledger, nil
}

// TryMarkApplied records the pair with SetNX. The tx handle is ignored; see
// the package comment for what that costs.
func (ledger *Ledger) TryMarkApplied(ctx context.Context, _ *sql.Tx, consumerName string, eventID uuid.UUID) (bool, error) {
	if strings.TrimSpace(consumerName) == "" {
		return false, dedupe.ErrConsumerNameRequired
	}

	if eventID == uuid.Nil {
		return false, dedupe.ErrEventIDRequired
	}

	inserted, err := ledger.client.SetNX(ctx,
		ledgerKey(consumerName, eventID),
		time.Now().UTC().Format(time.RFC3339Nano),
		ledger.retention,
	).Result()
	if err != nil {
		return false, fmt.Errorf("recording applied event: %w", err)
	}

	return inserted, nil
}

// AlreadyApplied reports whether the pair is recorded and unexpired.
func (ledger *Ledger) AlreadyApplied(ctx context.Context, consumerName string, eventID uuid.UUID) (bool, error) {
	if strings.TrimSpace(consumerName) == "" {
		return false, dedupe.ErrConsumerNameRequired
	}

	if eventID == uuid.Nil {
		return false, dedupe.ErrEventIDRequired
	}

	exists, err := ledger.client.Exists(ctx, ledgerKey(consumerName, eventID)).Result()
	if err != nil {
		return false, fmt.Errorf("checking applied event: %w", err)
	}

	return exists == 1, nil
}

// Prune is a no-op: the retention TTL set at write time already expires
// records, so there is nothing to scan for.
func (ledger *Ledger) Prune(context.Context, time.Time) (int64, error) {
	return 0, nil
}

func ledgerKey(consumerName string, eventID uuid.UUID) string {
	return keyPrefix + consumerName + ":" + eventID.String()
}

var _ dedupe.Ledger = (*Ledger)(nil)
