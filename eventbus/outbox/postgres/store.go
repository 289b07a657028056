package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/partnerforge/lib-eventbus/eventbus/backoff"
	"github.com/partnerforge/lib-eventbus/eventbus/outbox"
)

const (
	maxSQLIdentifierLength = 63

	defaultTableName   = "outbox_entries"
	defaultClaimTTL    = 30 * time.Second
	defaultMaxAttempts = 5
	defaultTxTimeout   = 30 * time.Second
)

var (
	ErrConnectionRequired  = errors.New("postgres connection is required")
	ErrTransactionRequired = errors.New("postgres transaction is required")
	ErrInvalidIdentifier   = errors.New("invalid sql identifier")

	identifierPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

	entryColumns = "entry_id, event_id, event_type, schema_version, aggregate_id, occurred_at, " +
		"correlation_id, causation_id, payload, status, attempts, last_error, " +
		"created_at, sent_at, claimed_until, next_attempt_at"
)

// Option configures the PostgreSQL store.
type Option func(*Store)

// WithLogger sets the logger. Defaults to a nop logger.
func WithLogger(logger *zap.Logger) Option {
	return func(store *Store) {
		if logger != nil {
			store.logger = logger
		}
	}
}

// WithTableName overrides the outbox table name. Accepts an optional
// schema-qualified path such as "events.outbox_entries".
func WithTableName(tableName string) Option {
	return func(store *Store) {
		store.tableName = tableName
	}
}

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

// WithTxTimeout bounds internally opened transactions when the caller's
// context carries no deadline.
func WithTxTimeout(timeout time.Duration) Option {
	return func(store *Store) {
		if timeout > 0 {
			store.txTimeout = timeout
		}
	}
}

// Store is a PostgreSQL outbox.Store.
type Store struct {
	db           *sql.DB
	logger       *zap.Logger
	tracer       trace.Tracer
	tableName    string
	claimTTL     time.Duration
	maxAttempts  int
	retryBackoff backoff.Policy
	txTimeout    time.Duration
}

// NewStore creates a PostgreSQL outbox store on an open database handle.
func NewStore(db *sql.DB, opts ...Option) (*Store, error) {
	if db == nil {
		return nil, ErrConnectionRequired
	}

	store := &Store{
		db:           db,
		logger:       zap.NewNop(),
		tracer:       otel.Tracer("github.com/partnerforge/lib-eventbus/eventbus/outbox/postgres"),
		tableName:    defaultTableName,
		claimTTL:     defaultClaimTTL,
		maxAttempts:  defaultMaxAttempts,
		retryBackoff: backoff.DefaultPolicy(),
		txTimeout:    defaultTxTimeout,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(store)
		}
	}

	store.tableName = strings.TrimSpace(store.tableName)
	if store.tableName == "" {
		store.tableName = defaultTableName
	}

	if err := validateIdentifierPath(store.tableName); err != nil {
		return nil, fmt.Errorf("table name: %w", err)
	}

	return store, nil
}

// Append inserts a PENDING entry using the caller's already-open transaction.
// The entry commits or rolls back together with the business writes; the
// store never opens its own transaction here.
func (store *Store) Append(ctx context.Context, tx outbox.Tx, entry *outbox.Entry) error {
	if tx == nil {
		return ErrTransactionRequired
	}

	if entry == nil {
		return outbox.ErrEntryRequired
	}

	if entry.Envelope.EventID == uuid.Nil {
		return outbox.ErrEventIDRequired
	}

	ctx, span := store.tracer.Start(ctx, "outbox.append")
	defer span.End()

	createdAt := entry.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	table := quoteIdentifierPath(store.tableName)
	query := "INSERT INTO " + table +
		" (event_id, event_type, schema_version, aggregate_id, occurred_at, correlation_id, " +
		"causation_id, payload, status, attempts, last_error, created_at)" +
		" VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12) RETURNING entry_id"

	causationID := uuid.NullUUID{}
	if entry.Envelope.CausationID != nil {
		causationID = uuid.NullUUID{UUID: *entry.Envelope.CausationID, Valid: true}
	}

	row := tx.QueryRowContext(ctx, query,
		entry.Envelope.EventID,
		entry.Envelope.EventType,
		entry.Envelope.SchemaVersion,
		entry.Envelope.AggregateID,
		entry.Envelope.OccurredAt,
		entry.Envelope.CorrelationID,
		causationID,
		[]byte(entry.Envelope.Payload),
		outbox.StatusPending.String(),
		0,
		"",
		createdAt,
	)

	if err := row.Scan(&entry.EntryID); err != nil {
		store.logError(span, "failed to append outbox entry", err)

		return fmt.Errorf("appending outbox entry: %w", err)
	}

	entry.Status = outbox.StatusPending
	entry.CreatedAt = createdAt

	return nil
}

// ClaimBatch atomically claims up to maxN publishable entries. The selection
// uses FOR UPDATE SKIP LOCKED so concurrent claimers never block each other
// or receive overlapping batches.
func (store *Store) ClaimBatch(ctx context.Context, maxN int) ([]*outbox.Entry, error) {
	if maxN <= 0 {
		return nil, outbox.ErrLimitNotPositive
	}

	ctx, span := store.tracer.Start(ctx, "outbox.claim_batch")
	defer span.End()

	now := time.Now().UTC()
	claimedUntil := now.Add(store.claimTTL)

	table := quoteIdentifierPath(store.tableName)
	query := "UPDATE " + table + " SET status = $1, claimed_until = $2" +
		" WHERE entry_id IN (" +
		"SELECT entry_id FROM " + table +
		" WHERE status = $3" +
		" OR (status = $4 AND attempts < $5 AND (next_attempt_at IS NULL OR next_attempt_at <= $6))" +
		" OR (status = $1 AND claimed_until <= $6)" +
		" ORDER BY created_at ASC LIMIT $7 FOR UPDATE SKIP LOCKED" +
		") RETURNING " + entryColumns

	var entries []*outbox.Entry

	err := store.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, query,
			outbox.StatusClaimed.String(),
			claimedUntil,
			outbox.StatusPending.String(),
			outbox.StatusFailed.String(),
			store.maxAttempts,
			now,
			maxN,
		)
		if err != nil {
			return fmt.Errorf("claiming entries: %w", err)
		}

		defer rows.Close()

		entries = make([]*outbox.Entry, 0, maxN)

		for rows.Next() {
			entry, scanErr := scanEntry(rows)
			if scanErr != nil {
				return scanErr
			}

			entries = append(entries, entry)
		}

		if err := rows.Err(); err != nil {
			return fmt.Errorf("iterating claimed rows: %w", err)
		}

		return nil
	})
	if err != nil {
		store.logError(span, "failed to claim outbox batch", err)

		return nil, fmt.Errorf("claiming outbox batch: %w", err)
	}

	// RETURNING yields rows in update order, which is unspecified.
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].CreatedAt.Equal(entries[j].CreatedAt) {
			return entries[i].EntryID < entries[j].EntryID
		}

		return entries[i].CreatedAt.Before(entries[j].CreatedAt)
	})

	return entries, nil
}

// MarkSent records broker acknowledgment. Idempotent: marking an entry that
// already reached a terminal state is a no-op.
func (store *Store) MarkSent(ctx context.Context, eventID uuid.UUID) error {
	if eventID == uuid.Nil {
		return outbox.ErrEventIDRequired
	}

	ctx, span := store.tracer.Start(ctx, "outbox.mark_sent")
	defer span.End()

	table := quoteIdentifierPath(store.tableName)

	err := store.withTx(ctx, func(tx *sql.Tx) error {
		status, _, err := store.lockEntry(ctx, tx, eventID)
		if err != nil {
			return err
		}

		if status == outbox.StatusSent || status == outbox.StatusRejected {
			return nil
		}

		query := "UPDATE " + table +
			" SET status = $1, sent_at = $2, claimed_until = NULL, next_attempt_at = NULL WHERE event_id = $3"

		if _, err := tx.ExecContext(ctx, query, outbox.StatusSent.String(), time.Now().UTC(), eventID); err != nil {
			return fmt.Errorf("executing update: %w", err)
		}

		return nil
	})
	if err != nil {
		store.logError(span, "failed to mark outbox entry sent", err)

		return fmt.Errorf("marking sent: %w", err)
	}

	return nil
}

// MarkFailed increments the attempt count and schedules the retry cooldown.
// Entries already in a terminal state are left untouched.
func (store *Store) MarkFailed(ctx context.Context, eventID uuid.UUID, errMsg string) error {
	if eventID == uuid.Nil {
		return outbox.ErrEventIDRequired
	}

	ctx, span := store.tracer.Start(ctx, "outbox.mark_failed")
	defer span.End()

	table := quoteIdentifierPath(store.tableName)

	err := store.withTx(ctx, func(tx *sql.Tx) error {
		status, attempts, err := store.lockEntry(ctx, tx, eventID)
		if err != nil {
			return err
		}

		if status == outbox.StatusSent || status == outbox.StatusRejected {
			return nil
		}

		attempts++
		nextAttemptAt := time.Now().UTC().Add(store.retryBackoff.Delay(attempts - 1))

		query := "UPDATE " + table +
			" SET status = $1, attempts = $2, last_error = $3, claimed_until = NULL, next_attempt_at = $4" +
			" WHERE event_id = $5"

		if _, err := tx.ExecContext(ctx, query,
			outbox.StatusFailed.String(),
			attempts,
			outbox.BoundErrorMessage(errMsg),
			nextAttemptAt,
			eventID,
		); err != nil {
			return fmt.Errorf("executing update: %w", err)
		}

		return nil
	})
	if err != nil {
		store.logError(span, "failed to mark outbox entry failed", err)

		return fmt.Errorf("marking failed: %w", err)
	}

	return nil
}

// MarkRejected freezes an entry after a permanent broker rejection.
func (store *Store) MarkRejected(ctx context.Context, eventID uuid.UUID, errMsg string) error {
	if eventID == uuid.Nil {
		return outbox.ErrEventIDRequired
	}

	ctx, span := store.tracer.Start(ctx, "outbox.mark_rejected")
	defer span.End()

	table := quoteIdentifierPath(store.tableName)

	err := store.withTx(ctx, func(tx *sql.Tx) error {
		status, attempts, err := store.lockEntry(ctx, tx, eventID)
		if err != nil {
			return err
		}

		if status == outbox.StatusSent || status == outbox.StatusRejected {
			return nil
		}

		query := "UPDATE " + table +
			" SET status = $1, attempts = $2, last_error = $3, claimed_until = NULL, next_attempt_at = NULL" +
			" WHERE event_id = $4"

		if _, err := tx.ExecContext(ctx, query,
			outbox.StatusRejected.String(),
			attempts+1,
			outbox.BoundErrorMessage(errMsg),
			eventID,
		); err != nil {
			return fmt.Errorf("executing update: %w", err)
		}

		return nil
	})
	if err != nil {
		store.logError(span, "failed to mark outbox entry rejected", err)

		return fmt.Errorf("marking rejected: %w", err)
	}

	return nil
}

// GetByEventID loads one entry for inspection.
func (store *Store) GetByEventID(ctx context.Context, eventID uuid.UUID) (*outbox.Entry, error) {
	if eventID == uuid.Nil {
		return nil, outbox.ErrEventIDRequired
	}

	ctx, span := store.tracer.Start(ctx, "outbox.get_by_event_id")
	defer span.End()

	table := quoteIdentifierPath(store.tableName)
	query := "SELECT " + entryColumns + " FROM " + table + " WHERE event_id = $1"

	entry, err := scanEntry(store.db.QueryRowContext(ctx, query, eventID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, outbox.ErrEntryNotFound
		}

		store.logError(span, "failed to get outbox entry", err)

		return nil, fmt.Errorf("getting outbox entry: %w", err)
	}

	return entry, nil
}

// lockEntry reads status and attempts under a row lock so the subsequent
// state update cannot race another marker.
func (store *Store) lockEntry(ctx context.Context, tx *sql.Tx, eventID uuid.UUID) (outbox.Status, int, error) {
	table := quoteIdentifierPath(store.tableName)
	query := "SELECT status, attempts FROM " + table + " WHERE event_id = $1 FOR UPDATE"

	var (
		rawStatus string
		attempts  int
	)

	if err := tx.QueryRowContext(ctx, query, eventID).Scan(&rawStatus, &attempts); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", 0, outbox.ErrEntryNotFound
		}

		return "", 0, fmt.Errorf("locking entry: %w", err)
	}

	status, err := outbox.ParseStatus(rawStatus)
	if err != nil {
		return "", 0, err
	}

	return status, attempts, nil
}

func (store *Store) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	txCtx := ctx

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc

		txCtx, cancel = context.WithTimeout(ctx, store.txTimeout)
		defer cancel()
	}

	tx, err := store.db.BeginTx(txCtx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}

	defer func() {
		_ = tx.Rollback()
	}()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}

	return nil
}

func (store *Store) logError(span trace.Span, message string, err error) {
	span.SetStatus(codes.Error, message)
	span.RecordError(err)
	store.logger.Error(message, zap.String("error", outbox.BoundError(err)))
}

func scanEntry(scanner interface{ Scan(dest ...any) error }) (*outbox.Entry, error) {
	var (
		entry         outbox.Entry
		causationID   uuid.NullUUID
		payload       []byte
		rawStatus     string
		lastError     sql.NullString
		sentAt        sql.NullTime
		claimedUntil  sql.NullTime
		nextAttemptAt sql.NullTime
	)

	if err := scanner.Scan(
		&entry.EntryID,
		&entry.Envelope.EventID,
		&entry.Envelope.EventType,
		&entry.Envelope.SchemaVersion,
		&entry.Envelope.AggregateID,
		&entry.Envelope.OccurredAt,
		&entry.Envelope.CorrelationID,
		&causationID,
		&payload,
		&rawStatus,
		&entry.Attempts,
		&lastError,
		&entry.CreatedAt,
		&sentAt,
		&claimedUntil,
		&nextAttemptAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}

		return nil, fmt.Errorf("scanning outbox entry: %w", err)
	}

	status, err := outbox.ParseStatus(rawStatus)
	if err != nil {
		return nil, err
	}

	entry.Status = status
	entry.Envelope.Payload = payload

	if causationID.Valid {
		id := causationID.UUID
		entry.Envelope.CausationID = &id
	}

	if lastError.Valid {
		entry.LastError = lastError.String
	}

	if sentAt.Valid {
		t := sentAt.Time
		entry.SentAt = &t
	}

	if claimedUntil.Valid {
		t := claimedUntil.Time
		entry.ClaimedUntil = &t
	}

	if nextAttemptAt.Valid {
		t := nextAttemptAt.Time
		entry.NextAttemptAt = &t
	}

	return &entry, nil
}

func validateIdentifierPath(path string) error {
	parts := strings.Split(path, ".")
	if len(parts) == 0 {
		return ErrInvalidIdentifier
	}

	for _, part := range parts {
		if err := validateIdentifier(strings.TrimSpace(part)); err != nil {
			return err
		}
	}

	return nil
}

func validateIdentifier(identifier string) error {
	if len(identifier) > maxSQLIdentifierLength || !identifierPattern.MatchString(identifier) {
		return ErrInvalidIdentifier
	}

	return nil
}

func quoteIdentifierPath(path string) string {
	parts := strings.Split(path, ".")
	quoted := make([]string, 0, len(parts))

	for _, part := range parts {
		quoted = append(quoted, quoteIdentifier(strings.TrimSpace(part)))
	}

	return strings.Join(quoted, ".")
}

func quoteIdentifier(identifier string) string {
	identifier = strings.ReplaceAll(identifier, "\x00", "")

	return "\"" + strings.ReplaceAll(identifier, "\"", "\"\"") + "\""
}

var _ outbox.Store = (*Store)(nil)
