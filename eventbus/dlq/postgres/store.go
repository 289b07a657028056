// Package postgres implements the dead-letter store on PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/partnerforge/lib-eventbus/eventbus/dlq"
)

const (
	maxSQLIdentifierLength = 63

	defaultTableName = "dlq_entries"
)

var (
	ErrConnectionRequired = errors.New("postgres connection is required")
	ErrInvalidIdentifier  = errors.New("invalid sql identifier")

	identifierPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

	entryColumns = "event_id, event_type, schema_version, aggregate_id, occurred_at, " +
		"correlation_id, causation_id, payload, consumer_name, failure_reason, " +
		"attempts, attempt_errors, dead_lettered_at, replayed_at"
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

// WithTableName overrides the dead-letter table name.
func WithTableName(tableName string) Option {
	return func(store *Store) {
		store.tableName = tableName
	}
}

// Store is a PostgreSQL dlq.Store.
type Store struct {
	db        *sql.DB
	logger    *zap.Logger
	tracer    trace.Tracer
	tableName string
}

// NewStore creates a PostgreSQL dead-letter store on an open database handle.
func NewStore(db *sql.DB, opts ...Option) (*Store, error) {
	if db == nil {
		return nil, ErrConnectionRequired
	}

	store := &Store{
		db:        db,
		logger:    zap.NewNop(),
		tracer:    otel.Tracer("github.com/partnerforge/lib-eventbus/eventbus/dlq/postgres"),
		tableName: defaultTableName,
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

// Add persists the entry. ON CONFLICT DO NOTHING absorbs the redelivery race
// where two deliveries of the same event both exhaust their retries.
func (store *Store) Add(ctx context.Context, entry *dlq.Entry) error {
	if entry == nil {
		return dlq.ErrEntryRequired
	}

	if entry.EventID == uuid.Nil {
		return dlq.ErrEventIDRequired
	}

	if strings.TrimSpace(entry.ConsumerName) == "" {
		return dlq.ErrConsumerNameRequired
	}

	ctx, span := store.tracer.Start(ctx, "dlq.add")
	defer span.End()

	attemptErrors, err := json.Marshal(entry.AttemptErrors)
	if err != nil {
		return fmt.Errorf("encoding attempt errors: %w", err)
	}

	deadLetteredAt := entry.DeadLetteredAt
	if deadLetteredAt.IsZero() {
		deadLetteredAt = time.Now().UTC()
	}

	causationID := uuid.NullUUID{}
	if entry.Envelope.CausationID != nil {
		causationID = uuid.NullUUID{UUID: *entry.Envelope.CausationID, Valid: true}
	}

	query := "INSERT INTO " + quoteIdentifierPath(store.tableName) +
		" (" + entryColumns + ")" +
		" VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, NULL)" +
		" ON CONFLICT (event_id) DO NOTHING"

	if _, err := store.db.ExecContext(ctx, query,
		entry.EventID,
		entry.Envelope.EventType,
		entry.Envelope.SchemaVersion,
		entry.Envelope.AggregateID,
		entry.Envelope.OccurredAt,
		entry.Envelope.CorrelationID,
		causationID,
		[]byte(entry.Envelope.Payload),
		entry.ConsumerName,
		entry.FailureReason,
		entry.Attempts,
		attemptErrors,
		deadLetteredAt,
	); err != nil {
		store.logError(span, "failed to add dlq entry", err)

		return fmt.Errorf("adding dlq entry: %w", err)
	}

	entry.DeadLetteredAt = deadLetteredAt

	return nil
}

// Get loads one entry.
func (store *Store) Get(ctx context.Context, eventID uuid.UUID) (*dlq.Entry, error) {
	if eventID == uuid.Nil {
		return nil, dlq.ErrEventIDRequired
	}

	ctx, span := store.tracer.Start(ctx, "dlq.get")
	defer span.End()

	query := "SELECT " + entryColumns + " FROM " + quoteIdentifierPath(store.tableName) +
		" WHERE event_id = $1"

	entry, err := scanEntry(store.db.QueryRowContext(ctx, query, eventID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, dlq.ErrEntryNotFound
		}

		store.logError(span, "failed to get dlq entry", err)

		return nil, fmt.Errorf("getting dlq entry: %w", err)
	}

	return entry, nil
}

// List returns up to limit entries, most recently dead-lettered first.
func (store *Store) List(ctx context.Context, limit int) ([]*dlq.Entry, error) {
	if limit <= 0 {
		return nil, dlq.ErrLimitNotPositive
	}

	ctx, span := store.tracer.Start(ctx, "dlq.list")
	defer span.End()

	query := "SELECT " + entryColumns + " FROM " + quoteIdentifierPath(store.tableName) +
		" ORDER BY dead_lettered_at DESC LIMIT $1"

	rows, err := store.db.QueryContext(ctx, query, limit)
	if err != nil {
		store.logError(span, "failed to list dlq entries", err)

		return nil, fmt.Errorf("listing dlq entries: %w", err)
	}

	defer rows.Close()

	entries := make([]*dlq.Entry, 0, limit)

	for rows.Next() {
		entry, scanErr := scanEntry(rows)
		if scanErr != nil {
			return nil, scanErr
		}

		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating dlq entries: %w", err)
	}

	return entries, nil
}

// MarkReplayed stamps the entry as replayed.
func (store *Store) MarkReplayed(ctx context.Context, eventID uuid.UUID) error {
	if eventID == uuid.Nil {
		return dlq.ErrEventIDRequired
	}

	ctx, span := store.tracer.Start(ctx, "dlq.mark_replayed")
	defer span.End()

	query := "UPDATE " + quoteIdentifierPath(store.tableName) +
		" SET replayed_at = $1 WHERE event_id = $2"

	result, err := store.db.ExecContext(ctx, query, time.Now().UTC(), eventID)
	if err != nil {
		store.logError(span, "failed to mark dlq entry replayed", err)

		return fmt.Errorf("marking dlq entry replayed: %w", err)
	}

	updated, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("reading rows affected: %w", err)
	}

	if updated == 0 {
		return dlq.ErrEntryNotFound
	}

	return nil
}

func (store *Store) logError(span trace.Span, message string, err error) {
	span.SetStatus(codes.Error, message)
	span.RecordError(err)
	store.logger.Error(message, zap.Error(err))
}

func scanEntry(scanner interface{ Scan(dest ...any) error }) (*dlq.Entry, error) {
	var (
		entry         dlq.Entry
		causationID   uuid.NullUUID
		payload       []byte
		attemptErrors []byte
		replayedAt    sql.NullTime
	)

	if err := scanner.Scan(
		&entry.EventID,
		&entry.Envelope.EventType,
		&entry.Envelope.SchemaVersion,
		&entry.Envelope.AggregateID,
		&entry.Envelope.OccurredAt,
		&entry.Envelope.CorrelationID,
		&causationID,
		&payload,
		&entry.ConsumerName,
		&entry.FailureReason,
		&entry.Attempts,
		&attemptErrors,
		&entry.DeadLetteredAt,
		&replayedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}

		return nil, fmt.Errorf("scanning dlq entry: %w", err)
	}

	entry.Envelope.EventID = entry.EventID
	entry.Envelope.Payload = payload

	if causationID.Valid {
		id := causationID.UUID
		entry.Envelope.CausationID = &id
	}

	if len(attemptErrors) > 0 {
		if err := json.Unmarshal(attemptErrors, &entry.AttemptErrors); err != nil {
			return nil, fmt.Errorf("decoding attempt errors: %w", err)
		}
	}

	if replayedAt.Valid {
		t := replayedAt.Time
		entry.ReplayedAt = &t
	}

	return &entry, nil
}

func validateIdentifierPath(path string) error {
	for _, part := range strings.Split(path, ".") {
		part = strings.TrimSpace(part)
		if len(part) > maxSQLIdentifierLength || !identifierPattern.MatchString(part) {
			return ErrInvalidIdentifier
		}
	}

	return nil
}

func quoteIdentifierPath(path string) string {
	parts := strings.Split(path, ".")
	quoted := make([]string, 0, len(parts))

	for _, part := range parts {
		part = strings.ReplaceAll(strings.TrimSpace(part), "\x00", "")
		quoted = append(quoted, "\""+strings.ReplaceAll(part, "\"", "\"\"")+"\"")
	}

	return strings.Join(quoted, ".")
}

var _ dlq.Store = (*Store)(nil)
