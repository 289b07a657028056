// Package postgres implements the dedupe ledger on PostgreSQL.
//
// The write path is a single INSERT ... ON CONFLICT DO NOTHING on the
// (consumer_name, event_id) primary key, run on the caller's transaction.
// That makes "record the event as applied" and "apply the event" one atomic
// unit, which is the whole exactly-once story.
package postgres

import (
	"context"
	"database/sql"
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

	"github.com/partnerforge/lib-eventbus/eventbus/dedupe"
)

const (
	maxSQLIdentifierLength = 63

	defaultTableName = "dedupe_ledger"
)

var (
	ErrConnectionRequired  = errors.New("postgres connection is required")
	ErrTransactionRequired = errors.New("postgres transaction is required")
	ErrInvalidIdentifier   = errors.New("invalid sql identifier")

	identifierPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)
)

// Option configures the PostgreSQL ledger.
type Option func(*Ledger)

// WithLogger sets the logger. Defaults to a nop logger.
func WithLogger(logger *zap.Logger) Option {
	return func(ledger *Ledger) {
		if logger != nil {
			ledger.logger = logger
		}
	}
}

// WithTableName overrides the ledger table name. Accepts an optional
// schema-qualified path such as "events.dedupe_ledger".
func WithTableName(tableName string) Option {
	return func(ledger *Ledger) {
		ledger.tableName = tableName
	}
}

// Ledger is a PostgreSQL dedupe.Ledger.
type Ledger struct {
	db        *sql.DB
	logger    *zap.Logger
	tracer    trace.Tracer
	tableName string
}

// NewLedger creates a PostgreSQL ledger on an open database handle.
func NewLedger(db *sql.DB, opts ...Option) (*Ledger, error) {
	if db == nil {
		return nil, ErrConnectionRequired
	}

	ledger := &Ledger{
		db:        db,
		logger:    zap.NewNop(),
		tracer:    otel.Tracer("github.com/partnerforge/lib-eventbus/eventbus/dedupe/postgres"),
		tableName: defaultTableName,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(ledger)
		}
	}

	ledger.tableName = strings.TrimSpace(ledger.tableName)
	if ledger.tableName == "" {
		ledger.tableName = defaultTableName
	}

	if err := validateIdentifierPath(ledger.tableName); err != nil {
		return nil, fmt.Errorf("table name: %w", err)
	}

	return ledger, nil
}

// TryMarkApplied records the pair inside the caller's transaction and reports
// whether this call inserted it. The transaction is required here: a ledger
// write that can commit independently of the handler's writes defeats the
// point of having one.
func (ledger *Ledger) TryMarkApplied(ctx context.Context, tx *sql.Tx, consumerName string, eventID uuid.UUID) (bool, error) {
	if tx == nil {
		return false, ErrTransactionRequired
	}

	if strings.TrimSpace(consumerName) == "" {
		return false, dedupe.ErrConsumerNameRequired
	}

	if eventID == uuid.Nil {
		return false, dedupe.ErrEventIDRequired
	}

	ctx, span := ledger.tracer.Start(ctx, "dedupe.try_mark_applied")
	defer span.End()

	query := "INSERT INTO " + quoteIdentifierPath(ledger.tableName) +
		" (consumer_name, event_id, applied_at) VALUES ($1, $2, $3) ON CONFLICT DO NOTHING"

	result, err := tx.ExecContext(ctx, query, consumerName, eventID, time.Now().UTC())
	if err != nil {
		ledger.logError(span, "failed to record applied event", err)

		return false, fmt.Errorf("recording applied event: %w", err)
	}

	inserted, err := result.RowsAffected()
	if err != nil {
		ledger.logError(span, "failed to read rows affected", err)

		return false, fmt.Errorf("reading rows affected: %w", err)
	}

	return inserted == 1, nil
}

// AlreadyApplied reports whether the pair is recorded, without writing.
func (ledger *Ledger) AlreadyApplied(ctx context.Context, consumerName string, eventID uuid.UUID) (bool, error) {
	if strings.TrimSpace(consumerName) == "" {
		return false, dedupe.ErrConsumerNameRequired
	}

	if eventID == uuid.Nil {
		return false, dedupe.ErrEventIDRequired
	}

	ctx, span := ledger.tracer.Start(ctx, "dedupe.already_applied")
	defer span.End()

	query := "SELECT EXISTS (SELECT 1 FROM " + quoteIdentifierPath(ledger.tableName) +
		" WHERE consumer_name = $1 AND event_id = $2)"

	var applied bool

	if err := ledger.db.QueryRowContext(ctx, query, consumerName, eventID).Scan(&applied); err != nil {
		ledger.logError(span, "failed to check applied event", err)

		return false, fmt.Errorf("checking applied event: %w", err)
	}

	return applied, nil
}

// Prune deletes records applied before the cutoff.
func (ledger *Ledger) Prune(ctx context.Context, appliedBefore time.Time) (int64, error) {
	ctx, span := ledger.tracer.Start(ctx, "dedupe.prune")
	defer span.End()

	query := "DELETE FROM " + quoteIdentifierPath(ledger.tableName) + " WHERE applied_at < $1"

	result, err := ledger.db.ExecContext(ctx, query, appliedBefore)
	if err != nil {
		ledger.logError(span, "failed to prune ledger", err)

		return 0, fmt.Errorf("pruning ledger: %w", err)
	}

	pruned, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reading rows affected: %w", err)
	}

	return pruned, nil
}

func (ledger *Ledger) logError(span trace.Span, message string, err error) {
	span.SetStatus(codes.Error, message)
	span.RecordError(err)
	ledger.logger.Error(message, zap.Error(err))
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

var _ dedupe.Ledger = (*Ledger)(nil)
