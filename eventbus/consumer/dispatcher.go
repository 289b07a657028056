package consumer

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/partnerforge/lib-eventbus/eventbus/backoff"
	"github.com/partnerforge/lib-eventbus/eventbus/broker"
	"github.com/partnerforge/lib-eventbus/eventbus/dedupe"
	"github.com/partnerforge/lib-eventbus/eventbus/dlq"
	"github.com/partnerforge/lib-eventbus/eventbus/envelope"
)

// errAlreadyApplied signals that a concurrent delivery won the ledger race
// while the handler was running. The transaction is rolled back and the
// message acked as a duplicate.
var errAlreadyApplied = errors.New("event already applied by concurrent delivery")

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithConfig replaces the default configuration. Zero or negative fields
// fall back to their defaults.
func WithConfig(cfg Config) Option {
	return func(dispatcher *Dispatcher) {
		dispatcher.config = cfg
	}
}

// WithLogger sets the logger. Defaults to a nop logger.
func WithLogger(logger *zap.Logger) Option {
	return func(dispatcher *Dispatcher) {
		if logger != nil {
			dispatcher.logger = logger
		}
	}
}

// WithMeterProvider sets the meter provider used for dispatcher metrics.
// Defaults to the global provider.
func WithMeterProvider(provider metric.MeterProvider) Option {
	return func(dispatcher *Dispatcher) {
		dispatcher.meterProvider = provider
	}
}

// Dispatcher receives one subscription's deliveries and applies them
// exactly once. Messages are processed sequentially, which preserves broker
// order within an aggregate.
type Dispatcher struct {
	sub         *Subscription
	client      broker.Client
	uow         UnitOfWork
	ledger      dedupe.Ledger
	deadLetters *dlq.Router
	config      Config
	logger      *zap.Logger
	metrics     dispatcherMetrics

	meterProvider metric.MeterProvider

	// attemptErrors accumulates handler failures per event so the full
	// history travels into the dead-letter entry. Entries are dropped once
	// the event resolves; the map is capped at maxTrackedFailures, evicting
	// the event with the stalest failure when a new one arrives at capacity.
	attemptMu     sync.Mutex
	attemptErrors map[uuid.UUID]*attemptRecord

	stopOnce sync.Once
	stop     chan struct{}
	runWg    sync.WaitGroup
}

// New builds a Dispatcher. The subscription must already carry its handlers;
// an empty one fails construction so the gap surfaces at startup instead of
// at message-processing time.
func New(sub *Subscription, client broker.Client, uow UnitOfWork, ledger dedupe.Ledger, deadLetters *dlq.Router, opts ...Option) (*Dispatcher, error) {
	if sub == nil {
		return nil, ErrSubscriptionRequired
	}

	if len(sub.handlers) == 0 {
		return nil, ErrNoHandlers
	}

	if client == nil {
		return nil, broker.ErrClientRequired
	}

	if uow == nil {
		return nil, ErrUnitOfWorkRequired
	}

	if ledger == nil {
		return nil, ErrLedgerRequired
	}

	if deadLetters == nil {
		return nil, ErrDeadLetterRequired
	}

	dispatcher := &Dispatcher{
		sub:           sub,
		client:        client,
		uow:           uow,
		ledger:        ledger,
		deadLetters:   deadLetters,
		config:        DefaultConfig(),
		logger:        zap.NewNop(),
		attemptErrors: make(map[uuid.UUID]*attemptRecord),
		stop:          make(chan struct{}),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(dispatcher)
		}
	}

	dispatcher.config.normalize()

	metrics, err := newDispatcherMetrics(dispatcher.meterProvider)
	if err != nil {
		return nil, err
	}

	dispatcher.metrics = metrics

	return dispatcher, nil
}

// Run subscribes and processes deliveries until the context is canceled or
// Stop is called.
func (dispatcher *Dispatcher) Run(ctx context.Context) error {
	dispatcher.runWg.Add(1)
	defer dispatcher.runWg.Done()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-dispatcher.stop:
			cancel()
		case <-runCtx.Done():
		}
	}()

	stream, err := dispatcher.client.Subscribe(runCtx, dispatcher.sub.TopicPattern(), dispatcher.sub.ConsumerName())
	if err != nil {
		return fmt.Errorf("subscribing %s to %s: %w", dispatcher.sub.ConsumerName(), dispatcher.sub.TopicPattern(), err)
	}

	defer stream.Close()

	for {
		message, err := stream.Next(runCtx)
		if err != nil {
			if errors.Is(err, broker.ErrStreamClosed) {
				return nil
			}

			if runCtx.Err() != nil {
				// Stop() cancels runCtx without touching the caller's ctx.
				return ctx.Err()
			}

			dispatcher.logger.Warn("stream receive failed",
				zap.String("consumer", dispatcher.sub.ConsumerName()),
				zap.Error(err),
			)

			if waitErr := backoff.Wait(runCtx, dispatcher.config.RedeliveryDelay); waitErr != nil {
				return ctx.Err()
			}

			continue
		}

		dispatcher.process(runCtx, message)
	}
}

// Stop signals Run to exit after the in-flight message. It does not wait.
func (dispatcher *Dispatcher) Stop() {
	dispatcher.stopOnce.Do(func() {
		close(dispatcher.stop)
	})
}

// Shutdown stops the dispatcher and waits for Run to return or the context
// to expire.
func (dispatcher *Dispatcher) Shutdown(ctx context.Context) error {
	dispatcher.Stop()

	done := make(chan struct{})

	go func() {
		dispatcher.runWg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("dispatcher shutdown: %w", ctx.Err())
	}
}

func (dispatcher *Dispatcher) process(ctx context.Context, message *broker.Message) {
	env := message.Envelope

	// The local failure count backs up the broker's delivery counter:
	// transports that only expose a redelivered flag report at most two
	// deliveries, which would otherwise keep retries going forever.
	if message.Deliveries > dispatcher.config.MaxRetries ||
		dispatcher.failureCount(env.EventID) >= dispatcher.config.MaxRetries {
		dispatcher.deadLetter(ctx, message)

		return
	}

	handler, exists := dispatcher.sub.handlerFor(env.EventType)
	if !exists {
		// A wildcard pattern can over-match event types this service does
		// not care about. Those are acked, not errors; a type the service
		// does care about failing here means a missed Handle call.
		dispatcher.logger.Warn("no handler for event type, acking",
			zap.String("consumer", dispatcher.sub.ConsumerName()),
			zap.String("event_type", env.EventType),
			zap.String("event_id", env.EventID.String()),
		)

		dispatcher.ack(message, env.EventID)

		return
	}

	applied, err := dispatcher.ledger.AlreadyApplied(ctx, dispatcher.sub.ConsumerName(), env.EventID)
	if err != nil {
		dispatcher.logger.Warn("dedupe pre-check failed",
			zap.String("event_id", env.EventID.String()),
			zap.Error(err),
		)

		dispatcher.nack(message)

		return
	}

	if applied {
		dispatcher.metrics.duplicatesAcked.Add(ctx, 1)
		dispatcher.ack(message, env.EventID)

		return
	}

	err = dispatcher.apply(ctx, handler, env)

	switch {
	case err == nil:
		dispatcher.metrics.eventsApplied.Add(ctx, 1)
		dispatcher.ack(message, env.EventID)

	case errors.Is(err, ErrSkip):
		dispatcher.ack(message, env.EventID)

	case errors.Is(err, errAlreadyApplied):
		dispatcher.metrics.duplicatesAcked.Add(ctx, 1)
		dispatcher.ack(message, env.EventID)

	default:
		dispatcher.metrics.handlerFailures.Add(ctx, 1)
		dispatcher.recordAttempt(env.EventID, err)

		dispatcher.logger.Warn("handler failed, requesting redelivery",
			zap.String("consumer", dispatcher.sub.ConsumerName()),
			zap.String("event_id", env.EventID.String()),
			zap.String("event_type", env.EventType),
			zap.Int("delivery", message.Deliveries),
			zap.Error(err),
		)

		dispatcher.nack(message)
	}
}

// apply runs the handler and the ledger write inside one transaction. A nil
// return means the handler's effects and the applied record are committed.
func (dispatcher *Dispatcher) apply(ctx context.Context, handler Handler, env *envelope.Envelope) error {
	handlerCtx, cancel := context.WithTimeout(ctx, dispatcher.config.HandlerTimeout)
	defer cancel()

	tx, err := dispatcher.uow.Begin(handlerCtx)
	if err != nil {
		return fmt.Errorf("beginning handler transaction: %w", err)
	}

	defer func() {
		_ = tx.Rollback()
	}()

	if err := invokeHandler(handlerCtx, handler, tx, env); err != nil {
		return err
	}

	// A handler that returned nil after its deadline passed cannot count as
	// success: its writes may be partial and the transaction is doomed.
	if handlerCtx.Err() != nil {
		return fmt.Errorf("handler exceeded timeout: %w", handlerCtx.Err())
	}

	first, err := dispatcher.ledger.TryMarkApplied(handlerCtx, tx, dispatcher.sub.ConsumerName(), env.EventID)
	if err != nil {
		return fmt.Errorf("recording applied event: %w", err)
	}

	if !first {
		return errAlreadyApplied
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing handler transaction: %w", err)
	}

	return nil
}

func invokeHandler(ctx context.Context, handler Handler, tx *sql.Tx, env *envelope.Envelope) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("handler panicked: %v", recovered)
		}
	}()

	return handler(ctx, tx, env)
}

// deadLetter parks an exhausted event and acks it so the broker stops
// redelivering. If parking fails the message is nacked and the next delivery
// tries again.
func (dispatcher *Dispatcher) deadLetter(ctx context.Context, message *broker.Message) {
	env := message.Envelope
	history := dispatcher.takeAttempts(env.EventID)

	if len(history) == 0 {
		// The failures happened in a previous process; only the delivery
		// count survived the restart.
		history = []string{fmt.Sprintf("failure history lost across restart, deliveries=%d", message.Deliveries)}
	}

	err := dispatcher.deadLetters.Route(ctx, env, dispatcher.sub.ConsumerName(), "handler retries exhausted", history)
	if err != nil {
		dispatcher.logger.Error("dead-letter routing failed",
			zap.String("event_id", env.EventID.String()),
			zap.Error(err),
		)

		dispatcher.restoreAttempts(env.EventID, history)
		dispatcher.nack(message)

		return
	}

	dispatcher.metrics.eventsDeadLetter.Add(ctx, 1)

	dispatcher.logger.Warn("event dead-lettered after retry exhaustion",
		zap.String("consumer", dispatcher.sub.ConsumerName()),
		zap.String("event_id", env.EventID.String()),
		zap.Int("deliveries", message.Deliveries),
	)

	if err := message.Ack(); err != nil {
		dispatcher.logger.Warn("ack failed after dead-lettering",
			zap.String("event_id", env.EventID.String()),
			zap.Error(err),
		)
	}
}

func (dispatcher *Dispatcher) ack(message *broker.Message, eventID uuid.UUID) {
	dispatcher.clearAttempts(eventID)

	if err := message.Ack(); err != nil {
		dispatcher.logger.Warn("ack failed",
			zap.String("event_id", eventID.String()),
			zap.Error(err),
		)
	}
}

func (dispatcher *Dispatcher) nack(message *broker.Message) {
	if err := message.Nack(dispatcher.config.RedeliveryDelay); err != nil {
		dispatcher.logger.Warn("nack failed",
			zap.String("event_id", message.Envelope.EventID.String()),
			zap.Error(err),
		)
	}
}

// maxTrackedFailures bounds the failure-history map. Events that fail once
// and never come back, such as a dead-lettering handled by another replica,
// would otherwise pin their history forever.
const maxTrackedFailures = 1024

type attemptRecord struct {
	errors      []string
	lastFailure time.Time
}

func (dispatcher *Dispatcher) recordAttempt(eventID uuid.UUID, err error) {
	dispatcher.attemptMu.Lock()
	defer dispatcher.attemptMu.Unlock()

	record, exists := dispatcher.attemptErrors[eventID]
	if !exists {
		dispatcher.evictStalestLocked()

		record = &attemptRecord{}
		dispatcher.attemptErrors[eventID] = record
	}

	record.errors = append(record.errors, err.Error())
	record.lastFailure = time.Now()
}

// evictStalestLocked makes room for one more tracked event. Callers hold
// attemptMu.
func (dispatcher *Dispatcher) evictStalestLocked() {
	if len(dispatcher.attemptErrors) < maxTrackedFailures {
		return
	}

	var (
		stalest   uuid.UUID
		stalestAt time.Time
		found     bool
	)

	for eventID, record := range dispatcher.attemptErrors {
		if !found || record.lastFailure.Before(stalestAt) {
			stalest = eventID
			stalestAt = record.lastFailure
			found = true
		}
	}

	if found {
		delete(dispatcher.attemptErrors, stalest)
	}
}

func (dispatcher *Dispatcher) failureCount(eventID uuid.UUID) int {
	dispatcher.attemptMu.Lock()
	defer dispatcher.attemptMu.Unlock()

	record, exists := dispatcher.attemptErrors[eventID]
	if !exists {
		return 0
	}

	return len(record.errors)
}

func (dispatcher *Dispatcher) takeAttempts(eventID uuid.UUID) []string {
	dispatcher.attemptMu.Lock()
	defer dispatcher.attemptMu.Unlock()

	record, exists := dispatcher.attemptErrors[eventID]
	if !exists {
		return nil
	}

	delete(dispatcher.attemptErrors, eventID)

	return record.errors
}

func (dispatcher *Dispatcher) restoreAttempts(eventID uuid.UUID, history []string) {
	dispatcher.attemptMu.Lock()
	defer dispatcher.attemptMu.Unlock()

	dispatcher.attemptErrors[eventID] = &attemptRecord{errors: history, lastFailure: time.Now()}
}

func (dispatcher *Dispatcher) clearAttempts(eventID uuid.UUID) {
	dispatcher.attemptMu.Lock()
	defer dispatcher.attemptMu.Unlock()

	delete(dispatcher.attemptErrors, eventID)
}
