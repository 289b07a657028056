package publisher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/partnerforge/lib-eventbus/eventbus/backoff"
	"github.com/partnerforge/lib-eventbus/eventbus/broker"
	"github.com/partnerforge/lib-eventbus/eventbus/outbox"
)

// errBreakerOpen aborts the remainder of a cycle when the circuit breaker
// refuses sends. Claimed entries are left alone and become claimable again
// once their claim expires.
var errBreakerOpen = errors.New("broker circuit breaker is open")

// CycleResult summarizes a single publish cycle.
type CycleResult struct {
	Claimed   int
	Published int
	Failed    int
	Rejected  int
}

// Option configures a Publisher.
type Option func(*Publisher)

// WithConfig replaces the default configuration. Zero or negative fields
// fall back to their defaults.
func WithConfig(cfg Config) Option {
	return func(pub *Publisher) {
		pub.config = cfg
	}
}

// WithLogger sets the logger. Defaults to a nop logger.
func WithLogger(logger *zap.Logger) Option {
	return func(pub *Publisher) {
		if logger != nil {
			pub.logger = logger
		}
	}
}

// WithRouter overrides the event-type to topic mapping.
func WithRouter(router *broker.Router) Option {
	return func(pub *Publisher) {
		if router != nil {
			pub.router = router
		}
	}
}

// WithMeterProvider sets the meter provider used for publisher metrics.
// Defaults to the global provider.
func WithMeterProvider(provider metric.MeterProvider) Option {
	return func(pub *Publisher) {
		pub.meterProvider = provider
	}
}

// WithBreakerSettings replaces the default circuit breaker settings.
func WithBreakerSettings(settings gobreaker.Settings) Option {
	return func(pub *Publisher) {
		pub.breakerSettings = &settings
	}
}

// Publisher drains the outbox into the broker on a polling loop.
type Publisher struct {
	store   outbox.Store
	client  broker.Client
	router  *broker.Router
	config  Config
	logger  *zap.Logger
	breaker *gobreaker.CircuitBreaker
	metrics publisherMetrics

	meterProvider   metric.MeterProvider
	breakerSettings *gobreaker.Settings

	stopOnce sync.Once
	stop     chan struct{}
	cycleWg  sync.WaitGroup
}

// New builds a Publisher around the given store and broker client.
func New(store outbox.Store, client broker.Client, opts ...Option) (*Publisher, error) {
	if store == nil {
		return nil, outbox.ErrStoreRequired
	}

	if client == nil {
		return nil, broker.ErrClientRequired
	}

	pub := &Publisher{
		store:  store,
		client: client,
		router: broker.NewRouter(),
		config: DefaultConfig(),
		logger: zap.NewNop(),
		stop:   make(chan struct{}),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(pub)
		}
	}

	pub.config.normalize()

	settings := pub.breakerSettings
	if settings == nil {
		settings = &gobreaker.Settings{
			Name: "eventbus-publisher",
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}
	}

	pub.breaker = gobreaker.NewCircuitBreaker(*settings)

	metrics, err := newPublisherMetrics(pub.meterProvider)
	if err != nil {
		return nil, err
	}

	pub.metrics = metrics

	return pub, nil
}

// Run polls the outbox until the context is canceled or Stop is called.
// An initial cycle runs immediately so a fresh process drains its backlog
// without waiting out the first tick.
func (pub *Publisher) Run(ctx context.Context) error {
	pub.runCycle(ctx)

	ticker := time.NewTicker(pub.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-pub.stop:
			return nil
		case <-ticker.C:
			pub.runCycle(ctx)
		}
	}
}

// Stop signals Run to exit after the in-flight cycle. It does not wait.
func (pub *Publisher) Stop() {
	pub.stopOnce.Do(func() {
		close(pub.stop)
	})
}

// Shutdown stops the loop and waits for the in-flight cycle to finish or
// the context to expire.
func (pub *Publisher) Shutdown(ctx context.Context) error {
	pub.Stop()

	done := make(chan struct{})

	go func() {
		pub.cycleWg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("publisher shutdown: %w", ctx.Err())
	}
}

// runCycle wraps PublishOnce with panic recovery so one bad cycle cannot
// take down the loop.
func (pub *Publisher) runCycle(ctx context.Context) {
	pub.cycleWg.Add(1)
	defer pub.cycleWg.Done()

	defer func() {
		if recovered := recover(); recovered != nil {
			pub.logger.Error("publish cycle panicked",
				zap.Any("panic", recovered),
			)
		}
	}()

	result, err := pub.PublishOnce(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		pub.logger.Warn("publish cycle ended early",
			zap.Int("claimed", result.Claimed),
			zap.Int("published", result.Published),
			zap.Error(err),
		)
	}
}

// PublishOnce claims one batch and publishes it. Delivery is at-least-once:
// the broker send happens before MarkSent, so a crash in between redelivers
// after the claim expires.
func (pub *Publisher) PublishOnce(ctx context.Context) (CycleResult, error) {
	started := time.Now()

	var result CycleResult

	defer func() {
		pub.metrics.cycleLatency.Record(ctx, time.Since(started).Seconds())
	}()

	entries, err := pub.store.ClaimBatch(ctx, pub.config.BatchSize)
	if err != nil {
		return result, fmt.Errorf("claiming outbox batch: %w", err)
	}

	result.Claimed = len(entries)
	pub.metrics.batchDepth.Record(ctx, int64(len(entries)))

	for _, entry := range entries {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}

		err := pub.publishEntry(ctx, entry, &result)
		if errors.Is(err, errBreakerOpen) {
			// Remaining entries stay claimed and surface again after the
			// claim TTL. Burning attempts against a dead broker helps no one.
			return result, err
		}

		if err != nil {
			return result, err
		}
	}

	return result, nil
}

func (pub *Publisher) publishEntry(ctx context.Context, entry *outbox.Entry, result *CycleResult) error {
	topic := pub.router.Route(entry.Envelope.EventType)

	sendErr := pub.publishWithRetry(ctx, topic, entry)

	switch {
	case sendErr == nil:
		if err := pub.store.MarkSent(ctx, entry.Envelope.EventID); err != nil {
			// The event is on the broker but the outbox still says CLAIMED.
			// The entry will be republished after the claim expires, which
			// at-least-once delivery permits.
			pub.logger.Error("entry published but outcome not persisted",
				zap.String("event_id", entry.Envelope.EventID.String()),
				zap.String("topic", topic),
				zap.Error(err),
			)

			return fmt.Errorf("marking entry sent: %w", err)
		}

		result.Published++
		pub.metrics.entriesPublished.Add(ctx, 1)

	case errors.Is(sendErr, broker.ErrRejected):
		if err := pub.store.MarkRejected(ctx, entry.Envelope.EventID, sendErr.Error()); err != nil {
			return fmt.Errorf("marking entry rejected: %w", err)
		}

		result.Rejected++
		pub.metrics.entriesRejected.Add(ctx, 1)

		pub.logger.Warn("entry rejected by broker",
			zap.String("event_id", entry.Envelope.EventID.String()),
			zap.String("event_type", entry.Envelope.EventType),
			zap.String("topic", topic),
			zap.Error(sendErr),
		)

	case errors.Is(sendErr, errBreakerOpen):
		return sendErr

	case errors.Is(sendErr, context.Canceled):
		return sendErr

	default:
		if err := pub.store.MarkFailed(ctx, entry.Envelope.EventID, sendErr.Error()); err != nil {
			return fmt.Errorf("marking entry failed: %w", err)
		}

		result.Failed++
		pub.metrics.entriesFailed.Add(ctx, 1)

		pub.logger.Warn("entry publish failed",
			zap.String("event_id", entry.Envelope.EventID.String()),
			zap.String("topic", topic),
			zap.Error(sendErr),
		)
	}

	return nil
}

// publishWithRetry sends one entry with bounded in-cycle retries. Rejected
// sends and an open breaker are returned immediately.
func (pub *Publisher) publishWithRetry(ctx context.Context, topic string, entry *outbox.Entry) error {
	policy := backoff.Policy{
		Base: pub.config.PublishBackoffBase,
		Cap:  pub.config.PublishBackoffCap,
	}

	var lastErr error

	for attempt := 1; attempt <= pub.config.MaxPublishAttempts; attempt++ {
		if attempt > 1 {
			if err := backoff.Wait(ctx, policy.Delay(attempt-1)); err != nil {
				return err
			}
		}

		_, err := pub.breaker.Execute(func() (any, error) {
			sendCtx, cancel := context.WithTimeout(ctx, pub.config.SendTimeout)
			defer cancel()

			return nil, pub.client.Send(sendCtx, topic, &entry.Envelope)
		})
		if err == nil {
			return nil
		}

		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return fmt.Errorf("%w: %v", errBreakerOpen, err)
		}

		if errors.Is(err, broker.ErrRejected) {
			return err
		}

		if ctx.Err() != nil {
			return context.Cause(ctx)
		}

		lastErr = err
	}

	return lastErr
}
