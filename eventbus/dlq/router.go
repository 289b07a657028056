package dlq

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/partnerforge/lib-eventbus/eventbus/broker"
	"github.com/partnerforge/lib-eventbus/eventbus/envelope"
	"github.com/partnerforge/lib-eventbus/eventbus/outbox"
)

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithLogger sets the logger. Defaults to a nop logger.
func WithLogger(logger *zap.Logger) RouterOption {
	return func(router *Router) {
		if logger != nil {
			router.logger = logger
		}
	}
}

// WithTopicRouter overrides the event-type to topic mapping used on replay.
// It must match the publisher's mapping or replayed events land on the wrong
// topic.
func WithTopicRouter(topics *broker.Router) RouterOption {
	return func(router *Router) {
		if topics != nil {
			router.topics = topics
		}
	}
}

// Router moves exhausted events into the store and back out again.
type Router struct {
	store  Store
	client broker.Client
	topics *broker.Router
	logger *zap.Logger
}

// NewRouter creates a dead-letter router over a store and a broker client.
func NewRouter(store Store, client broker.Client, opts ...RouterOption) (*Router, error) {
	if store == nil {
		return nil, ErrStoreRequired
	}

	if client == nil {
		return nil, ErrClientRequired
	}

	router := &Router{
		store:  store,
		client: client,
		topics: broker.NewRouter(),
		logger: zap.NewNop(),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(router)
		}
	}

	return router, nil
}

// Route parks an exhausted event. The attempt errors travel with it so the
// operator sees every failure, not just the last one.
func (router *Router) Route(ctx context.Context, env *envelope.Envelope, consumerName, reason string, attemptErrs []string) error {
	if env == nil {
		return ErrEntryRequired
	}

	if strings.TrimSpace(consumerName) == "" {
		return ErrConsumerNameRequired
	}

	bounded := make([]string, 0, len(attemptErrs))
	for _, attemptErr := range attemptErrs {
		bounded = append(bounded, outbox.BoundErrorMessage(attemptErr))
	}

	entry := &Entry{
		EventID:       env.EventID,
		Envelope:      *env,
		ConsumerName:  consumerName,
		FailureReason: outbox.BoundErrorMessage(reason),
		Attempts:      len(attemptErrs),
		AttemptErrors: bounded,
	}

	if err := router.store.Add(ctx, entry); err != nil {
		return fmt.Errorf("storing dead letter: %w", err)
	}

	router.logger.Warn("event dead-lettered",
		zap.String("event_id", env.EventID.String()),
		zap.String("event_type", env.EventType),
		zap.String("consumer", consumerName),
		zap.Int("attempts", entry.Attempts),
		zap.String("reason", entry.FailureReason),
	)

	return nil
}

// Replay re-injects a dead-lettered event on its original topic. The
// consumer's dedupe ledger still guards application, so replaying an event
// that did land after all is a safe no-op downstream.
func (router *Router) Replay(ctx context.Context, eventID uuid.UUID) error {
	if eventID == uuid.Nil {
		return ErrEventIDRequired
	}

	entry, err := router.store.Get(ctx, eventID)
	if err != nil {
		return fmt.Errorf("loading dead letter: %w", err)
	}

	if entry.ReplayedAt != nil {
		return ErrAlreadyReplayed
	}

	topic := router.topics.Route(entry.Envelope.EventType)

	if err := router.client.Send(ctx, topic, &entry.Envelope); err != nil {
		return fmt.Errorf("replaying dead letter: %w", err)
	}

	if err := router.store.MarkReplayed(ctx, eventID); err != nil {
		// The event is back on the broker; only the audit stamp is missing.
		router.logger.Error("replayed but not marked",
			zap.String("event_id", eventID.String()),
			zap.Error(err),
		)

		return fmt.Errorf("marking dead letter replayed: %w", err)
	}

	router.logger.Info("dead letter replayed",
		zap.String("event_id", eventID.String()),
		zap.String("topic", topic),
	)

	return nil
}
