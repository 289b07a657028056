package consumer

import (
	"context"
	"database/sql"
	"strings"

	"github.com/partnerforge/lib-eventbus/eventbus/broker"
	"github.com/partnerforge/lib-eventbus/eventbus/envelope"
)

// Handler applies one event. It runs inside the transaction the dispatcher
// opened; any business writes must use that handle so they commit atomically
// with the dedupe record.
type Handler func(ctx context.Context, tx *sql.Tx, env *envelope.Envelope) error

// Subscription is a consumer service's static binding of a topic pattern to
// its handlers. Built at startup, immutable once the dispatcher runs.
type Subscription struct {
	topicPattern string
	consumerName string
	handlers     map[string]Handler
}

// NewSubscription creates an empty subscription for a consumer service.
func NewSubscription(topicPattern, consumerName string) (*Subscription, error) {
	if strings.TrimSpace(topicPattern) == "" {
		return nil, broker.ErrTopicRequired
	}

	if strings.TrimSpace(consumerName) == "" {
		return nil, broker.ErrConsumerNameRequired
	}

	return &Subscription{
		topicPattern: topicPattern,
		consumerName: consumerName,
		handlers:     make(map[string]Handler),
	}, nil
}

// Handle registers the handler for an event type. Registering the same type
// twice is a programming error and fails so it surfaces at startup.
func (sub *Subscription) Handle(eventType string, handler Handler) error {
	eventType = strings.TrimSpace(eventType)
	if eventType == "" {
		return ErrEventTypeRequired
	}

	if handler == nil {
		return ErrHandlerRequired
	}

	if _, exists := sub.handlers[eventType]; exists {
		return ErrHandlerExists
	}

	sub.handlers[eventType] = handler

	return nil
}

// TopicPattern returns the broker topic pattern this subscription covers.
func (sub *Subscription) TopicPattern() string {
	return sub.topicPattern
}

// ConsumerName returns the consumer service name, which keys the dedupe
// ledger and the broker-side durable consumer.
func (sub *Subscription) ConsumerName() string {
	return sub.consumerName
}

func (sub *Subscription) handlerFor(eventType string) (Handler, bool) {
	handler, exists := sub.handlers[eventType]

	return handler, exists
}
