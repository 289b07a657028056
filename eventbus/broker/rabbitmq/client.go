package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/partnerforge/lib-eventbus/eventbus/broker"
	"github.com/partnerforge/lib-eventbus/eventbus/envelope"
)

const (
	defaultExchangeName    = "events"
	defaultDLXExchangeName = "events.dlx"
	defaultConfirmTimeout  = 5 * time.Second
	defaultPrefetch        = 32

	// confirmBuffer must cover the maximum number of unconfirmed publishes.
	// Publishes are serialized, so one slot would do; the buffer absorbs
	// confirms arriving after a timeout.
	confirmBuffer = 256

	partitionKeyHeader = "x-partition-key"
)

var (
	ErrChannelRequired        = errors.New("rabbitmq channel is required")
	ErrConfirmModeUnavailable = errors.New("channel does not support confirm mode")
)

// Channel is the subset of *amqp.Channel the client uses. It exists so unit
// tests can run against a fake without a live broker.
type Channel interface {
	Confirm(noWait bool) error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	PublishWithContext(
		ctx context.Context,
		exchange, key string,
		mandatory, immediate bool,
		msg amqp.Publishing,
	) error
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Qos(prefetchCount, prefetchSize int, global bool) error
	ConsumeWithContext(
		ctx context.Context,
		queue, consumer string,
		autoAck, exclusive, noLocal, noWait bool,
		args amqp.Table,
	) (<-chan amqp.Delivery, error)
	Close() error
}

// Option configures the AMQP client.
type Option func(*Client)

// WithLogger sets the logger. Defaults to a nop logger.
func WithLogger(logger *zap.Logger) Option {
	return func(client *Client) {
		if logger != nil {
			client.logger = logger
		}
	}
}

// WithExchangeName overrides the topic exchange name.
func WithExchangeName(name string) Option {
	return func(client *Client) {
		if name != "" {
			client.exchangeName = name
		}
	}
}

// WithDLXExchangeName overrides the dead-letter exchange attached to
// consumer queues.
func WithDLXExchangeName(name string) Option {
	return func(client *Client) {
		if name != "" {
			client.dlxExchangeName = name
		}
	}
}

// WithConfirmTimeout bounds the wait for a broker confirm per publish.
func WithConfirmTimeout(timeout time.Duration) Option {
	return func(client *Client) {
		if timeout > 0 {
			client.confirmTimeout = timeout
		}
	}
}

// WithPrefetch sets the consumer prefetch count.
func WithPrefetch(prefetch int) Option {
	return func(client *Client) {
		if prefetch > 0 {
			client.prefetch = prefetch
		}
	}
}

// Client is an AMQP broker.Client.
type Client struct {
	ch              Channel
	confirms        chan amqp.Confirmation
	logger          *zap.Logger
	exchangeName    string
	dlxExchangeName string
	confirmTimeout  time.Duration
	prefetch        int

	// publishMu serializes publishes so each confirm can be matched to the
	// publish that is waiting for it.
	publishMu sync.Mutex
}

// NewClient wraps an open channel, switches it to confirm mode, and declares
// the topic and dead-letter exchanges.
func NewClient(ch Channel, opts ...Option) (*Client, error) {
	if ch == nil {
		return nil, ErrChannelRequired
	}

	client := &Client{
		ch:              ch,
		logger:          zap.NewNop(),
		exchangeName:    defaultExchangeName,
		dlxExchangeName: defaultDLXExchangeName,
		confirmTimeout:  defaultConfirmTimeout,
		prefetch:        defaultPrefetch,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(client)
		}
	}

	if err := ch.Confirm(false); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfirmModeUnavailable, err)
	}

	client.confirms = ch.NotifyPublish(make(chan amqp.Confirmation, confirmBuffer))

	if err := ch.ExchangeDeclare(client.exchangeName, "topic", true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("declaring exchange: %w", classifySendError(err))
	}

	if err := ch.ExchangeDeclare(client.dlxExchangeName, "topic", true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("declaring dead-letter exchange: %w", classifySendError(err))
	}

	return client, nil
}

// Send publishes the envelope to the topic and waits for the broker confirm.
func (client *Client) Send(ctx context.Context, topic string, env *envelope.Envelope) error {
	if strings.TrimSpace(topic) == "" {
		return broker.ErrTopicRequired
	}

	if env == nil {
		return broker.ErrEnvelopeRequired
	}

	body, err := env.Encode()
	if err != nil {
		return fmt.Errorf("%w: %v", broker.ErrRejected, err)
	}

	publishing := amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		MessageId:     env.EventID.String(),
		Type:          env.EventType,
		CorrelationId: env.CorrelationID.String(),
		Timestamp:     env.OccurredAt,
		Headers:       amqp.Table{partitionKeyHeader: env.AggregateID.String()},
		Body:          body,
	}

	client.publishMu.Lock()
	defer client.publishMu.Unlock()

	if err := client.ch.PublishWithContext(ctx, client.exchangeName, topic, false, false, publishing); err != nil {
		return classifySendError(err)
	}

	select {
	case confirmation, open := <-client.confirms:
		if !open {
			return fmt.Errorf("%w: confirm channel closed", broker.ErrUnavailable)
		}

		if !confirmation.Ack {
			return fmt.Errorf("%w: publish nacked by broker", broker.ErrUnavailable)
		}

		return nil
	case <-time.After(client.confirmTimeout):
		return fmt.Errorf("%w: confirm timed out after %s", broker.ErrUnavailable, client.confirmTimeout)
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", broker.ErrUnavailable, ctx.Err())
	}
}

// Subscribe declares a durable queue named after the consumer, binds it to
// the topic exchange, and starts consuming with manual acks.
func (client *Client) Subscribe(ctx context.Context, topicPattern, consumerName string) (broker.Stream, error) {
	if strings.TrimSpace(topicPattern) == "" {
		return nil, broker.ErrTopicRequired
	}

	if strings.TrimSpace(consumerName) == "" {
		return nil, broker.ErrConsumerNameRequired
	}

	// Quorum queues carry x-delivery-count, so redelivery attempts are
	// counted exactly instead of collapsing into a redelivered flag.
	queueArgs := amqp.Table{
		"x-queue-type":           "quorum",
		"x-dead-letter-exchange": client.dlxExchangeName,
	}

	queue, err := client.ch.QueueDeclare(consumerName, true, false, false, false, queueArgs)
	if err != nil {
		return nil, fmt.Errorf("declaring queue: %w", classifySendError(err))
	}

	if err := client.ch.QueueBind(queue.Name, bindingKey(topicPattern), client.exchangeName, false, nil); err != nil {
		return nil, fmt.Errorf("binding queue: %w", classifySendError(err))
	}

	if err := client.ch.Qos(client.prefetch, 0, false); err != nil {
		return nil, fmt.Errorf("setting qos: %w", classifySendError(err))
	}

	deliveries, err := client.ch.ConsumeWithContext(ctx, queue.Name, consumerName, false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("starting consumer: %w", classifySendError(err))
	}

	return &stream{
		deliveries: deliveries,
		logger:     client.logger,
		quit:       make(chan struct{}),
	}, nil
}

// Close closes the underlying channel.
func (client *Client) Close() error {
	return client.ch.Close()
}

// bindingKey converts the portable ">" suffix wildcard to the AMQP topic
// wildcard "#".
func bindingKey(topicPattern string) string {
	if prefix, ok := strings.CutSuffix(topicPattern, ">"); ok {
		return prefix + "#"
	}

	return topicPattern
}

type stream struct {
	deliveries <-chan amqp.Delivery
	logger     *zap.Logger

	closeOnce sync.Once
	quit      chan struct{}
}

// Next returns the next decodable delivery. Messages whose body fails to
// decode are dead-lettered in place and skipped, not surfaced as stream
// errors.
func (sub *stream) Next(ctx context.Context) (*broker.Message, error) {
	for {
		select {
		case delivery, open := <-sub.deliveries:
			if !open {
				return nil, broker.ErrStreamClosed
			}

			env, err := envelope.Decode(delivery.Body)
			if err != nil {
				sub.logger.Warn("dead-lettering undecodable delivery",
					zap.String("message_id", delivery.MessageId),
					zap.Error(err),
				)

				if nackErr := delivery.Nack(false, false); nackErr != nil {
					return nil, fmt.Errorf("%w: %v", broker.ErrUnavailable, nackErr)
				}

				continue
			}

			return broker.NewMessage(env, deliveryCount(delivery),
				func() error { return delivery.Ack(false) },
				func(time.Duration) error {
					// AMQP cannot schedule a delayed redelivery; requeue
					// immediately and let prefetch pace the retry.
					return delivery.Nack(false, true)
				},
			), nil
		case <-sub.quit:
			return nil, broker.ErrStreamClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (sub *stream) Close() error {
	sub.closeOnce.Do(func() {
		close(sub.quit)
	})

	return nil
}

// deliveryCount prefers the quorum-queue delivery counter and falls back to
// the redelivered flag, which only distinguishes first from later attempts.
func deliveryCount(delivery amqp.Delivery) int {
	if raw, ok := delivery.Headers["x-delivery-count"]; ok {
		switch count := raw.(type) {
		case int32:
			return int(count) + 1
		case int64:
			return int(count) + 1
		case int:
			return count + 1
		}
	}

	if delivery.Redelivered {
		return 2
	}

	return 1
}

var _ broker.Client = (*Client)(nil)
