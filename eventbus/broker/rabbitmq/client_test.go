package rabbitmq

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/require"

	"github.com/partnerforge/lib-eventbus/eventbus/broker"
	"github.com/partnerforge/lib-eventbus/eventbus/envelope"
)

type publishedMessage struct {
	exchange string
	key      string
	msg      amqp.Publishing
}

type declaredQueue struct {
	name string
	args amqp.Table
}

type queueBinding struct {
	queue    string
	key      string
	exchange string
}

type fakeChannel struct {
	mu sync.Mutex

	confirmErr  error
	confirms    chan amqp.Confirmation
	autoConfirm bool
	confirmAck  bool

	published  []publishedMessage
	publishErr error

	exchanges  []string
	queues     []declaredQueue
	bindings   []queueBinding
	prefetch   int
	deliveries chan amqp.Delivery
	consumeErr error

	closed bool
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{
		autoConfirm: true,
		confirmAck:  true,
		deliveries:  make(chan amqp.Delivery, 16),
	}
}

func (ch *fakeChannel) Confirm(bool) error {
	return ch.confirmErr
}

func (ch *fakeChannel) NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation {
	ch.confirms = confirm

	return confirm
}

func (ch *fakeChannel) PublishWithContext(
	_ context.Context,
	exchange, key string,
	_, _ bool,
	msg amqp.Publishing,
) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	if ch.publishErr != nil {
		return ch.publishErr
	}

	ch.published = append(ch.published, publishedMessage{exchange: exchange, key: key, msg: msg})

	if ch.autoConfirm {
		ch.confirms <- amqp.Confirmation{DeliveryTag: uint64(len(ch.published)), Ack: ch.confirmAck}
	}

	return nil
}

func (ch *fakeChannel) ExchangeDeclare(name, _ string, _, _, _, _ bool, _ amqp.Table) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	ch.exchanges = append(ch.exchanges, name)

	return nil
}

func (ch *fakeChannel) QueueDeclare(
	name string,
	_, _, _, _ bool,
	args amqp.Table,
) (amqp.Queue, error) {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	ch.queues = append(ch.queues, declaredQueue{name: name, args: args})

	return amqp.Queue{Name: name}, nil
}

func (ch *fakeChannel) QueueBind(name, key, exchange string, _ bool, _ amqp.Table) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	ch.bindings = append(ch.bindings, queueBinding{queue: name, key: key, exchange: exchange})

	return nil
}

func (ch *fakeChannel) Qos(prefetchCount, _ int, _ bool) error {
	ch.prefetch = prefetchCount

	return nil
}

func (ch *fakeChannel) ConsumeWithContext(
	context.Context,
	string, string,
	bool, bool, bool, bool,
	amqp.Table,
) (<-chan amqp.Delivery, error) {
	if ch.consumeErr != nil {
		return nil, ch.consumeErr
	}

	return ch.deliveries, nil
}

func (ch *fakeChannel) Close() error {
	ch.closed = true

	return nil
}

type fakeAcker struct {
	mu      sync.Mutex
	acks    int
	nacks   int
	requeue bool
}

func (acker *fakeAcker) Ack(uint64, bool) error {
	acker.mu.Lock()
	defer acker.mu.Unlock()

	acker.acks++

	return nil
}

func (acker *fakeAcker) Nack(_ uint64, _ bool, requeue bool) error {
	acker.mu.Lock()
	defer acker.mu.Unlock()

	acker.nacks++
	acker.requeue = requeue

	return nil
}

func (acker *fakeAcker) Reject(uint64, bool) error {
	return nil
}

func testEnvelope(t *testing.T) *envelope.Envelope {
	t.Helper()

	registry := envelope.NewRegistry()
	require.NoError(t, registry.Register("partner.registered", 1, envelope.MustSchema(
		envelope.Field{Name: "partner_id", Type: envelope.TypeString},
	)))

	env, err := envelope.New(registry, "partner.registered", uuid.New(), []byte(`{"partner_id":"p-1"}`))
	require.NoError(t, err)

	return env
}

func TestNewClientValidation(t *testing.T) {
	t.Parallel()

	_, err := NewClient(nil)
	require.ErrorIs(t, err, ErrChannelRequired)

	ch := newFakeChannel()
	ch.confirmErr = errors.New("confirms not supported")

	_, err = NewClient(ch)
	require.ErrorIs(t, err, ErrConfirmModeUnavailable)
}

func TestNewClientDeclaresExchanges(t *testing.T) {
	t.Parallel()

	ch := newFakeChannel()

	_, err := NewClient(ch)
	require.NoError(t, err)
	require.Equal(t, []string{"events", "events.dlx"}, ch.exchanges)
}

func TestSendPublishesAndWaitsForConfirm(t *testing.T) {
	t.Parallel()

	ch := newFakeChannel()

	client, err := NewClient(ch)
	require.NoError(t, err)

	env := testEnvelope(t)
	require.NoError(t, client.Send(context.Background(), "events.partner.registered", env))

	require.Len(t, ch.published, 1)
	published := ch.published[0]
	require.Equal(t, "events", published.exchange)
	require.Equal(t, "events.partner.registered", published.key)
	require.Equal(t, env.EventID.String(), published.msg.MessageId)
	require.Equal(t, env.EventType, published.msg.Type)
	require.Equal(t, env.AggregateID.String(), published.msg.Headers[partitionKeyHeader])
	require.Equal(t, uint8(amqp.Persistent), published.msg.DeliveryMode)

	decoded, err := envelope.Decode(published.msg.Body)
	require.NoError(t, err)
	require.Equal(t, env.EventID, decoded.EventID)
}

func TestSendNackedConfirmIsUnavailable(t *testing.T) {
	t.Parallel()

	ch := newFakeChannel()
	ch.confirmAck = false

	client, err := NewClient(ch)
	require.NoError(t, err)

	err = client.Send(context.Background(), "events.partner.registered", testEnvelope(t))
	require.ErrorIs(t, err, broker.ErrUnavailable)
}

func TestSendConfirmTimeout(t *testing.T) {
	t.Parallel()

	ch := newFakeChannel()
	ch.autoConfirm = false

	client, err := NewClient(ch, WithConfirmTimeout(20*time.Millisecond))
	require.NoError(t, err)

	err = client.Send(context.Background(), "events.partner.registered", testEnvelope(t))
	require.ErrorIs(t, err, broker.ErrUnavailable)
}

func TestSendClassifiesPublishErrors(t *testing.T) {
	t.Parallel()

	ch := newFakeChannel()

	client, err := NewClient(ch)
	require.NoError(t, err)

	ch.publishErr = &amqp.Error{Code: amqp.NotFound, Reason: "no exchange"}
	err = client.Send(context.Background(), "events.partner.registered", testEnvelope(t))
	require.ErrorIs(t, err, broker.ErrRejected)

	ch.publishErr = &amqp.Error{Code: amqp.AccessRefused, Reason: "denied"}
	err = client.Send(context.Background(), "events.partner.registered", testEnvelope(t))
	require.ErrorIs(t, err, broker.ErrRejected)

	ch.publishErr = &amqp.Error{Code: amqp.ChannelError, Reason: "channel gone"}
	err = client.Send(context.Background(), "events.partner.registered", testEnvelope(t))
	require.ErrorIs(t, err, broker.ErrUnavailable)

	ch.publishErr = errors.New("connection reset")
	err = client.Send(context.Background(), "events.partner.registered", testEnvelope(t))
	require.ErrorIs(t, err, broker.ErrUnavailable)
}

func TestSendValidation(t *testing.T) {
	t.Parallel()

	client, err := NewClient(newFakeChannel())
	require.NoError(t, err)

	require.ErrorIs(t, client.Send(context.Background(), " ", testEnvelope(t)), broker.ErrTopicRequired)
	require.ErrorIs(t, client.Send(context.Background(), "events.x", nil), broker.ErrEnvelopeRequired)
}

func TestSubscribeDeclaresDeadLetteredQuorumQueue(t *testing.T) {
	t.Parallel()

	ch := newFakeChannel()

	client, err := NewClient(ch, WithPrefetch(8))
	require.NoError(t, err)

	_, err = client.Subscribe(context.Background(), "events.>", "billing-service")
	require.NoError(t, err)

	require.Len(t, ch.queues, 1)
	require.Equal(t, "billing-service", ch.queues[0].name)
	require.Equal(t, "quorum", ch.queues[0].args["x-queue-type"])
	require.Equal(t, "events.dlx", ch.queues[0].args["x-dead-letter-exchange"])

	require.Len(t, ch.bindings, 1)
	require.Equal(t, "events.#", ch.bindings[0].key)
	require.Equal(t, "events", ch.bindings[0].exchange)

	require.Equal(t, 8, ch.prefetch)
}

func TestStreamNextDecodesAndAcks(t *testing.T) {
	t.Parallel()

	ch := newFakeChannel()

	client, err := NewClient(ch)
	require.NoError(t, err)

	sub, err := client.Subscribe(context.Background(), "events.>", "billing-service")
	require.NoError(t, err)

	env := testEnvelope(t)
	body, err := env.Encode()
	require.NoError(t, err)

	acker := &fakeAcker{}
	ch.deliveries <- amqp.Delivery{Acknowledger: acker, DeliveryTag: 1, Body: body, Redelivered: true}

	message, err := sub.Next(context.Background())
	require.NoError(t, err)
	require.Equal(t, env.EventID, message.Envelope.EventID)
	require.Equal(t, 2, message.Deliveries)

	require.NoError(t, message.Ack())
	require.Equal(t, 1, acker.acks)
}

func TestStreamNextSkipsUndecodableDeliveries(t *testing.T) {
	t.Parallel()

	ch := newFakeChannel()

	client, err := NewClient(ch)
	require.NoError(t, err)

	sub, err := client.Subscribe(context.Background(), "events.>", "billing-service")
	require.NoError(t, err)

	poisonAcker := &fakeAcker{}
	ch.deliveries <- amqp.Delivery{Acknowledger: poisonAcker, DeliveryTag: 1, Body: []byte("not json")}

	env := testEnvelope(t)
	body, err := env.Encode()
	require.NoError(t, err)

	goodAcker := &fakeAcker{}
	ch.deliveries <- amqp.Delivery{Acknowledger: goodAcker, DeliveryTag: 2, Body: body}

	message, err := sub.Next(context.Background())
	require.NoError(t, err)
	require.Equal(t, env.EventID, message.Envelope.EventID)

	// The poison message went to the DLX, not back onto the queue.
	require.Equal(t, 1, poisonAcker.nacks)
	require.False(t, poisonAcker.requeue)
}

func TestStreamNackRequeues(t *testing.T) {
	t.Parallel()

	ch := newFakeChannel()

	client, err := NewClient(ch)
	require.NoError(t, err)

	sub, err := client.Subscribe(context.Background(), "events.>", "billing-service")
	require.NoError(t, err)

	env := testEnvelope(t)
	body, err := env.Encode()
	require.NoError(t, err)

	acker := &fakeAcker{}
	ch.deliveries <- amqp.Delivery{Acknowledger: acker, DeliveryTag: 1, Body: body}

	message, err := sub.Next(context.Background())
	require.NoError(t, err)

	require.NoError(t, message.Nack(time.Second))
	require.Equal(t, 1, acker.nacks)
	require.True(t, acker.requeue)
}

func TestDeliveryCount(t *testing.T) {
	t.Parallel()

	require.Equal(t, 1, deliveryCount(amqp.Delivery{}))
	require.Equal(t, 2, deliveryCount(amqp.Delivery{Redelivered: true}))
	require.Equal(t, 4, deliveryCount(amqp.Delivery{
		Headers: amqp.Table{"x-delivery-count": int64(3)},
	}))
}

func TestBindingKey(t *testing.T) {
	t.Parallel()

	require.Equal(t, "events.#", bindingKey("events.>"))
	require.Equal(t, "events.partner.registered", bindingKey("events.partner.registered"))
}
