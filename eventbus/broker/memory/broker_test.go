package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/partnerforge/lib-eventbus/eventbus/broker"
	"github.com/partnerforge/lib-eventbus/eventbus/envelope"
)

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

func TestSendDeliversToMatchingStreams(t *testing.T) {
	t.Parallel()

	b := New()
	ctx := context.Background()

	exact, err := b.Subscribe(ctx, "events.partner.registered", "billing")
	require.NoError(t, err)

	wildcard, err := b.Subscribe(ctx, "events.>", "audit")
	require.NoError(t, err)

	other, err := b.Subscribe(ctx, "events.partner.suspended", "other")
	require.NoError(t, err)

	env := testEnvelope(t)
	require.NoError(t, b.Send(ctx, "events.partner.registered", env))

	for _, sub := range []broker.Stream{exact, wildcard} {
		message, nextErr := sub.Next(ctx)
		require.NoError(t, nextErr)
		require.Equal(t, env.EventID, message.Envelope.EventID)
		require.Equal(t, 1, message.Deliveries)
		require.NoError(t, message.Ack())
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()

	_, err = other.Next(timeoutCtx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	require.Len(t, b.SentTo("events.partner.registered"), 1)
}

func TestSubscribeAfterSendReceivesRetainedEnvelopes(t *testing.T) {
	t.Parallel()

	b := New()
	ctx := context.Background()

	first := testEnvelope(t)
	second := testEnvelope(t)
	require.NoError(t, b.Send(ctx, "events.partner.registered", first))
	require.NoError(t, b.Send(ctx, "events.partner.registered", second))

	sub, err := b.Subscribe(ctx, "events.>", "billing")
	require.NoError(t, err)

	for _, want := range []*envelope.Envelope{first, second} {
		message, nextErr := sub.Next(ctx)
		require.NoError(t, nextErr)
		require.Equal(t, want.EventID, message.Envelope.EventID)
		require.Equal(t, 1, message.Deliveries)
		require.NoError(t, message.Ack())
	}
}

func TestNackRedeliversWithIncrementedCount(t *testing.T) {
	t.Parallel()

	b := New()
	ctx := context.Background()

	sub, err := b.Subscribe(ctx, "events.partner.registered", "billing")
	require.NoError(t, err)

	require.NoError(t, b.Send(ctx, "events.partner.registered", testEnvelope(t)))

	message, err := sub.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, message.Deliveries)
	require.NoError(t, message.Nack(10*time.Millisecond))

	redelivered, err := sub.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, redelivered.Deliveries)
	require.Equal(t, message.Envelope.EventID, redelivered.Envelope.EventID)
}

func TestFailSendsWith(t *testing.T) {
	t.Parallel()

	b := New()
	ctx := context.Background()

	b.FailSendsWith(broker.ErrUnavailable)

	err := b.Send(ctx, "events.partner.registered", testEnvelope(t))
	require.ErrorIs(t, err, broker.ErrUnavailable)
	require.Empty(t, b.SentTo("events.partner.registered"))

	b.FailSendsWith(nil)
	require.NoError(t, b.Send(ctx, "events.partner.registered", testEnvelope(t)))
}

func TestSendValidation(t *testing.T) {
	t.Parallel()

	b := New()
	ctx := context.Background()

	require.ErrorIs(t, b.Send(ctx, "", testEnvelope(t)), broker.ErrTopicRequired)
	require.ErrorIs(t, b.Send(ctx, "events.x", nil), broker.ErrEnvelopeRequired)

	_, err := b.Subscribe(ctx, "", "billing")
	require.ErrorIs(t, err, broker.ErrTopicRequired)

	_, err = b.Subscribe(ctx, "events.x", "")
	require.ErrorIs(t, err, broker.ErrConsumerNameRequired)
}

func TestClosedStreamNextReturnsErrStreamClosed(t *testing.T) {
	t.Parallel()

	b := New()
	ctx := context.Background()

	sub, err := b.Subscribe(ctx, "events.>", "billing")
	require.NoError(t, err)
	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close())

	_, err = sub.Next(ctx)
	require.True(t, errors.Is(err, broker.ErrStreamClosed))
}
