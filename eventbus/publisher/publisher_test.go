package publisher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/require"

	"github.com/partnerforge/lib-eventbus/eventbus/broker"
	brokermemory "github.com/partnerforge/lib-eventbus/eventbus/broker/memory"
	"github.com/partnerforge/lib-eventbus/eventbus/envelope"
	"github.com/partnerforge/lib-eventbus/eventbus/outbox"
	outboxmemory "github.com/partnerforge/lib-eventbus/eventbus/outbox/memory"
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

func appendEntry(t *testing.T, store *outboxmemory.Store, env *envelope.Envelope) {
	t.Helper()

	entry, err := outbox.NewEntry(env)
	require.NoError(t, err)
	require.NoError(t, store.Append(context.Background(), nil, entry))
}

// fastConfig keeps in-cycle retry delays out of the test wall clock.
func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.PollInterval = 10 * time.Millisecond
	cfg.PublishBackoffBase = time.Millisecond
	cfg.PublishBackoffCap = 2 * time.Millisecond
	cfg.SendTimeout = time.Second

	return cfg
}

func TestNewValidation(t *testing.T) {
	t.Parallel()

	_, err := New(nil, brokermemory.New())
	require.ErrorIs(t, err, outbox.ErrStoreRequired)

	_, err = New(outboxmemory.NewStore(), nil)
	require.ErrorIs(t, err, broker.ErrClientRequired)
}

func TestPublishOnceDeliversAndMarksSent(t *testing.T) {
	t.Parallel()

	store := outboxmemory.NewStore()
	client := brokermemory.New()

	env := testEnvelope(t)
	appendEntry(t, store, env)

	pub, err := New(store, client, WithConfig(fastConfig()))
	require.NoError(t, err)

	result, err := pub.PublishOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, CycleResult{Claimed: 1, Published: 1}, result)

	delivered := client.SentTo("events.partner.registered")
	require.Len(t, delivered, 1)
	require.Equal(t, env.EventID, delivered[0].EventID)

	entry, err := store.GetByEventID(context.Background(), env.EventID)
	require.NoError(t, err)
	require.Equal(t, outbox.StatusSent, entry.Status)
	require.NotNil(t, entry.SentAt)
}

func TestPublishOnceMarksFailedOnTransientError(t *testing.T) {
	t.Parallel()

	store := outboxmemory.NewStore()
	client := brokermemory.New()
	client.FailSendsWith(broker.ErrUnavailable)

	env := testEnvelope(t)
	appendEntry(t, store, env)

	pub, err := New(store, client, WithConfig(fastConfig()))
	require.NoError(t, err)

	result, err := pub.PublishOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, CycleResult{Claimed: 1, Failed: 1}, result)

	entry, err := store.GetByEventID(context.Background(), env.EventID)
	require.NoError(t, err)
	require.Equal(t, outbox.StatusFailed, entry.Status)
	require.Equal(t, 1, entry.Attempts)
	require.NotEmpty(t, entry.LastError)
	require.NotNil(t, entry.NextAttemptAt)
}

func TestPublishOnceMarksRejectedWithoutRetrying(t *testing.T) {
	t.Parallel()

	store := outboxmemory.NewStore()
	client := brokermemory.New()
	client.FailSendsWith(broker.ErrRejected)

	env := testEnvelope(t)
	appendEntry(t, store, env)

	pub, err := New(store, client, WithConfig(fastConfig()))
	require.NoError(t, err)

	result, err := pub.PublishOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, CycleResult{Claimed: 1, Rejected: 1}, result)

	entry, err := store.GetByEventID(context.Background(), env.EventID)
	require.NoError(t, err)
	require.Equal(t, outbox.StatusRejected, entry.Status)

	// A rejected entry never becomes claimable again.
	later, err := pub.PublishOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, CycleResult{}, later)
}

func TestOpenBreakerStopsCycleAndLeavesEntriesClaimed(t *testing.T) {
	t.Parallel()

	current := time.Now().UTC()

	var clockMu sync.Mutex

	store := outboxmemory.NewStore(
		outboxmemory.WithClaimTTL(time.Minute),
		outboxmemory.WithClock(func() time.Time {
			clockMu.Lock()
			defer clockMu.Unlock()

			return current
		}),
	)

	client := brokermemory.New()
	client.FailSendsWith(broker.ErrUnavailable)

	first := testEnvelope(t)
	second := testEnvelope(t)
	appendEntry(t, store, first)
	appendEntry(t, store, second)

	cfg := fastConfig()
	cfg.MaxPublishAttempts = 1

	pub, err := New(store, client,
		WithConfig(cfg),
		WithBreakerSettings(gobreaker.Settings{
			Name: "test",
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 1
			},
		}),
	)
	require.NoError(t, err)

	result, err := pub.PublishOnce(context.Background())
	require.ErrorIs(t, err, errBreakerOpen)
	require.Equal(t, CycleResult{Claimed: 2, Failed: 1}, result)

	// The first entry burned the breaker and was marked failed; the second
	// was never attempted and stays claimed until the TTL expires.
	entry, err := store.GetByEventID(context.Background(), second.EventID)
	require.NoError(t, err)
	require.Equal(t, outbox.StatusClaimed, entry.Status)

	clockMu.Lock()
	current = current.Add(2 * time.Minute)
	clockMu.Unlock()

	claimed, err := store.ClaimBatch(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, claimed, 2)
}

// markSentOnce fails the first MarkSent to simulate a crash between the
// broker send and the outcome write.
type markSentOnce struct {
	outbox.Store

	mu     sync.Mutex
	failed bool
}

func (store *markSentOnce) MarkSent(ctx context.Context, eventID uuid.UUID) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	if !store.failed {
		store.failed = true

		return errors.New("connection reset before commit")
	}

	return store.Store.MarkSent(ctx, eventID)
}

func TestRedeliveryAfterLostMarkSent(t *testing.T) {
	t.Parallel()

	current := time.Now().UTC()

	var clockMu sync.Mutex

	inner := outboxmemory.NewStore(
		outboxmemory.WithClaimTTL(time.Minute),
		outboxmemory.WithClock(func() time.Time {
			clockMu.Lock()
			defer clockMu.Unlock()

			return current
		}),
	)
	store := &markSentOnce{Store: inner}
	client := brokermemory.New()

	env := testEnvelope(t)
	appendEntry(t, inner, env)

	pub, err := New(store, client, WithConfig(fastConfig()))
	require.NoError(t, err)

	_, err = pub.PublishOnce(context.Background())
	require.Error(t, err)
	require.Len(t, client.SentTo("events.partner.registered"), 1)

	// Entry stayed claimed; nothing to do until the claim expires.
	idle, err := pub.PublishOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, CycleResult{}, idle)

	clockMu.Lock()
	current = current.Add(2 * time.Minute)
	clockMu.Unlock()

	result, err := pub.PublishOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, CycleResult{Claimed: 1, Published: 1}, result)

	// The same event went out twice, which at-least-once delivery permits.
	require.Len(t, client.SentTo("events.partner.registered"), 2)

	entry, err := inner.GetByEventID(context.Background(), env.EventID)
	require.NoError(t, err)
	require.Equal(t, outbox.StatusSent, entry.Status)
}

func TestCustomRouterPrefix(t *testing.T) {
	t.Parallel()

	store := outboxmemory.NewStore()
	client := brokermemory.New()

	env := testEnvelope(t)
	appendEntry(t, store, env)

	pub, err := New(store, client,
		WithConfig(fastConfig()),
		WithRouter(broker.NewRouter(broker.WithTopicPrefix("partnerforge."))),
	)
	require.NoError(t, err)

	_, err = pub.PublishOnce(context.Background())
	require.NoError(t, err)
	require.Len(t, client.SentTo("partnerforge.partner.registered"), 1)
}

func TestRunPublishesUntilShutdown(t *testing.T) {
	t.Parallel()

	store := outboxmemory.NewStore()
	client := brokermemory.New()

	env := testEnvelope(t)
	appendEntry(t, store, env)

	pub, err := New(store, client, WithConfig(fastConfig()))
	require.NoError(t, err)

	done := make(chan error, 1)

	go func() {
		done <- pub.Run(context.Background())
	}()

	require.Eventually(t, func() bool {
		entry, getErr := store.GetByEventID(context.Background(), env.EventID)

		return getErr == nil && entry.Status == outbox.StatusSent
	}, 5*time.Second, 10*time.Millisecond)

	// Entries appended while the loop runs get picked up on a later tick.
	late := testEnvelope(t)
	appendEntry(t, store, late)

	require.Eventually(t, func() bool {
		entry, getErr := store.GetByEventID(context.Background(), late.EventID)

		return getErr == nil && entry.Status == outbox.StatusSent
	}, 5*time.Second, 10*time.Millisecond)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, pub.Shutdown(shutdownCtx))

	select {
	case runErr := <-done:
		require.NoError(t, runErr)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after Shutdown")
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	t.Parallel()

	pub, err := New(outboxmemory.NewStore(), brokermemory.New(), WithConfig(fastConfig()))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.ErrorIs(t, pub.Run(ctx), context.Canceled)
}
