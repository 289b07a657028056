package consumer

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/partnerforge/lib-eventbus/eventbus/broker"
	brokermemory "github.com/partnerforge/lib-eventbus/eventbus/broker/memory"
	dedupememory "github.com/partnerforge/lib-eventbus/eventbus/dedupe/memory"
	"github.com/partnerforge/lib-eventbus/eventbus/dlq"
	dlqmemory "github.com/partnerforge/lib-eventbus/eventbus/dlq/memory"
	"github.com/partnerforge/lib-eventbus/eventbus/envelope"
)

func testRegistry(t *testing.T) *envelope.Registry {
	t.Helper()

	registry := envelope.NewRegistry()
	require.NoError(t, registry.Register("partner.registered", 1, envelope.MustSchema(
		envelope.Field{Name: "partner_id", Type: envelope.TypeString},
	)))
	require.NoError(t, registry.Register("campaign.launched", 1, envelope.MustSchema(
		envelope.Field{Name: "campaign_id", Type: envelope.TypeString},
	)))

	return registry
}

func testEnvelope(t *testing.T, registry *envelope.Registry, eventType string, aggregateID uuid.UUID) *envelope.Envelope {
	t.Helper()

	payload := []byte(`{"partner_id":"p-1"}`)
	if eventType == "campaign.launched" {
		payload = []byte(`{"campaign_id":"c-1"}`)
	}

	env, err := envelope.New(registry, eventType, aggregateID, payload)
	require.NoError(t, err)

	return env
}

// testUnitOfWork hands out sqlmock transactions without caring about order
// or count; the dispatcher's transaction discipline is what is under test.
func testUnitOfWork(t *testing.T) UnitOfWork {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	mock.MatchExpectationsInOrder(false)

	for range 256 {
		mock.ExpectBegin()
		mock.ExpectCommit()
		mock.ExpectRollback()
	}

	t.Cleanup(func() {
		_ = db.Close()
	})

	uow, err := NewSQLUnitOfWork(db)
	require.NoError(t, err)

	return uow
}

type fixture struct {
	client   *brokermemory.Broker
	ledger   *dedupememory.Ledger
	dlqStore *dlqmemory.Store
	registry *envelope.Registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	return &fixture{
		client:   brokermemory.New(),
		ledger:   dedupememory.NewLedger(),
		dlqStore: dlqmemory.NewStore(),
		registry: testRegistry(t),
	}
}

func (f *fixture) dispatcher(t *testing.T, sub *Subscription, cfg Config) *Dispatcher {
	t.Helper()

	router, err := dlq.NewRouter(f.dlqStore, f.client)
	require.NoError(t, err)

	dispatcher, err := New(sub, f.client, testUnitOfWork(t), f.ledger, router, WithConfig(cfg))
	require.NoError(t, err)

	return dispatcher
}

func fastDispatcherConfig() Config {
	return Config{
		MaxRetries:      3,
		RedeliveryDelay: 10 * time.Millisecond,
		HandlerTimeout:  time.Second,
	}
}

func runDispatcher(t *testing.T, dispatcher *Dispatcher) {
	t.Helper()

	done := make(chan error, 1)

	go func() {
		done <- dispatcher.Run(context.Background())
	}()

	t.Cleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		require.NoError(t, dispatcher.Shutdown(shutdownCtx))

		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("Run did not return after Shutdown")
		}
	})
}

func TestNewValidation(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	sub, err := NewSubscription("events.>", "billing-service")
	require.NoError(t, err)

	router, err := dlq.NewRouter(f.dlqStore, f.client)
	require.NoError(t, err)

	uow := testUnitOfWork(t)

	// No handlers registered yet: construction must refuse the subscription.
	_, err = New(sub, f.client, uow, f.ledger, router)
	require.ErrorIs(t, err, ErrNoHandlers)

	require.NoError(t, sub.Handle("partner.registered", func(context.Context, *sql.Tx, *envelope.Envelope) error {
		return nil
	}))

	_, err = New(nil, f.client, uow, f.ledger, router)
	require.ErrorIs(t, err, ErrSubscriptionRequired)

	_, err = New(sub, nil, uow, f.ledger, router)
	require.ErrorIs(t, err, broker.ErrClientRequired)

	_, err = New(sub, f.client, nil, f.ledger, router)
	require.ErrorIs(t, err, ErrUnitOfWorkRequired)

	_, err = New(sub, f.client, uow, nil, router)
	require.ErrorIs(t, err, ErrLedgerRequired)

	_, err = New(sub, f.client, uow, f.ledger, nil)
	require.ErrorIs(t, err, ErrDeadLetterRequired)
}

func TestAppliesEventExactlyOnceUnderRedelivery(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	var (
		mu          sync.Mutex
		invocations int
	)

	sub, err := NewSubscription("events.>", "billing-service")
	require.NoError(t, err)
	require.NoError(t, sub.Handle("partner.registered", func(_ context.Context, tx *sql.Tx, _ *envelope.Envelope) error {
		require.NotNil(t, tx)

		mu.Lock()
		invocations++
		mu.Unlock()

		return nil
	}))

	dispatcher := f.dispatcher(t, sub, fastDispatcherConfig())
	runDispatcher(t, dispatcher)

	env := testEnvelope(t, f.registry, "partner.registered", uuid.New())
	ctx := context.Background()

	// The same envelope arrives twice, as after a publisher re-claim.
	require.NoError(t, f.client.Send(ctx, "events.partner.registered", env))
	require.NoError(t, f.client.Send(ctx, "events.partner.registered", env))

	require.Eventually(t, func() bool {
		applied, appliedErr := f.ledger.AlreadyApplied(ctx, "billing-service", env.EventID)

		return appliedErr == nil && applied
	}, 5*time.Second, 10*time.Millisecond)

	// Give the duplicate time to flow through, then check the side effect
	// count stayed at one.
	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 1, invocations)
}

func TestSkipAcksWithoutRecordingApplied(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	var (
		mu          sync.Mutex
		invocations int
	)

	sub, err := NewSubscription("events.>", "billing-service")
	require.NoError(t, err)
	require.NoError(t, sub.Handle("partner.registered", func(context.Context, *sql.Tx, *envelope.Envelope) error {
		mu.Lock()
		invocations++
		mu.Unlock()

		return ErrSkip
	}))

	dispatcher := f.dispatcher(t, sub, fastDispatcherConfig())
	runDispatcher(t, dispatcher)

	env := testEnvelope(t, f.registry, "partner.registered", uuid.New())
	require.NoError(t, f.client.Send(context.Background(), "events.partner.registered", env))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()

		return invocations == 1
	}, 5*time.Second, 10*time.Millisecond)

	// Skips are acked but never enter the ledger.
	applied, err := f.ledger.AlreadyApplied(context.Background(), "billing-service", env.EventID)
	require.NoError(t, err)
	require.False(t, applied)

	_, err = f.dlqStore.Get(context.Background(), env.EventID)
	require.ErrorIs(t, err, dlq.ErrEntryNotFound)
}

func TestDeadLettersAfterRetryExhaustion(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	var (
		mu          sync.Mutex
		invocations int
	)

	sub, err := NewSubscription("events.>", "billing-service")
	require.NoError(t, err)
	require.NoError(t, sub.Handle("partner.registered", func(context.Context, *sql.Tx, *envelope.Envelope) error {
		mu.Lock()
		invocations++
		mu.Unlock()

		return errors.New("downstream ledger rejects the posting")
	}))

	cfg := fastDispatcherConfig()
	cfg.MaxRetries = 2

	dispatcher := f.dispatcher(t, sub, cfg)
	runDispatcher(t, dispatcher)

	env := testEnvelope(t, f.registry, "partner.registered", uuid.New())
	require.NoError(t, f.client.Send(context.Background(), "events.partner.registered", env))

	require.Eventually(t, func() bool {
		_, getErr := f.dlqStore.Get(context.Background(), env.EventID)

		return getErr == nil
	}, 5*time.Second, 10*time.Millisecond)

	entry, err := f.dlqStore.Get(context.Background(), env.EventID)
	require.NoError(t, err)
	require.Equal(t, "billing-service", entry.ConsumerName)
	require.Equal(t, 2, entry.Attempts)
	require.Len(t, entry.AttemptErrors, 2)
	require.Contains(t, entry.AttemptErrors[0], "downstream ledger rejects")

	// The handler ran exactly MaxRetries times, and nothing was applied.
	mu.Lock()
	require.Equal(t, 2, invocations)
	mu.Unlock()

	applied, err := f.ledger.AlreadyApplied(context.Background(), "billing-service", env.EventID)
	require.NoError(t, err)
	require.False(t, applied)
}

// flagOnlyRedeliveryClient mimics a transport whose delivery counter stops
// at two, which is all a redelivered flag can express.
type flagOnlyRedeliveryClient struct {
	broker.Client
}

func (client flagOnlyRedeliveryClient) Subscribe(ctx context.Context, topicPattern, consumerName string) (broker.Stream, error) {
	stream, err := client.Client.Subscribe(ctx, topicPattern, consumerName)
	if err != nil {
		return nil, err
	}

	return flagOnlyRedeliveryStream{stream}, nil
}

type flagOnlyRedeliveryStream struct {
	broker.Stream
}

func (sub flagOnlyRedeliveryStream) Next(ctx context.Context) (*broker.Message, error) {
	message, err := sub.Stream.Next(ctx)
	if err != nil {
		return nil, err
	}

	deliveries := message.Deliveries
	if deliveries > 2 {
		deliveries = 2
	}

	return broker.NewMessage(message.Envelope, deliveries, message.Ack, message.Nack), nil
}

func TestDeadLettersWhenBrokerCountsOnlyRedelivered(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	var (
		mu          sync.Mutex
		invocations int
	)

	sub, err := NewSubscription("events.>", "billing-service")
	require.NoError(t, err)
	require.NoError(t, sub.Handle("partner.registered", func(context.Context, *sql.Tx, *envelope.Envelope) error {
		mu.Lock()
		invocations++
		mu.Unlock()

		return errors.New("downstream ledger rejects the posting")
	}))

	cfg := fastDispatcherConfig()
	cfg.MaxRetries = 3

	router, err := dlq.NewRouter(f.dlqStore, f.client)
	require.NoError(t, err)

	dispatcher, err := New(sub, flagOnlyRedeliveryClient{f.client}, testUnitOfWork(t), f.ledger, router, WithConfig(cfg))
	require.NoError(t, err)

	runDispatcher(t, dispatcher)

	env := testEnvelope(t, f.registry, "partner.registered", uuid.New())
	require.NoError(t, f.client.Send(context.Background(), "events.partner.registered", env))

	require.Eventually(t, func() bool {
		_, getErr := f.dlqStore.Get(context.Background(), env.EventID)

		return getErr == nil
	}, 5*time.Second, 10*time.Millisecond)

	entry, err := f.dlqStore.Get(context.Background(), env.EventID)
	require.NoError(t, err)
	require.Equal(t, 3, entry.Attempts)
	require.Len(t, entry.AttemptErrors, 3)

	// Exhaustion came from the local failure count, not the capped broker
	// counter, and the handler still ran exactly MaxRetries times.
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 3, invocations)
}

func TestFailureHistoryIsBounded(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	sub, err := NewSubscription("events.>", "billing-service")
	require.NoError(t, err)
	require.NoError(t, sub.Handle("partner.registered", func(context.Context, *sql.Tx, *envelope.Envelope) error {
		return nil
	}))

	dispatcher := f.dispatcher(t, sub, fastDispatcherConfig())

	// Events that fail once and never come back must not pin their history.
	for range maxTrackedFailures + 16 {
		dispatcher.recordAttempt(uuid.New(), errors.New("downstream ledger rejects the posting"))
	}

	latest := uuid.New()
	dispatcher.recordAttempt(latest, errors.New("downstream ledger rejects the posting"))

	dispatcher.attemptMu.Lock()
	defer dispatcher.attemptMu.Unlock()
	require.LessOrEqual(t, len(dispatcher.attemptErrors), maxTrackedFailures)
	require.Contains(t, dispatcher.attemptErrors, latest)
}

func TestHandlerTimeoutCountsAsFailure(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	sub, err := NewSubscription("events.>", "billing-service")
	require.NoError(t, err)
	require.NoError(t, sub.Handle("partner.registered", func(ctx context.Context, _ *sql.Tx, _ *envelope.Envelope) error {
		<-ctx.Done()

		// Returning nil after the deadline must still count as a failure.
		return nil
	}))

	cfg := fastDispatcherConfig()
	cfg.MaxRetries = 1
	cfg.HandlerTimeout = 20 * time.Millisecond

	dispatcher := f.dispatcher(t, sub, cfg)
	runDispatcher(t, dispatcher)

	env := testEnvelope(t, f.registry, "partner.registered", uuid.New())
	require.NoError(t, f.client.Send(context.Background(), "events.partner.registered", env))

	require.Eventually(t, func() bool {
		_, getErr := f.dlqStore.Get(context.Background(), env.EventID)

		return getErr == nil
	}, 5*time.Second, 10*time.Millisecond)

	applied, err := f.ledger.AlreadyApplied(context.Background(), "billing-service", env.EventID)
	require.NoError(t, err)
	require.False(t, applied)
}

func TestPanickingHandlerIsRetriedNotFatal(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	var (
		mu          sync.Mutex
		invocations int
	)

	sub, err := NewSubscription("events.>", "billing-service")
	require.NoError(t, err)
	require.NoError(t, sub.Handle("partner.registered", func(context.Context, *sql.Tx, *envelope.Envelope) error {
		mu.Lock()
		invocations++
		current := invocations
		mu.Unlock()

		if current == 1 {
			panic("nil map write in handler")
		}

		return nil
	}))

	dispatcher := f.dispatcher(t, sub, fastDispatcherConfig())
	runDispatcher(t, dispatcher)

	env := testEnvelope(t, f.registry, "partner.registered", uuid.New())
	require.NoError(t, f.client.Send(context.Background(), "events.partner.registered", env))

	require.Eventually(t, func() bool {
		applied, appliedErr := f.ledger.AlreadyApplied(context.Background(), "billing-service", env.EventID)

		return appliedErr == nil && applied
	}, 5*time.Second, 10*time.Millisecond)
}

func TestUnhandledEventTypeIsAcked(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	var (
		mu          sync.Mutex
		invocations int
	)

	sub, err := NewSubscription("events.>", "billing-service")
	require.NoError(t, err)
	require.NoError(t, sub.Handle("partner.registered", func(context.Context, *sql.Tx, *envelope.Envelope) error {
		mu.Lock()
		invocations++
		mu.Unlock()

		return nil
	}))

	dispatcher := f.dispatcher(t, sub, fastDispatcherConfig())
	runDispatcher(t, dispatcher)

	other := testEnvelope(t, f.registry, "campaign.launched", uuid.New())
	wanted := testEnvelope(t, f.registry, "partner.registered", uuid.New())

	require.NoError(t, f.client.Send(context.Background(), "events.campaign.launched", other))
	require.NoError(t, f.client.Send(context.Background(), "events.partner.registered", wanted))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()

		return invocations == 1
	}, 5*time.Second, 10*time.Millisecond)

	// The unhandled event was acked, not dead-lettered and not retried.
	_, err = f.dlqStore.Get(context.Background(), other.EventID)
	require.ErrorIs(t, err, dlq.ErrEntryNotFound)
}

func TestPreservesOrderWithinAggregate(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	var (
		mu       sync.Mutex
		observed []uuid.UUID
	)

	sub, err := NewSubscription("events.>", "billing-service")
	require.NoError(t, err)
	require.NoError(t, sub.Handle("partner.registered", func(_ context.Context, _ *sql.Tx, env *envelope.Envelope) error {
		mu.Lock()
		observed = append(observed, env.EventID)
		mu.Unlock()

		return nil
	}))

	dispatcher := f.dispatcher(t, sub, fastDispatcherConfig())
	runDispatcher(t, dispatcher)

	aggregateID := uuid.New()
	first := testEnvelope(t, f.registry, "partner.registered", aggregateID)
	second := testEnvelope(t, f.registry, "partner.registered", aggregateID)
	third := testEnvelope(t, f.registry, "partner.registered", aggregateID)

	ctx := context.Background()
	require.NoError(t, f.client.Send(ctx, "events.partner.registered", first))
	require.NoError(t, f.client.Send(ctx, "events.partner.registered", second))
	require.NoError(t, f.client.Send(ctx, "events.partner.registered", third))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()

		return len(observed) == 3
	}, 5*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []uuid.UUID{first.EventID, second.EventID, third.EventID}, observed)
}

func TestStopEndsRunCleanly(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	sub, err := NewSubscription("events.>", "billing-service")
	require.NoError(t, err)
	require.NoError(t, sub.Handle("partner.registered", func(context.Context, *sql.Tx, *envelope.Envelope) error {
		return nil
	}))

	dispatcher := f.dispatcher(t, sub, fastDispatcherConfig())

	done := make(chan error, 1)

	go func() {
		done <- dispatcher.Run(context.Background())
	}()

	time.Sleep(50 * time.Millisecond)
	dispatcher.Stop()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after Stop")
	}
}

func TestRunReturnsContextError(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	sub, err := NewSubscription("events.>", "billing-service")
	require.NoError(t, err)
	require.NoError(t, sub.Handle("partner.registered", func(context.Context, *sql.Tx, *envelope.Envelope) error {
		return nil
	}))

	dispatcher := f.dispatcher(t, sub, fastDispatcherConfig())

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)

	go func() {
		done <- dispatcher.Run(ctx)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
