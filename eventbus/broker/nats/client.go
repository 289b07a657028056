// Package nats implements the broker contract over NATS JetStream.
//
// Sends publish with a Nats-Msg-Id header so JetStream's dedupe window
// drops accidental double-publishes close together in time; the consumer
// dedupe ledger remains the real exactly-once guard. Subscriptions are
// durable pull consumers, so redelivery counts and nack delays come from
// JetStream itself.
package nats

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/partnerforge/lib-eventbus/eventbus/broker"
	"github.com/partnerforge/lib-eventbus/eventbus/envelope"
)

const (
	defaultStreamName    = "EVENTS"
	defaultSubjectFilter = "events.>"
)

var ErrConnRequired = errors.New("nats connection is required")

// Option configures the JetStream client.
type Option func(*Client)

// WithLogger sets the logger. Defaults to a nop logger.
func WithLogger(logger *zap.Logger) Option {
	return func(client *Client) {
		if logger != nil {
			client.logger = logger
		}
	}
}

// WithStreamName overrides the JetStream stream name.
func WithStreamName(name string) Option {
	return func(client *Client) {
		if name != "" {
			client.streamName = name
		}
	}
}

// WithSubjectFilter overrides the subject space the stream captures.
func WithSubjectFilter(filter string) Option {
	return func(client *Client) {
		if filter != "" {
			client.subjectFilter = filter
		}
	}
}

// Client is a JetStream broker.Client.
type Client struct {
	conn          *nats.Conn
	js            nats.JetStreamContext
	logger        *zap.Logger
	streamName    string
	subjectFilter string
	ownsConn      bool
}

// Connect dials the server and builds a client that owns the connection.
func Connect(url string, opts ...Option) (*Client, error) {
	conn, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats at %s: %w", url, err)
	}

	client, err := NewClient(conn, opts...)
	if err != nil {
		conn.Close()

		return nil, err
	}

	client.ownsConn = true

	return client, nil
}

// NewClient wraps an existing connection and ensures the stream exists.
func NewClient(conn *nats.Conn, opts ...Option) (*Client, error) {
	if conn == nil {
		return nil, ErrConnRequired
	}

	client := &Client{
		conn:          conn,
		logger:        zap.NewNop(),
		streamName:    defaultStreamName,
		subjectFilter: defaultSubjectFilter,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(client)
		}
	}

	js, err := conn.JetStream()
	if err != nil {
		return nil, fmt.Errorf("opening jetstream context: %w", err)
	}

	client.js = js

	if err := client.ensureStream(); err != nil {
		return nil, err
	}

	return client, nil
}

func (client *Client) ensureStream() error {
	_, err := client.js.StreamInfo(client.streamName)
	if err == nil {
		return nil
	}

	if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("looking up stream %s: %w", client.streamName, err)
	}

	_, err = client.js.AddStream(&nats.StreamConfig{
		Name:     client.streamName,
		Subjects: []string{client.subjectFilter},
		Storage:  nats.FileStorage,
	})
	if err != nil {
		return fmt.Errorf("creating stream %s: %w", client.streamName, err)
	}

	return nil
}

// Send publishes the envelope and blocks until JetStream acknowledges
// persistence.
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

	msg := &nats.Msg{
		Subject: topic,
		Data:    body,
		Header:  nats.Header{nats.MsgIdHdr: []string{env.EventID.String()}},
	}

	if _, err := client.js.PublishMsg(msg, nats.Context(ctx)); err != nil {
		return classifySendError(err)
	}

	return nil
}

// classifySendError folds JetStream failures into the broker taxonomy. A
// subject no stream captures is a routing misconfiguration no retry fixes.
func classifySendError(err error) error {
	if errors.Is(err, nats.ErrNoStreamResponse) || errors.Is(err, nats.ErrBadSubject) {
		return fmt.Errorf("%w: %v", broker.ErrRejected, err)
	}

	return fmt.Errorf("%w: %v", broker.ErrUnavailable, err)
}

// Subscribe opens a durable pull consumer filtered to the topic pattern.
func (client *Client) Subscribe(_ context.Context, topicPattern, consumerName string) (broker.Stream, error) {
	if strings.TrimSpace(topicPattern) == "" {
		return nil, broker.ErrTopicRequired
	}

	if strings.TrimSpace(consumerName) == "" {
		return nil, broker.ErrConsumerNameRequired
	}

	sub, err := client.js.PullSubscribe(topicPattern, durableName(consumerName),
		nats.BindStream(client.streamName),
		nats.AckExplicit(),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", broker.ErrUnavailable, err)
	}

	return &stream{
		sub:    sub,
		logger: client.logger,
	}, nil
}

// Close drains the connection if this client opened it.
func (client *Client) Close() error {
	if client.ownsConn {
		client.conn.Close()
	}

	return nil
}

// durableName maps a consumer name onto JetStream's durable-name alphabet,
// which forbids dots and spaces.
func durableName(consumerName string) string {
	replacer := strings.NewReplacer(".", "_", " ", "_", "*", "_", ">", "_")

	return replacer.Replace(strings.TrimSpace(consumerName))
}

type stream struct {
	sub    *nats.Subscription
	logger *zap.Logger

	closeOnce sync.Once
	closed    bool
	mu        sync.Mutex
}

// Next fetches the next decodable message. Undecodable payloads are
// terminated so JetStream stops redelivering them.
func (sub *stream) Next(ctx context.Context) (*broker.Message, error) {
	for {
		sub.mu.Lock()
		closed := sub.closed
		sub.mu.Unlock()

		if closed {
			return nil, broker.ErrStreamClosed
		}

		msgs, err := sub.sub.Fetch(1, nats.Context(ctx))
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil, ctx.Err()
			}

			if errors.Is(err, nats.ErrTimeout) {
				continue
			}

			if errors.Is(err, nats.ErrBadSubscription) || errors.Is(err, nats.ErrConnectionClosed) {
				return nil, broker.ErrStreamClosed
			}

			return nil, fmt.Errorf("%w: %v", broker.ErrUnavailable, err)
		}

		if len(msgs) == 0 {
			continue
		}

		msg := msgs[0]

		env, decodeErr := envelope.Decode(msg.Data)
		if decodeErr != nil {
			sub.logger.Warn("terminating undecodable message",
				zap.String("subject", msg.Subject),
				zap.Error(decodeErr),
			)

			if termErr := msg.Term(); termErr != nil {
				return nil, fmt.Errorf("%w: %v", broker.ErrUnavailable, termErr)
			}

			continue
		}

		deliveries := 1
		if meta, metaErr := msg.Metadata(); metaErr == nil {
			deliveries = int(meta.NumDelivered)
		}

		return broker.NewMessage(env, deliveries,
			func() error { return msg.Ack() },
			func(delay time.Duration) error { return msg.NakWithDelay(delay) },
		), nil
	}
}

// Close stops the stream without unsubscribing: Unsubscribe would delete
// the durable consumer and with it any unacked messages. The durable stays
// on the server so the same consumer name resumes where it left off.
func (sub *stream) Close() error {
	sub.closeOnce.Do(func() {
		sub.mu.Lock()
		sub.closed = true
		sub.mu.Unlock()
	})

	return nil
}

var _ broker.Client = (*Client)(nil)
