// Package memory provides an in-process broker for publisher and dispatcher
// tests. It honors redelivery counts and nack delays and can be told to fail
// sends, which is all the test benches need from a transport.
package memory

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/partnerforge/lib-eventbus/eventbus/broker"
	"github.com/partnerforge/lib-eventbus/eventbus/envelope"
)

const streamBuffer = 1024

// Broker is an in-process broker.Client.
type Broker struct {
	mu      sync.Mutex
	streams []*stream
	sent    map[string][]*envelope.Envelope
	sendErr error
	closed  bool
}

// New creates an empty in-process broker.
func New() *Broker {
	return &Broker{sent: make(map[string][]*envelope.Envelope)}
}

// FailSendsWith makes every subsequent Send return err. Pass nil to restore
// normal delivery.
func (b *Broker) FailSendsWith(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.sendErr = err
}

// SentTo returns every envelope accepted for a topic, duplicates included.
func (b *Broker) SentTo(topic string) []*envelope.Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()

	return append([]*envelope.Envelope(nil), b.sent[topic]...)
}

// Send accepts the envelope and fans it out to matching subscriptions.
func (b *Broker) Send(_ context.Context, topic string, env *envelope.Envelope) error {
	if strings.TrimSpace(topic) == "" {
		return broker.ErrTopicRequired
	}

	if env == nil {
		return broker.ErrEnvelopeRequired
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.sendErr != nil {
		return b.sendErr
	}

	if b.closed {
		return broker.ErrUnavailable
	}

	b.sent[topic] = append(b.sent[topic], env)

	for _, sub := range b.streams {
		if sub.matches(topic) {
			sub.deliver(env, 1)
		}
	}

	return nil
}

// Subscribe opens a stream for topics matching the pattern. Patterns are
// either exact topics or a prefix wildcard such as "events.>". Envelopes
// accepted before the subscription existed are replayed into the new stream,
// matching the durable-subscription semantics of the real transports.
func (b *Broker) Subscribe(_ context.Context, topicPattern, consumerName string) (broker.Stream, error) {
	if strings.TrimSpace(topicPattern) == "" {
		return nil, broker.ErrTopicRequired
	}

	if strings.TrimSpace(consumerName) == "" {
		return nil, broker.ErrConsumerNameRequired
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, broker.ErrUnavailable
	}

	sub := &stream{
		pattern: topicPattern,
		ch:      make(chan *broker.Message, streamBuffer),
		quit:    make(chan struct{}),
	}

	for topic, envs := range b.sent {
		if !sub.matches(topic) {
			continue
		}

		for _, env := range envs {
			sub.deliver(env, 1)
		}
	}

	b.streams = append(b.streams, sub)

	return sub, nil
}

// Close shuts the broker down; streams stay readable until drained.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true

	return nil
}

type stream struct {
	pattern string
	ch      chan *broker.Message

	closeOnce sync.Once
	quit      chan struct{}
}

func (sub *stream) matches(topic string) bool {
	if prefix, ok := strings.CutSuffix(sub.pattern, ">"); ok {
		return strings.HasPrefix(topic, prefix)
	}

	return sub.pattern == topic
}

func (sub *stream) deliver(env *envelope.Envelope, deliveries int) {
	message := broker.NewMessage(env, deliveries,
		func() error { return nil },
		func(delay time.Duration) error {
			time.AfterFunc(delay, func() {
				select {
				case <-sub.quit:
				default:
					sub.deliver(env, deliveries+1)
				}
			})

			return nil
		},
	)

	select {
	case sub.ch <- message:
	case <-sub.quit:
	}
}

func (sub *stream) Next(ctx context.Context) (*broker.Message, error) {
	select {
	case message := <-sub.ch:
		return message, nil
	case <-sub.quit:
		return nil, broker.ErrStreamClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (sub *stream) Close() error {
	sub.closeOnce.Do(func() {
		close(sub.quit)
	})

	return nil
}

var _ broker.Client = (*Broker)(nil)
