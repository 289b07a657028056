package broker

import (
	"context"
	"time"

	"github.com/partnerforge/lib-eventbus/eventbus/envelope"
)

// Client is a broker transport.
type Client interface {
	// Send publishes the envelope to the topic and blocks until the broker
	// durably acknowledges it. A nil error is the only signal the publisher
	// may treat as delivered.
	Send(ctx context.Context, topic string, env *envelope.Envelope) error

	// Subscribe opens a named, durable subscription stream. The same
	// consumerName resumes the same subscription across restarts.
	Subscribe(ctx context.Context, topicPattern, consumerName string) (Stream, error)

	// Close releases the underlying connection.
	Close() error
}

// Stream is a lazy sequence of deliveries.
type Stream interface {
	// Next blocks until a message arrives, the context is done, or the
	// stream is closed.
	Next(ctx context.Context) (*Message, error)

	Close() error
}

// Message is one delivery. Deliveries counts attempts including this one,
// so a first delivery carries Deliveries == 1.
type Message struct {
	Envelope   *envelope.Envelope
	Deliveries int

	ack  func() error
	nack func(delay time.Duration) error
}

// NewMessage wraps a delivery with its backend acknowledgment callbacks.
func NewMessage(env *envelope.Envelope, deliveries int, ack func() error, nack func(time.Duration) error) *Message {
	return &Message{
		Envelope:   env,
		Deliveries: deliveries,
		ack:        ack,
		nack:       nack,
	}
}

// Ack confirms processing; the broker will not redeliver.
func (message *Message) Ack() error {
	if message.ack == nil {
		return nil
	}

	return message.ack()
}

// Nack requests redelivery after the given delay. Backends that cannot
// honor a delay redeliver at their own pace.
func (message *Message) Nack(delay time.Duration) error {
	if message.nack == nil {
		return nil
	}

	return message.nack(delay)
}
