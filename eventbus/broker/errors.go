package broker

import "errors"

var (
	// ErrUnavailable marks a transient transport fault. The message may be
	// retried after a backoff.
	ErrUnavailable = errors.New("broker unavailable")

	// ErrRejected marks a permanent refusal, such as a missing exchange or a
	// denied publish. Retrying the same message cannot succeed.
	ErrRejected = errors.New("broker rejected message")

	// ErrStreamClosed is returned by Next after Close.
	ErrStreamClosed = errors.New("subscription stream closed")

	ErrClientRequired       = errors.New("broker client is required")
	ErrTopicRequired        = errors.New("topic is required")
	ErrEnvelopeRequired     = errors.New("envelope is required")
	ErrConsumerNameRequired = errors.New("consumer name is required")
)
