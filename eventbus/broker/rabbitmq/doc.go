// Package rabbitmq implements the broker contract over AMQP 0.9.1.
//
// Sends go through a confirm-mode channel on a durable topic exchange and
// block until the broker confirms persistence. Subscriptions are durable
// queues bound to the exchange, with a dead-letter exchange attached so
// poison messages are parked instead of looping forever.
package rabbitmq
