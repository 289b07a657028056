package rabbitmq

import (
	"errors"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/partnerforge/lib-eventbus/eventbus/broker"
)

// classifySendError folds AMQP failures into the two-category broker
// taxonomy. 403 and 404 mean the publish can never succeed as addressed;
// everything else is treated as transient.
func classifySendError(err error) error {
	if err == nil {
		return nil
	}

	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) {
		switch amqpErr.Code {
		case amqp.AccessRefused, amqp.NotFound:
			return fmt.Errorf("%w: %s", broker.ErrRejected, amqpErr.Reason)
		}
	}

	return fmt.Errorf("%w: %v", broker.ErrUnavailable, err)
}
