package kafka

import (
	"context"
	"errors"
	"time"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
)

const defaultRelayTimeout = 10 * time.Second

var errRelayNotInitialized = errors.New("kafka outbox relay is not initialized")

// outboxRelay переносит созревшие outbox-сообщения в их топики.
type outboxRelay struct {
	producer *Producer
	timeout  time.Duration
}

// NewOutboxPublisher создаёт паблишер, через который outbox worker отдаёт сообщения в Kafka.
func NewOutboxPublisher(producer *Producer) domain.OutboxPublisher {
	return &outboxRelay{producer: producer, timeout: defaultRelayTimeout}
}

func (r *outboxRelay) Publish(msg domain.OutboxMessage) error {
	if r == nil || r.producer == nil {
		return errRelayNotInitialized
	}
	broker, err := msg.BrokerMessage()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	return r.producer.Send(ctx, []domain.BrokerMessage{broker})
}

var _ domain.OutboxPublisher = (*outboxRelay)(nil)
