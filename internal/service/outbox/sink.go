package outbox

import (
	"context"
	"fmt"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
)

// Sink складывает брокерные сообщения в outbox. Worker публикует их, когда наступит DeliverAt.
type Sink struct {
	repo domain.OutboxRepository
}

// NewSink создаёт EventSink поверх outbox-репозитория.
func NewSink(repo domain.OutboxRepository) *Sink {
	return &Sink{repo: repo}
}

// Send реализует domain.EventSink.
func (s *Sink) Send(ctx context.Context, messages []domain.BrokerMessage) error {
	for _, msg := range messages {
		if err := ctx.Err(); err != nil {
			return err
		}
		if msg.Topic == "" {
			return domain.Validationf("broker message without topic")
		}
		if _, err := s.repo.Enqueue(domain.OutboxMessage{
			AggregateType: aggregateType(msg.Topic),
			AggregateID:   msg.Key,
			Topic:         msg.Topic,
			Key:           msg.Key,
			Payload:       msg.Value,
			Headers:       msg.Headers,
			AvailableAt:   msg.DeliverAt,
		}); err != nil {
			return domain.Transient("outbox enqueue", fmt.Errorf("topic %s: %w", msg.Topic, err))
		}
	}
	return nil
}

// aggregateType — префикс топика до точки: order, payment, refund, inventory.
func aggregateType(topic string) string {
	for i := 0; i < len(topic); i++ {
		if topic[i] == '.' {
			return topic[:i]
		}
	}
	return topic
}

var _ domain.EventSink = (*Sink)(nil)
