package kafka

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
)

// DeadLetterPublisher пишет исчерпавшие попытки сообщения в DLQ-топик.
type DeadLetterPublisher struct {
	producer *Producer
	topic    string
}

// NewDeadLetterPublisher создаёт DLQ-sink поверх producer.
func NewDeadLetterPublisher(producer *Producer, topic string) *DeadLetterPublisher {
	if topic == "" {
		topic = domain.DefaultDeadLetterTopicName
	}
	return &DeadLetterPublisher{producer: producer, topic: topic}
}

// Topic возвращает имя DLQ-топика.
func (p *DeadLetterPublisher) Topic() string {
	return p.topic
}

// DeadLetter реализует domain.DeadLetterSink. Ключ исходного сообщения сохраняется,
// чтобы записи одного заказа попадали в одну партицию DLQ.
func (p *DeadLetterPublisher) DeadLetter(ctx context.Context, letter domain.DeadLetter) error {
	if p == nil || p.producer == nil {
		return fmt.Errorf("kafka dead letter publisher is not initialized")
	}
	if letter.ID == "" {
		letter.ID = uuid.NewString()
	}

	msg := NewDeadLetterMessage(letter)
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}

	return p.producer.Send(ctx, []domain.BrokerMessage{{
		Topic:   p.topic,
		Key:     letter.Key,
		Value:   body,
		Headers: msg.Headers(),
	}})
}

var _ domain.DeadLetterSink = (*DeadLetterPublisher)(nil)
