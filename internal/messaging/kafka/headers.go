package kafka

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/IBM/sarama"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
)

// Заголовки dead-letter сообщений.
const (
	HeaderOriginalTopic     = "x-original-topic"
	HeaderOriginalPartition = "x-original-partition"
	HeaderOriginalOffset    = "x-original-offset"
	HeaderConsumerGroup     = "x-consumer-group"
	HeaderErrorMessage      = "x-error-message"
	HeaderFailedAt          = "x-failed-at"
	HeaderRetryCount        = "x-retry-count"
	HeaderReplayedAt        = "x-replayed-at"
)

// DeadLetterMessage — тело сообщения в DLQ-топике.
type DeadLetterMessage struct {
	ID                string    `json:"id"`
	EventID           string    `json:"event_id,omitempty"`
	ConsumerGroup     string    `json:"consumer_group,omitempty"`
	OriginalTopic     string    `json:"original_topic"`
	OriginalPartition int32     `json:"original_partition"`
	OriginalOffset    int64     `json:"original_offset"`
	OriginalKey       string    `json:"original_key,omitempty"`
	OriginalValue     []byte    `json:"original_value"`
	Error             string    `json:"error"`
	Attempts          int       `json:"attempts"`
	FailedAt          time.Time `json:"failed_at"`
}

// NewDeadLetterMessage переводит доменную запись в формат DLQ-топика.
func NewDeadLetterMessage(letter domain.DeadLetter) DeadLetterMessage {
	return DeadLetterMessage{
		ID:                letter.ID,
		EventID:           letter.EventID,
		ConsumerGroup:     letter.ConsumerGroup,
		OriginalTopic:     letter.Topic,
		OriginalPartition: letter.Partition,
		OriginalOffset:    letter.Offset,
		OriginalKey:       letter.Key,
		OriginalValue:     letter.Payload,
		Error:             letter.Error,
		Attempts:          letter.Attempts,
		FailedAt:          letter.FailedAt.UTC(),
	}
}

// DecodeDeadLetterMessage разбирает тело сообщения из DLQ-топика.
func DecodeDeadLetterMessage(raw []byte) (DeadLetterMessage, error) {
	var msg DeadLetterMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return DeadLetterMessage{}, fmt.Errorf("decode dead letter: %w", err)
	}
	if msg.OriginalTopic == "" {
		return DeadLetterMessage{}, fmt.Errorf("dead letter %q has no original topic", msg.ID)
	}
	return msg, nil
}

// Headers возвращает заголовки, с которыми запись уходит в DLQ.
func (m DeadLetterMessage) Headers() map[string]string {
	headers := map[string]string{
		HeaderOriginalTopic:     m.OriginalTopic,
		HeaderOriginalPartition: strconv.FormatInt(int64(m.OriginalPartition), 10),
		HeaderOriginalOffset:    strconv.FormatInt(m.OriginalOffset, 10),
		HeaderErrorMessage:      m.Error,
		HeaderFailedAt:          m.FailedAt.Format(time.RFC3339Nano),
		HeaderRetryCount:        strconv.Itoa(m.Attempts),
	}
	if m.ConsumerGroup != "" {
		headers[HeaderConsumerGroup] = m.ConsumerGroup
	}
	if m.EventID != "" {
		headers[domain.HeaderEventID] = m.EventID
	}
	return headers
}

func toProducerMessage(msg domain.BrokerMessage, now time.Time) *sarama.ProducerMessage {
	pm := &sarama.ProducerMessage{
		Topic:     msg.Topic,
		Value:     sarama.ByteEncoder(msg.Value),
		Timestamp: now,
	}
	if msg.Key != "" {
		pm.Key = sarama.StringEncoder(msg.Key)
	}
	if len(msg.Headers) > 0 {
		pm.Headers = make([]sarama.RecordHeader, 0, len(msg.Headers))
		for k, v := range msg.Headers {
			pm.Headers = append(pm.Headers, sarama.RecordHeader{Key: []byte(k), Value: []byte(v)})
		}
	}
	return pm
}

// ToInboundMessage переводит сообщение sarama в транспортно-независимое представление.
func ToInboundMessage(msg *sarama.ConsumerMessage) domain.InboundMessage {
	inbound := domain.InboundMessage{
		Topic:     msg.Topic,
		Partition: msg.Partition,
		Offset:    msg.Offset,
		Key:       msg.Key,
		Value:     msg.Value,
		Timestamp: msg.Timestamp,
	}
	if len(msg.Headers) > 0 {
		inbound.Headers = make(map[string]string, len(msg.Headers))
		for _, h := range msg.Headers {
			if h == nil {
				continue
			}
			inbound.Headers[string(h.Key)] = string(h.Value)
		}
	}
	return inbound
}
