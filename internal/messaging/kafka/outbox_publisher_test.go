package kafka

import (
	"fmt"
	"testing"

	"github.com/IBM/sarama"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
)

// expectKey проверяет ключ партиционирования и заголовок eventId отправленного сообщения.
func expectKey(wantKey, wantEventID string) func(*sarama.ProducerMessage) error {
	return func(msg *sarama.ProducerMessage) error {
		key, err := msg.Key.Encode()
		if err != nil {
			return err
		}
		if string(key) != wantKey {
			return fmt.Errorf("key %q, want %q", key, wantKey)
		}
		for _, h := range msg.Headers {
			if string(h.Key) == domain.HeaderEventID && string(h.Value) == wantEventID {
				return nil
			}
		}
		if wantEventID == "" {
			return nil
		}
		return fmt.Errorf("header %s=%s not found", domain.HeaderEventID, wantEventID)
	}
}

func TestOutboxRelay_PartitionKey(t *testing.T) {
	tests := []struct {
		name    string
		msg     domain.OutboxMessage
		wantKey string
	}{
		{
			name: "explicit key wins",
			msg: domain.OutboxMessage{ID: "ob-1", Key: "order-1", AggregateID: "payment-9",
				Topic: domain.TopicOrderPaymentTimeout, Headers: map[string]string{domain.HeaderEventID: "evt-1"}},
			wantKey: "order-1",
		},
		{
			name: "falls back to aggregate",
			msg: domain.OutboxMessage{ID: "ob-2", AggregateID: "order-2",
				Topic: domain.TopicOrderConfirmed, Headers: map[string]string{domain.HeaderEventID: "evt-2"}},
			wantKey: "order-2",
		},
		{
			name:    "falls back to outbox id",
			msg:     domain.OutboxMessage{ID: "ob-3", Topic: domain.TopicOrderCancelled},
			wantKey: "ob-3",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			producer, mockProducer := newTestProducer(t)
			mockProducer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(
				expectKey(tt.wantKey, tt.msg.Headers[domain.HeaderEventID]))

			require.NoError(t, NewOutboxPublisher(producer).Publish(tt.msg))
			require.NoError(t, mockProducer.Close())
		})
	}
}

func TestOutboxRelay_ProducerErrorIsTransient(t *testing.T) {
	producer, mockProducer := newTestProducer(t)
	mockProducer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	err := NewOutboxPublisher(producer).Publish(domain.OutboxMessage{
		ID:          "ob-4",
		AggregateID: "order-4",
		Topic:       domain.TopicOrderCancelled,
		Payload:     []byte(`{}`),
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrTransient)
	require.NoError(t, mockProducer.Close())
}

func TestOutboxRelay_Guards(t *testing.T) {
	assert.ErrorIs(t, NewOutboxPublisher(nil).Publish(domain.OutboxMessage{ID: "ob-5", Topic: "t"}), errRelayNotInitialized)

	producer, mockProducer := newTestProducer(t)
	err := NewOutboxPublisher(producer).Publish(domain.OutboxMessage{ID: "ob-6"})
	assert.ErrorIs(t, err, domain.ErrValidation)
	require.NoError(t, mockProducer.Close())
}
