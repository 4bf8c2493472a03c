package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
)

func newTestProducer(t *testing.T) (*Producer, *mocks.SyncProducer) {
	t.Helper()
	mockProducer := mocks.NewSyncProducer(t, nil)
	return NewProducerFromSync(mockProducer, log.WithField("component", "kafka-producer-test")), mockProducer
}

func TestProducer_SendSingle(t *testing.T) {
	producer, mockProducer := newTestProducer(t)
	mockProducer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		if string(val) != `{"orderId":"order-1"}` {
			return fmt.Errorf("unexpected value %s", val)
		}
		return nil
	})

	err := producer.Send(context.Background(), []domain.BrokerMessage{{
		Topic:   domain.TopicOrderCreated,
		Key:     "order-1",
		Value:   []byte(`{"orderId":"order-1"}`),
		Headers: map[string]string{domain.HeaderEventID: "evt-1"},
	}})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if err := mockProducer.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestProducer_SendBatch(t *testing.T) {
	producer, mockProducer := newTestProducer(t)
	mockProducer.ExpectSendMessageAndSucceed()
	mockProducer.ExpectSendMessageAndSucceed()

	err := producer.Send(context.Background(), []domain.BrokerMessage{
		{Topic: domain.TopicOrderCreated, Key: "order-1", Value: []byte(`{}`)},
		{Topic: domain.TopicInventoryReserve, Key: "order-1", Value: []byte(`{}`)},
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if err := mockProducer.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestProducer_SendErrorIsTransient(t *testing.T) {
	producer, mockProducer := newTestProducer(t)
	mockProducer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	err := producer.Send(context.Background(), []domain.BrokerMessage{{Topic: "topic", Key: "k", Value: []byte("v")}})
	if !errors.Is(err, domain.ErrTransient) {
		t.Fatalf("expected transient error, got %v", err)
	}
	if !domain.IsRetryable(err) {
		t.Fatal("broker failures must be retryable")
	}

	if err := mockProducer.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestProducer_RejectsDelayedAndInvalid(t *testing.T) {
	producer, mockProducer := newTestProducer(t)
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	producer.now = func() time.Time { return now }

	err := producer.Send(context.Background(), []domain.BrokerMessage{{
		Topic:     domain.TopicOrderPaymentTimeout,
		Value:     []byte(`{}`),
		DeliverAt: now.Add(time.Minute),
	}})
	if !errors.Is(err, domain.ErrDelayedDeliveryUnsupported) {
		t.Fatalf("expected ErrDelayedDeliveryUnsupported, got %v", err)
	}

	if err := producer.Send(context.Background(), []domain.BrokerMessage{{Value: []byte("v")}}); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error for empty topic, got %v", err)
	}

	if err := producer.Send(context.Background(), nil); err != nil {
		t.Fatalf("empty batch must be a no-op: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := producer.Send(ctx, []domain.BrokerMessage{{Topic: "t"}}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context error, got %v", err)
	}

	if err := mockProducer.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestProducer_NilGuard(t *testing.T) {
	var producer *Producer
	if err := producer.Send(context.Background(), []domain.BrokerMessage{{Topic: "t"}}); err == nil {
		t.Fatal("expected error for nil producer")
	}
}

func TestDeadLetterPublisher(t *testing.T) {
	producer, mockProducer := newTestProducer(t)
	failedAt := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	mockProducer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		msg, err := DecodeDeadLetterMessage(val)
		if err != nil {
			return err
		}
		if msg.OriginalTopic != domain.TopicPaymentSucceeded || msg.OriginalOffset != 42 || string(msg.OriginalValue) != `{"x":1}` {
			return fmt.Errorf("unexpected dead letter %+v", msg)
		}
		if msg.Error != "handler failed" || msg.Attempts != 3 {
			return fmt.Errorf("failure details lost: %+v", msg)
		}
		return nil
	})

	sink := NewDeadLetterPublisher(producer, "")
	if sink.Topic() != domain.DefaultDeadLetterTopicName {
		t.Fatalf("unexpected default topic %s", sink.Topic())
	}

	err := sink.DeadLetter(context.Background(), domain.DeadLetter{
		EventID:       "evt-1",
		ConsumerGroup: "order-service",
		Topic:         domain.TopicPaymentSucceeded,
		Partition:     3,
		Offset:        42,
		Key:           "order-1",
		Payload:       []byte(`{"x":1}`),
		Error:         "handler failed",
		Attempts:      3,
		FailedAt:      failedAt,
	})
	if err != nil {
		t.Fatalf("dead letter: %v", err)
	}
	if err := mockProducer.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestDeadLetterMessageHeadersAndDecode(t *testing.T) {
	msg := NewDeadLetterMessage(domain.DeadLetter{
		ID: "dl-1", EventID: "evt-1", ConsumerGroup: "payment-service", Topic: domain.TopicOrderCancelled,
		Partition: 1, Offset: 7, Attempts: 2, Error: "boom", FailedAt: time.Unix(0, 0),
	})
	headers := msg.Headers()
	if headers[HeaderOriginalTopic] != domain.TopicOrderCancelled || headers[HeaderOriginalOffset] != "7" {
		t.Fatalf("unexpected headers: %v", headers)
	}
	if headers[HeaderRetryCount] != "2" || headers[domain.HeaderEventID] != "evt-1" {
		t.Fatalf("unexpected headers: %v", headers)
	}

	raw, _ := json.Marshal(DeadLetterMessage{ID: "x"})
	if _, err := DecodeDeadLetterMessage(raw); err == nil {
		t.Fatal("expected error for dead letter without original topic")
	}
	if _, err := DecodeDeadLetterMessage([]byte("{")); err == nil {
		t.Fatal("expected error for malformed dead letter")
	}
}
