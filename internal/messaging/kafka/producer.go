package kafka

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
)

// Producer публикует сообщения в Kafka синхронно: Send возвращается после подтверждения всех реплик.
type Producer struct {
	producer sarama.SyncProducer
	logger   *log.Entry
	now      func() time.Time
}

// NewProducer создает новый Kafka producer
func NewProducer(brokers []string, clientID string) (*Producer, error) {
	config := sarama.NewConfig()
	if clientID != "" {
		config.ClientID = clientID
	}
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 5
	config.Producer.Return.Successes = true
	config.Producer.Compression = sarama.CompressionSnappy
	config.Producer.Partitioner = sarama.NewHashPartitioner
	config.Producer.Idempotent = true
	config.Net.MaxOpenRequests = 1

	producer, err := sarama.NewSyncProducer(brokers, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}

	return NewProducerFromSync(producer, nil), nil
}

// NewProducerFromSync оборачивает готовый SyncProducer (в тестах mocks.SyncProducer).
func NewProducerFromSync(producer sarama.SyncProducer, logger *log.Entry) *Producer {
	if logger == nil {
		logger = log.WithField("component", "kafka-producer")
	}
	return &Producer{
		producer: producer,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Send записывает сообщения одним вызовом брокера. Ключ сообщения определяет партицию.
// Kafka не умеет откладывать доставку, поэтому DeliverAt в будущем отклоняется.
func (p *Producer) Send(ctx context.Context, messages []domain.BrokerMessage) error {
	if p == nil || p.producer == nil {
		return fmt.Errorf("kafka producer is not initialized")
	}
	if len(messages) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	now := p.now()
	batch := make([]*sarama.ProducerMessage, 0, len(messages))
	for _, msg := range messages {
		if msg.Topic == "" {
			return domain.Validationf("broker message without topic")
		}
		if !msg.DeliverAt.IsZero() && msg.DeliverAt.After(now) {
			return fmt.Errorf("%w: topic %s", domain.ErrDelayedDeliveryUnsupported, msg.Topic)
		}
		batch = append(batch, toProducerMessage(msg, now))
	}

	if len(batch) == 1 {
		partition, offset, err := p.producer.SendMessage(batch[0])
		if err != nil {
			p.logger.WithError(err).WithFields(log.Fields{
				"topic": batch[0].Topic,
				"key":   messages[0].Key,
			}).Error("failed to send message to kafka")
			return domain.Transient("kafka send", err)
		}
		p.logger.WithFields(log.Fields{
			"topic":     batch[0].Topic,
			"key":       messages[0].Key,
			"partition": partition,
			"offset":    offset,
		}).Debug("message sent to kafka")
		return nil
	}

	if err := p.producer.SendMessages(batch); err != nil {
		var perrs sarama.ProducerErrors
		if errors.As(err, &perrs) {
			p.logger.WithError(err).WithField("failed", len(perrs)).WithField("batch", len(batch)).
				Error("failed to send batch to kafka")
		}
		return domain.Transient("kafka send batch", err)
	}
	p.logger.WithField("batch", len(batch)).Debug("batch sent to kafka")
	return nil
}

// Close закрывает producer
func (p *Producer) Close() error {
	if err := p.producer.Close(); err != nil {
		return fmt.Errorf("failed to close kafka producer: %w", err)
	}
	return nil
}

var _ domain.EventSink = (*Producer)(nil)
