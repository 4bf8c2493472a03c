package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
)

const (
	defaultRestartDelay = time.Second
	maxRestartDelay     = 30 * time.Second
)

// MessageHandler обрабатывает одно сообщение. nil означает «можно подтверждать offset»:
// сообщение обработано, пропущено как дубль или уже записано в dead-letter.
type MessageHandler func(ctx context.Context, message domain.InboundMessage) error

// ConsumerConfig описывает consumer group.
type ConsumerConfig struct {
	Brokers  []string
	GroupID  string
	Topics   []string
	ClientID string
	// FromOldest читает новые партиции с начала, иначе с конца.
	FromOldest bool
	Logger     *log.Entry
}

// Consumer — адаптер consumer group: сообщения партиции передаются обработчику строго по одному,
// offset фиксируется только после того, как обработчик вернул nil.
type Consumer struct {
	consumer     sarama.ConsumerGroup
	groupID      string
	topics       []string
	handler      MessageHandler
	logger       *log.Entry
	restartDelay time.Duration
	wg           sync.WaitGroup
	stopOnce     sync.Once
	stopErr      error
}

// NewConsumer подключается к consumer group. Чтение начинается только после Start.
func NewConsumer(cfg ConsumerConfig, handler MessageHandler) (*Consumer, error) {
	if handler == nil {
		return nil, errors.New("kafka consumer handler is required")
	}
	if len(cfg.Topics) == 0 {
		return nil, errors.New("kafka consumer topics are required")
	}

	group, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.GroupID, newConsumerConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("create kafka consumer group %s: %w", cfg.GroupID, err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = log.WithField("component", "kafka-consumer")
	}
	return &Consumer{
		consumer:     group,
		groupID:      cfg.GroupID,
		topics:       cfg.Topics,
		handler:      handler,
		logger:       logger.WithField("group", cfg.GroupID),
		restartDelay: defaultRestartDelay,
	}, nil
}

func newConsumerConfig(cfg ConsumerConfig) *sarama.Config {
	config := sarama.NewConfig()
	if cfg.ClientID != "" {
		config.ClientID = cfg.ClientID
	}
	config.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	config.Consumer.Offsets.Initial = sarama.OffsetNewest
	if cfg.FromOldest {
		config.Consumer.Offsets.Initial = sarama.OffsetOldest
	}
	config.Consumer.Return.Errors = true
	return config
}

// Start запускает чтение в фоне и сразу возвращается.
func (c *Consumer) Start(ctx context.Context) error {
	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		c.consumeLoop(ctx)
	}()
	go func() {
		defer c.wg.Done()
		for err := range c.consumer.Errors() {
			c.logger.WithError(err).Error("consumer error")
		}
	}()

	c.logger.WithField("topics", c.topics).Info("kafka consumer started")
	return nil
}

// consumeLoop перезапускает сессию после rebalance или ошибки обработчика.
// Сессия продолжает с последнего зафиксированного offset; пауза растёт при ошибках подряд.
func (c *Consumer) consumeLoop(ctx context.Context) {
	delay := c.restartDelay
	for {
		err := c.consumer.Consume(ctx, c.topics, c)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			delay = c.restartDelay
			continue
		}

		c.logger.WithError(err).WithField("retry_in", delay).Error("consumer session ended with error")
		if delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
		}
		delay = nextRestartDelay(delay)
	}
}

func nextRestartDelay(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	if d *= 2; d > maxRestartDelay {
		return maxRestartDelay
	}
	return d
}

// Stop закрывает группу и ждёт фоновые горутины. Повторный вызов возвращает тот же результат.
func (c *Consumer) Stop() error {
	c.stopOnce.Do(func() {
		if err := c.consumer.Close(); err != nil {
			c.stopErr = fmt.Errorf("close kafka consumer: %w", err)
		}
		c.wg.Wait()
		c.logger.Info("kafka consumer stopped")
	})
	return c.stopErr
}

// Setup вызывается после rebalance, когда группа раздала партиции.
func (c *Consumer) Setup(session sarama.ConsumerGroupSession) error {
	c.logger.WithFields(log.Fields{
		"generation": session.GenerationID(),
		"claims":     session.Claims(),
	}).Info("consumer session started")
	return nil
}

// Cleanup вызывается перед следующим rebalance; offsets уже отмечены в ConsumeClaim.
func (c *Consumer) Cleanup(session sarama.ConsumerGroupSession) error {
	c.logger.WithField("generation", session.GenerationID()).Debug("consumer session finished")
	return nil
}

// ConsumeClaim обрабатывает сообщения одной партиции последовательно.
// Ошибка обработчика завершает сессию без MarkMessage: сообщение будет доставлено повторно.
func (c *Consumer) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case message, ok := <-claim.Messages():
			if !ok || message == nil {
				return nil
			}
			if err := c.handle(session, message); err != nil {
				return err
			}
		case <-session.Context().Done():
			return nil
		}
	}
}

func (c *Consumer) handle(session sarama.ConsumerGroupSession, message *sarama.ConsumerMessage) error {
	entry := c.logger.WithFields(log.Fields{
		"topic":     message.Topic,
		"partition": message.Partition,
		"offset":    message.Offset,
	})
	entry.Debug("received message")

	if err := c.handler(session.Context(), ToInboundMessage(message)); err != nil {
		entry.WithError(err).Error("message not acknowledged, restarting session")
		return fmt.Errorf("handle %s/%d@%d: %w", message.Topic, message.Partition, message.Offset, err)
	}
	session.MarkMessage(message, "")
	return nil
}
