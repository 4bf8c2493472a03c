package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
	"github.com/vladislavdragonenkov/fulfillment/internal/metrics"
	"github.com/vladislavdragonenkov/fulfillment/internal/service/events"
	"github.com/vladislavdragonenkov/fulfillment/internal/service/idempotency"
)

// Handler обрабатывает событие одного топика. Обработчик обязан быть идемпотентным:
// окно дедупликации ограничено TTL, а брокер может доставить сообщение повторно.
type Handler func(ctx context.Context, event domain.Event) error

// Handlers — реестр обработчиков по топику. Собирается при старте сервиса.
type Handlers map[string]Handler

// Topics возвращает топики, на которые есть обработчики.
func (h Handlers) Topics() []string {
	topics := make([]string, 0, len(h))
	for topic := range h {
		topics = append(topics, topic)
	}
	return topics
}

// Outcome — итог обработки сообщения. Любой Outcome означает, что offset можно подтверждать.
type Outcome string

const (
	OutcomeProcessed    Outcome = "processed"
	OutcomeSkipped      Outcome = "skipped"
	OutcomeIgnored      Outcome = "ignored"
	OutcomeDeadLettered Outcome = "dead_lettered"
)

// Config — параметры диспетчера.
type Config struct {
	Group string
	Retry RetryPolicy
}

// Option настраивает Dispatcher.
type Option func(*Dispatcher)

// WithLogger задаёт logger.
func WithLogger(logger *log.Entry) Option {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// WithMetrics подключает метрики.
func WithMetrics(m *metrics.DispatcherMetrics) Option {
	return func(d *Dispatcher) {
		d.metrics = m
	}
}

// Dispatcher — потребитель событий: дедупликация, вызов обработчика, повторы с backoff, dead-letter.
type Dispatcher struct {
	group       string
	handlers    Handlers
	store       *idempotency.EventStore
	deadLetters []domain.DeadLetterSink
	policy      RetryPolicy
	metrics     *metrics.DispatcherMetrics
	logger      *log.Entry
	tracer      trace.Tracer
	wait        func(ctx context.Context, d time.Duration) error
	now         func() time.Time
}

// New создаёт диспетчер. Сообщение подтверждается только после записи во все deadLetters.
func New(cfg Config, handlers Handlers, store *idempotency.EventStore, deadLetters []domain.DeadLetterSink, opts ...Option) (*Dispatcher, error) {
	if cfg.Group == "" {
		return nil, fmt.Errorf("dispatcher group is required")
	}
	if store == nil {
		return nil, fmt.Errorf("dispatcher event store is required")
	}
	if len(deadLetters) == 0 {
		return nil, fmt.Errorf("dispatcher requires at least one dead-letter sink")
	}

	d := &Dispatcher{
		group:       cfg.Group,
		handlers:    handlers,
		store:       store,
		deadLetters: deadLetters,
		policy:      cfg.Retry.normalized(),
		tracer:      otel.Tracer("dispatcher"),
		wait:        waitContext,
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.logger == nil {
		d.logger = log.WithField("component", "dispatcher")
	}
	d.logger = d.logger.WithField("group", cfg.Group)
	return d, nil
}

// Handle адаптирует Dispatch к kafka.MessageHandler: ошибка означает «offset не подтверждать».
func (d *Dispatcher) Handle(ctx context.Context, msg domain.InboundMessage) error {
	_, err := d.Dispatch(ctx, msg)
	return err
}

// Dispatch обрабатывает одно сообщение.
// Ошибка возвращается только если сообщение нельзя подтверждать: недоступен store,
// отменён ctx или не удалось записать dead-letter. Брокер доставит его повторно.
func (d *Dispatcher) Dispatch(ctx context.Context, msg domain.InboundMessage) (Outcome, error) {
	ctx = otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(msg.Headers))
	ctx, span := d.tracer.Start(ctx, "Dispatcher.Dispatch", trace.WithSpanKind(trace.SpanKindConsumer))
	defer span.End()
	span.SetAttributes(
		attribute.String("messaging.destination", msg.Topic),
		attribute.String("messaging.consumer.group", d.group),
		attribute.Int64("messaging.kafka.partition", int64(msg.Partition)),
		attribute.Int64("messaging.kafka.offset", msg.Offset),
	)

	outcome, err := d.dispatch(ctx, msg)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}
	span.SetAttributes(attribute.String("dispatch.outcome", string(outcome)))
	d.metrics.RecordOutcome(d.group, msg.Topic, string(outcome))
	return outcome, nil
}

func (d *Dispatcher) dispatch(ctx context.Context, msg domain.InboundMessage) (Outcome, error) {
	logger := d.logger.WithFields(log.Fields{
		"topic":     msg.Topic,
		"partition": msg.Partition,
		"offset":    msg.Offset,
	})

	event, err := domain.DecodeEvent(msg.Value)
	if err != nil {
		// Без envelope дедупликация невозможна, повтор ничего не изменит.
		eventID := msg.Headers[domain.HeaderEventID]
		logger.WithError(err).WithField("event_id", eventID).Error("malformed message")
		return d.deadLetter(ctx, logger, msg, eventID, err, 0)
	}

	eventID := event.Metadata.EventID
	logger = logger.WithField("event_id", eventID)
	if event.Metadata.CorrelationID != "" {
		logger = logger.WithField("correlation_id", event.Metadata.CorrelationID)
		ctx = events.WithCorrelationID(ctx, event.Metadata.CorrelationID)
	}
	logger.Debug("message received")

	processed, err := d.store.IsProcessed(ctx, d.group, msg.Topic, eventID)
	if err != nil {
		return "", domain.Transient("dedup check", err)
	}
	if processed {
		logger.Info("duplicate event skipped")
		return OutcomeSkipped, nil
	}

	d.setStatus(ctx, logger, eventID, domain.EventStatusProcessing)

	handler, ok := d.handlers[msg.Topic]
	if !ok {
		logger.Warn("no handler registered for topic")
		return OutcomeIgnored, nil
	}

	var lastErr error
	attempt := 0
	for ; attempt < d.policy.MaxRetries; attempt++ {
		if _, err := d.store.RecordAttempt(ctx, d.group, eventID); err != nil {
			logger.WithError(err).Warn("failed to record attempt")
		}

		lastErr = d.invoke(ctx, handler, event, msg.Topic)
		if lastErr == nil {
			if err := d.store.MarkProcessed(ctx, d.group, msg.Topic, eventID); err != nil {
				// Обработчик уже отработал. Повторная доставка возможна, её покрывает идемпотентность обработчика.
				logger.WithError(err).Error("failed to mark event processed")
			}
			d.setStatus(ctx, logger, eventID, domain.EventStatusSucceeded)
			if attempt > 0 {
				logger.WithField("attempt", attempt+1).Info("event processed after retry")
			}
			return OutcomeProcessed, nil
		}

		if errors.Is(lastErr, context.Canceled) && ctx.Err() != nil {
			return "", ctx.Err()
		}
		if !domain.IsRetryable(lastErr) {
			logger.WithError(lastErr).Warn("permanent handler error")
			attempt++
			break
		}
		if attempt+1 >= d.policy.MaxRetries {
			continue
		}

		delay := d.policy.Delay(attempt)
		d.setStatus(ctx, logger, eventID, domain.EventStatusRetrying)
		d.metrics.RecordRetry(d.group, msg.Topic)
		logger.WithError(lastErr).WithFields(log.Fields{
			"attempt": attempt + 1,
			"delay":   delay,
		}).Warn("handler failed, retrying")

		if err := d.wait(ctx, delay); err != nil {
			return "", err
		}
	}

	d.setStatus(ctx, logger, eventID, domain.EventStatusFailed)
	return d.deadLetter(ctx, logger, msg, eventID, lastErr, attempt)
}

func (d *Dispatcher) invoke(ctx context.Context, handler Handler, event domain.Event, topic string) (err error) {
	started := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
		d.metrics.RecordHandlerDuration(d.group, topic, time.Since(started))
	}()
	return handler(ctx, event)
}

// deadLetter записывает сообщение во все sink-и. Только после этого offset можно подтверждать.
func (d *Dispatcher) deadLetter(ctx context.Context, logger *log.Entry, msg domain.InboundMessage, eventID string, cause error, attempts int) (Outcome, error) {
	letter := domain.DeadLetter{
		ID:            uuid.NewString(),
		EventID:       eventID,
		ConsumerGroup: d.group,
		Topic:         msg.Topic,
		Partition:     msg.Partition,
		Offset:        msg.Offset,
		Key:           string(msg.Key),
		Payload:       msg.Value,
		Error:         cause.Error(),
		Attempts:      attempts,
		FailedAt:      d.now(),
	}

	for _, sink := range d.deadLetters {
		if err := sink.DeadLetter(ctx, letter); err != nil {
			logger.WithError(err).Error("failed to dead-letter message, offset stays uncommitted")
			return "", fmt.Errorf("dead-letter %s/%d/%d: %w", msg.Topic, msg.Partition, msg.Offset, err)
		}
	}

	d.metrics.RecordDeadLetter(d.group, msg.Topic)
	logger.WithError(cause).WithField("attempts", attempts).Error("message dead-lettered")
	return OutcomeDeadLettered, nil
}

func (d *Dispatcher) setStatus(ctx context.Context, logger *log.Entry, eventID string, status domain.EventStatus) {
	if eventID == "" {
		return
	}
	if err := d.store.SetStatus(ctx, d.group, eventID, status); err != nil {
		logger.WithError(err).WithField("status", status).Warn("failed to record event status")
	}
}
