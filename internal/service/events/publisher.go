package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
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
)

// PublishOptions — параметры публикации.
type PublishOptions struct {
	Priority      domain.Priority
	CorrelationID string
	UserID        string
	// PartitionKey определяет партицию. Для событий заказа это orderId.
	PartitionKey string
	// DeliverAt в будущем делает событие отложенным.
	DeliverAt time.Time
	// EventID задаёт eventId вместо случайного. Повторная публикация с тем же
	// EventID отбрасывается дедупликацией потребителей. Только для одного события.
	EventID string
}

// eventNamespace — пространство имён для выводимых eventId (UUIDv5).
var eventNamespace = uuid.MustParse("6f1c7a52-3d4b-5e8f-9a21-0c4d7e6b5a13")

// DerivedEventID строит стабильный eventId из частей ключа: одни и те же части дают
// один и тот же идентификатор при каждой публикации.
func DerivedEventID(parts ...string) string {
	return uuid.NewSHA1(eventNamespace, []byte(strings.Join(parts, "\x00"))).String()
}

// Option настраивает Publisher.
type Option func(*Publisher)

// WithDelayedSink задаёт sink для отложенных событий (outbox с available_at).
func WithDelayedSink(sink domain.EventSink) Option {
	return func(p *Publisher) {
		p.delayed = sink
	}
}

// WithMetrics подключает метрики публикации.
func WithMetrics(m *metrics.SagaMetrics) Option {
	return func(p *Publisher) {
		p.metrics = m
	}
}

// WithLogger задаёт logger.
func WithLogger(logger *log.Entry) Option {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// WithClock подменяет источник времени.
func WithClock(now func() time.Time) Option {
	return func(p *Publisher) {
		p.now = now
	}
}

// Publisher собирает envelope и передаёт его в sink.
type Publisher struct {
	source  string
	sink    domain.EventSink
	delayed domain.EventSink
	metrics *metrics.SagaMetrics
	logger  *log.Entry
	tracer  trace.Tracer
	now     func() time.Time
}

// NewPublisher создаёт publisher сервиса source.
func NewPublisher(source string, sink domain.EventSink, opts ...Option) *Publisher {
	p := &Publisher{
		source: source,
		sink:   sink,
		tracer: otel.Tracer("events"),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = log.WithField("component", "event-publisher")
	}
	return p
}

// Publish публикует одно событие. Ключом сообщения служит PartitionKey, иначе eventId.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any, opts PublishOptions) (domain.Event, error) {
	events, err := p.PublishBatch(ctx, topic, []any{payload}, opts)
	if err != nil {
		return domain.Event{}, err
	}
	return events[0], nil
}

// PublishBatch отправляет несколько событий одной записью в брокер.
// Все события получают один PartitionKey; события разных заказов так объединять нельзя.
func (p *Publisher) PublishBatch(ctx context.Context, topic string, payloads []any, opts PublishOptions) ([]domain.Event, error) {
	if topic == "" {
		return nil, domain.Validationf("topic is required")
	}
	if len(payloads) == 0 {
		return nil, nil
	}
	if opts.Priority == "" {
		opts.Priority = domain.PriorityNormal
	}
	if !opts.Priority.Valid() {
		return nil, domain.Validationf("unknown priority %q", opts.Priority)
	}
	if opts.EventID != "" && len(payloads) > 1 {
		return nil, domain.Validationf("event id can be fixed only for a single event")
	}
	if opts.CorrelationID == "" {
		opts.CorrelationID = CorrelationID(ctx)
	}

	ctx, span := p.tracer.Start(ctx, "Publisher.Publish", trace.WithSpanKind(trace.SpanKindProducer))
	defer span.End()
	span.SetAttributes(
		attribute.String("messaging.destination", topic),
		attribute.Int("messaging.batch.message_count", len(payloads)),
	)

	now := p.now()
	events := make([]domain.Event, 0, len(payloads))
	messages := make([]domain.BrokerMessage, 0, len(payloads))
	for _, payload := range payloads {
		event, msg, err := p.build(ctx, topic, payload, opts, now)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		events = append(events, event)
		messages = append(messages, msg)
	}

	sink := p.sink
	delayed := opts.DeliverAt.After(now)
	if delayed && p.delayed != nil {
		sink = p.delayed
	}
	if sink == nil {
		return nil, fmt.Errorf("publish %s: sink is not configured", topic)
	}

	if err := sink.Send(ctx, messages); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		p.logger.WithError(err).WithFields(log.Fields{
			"topic": topic,
			"count": len(messages),
		}).Error("failed to publish events")
		return nil, fmt.Errorf("publish %s: %w", topic, err)
	}

	p.metrics.RecordPublished(topic, len(events))
	entry := p.logger.WithFields(log.Fields{
		"topic":          topic,
		"key":            messages[0].Key,
		"event_id":       events[0].Metadata.EventID,
		"count":          len(events),
		"correlation_id": opts.CorrelationID,
	})
	if delayed {
		entry.WithField("deliver_at", opts.DeliverAt).Info("delayed event scheduled")
	} else {
		entry.Debug("events published")
	}
	return events, nil
}

func (p *Publisher) build(ctx context.Context, topic string, payload any, opts PublishOptions, now time.Time) (domain.Event, domain.BrokerMessage, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return domain.Event{}, domain.BrokerMessage{}, domain.Validationf("encode %s payload: %v", topic, err)
	}

	eventID := opts.EventID
	if eventID == "" {
		eventID = uuid.NewString()
	}
	event := domain.Event{
		Metadata: domain.EventMetadata{
			EventID:       eventID,
			EventType:     topic,
			Timestamp:     now,
			Version:       domain.SchemaVersion,
			Priority:      opts.Priority,
			Source:        p.source,
			CorrelationID: opts.CorrelationID,
			UserID:        opts.UserID,
		},
		Data: data,
	}
	value, err := json.Marshal(event)
	if err != nil {
		return domain.Event{}, domain.BrokerMessage{}, fmt.Errorf("encode envelope: %w", err)
	}

	key := opts.PartitionKey
	if key == "" {
		key = event.Metadata.EventID
	}

	headers := map[string]string{
		domain.HeaderEventID:       event.Metadata.EventID,
		domain.HeaderEventType:     topic,
		domain.HeaderSchemaVersion: domain.SchemaVersion,
		domain.HeaderSource:        p.source,
	}
	if opts.CorrelationID != "" {
		headers[domain.HeaderCorrelationID] = opts.CorrelationID
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(headers))

	return event, domain.BrokerMessage{
		Topic:     topic,
		Key:       key,
		Value:     value,
		Headers:   headers,
		DeliverAt: opts.DeliverAt,
	}, nil
}
