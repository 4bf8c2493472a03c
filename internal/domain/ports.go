package domain

import (
	"context"
	"time"
)

// OrderRepository описывает требования к хранилищу заказов.
type OrderRepository interface {
	// Create сохраняет новый заказ вместе с историей. ErrDuplicate, если ID или номер заняты.
	Create(order Order) error
	// Get возвращает заказ по идентификатору или ErrOrderNotFound.
	Get(id string) (Order, error)
	// GetByNumber ищет заказ по человекочитаемому номеру.
	GetByNumber(orderNumber string) (Order, error)
	// List возвращает заказы по фильтру, новые первыми.
	List(filter OrderFilter) ([]Order, error)
	// Save применяет обновления с optimistic locking и дописывает новые строки истории.
	Save(order Order) error
	// Delete удаляет заказ.
	Delete(id string) error
}

// OrderHistoryRepository хранит аудит переходов заказа.
type OrderHistoryRepository interface {
	Append(entry OrderStatusHistory) error
	ListByOrder(orderID string) ([]OrderStatusHistory, error)
}

// PaymentRepository описывает хранилище платежей.
type PaymentRepository interface {
	Create(payment Payment) error
	Get(id string) (Payment, error)
	ListByOrder(orderID string) ([]Payment, error)
	GetByProviderIntentID(intentID string) (Payment, error)
	Save(payment Payment) error
}

// RefundRepository описывает хранилище возвратов.
type RefundRepository interface {
	Create(refund Refund) error
	Get(id string) (Refund, error)
	GetByProviderRefundID(providerRefundID string) (Refund, error)
	ListByPayment(paymentID string) ([]Refund, error)
	Save(refund Refund) error
}

// DeadLetterRepository — долговременное хранилище dead-letter сообщений.
type DeadLetterRepository interface {
	Save(letter DeadLetter) error
	List(limit int) ([]DeadLetter, error)
}

// ProcessedEventLedger — бессрочный журнал обработанных событий по consumer group.
type ProcessedEventLedger interface {
	// MarkProcessed записывает событие. Повторная запись не ошибка.
	MarkProcessed(group, eventID, topic string, at time.Time) error
	IsProcessed(group, eventID string) (bool, error)
}

// ReservationRepository хранит складские резервы по заказу.
type ReservationRepository interface {
	Get(orderID string) (Reservation, error)
	Upsert(reservation Reservation) error
}

// Cache — контракт key-value хранилища с TTL: get/set/delete/incr.
type Cache interface {
	// Get возвращает значение и признак наличия ключа.
	Get(ctx context.Context, key string) (string, bool, error)
	// Set сохраняет значение; ttl <= 0 означает хранение без срока.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	// Incr атомарно увеличивает счётчик и продлевает его TTL.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
}

// EventSink передаёт готовые сообщения в брокер или outbox.
type EventSink interface {
	// Send отправляет сообщения одной записью.
	Send(ctx context.Context, messages []BrokerMessage) error
}

// DeadLetterSink долговременно фиксирует сообщение, исчерпавшее попытки.
type DeadLetterSink interface {
	DeadLetter(ctx context.Context, letter DeadLetter) error
}

// PaymentGateway — внешний платёжный провайдер. Суммы передаются в минимальных единицах.
type PaymentGateway interface {
	Name() string
	CreateIntent(ctx context.Context, req GatewayIntentRequest) (GatewayIntent, error)
	Confirm(ctx context.Context, intentID string, details PaymentMethodDetails) (GatewayConfirmation, error)
	Cancel(ctx context.Context, intentID string) error
	Refund(ctx context.Context, req GatewayRefundRequest) (GatewayRefund, error)
	VerifyWebhookSignature(payload []byte, signature string) error
}

// GatewayStatus — исход операции у провайдера.
type GatewayStatus string

const (
	GatewayStatusSucceeded      GatewayStatus = "succeeded"
	GatewayStatusProcessing     GatewayStatus = "processing"
	GatewayStatusRequiresAction GatewayStatus = "requires_action"
	GatewayStatusFailed         GatewayStatus = "failed"
	GatewayStatusPending        GatewayStatus = "pending"
)

// GatewayIntentRequest — запрос на создание intent.
type GatewayIntentRequest struct {
	PaymentID   string
	OrderID     string
	AmountMinor int64
	Currency    string
	Method      string
}

// GatewayIntent — intent, созданный провайдером.
type GatewayIntent struct {
	ID           string
	ClientSecret string
	Status       GatewayStatus
}

// PaymentMethodDetails — данные способа оплаты для подтверждения.
type PaymentMethodDetails struct {
	PaymentMethodID string
	ReturnURL       string
}

// GatewayConfirmation — результат подтверждения.
type GatewayConfirmation struct {
	Status GatewayStatus
	Card   *CardSummary
}

// GatewayRefundRequest — запрос на возврат.
type GatewayRefundRequest struct {
	// RefundID — ключ идемпотентности у провайдера: повтор с тем же RefundID не создаёт второй возврат.
	RefundID    string
	IntentID    string
	AmountMinor int64
	Currency    string
	Reason      string
}

// GatewayRefund — возврат, принятый провайдером.
type GatewayRefund struct {
	ID     string
	Status GatewayStatus
}

// WebhookEvent — callback провайдера.
type WebhookEvent struct {
	ID   string      `json:"id"`
	Type string      `json:"type"`
	Data WebhookData `json:"data"`
}

// WebhookData — объект, к которому относится callback.
type WebhookData struct {
	ObjectID       string `json:"objectId"`
	FailureCode    string `json:"failureCode,omitempty"`
	FailureMessage string `json:"failureMessage,omitempty"`
}

// Типы webhook-событий провайдера.
const (
	WebhookPaymentSucceeded      = "payment_intent.succeeded"
	WebhookPaymentFailed         = "payment_intent.payment_failed"
	WebhookPaymentProcessing     = "payment_intent.processing"
	WebhookPaymentRequiresAction = "payment_intent.requires_action"
	WebhookPaymentCanceled       = "payment_intent.canceled"
	WebhookRefundSucceeded       = "refund.succeeded"
	WebhookRefundFailed          = "refund.failed"
)

// OutboxPublisher публикует сообщения из transactional outbox.
type OutboxPublisher interface {
	// Publish передаёт сообщение наружу; должен быть идемпотентным.
	Publish(msg OutboxMessage) error
}

// OutboxRepository позволяет сохранять сообщения для последующей публикации.
type OutboxRepository interface {
	Enqueue(msg OutboxMessage) (OutboxMessage, error)
	// PullPending возвращает pending-сообщения, у которых наступил AvailableAt.
	PullPending(limit int) ([]OutboxMessage, error)
	Stats() (OutboxStats, error)
	MarkSent(id string) error
	MarkFailed(id string) error
}

// IdempotencyRepository хранит состояние обработки команд по idempotency-key.
type IdempotencyRepository interface {
	CreateProcessing(key, requestHash string, ttlAt time.Time) (IdempotencyRecord, error)
	Get(key string) (IdempotencyRecord, error)
	MarkDone(key string, responseBody []byte, httpStatus int) error
	MarkFailed(key string, responseBody []byte, httpStatus int) error
	DeleteExpired(before time.Time, limit int) (int, error)
}

// SagaStep задаёт константы шагов для метрик и логов.
type SagaStep string

const (
	SagaStepCreateOrder    SagaStep = "create_order"
	SagaStepCreatePayment  SagaStep = "create_payment"
	SagaStepConfirmPayment SagaStep = "confirm_payment"
	SagaStepClearCart      SagaStep = "clear_cart"
	SagaStepReserve        SagaStep = "reserve"
	SagaStepRelease        SagaStep = "release"
	SagaStepCancel         SagaStep = "cancel"
	SagaStepRefund         SagaStep = "refund"
)

// OutboxMessage хранит сообщение, ожидающее публикации.
type OutboxMessage struct {
	ID            string
	AggregateType string
	AggregateID   string
	Topic         string
	Key           string
	Payload       []byte
	Headers       map[string]string
	AvailableAt   time.Time
	CreatedAt     time.Time
}

// BrokerMessage переводит запись outbox в сообщение брокера. Без явного ключа
// партиционирование идёт по агрегату, чтобы события одного заказа не обгоняли друг друга.
// DeliverAt не переносится: созревание уже проверил outbox worker.
func (m OutboxMessage) BrokerMessage() (BrokerMessage, error) {
	if m.Topic == "" {
		return BrokerMessage{}, Validationf("outbox message %s has no topic", m.ID)
	}
	key := m.Key
	if key == "" {
		key = m.AggregateID
	}
	if key == "" {
		key = m.ID
	}
	return BrokerMessage{Topic: m.Topic, Key: key, Value: m.Payload, Headers: m.Headers}, nil
}

// OutboxStats описывает текущее состояние backlog transactional outbox.
type OutboxStats struct {
	PendingCount    int
	OldestPendingAt time.Time
}
