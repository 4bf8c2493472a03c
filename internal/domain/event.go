package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Топики брокера. Тип события совпадает с именем топика.
const (
	TopicOrderCreated          = "order.created"
	TopicOrderConfirmed        = "order.confirmed"
	TopicOrderShipped          = "order.shipped"
	TopicOrderDelivered        = "order.delivered"
	TopicOrderCancelled        = "order.cancelled"
	TopicOrderPaymentTimeout   = "order.payment_timeout"
	TopicPaymentInitiated      = "payment.initiated"
	TopicPaymentProcessing     = "payment.processing"
	TopicPaymentSucceeded      = "payment.succeeded"
	TopicPaymentFailed         = "payment.failed"
	TopicPaymentCancelled      = "payment.cancelled"
	TopicPaymentRefundRequest  = "payment.refund_request"
	TopicRefundInitiated       = "refund.initiated"
	TopicRefundSucceeded       = "refund.succeeded"
	TopicRefundFailed          = "refund.failed"
	TopicInventoryReserve      = "inventory.reserve_request"
	TopicInventoryRelease      = "inventory.release_request"
	DefaultDeadLetterTopicName = "fulfillment.dlq"
)

// Заголовки брокерного сообщения. Дублируют поля envelope для маршрутизации без разбора тела.
const (
	HeaderEventID       = "x-event-id"
	HeaderEventType     = "x-event-type"
	HeaderSchemaVersion = "x-schema-version"
	HeaderCorrelationID = "x-correlation-id"
	HeaderSource        = "x-source"
)

// SchemaVersion — версия схемы envelope.
const SchemaVersion = "1.0"

// IsFinancialTopic — события платежей и возвратов, для которых ведётся бессрочный журнал обработки.
func IsFinancialTopic(topic string) bool {
	return strings.HasPrefix(topic, "payment.") || strings.HasPrefix(topic, "refund.")
}

// Priority — приоритет события.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Valid проверяет, что приоритет относится к поддерживаемым значениям.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityCritical:
		return true
	default:
		return false
	}
}

// EventMetadata — служебная часть envelope.
type EventMetadata struct {
	EventID       string    `json:"eventId"`
	EventType     string    `json:"eventType"`
	Timestamp     time.Time `json:"timestamp"`
	Version       string    `json:"version"`
	Priority      Priority  `json:"priority"`
	Source        string    `json:"source"`
	CorrelationID string    `json:"correlationId,omitempty"`
	UserID        string    `json:"userId,omitempty"`
}

// Event — envelope, который передаётся через брокер.
type Event struct {
	Metadata EventMetadata   `json:"metadata"`
	Data     json.RawMessage `json:"data"`
}

// DecodeEvent разбирает envelope из сырых байт сообщения.
func DecodeEvent(raw []byte) (Event, error) {
	var event Event
	if err := json.Unmarshal(raw, &event); err != nil {
		return Event{}, Validationf("malformed event envelope: %v", err)
	}
	if event.Metadata.EventID == "" {
		return Event{}, Validationf("event envelope has no eventId")
	}
	return event, nil
}

// DecodeData разбирает payload события в v.
func (e Event) DecodeData(v any) error {
	if len(e.Data) == 0 {
		return Validationf("event %s has empty data", e.Metadata.EventID)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("%w: decode %s payload: %v", ErrValidation, e.Metadata.EventType, err)
	}
	return nil
}

// BrokerMessage — готовое к отправке сообщение.
// Ненулевой DeliverAt в будущем означает отложенную доставку.
type BrokerMessage struct {
	Topic     string
	Key       string
	Value     []byte
	Headers   map[string]string
	DeliverAt time.Time
}

// InboundMessage — сообщение, полученное консьюмером из брокера.
type InboundMessage struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Headers   map[string]string
	Timestamp time.Time
}

// DeadLetter — сообщение, которое не удалось обработать после всех попыток.
type DeadLetter struct {
	ID            string
	EventID       string
	ConsumerGroup string
	Topic         string
	Partition     int32
	Offset        int64
	Key           string
	Payload       []byte
	Error         string
	Attempts      int
	FailedAt      time.Time
}

// OrderItemPayload — позиция заказа в событиях.
type OrderItemPayload struct {
	ProductID  string          `json:"productId"`
	VariantID  string          `json:"variantId,omitempty"`
	SKU        string          `json:"sku"`
	Name       string          `json:"name,omitempty"`
	Quantity   int32           `json:"quantity"`
	UnitPrice  decimal.Decimal `json:"unitPrice"`
	TotalPrice decimal.Decimal `json:"totalPrice"`
}

// ItemsPayload конвертирует позиции заказа для событий.
func ItemsPayload(items []OrderItem) []OrderItemPayload {
	out := make([]OrderItemPayload, 0, len(items))
	for _, item := range items {
		out = append(out, OrderItemPayload{
			ProductID:  item.ProductID,
			VariantID:  item.VariantID,
			SKU:        item.SKU,
			Name:       item.Name,
			Quantity:   item.Quantity,
			UnitPrice:  item.UnitPrice,
			TotalPrice: item.TotalPrice,
		})
	}
	return out
}

// OrderCreatedPayload — данные order.created.
type OrderCreatedPayload struct {
	OrderID       string             `json:"orderId"`
	OrderNumber   string             `json:"orderNumber"`
	UserID        string             `json:"userId"`
	Items         []OrderItemPayload `json:"items"`
	Total         decimal.Decimal    `json:"total"`
	Currency      string             `json:"currency"`
	PaymentMethod string             `json:"paymentMethod,omitempty"`
}

// OrderConfirmedPayload — данные order.confirmed.
type OrderConfirmedPayload struct {
	OrderID   string          `json:"orderId"`
	PaymentID string          `json:"paymentId"`
	Total     decimal.Decimal `json:"total"`
	PaidAt    time.Time       `json:"paidAt"`
}

// OrderShippedPayload — данные order.shipped.
type OrderShippedPayload struct {
	OrderID           string     `json:"orderId"`
	TrackingNumber    string     `json:"trackingNumber"`
	Carrier           string     `json:"carrier"`
	EstimatedDelivery *time.Time `json:"estimatedDelivery,omitempty"`
}

// OrderDeliveredPayload — данные order.delivered.
type OrderDeliveredPayload struct {
	OrderID     string    `json:"orderId"`
	DeliveredAt time.Time `json:"deliveredAt"`
}

// OrderCancelledPayload — данные order.cancelled.
type OrderCancelledPayload struct {
	OrderID     string `json:"orderId"`
	PaymentID   string `json:"paymentId,omitempty"`
	Reason      string `json:"reason"`
	CancelledBy string `json:"cancelledBy"`
}

// PaymentTimeoutPayload — данные отложенного order.payment_timeout.
type PaymentTimeoutPayload struct {
	OrderID   string `json:"orderId"`
	PaymentID string `json:"paymentId"`
}

// PaymentEventPayload — данные событий payment.*.
type PaymentEventPayload struct {
	PaymentID               string          `json:"paymentId"`
	OrderID                 string          `json:"orderId"`
	UserID                  string          `json:"userId,omitempty"`
	Amount                  decimal.Decimal `json:"amount"`
	Currency                string          `json:"currency"`
	Status                  PaymentStatus   `json:"status"`
	ProviderPaymentIntentID string          `json:"providerPaymentIntentId,omitempty"`
	FailureCode             string          `json:"failureCode,omitempty"`
	FailureMessage          string          `json:"failureMessage,omitempty"`
}

// NewPaymentEventPayload собирает payload из платежа.
func NewPaymentEventPayload(p Payment) PaymentEventPayload {
	return PaymentEventPayload{
		PaymentID:               p.ID,
		OrderID:                 p.OrderID,
		UserID:                  p.UserID,
		Amount:                  p.Amount,
		Currency:                p.Currency,
		Status:                  p.Status,
		ProviderPaymentIntentID: p.ProviderPaymentIntentID,
		FailureCode:             p.FailureCode,
		FailureMessage:          p.FailureMessage,
	}
}

// RefundEventPayload — данные событий refund.*.
type RefundEventPayload struct {
	RefundID      string          `json:"refundId"`
	PaymentID     string          `json:"paymentId"`
	OrderID       string          `json:"orderId"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	Status        RefundStatus    `json:"status"`
	Reason        string          `json:"reason,omitempty"`
	FailureReason string          `json:"failureReason,omitempty"`
}

// NewRefundEventPayload собирает payload из возврата.
func NewRefundEventPayload(r Refund) RefundEventPayload {
	return RefundEventPayload{
		RefundID:      r.ID,
		PaymentID:     r.PaymentID,
		OrderID:       r.OrderID,
		Amount:        r.Amount,
		Currency:      r.Currency,
		Status:        r.Status,
		Reason:        r.Reason,
		FailureReason: r.FailureReason,
	}
}

// RefundRequestPayload — данные payment.refund_request.
// Пустая сумма означает возврат всего остатка.
type RefundRequestPayload struct {
	OrderID   string           `json:"orderId"`
	PaymentID string           `json:"paymentId,omitempty"`
	Amount    *decimal.Decimal `json:"amount,omitempty"`
	Reason    string           `json:"reason"`
}

// InventoryRequestPayload — данные inventory.reserve_request и inventory.release_request.
type InventoryRequestPayload struct {
	OrderID string             `json:"orderId"`
	Items   []OrderItemPayload `json:"items"`
	Reason  string             `json:"reason,omitempty"`
}
