package domain

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// OrderStatus описывает жизненный цикл заказа.
type OrderStatus string

const (
	// OrderStatusPending — заказ создан, резерв и оплата ещё не начаты.
	OrderStatusPending OrderStatus = "PENDING"
	// OrderStatusProcessing — заказ принят в обработку.
	OrderStatusProcessing OrderStatus = "PROCESSING"
	// OrderStatusPaymentPending — создан платёж, ждём подтверждения от платёжного сервиса.
	OrderStatusPaymentPending OrderStatus = "PAYMENT_PENDING"
	// OrderStatusPaymentFailed — платёж отклонён.
	OrderStatusPaymentFailed OrderStatus = "PAYMENT_FAILED"
	// OrderStatusConfirmed — заказ оплачен.
	OrderStatusConfirmed OrderStatus = "CONFIRMED"
	// OrderStatusPreparing — заказ собирается на складе.
	OrderStatusPreparing OrderStatus = "PREPARING"
	// OrderStatusShipped — заказ передан перевозчику.
	OrderStatusShipped OrderStatus = "SHIPPED"
	// OrderStatusDelivered — заказ доставлен. Терминальный статус.
	OrderStatusDelivered OrderStatus = "DELIVERED"
	// OrderStatusCancelled — заказ отменён. Терминальный статус.
	OrderStatusCancelled OrderStatus = "CANCELLED"
)

// Имена переходов, которые попадают в StateError.
const (
	TransitionStartProcessing = "start processing"
	TransitionAwaitPayment    = "await payment"
	TransitionConfirm         = "confirm"
	TransitionFailPayment     = "fail payment"
	TransitionStartPreparing  = "start preparing"
	TransitionShip            = "ship"
	TransitionDeliver         = "deliver"
	TransitionCancel          = "cancel"
)

// Ошибки валидации заказа.
var (
	ErrUserIDRequired       = Validationf("user id is required")
	ErrItemsRequired        = Validationf("order must contain at least one item")
	ErrItemQtyInvalid       = Validationf("item quantity must be positive")
	ErrItemPriceInvalid     = Validationf("item unit price must not be negative")
	ErrItemProductRequired  = Validationf("item product id is required")
	ErrAdjustmentNegative   = Validationf("shipping, tax and discount must not be negative")
	ErrTotalNegative        = Validationf("order total must not be negative")
	ErrPaymentIDRequired    = Validationf("payment id is required")
	ErrTrackingRequired     = Validationf("tracking number and carrier are required")
	ErrCancelReasonRequired = Validationf("cancellation reason is required")
	ErrTotalMismatch        = errors.New("order total does not match pricing")
	ErrItemTotalMismatch    = errors.New("item total does not match unit price and quantity")
)

var cancellableStatuses = map[OrderStatus]struct{}{
	OrderStatusPending:        {},
	OrderStatusProcessing:     {},
	OrderStatusPaymentPending: {},
	OrderStatusConfirmed:      {},
	OrderStatusPreparing:      {},
}

// Valid проверяет, что статус относится к поддерживаемым значениям.
func (s OrderStatus) Valid() bool {
	switch s {
	case OrderStatusPending, OrderStatusProcessing, OrderStatusPaymentPending, OrderStatusPaymentFailed,
		OrderStatusConfirmed, OrderStatusPreparing, OrderStatusShipped, OrderStatusDelivered, OrderStatusCancelled:
		return true
	default:
		return false
	}
}

// Terminal сообщает, что из статуса больше нет переходов.
func (s OrderStatus) Terminal() bool {
	return s == OrderStatusDelivered || s == OrderStatusCancelled
}

// OrderItem представляет одну позицию заказа.
type OrderItem struct {
	ProductID  string
	VariantID  string
	Name       string
	SKU        string
	Quantity   int32
	UnitPrice  decimal.Decimal
	TotalPrice decimal.Decimal
}

// Address — адрес доставки или плательщика.
type Address struct {
	FullName   string
	Line1      string
	Line2      string
	City       string
	State      string
	PostalCode string
	Country    string
	Phone      string
}

// OrderStatusHistory — строка аудита: один переход заказа.
type OrderStatusHistory struct {
	ID        string
	OrderID   string
	Status    OrderStatus
	Note      string
	UpdatedBy string
	Timestamp time.Time
}

// Order агрегирует состояние заказа.
// Поля экспортированы для хранилищ; менять состояние можно только методами переходов.
type Order struct {
	ID                 string
	OrderNumber        string
	UserID             string
	Items              []OrderItem
	Status             OrderStatus
	Currency           string
	Subtotal           decimal.Decimal
	ShippingCost       decimal.Decimal
	TaxAmount          decimal.Decimal
	DiscountAmount     decimal.Decimal
	Total              decimal.Decimal
	PaymentMethod      string
	PaymentID          string
	PaidAt             *time.Time
	ShippingAddress    Address
	BillingAddress     Address
	TrackingNumber     string
	Carrier            string
	ShippedAt          *time.Time
	EstimatedDelivery  *time.Time
	DeliveredAt        *time.Time
	CancelledAt        *time.Time
	CancellationReason string
	CancelledBy        string
	History            []OrderStatusHistory
	Version            int64
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// NewOrderParams — входные данные для создания заказа.
type NewOrderParams struct {
	ID              string
	OrderNumber     string
	UserID          string
	Items           []OrderItem
	Currency        string
	ShippingCost    decimal.Decimal
	TaxAmount       decimal.Decimal
	DiscountAmount  decimal.Decimal
	PaymentMethod   string
	ShippingAddress Address
	BillingAddress  Address
}

// NewOrder валидирует входные данные, считает стоимость и создаёт заказ в статусе PENDING
// с первой строкой истории.
func NewOrder(params NewOrderParams, now time.Time) (Order, error) {
	if strings.TrimSpace(params.UserID) == "" {
		return Order{}, ErrUserIDRequired
	}
	if len(params.Items) == 0 {
		return Order{}, ErrItemsRequired
	}
	for _, item := range params.Items {
		switch {
		case item.ProductID == "":
			return Order{}, ErrItemProductRequired
		case item.Quantity <= 0:
			return Order{}, ErrItemQtyInvalid
		case item.UnitPrice.IsNegative():
			return Order{}, ErrItemPriceInvalid
		}
	}
	if params.ShippingCost.IsNegative() || params.TaxAmount.IsNegative() || params.DiscountAmount.IsNegative() {
		return Order{}, ErrAdjustmentNegative
	}

	id := params.ID
	if id == "" {
		id = uuid.NewString()
	}
	number := params.OrderNumber
	if number == "" {
		number = NewOrderNumber(now)
	}
	currency := params.Currency
	if currency == "" {
		currency = "USD"
	}

	order := Order{
		ID:              id,
		OrderNumber:     number,
		UserID:          params.UserID,
		Items:           append([]OrderItem(nil), params.Items...),
		Status:          OrderStatusPending,
		Currency:        strings.ToUpper(currency),
		ShippingCost:    params.ShippingCost,
		TaxAmount:       params.TaxAmount,
		DiscountAmount:  params.DiscountAmount,
		PaymentMethod:   params.PaymentMethod,
		ShippingAddress: params.ShippingAddress,
		BillingAddress:  params.BillingAddress,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	order.CalculatePricing()
	if order.Total.IsNegative() {
		return Order{}, ErrTotalNegative
	}
	order.appendHistory(OrderStatusPending, "order created", params.UserID, now)
	return order, nil
}

// NewOrderNumber генерирует человекочитаемый номер заказа вида ORD-20240102-1A2B3C4D.
func NewOrderNumber(now time.Time) string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
	return "ORD-" + now.UTC().Format("20060102") + "-" + suffix
}

// CalculatePricing пересчитывает стоимость позиций, subtotal и total.
func (o *Order) CalculatePricing() {
	subtotal := decimal.Zero
	for i := range o.Items {
		item := &o.Items[i]
		item.UnitPrice = Round2(item.UnitPrice)
		item.TotalPrice = Round2(item.UnitPrice.Mul(decimal.NewFromInt32(item.Quantity)))
		subtotal = subtotal.Add(item.TotalPrice)
	}
	o.ShippingCost = Round2(o.ShippingCost)
	o.TaxAmount = Round2(o.TaxAmount)
	o.DiscountAmount = Round2(o.DiscountAmount)
	o.Subtotal = Round2(subtotal)
	o.Total = Round2(o.Subtotal.Add(o.ShippingCost).Add(o.TaxAmount).Sub(o.DiscountAmount))
}

// ValidateInvariants проверяет ценовые инварианты заказа и возвращает список замечаний.
func (o *Order) ValidateInvariants() []error {
	var errs []error

	if o.UserID == "" {
		errs = append(errs, ErrUserIDRequired)
	}
	if len(o.Items) == 0 {
		errs = append(errs, ErrItemsRequired)
	}

	subtotal := decimal.Zero
	for _, item := range o.Items {
		if item.Quantity <= 0 {
			errs = append(errs, ErrItemQtyInvalid)
		}
		if item.UnitPrice.IsNegative() {
			errs = append(errs, ErrItemPriceInvalid)
		}
		if !item.TotalPrice.Equal(Round2(item.UnitPrice.Mul(decimal.NewFromInt32(item.Quantity)))) {
			errs = append(errs, ErrItemTotalMismatch)
		}
		subtotal = subtotal.Add(item.TotalPrice)
	}

	expected := Round2(o.Subtotal.Add(o.ShippingCost).Add(o.TaxAmount).Sub(o.DiscountAmount))
	if !Round2(subtotal).Equal(o.Subtotal) || !expected.Equal(o.Total) {
		errs = append(errs, ErrTotalMismatch)
	}

	return errs
}

// CanCancel сообщает, можно ли отменить заказ в текущем статусе.
func (o *Order) CanCancel() bool {
	_, ok := cancellableStatuses[o.Status]
	return ok
}

// IsPaid — по заказу подтверждена оплата.
func (o *Order) IsPaid() bool {
	return o.PaidAt != nil && o.PaymentID != ""
}

// StartProcessing переводит заказ из PENDING в PROCESSING.
func (o *Order) StartProcessing(actor string, now time.Time) error {
	if o.Status != OrderStatusPending {
		return o.stateError(TransitionStartProcessing)
	}
	o.transition(OrderStatusProcessing, "order accepted for processing", actor, now)
	return nil
}

// AwaitPayment фиксирует созданный платёж и ожидание его подтверждения.
func (o *Order) AwaitPayment(paymentID, actor string, now time.Time) error {
	if o.Status != OrderStatusPending && o.Status != OrderStatusProcessing {
		return o.stateError(TransitionAwaitPayment)
	}
	if strings.TrimSpace(paymentID) == "" {
		return ErrPaymentIDRequired
	}
	o.PaymentID = paymentID
	o.transition(OrderStatusPaymentPending, "awaiting payment "+paymentID, actor, now)
	return nil
}

// Confirm подтверждает оплату заказа. Допустим только из PENDING и PAYMENT_PENDING.
func (o *Order) Confirm(paymentID string, now time.Time) error {
	if o.Status != OrderStatusPending && o.Status != OrderStatusPaymentPending {
		return o.stateError(TransitionConfirm)
	}
	if strings.TrimSpace(paymentID) == "" {
		return ErrPaymentIDRequired
	}
	paidAt := now
	o.PaymentID = paymentID
	o.PaidAt = &paidAt
	o.transition(OrderStatusConfirmed, "payment "+paymentID+" confirmed", "system", now)
	return nil
}

// FailPayment фиксирует отказ платежа.
func (o *Order) FailPayment(reason string, now time.Time) error {
	if o.Status != OrderStatusPaymentPending {
		return o.stateError(TransitionFailPayment)
	}
	note := "payment failed"
	if reason != "" {
		note += ": " + reason
	}
	o.transition(OrderStatusPaymentFailed, note, "system", now)
	return nil
}

// StartPreparing переводит оплаченный заказ в сборку.
func (o *Order) StartPreparing(actor string, now time.Time) error {
	if o.Status != OrderStatusConfirmed {
		return o.stateError(TransitionStartPreparing)
	}
	o.transition(OrderStatusPreparing, "order is being prepared", actor, now)
	return nil
}

// Ship передаёт заказ перевозчику. estimatedDays <= 0 означает, что срок неизвестен.
func (o *Order) Ship(trackingNumber, carrier string, estimatedDays int, actor string, now time.Time) error {
	if o.Status != OrderStatusConfirmed && o.Status != OrderStatusPreparing {
		return o.stateError(TransitionShip)
	}
	if strings.TrimSpace(trackingNumber) == "" || strings.TrimSpace(carrier) == "" {
		return ErrTrackingRequired
	}
	shippedAt := now
	o.TrackingNumber = trackingNumber
	o.Carrier = carrier
	o.ShippedAt = &shippedAt
	o.EstimatedDelivery = nil
	if estimatedDays > 0 {
		eta := now.AddDate(0, 0, estimatedDays)
		o.EstimatedDelivery = &eta
	}
	o.transition(OrderStatusShipped, "shipped via "+carrier+", tracking "+trackingNumber, actor, now)
	return nil
}

// Deliver фиксирует доставку.
func (o *Order) Deliver(actor string, now time.Time) error {
	if o.Status != OrderStatusShipped {
		return o.stateError(TransitionDeliver)
	}
	deliveredAt := now
	o.DeliveredAt = &deliveredAt
	o.transition(OrderStatusDelivered, "order delivered", actor, now)
	return nil
}

// Cancel отменяет заказ. Если actor пуст, отменившим считается владелец заказа.
func (o *Order) Cancel(reason, actor string, now time.Time) error {
	if !o.CanCancel() {
		return o.stateError(TransitionCancel)
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return ErrCancelReasonRequired
	}
	if actor == "" {
		actor = o.UserID
	}
	cancelledAt := now
	o.CancelledAt = &cancelledAt
	o.CancellationReason = reason
	o.CancelledBy = actor
	o.transition(OrderStatusCancelled, reason, actor, now)
	return nil
}

// AddNote добавляет запись в историю без смены статуса.
func (o *Order) AddNote(note, actor string, now time.Time) {
	o.UpdatedAt = now
	o.appendHistory(o.Status, note, actor, now)
}

func (o *Order) transition(to OrderStatus, note, actor string, now time.Time) {
	o.Status = to
	o.UpdatedAt = now
	o.appendHistory(to, note, actor, now)
}

func (o *Order) appendHistory(status OrderStatus, note, actor string, now time.Time) {
	o.History = append(o.History, OrderStatusHistory{
		ID:        uuid.NewString(),
		OrderID:   o.ID,
		Status:    status,
		Note:      note,
		UpdatedBy: actor,
		Timestamp: now,
	})
}

func (o *Order) stateError(transition string) error {
	return NewStateError(transition, string(o.Status))
}

// OrderFilter задаёт фильтры для выборки заказов пользователя.
type OrderFilter struct {
	UserID   string
	Statuses []OrderStatus
	From     time.Time
	To       time.Time
	Limit    int
	Offset   int
}
