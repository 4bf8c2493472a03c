package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PaymentStatus описывает состояние платежа.
type PaymentStatus string

const (
	// PaymentStatusPending — платёж создан, intent у провайдера заведён.
	PaymentStatusPending PaymentStatus = "PENDING"
	// PaymentStatusProcessing — провайдер обрабатывает списание.
	PaymentStatusProcessing PaymentStatus = "PROCESSING"
	// PaymentStatusRequiresAction — нужна дополнительная аутентификация (3-D Secure и т.п.).
	PaymentStatusRequiresAction PaymentStatus = "REQUIRES_ACTION"
	// PaymentStatusSucceeded — деньги списаны.
	PaymentStatusSucceeded PaymentStatus = "SUCCEEDED"
	// PaymentStatusFailed — провайдер отклонил платёж.
	PaymentStatusFailed PaymentStatus = "FAILED"
	// PaymentStatusCancelled — платёж отменён до списания.
	PaymentStatusCancelled PaymentStatus = "CANCELLED"
)

// Имена переходов платежа.
const (
	TransitionPaymentProcess       = "process payment"
	TransitionPaymentRequireAction = "require action"
	TransitionPaymentSucceed       = "succeed payment"
	TransitionPaymentFail          = "fail payment"
	TransitionPaymentConfirm       = "confirm payment"
	TransitionPaymentCancel        = "cancel payment"
	TransitionPaymentRefund        = "refund payment"
)

var (
	ErrOrderIDRequired        = Validationf("order id is required")
	ErrPaymentAmountInvalid   = Validationf("payment amount must be positive")
	ErrCurrencyRequired       = Validationf("currency is required")
	ErrRefundAmountInvalid    = Validationf("refund amount must be positive")
	ErrPaymentIntentRequired  = Validationf("provider payment intent id is required")
	ErrProviderRefundRequired = Validationf("provider refund id is required")
)

// Valid проверяет, что статус относится к поддерживаемым значениям.
func (s PaymentStatus) Valid() bool {
	switch s {
	case PaymentStatusPending, PaymentStatusProcessing, PaymentStatusRequiresAction,
		PaymentStatusSucceeded, PaymentStatusFailed, PaymentStatusCancelled:
		return true
	default:
		return false
	}
}

// Terminal сообщает, что базовая state machine платежа завершена.
func (s PaymentStatus) Terminal() bool {
	return s == PaymentStatusSucceeded || s == PaymentStatusFailed || s == PaymentStatusCancelled
}

// CardSummary — безопасная сводка по карте.
type CardSummary struct {
	Last4    string
	Brand    string
	ExpMonth int
	ExpYear  int
}

// Payment описывает платёж по заказу.
type Payment struct {
	ID                      string
	OrderID                 string
	UserID                  string
	Amount                  decimal.Decimal
	Currency                string
	Status                  PaymentStatus
	Method                  string
	Provider                string
	ProviderPaymentIntentID string
	Card                    *CardSummary
	PaidAt                  *time.Time
	FailedAt                *time.Time
	CancelledAt             *time.Time
	FailureCode             string
	FailureMessage          string
	RefundedAmount          decimal.Decimal
	Version                 int64
	CreatedAt               time.Time
	UpdatedAt               time.Time
}

// NewPaymentParams — входные данные для создания платежа.
type NewPaymentParams struct {
	OrderID  string
	UserID   string
	Amount   decimal.Decimal
	Currency string
	Method   string
	Provider string
}

// NewPayment создаёт платёж в статусе PENDING. Проверку границ суммы делает сервис.
func NewPayment(params NewPaymentParams, now time.Time) (Payment, error) {
	if strings.TrimSpace(params.OrderID) == "" {
		return Payment{}, ErrOrderIDRequired
	}
	if strings.TrimSpace(params.Currency) == "" {
		return Payment{}, ErrCurrencyRequired
	}
	amount := Round2(params.Amount)
	if !amount.IsPositive() {
		return Payment{}, ErrPaymentAmountInvalid
	}
	return Payment{
		ID:             uuid.NewString(),
		OrderID:        params.OrderID,
		UserID:         params.UserID,
		Amount:         amount,
		Currency:       strings.ToUpper(params.Currency),
		Status:         PaymentStatusPending,
		Method:         params.Method,
		Provider:       params.Provider,
		RefundedAmount: decimal.Zero,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

// AttachIntent запоминает идентификатор intent у провайдера.
func (p *Payment) AttachIntent(intentID string, now time.Time) error {
	if strings.TrimSpace(intentID) == "" {
		return ErrPaymentIntentRequired
	}
	p.ProviderPaymentIntentID = intentID
	p.UpdatedAt = now
	return nil
}

// CanConfirm — подтверждение возможно, пока платёж не завершён.
func (p *Payment) CanConfirm() error {
	if p.Status.Terminal() {
		return p.stateError(TransitionPaymentConfirm)
	}
	return nil
}

// MarkProcessing: PENDING → PROCESSING. Повторный вызов в PROCESSING ничего не меняет.
func (p *Payment) MarkProcessing(now time.Time) error {
	switch p.Status {
	case PaymentStatusProcessing:
		return nil
	case PaymentStatusPending:
		p.Status = PaymentStatusProcessing
		p.UpdatedAt = now
		return nil
	default:
		return p.stateError(TransitionPaymentProcess)
	}
}

// RequireAction: PENDING|PROCESSING → REQUIRES_ACTION.
func (p *Payment) RequireAction(now time.Time) error {
	switch p.Status {
	case PaymentStatusRequiresAction:
		return nil
	case PaymentStatusPending, PaymentStatusProcessing:
		p.Status = PaymentStatusRequiresAction
		p.UpdatedAt = now
		return nil
	default:
		return p.stateError(TransitionPaymentRequireAction)
	}
}

// Succeed фиксирует успешное списание.
func (p *Payment) Succeed(card *CardSummary, now time.Time) error {
	switch p.Status {
	case PaymentStatusPending, PaymentStatusProcessing, PaymentStatusRequiresAction:
	default:
		return p.stateError(TransitionPaymentSucceed)
	}
	paidAt := now
	p.Status = PaymentStatusSucceeded
	p.PaidAt = &paidAt
	if card != nil {
		p.Card = card
	}
	p.FailureCode = ""
	p.FailureMessage = ""
	p.UpdatedAt = now
	return nil
}

// Fail фиксирует отказ провайдера вместе с кодом и сообщением.
func (p *Payment) Fail(code, message string, now time.Time) error {
	switch p.Status {
	case PaymentStatusPending, PaymentStatusProcessing, PaymentStatusRequiresAction:
	default:
		return p.stateError(TransitionPaymentFail)
	}
	failedAt := now
	p.Status = PaymentStatusFailed
	p.FailedAt = &failedAt
	p.FailureCode = code
	p.FailureMessage = message
	p.UpdatedAt = now
	return nil
}

// Cancel: PENDING|REQUIRES_ACTION → CANCELLED. Для CANCELLED идемпотентен,
// для SUCCEEDED нужен возврат.
func (p *Payment) Cancel(now time.Time) error {
	switch p.Status {
	case PaymentStatusCancelled:
		return nil
	case PaymentStatusPending, PaymentStatusRequiresAction:
	default:
		return p.stateError(TransitionPaymentCancel)
	}
	cancelledAt := now
	p.Status = PaymentStatusCancelled
	p.CancelledAt = &cancelledAt
	p.UpdatedAt = now
	return nil
}

// Refundable возвращает сумму, которую ещё можно вернуть.
func (p *Payment) Refundable() decimal.Decimal {
	return Round2(p.Amount.Sub(p.RefundedAmount))
}

// ValidateRefund проверяет, что возврат суммы amount допустим.
func (p *Payment) ValidateRefund(amount decimal.Decimal) error {
	if p.Status != PaymentStatusSucceeded {
		return p.stateError(TransitionPaymentRefund)
	}
	amount = Round2(amount)
	if !amount.IsPositive() {
		return ErrRefundAmountInvalid
	}
	if amount.GreaterThan(p.Refundable()) {
		return ErrRefundExceedsRefundable
	}
	return nil
}

// ApplyRefund увеличивает RefundedAmount после того, как провайдер принял возврат.
func (p *Payment) ApplyRefund(amount decimal.Decimal, now time.Time) error {
	if err := p.ValidateRefund(amount); err != nil {
		return err
	}
	p.RefundedAmount = Round2(p.RefundedAmount.Add(amount))
	p.UpdatedAt = now
	return nil
}

// RevertRefund откатывает сумму неуспешного возврата.
func (p *Payment) RevertRefund(amount decimal.Decimal, now time.Time) {
	refunded := Round2(p.RefundedAmount.Sub(amount))
	if refunded.IsNegative() {
		refunded = decimal.Zero
	}
	p.RefundedAmount = refunded
	p.UpdatedAt = now
}

func (p *Payment) stateError(transition string) error {
	return NewStateError(transition, string(p.Status))
}
