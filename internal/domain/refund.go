package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// RefundStatus описывает состояние возврата.
type RefundStatus string

const (
	RefundStatusPending    RefundStatus = "PENDING"
	RefundStatusProcessing RefundStatus = "PROCESSING"
	RefundStatusSucceeded  RefundStatus = "SUCCEEDED"
	RefundStatusFailed     RefundStatus = "FAILED"
	RefundStatusCancelled  RefundStatus = "CANCELLED"
)

const (
	TransitionRefundProcess = "process refund"
	TransitionRefundSucceed = "succeed refund"
	TransitionRefundFail    = "fail refund"
	TransitionRefundCancel  = "cancel refund"
)

// Terminal сообщает, что возврат завершён.
func (s RefundStatus) Terminal() bool {
	return s == RefundStatusSucceeded || s == RefundStatusFailed || s == RefundStatusCancelled
}

// Refund — возврат, привязанный к платежу.
type Refund struct {
	ID               string
	PaymentID        string
	OrderID          string
	Amount           decimal.Decimal
	Currency         string
	Status           RefundStatus
	Reason           string
	ProviderRefundID string
	RefundedAt       *time.Time
	FailedAt         *time.Time
	FailureReason    string
	Version          int64
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// NewRefund создаёт возврат в статусе PENDING после проверки суммы на платеже.
func NewRefund(payment Payment, amount decimal.Decimal, reason string, now time.Time) (Refund, error) {
	if err := payment.ValidateRefund(amount); err != nil {
		return Refund{}, err
	}
	return Refund{
		ID:        uuid.NewString(),
		PaymentID: payment.ID,
		OrderID:   payment.OrderID,
		Amount:    Round2(amount),
		Currency:  payment.Currency,
		Status:    RefundStatusPending,
		Reason:    reason,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// StartProcessing: PENDING → PROCESSING, когда провайдер принял запрос на возврат.
func (r *Refund) StartProcessing(providerRefundID string, now time.Time) error {
	if r.Status != RefundStatusPending {
		return NewStateError(TransitionRefundProcess, string(r.Status))
	}
	if strings.TrimSpace(providerRefundID) == "" {
		return ErrProviderRefundRequired
	}
	r.ProviderRefundID = providerRefundID
	r.Status = RefundStatusProcessing
	r.UpdatedAt = now
	return nil
}

// Succeed вызывается только по webhook провайдера.
func (r *Refund) Succeed(now time.Time) error {
	if r.Status != RefundStatusProcessing {
		return NewStateError(TransitionRefundSucceed, string(r.Status))
	}
	refundedAt := now
	r.Status = RefundStatusSucceeded
	r.RefundedAt = &refundedAt
	r.UpdatedAt = now
	return nil
}

// Fail вызывается по webhook провайдера или при отказе на этапе запроса.
func (r *Refund) Fail(reason string, now time.Time) error {
	if r.Status != RefundStatusPending && r.Status != RefundStatusProcessing {
		return NewStateError(TransitionRefundFail, string(r.Status))
	}
	failedAt := now
	r.Status = RefundStatusFailed
	r.FailedAt = &failedAt
	r.FailureReason = reason
	r.UpdatedAt = now
	return nil
}

// Cancel: PENDING|PROCESSING → CANCELLED.
func (r *Refund) Cancel(now time.Time) error {
	if r.Status != RefundStatusPending && r.Status != RefundStatusProcessing {
		return NewStateError(TransitionRefundCancel, string(r.Status))
	}
	r.Status = RefundStatusCancelled
	r.UpdatedAt = now
	return nil
}
