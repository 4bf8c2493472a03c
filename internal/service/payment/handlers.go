package payment

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
	"github.com/vladislavdragonenkov/fulfillment/internal/service/dispatcher"
)

// Handlers возвращает обработчики событий платёжного сервиса.
func (s *Service) Handlers() dispatcher.Handlers {
	return dispatcher.Handlers{
		domain.TopicPaymentRefundRequest: s.handleRefundRequest,
		domain.TopicOrderCancelled:       s.handleOrderCancelled,
	}
}

// handleRefundRequest возвращает деньги по оплаченному заказу. Без суммы возвращается весь остаток,
// поэтому повторная доставка после принятого возврата ничего не делает.
func (s *Service) handleRefundRequest(ctx context.Context, event domain.Event) error {
	var req domain.RefundRequestPayload
	if err := event.DecodeData(&req); err != nil {
		return err
	}

	payment, found, err := s.refundablePayment(req)
	if err != nil {
		return err
	}
	logger := s.logger.WithFields(log.Fields{
		"order_id": req.OrderID,
		"event_id": event.Metadata.EventID,
	})
	if !found {
		logger.Info("refund request ignored: order has no succeeded payment")
		return nil
	}
	logger = logger.WithField("payment_id", payment.ID)

	refundable := payment.Refundable()
	if !refundable.IsPositive() {
		logger.Info("refund request ignored: nothing left to refund")
		return nil
	}

	amount := refundable
	if req.Amount != nil {
		amount = domain.Round2(*req.Amount)
		duplicate, err := s.hasRefund(payment.ID, amount, req.Reason)
		if err != nil {
			return err
		}
		if duplicate {
			logger.Info("refund request ignored: refund already requested")
			return nil
		}
		if amount.GreaterThan(refundable) {
			amount = refundable
		}
	}

	refund, err := s.CreateRefund(ctx, CreateRefundCommand{
		PaymentID: payment.ID,
		Amount:    amount,
		Reason:    req.Reason,
	})
	if err != nil {
		return err
	}
	logger.WithField("refund_id", refund.ID).Info("refund requested by saga")
	return nil
}

func (s *Service) refundablePayment(req domain.RefundRequestPayload) (domain.Payment, bool, error) {
	if req.PaymentID != "" {
		payment, err := s.payments.Get(req.PaymentID)
		if errors.Is(err, domain.ErrNotFound) {
			return domain.Payment{}, false, nil
		}
		if err != nil {
			return domain.Payment{}, false, err
		}
		return payment, payment.Status == domain.PaymentStatusSucceeded, nil
	}

	payments, err := s.payments.ListByOrder(req.OrderID)
	if err != nil {
		return domain.Payment{}, false, fmt.Errorf("list payments of order %s: %w", req.OrderID, err)
	}
	for _, p := range payments {
		if p.Status == domain.PaymentStatusSucceeded {
			return p, true, nil
		}
	}
	return domain.Payment{}, false, nil
}

// hasRefund ищет принятый провайдером или успешный возврат с той же суммой и причиной.
// PENDING не считается: такой возврат CreateRefund отправит повторно.
func (s *Service) hasRefund(paymentID string, amount decimal.Decimal, reason string) (bool, error) {
	refunds, err := s.refunds.ListByPayment(paymentID)
	if err != nil {
		return false, err
	}
	for _, r := range refunds {
		if r.Status != domain.RefundStatusProcessing && r.Status != domain.RefundStatusSucceeded {
			continue
		}
		if r.Amount.Equal(amount) && r.Reason == reason {
			return true, nil
		}
	}
	return false, nil
}

// handleOrderCancelled отменяет незавершённые платежи отменённого заказа.
// Оплаченный заказ возвращается через payment.refund_request.
func (s *Service) handleOrderCancelled(ctx context.Context, event domain.Event) error {
	var cancelled domain.OrderCancelledPayload
	if err := event.DecodeData(&cancelled); err != nil {
		return err
	}

	payments, err := s.payments.ListByOrder(cancelled.OrderID)
	if err != nil {
		return fmt.Errorf("list payments of order %s: %w", cancelled.OrderID, err)
	}
	for _, p := range payments {
		if p.Status != domain.PaymentStatusPending && p.Status != domain.PaymentStatusRequiresAction {
			continue
		}
		if _, err := s.CancelPayment(ctx, p.ID); err != nil {
			return err
		}
	}
	return nil
}
