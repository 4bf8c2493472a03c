package order

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
	"github.com/vladislavdragonenkov/fulfillment/internal/service/dispatcher"
	"github.com/vladislavdragonenkov/fulfillment/internal/service/events"
)

const (
	reasonPaymentTimeout   = "payment timeout"
	reasonPaymentCancelled = "payment cancelled"
	reasonPaymentFailed    = "payment failed"
	reasonLatePayment      = "payment succeeded for cancelled order"
)

// Handlers возвращает обработчики событий саги заказа. Повторная доставка события,
// переход которого уже сохранён, заново публикует последующие события с прежними eventId.
func (s *Service) Handlers() dispatcher.Handlers {
	return dispatcher.Handlers{
		domain.TopicPaymentInitiated:    s.onPaymentInitiated,
		domain.TopicPaymentSucceeded:    s.onPaymentSucceeded,
		domain.TopicPaymentFailed:       s.onPaymentFailed,
		domain.TopicPaymentCancelled:    s.onPaymentCancelled,
		domain.TopicRefundSucceeded:     s.onRefundSucceeded,
		domain.TopicOrderPaymentTimeout: s.onPaymentTimeout,
	}
}

// onPaymentInitiated переводит заказ в PAYMENT_PENDING и планирует order.payment_timeout.
func (s *Service) onPaymentInitiated(ctx context.Context, event domain.Event) error {
	var payment domain.PaymentEventPayload
	if err := event.DecodeData(&payment); err != nil {
		return err
	}

	order, err := s.orders.Get(payment.OrderID)
	if err != nil {
		return err
	}
	if order.Status != domain.OrderStatusPaymentPending || order.PaymentID != payment.PaymentID {
		order, err = s.update(payment.OrderID, "await_payment", func(o *domain.Order, now time.Time) error {
			return o.AwaitPayment(payment.PaymentID, actorSystem, now)
		})
		if err != nil {
			return s.ignoreState(err, event, payment.OrderID)
		}
	}

	_, err = s.publisher.Publish(ctx, domain.TopicOrderPaymentTimeout, domain.PaymentTimeoutPayload{
		OrderID:   order.ID,
		PaymentID: payment.PaymentID,
	}, events.PublishOptions{
		PartitionKey: order.ID,
		UserID:       order.UserID,
		DeliverAt:    s.now().Add(s.config.PaymentTimeout),
		EventID:      events.DerivedEventID(order.ID, domain.TopicOrderPaymentTimeout, payment.PaymentID),
	})
	return err
}

// onPaymentSucceeded подтверждает заказ. Оплата отменённого заказа возвращается.
func (s *Service) onPaymentSucceeded(ctx context.Context, event domain.Event) error {
	var payment domain.PaymentEventPayload
	if err := event.DecodeData(&payment); err != nil {
		return err
	}

	current, err := s.orders.Get(payment.OrderID)
	if err != nil {
		return err
	}
	switch {
	case current.Status == domain.OrderStatusConfirmed && current.PaymentID == payment.PaymentID:
		return s.publishConfirmed(ctx, current)
	case current.IsPaid() && current.PaymentID == payment.PaymentID:
		return nil
	case current.Status == domain.OrderStatusCancelled || current.Status == domain.OrderStatusPaymentFailed:
		s.logger.WithFields(log.Fields{
			"order_id":   current.ID,
			"payment_id": payment.PaymentID,
			"status":     current.Status,
		}).Warn("payment succeeded for order that no longer awaits it, requesting refund")
		return s.requestRefund(ctx, current, payment.PaymentID, reasonLatePayment)
	}

	order, err := s.update(payment.OrderID, "confirm", func(o *domain.Order, now time.Time) error {
		return o.Confirm(payment.PaymentID, now)
	})
	if err != nil {
		return s.ignoreState(err, event, payment.OrderID)
	}
	s.metrics.RecordSagaCompleted(order.CreatedAt)
	s.logger.WithFields(log.Fields{
		"order_id":   order.ID,
		"payment_id": payment.PaymentID,
	}).Info("order confirmed")

	return s.publishConfirmed(ctx, order)
}

func (s *Service) publishConfirmed(ctx context.Context, order domain.Order) error {
	return s.publish(ctx, domain.TopicOrderConfirmed, order, domain.OrderConfirmedPayload{
		OrderID:   order.ID,
		PaymentID: order.PaymentID,
		Total:     order.Total,
		PaidAt:    *order.PaidAt,
	}, domain.PriorityHigh, "")
}

// onPaymentFailed фиксирует отказ платежа и снимает резерв.
func (s *Service) onPaymentFailed(ctx context.Context, event domain.Event) error {
	var payment domain.PaymentEventPayload
	if err := event.DecodeData(&payment); err != nil {
		return err
	}

	current, err := s.orders.Get(payment.OrderID)
	if err != nil {
		return err
	}
	if current.Status == domain.OrderStatusPaymentFailed && current.PaymentID == payment.PaymentID {
		return s.releaseInventory(ctx, current, reasonPaymentFailed)
	}

	reason := payment.FailureMessage
	if reason == "" {
		reason = payment.FailureCode
	}
	order, err := s.update(payment.OrderID, "fail_payment", func(o *domain.Order, now time.Time) error {
		if o.PaymentID != "" && o.PaymentID != payment.PaymentID {
			return domain.NewStateError(domain.TransitionFailPayment, string(o.Status))
		}
		return o.FailPayment(reason, now)
	})
	if err != nil {
		return s.ignoreState(err, event, payment.OrderID)
	}
	s.metrics.RecordSagaFailed(order.CreatedAt)
	s.logger.WithFields(log.Fields{
		"order_id":   order.ID,
		"payment_id": payment.PaymentID,
		"reason":     reason,
	}).Warn("order payment failed")

	return s.releaseInventory(ctx, order, reasonPaymentFailed)
}

// onPaymentCancelled отменяет заказ, если его ещё можно отменить.
func (s *Service) onPaymentCancelled(ctx context.Context, event domain.Event) error {
	var payment domain.PaymentEventPayload
	if err := event.DecodeData(&payment); err != nil {
		return err
	}
	return s.cancelBySystem(ctx, event, payment.OrderID, payment.PaymentID, reasonPaymentCancelled)
}

// onPaymentTimeout отменяет заказ, который так и не дождался оплаты.
func (s *Service) onPaymentTimeout(ctx context.Context, event domain.Event) error {
	var timeout domain.PaymentTimeoutPayload
	if err := event.DecodeData(&timeout); err != nil {
		return err
	}

	current, err := s.orders.Get(timeout.OrderID)
	if err != nil {
		return err
	}
	if current.PaymentID != timeout.PaymentID {
		return nil
	}
	switch current.Status {
	case domain.OrderStatusPaymentPending, domain.OrderStatusCancelled:
		return s.cancelBySystem(ctx, event, timeout.OrderID, timeout.PaymentID, reasonPaymentTimeout)
	default:
		return nil
	}
}

// cancelBySystem отменяет заказ от имени саги. Если заказ уже отменён сагой по той же
// причине, события отмены публикуются повторно.
func (s *Service) cancelBySystem(ctx context.Context, event domain.Event, orderID, paymentID, reason string) error {
	order, err := s.update(orderID, "cancel", func(o *domain.Order, now time.Time) error {
		if o.IsPaid() && o.PaymentID != paymentID {
			return domain.NewStateError(domain.TransitionCancel, string(o.Status))
		}
		return o.Cancel(reason, actorSystem, now)
	})
	if err != nil {
		current, ok := s.cancelledEarlier(err, orderID)
		if ok && current.CancelledBy == actorSystem && current.CancellationReason == reason {
			return s.compensateCancellation(ctx, current)
		}
		return s.ignoreState(err, event, orderID)
	}
	s.metrics.RecordSagaCanceled(order.CreatedAt)
	s.logger.WithFields(log.Fields{
		"order_id": order.ID,
		"reason":   reason,
	}).Info("order cancelled by saga")
	return s.compensateCancellation(ctx, order)
}

// onRefundSucceeded дописывает в историю заказа отметку о возврате.
func (s *Service) onRefundSucceeded(_ context.Context, event domain.Event) error {
	var refund domain.RefundEventPayload
	if err := event.DecodeData(&refund); err != nil {
		return err
	}

	note := fmt.Sprintf("refund %s of %s %s succeeded", refund.RefundID, refund.Amount.StringFixed(2), refund.Currency)
	_, err := s.update(refund.OrderID, "refund_note", func(o *domain.Order, now time.Time) error {
		for _, h := range o.History {
			if strings.Contains(h.Note, refund.RefundID) {
				return errNoteExists
			}
		}
		o.AddNote(note, actorSystem, now)
		return nil
	})
	if errors.Is(err, errNoteExists) {
		return nil
	}
	return err
}

var errNoteExists = errors.New("history note already recorded")
