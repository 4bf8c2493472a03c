package payment

import (
	"context"
	"encoding/json"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
)

// HandleWebhook применяет callback провайдера. Платёж и возврат ищутся по идентификаторам
// провайдера; повторный callback с тем же исходом ничего не меняет.
func (s *Service) HandleWebhook(ctx context.Context, payload []byte, signature string) error {
	if err := s.gateway.VerifyWebhookSignature(payload, signature); err != nil {
		return err
	}

	var event domain.WebhookEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return domain.Validationf("malformed webhook payload: %v", err)
	}
	if event.Data.ObjectID == "" {
		return domain.Validationf("webhook %s has no object id", event.ID)
	}

	logger := s.logger.WithFields(log.Fields{
		"webhook_id":   event.ID,
		"webhook_type": event.Type,
		"object_id":    event.Data.ObjectID,
	})

	switch event.Type {
	case domain.WebhookRefundSucceeded, domain.WebhookRefundFailed:
		return s.applyRefundWebhook(ctx, logger, event)
	case domain.WebhookPaymentSucceeded, domain.WebhookPaymentFailed, domain.WebhookPaymentProcessing,
		domain.WebhookPaymentRequiresAction, domain.WebhookPaymentCanceled:
		return s.applyPaymentWebhook(ctx, logger, event)
	default:
		logger.Info("unsupported webhook type ignored")
		return nil
	}
}

func (s *Service) applyPaymentWebhook(ctx context.Context, logger *log.Entry, event domain.WebhookEvent) error {
	payment, err := s.payments.GetByProviderIntentID(event.Data.ObjectID)
	if err != nil {
		return err
	}
	logger = logger.WithFields(log.Fields{"payment_id": payment.ID, "order_id": payment.OrderID})
	now := s.now()

	var topic string
	switch event.Type {
	case domain.WebhookPaymentSucceeded:
		if payment.Status == domain.PaymentStatusSucceeded {
			return nil
		}
		topic, err = s.applyGatewayStatus(&payment, domain.GatewayStatusSucceeded, nil, now)
	case domain.WebhookPaymentFailed:
		if payment.Status == domain.PaymentStatusFailed {
			return nil
		}
		code, message := event.Data.FailureCode, event.Data.FailureMessage
		if code == "" {
			code = "payment_failed"
		}
		err = payment.Fail(code, message, now)
		topic = domain.TopicPaymentFailed
	case domain.WebhookPaymentProcessing:
		topic, err = s.applyGatewayStatus(&payment, domain.GatewayStatusProcessing, nil, now)
	case domain.WebhookPaymentRequiresAction:
		topic, err = s.applyGatewayStatus(&payment, domain.GatewayStatusRequiresAction, nil, now)
	case domain.WebhookPaymentCanceled:
		if payment.Status == domain.PaymentStatusCancelled {
			return nil
		}
		err = payment.Cancel(now)
		topic = domain.TopicPaymentCancelled
	}
	if err != nil {
		logger.WithError(err).Warn("webhook does not match payment state")
		return err
	}

	if err := s.save(&payment); err != nil {
		return err
	}
	logger.WithField("status", payment.Status).Info("payment updated from webhook")
	if topic == "" {
		return nil
	}
	return s.publishPayment(ctx, topic, payment)
}

func (s *Service) applyRefundWebhook(ctx context.Context, logger *log.Entry, event domain.WebhookEvent) error {
	refund, err := s.refunds.GetByProviderRefundID(event.Data.ObjectID)
	if err != nil {
		return err
	}
	logger = logger.WithFields(log.Fields{"refund_id": refund.ID, "payment_id": refund.PaymentID})
	now := s.now()

	if event.Type == domain.WebhookRefundSucceeded {
		if refund.Status == domain.RefundStatusSucceeded {
			return nil
		}
		if err := refund.Succeed(now); err != nil {
			return err
		}
		if err := s.saveRefund(&refund); err != nil {
			return err
		}
		s.metrics.RecordSagaRefunded()
		s.metrics.RecordTransition("refund", "succeed")
		logger.Info("refund succeeded")
		return s.publishRefund(ctx, domain.TopicRefundSucceeded, refund)
	}

	if refund.Status == domain.RefundStatusFailed {
		return nil
	}
	reason := event.Data.FailureMessage
	if reason == "" {
		reason = event.Data.FailureCode
	}
	if err := refund.Fail(reason, now); err != nil {
		return err
	}

	// Сумма была зачтена при приёме возврата провайдером, возвращаем её в остаток.
	payment, err := s.payments.Get(refund.PaymentID)
	if err != nil {
		return err
	}
	payment.RevertRefund(refund.Amount, now)
	if err := s.save(&payment); err != nil {
		return err
	}
	if err := s.saveRefund(&refund); err != nil {
		return fmt.Errorf("refund %s: %w", refund.ID, err)
	}
	s.metrics.RecordTransition("refund", "fail")
	logger.WithField("reason", reason).Warn("refund failed at provider")
	return s.publishRefund(ctx, domain.TopicRefundFailed, refund)
}
