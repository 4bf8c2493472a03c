package payment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
	"github.com/vladislavdragonenkov/fulfillment/internal/metrics"
	"github.com/vladislavdragonenkov/fulfillment/internal/service/events"
)

// ServiceName — источник событий платёжного сервиса.
const ServiceName = "payment-service"

// Config — бизнес-параметры платежей.
type Config struct {
	MinAmount       decimal.Decimal
	MaxAmount       decimal.Decimal
	DefaultCurrency string
	// RefundWindow — срок после оплаты, в который возврат не требует внимания оператора.
	RefundWindow time.Duration
}

// DefaultConfig возвращает параметры по умолчанию.
func DefaultConfig() Config {
	return Config{
		MinAmount:       decimal.RequireFromString("0.50"),
		MaxAmount:       decimal.RequireFromString("999999.99"),
		DefaultCurrency: "USD",
		RefundWindow:    30 * 24 * time.Hour,
	}
}

// Dependencies — зависимости сервиса.
type Dependencies struct {
	Payments  domain.PaymentRepository
	Refunds   domain.RefundRepository
	Gateway   domain.PaymentGateway
	Publisher *events.Publisher
	Metrics   *metrics.SagaMetrics
	Logger    *log.Entry
}

// Service — оркестратор платёжной саги.
type Service struct {
	payments  domain.PaymentRepository
	refunds   domain.RefundRepository
	gateway   domain.PaymentGateway
	publisher *events.Publisher
	metrics   *metrics.SagaMetrics
	config    Config
	logger    *log.Entry
	now       func() time.Time
}

// NewService создаёт платёжный сервис.
func NewService(deps Dependencies, cfg Config) (*Service, error) {
	if deps.Payments == nil || deps.Refunds == nil {
		return nil, fmt.Errorf("payment service: repositories are required")
	}
	if deps.Gateway == nil {
		return nil, fmt.Errorf("payment service: gateway is required")
	}
	if deps.Publisher == nil {
		return nil, fmt.Errorf("payment service: publisher is required")
	}

	defaults := DefaultConfig()
	if cfg.MinAmount.IsZero() {
		cfg.MinAmount = defaults.MinAmount
	}
	if cfg.MaxAmount.IsZero() {
		cfg.MaxAmount = defaults.MaxAmount
	}
	if cfg.DefaultCurrency == "" {
		cfg.DefaultCurrency = defaults.DefaultCurrency
	}
	if cfg.RefundWindow <= 0 {
		cfg.RefundWindow = defaults.RefundWindow
	}

	logger := deps.Logger
	if logger == nil {
		logger = log.WithField("component", "payment-service")
	}

	return &Service{
		payments:  deps.Payments,
		refunds:   deps.Refunds,
		gateway:   deps.Gateway,
		publisher: deps.Publisher,
		metrics:   deps.Metrics,
		config:    cfg,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}, nil
}

// CreatePaymentCommand — запрос на создание платежа.
type CreatePaymentCommand struct {
	OrderID  string
	UserID   string
	Amount   decimal.Decimal
	Currency string
	Method   string
}

// CreatePayment заводит intent у провайдера и сохраняет платёж в PENDING.
// Если у заказа уже есть незавершённый платёж, возвращается он.
func (s *Service) CreatePayment(ctx context.Context, cmd CreatePaymentCommand) (domain.Payment, error) {
	amount := domain.Round2(cmd.Amount)
	if amount.LessThan(s.config.MinAmount) || amount.GreaterThan(s.config.MaxAmount) {
		return domain.Payment{}, domain.Validationf("payment amount %s is outside [%s, %s]",
			amount.StringFixed(2), s.config.MinAmount.StringFixed(2), s.config.MaxAmount.StringFixed(2))
	}
	currency := cmd.Currency
	if currency == "" {
		currency = s.config.DefaultCurrency
	}

	existing, err := s.payments.ListByOrder(cmd.OrderID)
	if err != nil {
		return domain.Payment{}, fmt.Errorf("list payments of order %s: %w", cmd.OrderID, err)
	}
	for _, p := range existing {
		switch p.Status {
		case domain.PaymentStatusSucceeded:
			return domain.Payment{}, domain.ErrPaymentAlreadySucceeded
		case domain.PaymentStatusPending, domain.PaymentStatusProcessing, domain.PaymentStatusRequiresAction:
			return p, nil
		}
	}

	now := s.now()
	payment, err := domain.NewPayment(domain.NewPaymentParams{
		OrderID:  cmd.OrderID,
		UserID:   cmd.UserID,
		Amount:   amount,
		Currency: currency,
		Method:   cmd.Method,
		Provider: s.gateway.Name(),
	}, now)
	if err != nil {
		return domain.Payment{}, err
	}

	intent, err := s.gateway.CreateIntent(ctx, domain.GatewayIntentRequest{
		PaymentID:   payment.ID,
		OrderID:     payment.OrderID,
		AmountMinor: domain.ToMinorUnits(payment.Amount),
		Currency:    payment.Currency,
		Method:      payment.Method,
	})
	if err != nil {
		return domain.Payment{}, fmt.Errorf("create payment intent: %w", err)
	}
	if err := payment.AttachIntent(intent.ID, now); err != nil {
		return domain.Payment{}, err
	}
	if err := s.payments.Create(payment); err != nil {
		return domain.Payment{}, fmt.Errorf("save payment: %w", err)
	}

	s.metrics.RecordTransition("payment", "create")
	s.logger.WithFields(log.Fields{
		"payment_id": payment.ID,
		"order_id":   payment.OrderID,
		"amount":     payment.Amount.StringFixed(2),
	}).Info("payment created")

	if err := s.publishPayment(ctx, domain.TopicPaymentInitiated, payment); err != nil {
		return payment, err
	}
	return payment, nil
}

// GetPayment возвращает платёж.
func (s *Service) GetPayment(_ context.Context, id string) (domain.Payment, error) {
	return s.payments.Get(id)
}

// ListRefunds возвращает возвраты платежа.
func (s *Service) ListRefunds(_ context.Context, paymentID string) ([]domain.Refund, error) {
	return s.refunds.ListByPayment(paymentID)
}

// ConfirmPayment подтверждает платёж у провайдера и переносит его исход в локальный статус.
// Отказ провайдера переводит платёж в FAILED и публикует payment.failed; временная ошибка
// возвращается как есть, статус не меняется.
func (s *Service) ConfirmPayment(ctx context.Context, paymentID string, details domain.PaymentMethodDetails) (domain.Payment, error) {
	payment, err := s.payments.Get(paymentID)
	if err != nil {
		return domain.Payment{}, err
	}
	if err := payment.CanConfirm(); err != nil {
		return domain.Payment{}, err
	}

	started := time.Now()
	confirmation, err := s.gateway.Confirm(ctx, payment.ProviderPaymentIntentID, details)
	s.metrics.RecordStepDuration(string(domain.SagaStepConfirmPayment), time.Since(started))
	now := s.now()
	if err != nil {
		if domain.IsRetryable(err) && !errors.Is(err, domain.ErrProvider) {
			return domain.Payment{}, fmt.Errorf("confirm payment %s: %w", paymentID, err)
		}
		code, message := providerFailure(err)
		if ferr := payment.Fail(code, message, now); ferr != nil {
			return domain.Payment{}, ferr
		}
		if serr := s.save(&payment); serr != nil {
			return domain.Payment{}, serr
		}
		if perr := s.publishPayment(ctx, domain.TopicPaymentFailed, payment); perr != nil {
			return payment, perr
		}
		return payment, err
	}

	topic, err := s.applyGatewayStatus(&payment, confirmation.Status, confirmation.Card, now)
	if err != nil {
		return domain.Payment{}, err
	}
	if err := s.save(&payment); err != nil {
		return domain.Payment{}, err
	}
	if topic == "" {
		return payment, nil
	}
	if err := s.publishPayment(ctx, topic, payment); err != nil {
		return payment, err
	}
	return payment, nil
}

// applyGatewayStatus переносит статус провайдера на платёж и возвращает топик события.
func (s *Service) applyGatewayStatus(payment *domain.Payment, status domain.GatewayStatus, card *domain.CardSummary, now time.Time) (string, error) {
	switch status {
	case domain.GatewayStatusSucceeded:
		if err := payment.Succeed(card, now); err != nil {
			return "", err
		}
		s.metrics.RecordTransition("payment", "succeed")
		return domain.TopicPaymentSucceeded, nil
	case domain.GatewayStatusProcessing:
		if payment.Status == domain.PaymentStatusProcessing {
			return "", nil
		}
		if err := payment.MarkProcessing(now); err != nil {
			return "", err
		}
		return domain.TopicPaymentProcessing, nil
	case domain.GatewayStatusRequiresAction:
		return "", payment.RequireAction(now)
	case domain.GatewayStatusFailed:
		if err := payment.Fail("payment_failed", "payment failed at provider", now); err != nil {
			return "", err
		}
		s.metrics.RecordTransition("payment", "fail")
		return domain.TopicPaymentFailed, nil
	case domain.GatewayStatusPending, "":
		return "", nil
	default:
		return "", domain.Validationf("unknown gateway status %q", status)
	}
}

// CancelPayment отменяет незавершённый платёж. Для CANCELLED идемпотентен.
func (s *Service) CancelPayment(ctx context.Context, paymentID string) (domain.Payment, error) {
	payment, err := s.payments.Get(paymentID)
	if err != nil {
		return domain.Payment{}, err
	}
	if payment.Status == domain.PaymentStatusCancelled {
		return payment, nil
	}
	if err := payment.Cancel(s.now()); err != nil {
		return domain.Payment{}, err
	}
	if payment.ProviderPaymentIntentID != "" {
		if err := s.gateway.Cancel(ctx, payment.ProviderPaymentIntentID); err != nil {
			return domain.Payment{}, fmt.Errorf("cancel payment intent: %w", err)
		}
	}
	if err := s.save(&payment); err != nil {
		return domain.Payment{}, err
	}
	s.metrics.RecordTransition("payment", "cancel")
	s.logger.WithField("payment_id", payment.ID).Info("payment cancelled")

	if err := s.publishPayment(ctx, domain.TopicPaymentCancelled, payment); err != nil {
		return payment, err
	}
	return payment, nil
}

// CreateRefundCommand — запрос на возврат.
type CreateRefundCommand struct {
	PaymentID string
	Amount    decimal.Decimal
	Reason    string
}

// CreateRefund запрашивает возврат у провайдера. RefundedAmount увеличивается, когда провайдер
// принял возврат; окончательный статус приходит webhook-ом.
//
// ID возврата передаётся провайдеру как ключ идемпотентности. Если ответ не получен
// (таймаут, разомкнутая цепь), возврат остаётся PENDING и ошибка повторяема: следующий
// вызов с той же суммой и причиной отправляет тот же возврат, а не новый.
// В FAILED возврат переводит только отказ провайдера.
func (s *Service) CreateRefund(ctx context.Context, cmd CreateRefundCommand) (domain.Refund, error) {
	payment, err := s.payments.Get(cmd.PaymentID)
	if err != nil {
		return domain.Refund{}, err
	}

	now := s.now()
	refund, found, err := s.pendingRefund(payment.ID, domain.Round2(cmd.Amount), cmd.Reason)
	if err != nil {
		return domain.Refund{}, err
	}
	if !found {
		refund, err = domain.NewRefund(payment, cmd.Amount, cmd.Reason, now)
		if err != nil {
			return domain.Refund{}, err
		}
	}

	logger := s.logger.WithFields(log.Fields{
		"payment_id": payment.ID,
		"order_id":   payment.OrderID,
		"refund_id":  refund.ID,
		"amount":     refund.Amount.StringFixed(2),
	})
	if payment.PaidAt != nil && now.Sub(*payment.PaidAt) > s.config.RefundWindow {
		logger.WithField("paid_at", payment.PaidAt).Warn("refund outside the refund window, override applied")
	}

	if found {
		logger.Info("resending pending refund to gateway")
	} else if err := s.refunds.Create(refund); err != nil {
		return domain.Refund{}, fmt.Errorf("save refund: %w", err)
	}

	accepted, err := s.gateway.Refund(ctx, domain.GatewayRefundRequest{
		RefundID:    refund.ID,
		IntentID:    payment.ProviderPaymentIntentID,
		AmountMinor: domain.ToMinorUnits(refund.Amount),
		Currency:    refund.Currency,
		Reason:      refund.Reason,
	})
	if err != nil {
		if !errors.Is(err, domain.ErrProvider) && !errors.Is(err, domain.ErrValidation) {
			logger.WithError(err).Warn("refund outcome unknown, left pending")
			return refund, domain.Transient("refund payment "+payment.ID, err)
		}
		if ferr := refund.Fail(err.Error(), s.now()); ferr == nil {
			if serr := s.saveRefund(&refund); serr != nil {
				logger.WithError(serr).Error("failed to persist rejected refund")
			}
		}
		logger.WithError(err).Warn("gateway rejected refund")
		if perr := s.publishRefund(ctx, domain.TopicRefundFailed, refund); perr != nil {
			logger.WithError(perr).Error("failed to publish refund.failed")
		}
		return refund, fmt.Errorf("refund payment %s: %w", payment.ID, err)
	}

	if err := refund.StartProcessing(accepted.ID, s.now()); err != nil {
		return domain.Refund{}, err
	}
	if err := payment.ApplyRefund(refund.Amount, s.now()); err != nil {
		return domain.Refund{}, err
	}
	if err := s.save(&payment); err != nil {
		return domain.Refund{}, err
	}
	if err := s.saveRefund(&refund); err != nil {
		return domain.Refund{}, err
	}

	s.metrics.RecordTransition("refund", "process")
	logger.Info("refund accepted by gateway")

	if err := s.publishRefund(ctx, domain.TopicRefundInitiated, refund); err != nil {
		return refund, err
	}
	return refund, nil
}

// pendingRefund ищет возврат того же платежа с той же суммой и причиной, который ещё не принят провайдером.
func (s *Service) pendingRefund(paymentID string, amount decimal.Decimal, reason string) (domain.Refund, bool, error) {
	refunds, err := s.refunds.ListByPayment(paymentID)
	if err != nil {
		return domain.Refund{}, false, err
	}
	for _, r := range refunds {
		if r.Status == domain.RefundStatusPending && r.Amount.Equal(amount) && r.Reason == reason {
			return r, true, nil
		}
	}
	return domain.Refund{}, false, nil
}

func (s *Service) save(payment *domain.Payment) error {
	if err := s.payments.Save(*payment); err != nil {
		return fmt.Errorf("save payment %s: %w", payment.ID, err)
	}
	payment.Version++
	return nil
}

func (s *Service) saveRefund(refund *domain.Refund) error {
	if err := s.refunds.Save(*refund); err != nil {
		return fmt.Errorf("save refund %s: %w", refund.ID, err)
	}
	refund.Version++
	return nil
}

func (s *Service) publishPayment(ctx context.Context, topic string, payment domain.Payment) error {
	priority := domain.PriorityHigh
	if topic == domain.TopicPaymentFailed {
		priority = domain.PriorityCritical
	}
	_, err := s.publisher.Publish(ctx, topic, domain.NewPaymentEventPayload(payment), events.PublishOptions{
		Priority:     priority,
		UserID:       payment.UserID,
		PartitionKey: payment.OrderID,
	})
	return err
}

func (s *Service) publishRefund(ctx context.Context, topic string, refund domain.Refund) error {
	_, err := s.publisher.Publish(ctx, topic, domain.NewRefundEventPayload(refund), events.PublishOptions{
		Priority:     domain.PriorityHigh,
		PartitionKey: refund.OrderID,
	})
	return err
}

func providerFailure(err error) (string, string) {
	var perr *domain.ProviderError
	if errors.As(err, &perr) {
		code := perr.Code
		if code == "" {
			code = "provider_error"
		}
		return code, perr.Message
	}
	return "gateway_error", strings.TrimSpace(err.Error())
}
