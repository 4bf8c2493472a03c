package order

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
	"github.com/vladislavdragonenkov/fulfillment/internal/metrics"
	"github.com/vladislavdragonenkov/fulfillment/internal/service/events"
)

// ServiceName — источник событий сервиса заказов.
const ServiceName = "order-service"

const (
	actorSystem = "system"

	// maxSaveAttempts ограничивает перечитывание заказа при конфликте версий.
	maxSaveAttempts = 3
)

// Config — параметры саги заказа.
type Config struct {
	// PaymentTimeout — через сколько отменять заказ, оставшийся в PAYMENT_PENDING.
	PaymentTimeout time.Duration
}

// DefaultConfig возвращает параметры по умолчанию.
func DefaultConfig() Config {
	return Config{PaymentTimeout: 15 * time.Minute}
}

// Dependencies — зависимости сервиса заказов.
type Dependencies struct {
	Orders    domain.OrderRepository
	History   domain.OrderHistoryRepository
	Publisher *events.Publisher
	Metrics   *metrics.SagaMetrics
	Logger    *log.Entry
}

// Service — оркестратор саги заказа: команды и реакции на события платежей.
type Service struct {
	orders    domain.OrderRepository
	history   domain.OrderHistoryRepository
	publisher *events.Publisher
	metrics   *metrics.SagaMetrics
	config    Config
	logger    *log.Entry
	now       func() time.Time
}

// NewService создаёт сервис заказов.
func NewService(deps Dependencies, cfg Config) (*Service, error) {
	if deps.Orders == nil {
		return nil, fmt.Errorf("order service: repository is required")
	}
	if deps.Publisher == nil {
		return nil, fmt.Errorf("order service: publisher is required")
	}
	if cfg.PaymentTimeout <= 0 {
		cfg.PaymentTimeout = DefaultConfig().PaymentTimeout
	}
	logger := deps.Logger
	if logger == nil {
		logger = log.WithField("component", "order-service")
	}
	return &Service{
		orders:    deps.Orders,
		history:   deps.History,
		publisher: deps.Publisher,
		metrics:   deps.Metrics,
		config:    cfg,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}, nil
}

// CreateOrderCommand — данные нового заказа.
type CreateOrderCommand struct {
	UserID          string
	Items           []domain.OrderItem
	Currency        string
	ShippingCost    decimal.Decimal
	TaxAmount       decimal.Decimal
	DiscountAmount  decimal.Decimal
	PaymentMethod   string
	ShippingAddress domain.Address
	BillingAddress  domain.Address
}

// CreateOrder создаёт заказ в PENDING и запускает сагу: order.created и запрос резерва склада.
func (s *Service) CreateOrder(ctx context.Context, cmd CreateOrderCommand) (domain.Order, error) {
	order, err := domain.NewOrder(domain.NewOrderParams{
		UserID:          cmd.UserID,
		Items:           cmd.Items,
		Currency:        cmd.Currency,
		ShippingCost:    cmd.ShippingCost,
		TaxAmount:       cmd.TaxAmount,
		DiscountAmount:  cmd.DiscountAmount,
		PaymentMethod:   cmd.PaymentMethod,
		ShippingAddress: cmd.ShippingAddress,
		BillingAddress:  cmd.BillingAddress,
	}, s.now())
	if err != nil {
		return domain.Order{}, err
	}
	if err := s.orders.Create(order); err != nil {
		return domain.Order{}, fmt.Errorf("create order: %w", err)
	}

	s.metrics.RecordSagaStarted()
	s.logger.WithFields(log.Fields{
		"order_id":     order.ID,
		"order_number": order.OrderNumber,
		"total":        order.Total.StringFixed(2),
	}).Info("order created")

	if err := s.publish(ctx, domain.TopicOrderCreated, order, domain.OrderCreatedPayload{
		OrderID:       order.ID,
		OrderNumber:   order.OrderNumber,
		UserID:        order.UserID,
		Items:         domain.ItemsPayload(order.Items),
		Total:         order.Total,
		Currency:      order.Currency,
		PaymentMethod: order.PaymentMethod,
	}, domain.PriorityNormal, ""); err != nil {
		return order, err
	}
	if err := s.publish(ctx, domain.TopicInventoryReserve, order, domain.InventoryRequestPayload{
		OrderID: order.ID,
		Items:   domain.ItemsPayload(order.Items),
	}, domain.PriorityNormal, ""); err != nil {
		return order, err
	}
	return order, nil
}

// GetOrder возвращает заказ по идентификатору.
func (s *Service) GetOrder(_ context.Context, id string) (domain.Order, error) {
	return s.orders.Get(id)
}

// GetOrderByNumber возвращает заказ по номеру.
func (s *Service) GetOrderByNumber(_ context.Context, number string) (domain.Order, error) {
	return s.orders.GetByNumber(number)
}

// ListOrders возвращает заказы пользователя.
func (s *Service) ListOrders(_ context.Context, filter domain.OrderFilter) ([]domain.Order, error) {
	if filter.Limit < 0 || filter.Offset < 0 {
		return nil, domain.Validationf("limit and offset must not be negative")
	}
	return s.orders.List(filter)
}

// History возвращает аудит переходов заказа.
func (s *Service) History(_ context.Context, id string) ([]domain.OrderStatusHistory, error) {
	if s.history != nil {
		return s.history.ListByOrder(id)
	}
	order, err := s.orders.Get(id)
	if err != nil {
		return nil, err
	}
	return order.History, nil
}

// UpdateStatusOptions — параметры перехода для UpdateOrderStatus.
type UpdateStatusOptions struct {
	Actor          string
	Reason         string
	PaymentID      string
	TrackingNumber string
	Carrier        string
	EstimatedDays  int
}

// UpdateOrderStatus применяет именованный переход, соответствующий целевому статусу.
func (s *Service) UpdateOrderStatus(ctx context.Context, id string, target domain.OrderStatus, opts UpdateStatusOptions) (domain.Order, error) {
	actor := opts.Actor
	if actor == "" {
		actor = actorSystem
	}

	switch target {
	case domain.OrderStatusProcessing:
		return s.update(id, "start_processing", func(o *domain.Order, now time.Time) error {
			return o.StartProcessing(actor, now)
		})
	case domain.OrderStatusPaymentPending:
		return s.update(id, "await_payment", func(o *domain.Order, now time.Time) error {
			return o.AwaitPayment(opts.PaymentID, actor, now)
		})
	case domain.OrderStatusPreparing:
		return s.update(id, "start_preparing", func(o *domain.Order, now time.Time) error {
			return o.StartPreparing(actor, now)
		})
	case domain.OrderStatusShipped:
		return s.ShipOrder(ctx, id, ShipCommand{
			TrackingNumber: opts.TrackingNumber,
			Carrier:        opts.Carrier,
			EstimatedDays:  opts.EstimatedDays,
			Actor:          actor,
		})
	case domain.OrderStatusDelivered:
		return s.DeliverOrder(ctx, id, actor)
	case domain.OrderStatusCancelled:
		return s.CancelOrder(ctx, id, opts.Reason, opts.Actor)
	default:
		// CONFIRMED и PAYMENT_FAILED выставляет только сага по событиям платежа.
		return domain.Order{}, domain.Validationf("status %s cannot be set directly", target)
	}
}

// ShipCommand — данные отгрузки.
type ShipCommand struct {
	TrackingNumber string
	Carrier        string
	EstimatedDays  int
	Actor          string
}

// ShipOrder передаёт заказ перевозчику и публикует order.shipped.
func (s *Service) ShipOrder(ctx context.Context, id string, cmd ShipCommand) (domain.Order, error) {
	actor := cmd.Actor
	if actor == "" {
		actor = actorSystem
	}
	order, err := s.update(id, "ship", func(o *domain.Order, now time.Time) error {
		return o.Ship(cmd.TrackingNumber, cmd.Carrier, cmd.EstimatedDays, actor, now)
	})
	if err != nil {
		return domain.Order{}, err
	}
	err = s.publish(ctx, domain.TopicOrderShipped, order, domain.OrderShippedPayload{
		OrderID:           order.ID,
		TrackingNumber:    order.TrackingNumber,
		Carrier:           order.Carrier,
		EstimatedDelivery: order.EstimatedDelivery,
	}, domain.PriorityNormal, "")
	return order, err
}

// DeliverOrder фиксирует доставку и публикует order.delivered.
func (s *Service) DeliverOrder(ctx context.Context, id, actor string) (domain.Order, error) {
	if actor == "" {
		actor = actorSystem
	}
	order, err := s.update(id, "deliver", func(o *domain.Order, now time.Time) error {
		return o.Deliver(actor, now)
	})
	if err != nil {
		return domain.Order{}, err
	}
	err = s.publish(ctx, domain.TopicOrderDelivered, order, domain.OrderDeliveredPayload{
		OrderID:     order.ID,
		DeliveredAt: *order.DeliveredAt,
	}, domain.PriorityNormal, "")
	return order, err
}

// CancelOrder отменяет заказ. Для оплаченного заказа публикуется payment.refund_request,
// резерв склада снимается всегда. Повторная отмена уже отменённого заказа возвращает StateError
// и заново публикует события отмены с прежними eventId.
func (s *Service) CancelOrder(ctx context.Context, id, reason, actor string) (domain.Order, error) {
	order, err := s.update(id, "cancel", func(o *domain.Order, now time.Time) error {
		return o.Cancel(reason, actor, now)
	})
	if err != nil {
		if current, ok := s.cancelledEarlier(err, id); ok {
			if pubErr := s.compensateCancellation(ctx, current); pubErr != nil {
				return domain.Order{}, pubErr
			}
		}
		return domain.Order{}, err
	}
	s.metrics.RecordSagaCanceled(order.CreatedAt)
	s.logger.WithFields(log.Fields{
		"order_id":     order.ID,
		"reason":       order.CancellationReason,
		"cancelled_by": order.CancelledBy,
	}).Info("order cancelled")

	return order, s.compensateCancellation(ctx, order)
}

// compensateCancellation публикует события отмены: order.cancelled, возврат оплаты и снятие резерва.
func (s *Service) compensateCancellation(ctx context.Context, order domain.Order) error {
	if err := s.publish(ctx, domain.TopicOrderCancelled, order, domain.OrderCancelledPayload{
		OrderID:     order.ID,
		PaymentID:   order.PaymentID,
		Reason:      order.CancellationReason,
		CancelledBy: order.CancelledBy,
	}, domain.PriorityHigh, ""); err != nil {
		return err
	}

	if order.IsPaid() {
		if err := s.requestRefund(ctx, order, order.PaymentID, order.CancellationReason); err != nil {
			return err
		}
	}
	return s.releaseInventory(ctx, order, order.CancellationReason)
}

func (s *Service) requestRefund(ctx context.Context, order domain.Order, paymentID, reason string) error {
	s.metrics.RecordCompensation("refund_payment")
	return s.publish(ctx, domain.TopicPaymentRefundRequest, order, domain.RefundRequestPayload{
		OrderID:   order.ID,
		PaymentID: paymentID,
		Reason:    reason,
	}, domain.PriorityHigh, paymentID)
}

func (s *Service) releaseInventory(ctx context.Context, order domain.Order, reason string) error {
	s.metrics.RecordCompensation("release_inventory")
	return s.publish(ctx, domain.TopicInventoryRelease, order, domain.InventoryRequestPayload{
		OrderID: order.ID,
		Items:   domain.ItemsPayload(order.Items),
		Reason:  reason,
	}, domain.PriorityNormal, "")
}

// update читает заказ, применяет переход и сохраняет. При конфликте версий заказ перечитывается,
// переход применяется заново.
func (s *Service) update(id, transition string, apply func(o *domain.Order, now time.Time) error) (domain.Order, error) {
	var lastErr error
	for attempt := 0; attempt < maxSaveAttempts; attempt++ {
		order, err := s.orders.Get(id)
		if err != nil {
			return domain.Order{}, err
		}
		if err := apply(&order, s.now()); err != nil {
			return domain.Order{}, err
		}
		err = s.orders.Save(order)
		if err == nil {
			order.Version++
			s.metrics.RecordTransition("order", transition)
			return order, nil
		}
		if !domain.IsVersionConflict(err) {
			return domain.Order{}, fmt.Errorf("save order %s: %w", id, err)
		}
		lastErr = err
		s.logger.WithFields(log.Fields{
			"order_id": id,
			"attempt":  attempt + 1,
		}).Warn("order version conflict, retrying")
	}
	return domain.Order{}, fmt.Errorf("save order %s: %w", id, lastErr)
}

// publish отправляет событие заказа. eventId выводится из orderId, топика и dedupKey,
// поэтому повторная публикация после сбоя даёт то же событие, а не новое.
func (s *Service) publish(ctx context.Context, topic string, order domain.Order, payload any, priority domain.Priority, dedupKey string) error {
	_, err := s.publisher.Publish(ctx, topic, payload, events.PublishOptions{
		Priority:     priority,
		UserID:       order.UserID,
		PartitionKey: order.ID,
		EventID:      events.DerivedEventID(order.ID, topic, dedupKey),
	})
	return err
}

// cancelledEarlier сообщает, что переход отклонён потому, что заказ уже отменён, и возвращает заказ.
func (s *Service) cancelledEarlier(err error, id string) (domain.Order, bool) {
	var stateErr *domain.StateError
	if !errors.As(err, &stateErr) || stateErr.Current != string(domain.OrderStatusCancelled) {
		return domain.Order{}, false
	}
	order, getErr := s.orders.Get(id)
	if getErr != nil || order.Status != domain.OrderStatusCancelled {
		return domain.Order{}, false
	}
	return order, true
}

// ignoreState превращает недопустимый переход в no-op: событие пришло для заказа,
// который уже ушёл дальше по саге.
func (s *Service) ignoreState(err error, event domain.Event, orderID string) error {
	var stateErr *domain.StateError
	if errors.As(err, &stateErr) {
		s.logger.WithFields(log.Fields{
			"order_id": orderID,
			"event_id": event.Metadata.EventID,
			"topic":    event.Metadata.EventType,
			"status":   stateErr.Current,
		}).Info("event does not apply to order state, ignored")
		return nil
	}
	return err
}
