package checkout

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
	"github.com/vladislavdragonenkov/fulfillment/internal/metrics"
	"github.com/vladislavdragonenkov/fulfillment/internal/service/order"
	"github.com/vladislavdragonenkov/fulfillment/internal/service/payment"
)

// Orders — команды сервиса заказов, нужные оформлению.
type Orders interface {
	CreateOrder(ctx context.Context, cmd order.CreateOrderCommand) (domain.Order, error)
	CancelOrder(ctx context.Context, id, reason, actor string) (domain.Order, error)
}

// Payments — команды платёжного сервиса, нужные оформлению.
type Payments interface {
	CreatePayment(ctx context.Context, cmd payment.CreatePaymentCommand) (domain.Payment, error)
	ConfirmPayment(ctx context.Context, paymentID string, details domain.PaymentMethodDetails) (domain.Payment, error)
	CancelPayment(ctx context.Context, paymentID string) (domain.Payment, error)
}

// Request — данные оформления заказа.
type Request struct {
	UserID          string
	Items           []domain.OrderItem
	Currency        string
	ShippingCost    decimal.Decimal
	TaxAmount       decimal.Decimal
	DiscountAmount  decimal.Decimal
	PaymentMethod   string
	PaymentDetails  domain.PaymentMethodDetails
	ShippingAddress domain.Address
	BillingAddress  domain.Address
}

// Result — итог оформления. Платёж может остаться в REQUIRES_ACTION: тогда клиент
// завершает аутентификацию, а исход приходит webhook-ом.
type Result struct {
	Order   domain.Order
	Payment domain.Payment
}

// Service выполняет оформление как последовательность шагов с компенсациями.
type Service struct {
	orders   Orders
	payments Payments
	cart     domain.Cache
	metrics  *metrics.SagaMetrics
	logger   *log.Entry
}

// NewService создаёт сервис оформления. cart может быть nil: тогда корзина не очищается.
func NewService(orders Orders, payments Payments, cart domain.Cache, m *metrics.SagaMetrics, logger *log.Entry) *Service {
	if logger == nil {
		logger = log.WithField("component", "checkout")
	}
	return &Service{orders: orders, payments: payments, cart: cart, metrics: m, logger: logger}
}

// CartKey — ключ корзины пользователя в кэше.
func CartKey(userID string) string {
	return "cart:" + userID
}

// Checkout создаёт заказ, заводит и подтверждает платёж. При ошибке шага выполняются
// компенсации уже пройденных шагов в обратном порядке, а наружу возвращается *StepError.
// Шаг, сохранивший результат до ошибки, компенсируется вместе с пройденными.
func (s *Service) Checkout(ctx context.Context, req Request) (Result, error) {
	state := &checkoutState{request: req}
	steps := []Step{
		&createOrderStep{orders: s.orders, state: state},
		&createPaymentStep{payments: s.payments, state: state},
		&confirmPaymentStep{payments: s.payments, state: state},
	}

	logger := s.logger.WithField("user_id", req.UserID)
	var done []Step
	for _, step := range steps {
		started := time.Now()
		err := step.Execute(ctx)
		s.metrics.RecordStepDuration(step.Name(), time.Since(started))
		if err != nil {
			logger.WithError(err).WithField("step", step.Name()).Warn("checkout step failed, compensating")
			if c, ok := step.(committer); ok && c.Committed() {
				done = append(done, step)
			}
			s.rollback(ctx, logger, done)
			return Result{Order: state.order, Payment: state.payment}, &StepError{Step: step.Name(), Err: err}
		}
		done = append(done, step)
	}

	s.clearCart(ctx, logger, req.UserID)
	logger.WithFields(log.Fields{
		"order_id":       state.order.ID,
		"payment_id":     state.payment.ID,
		"payment_status": state.payment.Status,
	}).Info("checkout completed")
	return Result{Order: state.order, Payment: state.payment}, nil
}

// rollback выполняет компенсации в обратном порядке, в том числе после отмены ctx запроса.
func (s *Service) rollback(ctx context.Context, logger *log.Entry, done []Step) {
	ctx = context.WithoutCancel(ctx)
	for i := len(done) - 1; i >= 0; i-- {
		step := done[i]
		s.metrics.RecordCompensation(step.Name())
		if err := step.Compensate(ctx); err != nil {
			logger.WithError(err).WithField("step", step.Name()).Error("compensation failed")
			continue
		}
		logger.WithField("step", step.Name()).Info("step compensated")
	}
}

// clearCart очищает корзину. Ошибка кэша не откатывает оплаченный заказ.
func (s *Service) clearCart(ctx context.Context, logger *log.Entry, userID string) {
	if s.cart == nil {
		return
	}
	if err := s.cart.Delete(ctx, CartKey(userID)); err != nil {
		logger.WithError(err).Warn("failed to clear cart")
	}
}

// StepError — ошибка шага оформления.
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("checkout step %s: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }
