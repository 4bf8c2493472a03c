package checkout

import (
	"context"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
	"github.com/vladislavdragonenkov/fulfillment/internal/service/order"
	"github.com/vladislavdragonenkov/fulfillment/internal/service/payment"
)

// Имена шагов оформления.
const (
	StepCreateOrder    = "create_order"
	StepCreatePayment  = "create_payment"
	StepConfirmPayment = "confirm_payment"

	compensationReason = "checkout failed"
	compensationActor  = "checkout"
)

// Step — шаг оформления с компенсирующим действием.
type Step interface {
	Name() string
	Execute(ctx context.Context) error
	Compensate(ctx context.Context) error
}

// committer — шаг, который может сохранить результат и всё равно вернуть ошибку
// (например, не удалась публикация события). Такой шаг тоже компенсируется.
type committer interface {
	Committed() bool
}

// checkoutState — результаты шагов, общие для одного оформления.
type checkoutState struct {
	request Request
	order   domain.Order
	payment domain.Payment
}

type createOrderStep struct {
	orders Orders
	state  *checkoutState
}

func (s *createOrderStep) Name() string { return StepCreateOrder }

func (s *createOrderStep) Execute(ctx context.Context) error {
	req := s.state.request
	created, err := s.orders.CreateOrder(ctx, order.CreateOrderCommand{
		UserID:          req.UserID,
		Items:           req.Items,
		Currency:        req.Currency,
		ShippingCost:    req.ShippingCost,
		TaxAmount:       req.TaxAmount,
		DiscountAmount:  req.DiscountAmount,
		PaymentMethod:   req.PaymentMethod,
		ShippingAddress: req.ShippingAddress,
		BillingAddress:  req.BillingAddress,
	})
	if created.ID != "" {
		s.state.order = created
	}
	return err
}

func (s *createOrderStep) Committed() bool { return s.state.order.ID != "" }

func (s *createOrderStep) Compensate(ctx context.Context) error {
	cancelled, err := s.orders.CancelOrder(ctx, s.state.order.ID, compensationReason, compensationActor)
	if err != nil {
		return err
	}
	s.state.order = cancelled
	return nil
}

type createPaymentStep struct {
	payments Payments
	state    *checkoutState
}

func (s *createPaymentStep) Name() string { return StepCreatePayment }

func (s *createPaymentStep) Execute(ctx context.Context) error {
	created, err := s.payments.CreatePayment(ctx, payment.CreatePaymentCommand{
		OrderID:  s.state.order.ID,
		UserID:   s.state.order.UserID,
		Amount:   s.state.order.Total,
		Currency: s.state.order.Currency,
		Method:   s.state.request.PaymentMethod,
	})
	if created.ID != "" {
		s.state.payment = created
	}
	return err
}

func (s *createPaymentStep) Committed() bool { return s.state.payment.ID != "" }

// Compensate отменяет платёж, если он ещё не завершён. Списанный платёж возвращает
// компенсация шага подтверждения.
func (s *createPaymentStep) Compensate(ctx context.Context) error {
	switch s.state.payment.Status {
	case domain.PaymentStatusPending, domain.PaymentStatusRequiresAction:
	default:
		return nil
	}
	cancelled, err := s.payments.CancelPayment(ctx, s.state.payment.ID)
	if err != nil {
		return err
	}
	s.state.payment = cancelled
	return nil
}

type confirmPaymentStep struct {
	payments Payments
	state    *checkoutState
}

func (s *confirmPaymentStep) Name() string { return StepConfirmPayment }

func (s *confirmPaymentStep) Execute(ctx context.Context) error {
	confirmed, err := s.payments.ConfirmPayment(ctx, s.state.payment.ID, s.state.request.PaymentDetails)
	if confirmed.ID != "" {
		s.state.payment = confirmed
	}
	return err
}

// Compensate ничего не делает: шаг последний, после него откатывать нечего.
func (s *confirmPaymentStep) Compensate(context.Context) error {
	return nil
}
