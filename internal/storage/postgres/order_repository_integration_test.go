package postgres

import (
	"errors"
	"testing"
	"time"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
)

func sampleOrder(t *testing.T, userID string, createdAt time.Time) domain.Order {
	t.Helper()

	order, err := domain.NewOrder(domain.NewOrderParams{
		UserID: userID,
		Items: []domain.OrderItem{
			{ProductID: "p-1", SKU: "sku-1", Name: "Widget", Quantity: 2, UnitPrice: domain.MustMoney("10.00")},
			{ProductID: "p-2", SKU: "sku-2", Name: "Gadget", Quantity: 1, UnitPrice: domain.MustMoney("5.50")},
		},
		ShippingCost:  domain.MustMoney("4.99"),
		TaxAmount:     domain.MustMoney("2.10"),
		PaymentMethod: "card",
		ShippingAddress: domain.Address{
			FullName: "Jane Doe", Line1: "1 Main St", City: "Springfield", PostalCode: "12345", Country: "US",
		},
	}, createdAt)
	if err != nil {
		t.Fatalf("new order: %v", err)
	}
	return order
}

func TestOrderRepository_PostgresCreateGetListAndSave(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t)
	repo := NewOrderRepository(store)

	now := time.Now().UTC().Round(time.Microsecond)
	order1 := sampleOrder(t, "user-1", now.Add(-2*time.Minute))
	order2 := sampleOrder(t, "user-1", now.Add(-time.Minute))

	if err := repo.Create(order1); err != nil {
		t.Fatalf("create order1: %v", err)
	}
	if err := repo.Create(order2); err != nil {
		t.Fatalf("create order2: %v", err)
	}
	if err := repo.Create(order1); !errors.Is(err, domain.ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}

	got, err := repo.Get(order1.ID)
	if err != nil {
		t.Fatalf("get order1: %v", err)
	}
	if got.UserID != order1.UserID || got.Status != domain.OrderStatusPending || !got.Total.Equal(order1.Total) {
		t.Fatalf("unexpected order payload: %+v", got)
	}
	if len(got.Items) != 2 || got.Items[0].SKU != "sku-1" {
		t.Fatalf("items not preserved in order: %+v", got.Items)
	}
	if got.ShippingAddress.City != "Springfield" {
		t.Fatalf("shipping address lost: %+v", got.ShippingAddress)
	}
	if len(got.History) != 1 {
		t.Fatalf("expected creation history row, got %d", len(got.History))
	}

	byNumber, err := repo.GetByNumber(order2.OrderNumber)
	if err != nil || byNumber.ID != order2.ID {
		t.Fatalf("get by number: %v %+v", err, byNumber)
	}

	listed, err := repo.List(domain.OrderFilter{UserID: "user-1", Limit: 1})
	if err != nil {
		t.Fatalf("list with limit: %v", err)
	}
	if len(listed) != 1 || listed[0].ID != order2.ID {
		t.Fatalf("expected newest order first, got %+v", listed)
	}

	if err := got.StartProcessing("system", now); err != nil {
		t.Fatalf("start processing: %v", err)
	}
	if err := got.AwaitPayment("pay-1", "system", now); err != nil {
		t.Fatalf("await payment: %v", err)
	}
	if err := repo.Save(got); err != nil {
		t.Fatalf("save: %v", err)
	}

	if err := repo.Save(got); !errors.Is(err, domain.ErrOrderVersionConflict) {
		t.Fatalf("expected version conflict on stale save, got %v", err)
	}

	reloaded, err := repo.Get(order1.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.Status != domain.OrderStatusPaymentPending || reloaded.PaymentID != "pay-1" {
		t.Fatalf("unexpected reloaded order: %+v", reloaded)
	}
	if len(reloaded.History) != 3 {
		t.Fatalf("expected 3 history rows, got %d", len(reloaded.History))
	}

	filtered, err := repo.List(domain.OrderFilter{Statuses: []domain.OrderStatus{domain.OrderStatusPaymentPending}})
	if err != nil {
		t.Fatalf("list by status: %v", err)
	}
	if len(filtered) != 1 || filtered[0].ID != order1.ID {
		t.Fatalf("unexpected status filter result: %+v", filtered)
	}
}

func TestOrderRepository_PostgresMissingRowsAndDelete(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t)
	repo := NewOrderRepository(store)

	if _, err := repo.Get("missing"); !errors.Is(err, domain.ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound, got %v", err)
	}

	order := sampleOrder(t, "user-2", time.Now().UTC())
	if err := repo.Save(order); !errors.Is(err, domain.ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound on save of unknown order, got %v", err)
	}
	if err := repo.Create(order); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := repo.Delete(order.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := repo.Delete(order.ID); !errors.Is(err, domain.ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound on second delete, got %v", err)
	}
}

func TestPaymentAndRefundRepositories_PostgresFlow(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t)
	payments := NewPaymentRepository(store)
	refunds := NewRefundRepository(store)

	now := time.Now().UTC().Round(time.Microsecond)
	payment, err := domain.NewPayment(domain.NewPaymentParams{
		OrderID: "order-1", UserID: "user-1", Amount: domain.MustMoney("37.50"), Currency: "USD", Method: "card", Provider: "mock",
	}, now)
	if err != nil {
		t.Fatalf("new payment: %v", err)
	}
	if err := payments.Create(payment); err != nil {
		t.Fatalf("create payment: %v", err)
	}

	if err := payment.AttachIntent("pi_1", now); err != nil {
		t.Fatalf("attach intent: %v", err)
	}
	if err := payment.Succeed(&domain.CardSummary{Last4: "4242", Brand: "visa", ExpMonth: 12, ExpYear: 2030}, now); err != nil {
		t.Fatalf("succeed: %v", err)
	}
	if err := payments.Save(payment); err != nil {
		t.Fatalf("save payment: %v", err)
	}

	stored, err := payments.GetByProviderIntentID("pi_1")
	if err != nil {
		t.Fatalf("get by intent: %v", err)
	}
	if stored.Status != domain.PaymentStatusSucceeded || stored.Card == nil || stored.Card.Last4 != "4242" {
		t.Fatalf("unexpected stored payment: %+v", stored)
	}
	if stored.Version != payment.Version+1 {
		t.Fatalf("version not incremented: %d", stored.Version)
	}

	refund, err := domain.NewRefund(stored, domain.MustMoney("20.00"), "requested_by_customer", now)
	if err != nil {
		t.Fatalf("new refund: %v", err)
	}
	if err := refunds.Create(refund); err != nil {
		t.Fatalf("create refund: %v", err)
	}
	if err := refund.StartProcessing("re_1", now); err != nil {
		t.Fatalf("start refund: %v", err)
	}
	if err := refunds.Save(refund); err != nil {
		t.Fatalf("save refund: %v", err)
	}

	byProvider, err := refunds.GetByProviderRefundID("re_1")
	if err != nil || byProvider.ID != refund.ID {
		t.Fatalf("get refund by provider id: %v %+v", err, byProvider)
	}
	listed, err := refunds.ListByPayment(payment.ID)
	if err != nil || len(listed) != 1 {
		t.Fatalf("list refunds: %v %+v", err, listed)
	}

	if err := refunds.Save(refund); !errors.Is(err, domain.ErrVersionConflict) {
		t.Fatalf("expected version conflict for stale refund, got %v", err)
	}
	if _, err := payments.Get("missing"); !errors.Is(err, domain.ErrPaymentNotFound) {
		t.Fatalf("expected ErrPaymentNotFound, got %v", err)
	}
}

func TestMessagingTables_PostgresFlow(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t)
	letters := NewDeadLetterRepository(store)
	ledger := NewProcessedEventLedger(store)
	reservations := NewReservationRepository(store)

	now := time.Now().UTC().Round(time.Microsecond)
	letter := domain.DeadLetter{
		ID: "dl-1", EventID: "evt-1", ConsumerGroup: "order-service", Topic: domain.TopicPaymentSucceeded,
		Partition: 3, Offset: 42, Key: "order-1", Payload: []byte(`{}`), Error: "boom", Attempts: 3, FailedAt: now,
	}
	if err := letters.Save(letter); err != nil {
		t.Fatalf("save dead letter: %v", err)
	}
	if err := letters.Save(letter); err != nil {
		t.Fatalf("repeated dead letter save must be a no-op: %v", err)
	}
	listed, err := letters.List(10)
	if err != nil || len(listed) != 1 || listed[0].Offset != 42 {
		t.Fatalf("list dead letters: %v %+v", err, listed)
	}

	if err := ledger.MarkProcessed("payment-service", "evt-1", domain.TopicPaymentRefundRequest, now); err != nil {
		t.Fatalf("mark processed: %v", err)
	}
	if err := ledger.MarkProcessed("payment-service", "evt-1", domain.TopicPaymentRefundRequest, now); err != nil {
		t.Fatalf("repeated mark processed: %v", err)
	}
	processed, err := ledger.IsProcessed("payment-service", "evt-1")
	if err != nil || !processed {
		t.Fatalf("expected processed event: %v %v", processed, err)
	}
	if processed, _ := ledger.IsProcessed("order-service", "evt-1"); processed {
		t.Fatal("ledger must be scoped by consumer group")
	}

	reservation := domain.Reservation{
		OrderID:   "order-1",
		Items:     []domain.ReservationItem{{ProductID: "p-1", SKU: "sku-1", Qty: 2}},
		Status:    domain.ReservationStatusReserved,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := reservations.Upsert(reservation); err != nil {
		t.Fatalf("upsert reservation: %v", err)
	}
	reservation.Status = domain.ReservationStatusReleased
	if err := reservations.Upsert(reservation); err != nil {
		t.Fatalf("upsert released: %v", err)
	}
	got, err := reservations.Get("order-1")
	if err != nil || got.Status != domain.ReservationStatusReleased || len(got.Items) != 1 {
		t.Fatalf("unexpected reservation: %v %+v", err, got)
	}
	if _, err := reservations.Get("missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
