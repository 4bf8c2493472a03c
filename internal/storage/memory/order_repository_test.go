package memory_test

import (
	"errors"
	"testing"
	"time"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
	"github.com/vladislavdragonenkov/fulfillment/internal/storage/memory"
)

func newOrder(t *testing.T, userID string, createdAt time.Time) domain.Order {
	t.Helper()
	order, err := domain.NewOrder(domain.NewOrderParams{
		UserID: userID,
		Items:  []domain.OrderItem{{ProductID: "p-1", SKU: "sku-1", Quantity: 5, UnitPrice: domain.MustMoney("1.00")}},
	}, createdAt)
	if err != nil {
		t.Fatalf("new order: %v", err)
	}
	return order
}

func TestOrderRepository_CreateGet(t *testing.T) {
	repo := memory.NewOrderRepository()
	order := newOrder(t, "user-1", time.Now().UTC())

	if err := repo.Create(order); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if err := repo.Create(order); !errors.Is(err, domain.ErrDuplicate) {
		t.Fatalf("expected duplicate error, got %v", err)
	}

	stored, err := repo.Get(order.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if stored.ID != order.ID || len(stored.History) != 1 {
		t.Fatalf("unexpected stored order: %+v", stored)
	}

	byNumber, err := repo.GetByNumber(order.OrderNumber)
	if err != nil || byNumber.ID != order.ID {
		t.Fatalf("get by number: %v %+v", err, byNumber)
	}

	if _, err := repo.Get("missing"); !errors.Is(err, domain.ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound, got %v", err)
	}
}

func TestOrderRepository_ReturnsCopies(t *testing.T) {
	repo := memory.NewOrderRepository()
	order := newOrder(t, "user-1", time.Now().UTC())
	if err := repo.Create(order); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	stored, _ := repo.Get(order.ID)
	stored.Items[0].Quantity = 100
	stored.AddNote("local change", "test", time.Now())

	again, _ := repo.Get(order.ID)
	if again.Items[0].Quantity != 5 || len(again.History) != 1 {
		t.Fatalf("repository state leaked: %+v", again)
	}
}

func TestOrderRepository_ListFilters(t *testing.T) {
	repo := memory.NewOrderRepository()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	first := newOrder(t, "user-1", base)
	second := newOrder(t, "user-1", base.Add(time.Hour))
	if err := second.Confirm("pay-1", base.Add(2*time.Hour)); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	other := newOrder(t, "user-2", base.Add(2*time.Hour))
	for _, o := range []domain.Order{first, second, other} {
		if err := repo.Create(o); err != nil {
			t.Fatalf("create failed: %v", err)
		}
	}

	orders, err := repo.List(domain.OrderFilter{UserID: "user-1"})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(orders) != 2 || orders[0].ID != second.ID {
		t.Fatalf("expected newest first for user-1, got %d orders", len(orders))
	}

	confirmed, _ := repo.List(domain.OrderFilter{UserID: "user-1", Statuses: []domain.OrderStatus{domain.OrderStatusConfirmed}})
	if len(confirmed) != 1 || confirmed[0].ID != second.ID {
		t.Fatalf("status filter failed: %+v", confirmed)
	}

	window, _ := repo.List(domain.OrderFilter{From: base, To: base.Add(time.Hour)})
	if len(window) != 1 || window[0].ID != first.ID {
		t.Fatalf("time window filter failed: %d orders", len(window))
	}

	page, _ := repo.List(domain.OrderFilter{Limit: 1, Offset: 1})
	if len(page) != 1 || page[0].ID != second.ID {
		t.Fatalf("pagination failed: %+v", page)
	}
}

func TestOrderRepository_SaveOptimisticLock(t *testing.T) {
	repo := memory.NewOrderRepository()
	order := newOrder(t, "user-1", time.Now().UTC())
	if err := repo.Create(order); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	stale, _ := repo.Get(order.ID)
	fresh, _ := repo.Get(order.ID)

	if err := fresh.Cancel("customer request", "", time.Now()); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if err := repo.Save(fresh); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if err := repo.Save(stale); !errors.Is(err, domain.ErrOrderVersionConflict) {
		t.Fatalf("expected version conflict, got %v", err)
	}

	history, err := repo.ListByOrder(order.ID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 2 || history[1].Status != domain.OrderStatusCancelled {
		t.Fatalf("unexpected history: %+v", history)
	}
}

func TestOrderRepository_Delete(t *testing.T) {
	repo := memory.NewOrderRepository()
	order := newOrder(t, "user-1", time.Now().UTC())
	_ = repo.Create(order)

	if err := repo.Delete(order.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := repo.GetByNumber(order.OrderNumber); !errors.Is(err, domain.ErrOrderNotFound) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
	if err := repo.Delete(order.ID); !errors.Is(err, domain.ErrOrderNotFound) {
		t.Fatalf("expected not found on second delete, got %v", err)
	}
}
