package inventory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
	"github.com/vladislavdragonenkov/fulfillment/internal/service/events"
	"github.com/vladislavdragonenkov/fulfillment/internal/storage/memory"
)

func testItems() []domain.OrderItemPayload {
	return []domain.OrderItemPayload{
		{ProductID: "p-1", SKU: "sku-1", Quantity: 2},
		{ProductID: "p-2", SKU: "sku-2", Quantity: 1},
	}
}

func TestReserve_IdempotentPerOrder(t *testing.T) {
	repo := memory.NewReservationRepository()
	svc := NewService(repo, nil)
	ctx := context.Background()

	first, err := svc.Reserve(ctx, "order-1", testItems())
	require.NoError(t, err)
	require.Equal(t, domain.ReservationStatusReserved, first.Status)
	require.Len(t, first.Items, 2)

	second, err := svc.Reserve(ctx, "order-1", testItems()[:1])
	require.NoError(t, err)
	require.Len(t, second.Items, 2, "second reserve returns the existing reservation")
}

func TestReserve_Validation(t *testing.T) {
	svc := NewService(memory.NewReservationRepository(), nil)

	_, err := svc.Reserve(context.Background(), "order-1", []domain.OrderItemPayload{{ProductID: "p-1", Quantity: 0}})
	require.ErrorIs(t, err, domain.ErrValidation)
	require.True(t, domain.IsPermanent(err))
}

func TestRelease(t *testing.T) {
	tests := []struct {
		name    string
		reserve bool
	}{
		{name: "reserved order", reserve: true},
		{name: "release before reserve"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := memory.NewReservationRepository()
			svc := NewService(repo, nil)
			ctx := context.Background()

			if tt.reserve {
				_, err := svc.Reserve(ctx, "order-1", testItems())
				require.NoError(t, err)
			}

			require.NoError(t, svc.Release(ctx, "order-1", "payment failed"))
			require.NoError(t, svc.Release(ctx, "order-1", "payment failed"))

			got, err := repo.Get("order-1")
			require.NoError(t, err)
			require.Equal(t, domain.ReservationStatusReleased, got.Status)

			reservation, err := svc.Reserve(ctx, "order-1", testItems())
			require.NoError(t, err)
			require.Equal(t, domain.ReservationStatusReleased, reservation.Status, "late reserve does not reopen")
		})
	}
}

func TestHandlers(t *testing.T) {
	repo := memory.NewReservationRepository()
	svc := NewService(repo, nil)
	handlers := svc.Handlers()
	ctx := context.Background()

	sink := events.NewMemorySink()
	publisher := events.NewPublisher("order-service", sink)
	reserve, err := publisher.Publish(ctx, domain.TopicInventoryReserve,
		domain.InventoryRequestPayload{OrderID: "order-1", Items: testItems()}, events.PublishOptions{})
	require.NoError(t, err)
	release, err := publisher.Publish(ctx, domain.TopicInventoryRelease,
		domain.InventoryRequestPayload{OrderID: "order-1", Items: testItems(), Reason: "order cancelled"}, events.PublishOptions{})
	require.NoError(t, err)

	require.NoError(t, handlers[domain.TopicInventoryReserve](ctx, reserve))
	got, err := repo.Get("order-1")
	require.NoError(t, err)
	require.Equal(t, domain.ReservationStatusReserved, got.Status)

	require.NoError(t, handlers[domain.TopicInventoryRelease](ctx, release))
	got, err = repo.Get("order-1")
	require.NoError(t, err)
	require.Equal(t, domain.ReservationStatusReleased, got.Status)
}
