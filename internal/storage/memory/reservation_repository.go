package memory

import (
	"sync"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
)

type reservationRepositoryInMemory struct {
	mu    sync.RWMutex
	items map[string]domain.Reservation
}

// NewReservationRepository создаёт in-memory хранилище складских резервов.
func NewReservationRepository() domain.ReservationRepository {
	return &reservationRepositoryInMemory{items: make(map[string]domain.Reservation)}
}

func (r *reservationRepositoryInMemory) Get(orderID string) (domain.Reservation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	reservation, ok := r.items[orderID]
	if !ok {
		return domain.Reservation{}, domain.ErrNotFound
	}
	reservation.Items = append([]domain.ReservationItem(nil), reservation.Items...)
	return reservation, nil
}

func (r *reservationRepositoryInMemory) Upsert(reservation domain.Reservation) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	reservation.Items = append([]domain.ReservationItem(nil), reservation.Items...)
	r.items[reservation.OrderID] = reservation
	return nil
}

var _ domain.ReservationRepository = (*reservationRepositoryInMemory)(nil)
