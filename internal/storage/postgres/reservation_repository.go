package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
)

type reservationRepository struct {
	db *sql.DB
}

// NewReservationRepository создаёт PostgreSQL-хранилище складских резервов.
func NewReservationRepository(store *Store) domain.ReservationRepository {
	return &reservationRepository{db: store.DB()}
}

func (r *reservationRepository) Get(orderID string) (domain.Reservation, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	var (
		reservation domain.Reservation
		items       []byte
		status      string
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT order_id, items, status, created_at, updated_at
		FROM inventory_reservations
		WHERE order_id = $1
	`, orderID).Scan(&reservation.OrderID, &items, &status, &reservation.CreatedAt, &reservation.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Reservation{}, domain.ErrNotFound
		}
		return domain.Reservation{}, fmt.Errorf("select reservation: %w", err)
	}
	if err := json.Unmarshal(items, &reservation.Items); err != nil {
		return domain.Reservation{}, fmt.Errorf("decode reservation items: %w", err)
	}
	reservation.Status = domain.ReservationStatus(status)
	return reservation, nil
}

func (r *reservationRepository) Upsert(reservation domain.Reservation) error {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	items, err := json.Marshal(reservation.Items)
	if err != nil {
		return fmt.Errorf("encode reservation items: %w", err)
	}

	if _, err := r.db.ExecContext(ctx, `
		INSERT INTO inventory_reservations (order_id, items, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (order_id) DO UPDATE
		SET items = EXCLUDED.items,
		    status = EXCLUDED.status,
		    updated_at = EXCLUDED.updated_at
	`, reservation.OrderID, items, string(reservation.Status), reservation.CreatedAt, reservation.UpdatedAt); err != nil {
		return fmt.Errorf("upsert reservation: %w", err)
	}
	return nil
}

var _ domain.ReservationRepository = (*reservationRepository)(nil)
