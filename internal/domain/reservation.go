package domain

import (
	"errors"
	"time"
)

// ReservationStatus отражает статус резервирования товара на складе.
type ReservationStatus string

const (
	// ReservationStatusReserved — товар зарезервирован под заказ.
	ReservationStatusReserved ReservationStatus = "reserved"
	// ReservationStatusReleased — резерв снят (отмена заказа, отказ платежа).
	ReservationStatusReleased ReservationStatus = "released"
)

var (
	ErrReservationSKURequired = Validationf("reservation sku is required")
	ErrReservationQtyInvalid  = Validationf("reservation quantity must be positive")
)

// Reservation описывает резерв товаров под заказ.
type Reservation struct {
	OrderID   string
	Items     []ReservationItem
	Status    ReservationStatus
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ReservationItem — одна позиция резерва.
type ReservationItem struct {
	ProductID string
	SKU       string
	Qty       int32
}

// Validate проверяет, корректно ли заполнены ключевые поля резервирования.
func (r *Reservation) Validate() []error {
	var errs []error

	if r.OrderID == "" {
		errs = append(errs, ErrOrderIDRequired)
	}
	if len(r.Items) == 0 {
		errs = append(errs, ErrItemsRequired)
	}
	for _, item := range r.Items {
		if item.SKU == "" {
			errs = append(errs, ErrReservationSKURequired)
		}
		if item.Qty <= 0 {
			errs = append(errs, ErrReservationQtyInvalid)
		}
	}

	return errs
}

// NewReservation собирает резерв по позициям заказа и проверяет его.
func NewReservation(orderID string, items []OrderItemPayload, now time.Time) (Reservation, error) {
	r := Reservation{
		OrderID:   orderID,
		Items:     make([]ReservationItem, 0, len(items)),
		Status:    ReservationStatusReserved,
		CreatedAt: now,
		UpdatedAt: now,
	}
	for _, item := range items {
		r.Items = append(r.Items, ReservationItem{ProductID: item.ProductID, SKU: item.SKU, Qty: item.Quantity})
	}
	if errs := r.Validate(); len(errs) > 0 {
		return Reservation{}, errors.Join(errs...)
	}
	return r, nil
}

// ReleasedTombstone — запись о снятии резерва, которого ещё нет.
// Не даёт опоздавшему reserve открыть резерв для уже отменённого заказа.
func ReleasedTombstone(orderID string, now time.Time) Reservation {
	return Reservation{OrderID: orderID, Status: ReservationStatusReleased, CreatedAt: now, UpdatedAt: now}
}

// Release снимает резерв. false, если он уже снят.
func (r *Reservation) Release(now time.Time) bool {
	if r.Status == ReservationStatusReleased {
		return false
	}
	r.Status = ReservationStatusReleased
	r.UpdatedAt = now
	return true
}
