package inventory

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
	"github.com/vladislavdragonenkov/fulfillment/internal/service/dispatcher"
)

// ServiceName — consumer group сервиса резервов.
const ServiceName = "inventory-service"

// Service ведёт складские резервы по заказам. Обе операции идемпотентны по orderId:
// повторный reserve не создаёт второй резерв, повторный release ничего не меняет.
type Service struct {
	reservations domain.ReservationRepository
	logger       *log.Entry
	now          func() time.Time

	// ReserveErr, если задан, возвращается из Reserve. Нужен для проверки компенсаций.
	ReserveErr error
}

// NewService создаёт сервис резервов.
func NewService(reservations domain.ReservationRepository, logger *log.Entry) *Service {
	if logger == nil {
		logger = log.WithField("component", ServiceName)
	}
	return &Service{
		reservations: reservations,
		logger:       logger,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// Reserve резервирует позиции заказа. Для уже существующего резерва ничего не делает,
// снятый резерв повторно не открывается.
func (s *Service) Reserve(_ context.Context, orderID string, items []domain.OrderItemPayload) (domain.Reservation, error) {
	if s.ReserveErr != nil {
		return domain.Reservation{}, s.ReserveErr
	}

	existing, err := s.reservations.Get(orderID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return domain.Reservation{}, fmt.Errorf("get reservation %s: %w", orderID, err)
	}

	reservation, err := domain.NewReservation(orderID, items, s.now())
	if err != nil {
		return domain.Reservation{}, err
	}

	if err := s.reservations.Upsert(reservation); err != nil {
		return domain.Reservation{}, fmt.Errorf("save reservation %s: %w", orderID, err)
	}
	s.logger.WithFields(log.Fields{
		"order_id": orderID,
		"items":    len(reservation.Items),
	}).Info("inventory reserved")
	return reservation, nil
}

// Release снимает резерв заказа. Отсутствующий резерв не ошибка: release мог обогнать reserve.
func (s *Service) Release(_ context.Context, orderID, reason string) error {
	reservation, err := s.reservations.Get(orderID)
	if errors.Is(err, domain.ErrNotFound) {
		return s.reservations.Upsert(domain.ReleasedTombstone(orderID, s.now()))
	}
	if err != nil {
		return fmt.Errorf("get reservation %s: %w", orderID, err)
	}
	if !reservation.Release(s.now()) {
		return nil
	}
	if err := s.reservations.Upsert(reservation); err != nil {
		return fmt.Errorf("save reservation %s: %w", orderID, err)
	}
	s.logger.WithFields(log.Fields{
		"order_id": orderID,
		"reason":   reason,
	}).Info("inventory released")
	return nil
}

// Handlers возвращает обработчики inventory.reserve_request и inventory.release_request.
func (s *Service) Handlers() dispatcher.Handlers {
	return dispatcher.Handlers{
		domain.TopicInventoryReserve: func(ctx context.Context, event domain.Event) error {
			var req domain.InventoryRequestPayload
			if err := event.DecodeData(&req); err != nil {
				return err
			}
			_, err := s.Reserve(ctx, req.OrderID, req.Items)
			return err
		},
		domain.TopicInventoryRelease: func(ctx context.Context, event domain.Event) error {
			var req domain.InventoryRequestPayload
			if err := event.DecodeData(&req); err != nil {
				return err
			}
			return s.Release(ctx, req.OrderID, req.Reason)
		},
	}
}
