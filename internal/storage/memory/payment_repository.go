package memory

import (
	"sort"
	"sync"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
)

type paymentRepositoryInMemory struct {
	mu       sync.RWMutex
	items    map[string]domain.Payment
	byIntent map[string]string
}

// NewPaymentRepository создаёт in-memory реализацию PaymentRepository.
func NewPaymentRepository() domain.PaymentRepository {
	return &paymentRepositoryInMemory{
		items:    make(map[string]domain.Payment),
		byIntent: make(map[string]string),
	}
}

func (r *paymentRepositoryInMemory) Create(payment domain.Payment) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.items[payment.ID]; exists {
		return domain.ErrDuplicate
	}
	r.items[payment.ID] = clonePayment(payment)
	if payment.ProviderPaymentIntentID != "" {
		r.byIntent[payment.ProviderPaymentIntentID] = payment.ID
	}
	return nil
}

func (r *paymentRepositoryInMemory) Get(id string) (domain.Payment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	payment, ok := r.items[id]
	if !ok {
		return domain.Payment{}, domain.ErrPaymentNotFound
	}
	return clonePayment(payment), nil
}

// ListByOrder возвращает платежи заказа в порядке создания.
func (r *paymentRepositoryInMemory) ListByOrder(orderID string) ([]domain.Payment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]domain.Payment, 0, 1)
	for _, payment := range r.items {
		if payment.OrderID == orderID {
			result = append(result, clonePayment(payment))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func (r *paymentRepositoryInMemory) GetByProviderIntentID(intentID string) (domain.Payment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byIntent[intentID]
	if !ok {
		return domain.Payment{}, domain.ErrPaymentNotFound
	}
	return clonePayment(r.items[id]), nil
}

// Save перезаписывает платёж с проверкой версии.
func (r *paymentRepositoryInMemory) Save(payment domain.Payment) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.items[payment.ID]
	if !ok {
		return domain.ErrPaymentNotFound
	}
	if current.Version != payment.Version {
		return domain.ErrVersionConflict
	}
	payment.Version++
	r.items[payment.ID] = clonePayment(payment)
	if payment.ProviderPaymentIntentID != "" {
		r.byIntent[payment.ProviderPaymentIntentID] = payment.ID
	}
	return nil
}

func clonePayment(src domain.Payment) domain.Payment {
	dst := src
	if src.Card != nil {
		card := *src.Card
		dst.Card = &card
	}
	return dst
}

var _ domain.PaymentRepository = (*paymentRepositoryInMemory)(nil)
