package memory

import (
	"sort"
	"sync"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
)

type refundRepositoryInMemory struct {
	mu         sync.RWMutex
	items      map[string]domain.Refund
	byProvider map[string]string
}

// NewRefundRepository создаёт in-memory реализацию RefundRepository.
func NewRefundRepository() domain.RefundRepository {
	return &refundRepositoryInMemory{
		items:      make(map[string]domain.Refund),
		byProvider: make(map[string]string),
	}
}

func (r *refundRepositoryInMemory) Create(refund domain.Refund) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.items[refund.ID]; exists {
		return domain.ErrDuplicate
	}
	r.items[refund.ID] = refund
	if refund.ProviderRefundID != "" {
		r.byProvider[refund.ProviderRefundID] = refund.ID
	}
	return nil
}

func (r *refundRepositoryInMemory) Get(id string) (domain.Refund, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	refund, ok := r.items[id]
	if !ok {
		return domain.Refund{}, domain.ErrRefundNotFound
	}
	return refund, nil
}

func (r *refundRepositoryInMemory) GetByProviderRefundID(providerRefundID string) (domain.Refund, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byProvider[providerRefundID]
	if !ok {
		return domain.Refund{}, domain.ErrRefundNotFound
	}
	return r.items[id], nil
}

func (r *refundRepositoryInMemory) ListByPayment(paymentID string) ([]domain.Refund, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []domain.Refund
	for _, refund := range r.items {
		if refund.PaymentID == paymentID {
			result = append(result, refund)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func (r *refundRepositoryInMemory) Save(refund domain.Refund) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.items[refund.ID]
	if !ok {
		return domain.ErrRefundNotFound
	}
	if current.Version != refund.Version {
		return domain.ErrVersionConflict
	}
	refund.Version++
	r.items[refund.ID] = refund
	if refund.ProviderRefundID != "" {
		r.byProvider[refund.ProviderRefundID] = refund.ID
	}
	return nil
}

var _ domain.RefundRepository = (*refundRepositoryInMemory)(nil)
