package memory

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
)

// DeadLetterRepository хранит dead-letter сообщения в памяти.
// Реализует и DeadLetterSink, чтобы подключаться к диспетчеру напрямую.
type DeadLetterRepository struct {
	mu      sync.RWMutex
	letters []domain.DeadLetter
}

// NewDeadLetterRepository создаёт пустое хранилище.
func NewDeadLetterRepository() *DeadLetterRepository {
	return &DeadLetterRepository{}
}

// Save добавляет запись.
func (r *DeadLetterRepository) Save(letter domain.DeadLetter) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if letter.ID == "" {
		letter.ID = uuid.NewString()
	}
	letter.Payload = append([]byte(nil), letter.Payload...)
	r.letters = append(r.letters, letter)
	return nil
}

// List возвращает последние limit записей (все при limit <= 0), старые первыми.
func (r *DeadLetterRepository) List(limit int) ([]domain.DeadLetter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	start := 0
	if limit > 0 && len(r.letters) > limit {
		start = len(r.letters) - limit
	}
	return append([]domain.DeadLetter(nil), r.letters[start:]...), nil
}

// DeadLetter реализует domain.DeadLetterSink.
func (r *DeadLetterRepository) DeadLetter(_ context.Context, letter domain.DeadLetter) error {
	return r.Save(letter)
}

var (
	_ domain.DeadLetterRepository = (*DeadLetterRepository)(nil)
	_ domain.DeadLetterSink       = (*DeadLetterRepository)(nil)
)
