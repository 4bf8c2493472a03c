package events

import (
	"context"
	"sync"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
)

// MemorySink хранит отправленные сообщения в памяти. Используется в тестах сервисов
// и в режиме dry-run, когда брокер недоступен.
type MemorySink struct {
	mu       sync.Mutex
	messages []domain.BrokerMessage
	// Err, если задан, возвращается из Send вместо записи.
	Err error
}

// NewMemorySink создаёт пустой sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// Send реализует domain.EventSink.
func (s *MemorySink) Send(_ context.Context, messages []domain.BrokerMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.Err != nil {
		return s.Err
	}
	s.messages = append(s.messages, messages...)
	return nil
}

// Messages возвращает копию отправленных сообщений.
func (s *MemorySink) Messages() []domain.BrokerMessage {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]domain.BrokerMessage, len(s.messages))
	copy(out, s.messages)
	return out
}

// Topic возвращает сообщения одного топика.
func (s *MemorySink) Topic(topic string) []domain.BrokerMessage {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.BrokerMessage
	for _, msg := range s.messages {
		if msg.Topic == topic {
			out = append(out, msg)
		}
	}
	return out
}

// Reset очищает накопленные сообщения.
func (s *MemorySink) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = nil
}

var _ domain.EventSink = (*MemorySink)(nil)
