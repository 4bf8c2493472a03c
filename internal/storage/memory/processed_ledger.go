package memory

import (
	"sync"
	"time"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
)

type processedLedgerInMemory struct {
	mu     sync.RWMutex
	events map[string]time.Time
}

// NewProcessedEventLedger создаёт бессрочный журнал обработанных событий.
func NewProcessedEventLedger() domain.ProcessedEventLedger {
	return &processedLedgerInMemory{events: make(map[string]time.Time)}
}

func (l *processedLedgerInMemory) MarkProcessed(group, eventID, _ string, at time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := group + "/" + eventID
	if _, ok := l.events[key]; !ok {
		l.events[key] = at
	}
	return nil
}

func (l *processedLedgerInMemory) IsProcessed(group, eventID string) (bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	_, ok := l.events[group+"/"+eventID]
	return ok, nil
}

var _ domain.ProcessedEventLedger = (*processedLedgerInMemory)(nil)
