package memory

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
)

type outboxState uint8

const (
	outboxPending outboxState = iota
	outboxSent
	outboxFailed
)

type outboxEntry struct {
	msg      domain.OutboxMessage
	state    outboxState
	attempts int
	settled  time.Time
}

func (e *outboxEntry) due(now time.Time) bool {
	return e.state == outboxPending && !e.msg.AvailableAt.After(now)
}

// outboxQueue — outbox в памяти процесса; отложенные сообщения ждут своего AvailableAt.
type outboxQueue struct {
	mu      sync.RWMutex
	entries map[string]*outboxEntry
	now     func() time.Time
}

// NewOutboxRepository создаёт in-memory реализацию outbox.
func NewOutboxRepository() *outboxQueue {
	return &outboxQueue{
		entries: make(map[string]*outboxEntry),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Enqueue сохраняет копию сообщения. Пустой AvailableAt означает «сразу».
func (q *outboxQueue) Enqueue(msg domain.OutboxMessage) (domain.OutboxMessage, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = q.now()
	}
	if msg.AvailableAt.IsZero() {
		msg.AvailableAt = msg.CreatedAt
	}
	msg.Payload = append([]byte(nil), msg.Payload...)
	if msg.Headers != nil {
		headers := make(map[string]string, len(msg.Headers))
		for k, v := range msg.Headers {
			headers[k] = v
		}
		msg.Headers = headers
	}
	q.entries[msg.ID] = &outboxEntry{msg: msg}
	return msg, nil
}

// PullPending возвращает до limit созревших сообщений в порядке AvailableAt, CreatedAt, ID.
func (q *outboxQueue) PullPending(limit int) ([]domain.OutboxMessage, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}
	now := q.now()
	var due []domain.OutboxMessage
	for _, e := range q.entries {
		if e.due(now) {
			due = append(due, e.msg)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		a, b := due[i], due[j]
		switch {
		case !a.AvailableAt.Equal(b.AvailableAt):
			return a.AvailableAt.Before(b.AvailableAt)
		case !a.CreatedAt.Equal(b.CreatedAt):
			return a.CreatedAt.Before(b.CreatedAt)
		default:
			return a.ID < b.ID
		}
	})
	if len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

// Stats считает backlog pending-сообщений, включая отложенные.
func (q *outboxQueue) Stats() (domain.OutboxStats, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	var stats domain.OutboxStats
	for _, e := range q.entries {
		if e.state != outboxPending {
			continue
		}
		stats.PendingCount++
		if stats.OldestPendingAt.IsZero() || e.msg.CreatedAt.Before(stats.OldestPendingAt) {
			stats.OldestPendingAt = e.msg.CreatedAt
		}
	}
	return stats, nil
}

func (q *outboxQueue) MarkSent(id string) error {
	return q.settle(id, outboxSent)
}

func (q *outboxQueue) MarkFailed(id string) error {
	return q.settle(id, outboxFailed)
}

func (q *outboxQueue) settle(id string, state outboxState) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.entries[id]
	if !ok || e.state != outboxPending {
		return fmt.Errorf("%w: message %s is not pending", domain.ErrOutboxPublish, id)
	}
	e.state = state
	e.attempts++
	e.settled = q.now()
	return nil
}

var _ domain.OutboxRepository = (*outboxQueue)(nil)
