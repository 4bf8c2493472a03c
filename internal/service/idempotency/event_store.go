package idempotency

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
)

const (
	// DefaultDedupTTL — сколько живёт отметка "событие обработано".
	DefaultDedupTTL = 7 * 24 * time.Hour
	// DefaultStatusTTL — сколько живут статус и счётчик попыток сообщения.
	DefaultStatusTTL = 24 * time.Hour

	processedMarker = "1"
)

// EventStoreConfig задаёт TTL ключей.
type EventStoreConfig struct {
	DedupTTL  time.Duration
	StatusTTL time.Duration
}

// EventStore — Idempotency & Status Store поверх Cache.
// Для платёжных топиков дополнительно ведётся бессрочный ledger, поэтому
// дедупликация финансовых событий не ограничена DedupTTL.
type EventStore struct {
	cache     domain.Cache
	ledger    domain.ProcessedEventLedger
	dedupTTL  time.Duration
	statusTTL time.Duration
	now       func() time.Time
}

// NewEventStore создаёт store. ledger может быть nil.
func NewEventStore(cache domain.Cache, ledger domain.ProcessedEventLedger, cfg EventStoreConfig) *EventStore {
	if cfg.DedupTTL <= 0 {
		cfg.DedupTTL = DefaultDedupTTL
	}
	if cfg.StatusTTL <= 0 {
		cfg.StatusTTL = DefaultStatusTTL
	}
	return &EventStore{
		cache:     cache,
		ledger:    ledger,
		dedupTTL:  cfg.DedupTTL,
		statusTTL: cfg.StatusTTL,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// IsProcessed сообщает, было ли событие уже успешно обработано группой.
func (s *EventStore) IsProcessed(ctx context.Context, group, topic, eventID string) (bool, error) {
	_, found, err := s.cache.Get(ctx, processedKey(group, eventID))
	if err != nil {
		return false, fmt.Errorf("check processed %s: %w", eventID, err)
	}
	if found {
		return true, nil
	}
	if s.ledger == nil || !domain.IsFinancialTopic(topic) {
		return false, nil
	}

	processed, err := s.ledger.IsProcessed(group, eventID)
	if err != nil {
		return false, fmt.Errorf("check ledger %s: %w", eventID, err)
	}
	return processed, nil
}

// MarkProcessed фиксирует успешную обработку. Ledger пишется первым: кэш можно восстановить, ledger нет.
func (s *EventStore) MarkProcessed(ctx context.Context, group, topic, eventID string) error {
	if s.ledger != nil && domain.IsFinancialTopic(topic) {
		if err := s.ledger.MarkProcessed(group, eventID, topic, s.now()); err != nil {
			return fmt.Errorf("mark ledger %s: %w", eventID, err)
		}
	}
	if err := s.cache.Set(ctx, processedKey(group, eventID), processedMarker, s.dedupTTL); err != nil {
		return fmt.Errorf("mark processed %s: %w", eventID, err)
	}
	return nil
}

// SetStatus записывает текущий статус обработки.
func (s *EventStore) SetStatus(ctx context.Context, group, eventID string, status domain.EventStatus) error {
	if err := s.cache.Set(ctx, statusKey(group, eventID), string(status), s.statusTTL); err != nil {
		return fmt.Errorf("set status %s: %w", eventID, err)
	}
	return nil
}

// Status возвращает последний записанный статус.
func (s *EventStore) Status(ctx context.Context, group, eventID string) (domain.EventStatus, bool, error) {
	value, found, err := s.cache.Get(ctx, statusKey(group, eventID))
	if err != nil || !found {
		return "", false, err
	}
	return domain.EventStatus(value), true, nil
}

// RecordAttempt увеличивает счётчик попыток и возвращает новое значение.
func (s *EventStore) RecordAttempt(ctx context.Context, group, eventID string) (int64, error) {
	attempts, err := s.cache.Incr(ctx, attemptsKey(group, eventID), s.statusTTL)
	if err != nil {
		return 0, fmt.Errorf("record attempt %s: %w", eventID, err)
	}
	return attempts, nil
}

// Attempts возвращает число попыток; отсутствующий счётчик равен нулю.
func (s *EventStore) Attempts(ctx context.Context, group, eventID string) (int64, error) {
	value, found, err := s.cache.Get(ctx, attemptsKey(group, eventID))
	if err != nil || !found {
		return 0, err
	}
	return strconv.ParseInt(value, 10, 64)
}

func processedKey(group, eventID string) string {
	return "event:" + group + ":" + eventID + ":processed"
}

func statusKey(group, eventID string) string {
	return "event:" + group + ":" + eventID + ":status"
}

func attemptsKey(group, eventID string) string {
	return "event:" + group + ":" + eventID + ":attempts"
}
