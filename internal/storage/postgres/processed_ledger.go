package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
)

type processedLedger struct {
	db *sql.DB
}

// NewProcessedEventLedger создаёт бессрочный журнал обработанных финансовых событий.
func NewProcessedEventLedger(store *Store) domain.ProcessedEventLedger {
	return &processedLedger{db: store.DB()}
}

func (l *processedLedger) MarkProcessed(group, eventID, topic string, at time.Time) error {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	if _, err := l.db.ExecContext(ctx, `
		INSERT INTO processed_events (consumer_group, event_id, topic, processed_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (consumer_group, event_id) DO NOTHING
	`, group, eventID, topic, at.UTC()); err != nil {
		return fmt.Errorf("mark event processed: %w", err)
	}
	return nil
}

func (l *processedLedger) IsProcessed(group, eventID string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	var exists bool
	if err := l.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM processed_events WHERE consumer_group = $1 AND event_id = $2
		)
	`, group, eventID).Scan(&exists); err != nil {
		return false, fmt.Errorf("check processed event: %w", err)
	}
	return exists, nil
}

var _ domain.ProcessedEventLedger = (*processedLedger)(nil)
