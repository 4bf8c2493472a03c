package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
)

// DeadLetterRepository хранит сообщения, исчерпавшие попытки обработки.
// Реализует DeadLetterSink, поэтому подключается к диспетчеру наравне с DLQ-топиком.
type DeadLetterRepository struct {
	db *sql.DB
}

// NewDeadLetterRepository создаёт PostgreSQL-хранилище dead letters.
func NewDeadLetterRepository(store *Store) *DeadLetterRepository {
	return &DeadLetterRepository{db: store.DB()}
}

// Save сохраняет запись; повторная запись того же ID игнорируется.
func (r *DeadLetterRepository) Save(letter domain.DeadLetter) error {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	return r.save(ctx, letter)
}

// DeadLetter реализует domain.DeadLetterSink.
func (r *DeadLetterRepository) DeadLetter(ctx context.Context, letter domain.DeadLetter) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	return r.save(ctx, letter)
}

func (r *DeadLetterRepository) save(ctx context.Context, letter domain.DeadLetter) error {
	if letter.ID == "" {
		letter.ID = uuid.NewString()
	}
	payload := letter.Payload
	if payload == nil {
		payload = []byte{}
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO dead_letters (
			id, event_id, consumer_group, topic, partition, "offset",
			message_key, payload, error, attempts, failed_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT (id) DO NOTHING
	`,
		letter.ID, letter.EventID, letter.ConsumerGroup, letter.Topic, letter.Partition, letter.Offset,
		letter.Key, payload, letter.Error, letter.Attempts, letter.FailedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert dead letter: %w", err)
	}
	return nil
}

// List возвращает последние dead letters, новые первыми.
func (r *DeadLetterRepository) List(limit int) ([]domain.DeadLetter, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	if limit <= 0 {
		limit = 100
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, event_id, consumer_group, topic, partition, "offset",
		       message_key, payload, error, attempts, failed_at
		FROM dead_letters
		ORDER BY failed_at DESC, id
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()

	letters := make([]domain.DeadLetter, 0, limit)
	for rows.Next() {
		var letter domain.DeadLetter
		if err := rows.Scan(
			&letter.ID, &letter.EventID, &letter.ConsumerGroup, &letter.Topic, &letter.Partition, &letter.Offset,
			&letter.Key, &letter.Payload, &letter.Error, &letter.Attempts, &letter.FailedAt,
		); err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		letter.FailedAt = letter.FailedAt.UTC()
		letters = append(letters, letter)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dead letters: %w", err)
	}
	return letters, nil
}

var (
	_ domain.DeadLetterRepository = (*DeadLetterRepository)(nil)
	_ domain.DeadLetterSink       = (*DeadLetterRepository)(nil)
)
