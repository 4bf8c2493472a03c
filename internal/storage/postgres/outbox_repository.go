package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
)

const (
	outboxTable          = "outbox_messages"
	outboxStatusPending  = "pending"
	outboxStatusSent     = "sent"
	outboxStatusFailed   = "failed"
	defaultOutboxPullMax = 100
)

var outboxColumns = []string{
	"id", "aggregate_type", "aggregate_id", "topic", "message_key", "payload", "headers", "available_at", "created_at",
}

type outboxRepository struct {
	db  *sql.DB
	now func() time.Time
}

// NewOutboxRepository создаёт PostgreSQL-реализацию OutboxRepository.
func NewOutboxRepository(store *Store) domain.OutboxRepository {
	return &outboxRepository{
		db:  store.DB(),
		now: func() time.Time { return time.Now().UTC() },
	}
}

func (r *outboxRepository) Enqueue(msg domain.OutboxMessage) (domain.OutboxMessage, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	now := r.now()
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = now
	}
	if msg.AvailableAt.IsZero() {
		msg.AvailableAt = msg.CreatedAt
	}
	headers := []byte("{}")
	if len(msg.Headers) > 0 {
		raw, err := json.Marshal(msg.Headers)
		if err != nil {
			return domain.OutboxMessage{}, fmt.Errorf("marshal outbox headers: %w", err)
		}
		headers = raw
	}

	query, args, err := psql.Insert(outboxTable).
		Columns(append(outboxColumns, "status", "attempt_count", "updated_at")...).
		Values(msg.ID, msg.AggregateType, msg.AggregateID, msg.Topic, msg.Key, msg.Payload, headers,
			msg.AvailableAt, msg.CreatedAt, outboxStatusPending, 0, now).
		ToSql()
	if err != nil {
		return domain.OutboxMessage{}, fmt.Errorf("build outbox insert: %w", err)
	}
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return domain.OutboxMessage{}, fmt.Errorf("enqueue outbox message: %w", err)
	}
	return msg, nil
}

// PullPending возвращает созревшие сообщения в порядке available_at; отложенные ждут своего срока.
func (r *outboxRepository) PullPending(limit int) ([]domain.OutboxMessage, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	if limit <= 0 {
		limit = defaultOutboxPullMax
	}
	query, args, err := psql.Select(outboxColumns...).
		From(outboxTable).
		Where(sq.Eq{"status": outboxStatusPending}).
		Where(sq.LtOrEq{"available_at": r.now()}).
		OrderBy("available_at", "created_at", "id").
		Limit(uint64(limit)).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build outbox pull: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("pull pending outbox messages: %w", err)
	}
	defer rows.Close()

	var result []domain.OutboxMessage
	for rows.Next() {
		msg, err := scanOutboxMessage(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outbox rows: %w", err)
	}
	return result, nil
}

func scanOutboxMessage(rows *sql.Rows) (domain.OutboxMessage, error) {
	var (
		msg     domain.OutboxMessage
		headers []byte
	)
	if err := rows.Scan(&msg.ID, &msg.AggregateType, &msg.AggregateID, &msg.Topic, &msg.Key,
		&msg.Payload, &headers, &msg.AvailableAt, &msg.CreatedAt); err != nil {
		return domain.OutboxMessage{}, fmt.Errorf("scan outbox message: %w", err)
	}
	if len(headers) > 0 {
		if err := json.Unmarshal(headers, &msg.Headers); err != nil {
			return domain.OutboxMessage{}, fmt.Errorf("decode outbox headers %s: %w", msg.ID, err)
		}
	}
	if len(msg.Headers) == 0 {
		msg.Headers = nil
	}
	msg.AvailableAt = msg.AvailableAt.UTC()
	msg.CreatedAt = msg.CreatedAt.UTC()
	return msg, nil
}

// Stats считает все pending-сообщения, включая ещё не созревшие отложенные.
func (r *outboxRepository) Stats() (domain.OutboxStats, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	query, args, err := psql.Select("COUNT(*)", "MIN(created_at)").
		From(outboxTable).
		Where(sq.Eq{"status": outboxStatusPending}).
		ToSql()
	if err != nil {
		return domain.OutboxStats{}, fmt.Errorf("build outbox stats: %w", err)
	}

	var (
		stats  domain.OutboxStats
		oldest sql.NullTime
	)
	if err := r.db.QueryRowContext(ctx, query, args...).Scan(&stats.PendingCount, &oldest); err != nil {
		return domain.OutboxStats{}, fmt.Errorf("outbox stats query failed: %w", err)
	}
	if oldest.Valid {
		stats.OldestPendingAt = oldest.Time.UTC()
	}
	return stats, nil
}

func (r *outboxRepository) MarkSent(id string) error {
	return r.settle(id, outboxStatusSent)
}

func (r *outboxRepository) MarkFailed(id string) error {
	return r.settle(id, outboxStatusFailed)
}

// settle переводит pending-сообщение в конечный статус; повторная отметка возвращает ErrOutboxPublish.
func (r *outboxRepository) settle(id, status string) error {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	query, args, err := psql.Update(outboxTable).
		Set("status", status).
		Set("attempt_count", sq.Expr("attempt_count + 1")).
		Set("updated_at", r.now()).
		Where(sq.Eq{"id": id, "status": outboxStatusPending}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build outbox update: %w", err)
	}

	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("mark outbox message as %s: %w", status, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected for outbox %s: %w", status, err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: message %s is not pending", domain.ErrOutboxPublish, id)
	}
	return nil
}

var _ domain.OutboxRepository = (*outboxRepository)(nil)
