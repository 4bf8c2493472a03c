package postgres

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
)

// newOutboxForTest возвращает репозиторий с управляемыми часами.
func newOutboxForTest(t *testing.T) (*outboxRepository, *time.Time) {
	t.Helper()
	repo := NewOutboxRepository(openPostgresStoreForIntegrationTest(t)).(*outboxRepository)
	now := time.Now().UTC().Truncate(time.Microsecond)
	repo.now = func() time.Time { return now }
	return repo, &now
}

func TestOutboxRepository_PostgresFlow(t *testing.T) {
	repo, _ := newOutboxForTest(t)

	generated, err := repo.Enqueue(domain.OutboxMessage{
		AggregateType: "order",
		AggregateID:   "order-1",
		Topic:         domain.TopicOrderCreated,
		Key:           "order-1",
		Payload:       []byte(`{"id":"order-1"}`),
	})
	require.NoError(t, err)
	assert.NotEmpty(t, generated.ID)

	fixed, err := repo.Enqueue(domain.OutboxMessage{
		ID:            "outbox-fixed-id",
		AggregateType: "order",
		AggregateID:   "order-2",
		Topic:         domain.TopicOrderConfirmed,
		Payload:       []byte(`{"id":"order-2"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, "outbox-fixed-id", fixed.ID)

	pending, err := repo.PullPending(0)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Nil(t, pending[0].Headers, "empty headers round-trip as nil")

	stats, err := repo.Stats()
	require.NoError(t, err)
	assert.Equal(t, 2, stats.PendingCount)
	assert.False(t, stats.OldestPendingAt.IsZero())

	require.NoError(t, repo.MarkSent(generated.ID))
	require.NoError(t, repo.MarkFailed(fixed.ID))

	after, err := repo.PullPending(10)
	require.NoError(t, err)
	assert.Empty(t, after)

	stats, err = repo.Stats()
	require.NoError(t, err)
	assert.Zero(t, stats.PendingCount)
	assert.True(t, stats.OldestPendingAt.IsZero())

	var attempts int
	require.NoError(t, repo.db.QueryRow(`SELECT attempt_count FROM outbox_messages WHERE id = $1`, fixed.ID).Scan(&attempts))
	assert.Equal(t, 1, attempts)
}

func TestOutboxRepository_PostgresSettleOnlyPending(t *testing.T) {
	repo, _ := newOutboxForTest(t)

	assert.ErrorIs(t, repo.MarkSent("missing-outbox"), domain.ErrOutboxPublish)
	assert.ErrorIs(t, repo.MarkFailed("missing-outbox"), domain.ErrOutboxPublish)

	msg, err := repo.Enqueue(domain.OutboxMessage{Topic: domain.TopicOrderCreated, Payload: []byte(`{}`)})
	require.NoError(t, err)
	require.NoError(t, repo.MarkSent(msg.ID))
	assert.ErrorIs(t, repo.MarkFailed(msg.ID), domain.ErrOutboxPublish, "sent message cannot be failed afterwards")
}

func TestOutboxRepository_PostgresStatsOldestPending(t *testing.T) {
	repo, now := newOutboxForTest(t)
	start := *now

	first, err := repo.Enqueue(domain.OutboxMessage{AggregateID: "order-old", Topic: domain.TopicOrderCreated, Payload: []byte(`{}`)})
	require.NoError(t, err)
	*now = start.Add(time.Minute)
	_, err = repo.Enqueue(domain.OutboxMessage{AggregateID: "order-new", Topic: domain.TopicOrderCreated, Payload: []byte(`{}`)})
	require.NoError(t, err)

	stats, err := repo.Stats()
	require.NoError(t, err)
	assert.Equal(t, 2, stats.PendingCount)
	assert.True(t, start.Equal(stats.OldestPendingAt), "oldest=%s want=%s", stats.OldestPendingAt, start)

	require.NoError(t, repo.MarkSent(first.ID))
	stats, err = repo.Stats()
	require.NoError(t, err)
	assert.True(t, start.Add(time.Minute).Equal(stats.OldestPendingAt))
}

func TestOutboxRepository_PostgresDelayedMessageNotPulledEarly(t *testing.T) {
	repo, now := newOutboxForTest(t)

	_, err := repo.Enqueue(domain.OutboxMessage{
		AggregateType: "order",
		AggregateID:   "order-delayed",
		Topic:         domain.TopicOrderPaymentTimeout,
		Key:           "order-delayed",
		Payload:       []byte(`{"orderId":"order-delayed"}`),
		Headers:       map[string]string{"eventType": domain.TopicOrderPaymentTimeout},
		AvailableAt:   now.Add(time.Hour),
	})
	require.NoError(t, err)
	_, err = repo.Enqueue(domain.OutboxMessage{
		AggregateType: "order",
		AggregateID:   "order-now",
		Topic:         domain.TopicOrderCreated,
		Key:           "order-now",
		Payload:       []byte(`{"orderId":"order-now"}`),
		Headers:       map[string]string{"eventType": domain.TopicOrderCreated},
	})
	require.NoError(t, err)

	pending, err := repo.PullPending(10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "order-now", pending[0].AggregateID)
	assert.Equal(t, "order-now", pending[0].Key)
	assert.Equal(t, domain.TopicOrderCreated, pending[0].Headers["eventType"])

	stats, err := repo.Stats()
	require.NoError(t, err)
	assert.Equal(t, 2, stats.PendingCount, "delayed message counts as pending")

	*now = now.Add(2 * time.Hour)
	pending, err = repo.PullPending(10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "order-now", pending[0].AggregateID, "ordered by available_at")
	assert.Equal(t, "order-delayed", pending[1].AggregateID)
}
