package outbox

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
	"github.com/vladislavdragonenkov/fulfillment/internal/storage/memory"
)

type recordingPublisher struct {
	published []domain.OutboxMessage
}

func (p *recordingPublisher) Publish(msg domain.OutboxMessage) error {
	p.published = append(p.published, msg)
	return nil
}

func TestSink_DelayedMessageRelayedWhenDue(t *testing.T) {
	repo := memory.NewOutboxRepository()
	sink := NewSink(repo)
	publisher := &recordingPublisher{}
	worker := NewWorker(repo, publisher, WithRetryBaseDelay(0))

	deliverAt := time.Now().UTC().Add(50 * time.Millisecond)
	err := sink.Send(context.Background(), []domain.BrokerMessage{
		{Topic: domain.TopicOrderCreated, Key: "order-1", Value: []byte(`{"n":1}`)},
		{Topic: domain.TopicOrderPaymentTimeout, Key: "order-1", Value: []byte(`{"n":2}`), DeliverAt: deliverAt},
	})
	require.NoError(t, err)

	worker.ProcessOnce(context.Background())
	require.Len(t, publisher.published, 1)
	require.Equal(t, domain.TopicOrderCreated, publisher.published[0].Topic)
	require.Equal(t, "order", publisher.published[0].AggregateType)
	require.Equal(t, "order-1", publisher.published[0].Key)

	require.Eventually(t, func() bool {
		worker.ProcessOnce(context.Background())
		return len(publisher.published) == 2
	}, time.Second, 10*time.Millisecond)
	require.Equal(t, domain.TopicOrderPaymentTimeout, publisher.published[1].Topic)

	stats, err := repo.Stats()
	require.NoError(t, err)
	require.Zero(t, stats.PendingCount)
}

func TestSink_RejectsMessageWithoutTopic(t *testing.T) {
	sink := NewSink(memory.NewOutboxRepository())
	err := sink.Send(context.Background(), []domain.BrokerMessage{{Key: "k"}})
	require.ErrorIs(t, err, domain.ErrValidation)
}

func TestAggregateType(t *testing.T) {
	require.Equal(t, "payment", aggregateType(domain.TopicPaymentRefundRequest))
	require.Equal(t, "plain", aggregateType("plain"))
}
