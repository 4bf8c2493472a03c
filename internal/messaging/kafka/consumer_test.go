package kafka

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
)

type mockConsumerGroup struct {
	consumeFn func(context.Context, []string, sarama.ConsumerGroupHandler) error
	errorsCh  chan error
	closeFn   func() error
}

func (m *mockConsumerGroup) Consume(ctx context.Context, topics []string, handler sarama.ConsumerGroupHandler) error {
	if m.consumeFn != nil {
		return m.consumeFn(ctx, topics, handler)
	}
	return nil
}

func (m *mockConsumerGroup) Errors() <-chan error {
	return m.errorsCh
}

func (m *mockConsumerGroup) Close() error {
	if m.closeFn != nil {
		return m.closeFn()
	}
	if m.errorsCh != nil {
		close(m.errorsCh)
	}
	return nil
}

func (m *mockConsumerGroup) Pause(map[string][]int32)  {}
func (m *mockConsumerGroup) Resume(map[string][]int32) {}
func (m *mockConsumerGroup) PauseAll()                 {}
func (m *mockConsumerGroup) ResumeAll()                {}

type mockSession struct {
	ctx    context.Context
	marked []*sarama.ConsumerMessage
}

func (m *mockSession) Claims() map[string][]int32               { return nil }
func (m *mockSession) MemberID() string                         { return "member" }
func (m *mockSession) GenerationID() int32                      { return 1 }
func (m *mockSession) MarkOffset(string, int32, int64, string)  {}
func (m *mockSession) Commit()                                  {}
func (m *mockSession) ResetOffset(string, int32, int64, string) {}
func (m *mockSession) Context() context.Context                 { return m.ctx }
func (m *mockSession) MarkMessage(msg *sarama.ConsumerMessage, _ string) {
	m.marked = append(m.marked, msg)
}

type mockClaim struct {
	topic     string
	partition int32
	messages  chan *sarama.ConsumerMessage
}

func (m *mockClaim) Topic() string                            { return m.topic }
func (m *mockClaim) Partition() int32                         { return m.partition }
func (m *mockClaim) InitialOffset() int64                     { return 0 }
func (m *mockClaim) HighWaterMarkOffset() int64               { return 0 }
func (m *mockClaim) Messages() <-chan *sarama.ConsumerMessage { return m.messages }

func okHandler(context.Context, domain.InboundMessage) error { return nil }

func TestNewConsumerErrors(t *testing.T) {
	if _, err := NewConsumer(ConsumerConfig{Brokers: []string{"invalid-broker:9092"}, GroupID: "group", Topics: []string{"topic"}}, okHandler); err == nil {
		t.Fatal("expected new consumer error")
	}
	if _, err := NewConsumer(ConsumerConfig{Brokers: []string{"invalid-broker:9092"}, GroupID: "group"}, okHandler); err == nil {
		t.Fatal("expected error for missing topics")
	}
	if _, err := NewConsumer(ConsumerConfig{Topics: []string{"topic"}}, nil); err == nil {
		t.Fatal("expected error for missing handler")
	}
}

func TestConsumerStartStop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var consumeCalls atomic.Int32
	errorsCh := make(chan error, 1)
	group := &mockConsumerGroup{
		errorsCh: errorsCh,
		consumeFn: func(_ context.Context, topics []string, _ sarama.ConsumerGroupHandler) error {
			if len(topics) != 1 || topics[0] != domain.TopicPaymentSucceeded {
				t.Errorf("unexpected topics: %v", topics)
			}
			consumeCalls.Add(1)
			cancel()
			return nil
		},
		closeFn: func() error {
			close(errorsCh)
			return nil
		},
	}

	consumer := &Consumer{
		consumer: group,
		topics:   []string{domain.TopicPaymentSucceeded},
		handler:  okHandler,
		logger:   log.WithField("test", "consumer"),
	}

	errorsCh <- errors.New("background error")
	if err := consumer.Start(ctx); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	time.Sleep(10 * time.Millisecond)
	if err := consumer.Stop(); err != nil {
		t.Fatalf("stop failed: %v", err)
	}
	if consumeCalls.Load() == 0 {
		t.Fatal("expected consume call")
	}
}

func TestConsumerRestartsSessionAfterHandlerError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var consumeCalls atomic.Int32
	errorsCh := make(chan error)
	group := &mockConsumerGroup{
		errorsCh: errorsCh,
		consumeFn: func(context.Context, []string, sarama.ConsumerGroupHandler) error {
			if consumeCalls.Add(1) >= 2 {
				cancel()
				return nil
			}
			return errors.New("session ended by handler")
		},
	}

	consumer := &Consumer{
		consumer:     group,
		topics:       []string{"topic"},
		handler:      okHandler,
		logger:       log.WithField("test", "restart"),
		restartDelay: time.Millisecond,
	}
	if err := consumer.Start(ctx); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	deadline := time.After(time.Second)
	for consumeCalls.Load() < 2 {
		select {
		case <-deadline:
			t.Fatalf("session was not restarted, consume calls = %d", consumeCalls.Load())
		case <-time.After(time.Millisecond):
		}
	}
	if err := consumer.Stop(); err != nil {
		t.Fatalf("stop failed: %v", err)
	}
}

func TestConsumerStopError(t *testing.T) {
	errorsCh := make(chan error)
	group := &mockConsumerGroup{errorsCh: errorsCh, closeFn: func() error {
		close(errorsCh)
		return errors.New("close failed")
	}}
	consumer := &Consumer{consumer: group, logger: log.WithField("test", "stop")}
	if err := consumer.Stop(); err == nil {
		t.Fatal("expected stop error")
	}
}

func TestConsumerSetupCleanup(t *testing.T) {
	consumer := &Consumer{logger: log.WithField("test", "session")}
	session := &mockSession{ctx: context.Background()}
	if err := consumer.Setup(session); err != nil {
		t.Fatalf("setup should return nil: %v", err)
	}
	if err := consumer.Cleanup(session); err != nil {
		t.Fatalf("cleanup should return nil: %v", err)
	}
}

func TestConsumerStopIsIdempotent(t *testing.T) {
	var closes atomic.Int32
	errorsCh := make(chan error)
	group := &mockConsumerGroup{errorsCh: errorsCh, closeFn: func() error {
		if closes.Add(1) == 1 {
			close(errorsCh)
		}
		return nil
	}}
	consumer := &Consumer{consumer: group, logger: log.WithField("test", "stop-twice")}
	if err := consumer.Stop(); err != nil {
		t.Fatalf("first stop: %v", err)
	}
	if err := consumer.Stop(); err != nil {
		t.Fatalf("second stop: %v", err)
	}
	if closes.Load() != 1 {
		t.Fatalf("group closed %d times", closes.Load())
	}
}

func TestNextRestartDelay(t *testing.T) {
	tests := []struct {
		in, want time.Duration
	}{
		{0, 0},
		{time.Second, 2 * time.Second},
		{20 * time.Second, maxRestartDelay},
		{maxRestartDelay, maxRestartDelay},
	}
	for _, tt := range tests {
		if got := nextRestartDelay(tt.in); got != tt.want {
			t.Fatalf("nextRestartDelay(%s) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestNewConsumerConfig(t *testing.T) {
	cfg := newConsumerConfig(ConsumerConfig{ClientID: "fulfillment-order-service", FromOldest: true})
	if cfg.ClientID != "fulfillment-order-service" {
		t.Fatalf("client id = %s", cfg.ClientID)
	}
	if cfg.Consumer.Offsets.Initial != sarama.OffsetOldest {
		t.Fatalf("expected oldest initial offset, got %d", cfg.Consumer.Offsets.Initial)
	}
	if !cfg.Consumer.Return.Errors {
		t.Fatal("consumer errors must be returned")
	}
	if newConsumerConfig(ConsumerConfig{}).Consumer.Offsets.Initial != sarama.OffsetNewest {
		t.Fatal("expected newest initial offset by default")
	}
}

func TestConsumeClaimMarksOnlyAfterHandlerReturns(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var received []domain.InboundMessage
	consumer := &Consumer{
		handler: func(_ context.Context, msg domain.InboundMessage) error {
			received = append(received, msg)
			return nil
		},
		logger: log.WithField("test", "claim"),
	}

	session := &mockSession{ctx: ctx}
	claim := &mockClaim{topic: "topic", partition: 0, messages: make(chan *sarama.ConsumerMessage, 2)}
	claim.messages <- &sarama.ConsumerMessage{
		Topic: "topic", Partition: 0, Offset: 1, Key: []byte("order-1"), Value: []byte("v1"),
		Headers: []*sarama.RecordHeader{{Key: []byte(domain.HeaderEventID), Value: []byte("evt-1")}},
	}
	claim.messages <- &sarama.ConsumerMessage{Topic: "topic", Partition: 0, Offset: 2, Key: []byte("order-1"), Value: []byte("v2")}
	close(claim.messages)

	if err := consumer.ConsumeClaim(session, claim); err != nil {
		t.Fatalf("ConsumeClaim failed: %v", err)
	}
	if len(session.marked) != 2 {
		t.Fatalf("expected two marked messages, got %d", len(session.marked))
	}
	if len(received) != 2 || string(received[0].Key) != "order-1" || received[0].Headers[domain.HeaderEventID] != "evt-1" {
		t.Fatalf("unexpected inbound messages: %+v", received)
	}
	if received[1].Offset != 2 {
		t.Fatalf("messages handled out of order: %+v", received)
	}
}

func TestConsumeClaimFailedHandlerStopsWithoutMark(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	calls := 0
	consumer := &Consumer{
		handler: func(context.Context, domain.InboundMessage) error {
			calls++
			return errors.New("dead letter store unavailable")
		},
		logger: log.WithField("test", "claim-fail"),
	}

	session := &mockSession{ctx: ctx}
	claim := &mockClaim{topic: "topic", partition: 0, messages: make(chan *sarama.ConsumerMessage, 2)}
	claim.messages <- &sarama.ConsumerMessage{Topic: "topic", Partition: 0, Offset: 1, Value: []byte("v")}
	claim.messages <- &sarama.ConsumerMessage{Topic: "topic", Partition: 0, Offset: 2, Value: []byte("v")}
	close(claim.messages)

	if err := consumer.ConsumeClaim(session, claim); err == nil {
		t.Fatal("expected ConsumeClaim error")
	}
	if len(session.marked) != 0 {
		t.Fatalf("failed message should not be marked, got %d", len(session.marked))
	}
	if calls != 1 {
		t.Fatalf("later messages of the partition must wait, handler calls = %d", calls)
	}
}

func TestConsumeClaimStopsOnContextDone(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	consumer := &Consumer{
		handler: okHandler,
		logger:  log.WithField("test", "claim-stop"),
	}
	session := &mockSession{ctx: ctx}
	claim := &mockClaim{topic: "topic", partition: 0, messages: make(chan *sarama.ConsumerMessage)}

	done := make(chan struct{})
	go func() {
		_ = consumer.ConsumeClaim(session, claim)
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("ConsumeClaim did not stop after context cancellation")
	}
}
