// Package local реализует брокер в памяти процесса. Используется, когда все роли запущены в одном
// процессе без Kafka: сообщения раскладываются по партициям по ключу, у каждой consumer group
// свои очереди, сообщение снимается с очереди только после успешной обработки.
package local

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
)

const (
	defaultPartitions      = 8
	defaultRedeliveryDelay = time.Second
)

// Handler обрабатывает сообщение. Ошибка означает «не подтверждать»: сообщение будет доставлено снова.
type Handler func(ctx context.Context, message domain.InboundMessage) error

// Option настраивает Bus.
type Option func(*Bus)

// WithPartitions задаёт число партиций на группу.
func WithPartitions(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.partitions = n
		}
	}
}

// WithRedeliveryDelay задаёт паузу перед повторной доставкой неподтверждённого сообщения.
func WithRedeliveryDelay(d time.Duration) Option {
	return func(b *Bus) {
		if d >= 0 {
			b.redeliveryDelay = d
		}
	}
}

// WithLogger задаёт logger.
func WithLogger(logger *log.Entry) Option {
	return func(b *Bus) {
		b.logger = logger
	}
}

// Bus реализует domain.EventSink и domain.OutboxPublisher поверх очередей в памяти.
type Bus struct {
	partitions      int
	redeliveryDelay time.Duration
	logger          *log.Entry

	mu      sync.Mutex
	subs    []*subscription
	offsets []int64
	running bool
	wg      sync.WaitGroup
}

type subscription struct {
	group   string
	topics  map[string]struct{}
	handler Handler
	queues  []*queue
}

type queue struct {
	mu     sync.Mutex
	items  []domain.InboundMessage
	signal chan struct{}
}

// NewBus создаёт брокер.
func NewBus(opts ...Option) *Bus {
	b := &Bus{
		partitions:      defaultPartitions,
		redeliveryDelay: defaultRedeliveryDelay,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.logger == nil {
		b.logger = log.WithField("component", "local-bus")
	}
	b.offsets = make([]int64, b.partitions)
	return b
}

// Subscribe регистрирует consumer group. Вызывается до Run.
func (b *Bus) Subscribe(group string, topics []string, handler Handler) error {
	if group == "" || handler == nil || len(topics) == 0 {
		return fmt.Errorf("local bus: group, topics and handler are required")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running {
		return fmt.Errorf("local bus: subscribe %s after start", group)
	}
	for _, s := range b.subs {
		if s.group == group {
			return fmt.Errorf("local bus: group %s already subscribed", group)
		}
	}

	sub := &subscription{
		group:   group,
		topics:  make(map[string]struct{}, len(topics)),
		handler: handler,
		queues:  make([]*queue, b.partitions),
	}
	for _, t := range topics {
		sub.topics[t] = struct{}{}
	}
	for i := range sub.queues {
		sub.queues[i] = &queue{signal: make(chan struct{}, 1)}
	}
	b.subs = append(b.subs, sub)
	return nil
}

// Send кладёт сообщения в очереди всех групп, подписанных на топик. Порядок в пределах ключа сохраняется.
func (b *Bus) Send(ctx context.Context, messages []domain.BrokerMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now().UTC()
	for _, msg := range messages {
		if msg.Topic == "" {
			return domain.Validationf("broker message without topic")
		}
		partition := b.partition(msg.Key)
		inbound := domain.InboundMessage{
			Topic:     msg.Topic,
			Partition: int32(partition), //nolint:gosec // число партиций мало.
			Offset:    b.offsets[partition],
			Key:       []byte(msg.Key),
			Value:     msg.Value,
			Headers:   copyHeaders(msg.Headers),
			Timestamp: now,
		}
		b.offsets[partition]++

		for _, sub := range b.subs {
			if _, ok := sub.topics[msg.Topic]; ok {
				sub.queues[partition].push(inbound)
			}
		}
	}
	return nil
}

// Publish реализует domain.OutboxPublisher.
func (b *Bus) Publish(msg domain.OutboxMessage) error {
	broker, err := msg.BrokerMessage()
	if err != nil {
		return err
	}
	return b.Send(context.Background(), []domain.BrokerMessage{broker})
}

// Run запускает по воркеру на каждую партицию каждой группы и блокируется до отмены ctx.
func (b *Bus) Run(ctx context.Context) error {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return fmt.Errorf("local bus is already running")
	}
	b.running = true
	subs := append([]*subscription(nil), b.subs...)
	b.mu.Unlock()

	for _, sub := range subs {
		for i, q := range sub.queues {
			b.wg.Add(1)
			go b.consume(ctx, sub, i, q)
		}
	}
	b.logger.WithField("groups", len(subs)).Info("local bus started")

	<-ctx.Done()
	b.wg.Wait()
	b.logger.Info("local bus stopped")
	return nil
}

// Pending возвращает число неподтверждённых сообщений группы.
func (b *Bus) Pending(group string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs {
		if sub.group != group {
			continue
		}
		total := 0
		for _, q := range sub.queues {
			total += q.len()
		}
		return total
	}
	return 0
}

func (b *Bus) consume(ctx context.Context, sub *subscription, partition int, q *queue) {
	defer b.wg.Done()
	logger := b.logger.WithFields(log.Fields{"group": sub.group, "partition": partition})

	for {
		msg, ok := q.peek()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-q.signal:
				continue
			}
		}

		if err := sub.handler(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.WithError(err).WithFields(log.Fields{
				"topic":  msg.Topic,
				"offset": msg.Offset,
			}).Warn("message not acknowledged, redelivering")
			select {
			case <-ctx.Done():
				return
			case <-time.After(b.redeliveryDelay):
			}
			continue
		}
		q.pop()
	}
}

func (b *Bus) partition(key string) int {
	if key == "" {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(b.partitions)) //nolint:gosec // partitions > 0.
}

func (q *queue) push(msg domain.InboundMessage) {
	q.mu.Lock()
	q.items = append(q.items, msg)
	q.mu.Unlock()
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *queue) peek() (domain.InboundMessage, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return domain.InboundMessage{}, false
	}
	return q.items[0], true
}

func (q *queue) pop() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) > 0 {
		q.items[0] = domain.InboundMessage{}
		q.items = q.items[1:]
	}
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func copyHeaders(headers map[string]string) map[string]string {
	if len(headers) == 0 {
		return nil
	}
	out := make(map[string]string, len(headers))
	for k, v := range headers {
		out[k] = v
	}
	return out
}

var (
	_ domain.EventSink       = (*Bus)(nil)
	_ domain.OutboxPublisher = (*Bus)(nil)
)
