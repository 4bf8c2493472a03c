package outbox

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
	"github.com/vladislavdragonenkov/fulfillment/internal/metrics"
)

const (
	defaultPollInterval   = 1 * time.Second
	defaultBatchSize      = 100
	defaultMaxAttempts    = 3
	defaultRetryBaseDelay = 50 * time.Millisecond
	maxRetryDelay         = 5 * time.Second

	// relayGroup — имя отправителя в dead-letter записях outbox.
	relayGroup = "outbox-relay"
)

// WorkerOptions задаёт параметры outbox worker.
type WorkerOptions struct {
	Logger         *log.Entry
	Metrics        *metrics.OutboxMetrics
	DeadLetters    domain.DeadLetterSink
	PollInterval   time.Duration
	BatchSize      int
	MaxAttempts    int
	RetryBaseDelay time.Duration
}

// Option настраивает Worker.
type Option func(*WorkerOptions)

func WithLogger(logger *log.Entry) Option {
	return func(opts *WorkerOptions) { opts.Logger = logger }
}

func WithMetrics(m *metrics.OutboxMetrics) Option {
	return func(opts *WorkerOptions) { opts.Metrics = m }
}

// WithDeadLetterSink задаёт sink для сообщений, которые не удалось опубликовать после всех попыток.
// Без sink такие сообщения просто помечаются failed.
func WithDeadLetterSink(sink domain.DeadLetterSink) Option {
	return func(opts *WorkerOptions) { opts.DeadLetters = sink }
}

func WithPollInterval(interval time.Duration) Option {
	return func(opts *WorkerOptions) { opts.PollInterval = interval }
}

func WithBatchSize(batchSize int) Option {
	return func(opts *WorkerOptions) { opts.BatchSize = batchSize }
}

// WithMaxAttempts задаёт число попыток публикации одного сообщения за цикл.
func WithMaxAttempts(maxAttempts int) Option {
	return func(opts *WorkerOptions) { opts.MaxAttempts = maxAttempts }
}

// WithRetryBaseDelay задаёт первую паузу между попытками; дальше она удваивается до maxRetryDelay.
func WithRetryBaseDelay(delay time.Duration) Option {
	return func(opts *WorkerOptions) { opts.RetryBaseDelay = delay }
}

// Worker переносит созревшие сообщения outbox в брокер. Сообщение, которое не удалось
// ни опубликовать, ни отправить в DLQ, остаётся pending до следующего цикла.
type Worker struct {
	repo      domain.OutboxRepository
	publisher domain.OutboxPublisher
	opts      WorkerOptions
	logger    *log.Entry
	now       func() time.Time
}

// NewWorker создаёт outbox worker.
func NewWorker(repo domain.OutboxRepository, publisher domain.OutboxPublisher, options ...Option) *Worker {
	opts := WorkerOptions{
		PollInterval:   defaultPollInterval,
		BatchSize:      defaultBatchSize,
		MaxAttempts:    defaultMaxAttempts,
		RetryBaseDelay: defaultRetryBaseDelay,
	}
	for _, option := range options {
		option(&opts)
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	if opts.RetryBaseDelay < 0 {
		opts.RetryBaseDelay = 0
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.WithField("component", "outbox-worker")
	}

	return &Worker{
		repo:      repo,
		publisher: publisher,
		opts:      opts,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Run опрашивает outbox до отмены ctx.
func (w *Worker) Run(ctx context.Context) {
	if w.repo == nil || w.publisher == nil {
		w.logger.Warn("outbox worker is disabled: repo or publisher is nil")
		return
	}

	ticker := time.NewTicker(w.opts.PollInterval)
	defer ticker.Stop()

	for {
		w.ProcessOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// ProcessOnce выполняет один цикл и возвращает число доставленных сообщений.
func (w *Worker) ProcessOnce(ctx context.Context) int {
	if ctx.Err() != nil {
		return 0
	}
	defer w.refreshBacklog()

	batch, err := w.repo.PullPending(w.opts.BatchSize)
	if err != nil {
		w.logger.WithError(err).Warn("failed to pull pending outbox messages")
		return 0
	}

	delivered := 0
	for _, msg := range batch {
		if ctx.Err() != nil {
			break
		}
		if w.relay(ctx, msg) == metrics.OutboxResultSent {
			delivered++
		}
	}
	return delivered
}

// relay публикует одно сообщение и переводит его в итоговый статус.
func (w *Worker) relay(ctx context.Context, msg domain.OutboxMessage) string {
	entry := w.logger.WithFields(log.Fields{"outbox_id": msg.ID, "topic": msg.Topic})

	publishErr := w.publishWithRetry(ctx, msg)
	if publishErr == nil {
		if err := w.repo.MarkSent(msg.ID); err != nil {
			entry.WithError(err).Warn("failed to mark outbox as sent")
		}
		return metrics.OutboxResultSent
	}
	if ctx.Err() != nil {
		// Остановка посреди backoff: сообщение доставит следующий запуск.
		return metrics.OutboxResultRetry
	}

	entry.WithError(publishErr).Error("outbox publish failed after retries")
	w.opts.Metrics.RecordAttempt(metrics.OutboxResultFailed)

	if err := w.deadLetter(ctx, msg, publishErr); err != nil {
		entry.WithError(err).Error("failed to dead-letter outbox message")
		w.opts.Metrics.RecordAttempt(metrics.OutboxResultDLQFailed)
		return metrics.OutboxResultDLQFailed
	}
	if err := w.repo.MarkFailed(msg.ID); err != nil {
		entry.WithError(err).Warn("failed to mark outbox as failed")
	}
	return metrics.OutboxResultFailed
}

func (w *Worker) publishWithRetry(ctx context.Context, msg domain.OutboxMessage) error {
	var lastErr error
	for attempt := 1; attempt <= w.opts.MaxAttempts; attempt++ {
		if lastErr = w.publisher.Publish(msg); lastErr == nil {
			w.opts.Metrics.RecordAttempt(metrics.OutboxResultSent)
			return nil
		}
		w.opts.Metrics.RecordAttempt(metrics.OutboxResultRetry)
		if attempt == w.opts.MaxAttempts {
			break
		}
		if err := sleepContext(ctx, w.backoff(attempt)); err != nil {
			return err
		}
	}
	return fmt.Errorf("publish failed after %d attempts: %w", w.opts.MaxAttempts, lastErr)
}

// backoff — пауза после попытки attempt (с единицы): base, 2*base, 4*base... не больше maxRetryDelay.
func (w *Worker) backoff(attempt int) time.Duration {
	delay := w.opts.RetryBaseDelay
	for i := 1; i < attempt && delay > 0 && delay < maxRetryDelay; i++ {
		delay *= 2
	}
	if delay > maxRetryDelay {
		return maxRetryDelay
	}
	return delay
}

func (w *Worker) refreshBacklog() {
	stats, err := w.repo.Stats()
	if err != nil {
		w.logger.WithError(err).Warn("failed to collect outbox backlog stats")
		return
	}
	var age time.Duration
	if !stats.OldestPendingAt.IsZero() {
		age = w.now().Sub(stats.OldestPendingAt)
	}
	w.opts.Metrics.SetBacklog(stats.PendingCount, age)
}

func (w *Worker) deadLetter(ctx context.Context, msg domain.OutboxMessage, publishErr error) error {
	if w.opts.DeadLetters == nil {
		return nil
	}
	letter := domain.DeadLetter{
		ID:            msg.ID,
		EventID:       msg.Headers[domain.HeaderEventID],
		ConsumerGroup: relayGroup,
		Topic:         msg.Topic,
		Partition:     -1,
		Offset:        -1,
		Key:           msg.Key,
		Payload:       msg.Payload,
		Error:         publishErr.Error(),
		Attempts:      w.opts.MaxAttempts,
		FailedAt:      w.now(),
	}
	if err := w.opts.DeadLetters.DeadLetter(ctx, letter); err != nil {
		return fmt.Errorf("dead-letter outbox message: %w", err)
	}
	w.opts.Metrics.RecordAttempt(metrics.OutboxResultDeadLetter)
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
