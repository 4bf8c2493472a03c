package idempotency

import (
	"context"
	"errors"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/fulfillment/internal/metrics"
)

const (
	defaultCleanupInterval  = 10 * time.Minute
	defaultCleanupBatchSize = 500
)

// Expirer — хранилище с истекающими записями: ключи команд или кэш статусов событий.
type Expirer interface {
	DeleteExpired(before time.Time, limit int) (int, error)
}

// CleanupOptions задает параметры воркера очистки.
type CleanupOptions struct {
	Name       string
	Logger     *log.Entry
	Metrics    *metrics.CleanupMetrics
	Interval   time.Duration
	BatchSize  int
	MaxBatches int
}

// CleanupOption настраивает CleanupWorker.
type CleanupOption func(*CleanupOptions)

func WithLogger(logger *log.Entry) CleanupOption {
	return func(opts *CleanupOptions) { opts.Logger = logger }
}

func WithMetrics(m *metrics.CleanupMetrics) CleanupOption {
	return func(opts *CleanupOptions) { opts.Metrics = m }
}

// WithName задает имя хранилища для логов и метрик.
func WithName(name string) CleanupOption {
	return func(opts *CleanupOptions) { opts.Name = name }
}

func WithInterval(interval time.Duration) CleanupOption {
	return func(opts *CleanupOptions) { opts.Interval = interval }
}

func WithBatchSize(batchSize int) CleanupOption {
	return func(opts *CleanupOptions) { opts.BatchSize = batchSize }
}

// WithMaxBatches ограничивает число порций за один цикл; остаток уйдёт в следующий.
// 0 снимает ограничение.
func WithMaxBatches(n int) CleanupOption {
	return func(opts *CleanupOptions) { opts.MaxBatches = n }
}

// CleanupWorker периодически удаляет просроченные записи порциями.
type CleanupWorker struct {
	target Expirer
	opts   CleanupOptions
	logger *log.Entry
	now    func() time.Time
}

// NewCleanupWorker создает воркер очистки.
func NewCleanupWorker(target Expirer, options ...CleanupOption) *CleanupWorker {
	opts := CleanupOptions{
		Name:      "command_keys",
		Interval:  defaultCleanupInterval,
		BatchSize: defaultCleanupBatchSize,
	}
	for _, option := range options {
		option(&opts)
	}
	if opts.Interval <= 0 {
		opts.Interval = defaultCleanupInterval
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultCleanupBatchSize
	}
	if opts.MaxBatches < 0 {
		opts.MaxBatches = 0
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.WithField("component", "expiry-cleanup-worker")
	}

	return &CleanupWorker{
		target: target,
		opts:   opts,
		logger: logger.WithField("store", opts.Name),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Run чистит хранилище сразу и затем каждые Interval до отмены ctx.
func (w *CleanupWorker) Run(ctx context.Context) {
	if w.target == nil {
		w.logger.Warn("cleanup worker is disabled: store is nil")
		return
	}

	ticker := time.NewTicker(w.opts.Interval)
	defer ticker.Stop()

	for {
		w.runOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (w *CleanupWorker) runOnce(ctx context.Context) {
	deleted, err := w.DeleteExpired(ctx, w.now())
	if errors.Is(err, context.Canceled) {
		return
	}
	w.opts.Metrics.RecordRun(w.opts.Name, deleted, err)
	if err != nil {
		w.logger.WithError(err).WithField("deleted", deleted).Warn("cleanup run failed")
		return
	}
	if deleted > 0 {
		w.logger.WithField("deleted", deleted).Info("cleanup completed")
	}
}

// DeleteExpired удаляет записи со сроком <= before, пока порция заполняется целиком
// или не исчерпан лимит MaxBatches. Возвращает число удалённых записей.
func (w *CleanupWorker) DeleteExpired(ctx context.Context, before time.Time) (int, error) {
	if before.IsZero() {
		before = w.now()
	}

	total := 0
	for batch := 0; w.opts.MaxBatches == 0 || batch < w.opts.MaxBatches; batch++ {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		deleted, err := w.target.DeleteExpired(before, w.opts.BatchSize)
		if err != nil {
			return total, err
		}
		total += deleted
		w.opts.Metrics.RecordDeleted(w.opts.Name, deleted)
		if deleted < w.opts.BatchSize {
			break
		}
	}
	return total, nil
}
