package app

import (
	"context"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
	"github.com/vladislavdragonenkov/fulfillment/internal/health"
	"github.com/vladislavdragonenkov/fulfillment/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/fulfillment/internal/service/idempotency"
	"github.com/vladislavdragonenkov/fulfillment/internal/storage/memory"
	"github.com/vladislavdragonenkov/fulfillment/internal/storage/postgres"
	"github.com/vladislavdragonenkov/fulfillment/internal/storage/redis"
	"github.com/vladislavdragonenkov/fulfillment/internal/version"
)

// deadLetterStore — долговременное хранилище dead letters, подключаемое к диспетчеру и outbox.
type deadLetterStore interface {
	domain.DeadLetterRepository
	domain.DeadLetterSink
}

// repositories — хранилища одного драйвера.
type repositories struct {
	orders       domain.OrderRepository
	history      domain.OrderHistoryRepository
	payments     domain.PaymentRepository
	refunds      domain.RefundRepository
	reservations domain.ReservationRepository
	deadLetters  deadLetterStore
	ledger       domain.ProcessedEventLedger
	outbox       domain.OutboxRepository
	idempotency  domain.IdempotencyRepository
}

// infrastructure — внешние ресурсы процесса: хранилище, кэш, продюсер Kafka.
type infrastructure struct {
	repos    repositories
	cache    domain.Cache
	expiring []namedExpirer
	producer *kafka.Producer
	closers  []func() error
}

type namedExpirer struct {
	name   string
	target idempotency.Expirer
}

// openInfrastructure подключает хранилище, кэш и продюсер по конфигурации и регистрирует их проверки.
func openInfrastructure(ctx context.Context, cfg Config, checks *health.Handler, logger *log.Entry) (*infrastructure, error) {
	infra := &infrastructure{}
	if err := infra.openStorage(ctx, cfg, checks, logger); err != nil {
		return nil, errors.Join(err, infra.Close())
	}
	if err := infra.openCache(ctx, cfg, checks, logger); err != nil {
		return nil, errors.Join(err, infra.Close())
	}
	if err := infra.openProducer(cfg, logger); err != nil {
		return nil, errors.Join(err, infra.Close())
	}
	infra.expiring = append(infra.expiring, namedExpirer{name: "command_keys", target: infra.repos.idempotency})
	return infra, nil
}

func (i *infrastructure) openStorage(ctx context.Context, cfg Config, checks *health.Handler, logger *log.Entry) error {
	if cfg.StorageDriver != StorageDriverPostgres {
		orders := memory.NewOrderRepository()
		i.repos = repositories{
			orders:       orders,
			history:      orders,
			payments:     memory.NewPaymentRepository(),
			refunds:      memory.NewRefundRepository(),
			reservations: memory.NewReservationRepository(),
			deadLetters:  memory.NewDeadLetterRepository(),
			ledger:       memory.NewProcessedEventLedger(),
			outbox:       memory.NewOutboxRepository(),
			idempotency:  memory.NewIdempotencyRepository(),
		}
		logger.Warn("using in-memory storage: state is lost on restart")
		return nil
	}

	store, err := postgres.Open(ctx, cfg.PostgresDSN)
	if err != nil {
		return fmt.Errorf("open postgres: %w", err)
	}
	i.closers = append(i.closers, store.Close)
	if cfg.PostgresAutoMigrate {
		if err := store.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("migrate postgres: %w", err)
		}
	}

	orders := postgres.NewOrderRepository(store)
	i.repos = repositories{
		orders:       orders,
		history:      orders,
		payments:     postgres.NewPaymentRepository(store),
		refunds:      postgres.NewRefundRepository(store),
		reservations: postgres.NewReservationRepository(store),
		deadLetters:  postgres.NewDeadLetterRepository(store),
		ledger:       postgres.NewProcessedEventLedger(store),
		outbox:       postgres.NewOutboxRepository(store),
		idempotency:  postgres.NewIdempotencyRepository(store),
	}
	checks.RegisterChecker("postgres", health.NewSimpleChecker("postgres", store.Ping))
	logger.WithField("auto_migrate", cfg.PostgresAutoMigrate).Info("postgres storage initialized")
	return nil
}

func (i *infrastructure) openCache(ctx context.Context, cfg Config, checks *health.Handler, logger *log.Entry) error {
	if cfg.CacheDriver != CacheDriverRedis {
		cache := memory.NewCache()
		i.cache = cache
		i.expiring = append(i.expiring, namedExpirer{name: "event_cache", target: cache})
		return nil
	}

	cache, err := redis.NewCache(ctx, redis.Options{
		Addr:      cfg.RedisAddr,
		Password:  cfg.RedisPassword,
		DB:        cfg.RedisDB,
		Namespace: cfg.RedisNamespace,
	})
	if err != nil {
		return fmt.Errorf("open redis: %w", err)
	}
	i.cache = cache
	i.closers = append(i.closers, cache.Close)
	// Без кэша диспетчер не может подтверждать сообщения, поэтому проверка критичная.
	checks.RegisterChecker("redis", health.NewSimpleChecker("redis", cache.Ping))
	logger.WithField("addr", cfg.RedisAddr).Info("redis cache initialized")
	return nil
}

func (i *infrastructure) openProducer(cfg Config, logger *log.Entry) error {
	if len(cfg.KafkaBrokers) == 0 {
		return nil
	}
	producer, err := kafka.NewProducer(cfg.KafkaBrokers, version.ClientID(serviceName(cfg.Role)))
	if err != nil {
		return err
	}
	i.producer = producer
	i.closers = append(i.closers, producer.Close)
	logger.WithField("brokers", cfg.KafkaBrokers).Info("kafka producer initialized")
	return nil
}

// Close освобождает ресурсы в обратном порядке открытия.
func (i *infrastructure) Close() error {
	var errs []error
	for idx := len(i.closers) - 1; idx >= 0; idx-- {
		if err := i.closers[idx](); err != nil {
			errs = append(errs, err)
		}
	}
	i.closers = nil
	return errors.Join(errs...)
}
