package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	promgrpc "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
	"github.com/vladislavdragonenkov/fulfillment/internal/health"
	"github.com/vladislavdragonenkov/fulfillment/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/fulfillment/internal/messaging/local"
	"github.com/vladislavdragonenkov/fulfillment/internal/metrics"
	"github.com/vladislavdragonenkov/fulfillment/internal/service/checkout"
	"github.com/vladislavdragonenkov/fulfillment/internal/service/dispatcher"
	"github.com/vladislavdragonenkov/fulfillment/internal/service/events"
	"github.com/vladislavdragonenkov/fulfillment/internal/service/idempotency"
	"github.com/vladislavdragonenkov/fulfillment/internal/service/inventory"
	"github.com/vladislavdragonenkov/fulfillment/internal/service/order"
	"github.com/vladislavdragonenkov/fulfillment/internal/service/outbox"
	"github.com/vladislavdragonenkov/fulfillment/internal/service/payment"
	httptransport "github.com/vladislavdragonenkov/fulfillment/internal/transport/http"
	"github.com/vladislavdragonenkov/fulfillment/internal/version"
)

const (
	healthPollInterval = 5 * time.Second
	readHeaderTimeout  = 5 * time.Second
)

// App — собранный процесс одной роли: сервисы, диспетчеры, воркеры и серверы.
type App struct {
	cfg      Config
	logger   *log.Entry
	registry *prometheus.Registry
	health   *health.Handler
	infra    *infrastructure

	bus       *local.Bus
	publisher *events.Publisher

	orders    *order.Service
	payments  *payment.Service
	gateway   *payment.MockGateway
	inventory *inventory.Service
	checkout  *checkout.Service

	dispatchers  map[string]*dispatcher.Dispatcher
	consumers    []*kafka.Consumer
	outboxWorker *outbox.Worker
	cleanup      []*idempotency.CleanupWorker
	handler      http.Handler

	grpcServer  *grpc.Server
	grpcHealth  *grpchealth.Server
	grpcMetrics *promgrpc.ServerMetrics
}

// Run собирает приложение и работает до отмены ctx.
func Run(ctx context.Context, cfg Config) error {
	a, err := New(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			a.logger.WithError(err).Warn("failed to release resources")
		}
	}()
	return a.Run(ctx)
}

// New подключает инфраструктуру и собирает сервисы роли cfg.Role.
func New(ctx context.Context, cfg Config) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	a := &App{
		cfg:         cfg,
		logger:      log.WithFields(log.Fields{"component": "app", "role": cfg.Role}),
		registry:    prometheus.NewRegistry(),
		health:      health.NewHandler(version.Current().Version),
		dispatchers: make(map[string]*dispatcher.Dispatcher),
	}

	infra, err := openInfrastructure(ctx, cfg, a.health, a.logger)
	if err != nil {
		return nil, err
	}
	a.infra = infra

	if err := a.build(); err != nil {
		return nil, errors.Join(err, a.Close())
	}
	return a, nil
}

func (a *App) build() error {
	sagaMetrics := metrics.NewSagaMetricsWithRegisterer(a.registry)
	dispatcherMetrics := metrics.NewDispatcherMetrics(a.registry)
	repos := a.infra.repos

	var (
		sink            domain.EventSink
		outboxPublisher domain.OutboxPublisher
	)
	if a.infra.producer != nil {
		sink = a.infra.producer
		outboxPublisher = kafka.NewOutboxPublisher(a.infra.producer)
	} else {
		a.bus = local.NewBus(local.WithLogger(a.logger.WithField("component", "local-bus")))
		sink = a.bus
		outboxPublisher = a.bus
	}
	delayed := outbox.NewSink(repos.outbox)
	if a.cfg.OutboxPublishAll {
		sink = delayed
	}

	a.publisher = events.NewPublisher(serviceName(a.cfg.Role), sink,
		events.WithDelayedSink(delayed),
		events.WithMetrics(sagaMetrics),
		events.WithLogger(a.logger.WithField("component", "event-publisher")),
	)

	deadLetters := []domain.DeadLetterSink{repos.deadLetters}
	if a.infra.producer != nil {
		deadLetters = append(deadLetters, kafka.NewDeadLetterPublisher(a.infra.producer, a.cfg.KafkaDLQTopic))
	}
	a.outboxWorker = outbox.NewWorker(repos.outbox, outboxPublisher,
		outbox.WithLogger(a.logger.WithField("component", "outbox-worker")),
		outbox.WithMetrics(metrics.NewOutboxMetrics(a.registry)),
		outbox.WithDeadLetterSink(repos.deadLetters),
		outbox.WithPollInterval(a.cfg.OutboxPollInterval),
		outbox.WithBatchSize(a.cfg.OutboxBatchSize),
		outbox.WithMaxAttempts(a.cfg.OutboxMaxAttempts),
		outbox.WithRetryBaseDelay(a.cfg.OutboxRetryDelay),
	)
	cleanupMetrics := metrics.NewCleanupMetrics(a.registry)
	for _, e := range a.infra.expiring {
		a.cleanup = append(a.cleanup, idempotency.NewCleanupWorker(e.target,
			idempotency.WithName(e.name),
			idempotency.WithLogger(a.logger.WithField("component", "cleanup-worker")),
			idempotency.WithMetrics(cleanupMetrics),
			idempotency.WithInterval(a.cfg.CleanupInterval),
			idempotency.WithBatchSize(a.cfg.CleanupBatchSize),
		))
	}

	handlers, err := a.buildServices(sagaMetrics)
	if err != nil {
		return err
	}

	store := idempotency.NewEventStore(a.infra.cache, repos.ledger, idempotency.EventStoreConfig{
		DedupTTL:  a.cfg.DedupTTL,
		StatusTTL: a.cfg.StatusTTL,
	})
	for group, groupHandlers := range handlers {
		d, err := dispatcher.New(dispatcher.Config{
			Group: group,
			Retry: dispatcher.RetryPolicy{
				MaxRetries:   a.cfg.RetryMaxRetries,
				InitialDelay: a.cfg.RetryInitialDelay,
				Multiplier:   a.cfg.RetryMultiplier,
				MaxDelay:     a.cfg.RetryMaxDelay,
			},
		}, groupHandlers, store, deadLetters,
			dispatcher.WithLogger(a.logger.WithField("component", "dispatcher")),
			dispatcher.WithMetrics(dispatcherMetrics),
		)
		if err != nil {
			return err
		}
		a.dispatchers[group] = d
		if err := a.subscribe(group, groupHandlers.Topics(), d); err != nil {
			return err
		}
	}

	a.handler = httptransport.NewRouter(a.routerDependencies())
	a.buildGRPC()
	return nil
}

// buildServices создаёт сервисы роли и возвращает обработчики событий по consumer group.
func (a *App) buildServices(sagaMetrics *metrics.SagaMetrics) (map[string]dispatcher.Handlers, error) {
	repos := a.infra.repos
	role := a.cfg.Role
	handlers := make(map[string]dispatcher.Handlers)

	if role == RoleOrder || role == RoleAll {
		svc, err := order.NewService(order.Dependencies{
			Orders:    repos.orders,
			History:   repos.history,
			Publisher: a.publisher,
			Metrics:   sagaMetrics,
			Logger:    a.logger.WithField("component", order.ServiceName),
		}, order.Config{PaymentTimeout: a.cfg.PaymentTimeout})
		if err != nil {
			return nil, err
		}
		a.orders = svc
		handlers[a.groupID(order.ServiceName)] = svc.Handlers()
	}

	if role == RolePayment || role == RoleAll {
		breaker := payment.NewCircuitBreaker(a.cfg.BreakerMaxFailures, a.cfg.BreakerResetTimeout,
			a.logger.WithField("component", "circuit-breaker"))
		a.gateway = payment.NewMockGateway(a.cfg.WebhookSecret)
		gateway := payment.NewGuard(a.gateway, breaker, payment.GuardConfig{
			GatewayTimeout:  a.cfg.GatewayTimeout,
			CriticalTimeout: a.cfg.GatewayCriticalTimeout,
		})
		a.logger.Warn("payment gateway: using mock provider")

		minAmount, maxAmount := a.cfg.paymentBounds()
		svc, err := payment.NewService(payment.Dependencies{
			Payments:  repos.payments,
			Refunds:   repos.refunds,
			Gateway:   gateway,
			Publisher: a.publisher,
			Metrics:   sagaMetrics,
			Logger:    a.logger.WithField("component", payment.ServiceName),
		}, payment.Config{
			MinAmount:       minAmount,
			MaxAmount:       maxAmount,
			DefaultCurrency: a.cfg.DefaultCurrency,
			RefundWindow:    a.cfg.RefundWindow,
		})
		if err != nil {
			return nil, err
		}
		a.payments = svc
		handlers[a.groupID(payment.ServiceName)] = svc.Handlers()
	}

	if role == RoleInventory || role == RoleAll {
		a.inventory = inventory.NewService(repos.reservations, a.logger.WithField("component", inventory.ServiceName))
		handlers[a.groupID(inventory.ServiceName)] = a.inventory.Handlers()
	}

	if a.orders != nil && a.payments != nil {
		a.checkout = checkout.NewService(a.orders, a.payments, a.infra.cache, sagaMetrics,
			a.logger.WithField("component", "checkout"))
	}
	return handlers, nil
}

// subscribe подключает диспетчер группы к Kafka или к брокеру в памяти.
func (a *App) subscribe(group string, topics []string, d *dispatcher.Dispatcher) error {
	if a.bus != nil {
		return a.bus.Subscribe(group, topics, d.Handle)
	}
	consumer, err := kafka.NewConsumer(kafka.ConsumerConfig{
		Brokers:    a.cfg.KafkaBrokers,
		GroupID:    group,
		Topics:     topics,
		ClientID:   version.ClientID(group),
		FromOldest: a.cfg.KafkaFromOldest,
		Logger:     a.logger.WithField("component", "kafka-consumer"),
	}, d.Handle)
	if err != nil {
		return fmt.Errorf("consumer %s: %w", group, err)
	}
	a.consumers = append(a.consumers, consumer)
	return nil
}

func (a *App) routerDependencies() httptransport.Dependencies {
	deps := httptransport.Dependencies{
		Idempotency: a.infra.repos.idempotency,
		Health:      a.health,
		Metrics:     promhttp.HandlerFor(prometheus.Gatherers{a.registry, prometheus.DefaultGatherer}, promhttp.HandlerOpts{}),
		Logger:      a.logger.WithField("component", "http"),
	}
	if a.checkout != nil {
		deps.Checkout = a.checkout
	}
	if a.orders != nil {
		deps.Orders = a.orders
	}
	if a.payments != nil {
		deps.Payments = a.payments
	}
	return deps
}

// buildGRPC поднимает gRPC health для probe-ов и балансировщиков.
func (a *App) buildGRPC() {
	a.grpcMetrics = promgrpc.NewServerMetrics()
	a.registry.MustRegister(a.grpcMetrics)
	a.grpcServer = grpc.NewServer(
		grpc.ChainUnaryInterceptor(a.grpcMetrics.UnaryServerInterceptor()),
		grpc.ChainStreamInterceptor(a.grpcMetrics.StreamServerInterceptor()),
	)
	a.grpcHealth = grpchealth.NewServer()
	healthpb.RegisterHealthServer(a.grpcServer, a.grpcHealth)
	reflection.Register(a.grpcServer)
	a.grpcMetrics.InitializeMetrics(a.grpcServer)
}

// Handler возвращает HTTP-роутер приложения.
func (a *App) Handler() http.Handler {
	return a.handler
}

// Run запускает серверы, консьюмеры и воркеры и ждёт отмены ctx или первой фатальной ошибки.
func (a *App) Run(ctx context.Context) error {
	httpLis, err := net.Listen("tcp", a.cfg.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listen http %s: %w", a.cfg.HTTPAddr, err)
	}
	grpcLis, err := net.Listen("tcp", a.cfg.GRPCAddr)
	if err != nil {
		_ = httpLis.Close()
		return fmt.Errorf("listen grpc %s: %w", a.cfg.GRPCAddr, err)
	}

	g, gctx := errgroup.WithContext(ctx)

	if a.bus != nil {
		g.Go(func() error { return a.bus.Run(gctx) })
	}
	for _, c := range a.consumers {
		if err := c.Start(gctx); err != nil {
			return err
		}
	}
	g.Go(func() error {
		a.outboxWorker.Run(gctx)
		return nil
	})
	for _, w := range a.cleanup {
		g.Go(func() error {
			w.Run(gctx)
			return nil
		})
	}

	srv := &http.Server{Handler: a.handler, ReadHeaderTimeout: readHeaderTimeout}
	g.Go(func() error {
		a.logger.WithField("addr", httpLis.Addr().String()).Info("http server listening")
		if err := srv.Serve(httpLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		a.logger.WithField("addr", grpcLis.Addr().String()).Info("grpc health server listening")
		if err := a.grpcServer.Serve(grpcLis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("grpc server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		a.watchHealth(gctx)
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		a.shutdown(srv)
		return nil
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// watchHealth переносит результат проверок компонентов в статус gRPC health.
func (a *App) watchHealth(ctx context.Context) {
	service := serviceName(a.cfg.Role)
	update := func() {
		status := healthpb.HealthCheckResponse_SERVING
		if overall, _ := a.health.Run(ctx); overall == health.StatusUnhealthy {
			status = healthpb.HealthCheckResponse_NOT_SERVING
		}
		a.grpcHealth.SetServingStatus("", status)
		a.grpcHealth.SetServingStatus(service, status)
	}

	update()
	ticker := time.NewTicker(healthPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			update()
		}
	}
}

func (a *App) shutdown(srv *http.Server) {
	a.logger.Info("shutting down")
	a.grpcHealth.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		a.logger.WithError(err).Warn("http shutdown with error")
	}

	stopped := make(chan struct{})
	go func() {
		a.grpcServer.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-ctx.Done():
		a.logger.Warn("grpc graceful stop timed out, forcing")
		a.grpcServer.Stop()
	}

	for _, c := range a.consumers {
		if err := c.Stop(); err != nil {
			a.logger.WithError(err).Warn("failed to stop kafka consumer")
		}
	}
}

// Close освобождает хранилище, кэш и продюсер.
func (a *App) Close() error {
	if a.infra == nil {
		return nil
	}
	return a.infra.Close()
}

// groupID — consumer group сервиса с префиксом окружения.
func (a *App) groupID(service string) string {
	if a.cfg.KafkaGroupPrefix == "" {
		return service
	}
	return a.cfg.KafkaGroupPrefix + "." + service
}

func serviceName(role Role) string {
	switch role {
	case RoleOrder:
		return order.ServiceName
	case RolePayment:
		return payment.ServiceName
	case RoleInventory:
		return inventory.ServiceName
	default:
		return "fulfillment"
	}
}
