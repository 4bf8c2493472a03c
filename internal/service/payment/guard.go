package payment

import (
	"context"
	"errors"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
)

// CircuitState — состояние circuit breaker.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// CircuitBreaker размыкается после maxFailures подряд и пропускает пробный вызов через resetTimeout.
type CircuitBreaker struct {
	maxFailures  int
	resetTimeout time.Duration

	mu          sync.Mutex
	failures    int
	lastFailure time.Time
	state       CircuitState
	logger      *log.Entry
	now         func() time.Time
}

// NewCircuitBreaker создаёт новый circuit breaker.
func NewCircuitBreaker(maxFailures int, resetTimeout time.Duration, logger *log.Entry) *CircuitBreaker {
	if logger == nil {
		logger = log.WithField("component", "circuit-breaker")
	}
	if maxFailures <= 0 {
		maxFailures = 5
	}
	if resetTimeout <= 0 {
		resetTimeout = 30 * time.Second
	}

	return &CircuitBreaker{
		maxFailures:  maxFailures,
		resetTimeout: resetTimeout,
		state:        CircuitClosed,
		logger:       logger,
		now:          time.Now,
	}
}

// State возвращает текущее состояние.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Execute выполняет операцию через circuit breaker.
// Отказы провайдера (ProviderError) означают, что шлюз отвечает, и не размыкают цепь.
func (cb *CircuitBreaker) Execute(operation string, fn func() error) error {
	if err := cb.before(operation); err != nil {
		return err
	}

	err := fn()
	cb.after(operation, err)
	return err
}

func (cb *CircuitBreaker) before(operation string) error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state != CircuitOpen {
		return nil
	}
	if cb.now().Sub(cb.lastFailure) > cb.resetTimeout {
		cb.state = CircuitHalfOpen
		cb.logger.WithField("operation", operation).Info("Circuit breaker half-open")
		return nil
	}
	return domain.ErrCircuitOpen
}

func (cb *CircuitBreaker) after(operation string, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err != nil && !errors.Is(err, domain.ErrProvider) && !errors.Is(err, domain.ErrValidation) {
		cb.failures++
		cb.lastFailure = cb.now()

		if cb.state == CircuitHalfOpen || cb.failures >= cb.maxFailures {
			cb.state = CircuitOpen
			cb.logger.WithFields(log.Fields{
				"operation": operation,
				"failures":  cb.failures,
			}).Warn("Circuit breaker opened")
		}
		return
	}

	if cb.state == CircuitHalfOpen {
		cb.state = CircuitClosed
		cb.logger.WithField("operation", operation).Info("Circuit breaker closed")
	}
	cb.failures = 0
}

// GuardConfig — таймауты вызовов шлюза.
type GuardConfig struct {
	// GatewayTimeout — create intent и cancel: провайдер известен медленными ответами.
	GatewayTimeout time.Duration
	// CriticalTimeout — confirm и refund: пользователь ждёт ответа.
	CriticalTimeout time.Duration
}

// DefaultGuardConfig возвращает таймауты по умолчанию.
func DefaultGuardConfig() GuardConfig {
	return GuardConfig{
		GatewayTimeout:  30 * time.Second,
		CriticalTimeout: 10 * time.Second,
	}
}

// Guard оборачивает PaymentGateway таймаутами и circuit breaker.
// Таймаут, разомкнутая цепь и сетевые ошибки превращаются в ErrTransient.
type Guard struct {
	gateway domain.PaymentGateway
	breaker *CircuitBreaker
	config  GuardConfig
}

// NewGuard создаёт защищённый шлюз.
func NewGuard(gateway domain.PaymentGateway, breaker *CircuitBreaker, cfg GuardConfig) *Guard {
	defaults := DefaultGuardConfig()
	if cfg.GatewayTimeout <= 0 {
		cfg.GatewayTimeout = defaults.GatewayTimeout
	}
	if cfg.CriticalTimeout <= 0 {
		cfg.CriticalTimeout = defaults.CriticalTimeout
	}
	if breaker == nil {
		breaker = NewCircuitBreaker(0, 0, nil)
	}
	return &Guard{gateway: gateway, breaker: breaker, config: cfg}
}

// Name возвращает имя провайдера.
func (g *Guard) Name() string { return g.gateway.Name() }

// CreateIntent создаёт intent у провайдера.
func (g *Guard) CreateIntent(ctx context.Context, req domain.GatewayIntentRequest) (domain.GatewayIntent, error) {
	var intent domain.GatewayIntent
	err := g.call(ctx, "create_intent", g.config.GatewayTimeout, func(ctx context.Context) error {
		var err error
		intent, err = g.gateway.CreateIntent(ctx, req)
		return err
	})
	return intent, err
}

// Confirm подтверждает intent.
func (g *Guard) Confirm(ctx context.Context, intentID string, details domain.PaymentMethodDetails) (domain.GatewayConfirmation, error) {
	var confirmation domain.GatewayConfirmation
	err := g.call(ctx, "confirm", g.config.CriticalTimeout, func(ctx context.Context) error {
		var err error
		confirmation, err = g.gateway.Confirm(ctx, intentID, details)
		return err
	})
	return confirmation, err
}

// Cancel отменяет intent.
func (g *Guard) Cancel(ctx context.Context, intentID string) error {
	return g.call(ctx, "cancel", g.config.GatewayTimeout, func(ctx context.Context) error {
		return g.gateway.Cancel(ctx, intentID)
	})
}

// Refund запрашивает возврат.
func (g *Guard) Refund(ctx context.Context, req domain.GatewayRefundRequest) (domain.GatewayRefund, error) {
	var refund domain.GatewayRefund
	err := g.call(ctx, "refund", g.config.CriticalTimeout, func(ctx context.Context) error {
		var err error
		refund, err = g.gateway.Refund(ctx, req)
		return err
	})
	return refund, err
}

// VerifyWebhookSignature проверяет подпись без таймаутов: вызов локальный.
func (g *Guard) VerifyWebhookSignature(payload []byte, signature string) error {
	return g.gateway.VerifyWebhookSignature(payload, signature)
}

func (g *Guard) call(ctx context.Context, operation string, timeout time.Duration, fn func(ctx context.Context) error) error {
	err := g.breaker.Execute(operation, func() error {
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return fn(callCtx)
	})
	if err == nil || errors.Is(err, domain.ErrProvider) || errors.Is(err, domain.ErrValidation) {
		return err
	}
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return err
	}
	return domain.Transient("gateway "+operation, err)
}

var _ domain.PaymentGateway = (*Guard)(nil)
